package denoise

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"

	"cardiocontract/internal/models"
)

// createTestFrame creates a frame from a pixel function
func createTestFrame(width, height int, pattern func(x, y int) uint8) models.Frame {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Pix[y*img.Stride+x] = pattern(x, y)
		}
	}
	return models.NewFrame(img)
}

func TestNewFilter(t *testing.T) {
	for _, cutoff := range []float64{0, -0.5, 1.5, math.NaN()} {
		if _, err := NewFilter(cutoff); !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("Expected ErrInvalidInput for cutoff %v, got %v", cutoff, err)
		}
	}
	f, err := NewFilter(1)
	if err != nil {
		t.Fatalf("Failed to create filter: %v", err)
	}
	if f.Cutoff() != 1 {
		t.Errorf("Expected cutoff 1, got %f", f.Cutoff())
	}
}

// TestResponse verifies the pass band, stop band and transition midpoint
func TestResponse(t *testing.T) {
	f, _ := NewFilter(DefaultCutoff)

	if f.Response(0, 0) != 1 {
		t.Errorf("Expected unit gain at DC, got %f", f.Response(0, 0))
	}
	if f.Response(math.Pi/4, 0) != 1 {
		t.Errorf("Expected unit gain at the pass band edge, got %f", f.Response(math.Pi/4, 0))
	}
	if f.Response(0, math.Pi/2) != 0 {
		t.Errorf("Expected zero gain at the cutoff, got %f", f.Response(0, math.Pi/2))
	}
	if f.Response(math.Pi, math.Pi) != 0 {
		t.Errorf("Expected zero gain at the corner, got %f", f.Response(math.Pi, math.Pi))
	}

	// meyer(0.5) = 0.5, so the gain is cos(pi/4)
	mid := f.Response(3*math.Pi/8, 0)
	if math.Abs(mid-math.Sqrt2/2) > 1e-12 {
		t.Errorf("Expected midpoint gain %f, got %f", math.Sqrt2/2, mid)
	}

	// The response only depends on the radius
	if math.Abs(f.Response(0.3, 0.4)-f.Response(0.5, 0)) > 1e-12 {
		t.Error("Expected a radially symmetric response")
	}
}

// TestApplyUniform verifies that a flat frame passes unchanged, also for odd sizes
func TestApplyUniform(t *testing.T) {
	f, _ := NewFilter(DefaultCutoff)
	for _, size := range [][2]int{{16, 16}, {15, 9}} {
		frame := createTestFrame(size[0], size[1], func(x, y int) uint8 { return 93 })
		out := f.Apply(frame)
		for i, v := range out.Pix {
			if v != 93 {
				t.Fatalf("%dx%d: expected 93 at %d, got %d", size[0], size[1], i, v)
			}
		}
	}
}

// TestApplyRemovesCheckerboard verifies that the highest frequency is removed
func TestApplyRemovesCheckerboard(t *testing.T) {
	f, _ := NewFilter(DefaultCutoff)
	frame := createTestFrame(16, 16, func(x, y int) uint8 {
		if (x+y)%2 == 0 {
			return 255
		}
		return 0
	})

	out := f.Apply(frame)
	for i, v := range out.Pix {
		if math.Abs(float64(v)-127.5) > 1 {
			t.Fatalf("Expected the mean level at %d, got %d", i, v)
		}
	}
}

// TestApplyKeepsLowFrequencies verifies that a slow ramp survives
func TestApplyKeepsLowFrequencies(t *testing.T) {
	f, _ := NewFilter(DefaultCutoff)
	pattern := func(x, y int) uint8 {
		return uint8(math.Round(128 + 80*math.Sin(2*math.Pi*float64(x)/16)))
	}
	frame := createTestFrame(16, 8, pattern)

	out := f.Apply(frame)
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			if d := math.Abs(float64(out.GrayAt(x, y).Y) - float64(pattern(x, y))); d > 1 {
				t.Errorf("Expected %d at (%d,%d), got %d", pattern(x, y), x, y, out.GrayAt(x, y).Y)
			}
		}
	}
}

func TestSequence(t *testing.T) {
	f, _ := NewFilter(DefaultCutoff)
	frames := models.Sequence{
		createTestFrame(8, 8, func(x, y int) uint8 { return 10 }),
		createTestFrame(8, 8, func(x, y int) uint8 { return 200 }),
		createTestFrame(8, 8, func(x, y int) uint8 { return 60 }),
	}

	out, err := Sequence(context.Background(), frames, f, 2)
	if err != nil {
		t.Fatalf("Failed to denoise sequence: %v", err)
	}
	if len(out) != len(frames) {
		t.Fatalf("Expected %d frames, got %d", len(frames), len(out))
	}
	for i := range frames {
		if out[i].At(3, 3) != frames[i].At(3, 3) {
			t.Errorf("Frame %d: expected %d, got %d", i, frames[i].At(3, 3), out[i].At(3, 3))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Sequence(ctx, frames, f, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
