package models

import (
	"errors"
	"image"
	"testing"
)

func TestNewFrameBorrowsPixels(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 3))
	f := NewFrame(img)

	img.Pix[1*img.Stride+2] = 77
	if f.At(2, 1) != 77 {
		t.Errorf("Expected borrowed view to see 77, got %d", f.At(2, 1))
	}
	if f.Width != 4 || f.Height != 3 {
		t.Errorf("Expected 4x3 frame, got %dx%d", f.Width, f.Height)
	}
}

func TestNewFrameSubImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	img.Pix[3*img.Stride+5] = 200
	sub := img.SubImage(image.Rect(4, 2, 8, 6)).(*image.Gray)

	f := NewFrame(sub)
	if f.Width != 4 || f.Height != 4 {
		t.Fatalf("Expected 4x4 frame, got %dx%d", f.Width, f.Height)
	}
	if f.At(1, 1) != 200 {
		t.Errorf("Expected pixel (1,1) of sub-image to be 200, got %d", f.At(1, 1))
	}
	if len(f.Row(3)) != 4 {
		t.Errorf("Expected row length 4, got %d", len(f.Row(3)))
	}
}

func TestFrameFromPix(t *testing.T) {
	tests := []struct {
		name    string
		pix     int
		w, h, s int
		wantErr bool
	}{
		{"exact", 12, 4, 3, 4, false},
		{"padded stride", 14, 4, 3, 5, false},
		{"stride too small", 12, 4, 3, 3, true},
		{"buffer too short", 10, 4, 3, 4, true},
		{"zero width", 12, 0, 3, 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FrameFromPix(make([]uint8, tt.pix), tt.w, tt.h, tt.s)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("Expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestSequenceValidate(t *testing.T) {
	a := NewFrame(image.NewGray(image.Rect(0, 0, 4, 4)))
	b := NewFrame(image.NewGray(image.Rect(0, 0, 4, 5)))

	if err := (Sequence{a}).Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected single frame to be rejected, got %v", err)
	}
	if err := (Sequence{a, b}).Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected mismatched frames to be rejected, got %v", err)
	}
	if err := (Sequence{a, a, a}).Validate(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestFrameImageCopies(t *testing.T) {
	pix := []uint8{1, 2, 0, 3, 4, 0}
	f, err := FrameFromPix(pix, 2, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	img := f.Image()
	pix[0] = 99
	if img.GrayAt(0, 0).Y != 1 || img.GrayAt(1, 1).Y != 4 {
		t.Errorf("Expected copied pixels 1 and 4, got %d and %d", img.GrayAt(0, 0).Y, img.GrayAt(1, 1).Y)
	}
}
