package visualization

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/mat"

	"cardiocontract/internal/models"
)

// Viewer renders a self-similarity matrix as 8-bit images.
type Viewer struct {
	// matrix holds the N x N similarity values in [0, 1]
	matrix mat.Symmetric

	// size is the number of frames
	size int
}

// NewViewer creates a viewer over a similarity matrix
func NewViewer(m mat.Symmetric) *Viewer {
	return &Viewer{matrix: m, size: m.SymmetricDim()}
}

// Size returns the number of frames covered by the matrix
func (v *Viewer) Size() int {
	return v.size
}

// MatrixImage renders the whole matrix, one pixel per frame pair
func (v *Viewer) MatrixImage() *image.Gray {
	img, _ := v.ExtractRegion(0, v.size)
	return img
}

// ExtractRegion renders the diagonal block of frames [start, start+size),
// e.g. the frames of one contraction
func (v *Viewer) ExtractRegion(start, size int) (*image.Gray, error) {
	if start < 0 {
		return nil, fmt.Errorf("start must be non-negative")
	}
	if size <= 0 {
		return nil, fmt.Errorf("size must be positive")
	}
	if start+size > v.size {
		return nil, fmt.Errorf("region extends beyond matrix of %d frames", v.size)
	}

	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < size; x++ {
			row[x] = grayLevel(v.matrix.At(start+y, start+x))
		}
	}
	return img, nil
}

// ExtractRow returns the similarities of frame i to every frame
func (v *Viewer) ExtractRow(i int) ([]float64, error) {
	if i < 0 || i >= v.size {
		return nil, fmt.Errorf("row %d outside matrix of %d frames", i, v.size)
	}
	row := make([]float64, v.size)
	for j := range row {
		row[j] = v.matrix.At(i, j)
	}
	return row, nil
}

func grayLevel(value float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(value*255))))
}

// SaveImage saves an image, choosing the format from the file extension.
// JPEG output uses quality 90.
func SaveImage(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return imaging.Save(img, filename, imaging.JPEGQuality(90))
}

// SaveFrameSequence saves frames [start, end) as numbered JPEGs in outputDir
func SaveFrameSequence(frames models.Sequence, start, end int, outputDir string) error {
	if start < 0 || end > len(frames) || start >= end {
		return fmt.Errorf("frame range [%d,%d) outside sequence of %d frames", start, end, len(frames))
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for i := start; i < end; i++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("frame_%03d.jpg", i))
		if err := SaveImage(frames[i].Image(), filename); err != nil {
			return err
		}
	}

	return nil
}
