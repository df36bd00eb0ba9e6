package models

import (
	"fmt"
	"image"
)

// Frame is a read-only view over an 8-bit grayscale pixel buffer.
//
// A Frame does not own its pixels: Pix aliases the caller's storage and the
// view is only valid for as long as that storage is. Rows are Stride bytes
// apart and the first Width bytes of each row are pixels.
type Frame struct {
	// Pix is the borrowed pixel storage (not owned, lifetime <= source buffer)
	Pix []uint8

	// Width and Height are the dimensions of the frame in pixels
	Width  int
	Height int

	// Stride is the distance in bytes between vertically adjacent pixels
	Stride int
}

// NewFrame borrows the pixel buffer of a gray image without copying it.
func NewFrame(img *image.Gray) Frame {
	b := img.Bounds()
	offset := img.PixOffset(b.Min.X, b.Min.Y)
	return Frame{
		Pix:    img.Pix[offset:],
		Width:  b.Dx(),
		Height: b.Dy(),
		Stride: img.Stride,
	}
}

// FrameFromPix wraps a raw pixel buffer, checking that the stride and buffer
// length can hold a width x height frame.
func FrameFromPix(pix []uint8, width, height, stride int) (Frame, error) {
	if width <= 0 || height <= 0 {
		return Frame{}, fmt.Errorf("%w: frame dimensions %dx%d", ErrInvalidInput, width, height)
	}
	if stride < width {
		return Frame{}, fmt.Errorf("%w: stride %d smaller than width %d", ErrInvalidInput, stride, width)
	}
	if need := (height-1)*stride + width; len(pix) < need {
		return Frame{}, fmt.Errorf("%w: buffer holds %d bytes, need %d", ErrInvalidInput, len(pix), need)
	}
	return Frame{Pix: pix, Width: width, Height: height, Stride: stride}, nil
}

// At returns the pixel value at column x, row y.
func (f Frame) At(x, y int) uint8 {
	return f.Pix[y*f.Stride+x]
}

// Row returns the pixels of row y, without the stride padding.
func (f Frame) Row(y int) []uint8 {
	start := y * f.Stride
	return f.Pix[start : start+f.Width]
}

// Pixels is the number of pixels in the frame.
func (f Frame) Pixels() int {
	return f.Width * f.Height
}

// Image copies the frame into a newly allocated gray image.
func (f Frame) Image() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		copy(img.Pix[y*img.Stride:], f.Row(y))
	}
	return img
}

// Sequence is an ordered, fully materialized set of frames.
type Sequence []Frame

// Validate checks that the sequence holds at least two frames and that all
// frames share the dimensions of the first.
func (s Sequence) Validate() error {
	if len(s) < 2 {
		return fmt.Errorf("%w: need at least 2 frames, got %d", ErrInvalidInput, len(s))
	}
	w, h := s[0].Width, s[0].Height
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: empty first frame", ErrInvalidInput)
	}
	for i, f := range s[1:] {
		if f.Width != w || f.Height != h {
			return fmt.Errorf("%w: frame %d is %dx%d, expected %dx%d",
				ErrInvalidInput, i+1, f.Width, f.Height, w, h)
		}
	}
	return nil
}

// Size returns the common frame dimensions. Only meaningful after Validate.
func (s Sequence) Size() (width, height int) {
	if len(s) == 0 {
		return 0, 0
	}
	return s[0].Width, s[0].Height
}
