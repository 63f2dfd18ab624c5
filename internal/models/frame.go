// Package models defines the grid types shared by the cleaning pipeline:
// Frame for 2D detector images and Mask for per-pixel boolean masks.
// Both store their data row-major in a flat slice with explicit dimensions.
package models

import "fmt"

// Frame is a single 2D detector image. Values are held as float64 regardless
// of the on-disk dtype so that accumulation over long series keeps precision.
type Frame struct {
	// Data is the pixel data in row-major order, length Width*Height.
	Data []float64

	// Width and Height are the frame dimensions in pixels.
	Width  int
	Height int
}

// ShapeMismatchError reports a frame/mask dimension disagreement.
type ShapeMismatchError struct {
	WantWidth, WantHeight int
	GotWidth, GotHeight   int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: have %dx%d, want %dx%d",
		e.GotWidth, e.GotHeight, e.WantWidth, e.WantHeight)
}

// NewFrame returns a zero-filled frame of the given dimensions.
func NewFrame(width, height int) *Frame {
	return &Frame{
		Data:   make([]float64, width*height),
		Width:  width,
		Height: height,
	}
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	data := make([]float64, len(f.Data))
	copy(data, f.Data)
	return &Frame{Data: data, Width: f.Width, Height: f.Height}
}

// At returns the pixel value at (x, y). No bounds checking beyond the
// underlying slice.
func (f *Frame) At(x, y int) float64 {
	return f.Data[y*f.Width+x]
}

// Set stores v at (x, y).
func (f *Frame) Set(x, y int, v float64) {
	f.Data[y*f.Width+x] = v
}

// SameShape reports whether both frames have identical dimensions.
func (f *Frame) SameShape(other *Frame) bool {
	return other != nil && f.Width == other.Width && f.Height == other.Height
}

// CheckShape returns a ShapeMismatchError if the mask dimensions differ from
// the frame's.
func (f *Frame) CheckShape(m *Mask) error {
	if m == nil || m.Width != f.Width || m.Height != f.Height {
		gotW, gotH := 0, 0
		if m != nil {
			gotW, gotH = m.Width, m.Height
		}
		return &ShapeMismatchError{
			WantWidth: f.Width, WantHeight: f.Height,
			GotWidth: gotW, GotHeight: gotH,
		}
	}
	return nil
}

// ZeroWhere sets every pixel where the mask is true to 0. The mask must have
// the frame's shape.
func (f *Frame) ZeroWhere(m *Mask) {
	for i, set := range m.Bits {
		if set {
			f.Data[i] = 0
		}
	}
}

// SubTo stores f - other into dst element-wise and returns dst. All three
// frames must share a shape; dst may alias f or other.
func (f *Frame) SubTo(dst, other *Frame) *Frame {
	for i, v := range f.Data {
		dst.Data[i] = v - other.Data[i]
	}
	return dst
}

// Occupancy returns a mask that is true wherever the pixel value is strictly
// positive.
func (f *Frame) Occupancy() *Mask {
	m := NewMask(f.Width, f.Height)
	for i, v := range f.Data {
		m.Bits[i] = v > 0
	}
	return m
}
