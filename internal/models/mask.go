package models

// Mask is a per-pixel boolean grid with the same layout as Frame. True means
// the pixel may be modified (zeroed) by cleaning.
type Mask struct {
	// Bits is the mask data in row-major order, length Width*Height.
	Bits []bool

	// Width and Height are the mask dimensions in pixels.
	Width  int
	Height int
}

// NewMask returns an all-false mask of the given dimensions.
func NewMask(width, height int) *Mask {
	return &Mask{
		Bits:   make([]bool, width*height),
		Width:  width,
		Height: height,
	}
}

// NewFullMask returns an all-true mask of the given dimensions.
func NewFullMask(width, height int) *Mask {
	m := NewMask(width, height)
	for i := range m.Bits {
		m.Bits[i] = true
	}
	return m
}

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	if m == nil {
		return nil
	}
	bits := make([]bool, len(m.Bits))
	copy(bits, m.Bits)
	return &Mask{Bits: bits, Width: m.Width, Height: m.Height}
}

// SameShape reports whether both masks have identical dimensions.
func (m *Mask) SameShape(other *Mask) bool {
	return other != nil && m.Width == other.Width && m.Height == other.Height
}

// And returns the element-wise intersection of two same-shape masks.
func (m *Mask) And(other *Mask) *Mask {
	out := NewMask(m.Width, m.Height)
	for i, b := range m.Bits {
		out.Bits[i] = b && other.Bits[i]
	}
	return out
}

// Or returns the element-wise union of two same-shape masks.
func (m *Mask) Or(other *Mask) *Mask {
	out := NewMask(m.Width, m.Height)
	for i, b := range m.Bits {
		out.Bits[i] = b || other.Bits[i]
	}
	return out
}

// Count returns the number of true pixels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// ToFrame returns the mask as a 0/1 valued frame.
func (m *Mask) ToFrame() *Frame {
	f := NewFrame(m.Width, m.Height)
	for i, b := range m.Bits {
		if b {
			f.Data[i] = 1
		}
	}
	return f
}

// MaskFromFrame returns a mask that is true wherever the frame is nonzero.
func MaskFromFrame(f *Frame) *Mask {
	m := NewMask(f.Width, f.Height)
	for i, v := range f.Data {
		m.Bits[i] = v != 0
	}
	return m
}
