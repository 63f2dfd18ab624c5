package models

// Window kernels used by artifact detection. Both operate on a square window
// of side size centered on each pixel; pixels outside the grid contribute
// nothing (zero padding). A window of side k spans offsets [-(k/2), k-1-k/2],
// so even sides anchor one extra row and column before the pixel.

// Dilate returns the mask grown by a size x size maximum filter: a pixel is
// true in the output if any pixel of its window is true in the input.
// Sizes of 0 and 1 are the identity.
func (m *Mask) Dilate(size int) *Mask {
	if size <= 1 {
		return m.Clone()
	}
	lo := -(size / 2)
	hi := size - 1 - size/2
	out := NewMask(m.Width, m.Height)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.anyInWindow(x, y, lo, hi) {
				out.Bits[y*m.Width+x] = true
			}
		}
	}
	return out
}

func (m *Mask) anyInWindow(x, y, lo, hi int) bool {
	for dy := lo; dy <= hi; dy++ {
		yy := y + dy
		if yy < 0 || yy >= m.Height {
			continue
		}
		row := yy * m.Width
		for dx := lo; dx <= hi; dx++ {
			xx := x + dx
			if xx < 0 || xx >= m.Width {
				continue
			}
			if m.Bits[row+xx] {
				return true
			}
		}
	}
	return false
}

// WindowSum convolves the frame with an all-ones size x size kernel under
// zero padding, returning the per-pixel sum of the window. Sizes of 0 and 1
// are the identity.
func (f *Frame) WindowSum(size int) *Frame {
	if size <= 1 {
		return f.Clone()
	}
	lo := -(size / 2)
	hi := size - 1 - size/2
	out := NewFrame(f.Width, f.Height)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			sum := 0.0
			for dy := lo; dy <= hi; dy++ {
				yy := y + dy
				if yy < 0 || yy >= f.Height {
					continue
				}
				row := yy * f.Width
				for dx := lo; dx <= hi; dx++ {
					xx := x + dx
					if xx < 0 || xx >= f.Width {
						continue
					}
					sum += f.Data[row+xx]
				}
			}
			out.Data[y*f.Width+x] = sum
		}
	}
	return out
}
