// Package tiffio reads and writes single-channel TIFF files for the cleaning
// pipeline. Result arrays are written as uncompressed 64-bit floating point
// TIFF (SampleFormat IEEEFP), which golang.org/x/image/tiff cannot encode;
// reading falls back to x/image/tiff for the integer grayscale formats that
// detectors produce.
package tiffio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"os"

	"golang.org/x/image/tiff"

	"decosmic/internal/models"
)

// TIFF tag IDs used by the float codec.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagSampleFormat    = 339
)

const (
	typeShort = 3
	typeLong  = 4

	compressionNone  = 1
	sampleFormatInt  = 1
	sampleFormatFP   = 3
	photometricBlack = 1
)

// Write stores the frame as an uncompressed little-endian 64-bit float TIFF.
func Write(path string, f *models.Frame) error {
	var buf bytes.Buffer
	le := binary.LittleEndian

	// Header: byte order, magic, offset of the IFD (placed after the pixel
	// data, which starts at byte 8).
	dataLen := uint32(len(f.Data) * 8)
	ifdOffset := 8 + dataLen

	header := make([]byte, 8)
	header[0], header[1] = 'I', 'I'
	le.PutUint16(header[2:], 42)
	le.PutUint32(header[4:], ifdOffset)
	buf.Write(header)

	pix := make([]byte, dataLen)
	for i, v := range f.Data {
		le.PutUint64(pix[i*8:], math.Float64bits(v))
	}
	buf.Write(pix)

	entry := func(tag, typ uint16, value uint32) {
		var e [12]byte
		le.PutUint16(e[0:], tag)
		le.PutUint16(e[2:], typ)
		le.PutUint32(e[4:], 1)
		if typ == typeShort {
			le.PutUint16(e[8:], uint16(value))
		} else {
			le.PutUint32(e[8:], value)
		}
		buf.Write(e[:])
	}

	var count [2]byte
	le.PutUint16(count[:], 10)
	buf.Write(count[:])
	entry(tagImageWidth, typeLong, uint32(f.Width))
	entry(tagImageLength, typeLong, uint32(f.Height))
	entry(tagBitsPerSample, typeShort, 64)
	entry(tagCompression, typeShort, compressionNone)
	entry(tagPhotometric, typeShort, photometricBlack)
	entry(tagStripOffsets, typeLong, 8)
	entry(tagSamplesPerPixel, typeShort, 1)
	entry(tagRowsPerStrip, typeLong, uint32(f.Height))
	entry(tagStripByteCounts, typeLong, dataLen)
	entry(tagSampleFormat, typeShort, sampleFormatFP)
	buf.Write([]byte{0, 0, 0, 0}) // no next IFD

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Read loads a single-channel TIFF as a frame. Uncompressed floating point
// files (32- or 64-bit samples) are decoded directly; everything else goes
// through x/image/tiff. A missing file surfaces as os.ErrNotExist.
func Read(path string) (*models.Frame, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if f, ok, err := readFloat(raw); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	} else if ok {
		return f, nil
	}

	img, err := tiff.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return fromImage(img), nil
}

// ifdEntry is one decoded IFD field.
type ifdEntry struct {
	typ    uint16
	values []uint32
}

// readFloat attempts to decode raw as an uncompressed floating point TIFF.
// ok is false when the file is a TIFF of some other flavor.
func readFloat(raw []byte) (f *models.Frame, ok bool, err error) {
	if len(raw) < 8 {
		return nil, false, fmt.Errorf("short file")
	}
	var order binary.ByteOrder
	switch {
	case raw[0] == 'I' && raw[1] == 'I':
		order = binary.LittleEndian
	case raw[0] == 'M' && raw[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, false, fmt.Errorf("not a TIFF file")
	}
	if order.Uint16(raw[2:]) != 42 {
		return nil, false, fmt.Errorf("bad TIFF magic")
	}

	entries, err := readIFD(raw, order, order.Uint32(raw[4:]))
	if err != nil {
		return nil, false, err
	}

	get := func(tag uint16, def uint32) uint32 {
		if e, present := entries[tag]; present && len(e.values) > 0 {
			return e.values[0]
		}
		return def
	}

	if get(tagSampleFormat, sampleFormatInt) != sampleFormatFP {
		return nil, false, nil
	}
	if get(tagCompression, compressionNone) != compressionNone {
		return nil, false, nil
	}
	bits := get(tagBitsPerSample, 0)
	if bits != 32 && bits != 64 {
		return nil, false, nil
	}

	width := int(get(tagImageWidth, 0))
	height := int(get(tagImageLength, 0))
	if width <= 0 || height <= 0 {
		return nil, false, fmt.Errorf("bad dimensions %dx%d", width, height)
	}

	offsets := entries[tagStripOffsets].values
	counts := entries[tagStripByteCounts].values
	if len(offsets) == 0 || len(offsets) != len(counts) {
		return nil, false, fmt.Errorf("inconsistent strip layout")
	}

	var pix []byte
	for i, off := range offsets {
		end := uint64(off) + uint64(counts[i])
		if end > uint64(len(raw)) {
			return nil, false, fmt.Errorf("strip %d out of bounds", i)
		}
		pix = append(pix, raw[off:end]...)
	}

	sample := int(bits) / 8
	if len(pix) < width*height*sample {
		return nil, false, fmt.Errorf("truncated pixel data")
	}

	out := models.NewFrame(width, height)
	for i := range out.Data {
		if bits == 64 {
			out.Data[i] = math.Float64frombits(order.Uint64(pix[i*8:]))
		} else {
			out.Data[i] = float64(math.Float32frombits(order.Uint32(pix[i*4:])))
		}
	}
	return out, true, nil
}

// readIFD decodes the first image file directory into a tag map.
func readIFD(raw []byte, order binary.ByteOrder, offset uint32) (map[uint16]ifdEntry, error) {
	if uint64(offset)+2 > uint64(len(raw)) {
		return nil, fmt.Errorf("IFD offset out of bounds")
	}
	n := int(order.Uint16(raw[offset:]))
	entries := make(map[uint16]ifdEntry, n)

	for i := 0; i < n; i++ {
		base := uint64(offset) + 2 + uint64(i)*12
		if base+12 > uint64(len(raw)) {
			return nil, fmt.Errorf("truncated IFD")
		}
		e := raw[base : base+12]
		tag := order.Uint16(e[0:])
		typ := order.Uint16(e[2:])
		count := order.Uint32(e[4:])

		var size uint64
		switch typ {
		case typeShort:
			size = 2
		case typeLong:
			size = 4
		default:
			// Tags of other types are not needed by the float codec.
			continue
		}

		total := size * uint64(count)
		src := e[8:12]
		if total > 4 {
			valOffset := order.Uint32(e[8:])
			if uint64(valOffset)+total > uint64(len(raw)) {
				return nil, fmt.Errorf("tag %d value out of bounds", tag)
			}
			src = raw[valOffset : uint64(valOffset)+total]
		}

		values := make([]uint32, count)
		for j := uint32(0); j < count; j++ {
			if typ == typeShort {
				values[j] = uint32(order.Uint16(src[j*2:]))
			} else {
				values[j] = order.Uint32(src[j*4:])
			}
		}
		entries[tag] = ifdEntry{typ: typ, values: values}
	}
	return entries, nil
}

// fromImage converts a decoded grayscale image to a frame, keeping raw
// detector counts for the native gray formats.
func fromImage(img image.Image) *models.Frame {
	b := img.Bounds()
	out := models.NewFrame(b.Dx(), b.Dy())

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Set(x, y, float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	case *image.Gray16:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Set(x, y, float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	default:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				out.Set(x, y, float64(r+g+bl)/3)
			}
		}
	}
	return out
}
