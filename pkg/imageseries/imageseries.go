// Package imageseries provides sequential, random-access reading of detector
// frame series. Two interchangeable backends satisfy the same Source
// contract: a directory scan over files sharing the first frame's extension,
// and a numeric filename-pattern walker that follows consecutively numbered
// files starting from the first frame.
package imageseries

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"decosmic/internal/models"
	"decosmic/pkg/tiffio"
)

// ErrOutOfRange is returned by Frame for indexes outside [0, NFrames).
var ErrOutOfRange = errors.New("frame index out of range")

// ErrEmptySeries is returned by Open when no frames are found.
var ErrEmptySeries = errors.New("no frames found")

// ErrClosed is returned by Frame after the source has been released.
var ErrClosed = errors.New("series already closed")

// SourceError wraps a frame source failure with the path it concerns.
type SourceError struct {
	Path string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("image series %s: %v", e.Path, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Source is a frame series. Implementations are safe for concurrent Frame
// calls: every read opens its own file handle.
type Source interface {
	// NFrames returns the number of frames in the series.
	NFrames() int

	// Shape returns the frame dimensions in pixels.
	Shape() (width, height int)

	// Frame decodes and returns the frame at index. The returned frame is
	// owned by the caller.
	Frame(index int) (*models.Frame, error)

	// Close releases the series. Further Frame calls fail.
	Close() error
}

// Open creates a series source starting at firstPath. With usePattern false
// the directory of firstPath is scanned for files with the same extension;
// with usePattern true the numeric suffix of firstPath is walked upward until
// a file is missing.
func Open(firstPath string, usePattern bool) (Source, error) {
	abs, err := filepath.Abs(firstPath)
	if err != nil {
		return nil, &SourceError{Path: firstPath, Err: err}
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, &SourceError{Path: abs, Err: err}
	}
	if usePattern {
		return openPattern(abs)
	}
	return openDir(abs)
}

// fileSource serves frames from an explicit, ordered file list. Both
// backends reduce to this at open time.
type fileSource struct {
	first  string
	files  []string
	width  int
	height int
	closed atomic.Bool
}

func newFileSource(first string, files []string) (*fileSource, error) {
	if len(files) == 0 {
		return nil, &SourceError{Path: first, Err: ErrEmptySeries}
	}
	probe, err := tiffio.Read(files[0])
	if err != nil {
		return nil, &SourceError{Path: files[0], Err: err}
	}
	return &fileSource{
		first:  first,
		files:  files,
		width:  probe.Width,
		height: probe.Height,
	}, nil
}

func (s *fileSource) NFrames() int { return len(s.files) }

func (s *fileSource) Shape() (width, height int) { return s.width, s.height }

func (s *fileSource) Frame(index int) (*models.Frame, error) {
	if s.closed.Load() {
		return nil, &SourceError{Path: s.first, Err: ErrClosed}
	}
	if index < 0 || index >= len(s.files) {
		return nil, &SourceError{
			Path: s.first,
			Err:  fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, index, len(s.files)),
		}
	}
	f, err := tiffio.Read(s.files[index])
	if err != nil {
		return nil, &SourceError{Path: s.files[index], Err: err}
	}
	if f.Width != s.width || f.Height != s.height {
		return nil, &SourceError{
			Path: s.files[index],
			Err: &models.ShapeMismatchError{
				WantWidth: s.width, WantHeight: s.height,
				GotWidth: f.Width, GotHeight: f.Height,
			},
		}
	}
	return f, nil
}

func (s *fileSource) Close() error {
	s.closed.Store(true)
	return nil
}

// openDir scans the directory of firstPath for files sharing its extension,
// ordered by the numeric part of their names.
func openDir(firstPath string) (Source, error) {
	dir := filepath.Dir(firstPath)
	ext := strings.ToLower(filepath.Ext(firstPath))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &SourceError{Path: dir, Err: err}
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) == ext {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	sort.Slice(files, func(i, j int) bool {
		ni, nj := extractNumber(files[i]), extractNumber(files[j])
		if ni != nj {
			return ni < nj
		}
		return files[i] < files[j]
	})

	return newFileSource(firstPath, files)
}

// extractNumber pulls the digits out of a filename to order frames by their
// sequence number rather than lexically.
func extractNumber(path string) int {
	base := filepath.Base(path)
	num := 0
	seen := false
	for _, c := range base {
		if c >= '0' && c <= '9' {
			num = num*10 + int(c-'0')
			seen = true
		}
	}
	if !seen {
		return -1
	}
	return num
}

// openPattern follows the numeric suffix of firstPath upward through
// consecutive indexes. A first frame without a numeric suffix yields a
// single-frame series.
func openPattern(firstPath string) (Source, error) {
	dir := filepath.Dir(firstPath)
	base := filepath.Base(firstPath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	// Split the stem into prefix and trailing digits, keeping the digit
	// width so zero padding is preserved.
	digits := 0
	for digits < len(stem) {
		c := stem[len(stem)-1-digits]
		if c < '0' || c > '9' {
			break
		}
		digits++
	}
	if digits == 0 {
		return newFileSource(firstPath, []string{firstPath})
	}
	prefix := stem[:len(stem)-digits]

	start := 0
	for _, c := range stem[len(stem)-digits:] {
		start = start*10 + int(c-'0')
	}

	var files []string
	for i := start; ; i++ {
		path := filepath.Join(dir, fmt.Sprintf("%s%0*d%s", prefix, digits, i, ext))
		if _, err := os.Stat(path); err != nil {
			break
		}
		files = append(files, path)
	}

	return newFileSource(firstPath, files)
}
