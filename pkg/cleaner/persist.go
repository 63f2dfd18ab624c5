package cleaner

import (
	"fmt"
	"os"
	"path/filepath"

	"decosmic/internal/models"
	"decosmic/pkg/tiffio"
)

// resultFields enumerates the result arrays and their on-disk names. Masks
// are stored as 0/1 valued images.
func (r *Result) resultFields() []struct {
	name  string
	frame **models.Frame
	mask  **models.Mask
} {
	return []struct {
		name  string
		frame **models.Frame
		mask  **models.Mask
	}{
		{name: "img_orig", frame: &r.ImgOrig},
		{name: "img_half_clean", frame: &r.ImgHalfClean},
		{name: "img_clean", frame: &r.ImgClean},
		{name: "mask_modifiable", mask: &r.MaskModifiable},
		{name: "mask_donut", mask: &r.MaskDonut},
		{name: "mask_streak", mask: &r.MaskStreak},
		{name: "mask_combined", mask: &r.MaskCombined},
		{name: "sub_donut", frame: &r.SubDonut},
		{name: "sub_streak", frame: &r.SubStreak},
	}
}

// Save writes every non-nil result array to dir as {prefix}_{field}.tif.
func (r *Result) Save(dir, prefix string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	for _, field := range r.resultFields() {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.tif", prefix, field.name))
		switch {
		case field.frame != nil && *field.frame != nil:
			if err := tiffio.Write(path, *field.frame); err != nil {
				return err
			}
		case field.mask != nil && *field.mask != nil:
			if err := tiffio.Write(path, (*field.mask).ToFrame()); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadResult reads a complete result back from dir by the Save naming
// convention. Every field must be present; a missing file surfaces as
// os.ErrNotExist.
func LoadResult(dir, prefix string) (*Result, error) {
	r := &Result{}
	for _, field := range r.resultFields() {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.tif", prefix, field.name))
		f, err := tiffio.Read(path)
		if err != nil {
			return nil, err
		}
		if field.frame != nil {
			*field.frame = f
		} else {
			*field.mask = models.MaskFromFrame(f)
		}
	}
	return r, nil
}
