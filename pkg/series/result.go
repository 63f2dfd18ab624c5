package series

import (
	"fmt"
	"os"
	"path/filepath"

	"decosmic/internal/models"
	"decosmic/pkg/tiffio"
)

// Result holds the series-level outputs. Fields are nil until the stage that
// computes them has run.
type Result struct {
	// AvgDirect is the plain per-pixel mean over all frames; AvgBinary is
	// the mean of the per-frame occupancy (fraction of frames in which the
	// pixel was hit).
	AvgDirect *models.Frame
	AvgBinary *models.Frame

	// MaskProtect marks low-occupancy pixels as cleanable; persistently
	// occupied pixels (diffraction rings) are false and never modified.
	// MaskModifiable is MaskProtect intersected with the caller's mask.
	MaskProtect    *models.Mask
	MaskModifiable *models.Mask

	// Cleaned averages. AvgHalfClean and AvgClean use exclusion-adjusted
	// per-pixel counts; AvgDonut and AvgStreak are plain 1/N means of the
	// removed artifact intensities.
	AvgClean     *models.Frame
	AvgHalfClean *models.Frame
	AvgDonut     *models.Frame
	AvgStreak    *models.Frame

	// Per-pixel variances, all normalized by 1/N.
	VarDirect    *models.Frame
	VarHalfClean *models.Frame
	VarClean     *models.Frame
}

// Clone returns a deep copy so callers never alias aggregator state.
func (r *Result) Clone() *Result {
	return &Result{
		AvgDirect:      r.AvgDirect.Clone(),
		AvgBinary:      r.AvgBinary.Clone(),
		MaskProtect:    r.MaskProtect.Clone(),
		MaskModifiable: r.MaskModifiable.Clone(),
		AvgClean:       r.AvgClean.Clone(),
		AvgHalfClean:   r.AvgHalfClean.Clone(),
		AvgDonut:       r.AvgDonut.Clone(),
		AvgStreak:      r.AvgStreak.Clone(),
		VarDirect:      r.VarDirect.Clone(),
		VarHalfClean:   r.VarHalfClean.Clone(),
		VarClean:       r.VarClean.Clone(),
	}
}

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
		{name: "avg_direct", frame: &r.AvgDirect},
		{name: "avg_binary", frame: &r.AvgBinary},
		{name: "mask_protect", mask: &r.MaskProtect},
		{name: "mask_modifiable", mask: &r.MaskModifiable},
		{name: "avg_clean", frame: &r.AvgClean},
		{name: "avg_half_clean", frame: &r.AvgHalfClean},
		{name: "avg_donut", frame: &r.AvgDonut},
		{name: "avg_streak", frame: &r.AvgStreak},
		{name: "var_direct", frame: &r.VarDirect},
		{name: "var_half_clean", frame: &r.VarHalfClean},
		{name: "var_clean", frame: &r.VarClean},
	}
}

// Save writes result arrays to dir as {prefix}_{field}.tif. With avgCleanOnly
// set, only the cleaned average is written (the common production mode);
// otherwise every non-nil field is saved. Masks are stored as 0/1 images.
func (r *Result) Save(dir, prefix string, avgCleanOnly bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	for _, field := range r.resultFields() {
		if avgCleanOnly && field.name != "avg_clean" {
			continue
		}
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

// LoadResult reads a complete result from dir by the Save naming convention.
// Every field must be present; a missing file surfaces as os.ErrNotExist.
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
