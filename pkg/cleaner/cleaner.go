// Package cleaner removes high-energy background artifacts from single
// detector frames. Two artifact shapes are handled in sequence: isolated
// over-threshold donut spikes, then spatially clustered streak regions found
// by a local occupancy convolution over the donut-cleaned image.
package cleaner

import (
	"decosmic/internal/models"
	"decosmic/pkg/params"
)

// Result holds every array produced by cleaning one frame. All grids share
// the input frame's shape and are owned by the result.
type Result struct {
	ImgOrig      *models.Frame
	ImgHalfClean *models.Frame
	ImgClean     *models.Frame

	MaskModifiable *models.Mask
	MaskDonut      *models.Mask
	MaskStreak     *models.Mask
	MaskCombined   *models.Mask

	// SubDonut and SubStreak are the artifact intensities removed by the
	// donut and streak passes. Their sum is exactly ImgOrig - ImgClean.
	SubDonut  *models.Frame
	SubStreak *models.Frame
}

// Clean removes donut and streak artifacts from imgOrig, honoring the
// modifiable-pixel mask. The input frame and mask are never mutated; every
// returned array is freshly allocated.
func Clean(imgOrig *models.Frame, maskModifiable *models.Mask, cfg params.SingleConfig) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := imgOrig.CheckShape(maskModifiable); err != nil {
		return nil, err
	}

	res := &Result{
		ImgOrig:        imgOrig.Clone(),
		MaskModifiable: maskModifiable.Clone(),
	}

	res.ImgHalfClean, res.MaskDonut = deDonut(res.ImgOrig, res.MaskModifiable, cfg)
	res.ImgClean, res.MaskStreak = deStreak(res.ImgHalfClean, res.MaskModifiable, cfg)

	res.MaskCombined = res.MaskDonut.Or(res.MaskStreak)
	res.SubDonut = res.ImgOrig.SubTo(models.NewFrame(imgOrig.Width, imgOrig.Height), res.ImgHalfClean)
	res.SubStreak = res.ImgHalfClean.SubTo(models.NewFrame(imgOrig.Width, imgOrig.Height), res.ImgClean)

	return res, nil
}

// deDonut zeroes pixels at or above the donut threshold, after growing the
// detection by the donut dilation and restricting it to modifiable pixels.
func deDonut(img *models.Frame, modifiable *models.Mask, cfg params.SingleConfig) (*models.Frame, *models.Mask) {
	detected := models.NewMask(img.Width, img.Height)
	for i, v := range img.Data {
		detected.Bits[i] = v >= float64(cfg.ThDonut)
	}

	maskDonut := detected.Dilate(cfg.ExpDonut).And(modifiable)

	half := img.Clone()
	half.ZeroWhere(maskDonut)
	return half, maskDonut
}

// deStreak zeroes clustered occupied pixels. The occupancy convolution runs
// on the donut-cleaned image so removed spikes no longer count as neighbors,
// and unoccupied pixels never register as streaks.
func deStreak(img *models.Frame, modifiable *models.Mask, cfg params.SingleConfig) (*models.Frame, *models.Mask) {
	binary := img.Occupancy().And(modifiable).ToFrame()

	conv := binary.WindowSum(cfg.WinStreak)
	detected := models.NewMask(img.Width, img.Height)
	for i, v := range conv.Data {
		detected.Bits[i] = binary.Data[i] > 0 && v >= float64(cfg.ThStreak)
	}

	maskStreak := detected.Dilate(cfg.ExpStreak).And(modifiable)

	clean := img.Clone()
	clean.ZeroWhere(maskStreak)
	return clean, maskStreak
}
