package series

import (
	"gonum.org/v1/gonum/floats"

	"decosmic/internal/models"
	"decosmic/pkg/cleaner"
)

// cleanAccum is one worker's running sums for the clean-average pass.
// Workers accumulate privately and the aggregator merges the partials after
// the pass, so no accumulation is shared between goroutines.
type cleanAccum struct {
	sumHalfClean *models.Frame
	sumClean     *models.Frame
	sumDonut     *models.Frame
	sumStreak    *models.Frame

	// excludedHalf counts frames whose donut mask hit the pixel;
	// excludedFull counts frames whose combined mask hit it. Both are
	// subtracted from the frame count to form the per-pixel denominators.
	excludedHalf []int64
	excludedFull []int64
}

func newCleanAccum(width, height int) *cleanAccum {
	return &cleanAccum{
		sumHalfClean: models.NewFrame(width, height),
		sumClean:     models.NewFrame(width, height),
		sumDonut:     models.NewFrame(width, height),
		sumStreak:    models.NewFrame(width, height),
		excludedHalf: make([]int64, width*height),
		excludedFull: make([]int64, width*height),
	}
}

func (a *cleanAccum) add(res *cleaner.Result) {
	floats.Add(a.sumHalfClean.Data, res.ImgHalfClean.Data)
	floats.Add(a.sumClean.Data, res.ImgClean.Data)
	floats.Add(a.sumDonut.Data, res.SubDonut.Data)
	floats.Add(a.sumStreak.Data, res.SubStreak.Data)
	for i, hit := range res.MaskDonut.Bits {
		if hit {
			a.excludedHalf[i]++
		}
	}
	for i, hit := range res.MaskCombined.Bits {
		if hit {
			a.excludedFull[i]++
		}
	}
}

func (a *cleanAccum) merge(other *cleanAccum) {
	floats.Add(a.sumHalfClean.Data, other.sumHalfClean.Data)
	floats.Add(a.sumClean.Data, other.sumClean.Data)
	floats.Add(a.sumDonut.Data, other.sumDonut.Data)
	floats.Add(a.sumStreak.Data, other.sumStreak.Data)
	for i, v := range other.excludedHalf {
		a.excludedHalf[i] += v
	}
	for i, v := range other.excludedFull {
		a.excludedFull[i] += v
	}
}

// varAccum is one worker's squared-difference sums for the clean-variance
// pass.
type varAccum struct {
	sumSqHalfClean *models.Frame
	sumSqClean     *models.Frame
}

func newVarAccum(width, height int) *varAccum {
	return &varAccum{
		sumSqHalfClean: models.NewFrame(width, height),
		sumSqClean:     models.NewFrame(width, height),
	}
}

func (a *varAccum) add(res *cleaner.Result, avgHalfClean, avgClean *models.Frame) {
	for i, v := range res.ImgHalfClean.Data {
		d := v - avgHalfClean.Data[i]
		a.sumSqHalfClean.Data[i] += d * d
	}
	for i, v := range res.ImgClean.Data {
		d := v - avgClean.Data[i]
		a.sumSqClean.Data[i] += d * d
	}
}

func (a *varAccum) merge(other *varAccum) {
	floats.Add(a.sumSqHalfClean.Data, other.sumSqHalfClean.Data)
	floats.Add(a.sumSqClean.Data, other.sumSqClean.Data)
}

// guardedAverage divides sum by the exclusion-adjusted per-pixel count. A
// pixel excluded in every frame has a zero denominator and averages to 0, not
// NaN or Inf.
func guardedAverage(sum *models.Frame, excluded []int64, nframes int) *models.Frame {
	out := models.NewFrame(sum.Width, sum.Height)
	for i, v := range sum.Data {
		num := int64(nframes) - excluded[i]
		if num > 0 {
			out.Data[i] = v / float64(num)
		}
	}
	return out
}

// scaledAverage divides sum by the flat frame count.
func scaledAverage(sum *models.Frame, nframes int) *models.Frame {
	out := sum.Clone()
	floats.Scale(1/float64(nframes), out.Data)
	return out
}
