// Package series drives the full cleaning pipeline over a frame series. It
// iterates the series in strictly ordered stages — direct average, mask
// derivation, clean average, optional variances — holding only the running
// accumulators and a bounded number of frames in memory at any time.
package series

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"decosmic/internal/models"
	"decosmic/pkg/cleaner"
	"decosmic/pkg/imageseries"
	"decosmic/pkg/params"
)

// sentinelCeiling is the intensity above which a raw value is treated as a
// detector sentinel and zeroed at ingestion.
const sentinelCeiling = 10000

// PreconditionError reports a pipeline stage invoked before the stage that
// produces its input has completed.
type PreconditionError struct {
	Stage   string
	Missing string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("stage %s requires %s: run the producing stage first", e.Stage, e.Missing)
}

// ProgressFunc receives coarse progress updates during a series pass. It may
// be called concurrently from worker goroutines.
type ProgressFunc func(done, total int)

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithUserMask restricts cleaning to pixels that are true in m, on top of
// the derived protection mask. A mask whose shape does not match the series
// is ignored at mask derivation.
func WithUserMask(m *models.Mask) Option {
	return func(a *Aggregator) { a.userMask = m }
}

// WithWorkers sets the number of goroutines used by the clean passes.
// Values below 1 fall back to GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(a *Aggregator) { a.workers = n }
}

// WithProgress installs a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(a *Aggregator) { a.progress = fn }
}

// WithLogger routes stage logging through log.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Aggregator) { a.log = log }
}

// Aggregator owns a frame source for the duration of the pipeline and
// accumulates the series result stage by stage.
type Aggregator struct {
	cfg     params.SeriesConfig
	src     imageseries.Source
	nframes int
	width   int
	height  int

	userMask *models.Mask
	workers  int
	progress ProgressFunc
	log      zerolog.Logger

	res    Result
	closed bool
}

// New wraps an already opened source. The aggregator takes ownership: the
// source is released by Close, including when construction itself fails.
func New(src imageseries.Source, cfg params.SeriesConfig, opts ...Option) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		src.Close()
		return nil, err
	}
	if src.NFrames() == 0 {
		src.Close()
		return nil, fmt.Errorf("series: %w", imageseries.ErrEmptySeries)
	}

	width, height := src.Shape()
	a := &Aggregator{
		cfg:     cfg,
		src:     src,
		nframes: src.NFrames(),
		width:   width,
		height:  height,
		workers: runtime.GOMAXPROCS(0),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.workers < 1 {
		a.workers = runtime.GOMAXPROCS(0)
	}

	a.log.Info().
		Int("frames", a.nframes).
		Int("width", width).
		Int("height", height).
		Msg("series opened")
	return a, nil
}

// Open creates an aggregator reading from firstPath, using the filename
// pattern backend when usePattern is set and the directory scan otherwise.
func Open(firstPath string, cfg params.SeriesConfig, usePattern bool, opts ...Option) (*Aggregator, error) {
	src, err := imageseries.Open(firstPath, usePattern)
	if err != nil {
		return nil, err
	}
	return New(src, cfg, opts...)
}

// Close releases the frame source. Safe to call more than once; only the
// first call releases.
func (a *Aggregator) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	return a.src.Close()
}

// NFrames returns the number of frames in the series.
func (a *Aggregator) NFrames() int { return a.nframes }

// Shape returns the frame dimensions in pixels.
func (a *Aggregator) Shape() (width, height int) { return a.width, a.height }

// Result returns a deep copy of the accumulated result at this point in the
// pipeline. Fields of stages that have not run are nil.
func (a *Aggregator) Result() *Result { return a.res.Clone() }

// Process runs the full pipeline: direct average, mask, clean average and,
// unless skipVariance is set, both variance passes. It returns a deep-copied
// result snapshot.
func (a *Aggregator) Process(skipVariance bool) (*Result, error) {
	if err := a.AvgDirect(); err != nil {
		return nil, err
	}
	if err := a.BuildMask(); err != nil {
		return nil, err
	}
	if err := a.AvgClean(); err != nil {
		return nil, err
	}
	if skipVariance {
		a.log.Info().Msg("skipping variance passes")
	} else {
		if err := a.VarDirect(); err != nil {
			return nil, err
		}
		if err := a.VarClean(); err != nil {
			return nil, err
		}
	}
	a.log.Info().Msg("series processing finished")
	return a.Result(), nil
}

// frame reads and sanitizes one frame: sentinel values above the ceiling,
// NaN, and negative noise all map to 0 before any downstream use.
func (a *Aggregator) frame(index int) (*models.Frame, error) {
	f, err := a.src.Frame(index)
	if err != nil {
		return nil, err
	}
	for i, v := range f.Data {
		if v > sentinelCeiling || v < 0 || math.IsNaN(v) {
			f.Data[i] = 0
		}
	}
	return f, nil
}

func (a *Aggregator) reportProgress(done int) {
	if a.progress != nil {
		a.progress(done, a.nframes)
	}
}

// AvgDirect sweeps the series once, accumulating the plain sum and the
// binary-occupancy sum, and stores their 1/N means.
func (a *Aggregator) AvgDirect() error {
	sumDirect := models.NewFrame(a.width, a.height)
	sumBinary := models.NewFrame(a.width, a.height)

	a.log.Info().Msg("direct-averaging frames")
	for i := 0; i < a.nframes; i++ {
		img, err := a.frame(i)
		if err != nil {
			return err
		}
		floats.Add(sumDirect.Data, img.Data)
		for j, v := range img.Data {
			if v > 0 {
				sumBinary.Data[j]++
			}
		}
		a.reportProgress(i + 1)
	}

	a.res.AvgDirect = scaledAverage(sumDirect, a.nframes)
	a.res.AvgBinary = scaledAverage(sumBinary, a.nframes)

	a.log.Debug().
		Float64("mean_intensity", stat.Mean(a.res.AvgDirect.Data, nil)).
		Float64("mean_occupancy", stat.Mean(a.res.AvgBinary.Data, nil)).
		Msg("direct average finished")
	return nil
}

// BuildMask derives the protection mask from the binary average: pixels
// occupied in at most a ThMask fraction of frames are cleanable, persistently
// occupied ring pixels are not. A matching caller mask narrows the result.
func (a *Aggregator) BuildMask() error {
	if a.res.AvgBinary == nil {
		return &PreconditionError{Stage: "mask", Missing: "avg_binary"}
	}

	protect := models.NewMask(a.width, a.height)
	for i, v := range a.res.AvgBinary.Data {
		protect.Bits[i] = v <= a.cfg.ThMask
	}
	a.res.MaskProtect = protect

	if a.userMask != nil && protect.SameShape(a.userMask) {
		a.res.MaskModifiable = protect.And(a.userMask)
	} else {
		if a.userMask != nil {
			a.log.Warn().
				Int("mask_width", a.userMask.Width).
				Int("mask_height", a.userMask.Height).
				Msg("user mask shape does not match series, ignoring")
		}
		a.res.MaskModifiable = protect.Clone()
	}

	a.log.Info().
		Int("ring_pixels", len(protect.Bits)-protect.Count()).
		Int("modifiable_pixels", a.res.MaskModifiable.Count()).
		Msg("protection mask built")
	return nil
}

// AvgClean sweeps the series a second time, cleaning every frame against the
// final modifiable mask and accumulating sums with per-pixel exclusion
// counts. Frames are distributed over workers; each worker keeps private
// partial sums that are merged once all workers finish.
func (a *Aggregator) AvgClean() error {
	if a.res.MaskModifiable == nil {
		return &PreconditionError{Stage: "avg_clean", Missing: "mask_modifiable"}
	}

	a.log.Info().Int("workers", a.workers).Msg("cleaning frames")

	partials := make([]*cleanAccum, a.workers)
	var done atomic.Int64
	var g errgroup.Group

	for w := 0; w < a.workers; w++ {
		start, end := a.frameRange(w)
		acc := newCleanAccum(a.width, a.height)
		partials[w] = acc
		g.Go(func() error {
			for i := start; i < end; i++ {
				img, err := a.frame(i)
				if err != nil {
					return err
				}
				res, err := cleaner.Clean(img, a.res.MaskModifiable, a.cfg.SingleConfig)
				if err != nil {
					return err
				}
				acc.add(res)
				a.reportProgress(int(done.Add(1)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	total := partials[0]
	for _, p := range partials[1:] {
		total.merge(p)
	}

	a.res.AvgHalfClean = guardedAverage(total.sumHalfClean, total.excludedHalf, a.nframes)
	a.res.AvgClean = guardedAverage(total.sumClean, total.excludedFull, a.nframes)
	a.res.AvgDonut = scaledAverage(total.sumDonut, a.nframes)
	a.res.AvgStreak = scaledAverage(total.sumStreak, a.nframes)

	a.log.Debug().
		Float64("mean_clean", stat.Mean(a.res.AvgClean.Data, nil)).
		Float64("mean_removed", stat.Mean(a.res.AvgDonut.Data, nil)+stat.Mean(a.res.AvgStreak.Data, nil)).
		Msg("clean average finished")
	return nil
}

// VarDirect sweeps the series again and stores the per-pixel variance of the
// raw frames around the direct average, normalized by 1/N.
func (a *Aggregator) VarDirect() error {
	if a.res.AvgDirect == nil {
		return &PreconditionError{Stage: "var_direct", Missing: "avg_direct"}
	}

	a.log.Info().Msg("computing direct variance")
	sumSq := models.NewFrame(a.width, a.height)
	for i := 0; i < a.nframes; i++ {
		img, err := a.frame(i)
		if err != nil {
			return err
		}
		for j, v := range img.Data {
			d := v - a.res.AvgDirect.Data[j]
			sumSq.Data[j] += d * d
		}
		a.reportProgress(i + 1)
	}

	a.res.VarDirect = scaledAverage(sumSq, a.nframes)
	return nil
}

// VarClean re-cleans every frame and stores the per-pixel variances of the
// half-clean and clean images around their averages. Normalization is the
// flat 1/N, not the exclusion-adjusted counts the averages use.
func (a *Aggregator) VarClean() error {
	if a.res.AvgClean == nil || a.res.AvgHalfClean == nil {
		return &PreconditionError{Stage: "var_clean", Missing: "avg_clean"}
	}
	if a.res.MaskModifiable == nil {
		return &PreconditionError{Stage: "var_clean", Missing: "mask_modifiable"}
	}

	a.log.Info().Int("workers", a.workers).Msg("computing clean variance")

	partials := make([]*varAccum, a.workers)
	var done atomic.Int64
	var g errgroup.Group

	for w := 0; w < a.workers; w++ {
		start, end := a.frameRange(w)
		acc := newVarAccum(a.width, a.height)
		partials[w] = acc
		g.Go(func() error {
			for i := start; i < end; i++ {
				img, err := a.frame(i)
				if err != nil {
					return err
				}
				res, err := cleaner.Clean(img, a.res.MaskModifiable, a.cfg.SingleConfig)
				if err != nil {
					return err
				}
				acc.add(res, a.res.AvgHalfClean, a.res.AvgClean)
				a.reportProgress(int(done.Add(1)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	total := partials[0]
	for _, p := range partials[1:] {
		total.merge(p)
	}

	a.res.VarHalfClean = scaledAverage(total.sumSqHalfClean, a.nframes)
	a.res.VarClean = scaledAverage(total.sumSqClean, a.nframes)
	return nil
}

// frameRange returns worker w's half-open frame index range, splitting the
// series into near-equal contiguous chunks.
func (a *Aggregator) frameRange(w int) (start, end int) {
	per := (a.nframes + a.workers - 1) / a.workers
	start = w * per
	end = start + per
	if end > a.nframes {
		end = a.nframes
	}
	if start > a.nframes {
		start = a.nframes
	}
	return start, end
}
