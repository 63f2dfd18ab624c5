package series

import (
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decosmic/internal/models"
	"decosmic/pkg/imageseries"
	"decosmic/pkg/params"
)

// memSource serves in-memory frames through the imageseries contract.
type memSource struct {
	frames []*models.Frame
	closed int
}

func (s *memSource) NFrames() int { return len(s.frames) }

func (s *memSource) Shape() (int, int) {
	if len(s.frames) == 0 {
		return 0, 0
	}
	return s.frames[0].Width, s.frames[0].Height
}

func (s *memSource) Frame(i int) (*models.Frame, error) {
	if i < 0 || i >= len(s.frames) {
		return nil, &imageseries.SourceError{Path: "mem", Err: imageseries.ErrOutOfRange}
	}
	// The aggregator sanitizes in place, so hand out copies.
	return s.frames[i].Clone(), nil
}

func (s *memSource) Close() error {
	s.closed++
	return nil
}

// spikeSeries builds n identical 4x4 frames that are zero except for a 100 at
// (1, 1).
func spikeSeries(n int) *memSource {
	src := &memSource{}
	for i := 0; i < n; i++ {
		f := models.NewFrame(4, 4)
		f.Set(1, 1, 100)
		src.frames = append(src.frames, f)
	}
	return src
}

// spikeConfig removes the spike via the donut pass and keeps the streak pass
// out of the way (a lone pixel never reaches a window sum of 4).
func spikeConfig() params.SeriesConfig {
	return params.SeriesConfig{
		SingleConfig: params.SingleConfig{
			ThDonut:   50,
			ThStreak:  4,
			WinStreak: 2,
			ExpDonut:  1,
			ExpStreak: 1,
		},
		ThMask: 1.0,
	}
}

func TestProcessSpikeSeries(t *testing.T) {
	t.Parallel()

	src := spikeSeries(5)
	agg, err := New(src, spikeConfig())
	require.NoError(t, err)
	defer agg.Close()

	res, err := agg.Process(false)
	require.NoError(t, err)

	spike := 1*4 + 1
	for i, v := range res.AvgDirect.Data {
		if i == spike {
			assert.Equal(t, 100.0, v)
		} else {
			assert.Equal(t, 0.0, v)
		}
	}
	// The spike pixel is occupied in every frame.
	assert.Equal(t, 1.0, res.AvgBinary.Data[spike])

	// th_mask = 1.0 leaves every pixel modifiable.
	assert.Equal(t, 16, res.MaskModifiable.Count())

	// The spike is removed in every frame, so its exclusion count reaches
	// zero and the guarded division yields exactly 0.
	assert.Equal(t, 0.0, res.AvgHalfClean.Data[spike])
	assert.Equal(t, 0.0, res.AvgClean.Data[spike])
	assert.Equal(t, 100.0, res.AvgDonut.Data[spike])
	assert.Equal(t, 0.0, res.AvgStreak.Data[spike])

	// Identical frames have zero variance; variance is never negative.
	for _, v := range res.VarDirect.Data {
		assert.GreaterOrEqual(t, v, 0.0)
	}
	assert.Equal(t, 0.0, res.VarDirect.Data[spike])
	for _, v := range res.VarClean.Data {
		assert.GreaterOrEqual(t, v, 0.0)
	}
	for _, v := range res.VarHalfClean.Data {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestAvgBinaryCountsOccupiedFrames(t *testing.T) {
	t.Parallel()

	// Pixel (2, 2) is occupied in 2 of 5 frames; the spike at (1, 1) in all
	// 5; the rest in none.
	src := spikeSeries(5)
	src.frames[0].Set(2, 2, 7)
	src.frames[3].Set(2, 2, 3)

	agg, err := New(src, spikeConfig())
	require.NoError(t, err)
	defer agg.Close()

	require.NoError(t, agg.AvgDirect())
	res := agg.Result()

	assert.Equal(t, 1.0, res.AvgBinary.Data[1*4+1])
	assert.Equal(t, 0.4, res.AvgBinary.Data[2*4+2])
	assert.Equal(t, 0.0, res.AvgBinary.Data[0])
}

func TestSanitization(t *testing.T) {
	t.Parallel()

	f := models.NewFrame(3, 3)
	f.Set(0, 0, math.NaN())
	f.Set(1, 0, 20000)
	f.Set(2, 0, -5)
	f.Set(1, 1, 7)
	src := &memSource{frames: []*models.Frame{f}}

	agg, err := New(src, spikeConfig())
	require.NoError(t, err)
	defer agg.Close()

	require.NoError(t, agg.AvgDirect())
	res := agg.Result()

	assert.Equal(t, 0.0, res.AvgDirect.At(0, 0))
	assert.Equal(t, 0.0, res.AvgDirect.At(1, 0))
	assert.Equal(t, 0.0, res.AvgDirect.At(2, 0))
	assert.Equal(t, 7.0, res.AvgDirect.At(1, 1))
}

func TestStageOrderEnforced(t *testing.T) {
	t.Parallel()

	newAgg := func(t *testing.T) *Aggregator {
		agg, err := New(spikeSeries(2), spikeConfig())
		require.NoError(t, err)
		t.Cleanup(func() { agg.Close() })
		return agg
	}

	t.Run("mask before avg_direct", func(t *testing.T) {
		t.Parallel()
		err := newAgg(t).BuildMask()
		var pre *PreconditionError
		require.ErrorAs(t, err, &pre)
		assert.Equal(t, "avg_binary", pre.Missing)
	})

	t.Run("avg_clean before mask", func(t *testing.T) {
		t.Parallel()
		err := newAgg(t).AvgClean()
		var pre *PreconditionError
		require.ErrorAs(t, err, &pre)
		assert.Equal(t, "mask_modifiable", pre.Missing)
	})

	t.Run("var_direct before avg_direct", func(t *testing.T) {
		t.Parallel()
		err := newAgg(t).VarDirect()
		var pre *PreconditionError
		require.ErrorAs(t, err, &pre)
		assert.Equal(t, "avg_direct", pre.Missing)
	})

	t.Run("var_clean before avg_clean", func(t *testing.T) {
		t.Parallel()
		err := newAgg(t).VarClean()
		var pre *PreconditionError
		require.ErrorAs(t, err, &pre)
		assert.Equal(t, "avg_clean", pre.Missing)
	})
}

func TestUserMaskNarrowsModifiable(t *testing.T) {
	t.Parallel()

	user := models.NewFullMask(4, 4)
	user.Bits[1*4+1] = false // shield the spike pixel

	src := spikeSeries(3)
	agg, err := New(src, spikeConfig(), WithUserMask(user))
	require.NoError(t, err)
	defer agg.Close()

	require.NoError(t, agg.AvgDirect())
	require.NoError(t, agg.BuildMask())
	require.NoError(t, agg.AvgClean())
	res := agg.Result()

	assert.False(t, res.MaskModifiable.Bits[1*4+1])
	assert.Equal(t, 15, res.MaskModifiable.Count())
	// The shielded spike survives cleaning.
	assert.Equal(t, 100.0, res.AvgClean.At(1, 1))
}

func TestMismatchedUserMaskIgnored(t *testing.T) {
	t.Parallel()

	agg, err := New(spikeSeries(2), spikeConfig(), WithUserMask(models.NewMask(2, 2)))
	require.NoError(t, err)
	defer agg.Close()

	require.NoError(t, agg.AvgDirect())
	require.NoError(t, agg.BuildMask())
	assert.Equal(t, 16, agg.Result().MaskModifiable.Count())
}

func TestResultSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()

	agg, err := New(spikeSeries(2), spikeConfig())
	require.NoError(t, err)
	defer agg.Close()
	require.NoError(t, agg.AvgDirect())

	first := agg.Result()
	first.AvgDirect.Data[0] = 1234
	first.AvgBinary.Data[0] = 1234

	second := agg.Result()
	assert.Equal(t, 0.0, second.AvgDirect.Data[0])
	assert.Equal(t, 0.0, second.AvgBinary.Data[0])
}

func TestWorkerCountDoesNotChangeResult(t *testing.T) {
	t.Parallel()

	run := func(workers int) *Result {
		src := spikeSeries(7)
		// Vary one frame so partial sums actually differ per worker.
		src.frames[3].Set(2, 2, 9)
		agg, err := New(src, spikeConfig(), WithWorkers(workers))
		require.NoError(t, err)
		defer agg.Close()
		res, err := agg.Process(false)
		require.NoError(t, err)
		return res
	}

	serial := run(1)
	parallel := run(3)
	// Partial-sum merge order differs from serial accumulation, so compare
	// with a tolerance instead of bit-exact equality.
	const eps = 1e-9
	assert.InDeltaSlice(t, serial.AvgClean.Data, parallel.AvgClean.Data, eps)
	assert.InDeltaSlice(t, serial.AvgHalfClean.Data, parallel.AvgHalfClean.Data, eps)
	assert.InDeltaSlice(t, serial.AvgDonut.Data, parallel.AvgDonut.Data, eps)
	assert.InDeltaSlice(t, serial.VarClean.Data, parallel.VarClean.Data, eps)
}

func TestProgressReported(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	var lastTotal atomic.Int64
	agg, err := New(spikeSeries(4), spikeConfig(),
		WithProgress(func(done, total int) {
			calls.Add(1)
			lastTotal.Store(int64(total))
		}))
	require.NoError(t, err)
	defer agg.Close()

	_, err = agg.Process(true)
	require.NoError(t, err)

	// Two full passes over four frames.
	assert.Equal(t, int64(8), calls.Load())
	assert.Equal(t, int64(4), lastTotal.Load())
}

func TestCloseReleasesSourceOnce(t *testing.T) {
	t.Parallel()

	src := spikeSeries(2)
	agg, err := New(src, spikeConfig())
	require.NoError(t, err)

	require.NoError(t, agg.Close())
	require.NoError(t, agg.Close())
	assert.Equal(t, 1, src.closed)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	src := spikeSeries(2)
	cfg := spikeConfig()
	cfg.ThMask = 2.0

	_, err := New(src, cfg)
	var verr *params.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "th_mask", verr.Field)
	// The source is still released exactly once on the failure path.
	assert.Equal(t, 1, src.closed)
}

func TestNewRejectsEmptySeries(t *testing.T) {
	t.Parallel()

	src := &memSource{}
	_, err := New(src, spikeConfig())
	require.ErrorIs(t, err, imageseries.ErrEmptySeries)
	assert.Equal(t, 1, src.closed)
}

func TestSaveAndLoadResult(t *testing.T) {
	t.Parallel()

	agg, err := New(spikeSeries(5), spikeConfig())
	require.NoError(t, err)
	defer agg.Close()
	res, err := agg.Process(false)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, res.Save(dir, "run1", false))

	loaded, err := LoadResult(dir, "run1")
	require.NoError(t, err)
	assert.Equal(t, res.AvgDirect.Data, loaded.AvgDirect.Data)
	assert.Equal(t, res.AvgClean.Data, loaded.AvgClean.Data)
	assert.Equal(t, res.MaskModifiable.Bits, loaded.MaskModifiable.Bits)
	assert.Equal(t, res.VarClean.Data, loaded.VarClean.Data)
}

func TestSaveAvgCleanOnly(t *testing.T) {
	t.Parallel()

	agg, err := New(spikeSeries(3), spikeConfig())
	require.NoError(t, err)
	defer agg.Close()
	res, err := agg.Process(true)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, res.Save(dir, "run2", true))

	matches, err := filepath.Glob(filepath.Join(dir, "*.tif"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, filepath.Join(dir, "run2_avg_clean.tif"), matches[0])

	// Loading demands every field, so the partial save must fail with a
	// missing-file error.
	_, err = LoadResult(dir, "run2")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
