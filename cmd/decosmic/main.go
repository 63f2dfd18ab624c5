// Command decosmic removes cosmic background artifacts from a series of 2D
// diffraction detector images and writes the cleaned averages as TIFF files.
//
// Usage:
//
//	decosmic [flags] first-frame.tif
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"decosmic/internal/models"
	"decosmic/pkg/params"
	"decosmic/pkg/series"
	"decosmic/pkg/tiffio"
)

func main() {
	outputDir := flag.String("output-dir", "", "Directory to save results (required)")
	paramsFile := flag.String("params-file", "", "JSON or YAML file with processing parameters")
	thDonut := flag.Int("th-donut", 0, "Threshold for donut detection")
	thMask := flag.Float64("th-mask", 0, "Threshold for mask creation (0-1)")
	thStreak := flag.Int("th-streak", 0, "Threshold for streak detection")
	winStreak := flag.Int("win-streak", 0, "Window size for streak detection")
	expDonut := flag.Int("exp-donut", 0, "Expansion size for donut masks")
	expStreak := flag.Int("exp-streak", 0, "Expansion size for streak masks")
	maskPath := flag.String("mask", "", "TIFF file with a user modifiable-pixel mask (nonzero = modifiable)")
	usePattern := flag.Bool("pattern-series", false, "Follow the numeric filename pattern instead of scanning the directory")
	variance := flag.Bool("variance", false, "Also compute per-pixel variances (two extra passes)")
	saveAll := flag.Bool("save-all", false, "Save every result array, not only the cleaned average")
	prefix := flag.String("prefix", "decosmic", "Output filename prefix")
	workers := flag.Int("workers", runtime.NumCPU(), "Number of parallel cleaning workers")
	verbose := flag.Bool("v", false, "Verbose (debug) logging")
	flag.Parse()

	if flag.NArg() != 1 || *outputDir == "" {
		fmt.Fprintln(os.Stderr, "usage: decosmic [flags] -output-dir DIR first-frame.tif")
		flag.PrintDefaults()
		os.Exit(1)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	if err := run(flag.Arg(0), *outputDir, cliConfig{
		paramsFile: *paramsFile,
		thDonut:    *thDonut,
		thMask:     *thMask,
		thStreak:   *thStreak,
		winStreak:  *winStreak,
		expDonut:   *expDonut,
		expStreak:  *expStreak,
		maskPath:   *maskPath,
		usePattern: *usePattern,
		variance:   *variance,
		saveAll:    *saveAll,
		prefix:     *prefix,
		workers:    *workers,
	}, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type cliConfig struct {
	paramsFile string
	thDonut    int
	thMask     float64
	thStreak   int
	winStreak  int
	expDonut   int
	expStreak  int
	maskPath   string
	usePattern bool
	variance   bool
	saveAll    bool
	prefix     string
	workers    int
}

func run(firstPath, outputDir string, cli cliConfig, log zerolog.Logger) error {
	cfg, err := buildParams(cli)
	if err != nil {
		return err
	}

	opts := []series.Option{
		series.WithLogger(log),
		series.WithWorkers(cli.workers),
		series.WithProgress(newProgressPrinter()),
	}

	if cli.maskPath != "" {
		maskFrame, err := tiffio.Read(cli.maskPath)
		if err != nil {
			return fmt.Errorf("loading user mask: %w", err)
		}
		opts = append(opts, series.WithUserMask(models.MaskFromFrame(maskFrame)))
	}

	agg, err := series.Open(firstPath, cfg, cli.usePattern, opts...)
	if err != nil {
		return err
	}
	defer agg.Close()

	start := time.Now()
	result, err := agg.Process(!cli.variance)
	if err != nil {
		return err
	}
	fmt.Println()
	log.Info().
		Int("frames", agg.NFrames()).
		Dur("elapsed", time.Since(start)).
		Msg("processing complete")

	if err := result.Save(outputDir, cli.prefix, !cli.saveAll); err != nil {
		return err
	}
	if err := params.Save(cfg, filepath.Join(outputDir, cli.prefix+"_params.json")); err != nil {
		return err
	}
	log.Info().Str("dir", outputDir).Msg("results saved")
	return nil
}

// buildParams loads the parameter file when given, otherwise starts from the
// defaults; explicitly set flags override either source.
func buildParams(cli cliConfig) (params.SeriesConfig, error) {
	cfg := params.Default()
	if cli.paramsFile != "" {
		loaded, err := params.Load(cli.paramsFile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "th-donut":
			cfg.ThDonut = cli.thDonut
		case "th-mask":
			cfg.ThMask = cli.thMask
		case "th-streak":
			cfg.ThStreak = cli.thStreak
		case "win-streak":
			cfg.WinStreak = cli.winStreak
		case "exp-donut":
			cfg.ExpDonut = cli.expDonut
		case "exp-streak":
			cfg.ExpStreak = cli.expStreak
		}
	})

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// newProgressPrinter prints a carriage-return progress line at whole-percent
// steps. Workers report concurrently, so the high-water mark is kept in an
// atomic.
func newProgressPrinter() series.ProgressFunc {
	var last atomic.Int64
	last.Store(-1)
	return func(done, total int) {
		pct := int64(done * 100 / total)
		for {
			prev := last.Load()
			if pct <= prev {
				return
			}
			if last.CompareAndSwap(prev, pct) {
				fmt.Printf("\rProcessing frames: %d%%", pct)
				return
			}
		}
	}
}
