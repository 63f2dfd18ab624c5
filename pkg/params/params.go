// Package params provides the cleaning parameter bundles and their
// persistence. Parameter files use a flat schema with the keys th_donut,
// th_mask, th_streak, win_streak, exp_donut and exp_streak; JSON is the
// interchange format, YAML is accepted with the same keys.
package params

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidationError reports a malformed parameter value or a violated
// cross-field rule.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Msg)
}

// SingleConfig holds the parameters of the single-frame cleaner.
type SingleConfig struct {
	// ThDonut is the intensity threshold for donut detection (inclusive).
	ThDonut int `json:"th_donut" yaml:"th_donut"`

	// ThStreak is the window-occupancy threshold for streak detection
	// (inclusive).
	ThStreak int `json:"th_streak" yaml:"th_streak"`

	// WinStreak is the side of the square window used by the streak
	// density convolution.
	WinStreak int `json:"win_streak" yaml:"win_streak"`

	// ExpDonut is the side of the dilation applied to the donut mask.
	ExpDonut int `json:"exp_donut" yaml:"exp_donut"`

	// ExpStreak is the side of the dilation applied to the streak mask.
	ExpStreak int `json:"exp_streak" yaml:"exp_streak"`
}

// SeriesConfig extends SingleConfig with the series-level mask threshold.
type SeriesConfig struct {
	SingleConfig `yaml:",inline"`

	// ThMask is the binary-average occupancy fraction at or below which a
	// pixel counts as modifiable, in [0, 1].
	ThMask float64 `json:"th_mask" yaml:"th_mask"`
}

// Default returns the parameter values used by the reference processing
// scripts.
func Default() SeriesConfig {
	return SeriesConfig{
		SingleConfig: SingleConfig{
			ThDonut:   15,
			ThStreak:  3,
			WinStreak: 3,
			ExpDonut:  9,
			ExpStreak: 3,
		},
		ThMask: 0.05,
	}
}

// Validate checks the single-frame parameters. A streak threshold that can
// never be reached within the window is rejected.
func (c SingleConfig) Validate() error {
	if c.ThDonut < 0 {
		return &ValidationError{Field: "th_donut", Msg: "must be a non-negative integer"}
	}
	if c.ThStreak < 0 {
		return &ValidationError{Field: "th_streak", Msg: "must be a non-negative integer"}
	}
	if c.WinStreak < 0 {
		return &ValidationError{Field: "win_streak", Msg: "must be a non-negative integer"}
	}
	if c.ExpDonut < 0 {
		return &ValidationError{Field: "exp_donut", Msg: "must be a non-negative integer"}
	}
	if c.ExpStreak < 0 {
		return &ValidationError{Field: "exp_streak", Msg: "must be a non-negative integer"}
	}
	if c.ThStreak > c.WinStreak*c.WinStreak {
		return &ValidationError{
			Field: "th_streak",
			Msg: fmt.Sprintf("%d can never be reached within a %dx%d window",
				c.ThStreak, c.WinStreak, c.WinStreak),
		}
	}
	return nil
}

// Validate checks the series parameters.
func (c SeriesConfig) Validate() error {
	if err := c.SingleConfig.Validate(); err != nil {
		return err
	}
	if c.ThMask < 0 || c.ThMask > 1 {
		return &ValidationError{Field: "th_mask", Msg: "must be a float between 0 and 1"}
	}
	return nil
}

// Load reads and validates a parameter file. The format is chosen by
// extension: .json, or .yaml/.yml.
func Load(path string) (SeriesConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading parameter file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported parameter file format %q", filepath.Ext(path))
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing parameter file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the parameters next to the results so a run can be reproduced.
// The format is chosen by extension, as in Load.
func Save(cfg SeriesConfig, path string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		return fmt.Errorf("unsupported parameter file format %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("marshaling parameters: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating parameter directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing parameter file: %w", err)
	}
	return nil
}
