// Package config - Configuration for lane matching and the Hungarian lane loss.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnsupportedDataset is returned when a dataset name has no geometry preset.
	ErrUnsupportedDataset = errors.New("unsupported dataset")
	// ErrUnsupportedMethod is returned when a method name is not a known loss strategy.
	ErrUnsupportedMethod = errors.New("unsupported method")
	// ErrInvalidConfig is returned when a configuration value is out of range.
	ErrInvalidConfig = errors.New("invalid config")
)

// maxConfigSize bounds the size of configuration files read by Load.
const maxConfigSize = 1 * 1024 * 1024

// Reduction controls how matched-pair loss terms are reduced.
type Reduction string

const (
	// ReductionMean divides matched-pair terms by the number of matched pairs.
	ReductionMean Reduction = "mean"
	// ReductionSum adds matched-pair terms without normalization.
	ReductionSum Reduction = "sum"
)

// Weights scales each of the four cost terms.
type Weights struct {
	// Class scales the objectness term.
	Class float32 `json:"class" yaml:"class"`
	// Curve scales the sampled-point L1 term.
	Curve float32 `json:"curve" yaml:"curve"`
	// Lower scales the lower bound L1 term.
	Lower float32 `json:"lower" yaml:"lower"`
	// Upper scales the upper bound L1 term.
	Upper float32 `json:"upper" yaml:"upper"`
}

// Geometry describes the fixed vertical sampling grid of a dataset.
type Geometry struct {
	// PPL is the number of sample points per lane.
	PPL int `json:"ppl" yaml:"ppl"`
	// Gap is the vertical spacing between consecutive samples.
	Gap float32 `json:"gap" yaml:"gap"`
	// Start is the y coordinate of the first sample.
	Start float32 `json:"start" yaml:"start"`
}

// SampleYs returns the y coordinate of every sample on the grid.
func (g Geometry) SampleYs() []float32 {
	ys := make([]float32, g.PPL)
	for i := range ys {
		ys[i] = g.Start + float32(i)*g.Gap
	}
	return ys
}

// Index returns the grid position of y, or -1 when y is not on the grid.
func (g Geometry) Index(y float32) int {
	if g.Gap <= 0 {
		return -1
	}
	offset := (y - g.Start) / g.Gap
	i := int(offset)
	if offset < 0 || float32(i) != offset || i >= g.PPL {
		return -1
	}
	return i
}

// Config is the value object passed to every matcher and loss constructor.
type Config struct {
	// Dataset selects the geometry preset and lane-count limit.
	Dataset Dataset `json:"dataset" yaml:"dataset"`
	// Method selects the loss strategy.
	Method Method `json:"method" yaml:"method"`
	// Slots is the number of lane predictions per image (Q).
	Slots int `json:"slots" yaml:"slots"`
	// MaxLanes is the largest number of ground-truth lanes in any image.
	MaxLanes int `json:"max_lanes" yaml:"max_lanes"`
	// Weights scales the cost and loss terms.
	Weights Weights `json:"weights" yaml:"weights"`
	// Geometry is the vertical sampling grid of the targets.
	Geometry Geometry `json:"geometry" yaml:"geometry"`
	// Reduction controls how matched-pair loss terms are reduced.
	Reduction Reduction `json:"reduction" yaml:"reduction"`
	// Workers is the number of goroutines solving per-image assignments.
	Workers int `json:"workers" yaml:"workers"`
}

// DefaultConfig returns the TuSimple Hungarian configuration with unit weights.
//
// Returns:
//   - Config: A configuration that passes Validate.
//
// @example
// cfg := DefaultConfig()
// cfg.Weights.Curve = 5
// m, err := matcher.New(cfg)
func DefaultConfig() Config {
	cfg, _ := ForDataset(DatasetTuSimple)
	return cfg
}

// ForDataset returns the default configuration for a dataset preset.
//
// Arguments:
//   - dataset: The dataset whose geometry and lane limit should be used.
//
// Returns:
//   - Config: The preset configuration.
//   - error: ErrUnsupportedDataset when the dataset has no preset.
func ForDataset(dataset Dataset) (Config, error) {
	preset, ok := presets[dataset]
	if !ok {
		return Config{}, errors.Wrapf(ErrUnsupportedDataset, "%q", dataset)
	}

	return Config{
		Dataset:   dataset,
		Method:    MethodHungarian,
		Slots:     DefaultSlots,
		MaxLanes:  preset.maxLanes,
		Weights:   Weights{Class: 1, Curve: 1, Lower: 1, Upper: 1},
		Geometry:  preset.geometry,
		Reduction: ReductionMean,
		Workers:   4,
	}, nil
}

// Validate checks the configuration and fails on the first invalid value.
//
// Returns:
//   - error: ErrUnsupportedDataset, ErrUnsupportedMethod or ErrInvalidConfig wrapped with
//     the offending field.
func (c Config) Validate() error {
	if _, ok := presets[c.Dataset]; !ok {
		return errors.Wrapf(ErrUnsupportedDataset, "%q", c.Dataset)
	}
	if _, err := ParseMethod(string(c.Method)); err != nil {
		return err
	}
	if c.Slots <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "slots must be positive, got %d", c.Slots)
	}
	if c.MaxLanes <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "max_lanes must be positive, got %d", c.MaxLanes)
	}
	// Every ground-truth lane needs a slot or its supervision is silently dropped.
	if c.Slots < c.MaxLanes {
		return errors.Wrapf(ErrInvalidConfig, "slots (%d) must be >= max_lanes (%d)", c.Slots, c.MaxLanes)
	}

	w := c.Weights
	if w.Class < 0 || w.Curve < 0 || w.Lower < 0 || w.Upper < 0 {
		return errors.Wrapf(ErrInvalidConfig, "weights must be non-negative, got %+v", w)
	}

	if c.Geometry.PPL <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "ppl must be positive, got %d", c.Geometry.PPL)
	}
	if c.Geometry.Gap <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "gap must be positive, got %v", c.Geometry.Gap)
	}

	switch c.Reduction {
	case ReductionMean, ReductionSum:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown reduction %q", c.Reduction)
	}

	if c.Workers <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "workers must be positive, got %d", c.Workers)
	}

	return nil
}

// Load reads a YAML configuration file on top of the preset of the dataset it names.
// Fields omitted from the file keep their preset values.
//
// Arguments:
//   - path: Path to a .yaml or .yml file.
//
// Returns:
//   - Config: The merged and validated configuration.
//   - error: An error if the file cannot be read, parsed or validated.
func Load(path string) (Config, error) {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml":
	default:
		return Config{}, errors.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to stat config file")
	}
	if info.Size() > maxConfigSize {
		return Config{}, errors.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read config file")
	}

	return Parse(data)
}

// Parse decodes YAML configuration bytes. See Load.
func Parse(data []byte) (Config, error) {
	var head struct {
		Dataset string `yaml:"dataset"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse config")
	}

	dataset := DatasetTuSimple
	if head.Dataset != "" {
		d, err := ParseDataset(head.Dataset)
		if err != nil {
			return Config{}, err
		}
		dataset = d
	}

	cfg, err := ForDataset(dataset)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse config")
	}

	method, err := ParseMethod(string(cfg.Method))
	if err != nil {
		return Config{}, err
	}
	cfg.Method = method
	cfg.Dataset = dataset

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
