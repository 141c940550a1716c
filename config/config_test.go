package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, DatasetTuSimple, cfg.Dataset)
	assert.Equal(t, MethodHungarian, cfg.Method)
	assert.Equal(t, 56, cfg.Geometry.PPL)
	assert.Equal(t, DefaultSlots, cfg.Slots)
}

func TestForDataset(t *testing.T) {
	cfg, err := ForDataset(DatasetCULane)
	require.NoError(t, err)
	assert.Equal(t, Geometry{PPL: 31, Gap: 10, Start: 290}, cfg.Geometry)
	assert.Equal(t, 4, cfg.MaxLanes)

	_, err = ForDataset("llamas")
	assert.True(t, errors.Is(err, ErrUnsupportedDataset))
}

func TestSampleYs(t *testing.T) {
	g := Geometry{PPL: 4, Gap: 10, Start: 290}

	assert.Equal(t, []float32{290, 300, 310, 320}, g.SampleYs())
	assert.Equal(t, 0, g.Index(290))
	assert.Equal(t, 3, g.Index(320))
	assert.Equal(t, -1, g.Index(330))
	assert.Equal(t, -1, g.Index(295))
	assert.Equal(t, -1, g.Index(280))
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		name    string
		want    Method
		wantErr bool
	}{
		{name: "baseline", want: MethodBaseline},
		{name: "scnn", want: MethodBaseline},
		{name: "SAD", want: MethodSAD},
		{name: "lstr", want: MethodHungarian},
		{name: " hungarian ", want: MethodHungarian},
		{name: "ultrafast", wantErr: true},
		{name: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMethod(tt.name)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrUnsupportedMethod))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.True(t, MethodHungarian.CurveBased())
	assert.False(t, MethodSAD.CurveBased())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{name: "unknown dataset", mutate: func(c *Config) { c.Dataset = "bdd" }, want: ErrUnsupportedDataset},
		{name: "unknown method", mutate: func(c *Config) { c.Method = "polylane" }, want: ErrUnsupportedMethod},
		{name: "zero slots", mutate: func(c *Config) { c.Slots = 0 }, want: ErrInvalidConfig},
		{name: "slots below max lanes", mutate: func(c *Config) { c.Slots = 3 }, want: ErrInvalidConfig},
		{name: "negative weight", mutate: func(c *Config) { c.Weights.Upper = -1 }, want: ErrInvalidConfig},
		{name: "zero ppl", mutate: func(c *Config) { c.Geometry.PPL = 0 }, want: ErrInvalidConfig},
		{name: "zero gap", mutate: func(c *Config) { c.Geometry.Gap = 0 }, want: ErrInvalidConfig},
		{name: "bad reduction", mutate: func(c *Config) { c.Reduction = "median" }, want: ErrInvalidConfig},
		{name: "no workers", mutate: func(c *Config) { c.Workers = 0 }, want: ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestParse(t *testing.T) {
	data := []byte(`
dataset: culane
method: lstr
slots: 6
weights:
  class: 3
  curve: 5
  lower: 2
  upper: 2
reduction: sum
`)

	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, DatasetCULane, cfg.Dataset)
	assert.Equal(t, MethodHungarian, cfg.Method)
	assert.Equal(t, 6, cfg.Slots)
	assert.Equal(t, Weights{Class: 3, Curve: 5, Lower: 2, Upper: 2}, cfg.Weights)
	assert.Equal(t, ReductionSum, cfg.Reduction)
	// Omitted fields keep the CULane preset.
	assert.Equal(t, 31, cfg.Geometry.PPL)
	assert.Equal(t, 4, cfg.MaxLanes)
	assert.Equal(t, 4, cfg.Workers)
}

func TestParseRejectsUnknownNames(t *testing.T) {
	_, err := Parse([]byte("dataset: apollo\n"))
	assert.True(t, errors.Is(err, ErrUnsupportedDataset))

	_, err = Parse([]byte("method: segformer\n"))
	assert.True(t, errors.Is(err, ErrUnsupportedMethod))

	_, err = Parse([]byte("slots: 2\n"))
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "lanes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dataset: tusimple\nworkers: 2\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 56, cfg.Geometry.PPL)

	jsonPath := filepath.Join(dir, "lanes.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte("{}"), 0o600))
	_, err = Load(jsonPath)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
