package config

import (
	"strings"

	"github.com/pkg/errors"
)

// Dataset identifies a lane dataset and its sampling geometry.
type Dataset string

const (
	// DatasetTuSimple is the TuSimple highway benchmark.
	DatasetTuSimple Dataset = "tusimple"
	// DatasetCULane is the CULane urban benchmark.
	DatasetCULane Dataset = "culane"
)

// DefaultSlots is the number of lane slots predicted per image.
const DefaultSlots = 7

type preset struct {
	geometry Geometry
	maxLanes int
}

var presets = map[Dataset]preset{
	DatasetTuSimple: {geometry: Geometry{PPL: 56, Gap: 10, Start: 160}, maxLanes: 5},
	DatasetCULane:   {geometry: Geometry{PPL: 31, Gap: 10, Start: 290}, maxLanes: 4},
}

// ParseDataset resolves a dataset name, case-insensitively.
func ParseDataset(name string) (Dataset, error) {
	d := Dataset(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := presets[d]; !ok {
		return "", errors.Wrapf(ErrUnsupportedDataset, "%q", name)
	}
	return d, nil
}

// Method is the closed set of lane loss strategies.
type Method string

const (
	// MethodBaseline is per-pixel segmentation supervision (also selected by "scnn").
	MethodBaseline Method = "baseline"
	// MethodSAD is self attention distillation on top of segmentation.
	MethodSAD Method = "sad"
	// MethodHungarian is set-based curve matching (also selected by "lstr").
	MethodHungarian Method = "hungarian"
)

var methodAliases = map[string]Method{
	"baseline":  MethodBaseline,
	"scnn":      MethodBaseline,
	"sad":       MethodSAD,
	"hungarian": MethodHungarian,
	"lstr":      MethodHungarian,
}

// ParseMethod resolves a method name or alias, case-insensitively.
//
// Arguments:
//   - name: One of baseline, scnn, sad, hungarian or lstr.
//
// Returns:
//   - Method: The canonical method.
//   - error: ErrUnsupportedMethod for any other name.
func ParseMethod(name string) (Method, error) {
	m, ok := methodAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", errors.Wrapf(ErrUnsupportedMethod, "%q", name)
	}
	return m, nil
}

// CurveBased reports whether the method supervises lanes as parametric curves.
func (m Method) CurveBased() bool {
	return m == MethodHungarian
}
