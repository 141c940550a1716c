// Package dataset - Encoding of TuSimple and CULane annotations into fixed-grid lane targets.
package dataset

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-lanes/config"
	"github.com/nvr-ai/go-lanes/lanes"
)

// LaneLabel is the class label of every encoded lane.
const LaneLabel = 1

// Encoder turns raw annotations into lanes sampled on a fixed vertical grid.
type Encoder struct {
	geometry config.Geometry
	logger   logrus.FieldLogger
}

// NewEncoder creates an encoder for the given sampling grid.
//
// Arguments:
//   - geometry: The grid every lane is sampled on.
//   - logger: Receives debug events; nil uses the standard logger.
func NewEncoder(geometry config.Geometry, logger logrus.FieldLogger) (*Encoder, error) {
	if geometry.PPL <= 0 || geometry.Gap <= 0 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "geometry %+v", geometry)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Encoder{geometry: geometry, logger: logger}, nil
}

// blank returns a lane with a sentinel at every grid row.
func (e *Encoder) blank() lanes.Lane {
	l := lanes.Lane{Points: make([]lanes.Point, e.geometry.PPL), Label: LaneLabel}
	for i, y := range e.geometry.SampleYs() {
		l.Points[i] = lanes.Point{X: lanes.Sentinel, Y: y}
	}
	return l
}

// finish derives the vertical bounds of every lane and drops lanes without a
// valid point, so every returned lane satisfies lanes.Normalize.
func (e *Encoder) finish(raw []lanes.Lane) lanes.Target {
	out := lanes.Target{Lanes: make([]lanes.Lane, 0, len(raw))}
	for i, l := range raw {
		first := true
		for _, p := range l.Points {
			if !lanes.Valid(p) {
				continue
			}
			if first || p.Y > l.Lower {
				l.Lower = p.Y
			}
			if first || p.Y < l.Upper {
				l.Upper = p.Y
			}
			first = false
		}
		if first {
			e.logger.WithField("lane", i).Debug("🗑️  discarding lane without valid points")
			continue
		}
		out.Lanes = append(out.Lanes, l)
	}
	return out
}

// CULane encodes the lines of a CULane ".lines.txt" file. Each line holds one
// lane as "x y x y ...". Points off the grid are ignored.
//
// Arguments:
//   - lines: The lines of the annotation file; empty lines are skipped.
//
// Returns:
//   - lanes.Target: The encoded lanes of the image.
//   - error: An error if a line has an odd number of values or a non-numeric value.
func (e *Encoder) CULane(lines []string) (lanes.Target, error) {
	raw := make([]lanes.Lane, 0, len(lines))
	for n, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields)%2 != 0 {
			return lanes.Target{}, errors.Errorf("line %d: odd number of coordinates (%d)", n+1, len(fields))
		}

		l := e.blank()
		for j := 0; j < len(fields); j += 2 {
			x, err := strconv.ParseFloat(fields[j], 32)
			if err != nil {
				return lanes.Target{}, errors.Wrapf(err, "line %d", n+1)
			}
			y, err := strconv.ParseFloat(fields[j+1], 32)
			if err != nil {
				return lanes.Target{}, errors.Wrapf(err, "line %d", n+1)
			}
			if i := e.geometry.Index(float32(y)); i >= 0 {
				l.Points[i].X = float32(x)
			}
		}
		raw = append(raw, l)
	}

	return e.finish(raw), nil
}

// TuSimpleRecord is one line of a TuSimple label file.
type TuSimpleRecord struct {
	Lanes    [][]float32 `json:"lanes"`
	HSamples []float32   `json:"h_samples"`
	RawFile  string      `json:"raw_file"`
}

// TuSimple encodes one TuSimple record. x values of -2 mark missing samples and
// stay sentinels; h_samples off the grid are ignored.
//
// Returns:
//   - lanes.Target: The encoded lanes of the image.
//   - error: An error if a lane does not have one x per h_sample.
func (e *Encoder) TuSimple(record TuSimpleRecord) (lanes.Target, error) {
	raw := make([]lanes.Lane, len(record.Lanes))
	for k, xs := range record.Lanes {
		if len(xs) != len(record.HSamples) {
			return lanes.Target{}, errors.Errorf("%s: lane %d has %d x values for %d h_samples",
				record.RawFile, k, len(xs), len(record.HSamples))
		}
		raw[k] = e.blank()
	}

	for j, y := range record.HSamples {
		i := e.geometry.Index(y)
		if i < 0 {
			continue
		}
		for k := range raw {
			raw[k].Points[i].X = record.Lanes[k][j]
		}
	}

	return e.finish(raw), nil
}
