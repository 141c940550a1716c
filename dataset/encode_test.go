package dataset

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-lanes/config"
	"github.com/nvr-ai/go-lanes/lanes"
)

var grid = config.Geometry{PPL: 3, Gap: 10, Start: 10}

func newTestEncoder(t *testing.T) (*Encoder, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	e, err := NewEncoder(grid, logger)
	require.NoError(t, err)
	return e, &buf
}

func lane(lower, upper float32, xs ...float32) lanes.Lane {
	l := lanes.Lane{Lower: lower, Upper: upper, Label: LaneLabel}
	for i, x := range xs {
		l.Points = append(l.Points, lanes.Point{X: x, Y: grid.Start + float32(i)*grid.Gap})
	}
	return l
}

func TestNewEncoderRejectsBadGeometry(t *testing.T) {
	_, err := NewEncoder(config.Geometry{PPL: 0, Gap: 10}, nil)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))

	_, err = NewEncoder(config.Geometry{PPL: 3, Gap: 0}, nil)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))

	e, err := NewEncoder(grid, nil)
	require.NoError(t, err)
	assert.NotNil(t, e.logger)
}

func TestCULane(t *testing.T) {
	e, buf := newTestEncoder(t)

	got, err := e.CULane([]string{
		"4 10 6 20 5 30",
		"",
		"50 10 55 15 70 40",
		"1 15 2 25",
	})
	require.NoError(t, err)

	want := lanes.Target{Lanes: []lanes.Lane{
		lane(30, 10, 4, 6, 5),
		lane(10, 10, 50, lanes.Sentinel, lanes.Sentinel),
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CULane() mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, buf.String(), "discarding lane without valid points")
}

func TestCULaneErrors(t *testing.T) {
	e, _ := newTestEncoder(t)

	_, err := e.CULane([]string{"4 10 6"})
	assert.ErrorContains(t, err, "odd number of coordinates")

	_, err = e.CULane([]string{"4 10 six 20"})
	assert.ErrorContains(t, err, "line 1")
}

func TestTuSimple(t *testing.T) {
	e, _ := newTestEncoder(t)

	got, err := e.TuSimple(TuSimpleRecord{
		Lanes: [][]float32{
			{-2, 7, 9, 11},
			{-2, -2, -2, -2},
			{3, -2, 5, 100},
		},
		HSamples: []float32{5, 10, 20, 30},
		RawFile:  "clips/0313-1/6040/20.jpg",
	})
	require.NoError(t, err)

	want := lanes.Target{Lanes: []lanes.Lane{
		lane(30, 10, 7, 9, 11),
		lane(30, 20, lanes.Sentinel, 5, 100),
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TuSimple() mismatch (-want +got):\n%s", diff)
	}

	// Every encoded lane satisfies the normalization precondition.
	_, _, err = lanes.Normalize(got.Lanes)
	assert.NoError(t, err)
}

func TestTuSimpleLengthMismatch(t *testing.T) {
	e, _ := newTestEncoder(t)

	_, err := e.TuSimple(TuSimpleRecord{
		Lanes:    [][]float32{{1, 2}},
		HSamples: []float32{10, 20, 30},
		RawFile:  "clips/a.jpg",
	})
	assert.ErrorContains(t, err, "clips/a.jpg: lane 0 has 2 x values for 3 h_samples")
}

func TestLoadCULaneDirectory(t *testing.T) {
	e, buf := newTestEncoder(t)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.lines.txt"), []byte("50 10\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.lines.txt"), []byte("4 10 6 20 5 30\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("not a label"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.lines.txt"), 0o700))

	got, err := e.LoadCULaneDirectory(dir)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, filepath.Join(dir, "a.lines.txt"), got[0].Path)
	assert.Equal(t, filepath.Join(dir, "b.lines.txt"), got[1].Path)

	batch := Targets(got)
	require.Len(t, batch, 2)
	assert.Equal(t, []lanes.Lane{lane(30, 10, 4, 6, 5)}, batch[0].Lanes)
	assert.Equal(t, []lanes.Lane{lane(10, 10, 50, lanes.Sentinel, lanes.Sentinel)}, batch[1].Lanes)
	assert.Contains(t, buf.String(), "loaded CULane annotations")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.lines.txt"), []byte("1 2 3\n"), 0o600))
	_, err = e.LoadCULaneDirectory(dir)
	assert.ErrorContains(t, err, "c.lines.txt")

	_, err = e.LoadCULaneDirectory(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestLoadTuSimpleFile(t *testing.T) {
	e, _ := newTestEncoder(t)
	path := filepath.Join(t.TempDir(), "label_data.json")

	content := `{"lanes": [[7, 9, 11]], "h_samples": [10, 20, 30], "raw_file": "clips/1.jpg"}

{"lanes": [[-2, 40, -2], [-2, -2, -2]], "h_samples": [10, 20, 30], "raw_file": "clips/2.jpg"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	got, err := e.LoadTuSimpleFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "clips/1.jpg", got[0].Path)
	assert.Equal(t, []lanes.Lane{lane(30, 10, 7, 9, 11)}, got[0].Target.Lanes)
	assert.Equal(t, "clips/2.jpg", got[1].Path)
	assert.Equal(t, []lanes.Lane{lane(20, 20, lanes.Sentinel, 40, lanes.Sentinel)}, got[1].Target.Lanes)

	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0o600))
	_, err = e.LoadTuSimpleFile(path)
	assert.ErrorContains(t, err, "label_data.json:1")
}
