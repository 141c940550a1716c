package dataset

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-lanes/lanes"
)

// culaneSuffix is the extension of CULane per-image annotation files.
const culaneSuffix = ".lines.txt"

// maxRecordSize bounds a single TuSimple label line.
const maxRecordSize = 4 * 1024 * 1024

// AnnotatedTarget is the encoded target of one annotated image.
type AnnotatedTarget struct {
	// Path is the annotation file (CULane) or raw_file entry (TuSimple).
	Path string
	// Target holds the encoded lanes.
	Target lanes.Target
}

// Targets returns the encoded targets in order, ready to be passed as a batch.
func Targets(annotated []AnnotatedTarget) []lanes.Target {
	out := make([]lanes.Target, len(annotated))
	for i, a := range annotated {
		out[i] = a.Target
	}
	return out
}

// LoadCULaneDirectory reads all CULane annotation files from a directory.
//
// Arguments:
//   - dir: Directory path containing "*.lines.txt" files.
//
// Returns:
//   - []AnnotatedTarget: One target per annotation file, sorted by path.
//   - error: Error if reading or encoding fails.
func (e *Encoder) LoadCULaneDirectory(dir string) ([]AnnotatedTarget, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var targets []AnnotatedTarget
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), culaneSuffix) {
			continue
		}

		path := filepath.Join(dir, file.Name())
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, readErr
		}
		target, encErr := e.CULane(strings.Split(string(data), "\n"))
		if encErr != nil {
			return nil, errors.Wrapf(encErr, "failed to encode %s", path)
		}
		targets = append(targets, AnnotatedTarget{Path: path, Target: target})
	}

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Path < targets[j].Path
	})

	e.logger.WithField("dir", dir).WithField("images", len(targets)).Info("📂 loaded CULane annotations")
	return targets, nil
}

// LoadTuSimpleFile reads a TuSimple label file with one JSON record per line.
//
// Arguments:
//   - path: Path to the label file, e.g. label_data_0313.json.
//
// Returns:
//   - []AnnotatedTarget: One target per record, in file order.
//   - error: Error if reading, decoding or encoding fails.
func (e *Encoder) LoadTuSimpleFile(path string) ([]AnnotatedTarget, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var targets []AnnotatedTarget
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var record TuSimpleRecord
		if err := json.Unmarshal([]byte(text), &record); err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, line)
		}
		target, err := e.TuSimple(record)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, line)
		}
		targets = append(targets, AnnotatedTarget{Path: record.RawFile, Target: target})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	e.logger.WithField("file", path).WithField("images", len(targets)).Info("📂 loaded TuSimple annotations")
	return targets, nil
}
