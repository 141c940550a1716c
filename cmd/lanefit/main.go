// Command lanefit fits lane slots to TuSimple or CULane annotations with the
// Hungarian lane loss and writes the fitted slots and their assignments as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-lanes/config"
	"github.com/nvr-ai/go-lanes/dataset"
	"github.com/nvr-ai/go-lanes/fit"
	"github.com/nvr-ai/go-lanes/lanes"
	"github.com/nvr-ai/go-lanes/matcher"
	"github.com/nvr-ai/go-lanes/profiler"
)

// fittedImage is the JSON output for one image.
type fittedImage struct {
	Path    string         `json:"path"`
	Slots   []lanes.Slot   `json:"slots"`
	Pairs   []matcher.Pair `json:"pairs"`
	Dropped []int          `json:"dropped,omitempty"`
}

func main() {
	var (
		configPath   string
		datasetName  string
		culaneDir    string
		tusimpleFile string
		limit        int
		outputPath   string
		logLevel     string
		reportEvery  time.Duration
	)
	opts := fit.DefaultOptions()

	flag.StringVar(&configPath, "config", "", "Path to a YAML loss configuration (defaults to the dataset preset)")
	flag.StringVar(&datasetName, "dataset", string(config.DatasetTuSimple), "Dataset preset when no config file is given (tusimple, culane)")
	flag.StringVar(&culaneDir, "culane-dir", "", "Directory of CULane .lines.txt annotations")
	flag.StringVar(&tusimpleFile, "tusimple-file", "", "TuSimple label file with one JSON record per line")
	flag.IntVar(&limit, "limit", 8, "Maximum number of images fitted together")
	flag.IntVar(&opts.Steps, "steps", opts.Steps, "Number of optimizer steps")
	flag.Float64Var(&opts.LearningRate, "lr", opts.LearningRate, "Adam learning rate")
	flag.Func("width", "Image width the initial slots are spread across", func(s string) error {
		w, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return err
		}
		opts.Width = float32(w)
		return nil
	})
	flag.IntVar(&opts.LogEvery, "log-every", opts.LogEvery, "Log loss terms every n steps")
	flag.StringVar(&outputPath, "output", "", "Output JSON path (defaults to stdout)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.DurationVar(&reportEvery, "report-every", 10*time.Second, "Profiler report interval")
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logger.Fatalf("Invalid log level %q: %v", logLevel, err)
	}
	logger.SetLevel(level)

	cfg, err := loadConfig(configPath, datasetName)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	annotated, err := loadAnnotations(cfg.Geometry, culaneDir, tusimpleFile, logger)
	if err != nil {
		logger.Fatalf("Failed to load annotations: %v", err)
	}
	if limit > 0 && len(annotated) > limit {
		annotated = annotated[:limit]
	}
	targets := dataset.Targets(annotated)

	logger.WithFields(logrus.Fields{
		"dataset":   cfg.Dataset,
		"method":    cfg.Method,
		"slots":     cfg.Slots,
		"images":    len(targets),
		"steps":     opts.Steps,
		"lr":        opts.LearningRate,
		"reduction": cfg.Reduction,
	}).Info("🚀 lane fitting started")

	prof := profiler.New(profiler.Options{ReportInterval: reportEvery}, logger)
	fitter, err := fit.New(cfg, len(targets), opts, logger, prof)
	if err != nil {
		logger.Fatalf("Failed to create fitter: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prof.Start(ctx)
	history, err := fitter.Fit(ctx, targets)
	prof.Stop()
	prof.Report()
	if err != nil {
		logger.WithError(err).Warn("⚠️  fitting stopped early")
	}
	if len(history) > 0 {
		logger.WithFields(logrus.Fields{
			"first": history[0],
			"last":  history[len(history)-1],
			"steps": len(history),
		}).Info("✅ lane fitting finished")
	}

	if err := writeResults(outputPath, fitter, annotated, targets); err != nil {
		logger.Fatalf("Failed to write results: %v", err)
	}
}

// loadConfig reads the YAML configuration, or falls back to a dataset preset.
func loadConfig(path, datasetName string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	d, err := config.ParseDataset(datasetName)
	if err != nil {
		return config.Config{}, err
	}
	return config.ForDataset(d)
}

// loadAnnotations reads exactly one of the CULane directory or the TuSimple file.
func loadAnnotations(geo config.Geometry, culaneDir, tusimpleFile string, logger logrus.FieldLogger) ([]dataset.AnnotatedTarget, error) {
	encoder, err := dataset.NewEncoder(geo, logger)
	if err != nil {
		return nil, err
	}

	var annotated []dataset.AnnotatedTarget
	switch {
	case culaneDir != "" && tusimpleFile != "":
		return nil, errors.New("only one of -culane-dir and -tusimple-file may be set")
	case culaneDir != "":
		annotated, err = encoder.LoadCULaneDirectory(culaneDir)
	case tusimpleFile != "":
		annotated, err = encoder.LoadTuSimpleFile(tusimpleFile)
	default:
		return nil, errors.New("one of -culane-dir or -tusimple-file is required")
	}
	if err != nil {
		return nil, err
	}
	if len(annotated) == 0 {
		return nil, fit.ErrEmptyBatch
	}
	return annotated, nil
}

// writeResults encodes the fitted slots and their final assignments.
func writeResults(path string, fitter *fit.Fitter, annotated []dataset.AnnotatedTarget, targets []lanes.Target) error {
	preds, err := fitter.Predictions()
	if err != nil {
		return err
	}
	assignments, err := fitter.Assignments(targets)
	if err != nil {
		return err
	}

	out := make([]fittedImage, len(annotated))
	for i, a := range annotated {
		img := fittedImage{Path: a.Path, Pairs: assignments[i].Pairs, Dropped: assignments[i].Dropped}
		for q := 0; q < preds.Slots(); q++ {
			img.Slots = append(img.Slots, preds.Slot(i, q))
		}
		out[i] = img
	}

	return writeJSON(path, out)
}

// writeJSON encodes v to path, or to stdout when path is empty.
func writeJSON(path string, v interface{}) error {
	if path == "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to encode %s", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %s", path)
}
