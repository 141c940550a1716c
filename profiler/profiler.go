// Package profiler - Rolling loss metrics and operation timings with periodic logrus reports.
package profiler

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Summary is the rolling statistics of one metric or operation.
type Summary struct {
	// Last is the most recent value.
	Last float64 `json:"last"`
	// Mean is the mean over the retained window.
	Mean float64 `json:"mean"`
	// Min and Max cover every value ever recorded.
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	// Count is the number of values ever recorded.
	Count int64 `json:"count"`
}

type tracker struct {
	values []float64
	sum    float64
	min    float64
	max    float64
	count  int64
}

func (t *tracker) add(v float64, window int) {
	if t.count == 0 || v < t.min {
		t.min = v
	}
	if t.count == 0 || v > t.max {
		t.max = v
	}
	t.values = append(t.values, v)
	t.sum += v
	if len(t.values) > window {
		t.sum -= t.values[0]
		t.values = t.values[1:]
	}
	t.count++
}

func (t *tracker) summary() Summary {
	s := Summary{Min: t.min, Max: t.max, Count: t.count}
	if n := len(t.values); n > 0 {
		s.Last = t.values[n-1]
		s.Mean = t.sum / float64(n)
	}
	return s
}

// Options configures the profiler.
type Options struct {
	// ReportInterval specifies how often Start emits reports (default: 5s).
	ReportInterval time.Duration
	// Window is the number of recent values kept per metric (default: 100).
	Window int
}

// Profiler records named metrics, such as loss terms, and operation timings.
// It is safe for concurrent use.
type Profiler struct {
	interval time.Duration
	window   int
	logger   logrus.FieldLogger

	mu         sync.Mutex
	metrics    map[string]*tracker
	operations map[string]*tracker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a profiler.
//
// Arguments:
//   - opts: Reporting options; zero values take defaults.
//   - logger: Receives the reports; nil uses the standard logger.
func New(opts Options, logger logrus.FieldLogger) *Profiler {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 5 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 100
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Profiler{
		interval:   opts.ReportInterval,
		window:     opts.Window,
		logger:     logger,
		metrics:    make(map[string]*tracker),
		operations: make(map[string]*tracker),
	}
}

// RecordMetric records one value of a named metric.
func (p *Profiler) RecordMetric(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record(p.metrics, name, value, p.window)
}

// StartOperation begins timing an operation.
//
// Returns:
//   - A function to call when the operation completes.
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		elapsed := time.Since(start)
		p.mu.Lock()
		defer p.mu.Unlock()
		record(p.operations, name, float64(elapsed.Microseconds()), p.window)
	}
}

func record(m map[string]*tracker, name string, value float64, window int) {
	t, ok := m[name]
	if !ok {
		t = &tracker{values: make([]float64, 0, window)}
		m[name] = t
	}
	t.add(value, window)
}

// Metric returns the summary of a metric and whether it was ever recorded.
func (p *Profiler) Metric(name string) (Summary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.metrics[name]
	if !ok {
		return Summary{}, false
	}
	return t.summary(), true
}

// Operation returns the timing summary of an operation in microseconds.
func (p *Profiler) Operation(name string) (Summary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.operations[name]
	if !ok {
		return Summary{}, false
	}
	return t.summary(), true
}

// Start emits a report every interval until ctx is done or Stop is called.
func (p *Profiler) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Report()
			}
		}
	}()
}

// Stop ends periodic reporting and waits for the reporter to exit.
func (p *Profiler) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

// Report logs every metric and operation once, in name order.
func (p *Profiler) Report() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"goroutines": runtime.NumGoroutine(),
		"heap_alloc": mem.HeapAlloc,
		"gc_cycles":  mem.NumGC,
	}).Info("📊 runtime")

	for _, name := range sortedKeys(p.metrics) {
		s := p.metrics[name].summary()
		p.logger.WithFields(logrus.Fields{
			"metric": name,
			"last":   s.Last,
			"mean":   s.Mean,
			"min":    s.Min,
			"max":    s.Max,
			"count":  s.Count,
		}).Info("📈 metric")
	}
	for _, name := range sortedKeys(p.operations) {
		s := p.operations[name].summary()
		p.logger.WithFields(logrus.Fields{
			"operation": name,
			"mean_us":   s.Mean,
			"max_us":    s.Max,
			"count":     s.Count,
		}).Info("⏱️  operation")
	}
}

func sortedKeys(m map[string]*tracker) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
