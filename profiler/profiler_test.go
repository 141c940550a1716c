package profiler

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProfiler(window int) (*Profiler, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	return New(Options{Window: window, ReportInterval: time.Millisecond}, logger), &buf
}

func TestRecordMetricWindow(t *testing.T) {
	p, _ := newTestProfiler(2)

	_, ok := p.Metric("loss")
	assert.False(t, ok)

	for _, v := range []float64{4, 1, 3} {
		p.RecordMetric("loss", v)
	}

	s, ok := p.Metric("loss")
	require.True(t, ok)
	assert.Equal(t, Summary{Last: 3, Mean: 2, Min: 1, Max: 4, Count: 3}, s)
}

func TestStartOperation(t *testing.T) {
	p, _ := newTestProfiler(10)

	done := p.StartOperation("step")
	time.Sleep(time.Millisecond)
	done()

	s, ok := p.Operation("step")
	require.True(t, ok)
	assert.Equal(t, int64(1), s.Count)
	assert.GreaterOrEqual(t, s.Last, float64(1000))
}

func TestConcurrentRecording(t *testing.T) {
	p, _ := newTestProfiler(1000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.RecordMetric("loss", 1)
			}
		}()
	}
	wg.Wait()

	s, _ := p.Metric("loss")
	assert.Equal(t, int64(800), s.Count)
	assert.Equal(t, float64(1), s.Mean)
}

func TestReport(t *testing.T) {
	p, buf := newTestProfiler(10)
	p.RecordMetric("loss", 0.5)
	p.StartOperation("compute_loss")()

	p.Report()

	out := buf.String()
	assert.Contains(t, out, "metric=loss")
	assert.Contains(t, out, "operation=compute_loss")
	assert.Contains(t, out, "goroutines=")
}

func TestStartStop(t *testing.T) {
	p, _ := newTestProfiler(10)
	p.RecordMetric("loss", 1)

	p.Start(context.Background())
	p.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	p.Stop()
	p.Stop()
}
