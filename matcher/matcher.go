package matcher

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-lanes/config"
	"github.com/nvr-ai/go-lanes/lanes"
)

// ErrNonFiniteCost marks lanes whose cost against every free slot was not finite.
var ErrNonFiniteCost = errors.New("non-finite matching cost")

// Assignment is the matching of one image.
type Assignment struct {
	// Image is the index of the image in the batch.
	Image int `json:"image"`
	// Pairs are the matched (slot, lane) pairs sorted by slot.
	Pairs []Pair `json:"pairs"`
	// Dropped are lanes that received no slot.
	Dropped []int `json:"dropped,omitempty"`
	// Err is set when a lane was dropped because its costs were not finite.
	Err error `json:"-"`
}

// Slots returns the matched slot indices in pair order.
func (a Assignment) Slots() []int {
	out := make([]int, len(a.Pairs))
	for i, p := range a.Pairs {
		out[i] = p.Slot
	}
	return out
}

// Lanes returns the matched lane indices in pair order.
func (a Assignment) Lanes() []int {
	out := make([]int, len(a.Pairs))
	for i, p := range a.Pairs {
		out[i] = p.Lane
	}
	return out
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger sets the logger used for warnings.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(m *Matcher) {
		m.logger = logger
	}
}

// Matcher pairs lane slots with ground-truth lanes, image by image.
// A Matcher holds no per-call state and is safe for concurrent use.
type Matcher struct {
	weights config.Weights
	slots   int
	workers int
	logger  logrus.FieldLogger
}

// New creates a Matcher from a validated configuration.
//
// Arguments:
//   - cfg: The configuration; Validate is called first.
//   - opts: Optional settings.
//
// Returns:
//   - *Matcher: The matcher.
//   - error: The configuration error, if any.
func New(cfg config.Config, opts ...Option) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Matcher{
		weights: cfg.Weights,
		slots:   cfg.Slots,
		workers: cfg.Workers,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.logger.WithFields(logrus.Fields{
		"slots":   m.slots,
		"workers": m.workers,
		"weights": m.weights,
	}).Debug("✅ lane matcher initialized")

	return m, nil
}

// Weights returns the cost term weights.
func (m *Matcher) Weights() config.Weights {
	return m.weights
}

// SolveAssignment computes the optimal slot-to-lane assignment of every image.
//
// Costs are plain values: nothing computed here carries gradient provenance.
// Images are solved in parallel; the result is ordered by image.
//
// Arguments:
//   - preds: B×Q predictions; Q must equal the configured slot count.
//   - targets: One Target per image.
//
// Returns:
//   - []Assignment: One assignment per image. Images without lanes have no pairs.
//   - error: Shape or precondition errors that make the batch unusable.
func (m *Matcher) SolveAssignment(preds *lanes.Predictions, targets []lanes.Target) ([]Assignment, error) {
	if preds.Slots() != m.slots {
		return nil, errors.Wrapf(lanes.ErrShapeMismatch, "predictions have %d slots, matcher expects %d", preds.Slots(), m.slots)
	}

	costs, err := BuildCosts(preds, targets, m.weights)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build cost matrix")
	}

	return m.solve(costs), nil
}

// solve fans the per-image blocks out to a bounded pool of workers.
func (m *Matcher) solve(costs *Costs) []Assignment {
	out := make([]Assignment, len(costs.Sizes))

	jobs := make(chan int, len(costs.Sizes))
	for b := range costs.Sizes {
		jobs <- b
	}
	close(jobs)

	workers := m.workers
	if workers > len(costs.Sizes) {
		workers = len(costs.Sizes)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				out[b] = m.solveImage(costs, b)
			}
		}()
	}
	wg.Wait()

	return out
}

func (m *Matcher) solveImage(costs *Costs, b int) Assignment {
	a := Assignment{Image: b, Pairs: []Pair{}}
	lanesInImage := costs.Sizes[b]
	if lanesInImage == 0 {
		return a
	}

	a.Pairs, a.Dropped = SolveBlock(costs.Block(b))
	if len(a.Dropped) == 0 {
		return a
	}

	if lanesInImage > costs.Slots {
		m.logger.WithFields(logrus.Fields{
			"image": b,
			"lanes": lanesInImage,
			"slots": costs.Slots,
		}).Warn("⚠️  more ground-truth lanes than slots, supervision dropped")
	}
	// Lanes that could have had a slot were only dropped for non-finite costs.
	if len(a.Pairs) < costs.Slots {
		a.Err = errors.Wrapf(ErrNonFiniteCost, "image %d lanes %v", b, a.Dropped)
		m.logger.WithFields(logrus.Fields{
			"image":   b,
			"dropped": a.Dropped,
		}).Warn("⚠️  lanes dropped for non-finite cost")
	}

	return a
}
