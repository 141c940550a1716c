// Package fit - Fits free lane slots to annotated targets by descending the Hungarian lane loss.
//
// The fitter treats every slot value as a learnable parameter. It is the smallest
// network the loss can train and is used to check annotations and loss settings
// end to end without a model.
package fit

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-lanes/config"
	"github.com/nvr-ai/go-lanes/curve"
	"github.com/nvr-ai/go-lanes/lanes"
	"github.com/nvr-ai/go-lanes/loss"
	"github.com/nvr-ai/go-lanes/matcher"
	"github.com/nvr-ai/go-lanes/profiler"
)

// ErrEmptyBatch is returned when there is nothing to fit.
var ErrEmptyBatch = errors.New("empty batch")

// Options configures the fitter.
type Options struct {
	// Steps is the number of optimizer steps Fit runs.
	Steps int `json:"steps" yaml:"steps"`
	// LearningRate is the Adam step size.
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	// Width is the image width the initial slots are spread across.
	Width float32 `json:"width" yaml:"width"`
	// LogEvery logs the loss terms every n steps; 0 disables step logging.
	LogEvery int `json:"log_every" yaml:"log_every"`
}

// DefaultOptions returns options suited to TuSimple sized images.
func DefaultOptions() Options {
	return Options{
		Steps:        500,
		LearningRate: 0.05,
		Width:        1280,
		LogEvery:     20,
	}
}

// Fitter holds one set of slot parameters per image of a fixed batch.
type Fitter struct {
	criterion *loss.Hungarian
	solver    G.Solver
	opts      Options
	logger    logrus.FieldLogger
	profiler  *profiler.Profiler

	batch, slots int
	logits       []float32
	curves       []float32

	// learnables are the parameter nodes of the most recent graph.
	learnables G.Nodes
}

// New creates a fitter for batch images.
//
// Arguments:
//   - cfg: The loss configuration; only curve-based methods can be fitted.
//   - batch: The number of images fitted together.
//   - opts: Optimizer options.
//   - logger: Receives step logs; nil uses the standard logger.
//   - prof: Records loss terms and step timings; nil disables recording.
//
// Returns:
//   - *Fitter: The fitter with slots spread evenly across the image width.
//   - error: A configuration error.
func New(cfg config.Config, batch int, opts Options, logger logrus.FieldLogger, prof *profiler.Profiler) (*Fitter, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if batch <= 0 {
		return nil, errors.Wrapf(ErrEmptyBatch, "batch %d", batch)
	}
	if opts.Steps < 0 || opts.LearningRate <= 0 || opts.Width <= 0 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "fit options %+v", opts)
	}

	criterion, err := loss.NewCriterion(cfg, loss.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	h, ok := criterion.(*loss.Hungarian)
	if !ok {
		return nil, errors.Wrapf(loss.ErrMethodNotCurveBased, "%T", criterion)
	}

	f := &Fitter{
		criterion: h,
		solver:    G.NewAdamSolver(G.WithLearnRate(opts.LearningRate)),
		opts:      opts,
		logger:    logger,
		profiler:  prof,
		batch:     batch,
		slots:     cfg.Slots,
		logits:    make([]float32, batch*cfg.Slots),
		curves:    make([]float32, batch*cfg.Slots*lanes.CurveFields),
	}
	f.reset(cfg.Geometry)

	return f, nil
}

// reset places every slot as a vertical line spanning the sampling grid.
func (f *Fitter) reset(geo config.Geometry) {
	bottom := geo.Start + float32(geo.PPL-1)*geo.Gap
	// A pole below the grid keeps the initial curves finite at every sample.
	pole := geo.Start - float32(geo.PPL)*geo.Gap

	for b := 0; b < f.batch; b++ {
		for q := 0; q < f.slots; q++ {
			row := b*f.slots + q
			f.logits[row] = 0

			var c curve.Coefficients
			c[1] = pole
			c[3] = float32(q+1) * f.opts.Width / float32(f.slots+1)

			dst := f.curves[row*lanes.CurveFields : (row+1)*lanes.CurveFields]
			// The lower field is scored against a lane's upper bound and vice versa.
			dst[0] = geo.Start
			dst[1] = bottom
			copy(dst[2:], c[:])
		}
	}
}

// Forward exposes the current parameters as learnable graph inputs.
func (f *Fitter) Forward(g *G.ExprGraph) (*loss.Outputs, error) {
	logits := G.NewMatrix(g, tensor.Float32,
		G.WithShape(f.batch, f.slots),
		G.WithName("fit.logits"),
		G.WithValue(tensor.New(tensor.WithShape(f.batch, f.slots), tensor.WithBacking(clone(f.logits)))))
	curves := G.NewTensor(g, tensor.Float32, 3,
		G.WithShape(f.batch, f.slots, lanes.CurveFields),
		G.WithName("fit.curves"),
		G.WithValue(tensor.New(tensor.WithShape(f.batch, f.slots, lanes.CurveFields), tensor.WithBacking(clone(f.curves)))))

	f.learnables = G.Nodes{logits, curves}
	return &loss.Outputs{Logits: logits, Curves: curves, Learnables: f.learnables}, nil
}

// Step computes the loss on targets and applies one optimizer update.
//
// Returns:
//   - *loss.Result: The loss before the update.
//   - error: Errors from the loss or the solver; parameters are unchanged on error.
func (f *Fitter) Step(targets []lanes.Target) (*loss.Result, error) {
	if len(targets) != f.batch {
		return nil, errors.Wrapf(lanes.ErrShapeMismatch, "%d targets for batch %d", len(targets), f.batch)
	}
	if f.profiler != nil {
		defer f.profiler.StartOperation("fit_step")()
	}

	res, err := f.criterion.ComputeLoss(f.Forward, targets)
	if err != nil {
		return nil, err
	}
	if err := f.solver.Step(G.NodesToValueGrads(f.learnables)); err != nil {
		return nil, errors.Wrap(err, "optimizer step failed")
	}

	for _, p := range []struct {
		dst  []float32
		node *G.Node
	}{
		{f.logits, f.learnables[0]},
		{f.curves, f.learnables[1]},
	} {
		data, ok := p.node.Value().Data().([]float32)
		if !ok || len(data) != len(p.dst) {
			return nil, errors.Errorf("%s holds %T after the update", p.node.Name(), p.node.Value().Data())
		}
		copy(p.dst, data)
	}

	if f.profiler != nil {
		f.profiler.RecordMetric("loss", float64(res.Loss))
		f.profiler.RecordMetric("loss_class", float64(res.Terms.Class))
		f.profiler.RecordMetric("loss_curve", float64(res.Terms.Curve))
		f.profiler.RecordMetric("loss_lower", float64(res.Terms.Lower))
		f.profiler.RecordMetric("loss_upper", float64(res.Terms.Upper))
	}

	return res, nil
}

// Fit runs opts.Steps optimizer steps, stopping early when ctx is done.
//
// Returns:
//   - []float32: The loss of every completed step.
//   - error: The context error or the first step error.
func (f *Fitter) Fit(ctx context.Context, targets []lanes.Target) ([]float32, error) {
	history := make([]float32, 0, f.opts.Steps)
	for step := 0; step < f.opts.Steps; step++ {
		select {
		case <-ctx.Done():
			return history, ctx.Err()
		default:
		}

		res, err := f.Step(targets)
		if err != nil {
			return history, errors.Wrapf(err, "step %d", step)
		}
		history = append(history, res.Loss)

		if f.opts.LogEvery > 0 && step%f.opts.LogEvery == 0 {
			f.logger.WithFields(logrus.Fields{
				"step":  step,
				"loss":  res.Loss,
				"class": res.Terms.Class,
				"curve": res.Terms.Curve,
				"lower": res.Terms.Lower,
				"upper": res.Terms.Upper,
			}).Info("🔁 fit step")
		}
	}

	return history, nil
}

// Predictions returns a copy of the current parameters.
func (f *Fitter) Predictions() (*lanes.Predictions, error) {
	return lanes.NewPredictions(f.batch, f.slots, clone(f.logits), clone(f.curves))
}

// Assignments matches the current parameters against targets without a graph.
func (f *Fitter) Assignments(targets []lanes.Target) ([]matcher.Assignment, error) {
	preds, err := f.Predictions()
	if err != nil {
		return nil, err
	}
	return f.criterion.SolveAssignment(preds, targets)
}

func clone(s []float32) []float32 {
	out := make([]float32, len(s))
	copy(out, s)
	return out
}
