// Package loss - Lane loss strategies and the set-based Hungarian lane loss.
package loss

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-lanes/config"
	"github.com/nvr-ai/go-lanes/lanes"
	"github.com/nvr-ai/go-lanes/matcher"
)

// ErrMethodNotCurveBased is returned for methods that supervise per-pixel
// segmentation maps instead of lane curves.
var ErrMethodNotCurveBased = errors.New("method does not supervise lane curves")

// Outputs are the network outputs on an expression graph.
type Outputs struct {
	// Logits is the (B, Q) or (B, Q, 1) objectness node.
	Logits *gorgonia.Node
	// Curves is the (B, Q, lanes.CurveFields) node: lower, upper and six curve coefficients.
	Curves *gorgonia.Node
	// Learnables are the nodes that receive gradients.
	Learnables gorgonia.Nodes
}

// Forward builds the network on g and returns its outputs.
type Forward func(g *gorgonia.ExprGraph) (*Outputs, error)

// Terms are the unweighted, reduced loss components.
type Terms struct {
	Class float32 `json:"class"`
	Curve float32 `json:"curve"`
	Lower float32 `json:"lower"`
	Upper float32 `json:"upper"`
}

// Result is the outcome of one loss evaluation.
type Result struct {
	// Loss is the weighted scalar loss.
	Loss float32
	// Terms are the components before weighting.
	Terms Terms
	// Assignments are the matchings the loss was computed on. An image whose
	// Err is set contributed only the lanes that kept a slot.
	Assignments []matcher.Assignment
	// Gradients holds d(Loss)/d(learnable), aligned with Outputs.Learnables.
	Gradients []gorgonia.Value
	// Graph is the expression graph holding the network and the loss.
	Graph *gorgonia.ExprGraph
	// Node is the scalar loss node on Graph.
	Node *gorgonia.Node
}

// Criterion computes a training loss from network outputs and targets.
type Criterion interface {
	ComputeLoss(forward Forward, targets []lanes.Target) (*Result, error)
}

// Option configures a criterion.
type Option func(*options)

type options struct {
	logger logrus.FieldLogger
}

// WithLogger sets the logger for the criterion and its matcher.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NewCriterion creates the loss strategy selected by cfg.Method.
//
// Arguments:
//   - cfg: The configuration; Validate is called first.
//   - opts: Optional settings.
//
// Returns:
//   - Criterion: The loss strategy.
//   - error: A configuration error, or ErrMethodNotCurveBased for the segmentation
//     methods (baseline, sad) which are not implemented here.
//
// @example
// cfg := config.DefaultConfig()
// criterion, err := NewCriterion(cfg)
//
//	if err != nil {
//	    log.Fatalf("Failed to create lane loss: %v", err)
//	}
//
// result, err := criterion.ComputeLoss(net.Forward, targets)
func NewCriterion(cfg config.Config, opts ...Option) (Criterion, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	method, err := config.ParseMethod(string(cfg.Method))
	if err != nil {
		return nil, err
	}

	switch method {
	case config.MethodHungarian:
		return NewHungarian(cfg, opts...)
	case config.MethodBaseline, config.MethodSAD:
		return nil, errors.Wrapf(ErrMethodNotCurveBased, "%q", method)
	default:
		return nil, errors.Wrapf(config.ErrUnsupportedMethod, "%q", method)
	}
}
