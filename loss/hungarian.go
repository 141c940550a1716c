package loss

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-lanes/config"
	"github.com/nvr-ai/go-lanes/lanes"
	"github.com/nvr-ai/go-lanes/matcher"
)

// Hungarian is the set-based lane loss: slots are matched to lanes by an
// optimal assignment on detached costs, then the same cost terms are rebuilt
// on the expression graph for the matched pairs only.
type Hungarian struct {
	matcher   *matcher.Matcher
	weights   config.Weights
	reduction config.Reduction
	logger    logrus.FieldLogger
}

// NewHungarian creates the Hungarian lane loss.
func NewHungarian(cfg config.Config, opts ...Option) (*Hungarian, error) {
	o := options{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	m, err := matcher.New(cfg, matcher.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	return &Hungarian{
		matcher:   m,
		weights:   cfg.Weights,
		reduction: cfg.Reduction,
		logger:    o.logger,
	}, nil
}

// SolveAssignment matches plain prediction values against targets. Nothing it
// returns is tracked on a graph.
func (h *Hungarian) SolveAssignment(preds *lanes.Predictions, targets []lanes.Target) ([]matcher.Assignment, error) {
	return h.matcher.SolveAssignment(preds, targets)
}

// ComputeLoss runs the network, matches its outputs against targets and
// returns the differentiable loss with gradients for every learnable.
//
// The loss is
//
//	w_class·BCE(all slots) + (w_curve·curve + w_lower·lower + w_upper·upper) / pairs
//
// where BCE labels matched slots 1 and every other slot 0, and pairs is the number
// of matched pairs for the mean reduction (1 for the sum reduction).
//
// Arguments:
//   - forward: Builds the network on a fresh graph.
//   - targets: One Target per image.
//
// Returns:
//   - *Result: Loss value, its components, the assignments and the gradients.
//   - error: Errors from the network, the matcher or the graph machine. A lane
//     dropped for a non-finite cost is reported on its image's Assignment.Err as
//     matcher.ErrNonFiniteCost; the call itself fails only when every image has one.
func (h *Hungarian) ComputeLoss(forward Forward, targets []lanes.Target) (*Result, error) {
	g := G.NewGraph()

	out, err := forward(g)
	if err != nil {
		return nil, errors.Wrap(err, "network forward failed")
	}
	if out == nil || out.Logits == nil || out.Curves == nil {
		return nil, errors.New("network forward returned no outputs")
	}

	preds, err := h.evaluate(g, out)
	if err != nil {
		return nil, err
	}

	assignments, err := h.matcher.SolveAssignment(preds, targets)
	if err != nil {
		return nil, err
	}
	// Forbidden pairs are never matched, so a faulty image only loses the
	// supervision of its dropped lanes. The batch fails when no image is left.
	var failed []error
	for _, a := range assignments {
		if a.Err != nil {
			failed = append(failed, a.Err)
		}
	}
	if len(failed) > 0 {
		if len(failed) == len(assignments) {
			return nil, errors.Wrapf(failed[0], "all %d images failed", len(failed))
		}
		h.logger.WithFields(logrus.Fields{
			"images": len(assignments),
			"failed": len(failed),
		}).Warn("⚠️  loss computed without lanes of faulty images")
	}

	built, err := h.build(g, out, preds, targets, assignments)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build loss graph")
	}

	if len(out.Learnables) > 0 {
		if _, err := G.Grad(built.loss, out.Learnables...); err != nil {
			return nil, errors.Wrap(err, "failed to differentiate loss")
		}
	}

	vm := G.NewTapeMachine(g, G.BindDualValues(out.Learnables...))
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "failed to run loss graph")
	}

	result := &Result{
		Assignments: assignments,
		Graph:       g,
		Node:        built.loss,
	}
	if result.Loss, err = scalar(built.loss); err != nil {
		return nil, err
	}
	for _, t := range []struct {
		dst  *float32
		node *G.Node
	}{
		{&result.Terms.Class, built.class},
		{&result.Terms.Curve, built.curve},
		{&result.Terms.Lower, built.lower},
		{&result.Terms.Upper, built.upper},
	} {
		if *t.dst, err = scalar(t.node); err != nil {
			return nil, err
		}
	}

	for _, n := range out.Learnables {
		grad, err := n.Grad()
		if err != nil {
			return nil, errors.Wrapf(err, "no gradient for %s", n.Name())
		}
		result.Gradients = append(result.Gradients, grad)
	}

	return result, nil
}

// evaluate runs the forward pass alone and copies the outputs into plain predictions.
func (h *Hungarian) evaluate(g *G.ExprGraph, out *Outputs) (*lanes.Predictions, error) {
	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "failed to run network forward")
	}

	logits, ok := out.Logits.Value().(tensor.Tensor)
	if !ok {
		return nil, errors.Errorf("logits value %T is not a tensor", out.Logits.Value())
	}
	curves, ok := out.Curves.Value().(tensor.Tensor)
	if !ok {
		return nil, errors.Errorf("curves value %T is not a tensor", out.Curves.Value())
	}

	return lanes.PredictionsFromTensors(logits, curves)
}

type lossNodes struct {
	loss, class, curve, lower, upper *G.Node
}

func scalar(n *G.Node) (float32, error) {
	v, ok := n.Value().Data().(float32)
	if !ok {
		return 0, errors.Errorf("%s holds %T, want float32", n.Name(), n.Value().Data())
	}
	return v, nil
}

func constant(g *G.ExprGraph, name string, rows, cols int, data []float32) *G.Node {
	return G.NewMatrix(g, tensor.Float32,
		G.WithShape(rows, cols),
		G.WithName(name),
		G.WithValue(tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))))
}

// build appends the loss on the matched pairs to g.
//
// Matched slots are gathered with a one-hot selection matrix so that a batch
// without any lane still yields a connected graph: the single padding row
// selects nothing and every per-pair mask is zero.
func (h *Hungarian) build(g *G.ExprGraph, out *Outputs, preds *lanes.Predictions, targets []lanes.Target, assignments []matcher.Assignment) (*lossNodes, error) {
	batch, slots := preds.Batch(), preds.Slots()
	bq := batch * slots

	gt := lanes.Flatten(targets)
	ys, err := lanes.CheckGrid(gt)
	if err != nil {
		return nil, err
	}
	norm, valid, err := lanes.Normalize(gt)
	if err != nil {
		return nil, err
	}

	offsets := make([]int, len(targets))
	for b := 1; b < len(targets); b++ {
		offsets[b] = offsets[b-1] + len(targets[b-1].Lanes)
	}

	type match struct{ row, lane int }
	var matches []match
	labels := make([]float32, bq)
	for _, a := range assignments {
		for _, p := range a.Pairs {
			row := a.Image*slots + p.Slot
			matches = append(matches, match{row: row, lane: offsets[a.Image] + p.Lane})
			labels[row] = 1
		}
	}

	pairs := len(matches)
	rows := pairs
	if rows == 0 {
		rows = 1
	}
	points := len(ys)
	if points == 0 {
		points = 1
	}

	sel := make([]float32, rows*bq)
	pairMask := make([]float32, rows)
	upperT := make([]float32, rows)
	lowerT := make([]float32, rows)
	xT := make([]float32, rows*points)
	yGrid := make([]float32, rows*points)
	weight := make([]float32, rows*points)

	for r, m := range matches {
		sel[r*bq+m.row] = 1
		pairMask[r] = 1
		lane := gt[m.lane]
		upperT[r] = lane.Upper
		lowerT[r] = lane.Lower

		slot := preds.Slot(m.row/slots, m.row%slots)
		for n, p := range lane.Points {
			i := r*points + n
			xT[i] = p.X
			yGrid[i] = p.Y
			if valid[m.lane][n] {
				weight[i] = norm[m.lane]
				continue
			}
			// Masked samples are moved off the pole so 0·Inf cannot reach the sum.
			if p.Y == slot.Coefficients[1] {
				yGrid[i] = p.Y + 1
			}
			xT[i] = 0
		}
	}
	if pairs == 0 {
		for i := range yGrid {
			yGrid[i] = 1
		}
	}

	// Gather the matched slots.
	curves, err := G.Reshape(out.Curves, tensor.Shape{bq, lanes.CurveFields})
	if err != nil {
		return nil, err
	}
	matched, err := G.Mul(constant(g, "lane.select", rows, bq, sel), curves)
	if err != nil {
		return nil, err
	}

	ones := make([]float32, points)
	for i := range ones {
		ones[i] = 1
	}
	onesRow := constant(g, "lane.ones", 1, points, ones)

	// column returns field j of every matched slot as a (rows, 1) node.
	column := func(j int) (*G.Node, error) {
		e := make([]float32, lanes.CurveFields)
		e[j] = 1
		return G.Mul(matched, constant(g, fmt.Sprintf("lane.field%d", j), lanes.CurveFields, 1, e))
	}
	// spread repeats field j across the sample columns as a (rows, points) node.
	spread := func(j int) (*G.Node, error) {
		c, err := column(j)
		if err != nil {
			return nil, err
		}
		return G.Mul(c, onesRow)
	}

	lowerCol, err := column(0)
	if err != nil {
		return nil, err
	}
	upperCol, err := column(1)
	if err != nil {
		return nil, err
	}

	fields := make([]*G.Node, 6)
	for i := range fields {
		if fields[i], err = spread(2 + i); err != nil {
			return nil, err
		}
	}
	k, f, m, n, b1, b2 := fields[0], fields[1], fields[2], fields[3], fields[4], fields[5]

	y := constant(g, "lane.y", rows, points, yGrid)
	x, err := projectNode(y, k, f, m, n, b1, b2)
	if err != nil {
		return nil, err
	}

	diff, err := G.Sub(x, constant(g, "lane.x", rows, points, xT))
	if err != nil {
		return nil, err
	}
	curveTerm, err := maskedL1Sum(diff, constant(g, "lane.weight", rows, points, weight))
	if err != nil {
		return nil, err
	}

	mask := constant(g, "lane.pairs", rows, 1, pairMask)
	lowerDiff, err := G.Sub(lowerCol, constant(g, "lane.upper_t", rows, 1, upperT))
	if err != nil {
		return nil, err
	}
	lowerTerm, err := maskedL1Sum(lowerDiff, mask)
	if err != nil {
		return nil, err
	}
	upperDiff, err := G.Sub(upperCol, constant(g, "lane.lower_t", rows, 1, lowerT))
	if err != nil {
		return nil, err
	}
	upperTerm, err := maskedL1Sum(upperDiff, mask)
	if err != nil {
		return nil, err
	}

	denom := float32(1)
	if h.reduction == config.ReductionMean && pairs > 0 {
		denom = float32(pairs)
	}
	for _, term := range []**G.Node{&curveTerm, &lowerTerm, &upperTerm} {
		if *term, err = G.Div(*term, G.NewConstant(denom)); err != nil {
			return nil, err
		}
	}

	classTerm, err := bceWithLogits(g, out.Logits, bq, labels)
	if err != nil {
		return nil, err
	}

	total, err := weightedSum(
		[]*G.Node{classTerm, curveTerm, lowerTerm, upperTerm},
		[]float32{h.weights.Class, h.weights.Curve, h.weights.Lower, h.weights.Upper},
	)
	if err != nil {
		return nil, err
	}

	h.logger.WithFields(logrus.Fields{
		"images": batch,
		"pairs":  pairs,
	}).Debug("🔍 lane loss graph built")

	return &lossNodes{loss: total, class: classTerm, curve: curveTerm, lower: lowerTerm, upper: upperTerm}, nil
}

// projectNode evaluates x = k/(y-f)² + m/(y-f) + n + b₁·y - b₂ element-wise.
func projectNode(y, k, f, m, n, b1, b2 *G.Node) (*G.Node, error) {
	d, err := G.Sub(y, f)
	if err != nil {
		return nil, err
	}
	d2, err := G.Square(d)
	if err != nil {
		return nil, err
	}
	quad, err := G.HadamardDiv(k, d2)
	if err != nil {
		return nil, err
	}
	lin, err := G.HadamardDiv(m, d)
	if err != nil {
		return nil, err
	}
	slope, err := G.HadamardProd(b1, y)
	if err != nil {
		return nil, err
	}

	x, err := G.Add(quad, lin)
	if err != nil {
		return nil, err
	}
	if x, err = G.Add(x, n); err != nil {
		return nil, err
	}
	if x, err = G.Add(x, slope); err != nil {
		return nil, err
	}
	return G.Sub(x, b2)
}

// maskedL1Sum returns Σ |diff| ⊙ weight.
func maskedL1Sum(diff, weight *G.Node) (*G.Node, error) {
	abs, err := G.Abs(diff)
	if err != nil {
		return nil, err
	}
	weighted, err := G.HadamardProd(abs, weight)
	if err != nil {
		return nil, err
	}
	return G.Sum(weighted)
}

// bceWithLogits is mean(softplus(z) - t·z), the binary cross entropy of sigmoid(z) against t.
func bceWithLogits(g *G.ExprGraph, logits *G.Node, size int, labels []float32) (*G.Node, error) {
	z, err := G.Reshape(logits, tensor.Shape{size})
	if err != nil {
		return nil, err
	}
	t := G.NewVector(g, tensor.Float32,
		G.WithShape(size),
		G.WithName("lane.labels"),
		G.WithValue(tensor.New(tensor.WithShape(size), tensor.WithBacking(labels))))

	sp, err := G.Softplus(z)
	if err != nil {
		return nil, err
	}
	tz, err := G.HadamardProd(t, z)
	if err != nil {
		return nil, err
	}
	bce, err := G.Sub(sp, tz)
	if err != nil {
		return nil, err
	}
	return G.Mean(bce)
}

func weightedSum(terms []*G.Node, weights []float32) (*G.Node, error) {
	var total *G.Node
	for i, term := range terms {
		scaled, err := G.Mul(term, G.NewConstant(weights[i]))
		if err != nil {
			return nil, err
		}
		if total == nil {
			total = scaled
			continue
		}
		if total, err = G.Add(total, scaled); err != nil {
			return nil, err
		}
	}
	return total, nil
}
