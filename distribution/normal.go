package distribution

import (
	"math"

	"github.com/pkg/errors"
	"github.com/samuelfneumann/golvm"
	"github.com/samuelfneumann/gop"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Normal is a diagonal Gaussian over a batch of variables,
// parameterized by a mean and a log variance node. A Normal may hold
// a batch of independent Gaussians simultaneously: parameter tensors
// are shaped (batch, nVars), or (batch, nSamples, nVars) when the
// distribution carries a sample dimension.
//
// Sampling is reparameterized: a sample is mean + noise * std with
// std = exp(0.5 * logVar) and noise drawn from a unit Gaussian noise
// node, so gradients flow through the parameters but not the noise.
//
// The learnable reset values passed at construction are owned by the
// caller (typically the model); ReInit broadcasts them over the batch
// but never mutates them.
type Normal struct {
	g *G.ExprGraph

	meanReset   *G.Node // shape (nVars), may be nil
	logVarReset *G.Node // shape (nVars), may be nil

	mean   *G.Node
	logVar *G.Node
	sample *G.Node

	nVars     int
	batchSize int
	nSamples  int
	sampleDim bool
}

// NewNormal returns a new Normal over nVars variables. The reset
// values, if given, must be float64 vectors of shape (nVars); they
// provide the default parameters used by ReInit. Either may be nil
// for distributions whose parameters are always computed externally
// and committed with SetParams.
func NewNormal(g *G.ExprGraph, nVars int, meanReset,
	logVarReset *G.Node) (*Normal, error) {
	if g == nil {
		return nil, errors.New("newNormal: no graph given")
	}
	if nVars < 1 {
		return nil, errors.Errorf("newNormal: expected nVars >= 1, got %v",
			nVars)
	}

	for _, reset := range []*G.Node{meanReset, logVarReset} {
		if reset == nil {
			continue
		}
		if reset.Dtype() != tensor.Float64 {
			return nil, errors.Errorf("newNormal: reset value dtype %v "+
				"unsupported", reset.Dtype())
		}
		if !reset.Shape().Eq(tensor.Shape{nVars}) {
			return nil, errors.Wrapf(ErrShapeMismatch, "newNormal: expected "+
				"reset values to have shape (%v), got %v", nVars,
				reset.Shape())
		}
	}

	return &Normal{
		g:           g,
		meanReset:   meanReset,
		logVarReset: logVarReset,
		nVars:       nVars,
	}, nil
}

// ReInit implements Distribution. Nil mean or logVar values fall back
// to the learnable reset values. Given values whose batch dimension
// disagrees with batchSize are truncated to their first row and
// repeated, matching the reset broadcast.
func (n *Normal) ReInit(mean, logVar *G.Node, batchSize int,
	sampleDim bool) error {
	if batchSize < 1 {
		return errors.Errorf("reInit: expected batchSize >= 1, got %v",
			batchSize)
	}

	var err error
	if mean == nil {
		if mean, err = n.broadcastReset(n.meanReset, batchSize); err != nil {
			return errors.Wrap(err, "reInit: mean")
		}
	} else if mean, err = n.broadcastValue(mean, batchSize); err != nil {
		return errors.Wrap(err, "reInit: mean")
	}

	if logVar == nil {
		logVar, err = n.broadcastReset(n.logVarReset, batchSize)
		if err != nil {
			return errors.Wrap(err, "reInit: log variance")
		}
	} else if logVar, err = n.broadcastValue(logVar, batchSize); err != nil {
		return errors.Wrap(err, "reInit: log variance")
	}

	if sampleDim {
		mean = G.Must(G.Reshape(mean, tensor.Shape{batchSize, 1, n.nVars}))
		logVar = G.Must(G.Reshape(logVar,
			tensor.Shape{batchSize, 1, n.nVars}))
	}

	n.mean = mean
	n.logVar = logVar
	n.sample = nil
	n.nSamples = 0
	n.batchSize = batchSize
	n.sampleDim = sampleDim

	return nil
}

// SetParams implements Distribution.
func (n *Normal) SetParams(mean, logVar *G.Node, sampleDim bool) error {
	if mean == nil || logVar == nil {
		return errors.Wrap(ErrUnsetState, "setParams")
	}
	if !mean.Shape().Eq(logVar.Shape()) {
		return errors.Wrapf(ErrShapeMismatch, "setParams: mean shape %v "+
			"does not match log variance shape %v", mean.Shape(),
			logVar.Shape())
	}

	dims := mean.Shape().Dims()
	if sampleDim && dims != 3 {
		return errors.Wrapf(ErrShapeMismatch, "setParams: expected "+
			"(batch, nSamples, nVars) parameters, got shape %v", mean.Shape())
	}
	if !sampleDim && dims != 2 {
		return errors.Wrapf(ErrShapeMismatch, "setParams: expected "+
			"(batch, nVars) parameters, got shape %v", mean.Shape())
	}
	if mean.Shape()[dims-1] != n.nVars {
		return errors.Wrapf(ErrShapeMismatch, "setParams: expected %v "+
			"variables, got shape %v", n.nVars, mean.Shape())
	}

	n.mean = mean
	n.logVar = logVar
	n.sample = nil
	n.nSamples = 0
	n.batchSize = mean.Shape()[0]
	n.sampleDim = sampleDim

	return nil
}

// Sample implements Distribution.
func (n *Normal) Sample(nSamples int, resample bool) (*G.Node, error) {
	if n.mean == nil || n.logVar == nil {
		return nil, errors.Wrap(ErrUnsetState, "sample")
	}
	if nSamples < 1 {
		return nil, errors.Errorf("sample: expected nSamples >= 1, got %v",
			nSamples)
	}

	if n.sample != nil && !resample && nSamples == n.nSamples {
		return n.sample, nil
	}

	mean, logVar, err := n.expand(nSamples)
	if err != nil {
		return nil, errors.Wrap(err, "sample")
	}

	half := n.g.Constant(G.NewF64(0.5))
	std := G.Must(G.Exp(G.Must(G.HadamardProd(half, logVar))))

	noise := G.GaussianRandomNode(n.g, tensor.Float64, 0, 1, n.batchSize,
		nSamples, n.nVars)

	sample := G.Must(G.Add(G.Must(G.HadamardProd(noise, std)), mean))

	n.sample = sample
	n.nSamples = nSamples

	return sample, nil
}

// LogProb implements Distribution. A nil value evaluates the current
// sample, drawing one if necessary.
func (n *Normal) LogProb(value *G.Node) (*G.Node, error) {
	if n.mean == nil || n.logVar == nil {
		return nil, errors.Wrap(ErrUnsetState, "logProb")
	}

	var err error
	if value == nil {
		if value, err = n.Sample(1, false); err != nil {
			return nil, errors.Wrap(err, "logProb")
		}
	}

	if err := n.checkValue(value); err != nil {
		return nil, errors.Wrap(err, "logProb")
	}

	mean, logVar, err := n.expand(value.Shape()[1])
	if err != nil {
		return nil, errors.Wrap(err, "logProb")
	}

	negHalf := n.g.Constant(G.NewF64(-0.5))
	log2Pi := n.g.Constant(G.NewF64(math.Log(2 * math.Pi)))
	floor := n.g.Constant(G.NewF64(VarFloor))

	diff := G.Must(G.Square(G.Must(G.Sub(value, mean))))
	variance := G.Must(G.Add(G.Must(G.Exp(logVar)), floor))

	lp := G.Must(G.Add(logVar, log2Pi))
	lp = G.Must(G.Add(lp, G.Must(G.HadamardDiv(diff, variance))))

	return G.HadamardProd(negHalf, lp)
}

// Cdf implements Distribution via the error function:
// 0.5 * (1 + erf((value - mean) / (sqrt(2) * std + eps))).
func (n *Normal) Cdf(value *G.Node) (*G.Node, error) {
	if n.mean == nil || n.logVar == nil {
		return nil, errors.Wrap(ErrUnsetState, "cdf")
	}
	if err := n.checkValue(value); err != nil {
		return nil, errors.Wrap(err, "cdf")
	}

	mean, logVar, err := n.expand(value.Shape()[1])
	if err != nil {
		return nil, errors.Wrap(err, "cdf")
	}

	half := n.g.Constant(G.NewF64(0.5))
	one := n.g.Constant(G.NewF64(1.0))
	rootTwo := n.g.Constant(G.NewF64(math.Sqrt(2.0)))
	floor := n.g.Constant(G.NewF64(VarFloor))

	std := G.Must(G.Exp(G.Must(G.HadamardProd(half, logVar))))
	denom := G.Must(G.Add(G.Must(G.HadamardProd(rootTwo, std)), floor))

	z := G.Must(G.HadamardDiv(G.Must(G.Sub(value, mean)), denom))
	erf, err := gop.Erf(z)
	if err != nil {
		return nil, errors.Wrap(err, "cdf")
	}

	return G.HadamardProd(half, G.Must(G.Add(one, erf)))
}

// LogProbInterval implements Distribution.
func (n *Normal) LogProbInterval(lo, hi *G.Node) (*G.Node, error) {
	if lo == nil || hi == nil {
		return nil, errors.New("logProbInterval: nil interval bound")
	}
	if !lo.Shape().Eq(hi.Shape()) {
		return nil, errors.Wrapf(ErrShapeMismatch, "logProbInterval: "+
			"interval bounds have shapes %v and %v", lo.Shape(), hi.Shape())
	}

	cdfLo, err := n.Cdf(lo)
	if err != nil {
		return nil, errors.Wrap(err, "logProbInterval")
	}
	cdfHi, err := n.Cdf(hi)
	if err != nil {
		return nil, errors.Wrap(err, "logProbInterval")
	}

	floor := n.g.Constant(G.NewF64(MassFloor))
	mass := G.Must(G.Add(G.Must(G.Sub(cdfHi, cdfLo)), floor))

	return G.Log(mass)
}

// Mean implements Distribution.
func (n *Normal) Mean() *G.Node { return n.mean }

// LogVar implements Distribution.
func (n *Normal) LogVar() *G.Node { return n.logVar }

// NVars implements Distribution.
func (n *Normal) NVars() int { return n.nVars }

// BatchSize implements Distribution.
func (n *Normal) BatchSize() int { return n.batchSize }

// SampleDim returns whether the current parameters carry an explicit
// sample dimension.
func (n *Normal) SampleDim() bool { return n.sampleDim }

// broadcastReset broadcasts a learnable reset value of shape (nVars)
// to shape (batchSize, nVars).
func (n *Normal) broadcastReset(reset *G.Node, batchSize int) (*G.Node,
	error) {
	if reset == nil {
		return nil, errors.Wrap(ErrUnsetState, "no value given and no "+
			"reset value to fall back to")
	}

	out := G.Must(G.Reshape(reset, tensor.Shape{1, n.nVars}))
	if batchSize > 1 {
		var err error
		if out, err = golvm.Repeat(out, 0, batchSize); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// broadcastValue coerces an explicit (batch, nVars) parameter value to
// the requested batch size, truncating to the first row and repeating
// when the batch dimensions disagree.
func (n *Normal) broadcastValue(value *G.Node, batchSize int) (*G.Node,
	error) {
	shape := value.Shape()
	if shape.Dims() != 2 || shape[1] != n.nVars {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected shape "+
			"(batch, %v), got %v", n.nVars, shape)
	}

	if shape[0] == batchSize {
		return value, nil
	}

	row := G.Must(G.Slice(value, G.S(0, 1)))
	row = G.Must(G.Reshape(row, tensor.Shape{1, n.nVars}))
	if batchSize == 1 {
		return row, nil
	}

	return golvm.Repeat(row, 0, batchSize)
}

// expand returns the parameters broadcast over a sample dimension of
// size nSamples, shaped (batch, nSamples, nVars).
func (n *Normal) expand(nSamples int) (mean, logVar *G.Node, err error) {
	mean, logVar = n.mean, n.logVar

	if !n.sampleDim {
		shape := tensor.Shape{n.batchSize, 1, n.nVars}
		mean = G.Must(G.Reshape(mean, shape))
		logVar = G.Must(G.Reshape(logVar, shape))
		if nSamples > 1 {
			if mean, err = golvm.Repeat(mean, 1, nSamples); err != nil {
				return nil, nil, err
			}
			if logVar, err = golvm.Repeat(logVar, 1, nSamples); err != nil {
				return nil, nil, err
			}
		}
		return mean, logVar, nil
	}

	have := mean.Shape()[1]
	switch {
	case have == nSamples:
		return mean, logVar, nil
	case have == 1 && nSamples > 1:
		if mean, err = golvm.Repeat(mean, 1, nSamples); err != nil {
			return nil, nil, err
		}
		if logVar, err = golvm.Repeat(logVar, 1, nSamples); err != nil {
			return nil, nil, err
		}
		return mean, logVar, nil
	default:
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "parameters hold "+
			"%v samples but %v were requested", have, nSamples)
	}
}

// checkValue validates that value is shaped (batch, nSamples, nVars)
// consistently with the current parameters.
func (n *Normal) checkValue(value *G.Node) error {
	if value == nil {
		return errors.New("nil value")
	}

	shape := value.Shape()
	if shape.Dims() != 3 {
		return errors.Wrapf(ErrShapeMismatch, "expected value shape "+
			"(batch, nSamples, nVars), got %v", shape)
	}
	if shape[0] != n.batchSize || shape[2] != n.nVars {
		return errors.Wrapf(ErrShapeMismatch, "expected value shape "+
			"(%v, nSamples, %v), got %v", n.batchSize, n.nVars, shape)
	}

	return nil
}
