package distribution

import (
	"github.com/pkg/errors"
	"github.com/samuelfneumann/golvm"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Bernoulli is a batch of independent Bernoulli distributions
// parameterized by a mean node with values in (0, 1). It is used as
// an observation likelihood head for binary data.
//
// Bernoulli has no log variance; LogVar returns nil, and SetParams
// and ReInit reject log variance values. Cdf and LogProbInterval are
// unsupported.
type Bernoulli struct {
	g *G.ExprGraph

	meanReset *G.Node // shape (nVars), may be nil

	mean   *G.Node
	sample *G.Node

	nVars     int
	batchSize int
	nSamples  int
	sampleDim bool
}

// NewBernoulli returns a new Bernoulli over nVars variables. The
// reset value, if given, must be a float64 vector of shape (nVars)
// holding means to fall back to on ReInit.
func NewBernoulli(g *G.ExprGraph, nVars int, meanReset *G.Node) (*Bernoulli,
	error) {
	if g == nil {
		return nil, errors.New("newBernoulli: no graph given")
	}
	if nVars < 1 {
		return nil, errors.Errorf("newBernoulli: expected nVars >= 1, "+
			"got %v", nVars)
	}
	if meanReset != nil && !meanReset.Shape().Eq(tensor.Shape{nVars}) {
		return nil, errors.Wrapf(ErrShapeMismatch, "newBernoulli: expected "+
			"reset value to have shape (%v), got %v", nVars,
			meanReset.Shape())
	}

	return &Bernoulli{
		g:         g,
		meanReset: meanReset,
		nVars:     nVars,
	}, nil
}

// ReInit implements Distribution. logVar must be nil.
func (b *Bernoulli) ReInit(mean, logVar *G.Node, batchSize int,
	sampleDim bool) error {
	if logVar != nil {
		return errors.Wrap(ErrUnsupported, "reInit: bernoulli has no log "+
			"variance")
	}
	if batchSize < 1 {
		return errors.Errorf("reInit: expected batchSize >= 1, got %v",
			batchSize)
	}

	if mean == nil {
		if b.meanReset == nil {
			return errors.Wrap(ErrUnsetState, "reInit: no mean value given "+
				"and no reset value to fall back to")
		}
		mean = G.Must(G.Reshape(b.meanReset, tensor.Shape{1, b.nVars}))
		if batchSize > 1 {
			var err error
			if mean, err = golvm.Repeat(mean, 0, batchSize); err != nil {
				return errors.Wrap(err, "reInit")
			}
		}
	} else if !mean.Shape().Eq(tensor.Shape{batchSize, b.nVars}) {
		return errors.Wrapf(ErrShapeMismatch, "reInit: expected mean shape "+
			"(%v, %v), got %v", batchSize, b.nVars, mean.Shape())
	}

	if sampleDim {
		mean = G.Must(G.Reshape(mean, tensor.Shape{batchSize, 1, b.nVars}))
	}

	b.mean = mean
	b.sample = nil
	b.nSamples = 0
	b.batchSize = batchSize
	b.sampleDim = sampleDim

	return nil
}

// SetParams implements Distribution. logVar must be nil.
func (b *Bernoulli) SetParams(mean, logVar *G.Node, sampleDim bool) error {
	if logVar != nil {
		return errors.Wrap(ErrUnsupported, "setParams: bernoulli has no "+
			"log variance")
	}
	if mean == nil {
		return errors.Wrap(ErrUnsetState, "setParams")
	}

	dims := mean.Shape().Dims()
	if sampleDim && dims != 3 || !sampleDim && dims != 2 {
		return errors.Wrapf(ErrShapeMismatch, "setParams: got mean shape "+
			"%v with sampleDim=%v", mean.Shape(), sampleDim)
	}
	if mean.Shape()[dims-1] != b.nVars {
		return errors.Wrapf(ErrShapeMismatch, "setParams: expected %v "+
			"variables, got shape %v", b.nVars, mean.Shape())
	}

	b.mean = mean
	b.sample = nil
	b.nSamples = 0
	b.batchSize = mean.Shape()[0]
	b.sampleDim = sampleDim

	return nil
}

// Sample implements Distribution. The sample is a 0/1 tensor obtained
// by thresholding uniform noise against the mean; it is not
// differentiable with respect to the mean.
func (b *Bernoulli) Sample(nSamples int, resample bool) (*G.Node, error) {
	if b.mean == nil {
		return nil, errors.Wrap(ErrUnsetState, "sample")
	}
	if nSamples < 1 {
		return nil, errors.Errorf("sample: expected nSamples >= 1, got %v",
			nSamples)
	}

	if b.sample != nil && !resample && nSamples == b.nSamples {
		return b.sample, nil
	}

	mean, err := b.expand(nSamples)
	if err != nil {
		return nil, errors.Wrap(err, "sample")
	}

	noise := G.UniformRandomNode(b.g, tensor.Float64, 0, 1, b.batchSize,
		nSamples, b.nVars)

	sample, err := G.Lt(noise, mean, true)
	if err != nil {
		return nil, errors.Wrap(err, "sample")
	}

	b.sample = sample
	b.nSamples = nSamples

	return sample, nil
}

// LogProb implements Distribution:
// value * log(mean + eps) + (1 - value) * log(1 - mean + eps).
func (b *Bernoulli) LogProb(value *G.Node) (*G.Node, error) {
	if b.mean == nil {
		return nil, errors.Wrap(ErrUnsetState, "logProb")
	}
	if value == nil {
		return nil, errors.New("logProb: nil value")
	}

	shape := value.Shape()
	if shape.Dims() != 3 || shape[0] != b.batchSize ||
		shape[2] != b.nVars {
		return nil, errors.Wrapf(ErrShapeMismatch, "logProb: expected "+
			"value shape (%v, nSamples, %v), got %v", b.batchSize, b.nVars,
			shape)
	}

	mean, err := b.expand(shape[1])
	if err != nil {
		return nil, errors.Wrap(err, "logProb")
	}

	one := b.g.Constant(G.NewF64(1.0))
	floor := b.g.Constant(G.NewF64(MassFloor))

	logMean := G.Must(G.Log(G.Must(G.Add(mean, floor))))
	logOneMinus := G.Must(G.Log(
		G.Must(G.Add(G.Must(G.Sub(one, mean)), floor))))

	hit := G.Must(G.HadamardProd(value, logMean))
	miss := G.Must(G.HadamardProd(G.Must(G.Sub(one, value)), logOneMinus))

	return G.Add(hit, miss)
}

// Cdf implements Distribution. It is not supported for Bernoulli.
func (b *Bernoulli) Cdf(value *G.Node) (*G.Node, error) {
	return nil, errors.Wrap(ErrUnsupported, "cdf: bernoulli")
}

// LogProbInterval implements Distribution. It is not supported for
// Bernoulli.
func (b *Bernoulli) LogProbInterval(lo, hi *G.Node) (*G.Node, error) {
	return nil, errors.Wrap(ErrUnsupported, "logProbInterval: bernoulli")
}

// Mean implements Distribution.
func (b *Bernoulli) Mean() *G.Node { return b.mean }

// LogVar implements Distribution. Bernoulli has no log variance.
func (b *Bernoulli) LogVar() *G.Node { return nil }

// NVars implements Distribution.
func (b *Bernoulli) NVars() int { return b.nVars }

// BatchSize implements Distribution.
func (b *Bernoulli) BatchSize() int { return b.batchSize }

// expand returns the mean broadcast over a sample dimension of size
// nSamples, shaped (batch, nSamples, nVars).
func (b *Bernoulli) expand(nSamples int) (*G.Node, error) {
	mean := b.mean

	if !b.sampleDim {
		mean = G.Must(G.Reshape(mean,
			tensor.Shape{b.batchSize, 1, b.nVars}))
		if nSamples > 1 {
			return golvm.Repeat(mean, 1, nSamples)
		}
		return mean, nil
	}

	have := mean.Shape()[1]
	switch {
	case have == nSamples:
		return mean, nil
	case have == 1 && nSamples > 1:
		return golvm.Repeat(mean, 1, nSamples)
	default:
		return nil, errors.Wrapf(ErrShapeMismatch, "parameters hold %v "+
			"samples but %v were requested", have, nSamples)
	}
}
