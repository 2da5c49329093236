package model

import (
	"github.com/pkg/errors"
	"github.com/samuelfneumann/golvm/distribution"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// LatentVariable pairs the approximate posterior and the prior over
// the latent variables of one hierarchy level. Both are Gaussian with
// matching dimensionality.
type LatentVariable struct {
	posterior *distribution.Normal
	prior     *distribution.Normal
	nVars     int
	top       bool
}

// NewLatentVariable returns a new LatentVariable over nVars
// variables. The reset values parameterize the state the posterior
// and prior return to at the start of each batch; they are owned by
// the caller.
func NewLatentVariable(g *G.ExprGraph, nVars int, postMeanReset,
	postLogVarReset, priorMeanReset, priorLogVarReset *G.Node,
	top bool) (*LatentVariable, error) {
	posterior, err := distribution.NewNormal(g, nVars, postMeanReset,
		postLogVarReset)
	if err != nil {
		return nil, errors.Wrap(err, "newLatentVariable: posterior")
	}

	prior, err := distribution.NewNormal(g, nVars, priorMeanReset,
		priorLogVarReset)
	if err != nil {
		return nil, errors.Wrap(err, "newLatentVariable: prior")
	}

	return &LatentVariable{
		posterior: posterior,
		prior:     prior,
		nVars:     nVars,
		top:       top,
	}, nil
}

// Posterior returns the approximate posterior distribution.
func (v *LatentVariable) Posterior() *distribution.Normal {
	return v.posterior
}

// Prior returns the prior distribution.
func (v *LatentVariable) Prior() *distribution.Normal { return v.prior }

// NVars returns the number of latent variables at this level.
func (v *LatentVariable) NVars() int { return v.nVars }

// Top returns whether this variable sits at the top of the hierarchy.
func (v *LatentVariable) Top() bool { return v.top }

// ReInit resets the posterior and the prior to their learnable reset
// states for a new batch.
func (v *LatentVariable) ReInit(batchSize int) error {
	if err := v.posterior.ReInit(nil, nil, batchSize, false); err != nil {
		return errors.Wrap(err, "reInit: posterior")
	}
	if err := v.prior.ReInit(nil, nil, batchSize, false); err != nil {
		return errors.Wrap(err, "reInit: prior")
	}

	return nil
}

// Update commits new posterior parameters, invalidating the cached
// posterior sample.
func (v *LatentVariable) Update(mean, logVar *G.Node) error {
	return v.posterior.SetParams(mean, logVar, false)
}

// KLDivergence returns the element-wise KL divergence between the
// posterior and the prior, shaped (batch, nSamples, nVars).
//
// With analytical set, the closed-form Gaussian-Gaussian divergence
// is used; it requires the posterior and prior parameters to have
// identical shapes, and the result carries a singleton sample
// dimension. Otherwise the divergence is estimated by Monte Carlo as
// log q(z) - log p(z) at nSamples posterior samples.
func (v *LatentVariable) KLDivergence(analytical bool,
	nSamples int) (*G.Node, error) {
	if analytical {
		return v.analyticalKL()
	}

	z, err := v.posterior.Sample(nSamples, false)
	if err != nil {
		return nil, errors.Wrap(err, "klDivergence")
	}

	logQ, err := v.posterior.LogProb(z)
	if err != nil {
		return nil, errors.Wrap(err, "klDivergence: posterior")
	}
	logP, err := v.prior.LogProb(z)
	if err != nil {
		return nil, errors.Wrap(err, "klDivergence: prior")
	}

	return G.Sub(logQ, logP)
}

// analyticalKL computes the closed-form Gaussian-Gaussian KL
// divergence:
// 0.5 * (logVarP - logVarQ + (varQ + (meanQ - meanP)^2)/varP - 1).
func (v *LatentVariable) analyticalKL() (*G.Node, error) {
	meanQ, logVarQ := v.posterior.Mean(), v.posterior.LogVar()
	meanP, logVarP := v.prior.Mean(), v.prior.LogVar()

	if meanQ == nil || logVarQ == nil || meanP == nil || logVarP == nil {
		return nil, errors.Wrap(distribution.ErrUnsetState, "analyticalKL")
	}
	if !meanQ.Shape().Eq(meanP.Shape()) ||
		!logVarQ.Shape().Eq(logVarP.Shape()) {
		return nil, errors.Wrapf(distribution.ErrShapeMismatch,
			"analyticalKL: posterior shape %v does not match prior "+
				"shape %v", meanQ.Shape(), meanP.Shape())
	}

	g := meanQ.Graph()
	half := g.Constant(G.NewF64(0.5))
	one := g.Constant(G.NewF64(1.0))

	varQ := G.Must(G.Exp(logVarQ))
	varP := G.Must(G.Exp(logVarP))

	diff := G.Must(G.Square(G.Must(G.Sub(meanQ, meanP))))
	ratio := G.Must(G.HadamardDiv(G.Must(G.Add(varQ, diff)), varP))

	kl := G.Must(G.Sub(logVarP, logVarQ))
	kl = G.Must(G.Add(kl, ratio))
	kl = G.Must(G.Sub(kl, one))
	kl = G.Must(G.HadamardProd(half, kl))

	// Insert a singleton sample dimension so the reduction over KL
	// terms is uniform across analytic and sampled estimates.
	if kl.Shape().Dims() == 2 {
		shape := kl.Shape()
		kl = G.Must(G.Reshape(kl, tensor.Shape{shape[0], 1, shape[1]}))
	}

	return kl, nil
}
