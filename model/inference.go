package model

import (
	"github.com/pkg/errors"
	"github.com/samuelfneumann/golvm"
	"github.com/samuelfneumann/golvm/distribution"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// iterativeInference refines every level's posterior over
// cfg.Iterations encode-update cycles. Each cycle runs a generative
// pass from the committed posterior state, derives error signals from
// it, computes every level's parameter update from those signals, and
// only then commits the updates, so that all levels within a cycle
// read the same state.
func (m *DenseModel) iterativeInference(nSamples int) error {
	for it := 0; it < m.cfg.Iterations; it++ {
		if err := m.generatePass(nSamples); err != nil {
			return errors.Wrapf(err, "iteration %v", it)
		}
		if err := m.recordStepELBO(nSamples); err != nil {
			return errors.Wrapf(err, "iteration %v", it)
		}

		bottomErrs, topErrs, err := m.errorSignals(nSamples)
		if err != nil {
			return errors.Wrapf(err, "iteration %v", it)
		}

		means := make([]*G.Node, len(m.levels))
		logVars := make([]*G.Node, len(m.levels))
		for i, lvl := range m.levels {
			enc, err := lvl.buildEncoding(bottomErrs[i], topErrs[i])
			if err != nil {
				return errors.Wrapf(err, "iteration %v: level %v", it, i)
			}
			means[i], logVars[i], err = lvl.computeUpdate(enc)
			if err != nil {
				return errors.Wrapf(err, "iteration %v: level %v", it, i)
			}
		}

		for i, lvl := range m.levels {
			if err := lvl.variable.Update(means[i], logVars[i]); err != nil {
				return errors.Wrapf(err, "iteration %v: level %v", it, i)
			}
		}
	}

	// A final generative pass reflects the last committed update.
	if err := m.generatePass(nSamples); err != nil {
		return err
	}

	return m.recordStepELBO(nSamples)
}

// feedforwardInference estimates every posterior in one bottom-up
// sweep: the bottom encoder reads the observation and each level
// above reads the encoder output of the level below.
func (m *DenseModel) feedforwardInference() error {
	input := m.obs
	for i, lvl := range m.levels {
		hidden, err := lvl.encoder.Fwd(input)
		if err != nil {
			return errors.Wrapf(err, "level %v", i)
		}

		mean, err := lvl.meanHead.Fwd(hidden)
		if err != nil {
			return errors.Wrapf(err, "level %v", i)
		}
		logVar, err := lvl.logVarHead.Fwd(hidden)
		if err != nil {
			return errors.Wrapf(err, "level %v", i)
		}

		if err := lvl.variable.Update(mean, logVar); err != nil {
			return errors.Wrapf(err, "level %v", i)
		}

		input = hidden
	}

	return nil
}

// errorSignals derives each level's bottom-up and top-down error
// signals from the latest generative pass, each shaped
// (batch, size). The bottom level's bottom-up error is the
// observation residual; every level above receives the top-down
// error of the level below. A level's top-down error is its latent
// sample standardized under its prior.
func (m *DenseModel) errorSignals(nSamples int) (bottomErrs,
	topErrs []*G.Node, err error) {
	floor := m.g.Constant(G.NewF64(distribution.VarFloor))
	half := m.g.Constant(G.NewF64(0.5))

	bottomErrs = make([]*G.Node, len(m.levels))
	topErrs = make([]*G.Node, len(m.levels))

	recon, err := G.Mean(m.output.Mean(), 1)
	if err != nil {
		return nil, nil, errors.Wrap(err, "errorSignals")
	}
	if bottomErrs[0], err = G.Sub(m.obs, recon); err != nil {
		return nil, nil, errors.Wrap(err, "errorSignals")
	}

	for i, lvl := range m.levels {
		z, err := lvl.variable.Posterior().Sample(nSamples, false)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "errorSignals: level %v", i)
		}

		prior := lvl.variable.Prior()
		mean, err := expandParam(prior.Mean(), m.batchSize, nSamples,
			lvl.nVars)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "errorSignals: level %v", i)
		}
		logVar, err := expandParam(prior.LogVar(), m.batchSize, nSamples,
			lvl.nVars)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "errorSignals: level %v", i)
		}

		std := G.Must(G.Exp(G.Must(G.HadamardProd(half, logVar))))
		denom := G.Must(G.Add(std, floor))

		e, err := G.HadamardDiv(G.Must(G.Sub(z, mean)), denom)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "errorSignals: level %v", i)
		}
		if e, err = G.Mean(e, 1); err != nil {
			return nil, nil, errors.Wrapf(err, "errorSignals: level %v", i)
		}

		topErrs[i] = e
		if i+1 < len(m.levels) {
			bottomErrs[i+1] = e
		}
	}

	return bottomErrs, topErrs, nil
}

// expandParam lifts a distribution parameter to (batch, nSamples, n),
// repeating a singleton sample dimension when needed.
func expandParam(p *G.Node, batchSize, nSamples, n int) (*G.Node, error) {
	var err error
	if p.Shape().Dims() == 2 {
		if p, err = G.Reshape(p, tensor.Shape{batchSize, 1, n}); err != nil {
			return nil, err
		}
	}

	if p.Shape()[1] == 1 && nSamples > 1 {
		return golvm.Repeat(p, 1, nSamples)
	}
	if p.Shape()[1] != nSamples {
		return nil, errors.Wrapf(distribution.ErrShapeMismatch,
			"expandParam: parameters hold %v samples but %v were "+
				"requested", p.Shape()[1], nSamples)
	}

	return p, nil
}

// recordStepELBO appends the current batch-mean ELBO to the step
// trace.
func (m *DenseModel) recordStepELBO(nSamples int) error {
	elbo, err := m.ELBO(nSamples, true)
	if err != nil {
		return errors.Wrap(err, "recordStepELBO")
	}

	m.stepElbos = append(m.stepElbos, elbo)

	return nil
}
