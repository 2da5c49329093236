package model

import (
	"github.com/pkg/errors"
	"github.com/samuelfneumann/golvm"
	"github.com/samuelfneumann/golvm/distribution"
	"github.com/samuelfneumann/golvm/network"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// DenseModel is a Model whose inference and generative networks are
// dense feedforward networks. Observations are flat feature vectors;
// image data is flattened before use.
type DenseModel struct {
	g   *G.ExprGraph
	cfg Config

	levels []*LatentLevel // bottom to top

	output         distribution.Distribution
	outputMeanHead *network.Linear
	outputLogVar   *G.Node // learned constant, gaussian outputs only

	obsSize   int
	batchSize int
	obs       *G.Node

	inferred   bool
	genSamples int // sample count of the last generative pass, 0 if none
	stepElbos  []*G.Node

	inferParams G.Nodes
	genParams   G.Nodes
}

// NewDense returns a new DenseModel over g for observations of
// obsSize features. The model's learnable nodes are created
// immediately; latent state is created by ReInit.
func NewDense(g *G.ExprGraph, cfg Config, obsSize int) (*DenseModel,
	error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "newDense")
	}
	if obsSize < 1 {
		return nil, errors.Wrapf(ErrConfig, "newDense: expected "+
			"observation size >= 1, got %v", obsSize)
	}

	m := &DenseModel{g: g, cfg: cfg, obsSize: obsSize}

	nLevels := cfg.Levels()
	bottomSize := make([]int, nLevels)
	encIn := make([]int, nLevels)
	for i := 0; i < nLevels; i++ {
		if i == 0 {
			bottomSize[i] = obsSize
		} else {
			bottomSize[i] = cfg.NLatent[i-1]
		}

		// In feedforward mode each encoder reads the encoder output
		// of the level below; in iterative mode it reads the level's
		// encoding signals.
		if cfg.InferenceType == InferenceFeedforward {
			if i == 0 {
				encIn[i] = obsSize
			} else if cfg.NLayersEnc[i-1] > 0 {
				encIn[i] = cfg.NUnitsEnc[i-1]
			} else {
				encIn[i] = encIn[i-1]
			}
		} else {
			encIn[i] = encodingSize(cfg.EncodingForm, cfg.NLatent[i],
				bottomSize[i])
		}
	}

	for i := 0; i < nLevels; i++ {
		aboveHidden := 0
		if i < nLevels-1 {
			if cfg.NLayersDec[i+1] > 0 {
				aboveHidden = cfg.NUnitsDec[i+1]
			} else {
				aboveHidden = cfg.NLatent[i+1]
			}
		}

		lvl, err := newLatentLevel(g, cfg, i, encIn[i], aboveHidden)
		if err != nil {
			return nil, errors.Wrap(err, "newDense")
		}
		m.levels = append(m.levels, lvl)
		m.inferParams = append(m.inferParams, lvl.inferParams...)
		m.genParams = append(m.genParams, lvl.genParams...)
	}

	if err := m.buildOutput(); err != nil {
		return nil, errors.Wrap(err, "newDense")
	}

	return m, nil
}

// buildOutput creates the observation head and output distribution.
func (m *DenseModel) buildOutput() error {
	headIn := m.cfg.NLatent[0]
	if m.cfg.NLayersDec[0] > 0 {
		headIn = m.cfg.NUnitsDec[0]
	}

	var err error
	m.outputMeanHead, err = network.NewLinear(m.g, headIn, m.obsSize,
		"output_mean_head")
	if err != nil {
		return err
	}
	m.genParams = append(m.genParams, m.outputMeanHead.Params()...)

	switch m.cfg.OutputDistribution {
	case OutputBernoulli:
		backing := make([]float64, m.obsSize)
		for i := range backing {
			backing[i] = 0.5
		}
		meanReset := G.NewVector(m.g, tensor.Float64,
			G.WithShape(m.obsSize), G.WithName("output_mean_reset"),
			G.WithValue(tensor.New(tensor.WithShape(m.obsSize),
				tensor.WithBacking(backing))))

		m.output, err = distribution.NewBernoulli(m.g, m.obsSize,
			meanReset)
	case OutputGaussian:
		meanReset := G.NewVector(m.g, tensor.Float64,
			G.WithShape(m.obsSize), G.WithInit(G.Zeroes()),
			G.WithName("output_mean_reset"))
		m.outputLogVar = G.NewVector(m.g, tensor.Float64,
			G.WithShape(m.obsSize), G.WithInit(G.Zeroes()),
			G.WithName("output_log_var"))
		m.genParams = append(m.genParams, m.outputLogVar)

		m.output, err = distribution.NewNormal(m.g, m.obsSize, meanReset,
			m.outputLogVar)
	}

	return err
}

// ReInit implements Model.
func (m *DenseModel) ReInit(obs *G.Node) error {
	if obs == nil {
		return errors.New("reInit: nil observation")
	}
	if obs.Shape().Dims() != 2 || obs.Shape()[1] != m.obsSize {
		return errors.Wrapf(distribution.ErrShapeMismatch, "reInit: "+
			"expected observation shape (batch, %v), got %v", m.obsSize,
			obs.Shape())
	}

	batchSize := obs.Shape()[0]
	for i, lvl := range m.levels {
		if err := lvl.variable.ReInit(batchSize); err != nil {
			return errors.Wrapf(err, "reInit: level %v", i)
		}
	}
	if err := m.output.ReInit(nil, nil, batchSize, true); err != nil {
		return errors.Wrap(err, "reInit: output")
	}

	m.obs = obs
	m.batchSize = batchSize
	m.inferred = false
	m.genSamples = 0
	m.stepElbos = nil

	return nil
}

// Infer implements Model.
func (m *DenseModel) Infer(nSamples int) error {
	if m.obs == nil {
		return errors.Wrap(distribution.ErrUnsetState, "infer")
	}
	if nSamples < 1 {
		return errors.Errorf("infer: expected nSamples >= 1, got %v",
			nSamples)
	}
	if m.inferred {
		return nil
	}

	var err error
	switch m.cfg.InferenceType {
	case InferenceIterative:
		err = m.iterativeInference(nSamples)
	case InferenceFeedforward:
		err = m.feedforwardInference()
	}
	if err != nil {
		return errors.Wrap(err, "infer")
	}

	m.inferred = true

	return nil
}

// Generate implements Model.
func (m *DenseModel) Generate(nSamples int) error {
	if m.obs == nil {
		return errors.Wrap(distribution.ErrUnsetState, "generate")
	}
	if nSamples < 1 {
		return errors.Errorf("generate: expected nSamples >= 1, got %v",
			nSamples)
	}

	return m.generatePass(nSamples)
}

// generatePass decodes the current posterior state top-down. Each
// level samples its posterior, decodes the sample, and parameterizes
// the prior of the level below; the bottom level parameterizes the
// output distribution.
func (m *DenseModel) generatePass(nSamples int) error {
	for i := len(m.levels) - 1; i >= 0; i-- {
		z, err := m.levels[i].variable.Posterior().Sample(nSamples, false)
		if err != nil {
			return errors.Wrapf(err, "generatePass: level %v", i)
		}
		if err := m.decodeLevel(i, z, nSamples); err != nil {
			return errors.Wrapf(err, "generatePass: level %v", i)
		}
	}

	m.genSamples = nSamples

	return nil
}

// GenerateFromPrior runs ancestral sampling: the top level samples
// its prior, each level below samples the prior the level above just
// committed, and the bottom level parameterizes the output
// distribution. The output mean then holds generated observations
// rather than reconstructions.
func (m *DenseModel) GenerateFromPrior(nSamples int) error {
	if m.obs == nil {
		return errors.Wrap(distribution.ErrUnsetState,
			"generateFromPrior")
	}
	if nSamples < 1 {
		return errors.Errorf("generateFromPrior: expected nSamples >= 1, "+
			"got %v", nSamples)
	}

	for i := len(m.levels) - 1; i >= 0; i-- {
		z, err := m.levels[i].variable.Prior().Sample(nSamples, true)
		if err != nil {
			return errors.Wrapf(err, "generateFromPrior: level %v", i)
		}
		if err := m.decodeLevel(i, z, nSamples); err != nil {
			return errors.Wrapf(err, "generateFromPrior: level %v", i)
		}
	}

	// The generated state no longer reflects the posterior; losses
	// must rebuild it.
	m.genSamples = 0

	return nil
}

// decodeLevel decodes a (batch, nSamples, nVars) latent sample of
// level i and commits the resulting parameters one level down.
func (m *DenseModel) decodeLevel(i int, z *G.Node, nSamples int) error {
	lvl := m.levels[i]

	z2, err := G.Reshape(z, tensor.Shape{m.batchSize * nSamples, lvl.nVars})
	if err != nil {
		return err
	}

	hidden, err := lvl.decode(z2)
	if err != nil {
		return err
	}

	if i > 0 {
		return m.commitPrior(m.levels[i-1], hidden, nSamples)
	}

	return m.commitOutput(hidden, nSamples)
}

// commitPrior parameterizes the prior of a non-top level from the
// decoder hidden state of the level above, shaped
// (batch*nSamples, hidden).
func (m *DenseModel) commitPrior(below *LatentLevel, hidden *G.Node,
	nSamples int) error {
	shape := tensor.Shape{m.batchSize, nSamples, below.nVars}

	mean, err := below.priorMeanHead.Fwd(hidden)
	if err != nil {
		return errors.Wrap(err, "commitPrior")
	}
	if mean, err = G.Reshape(mean, shape); err != nil {
		return errors.Wrap(err, "commitPrior")
	}

	var logVar *G.Node
	if below.priorLVHead != nil {
		if logVar, err = below.priorLVHead.Fwd(hidden); err != nil {
			return errors.Wrap(err, "commitPrior")
		}
		if logVar, err = G.Reshape(logVar, shape); err != nil {
			return errors.Wrap(err, "commitPrior")
		}
	} else {
		if logVar, err = m.broadcastConst(below.priorLVConst, below.nVars,
			nSamples); err != nil {
			return errors.Wrap(err, "commitPrior")
		}
	}

	return below.variable.Prior().SetParams(mean, logVar, true)
}

// commitOutput parameterizes the output distribution from the bottom
// level's decoder hidden state, shaped (batch*nSamples, hidden).
func (m *DenseModel) commitOutput(hidden *G.Node, nSamples int) error {
	shape := tensor.Shape{m.batchSize, nSamples, m.obsSize}

	mean, err := m.outputMeanHead.Fwd(hidden)
	if err != nil {
		return errors.Wrap(err, "commitOutput")
	}

	switch m.cfg.OutputDistribution {
	case OutputBernoulli:
		if mean, err = G.Sigmoid(mean); err != nil {
			return errors.Wrap(err, "commitOutput")
		}
		if mean, err = G.Reshape(mean, shape); err != nil {
			return errors.Wrap(err, "commitOutput")
		}

		return m.output.SetParams(mean, nil, true)

	case OutputGaussian:
		if mean, err = G.Reshape(mean, shape); err != nil {
			return errors.Wrap(err, "commitOutput")
		}
		logVar, err := m.broadcastConst(m.outputLogVar, m.obsSize,
			nSamples)
		if err != nil {
			return errors.Wrap(err, "commitOutput")
		}

		return m.output.SetParams(mean, logVar, true)
	}

	return errors.Wrapf(ErrConfig, "commitOutput: unknown output "+
		"distribution %q", m.cfg.OutputDistribution)
}

// broadcastConst expands a learned constant vector of width n to
// (batch, nSamples, n).
func (m *DenseModel) broadcastConst(v *G.Node, n, nSamples int) (*G.Node,
	error) {
	out, err := G.Reshape(v, tensor.Shape{1, 1, n})
	if err != nil {
		return nil, err
	}
	if out, err = golvm.Repeat(out, 0, m.batchSize); err != nil {
		return nil, err
	}
	if nSamples > 1 {
		if out, err = golvm.Repeat(out, 1, nSamples); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// ensureGenerated runs a generative pass if the current generated
// state does not hold nSamples samples.
func (m *DenseModel) ensureGenerated(nSamples int) error {
	if m.genSamples == nSamples {
		return nil
	}

	return m.generatePass(nSamples)
}

// KLDivergences implements Model. The top level uses the closed-form
// Gaussian divergence; lower levels estimate it by Monte Carlo, since
// their priors vary per sample.
func (m *DenseModel) KLDivergences(nSamples int, averaged bool) ([]*G.Node,
	error) {
	if m.obs == nil {
		return nil, errors.Wrap(distribution.ErrUnsetState,
			"klDivergences")
	}
	if err := m.ensureGenerated(nSamples); err != nil {
		return nil, errors.Wrap(err, "klDivergences")
	}

	kls := make([]*G.Node, len(m.levels))
	for i, lvl := range m.levels {
		kl, err := lvl.variable.KLDivergence(lvl.top, nSamples)
		if err != nil {
			return nil, errors.Wrapf(err, "klDivergences: level %v", i)
		}
		if kls[i], err = m.reduce(kl, averaged); err != nil {
			return nil, errors.Wrapf(err, "klDivergences: level %v", i)
		}
	}

	return kls, nil
}

// ConditionalLogLikelihood implements Model.
func (m *DenseModel) ConditionalLogLikelihood(nSamples int,
	averaged bool) (*G.Node, error) {
	if m.obs == nil {
		return nil, errors.Wrap(distribution.ErrUnsetState,
			"conditionalLogLikelihood")
	}
	if err := m.ensureGenerated(nSamples); err != nil {
		return nil, errors.Wrap(err, "conditionalLogLikelihood")
	}

	obs, err := G.Reshape(m.obs, tensor.Shape{m.batchSize, 1, m.obsSize})
	if err != nil {
		return nil, errors.Wrap(err, "conditionalLogLikelihood")
	}
	if nSamples > 1 {
		if obs, err = golvm.Repeat(obs, 1, nSamples); err != nil {
			return nil, errors.Wrap(err, "conditionalLogLikelihood")
		}
	}

	var ll *G.Node
	if m.cfg.OutputInterval > 0 {
		// Discretized observations: evaluate the probability mass of
		// the interval (obs, obs + interval].
		interval := m.g.Constant(G.NewF64(m.cfg.OutputInterval))
		hi := G.Must(G.Add(obs, interval))
		ll, err = m.output.LogProbInterval(obs, hi)
	} else {
		ll, err = m.output.LogProb(obs)
	}
	if err != nil {
		return nil, errors.Wrap(err, "conditionalLogLikelihood")
	}

	return m.reduce(ll, averaged)
}

// reduce sums a (batch, nSamples, n) node over features, averages it
// over samples, and, with averaged set, over the batch.
func (m *DenseModel) reduce(x *G.Node, averaged bool) (*G.Node, error) {
	x, err := G.Sum(x, 2)
	if err != nil {
		return nil, err
	}
	if x, err = G.Mean(x, 1); err != nil {
		return nil, err
	}
	if averaged {
		if x, err = G.Mean(x); err != nil {
			return nil, err
		}
	}

	return x, nil
}

// ELBO implements Model.
func (m *DenseModel) ELBO(nSamples int, averaged bool) (*G.Node, error) {
	losses, err := m.Losses(nSamples, averaged)
	if err != nil {
		return nil, err
	}

	return losses.ELBO, nil
}

// Losses implements Model.
func (m *DenseModel) Losses(nSamples int, averaged bool) (Losses, error) {
	return m.LossesWithWeight(nSamples, averaged, nil)
}

// LossesWithWeight returns the model's losses with the KL term scaled
// by weight, a scalar node. A nil weight leaves the KL term
// unscaled. Scheduling the weight from 0 to 1 over early training
// anneals the objective.
func (m *DenseModel) LossesWithWeight(nSamples int, averaged bool,
	weight *G.Node) (Losses, error) {
	cll, err := m.ConditionalLogLikelihood(nSamples, averaged)
	if err != nil {
		return Losses{}, errors.Wrap(err, "losses")
	}

	kls, err := m.KLDivergences(nSamples, averaged)
	if err != nil {
		return Losses{}, errors.Wrap(err, "losses")
	}

	klSum := kls[0]
	for _, kl := range kls[1:] {
		if klSum, err = G.Add(klSum, kl); err != nil {
			return Losses{}, errors.Wrap(err, "losses")
		}
	}
	if weight != nil {
		if klSum, err = G.Mul(weight, klSum); err != nil {
			return Losses{}, errors.Wrap(err, "losses")
		}
	}

	elbo, err := G.Sub(cll, klSum)
	if err != nil {
		return Losses{}, errors.Wrap(err, "losses")
	}

	return Losses{ELBO: elbo, CondLogLike: cll, KL: kls}, nil
}

// InferenceParameters implements Model.
func (m *DenseModel) InferenceParameters() G.Nodes { return m.inferParams }

// GenerativeParameters implements Model.
func (m *DenseModel) GenerativeParameters() G.Nodes { return m.genParams }

// StepELBOs returns the ELBO recorded before each iterative inference
// update and after the last, each a scalar batch mean at one latent
// sample. The improvement from the first to the last entry measures
// how much iterative inference tightened the bound. The slice is nil
// before Infer and in feedforward mode.
func (m *DenseModel) StepELBOs() []*G.Node { return m.stepElbos }

// Levels returns the model's latent levels, ordered bottom to top.
func (m *DenseModel) Levels() []*LatentLevel { return m.levels }

// Output returns the output distribution over observations.
func (m *DenseModel) Output() distribution.Distribution { return m.output }

// Reconstruction returns the mean of the output distribution, shaped
// (batch, nSamples, obsSize), or nil before the first generative
// pass.
func (m *DenseModel) Reconstruction() *G.Node { return m.output.Mean() }

// Observation returns the node the model is currently bound to.
func (m *DenseModel) Observation() *G.Node { return m.obs }

// ObsSize returns the number of observed features.
func (m *DenseModel) ObsSize() int { return m.obsSize }

// BatchSize returns the current batch size, 0 before ReInit.
func (m *DenseModel) BatchSize() int { return m.batchSize }
