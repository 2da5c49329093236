package model

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samuelfneumann/golvm/network"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// LatentLevel is one layer of the hierarchy: a LatentVariable, an
// inference encoder with parameter-update heads, and a generative
// decoder. Levels chain top to bottom: the decoder output of level
// i+1 parameterizes level i's prior through the level's prior heads.
type LatentLevel struct {
	variable *LatentVariable

	// inference path
	encoder    *network.Network
	meanHead   *network.Linear
	logVarHead *network.Linear
	meanGate   *network.Linear // nil unless highway updates
	logVarGate *network.Linear // nil unless highway updates

	// generative path
	decoder       *network.Network
	priorMeanHead *network.Linear // nil at the top level
	priorLVHead   *network.Linear // nil at the top or with constant prior variances
	priorLVConst  *G.Node         // set only with constant prior variances

	encodingForm []EncodingSource
	nVars        int
	top          bool

	inferParams G.Nodes
	genParams   G.Nodes
}

// newLatentLevel builds level i of the hierarchy. encIn is the width
// of the level's inference encoder input and aboveHidden the decoder
// output width of the level above (0 at the top).
func newLatentLevel(g *G.ExprGraph, cfg Config, i, encIn,
	aboveHidden int) (*LatentLevel, error) {
	nVars := cfg.NLatent[i]
	top := i == cfg.Levels()-1

	postMeanReset := G.NewVector(g, tensor.Float64, G.WithShape(nVars),
		G.WithInit(G.Zeroes()),
		G.WithName(fmt.Sprintf("level%d_posterior_mean_reset", i)))
	postLVReset := G.NewVector(g, tensor.Float64, G.WithShape(nVars),
		G.WithInit(G.Zeroes()),
		G.WithName(fmt.Sprintf("level%d_posterior_log_var_reset", i)))
	priorMeanReset := G.NewVector(g, tensor.Float64, G.WithShape(nVars),
		G.WithInit(G.Zeroes()),
		G.WithName(fmt.Sprintf("level%d_prior_mean_reset", i)))
	priorLVReset := G.NewVector(g, tensor.Float64, G.WithShape(nVars),
		G.WithInit(G.Zeroes()),
		G.WithName(fmt.Sprintf("level%d_prior_log_var_reset", i)))

	variable, err := NewLatentVariable(g, nVars, postMeanReset, postLVReset,
		priorMeanReset, priorLVReset, top)
	if err != nil {
		return nil, errors.Wrapf(err, "newLatentLevel: level %v", i)
	}

	lvl := &LatentLevel{
		variable:     variable,
		encodingForm: cfg.EncodingForm,
		nVars:        nVars,
		top:          top,
	}

	// The posterior reset state belongs to the inference parameter
	// group; the prior reset state is generative, and only learnable
	// at the top when configured.
	lvl.inferParams = append(lvl.inferParams, postMeanReset, postLVReset)
	if top && cfg.LearnTopPrior {
		lvl.genParams = append(lvl.genParams, priorMeanReset, priorLVReset)
	}

	lvl.encoder, err = network.New(g, encIn, cfg.NLayersEnc[i],
		cfg.NUnitsEnc[i], cfg.NonLinearityEnc, cfg.ConnectionTypeEnc,
		fmt.Sprintf("level%d_enc", i))
	if err != nil {
		return nil, errors.Wrapf(err, "newLatentLevel: level %v encoder", i)
	}
	lvl.inferParams = append(lvl.inferParams, lvl.encoder.Params()...)

	lvl.meanHead, err = network.NewLinear(g, lvl.encoder.OutSize(), nVars,
		fmt.Sprintf("level%d_mean_head", i))
	if err != nil {
		return nil, errors.Wrapf(err, "newLatentLevel: level %v", i)
	}
	lvl.logVarHead, err = network.NewLinear(g, lvl.encoder.OutSize(), nVars,
		fmt.Sprintf("level%d_log_var_head", i))
	if err != nil {
		return nil, errors.Wrapf(err, "newLatentLevel: level %v", i)
	}
	lvl.inferParams = append(lvl.inferParams, lvl.meanHead.Params()...)
	lvl.inferParams = append(lvl.inferParams, lvl.logVarHead.Params()...)

	if cfg.UpdateForm == UpdateHighway &&
		cfg.InferenceType == InferenceIterative {
		lvl.meanGate, err = network.NewLinear(g, lvl.encoder.OutSize(),
			nVars, fmt.Sprintf("level%d_mean_gate", i))
		if err != nil {
			return nil, errors.Wrapf(err, "newLatentLevel: level %v", i)
		}
		lvl.logVarGate, err = network.NewLinear(g, lvl.encoder.OutSize(),
			nVars, fmt.Sprintf("level%d_log_var_gate", i))
		if err != nil {
			return nil, errors.Wrapf(err, "newLatentLevel: level %v", i)
		}
		lvl.inferParams = append(lvl.inferParams, lvl.meanGate.Params()...)
		lvl.inferParams = append(lvl.inferParams,
			lvl.logVarGate.Params()...)
	}

	lvl.decoder, err = network.New(g, nVars, cfg.NLayersDec[i],
		cfg.NUnitsDec[i], cfg.NonLinearityDec, cfg.ConnectionTypeDec,
		fmt.Sprintf("level%d_dec", i))
	if err != nil {
		return nil, errors.Wrapf(err, "newLatentLevel: level %v decoder", i)
	}
	lvl.genParams = append(lvl.genParams, lvl.decoder.Params()...)

	if !top {
		lvl.priorMeanHead, err = network.NewLinear(g, aboveHidden, nVars,
			fmt.Sprintf("level%d_prior_mean_head", i))
		if err != nil {
			return nil, errors.Wrapf(err, "newLatentLevel: level %v", i)
		}
		lvl.genParams = append(lvl.genParams,
			lvl.priorMeanHead.Params()...)

		if cfg.ConstantPriorVariances {
			// The prior reset log variance doubles as the learned
			// constant variance of this level's prior.
			lvl.priorLVConst = priorLVReset
			lvl.genParams = append(lvl.genParams, priorLVReset)
		} else {
			lvl.priorLVHead, err = network.NewLinear(g, aboveHidden, nVars,
				fmt.Sprintf("level%d_prior_log_var_head", i))
			if err != nil {
				return nil, errors.Wrapf(err, "newLatentLevel: level %v", i)
			}
			lvl.genParams = append(lvl.genParams,
				lvl.priorLVHead.Params()...)
		}
	}

	return lvl, nil
}

// Variable returns the level's latent variable.
func (l *LatentLevel) Variable() *LatentVariable { return l.variable }

// Decoder returns the level's generative decoder network.
func (l *LatentLevel) Decoder() *network.Network { return l.decoder }

// encodingSize returns the width of the level's inference encoding
// for the configured encoding form.
func encodingSize(form []EncodingSource, nVars, bottomSize int) int {
	size := 0
	for _, src := range form {
		switch src {
		case EncodePosterior, EncodeLogVar, EncodeTopError:
			size += nVars
		case EncodeBottomError:
			size += bottomSize
		}
	}

	return size
}

// buildEncoding concatenates the configured encoding signals into the
// level's inference encoder input, shaped (batch, encodingSize).
func (l *LatentLevel) buildEncoding(bottomErr, topErr *G.Node) (*G.Node,
	error) {
	parts := make([]*G.Node, 0, len(l.encodingForm))
	for _, src := range l.encodingForm {
		switch src {
		case EncodePosterior:
			parts = append(parts, l.variable.Posterior().Mean())
		case EncodeLogVar:
			parts = append(parts, l.variable.Posterior().LogVar())
		case EncodeTopError:
			parts = append(parts, topErr)
		case EncodeBottomError:
			parts = append(parts, bottomErr)
		}
	}

	if len(parts) == 1 {
		return parts[0], nil
	}

	return G.Concat(1, parts...)
}

// computeUpdate maps an inference encoding to new posterior
// parameters. It reads the previous posterior state but does not
// commit: the caller commits all levels only after every level's
// update has been computed.
func (l *LatentLevel) computeUpdate(encoding *G.Node) (mean,
	logVar *G.Node, err error) {
	hidden, err := l.encoder.Fwd(encoding)
	if err != nil {
		return nil, nil, errors.Wrap(err, "computeUpdate")
	}

	mean, err = l.meanHead.Fwd(hidden)
	if err != nil {
		return nil, nil, errors.Wrap(err, "computeUpdate: mean head")
	}
	logVar, err = l.logVarHead.Fwd(hidden)
	if err != nil {
		return nil, nil, errors.Wrap(err, "computeUpdate: log var head")
	}

	if l.meanGate == nil {
		return mean, logVar, nil
	}

	// Highway update: gate the candidates against the previous
	// posterior state.
	oldMean := l.variable.Posterior().Mean()
	oldLogVar := l.variable.Posterior().LogVar()

	mean, err = l.gateUpdate(l.meanGate, hidden, oldMean, mean)
	if err != nil {
		return nil, nil, errors.Wrap(err, "computeUpdate: mean gate")
	}
	logVar, err = l.gateUpdate(l.logVarGate, hidden, oldLogVar, logVar)
	if err != nil {
		return nil, nil, errors.Wrap(err, "computeUpdate: log var gate")
	}

	return mean, logVar, nil
}

func (l *LatentLevel) gateUpdate(gate *network.Linear, hidden, old,
	candidate *G.Node) (*G.Node, error) {
	gLin, err := gate.Fwd(hidden)
	if err != nil {
		return nil, err
	}
	t, err := G.Sigmoid(gLin)
	if err != nil {
		return nil, err
	}

	one := hidden.Graph().Constant(G.NewF64(1.0))
	keep := G.Must(G.HadamardProd(t, old))
	swap := G.Must(G.HadamardProd(G.Must(G.Sub(one, t)), candidate))

	return G.Add(keep, swap)
}

// decode runs the level's generative decoder on a flattened
// (batch*nSamples, nVars) latent sample.
func (l *LatentLevel) decode(z *G.Node) (*G.Node, error) {
	return l.decoder.Fwd(z)
}

// InferenceParameters returns the level's inference parameter group.
func (l *LatentLevel) InferenceParameters() G.Nodes {
	return l.inferParams
}

// GenerativeParameters returns the level's generative parameter
// group.
func (l *LatentLevel) GenerativeParameters() G.Nodes {
	return l.genParams
}
