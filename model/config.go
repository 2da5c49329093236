package model

import (
	"github.com/pkg/errors"
	"github.com/samuelfneumann/golvm/network"
)

// ErrConfig is returned when an architecture configuration is
// structurally inconsistent. It is detected at model construction,
// never at first use.
var ErrConfig = errors.New("invalid configuration")

// EncodingSource selects a signal included in a level's inference
// encoding.
type EncodingSource string

const (
	// EncodePosterior includes the current posterior mean
	EncodePosterior EncodingSource = "posterior"

	// EncodeLogVar includes the current posterior log variance
	EncodeLogVar EncodingSource = "log_var"

	// EncodeTopError includes the level's top-down error signal
	EncodeTopError EncodingSource = "top_error"

	// EncodeBottomError includes the level's bottom-up error signal
	EncodeBottomError EncodingSource = "bottom_error"
)

// PosteriorForm selects the approximate posterior family.
type PosteriorForm string

const (
	PosteriorGaussian PosteriorForm = "gaussian"
)

// OutputForm selects the observation likelihood head.
type OutputForm string

const (
	OutputBernoulli OutputForm = "bernoulli"
	OutputGaussian  OutputForm = "gaussian"
)

// InferenceType selects how the approximate posterior is estimated.
type InferenceType string

const (
	// InferenceIterative refines the posterior over several
	// encode-update cycles driven by error signals
	InferenceIterative InferenceType = "iterative"

	// InferenceFeedforward maps the observation to the posterior in a
	// single bottom-up pass
	InferenceFeedforward InferenceType = "feedforward"
)

// UpdateForm selects how a level commits new posterior parameters.
type UpdateForm string

const (
	// UpdateDirect commits the candidate parameters as-is
	UpdateDirect UpdateForm = "direct"

	// UpdateHighway gates the candidate parameters against the
	// previous ones with a learned sigmoid gate
	UpdateHighway UpdateForm = "highway"
)

// Config describes the architecture of a hierarchical latent variable
// model. All per-level slices are ordered bottom to top and must have
// equal lengths.
//
// The yaml names follow the conventional snake_case option names, so
// experiment files can set fields like n_latent and
// inference_model_type directly. Recurrent update networks are not
// supported; inference_model_type accepts feedforward and iterative
// only.
type Config struct {
	// NLatent holds the number of latent variables at each level
	NLatent []int `yaml:"n_latent"`

	// Depth and width of the inference (encoder) networks per level
	NLayersEnc []int `yaml:"n_layers_enc"`
	NUnitsEnc  []int `yaml:"n_units_enc"`

	// Depth and width of the generative (decoder) networks per level
	NLayersDec []int `yaml:"n_layers_dec"`
	NUnitsDec  []int `yaml:"n_units_dec"`

	NonLinearityEnc network.Activation `yaml:"non_linearity_enc"`
	NonLinearityDec network.Activation `yaml:"non_linearity_dec"`

	ConnectionTypeEnc network.Connection `yaml:"connection_type_enc"`
	ConnectionTypeDec network.Connection `yaml:"connection_type_dec"`

	// EncodingForm lists the signals fed to each level's inference
	// encoder in iterative mode
	EncodingForm []EncodingSource `yaml:"encoding_form"`

	PosteriorForm PosteriorForm `yaml:"posterior_form"`

	OutputDistribution OutputForm `yaml:"output_distribution"`

	// OutputInterval, when positive, evaluates Gaussian observation
	// likelihoods as probability mass over (obs, obs + interval],
	// supporting discretized observations
	OutputInterval float64 `yaml:"output_interval"`

	// ConstantPriorVariances parameterizes prior log variances as
	// learned constants rather than decoder outputs
	ConstantPriorVariances bool `yaml:"constant_prior_variances"`

	// LearnTopPrior makes the top-most prior's parameters learnable
	LearnTopPrior bool `yaml:"learn_top_prior"`

	InferenceType InferenceType `yaml:"inference_model_type"`

	UpdateForm UpdateForm `yaml:"variable_update_form"`

	// Iterations is the number of inference iterations per batch in
	// iterative mode
	Iterations int `yaml:"n_iterations"`
}

// DefaultConfig returns a single-level dense architecture suitable
// for binarized image data.
func DefaultConfig() Config {
	return Config{
		NLatent:                []int{64},
		NLayersEnc:             []int{2},
		NUnitsEnc:              []int{512},
		NLayersDec:             []int{2},
		NUnitsDec:              []int{512},
		NonLinearityEnc:        network.Elu,
		NonLinearityDec:        network.Elu,
		ConnectionTypeEnc:      network.Highway,
		ConnectionTypeDec:      network.Sequential,
		EncodingForm:           []EncodingSource{EncodePosterior, EncodeLogVar, EncodeTopError, EncodeBottomError},
		PosteriorForm:          PosteriorGaussian,
		OutputDistribution:     OutputBernoulli,
		ConstantPriorVariances: true,
		InferenceType:          InferenceIterative,
		UpdateForm:             UpdateHighway,
		Iterations:             5,
	}
}

// Levels returns the number of latent levels.
func (c Config) Levels() int { return len(c.NLatent) }

// Validate returns an error if the configuration is structurally
// inconsistent.
func (c Config) Validate() error {
	levels := len(c.NLatent)
	if levels == 0 {
		return errors.Wrap(ErrConfig, "no latent levels")
	}

	lengths := map[string]int{
		"NLayersEnc": len(c.NLayersEnc),
		"NUnitsEnc":  len(c.NUnitsEnc),
		"NLayersDec": len(c.NLayersDec),
		"NUnitsDec":  len(c.NUnitsDec),
	}
	for name, l := range lengths {
		if l != levels {
			return errors.Wrapf(ErrConfig, "%v has %v entries but there "+
				"are %v latent levels", name, l, levels)
		}
	}

	for i, n := range c.NLatent {
		if n < 1 {
			return errors.Wrapf(ErrConfig, "level %v has %v latent "+
				"variables", i, n)
		}
	}
	for i := range c.NLatent {
		if c.NLayersEnc[i] < 0 || c.NLayersDec[i] < 0 {
			return errors.Wrapf(ErrConfig, "level %v has a negative "+
				"layer count", i)
		}
		if c.NLayersEnc[i] > 0 && c.NUnitsEnc[i] < 1 {
			return errors.Wrapf(ErrConfig, "level %v has encoder layers "+
				"but no units", i)
		}
		if c.NLayersDec[i] > 0 && c.NUnitsDec[i] < 1 {
			return errors.Wrapf(ErrConfig, "level %v has decoder layers "+
				"but no units", i)
		}
	}

	if c.PosteriorForm != PosteriorGaussian {
		return errors.Wrapf(ErrConfig, "unknown posterior form %q",
			c.PosteriorForm)
	}

	switch c.OutputDistribution {
	case OutputBernoulli, OutputGaussian:
	default:
		return errors.Wrapf(ErrConfig, "unknown output distribution %q",
			c.OutputDistribution)
	}
	if c.OutputInterval < 0 {
		return errors.Wrapf(ErrConfig, "negative output interval %v",
			c.OutputInterval)
	}
	if c.OutputInterval > 0 && c.OutputDistribution != OutputGaussian {
		return errors.Wrap(ErrConfig, "output intervals require a "+
			"gaussian output distribution")
	}

	switch c.InferenceType {
	case InferenceIterative:
		if c.Iterations < 1 {
			return errors.Wrapf(ErrConfig, "iterative inference requires "+
				"at least one iteration, got %v", c.Iterations)
		}
		if len(c.EncodingForm) == 0 {
			return errors.Wrap(ErrConfig, "iterative inference requires "+
				"a non-empty encoding form")
		}
	case InferenceFeedforward:
	default:
		return errors.Wrapf(ErrConfig, "unknown inference type %q",
			c.InferenceType)
	}

	seen := make(map[EncodingSource]bool)
	for _, src := range c.EncodingForm {
		switch src {
		case EncodePosterior, EncodeLogVar, EncodeTopError,
			EncodeBottomError:
		default:
			return errors.Wrapf(ErrConfig, "unknown encoding source %q",
				src)
		}
		if seen[src] {
			return errors.Wrapf(ErrConfig, "duplicate encoding source %q",
				src)
		}
		seen[src] = true
	}

	switch c.UpdateForm {
	case UpdateDirect, UpdateHighway:
	default:
		return errors.Wrapf(ErrConfig, "unknown update form %q",
			c.UpdateForm)
	}

	return nil
}
