// Package distribution provides probability distributions whose
// parameters are Gorgonia graph nodes.
//
// A distribution's parameters are set either from externally owned,
// learnable reset values (ReInit) or from nodes computed elsewhere in
// the graph (SetParams). Samples are cached: repeated calls to Sample
// return the same node until the parameters change or a resample is
// requested.
package distribution

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// Numerical floors. VarFloor keeps variance denominators away from
// zero, MassFloor keeps interval probability masses positive.
const (
	VarFloor  = 1e-5
	MassFloor = 1e-6
)

var (
	// ErrUnsetState is returned when sampling or evaluating a
	// distribution whose parameters have not been initialized.
	ErrUnsetState = errors.New("distribution parameters not set")

	// ErrShapeMismatch is returned when parameter or value tensors
	// carry incompatible shapes.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrUnsupported is returned by operations a distribution family
	// does not implement.
	ErrUnsupported = errors.New("operation not supported")
)

// Distribution is a parametric probability distribution over a batch
// of variables. Parameter tensors have shape (batch, nVars) or, when
// the distribution carries a sample dimension, (batch, nSamples,
// nVars). Values passed to LogProb, LogProbInterval and Cdf always
// carry a sample dimension: (batch, nSamples, nVars).
type Distribution interface {
	// Sample returns a node holding nSamples reparameterized samples
	// per batch element, shaped (batch, nSamples, nVars). The sample
	// is cached: it is only redrawn when resample is true, when
	// nSamples changes, or after the parameters are reset.
	Sample(nSamples int, resample bool) (*G.Node, error)

	// LogProb returns the element-wise log density or log mass of
	// value, broadcasting the parameters across value's sample
	// dimension.
	LogProb(value *G.Node) (*G.Node, error)

	// LogProbInterval returns the element-wise log probability mass
	// over the interval (lo, hi], computed as
	// log(cdf(hi) - cdf(lo) + MassFloor).
	LogProbInterval(lo, hi *G.Node) (*G.Node, error)

	// Cdf returns the element-wise cumulative distribution function
	// evaluated at value.
	Cdf(value *G.Node) (*G.Node, error)

	// ReInit resets the parameters for a new batch, invalidating any
	// cached sample. Nil parameter values fall back to the
	// distribution's learnable reset values, broadcast over the
	// batch. When sampleDim is true the parameters carry an explicit
	// singleton sample axis.
	ReInit(mean, logVar *G.Node, batchSize int, sampleDim bool) error

	// SetParams commits externally computed parameter nodes,
	// invalidating any cached sample.
	SetParams(mean, logVar *G.Node, sampleDim bool) error

	// Mean returns the current mean parameter, or nil if unset.
	Mean() *G.Node

	// LogVar returns the current log variance parameter, or nil if
	// the family has none or it is unset.
	LogVar() *G.Node

	// NVars returns the number of variables per batch element.
	NVars() int

	// BatchSize returns the batch size of the current parameters.
	BatchSize() int
}
