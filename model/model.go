// Package model implements hierarchical latent variable models with
// amortized variational inference. A model stacks latent levels on
// top of an observed variable; inference estimates each level's
// approximate posterior either in a single bottom-up pass or by
// iteratively refining it with learned updates driven by error
// signals, and generation decodes latent samples back down to the
// parameters of the observation distribution.
//
// Models build static computation graphs. A model is constructed once
// over a graph, ReInit binds it to an observation node, and Infer
// unrolls the full inference computation into the graph. The
// resulting loss nodes are then evaluated, as many times as needed,
// by running a virtual machine over the graph with fresh observation
// values.
package model

import (
	G "gorgonia.org/gorgonia"
)

// Losses bundles the loss nodes of a model on its current
// observation. ELBO is the evidence lower bound, CondLogLike the
// conditional log likelihood of the observation under the generated
// output distribution, and KL holds the per-level KL divergences,
// ordered bottom to top. ELBO = CondLogLike - weight * sum(KL).
type Losses struct {
	ELBO        *G.Node
	CondLogLike *G.Node
	KL          []*G.Node
}

// Model is a hierarchical latent variable model over a static
// computation graph.
type Model interface {
	// ReInit binds the model to an observation node of shape
	// (batch, obsSize) and resets all latent state to its learnable
	// reset values.
	ReInit(obs *G.Node) error

	// Infer estimates the approximate posterior at every level for
	// the current observation, unrolling the inference computation
	// into the graph. Calling Infer again without an intervening
	// ReInit is a no-op.
	Infer(nSamples int) error

	// Generate runs the generative model top-down from the current
	// posterior state, committing every non-top prior and the output
	// distribution at nSamples latent samples.
	Generate(nSamples int) error

	// KLDivergences returns the per-level KL divergences between
	// posterior and prior, ordered bottom to top, each reduced over
	// features and samples. With averaged set each node is a scalar
	// batch mean, otherwise a length-batch vector.
	KLDivergences(nSamples int, averaged bool) ([]*G.Node, error)

	// ConditionalLogLikelihood returns the log likelihood of the
	// current observation under the generated output distribution,
	// reduced like KLDivergences.
	ConditionalLogLikelihood(nSamples int, averaged bool) (*G.Node, error)

	// ELBO returns the evidence lower bound on the current
	// observation.
	ELBO(nSamples int, averaged bool) (*G.Node, error)

	// Losses returns the ELBO together with its components.
	Losses(nSamples int, averaged bool) (Losses, error)

	// InferenceParameters returns the learnable nodes of the
	// inference model. The two parameter groups are disjoint.
	InferenceParameters() G.Nodes

	// GenerativeParameters returns the learnable nodes of the
	// generative model.
	GenerativeParameters() G.Nodes
}
