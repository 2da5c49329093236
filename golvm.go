// Package golvm provides hierarchical latent variable models with
// iterative amortized inference, built on Gorgonia.
//
// The root package holds the Gorgonia op extensions that the rest of
// the module needs: a differentiable ELU activation and a
// differentiable Repeat. Probability distributions live in the
// distribution package, dense and highway networks in the network
// package, and the latent variable hierarchy itself in the model
// package.
package golvm

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// Elu computes the element-wise exponential linear unit,
// x if x > 0 and exp(x) - 1 otherwise.
func Elu(x *G.Node) (*G.Node, error) {
	op := newEluOp()

	return G.ApplyOp(op, x)
}

// Repeat repeats each element of x along axis the given number of
// times. Unlike tensor.Repeat, this operation is differentiable: the
// gradient of each input element is the sum of the gradients of its
// repetitions.
func Repeat(x *G.Node, axis, repeats int) (*G.Node, error) {
	op, err := newRepeatOp(axis, repeats)
	if err != nil {
		return nil, fmt.Errorf("repeat: %v", err)
	}

	return G.ApplyOp(op, x)
}
