// Package network provides the dense feedforward and highway networks
// used for the deterministic encoder and decoder paths of a latent
// variable model.
package network

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samuelfneumann/golvm"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Activation selects the nonlinearity applied after each layer.
type Activation string

const (
	Elu     Activation = "elu"
	Relu    Activation = "relu"
	Tanh    Activation = "tanh"
	Sigmoid Activation = "sigmoid"
	// Identity applies no nonlinearity
	Identity Activation = "identity"
)

// Connection selects how consecutive layers are wired.
type Connection string

const (
	// Sequential stacks layers one after another
	Sequential Connection = "sequential"

	// Highway gates each layer's output against its input:
	// t*h(x) + (1-t)*x with a sigmoid transform gate t. Requires
	// equal input and output widths past the first layer.
	Highway Connection = "highway"
)

// Activate applies the nonlinearity to x.
func Activate(act Activation, x *G.Node) (*G.Node, error) {
	switch act {
	case Elu:
		return golvm.Elu(x)
	case Relu:
		return G.Rectify(x)
	case Tanh:
		return G.Tanh(x)
	case Sigmoid:
		return G.Sigmoid(x)
	case Identity:
		return x, nil
	default:
		return nil, errors.Errorf("activate: unknown activation %q", act)
	}
}

// Linear is a fully connected layer, xW + b, without a nonlinearity.
type Linear struct {
	w, b *G.Node
	in   int
	out  int
}

// NewLinear returns a new Linear from in to out units, with
// Glorot-initialized weights and zero biases.
func NewLinear(g *G.ExprGraph, in, out int, name string) (*Linear, error) {
	if in < 1 || out < 1 {
		return nil, errors.Errorf("newLinear: invalid size %v -> %v for "+
			"%v", in, out, name)
	}

	w := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(in, out),
		G.WithInit(G.GlorotN(1.0)),
		G.WithName(name+"_w"),
	)
	b := G.NewVector(
		g,
		tensor.Float64,
		G.WithShape(out),
		G.WithInit(G.Zeroes()),
		G.WithName(name+"_b"),
	)

	return &Linear{w: w, b: b, in: in, out: out}, nil
}

// Fwd applies the layer to a (batch, in) input.
func (l *Linear) Fwd(x *G.Node) (*G.Node, error) {
	if x.Shape().Dims() != 2 || x.Shape()[1] != l.in {
		return nil, errors.Errorf("fwd: expected input shape (batch, %v), "+
			"got %v", l.in, x.Shape())
	}

	xw, err := G.Mul(x, l.w)
	if err != nil {
		return nil, errors.Wrap(err, "fwd")
	}

	return G.BroadcastAdd(xw, l.b, nil, []byte{0})
}

// OutSize returns the layer's output width.
func (l *Linear) OutSize() int { return l.out }

// Params returns the layer's learnable parameters.
func (l *Linear) Params() G.Nodes { return G.Nodes{l.w, l.b} }

// layer is one network layer, optionally highway-gated.
type layer struct {
	linear *Linear
	gate   *Linear // nil for sequential layers
	act    Activation
}

func (l *layer) fwd(x *G.Node) (*G.Node, error) {
	h, err := l.linear.Fwd(x)
	if err != nil {
		return nil, err
	}
	if h, err = Activate(l.act, h); err != nil {
		return nil, err
	}

	if l.gate == nil {
		return h, nil
	}

	tLin, err := l.gate.Fwd(x)
	if err != nil {
		return nil, err
	}
	t, err := G.Sigmoid(tLin)
	if err != nil {
		return nil, err
	}

	one := x.Graph().Constant(G.NewF64(1.0))
	carry := G.Must(G.HadamardProd(G.Must(G.Sub(one, t)), x))
	transform := G.Must(G.HadamardProd(t, h))

	return G.Add(transform, carry)
}

// Network is a stack of dense layers. A Network with zero layers is
// an identity pass-through.
type Network struct {
	layers []*layer
	params G.Nodes
	in     int
	out    int
}

// New returns a new Network with nLayers layers of nUnits units each,
// reading inputs of width in. With a Highway connection, layers past
// the first gate their output against their input; the first layer is
// always sequential since it changes width.
func New(g *G.ExprGraph, in, nLayers, nUnits int, act Activation,
	conn Connection, name string) (*Network, error) {
	if in < 1 {
		return nil, errors.Errorf("newNetwork: expected input size >= 1, "+
			"got %v", in)
	}
	if nLayers < 0 {
		return nil, errors.Errorf("newNetwork: expected nLayers >= 0, "+
			"got %v", nLayers)
	}
	if nLayers > 0 && nUnits < 1 {
		return nil, errors.Errorf("newNetwork: expected nUnits >= 1, "+
			"got %v", nUnits)
	}
	if conn != Sequential && conn != Highway {
		return nil, errors.Errorf("newNetwork: unknown connection type %q",
			conn)
	}

	net := &Network{in: in, out: in}
	for i := 0; i < nLayers; i++ {
		layerIn := net.out
		lin, err := NewLinear(g, layerIn, nUnits,
			fmt.Sprintf("%v_l%d", name, i))
		if err != nil {
			return nil, errors.Wrap(err, "newNetwork")
		}

		l := &layer{linear: lin, act: act}
		net.params = append(net.params, lin.Params()...)

		if conn == Highway && layerIn == nUnits {
			gate, err := NewLinear(g, layerIn, nUnits,
				fmt.Sprintf("%v_l%d_gate", name, i))
			if err != nil {
				return nil, errors.Wrap(err, "newNetwork")
			}
			l.gate = gate
			net.params = append(net.params, gate.Params()...)
		}

		net.layers = append(net.layers, l)
		net.out = nUnits
	}

	return net, nil
}

// Fwd runs the network on a (batch, in) input.
func (n *Network) Fwd(x *G.Node) (*G.Node, error) {
	if x.Shape().Dims() != 2 || x.Shape()[1] != n.in {
		return nil, errors.Errorf("fwd: expected input shape (batch, %v), "+
			"got %v", n.in, x.Shape())
	}

	var err error
	for _, l := range n.layers {
		if x, err = l.fwd(x); err != nil {
			return nil, errors.Wrap(err, "fwd")
		}
	}

	return x, nil
}

// InSize returns the network's input width.
func (n *Network) InSize() int { return n.in }

// OutSize returns the network's output width. For a zero-layer
// network this is the input width.
func (n *Network) OutSize() int { return n.out }

// Depth returns the number of layers.
func (n *Network) Depth() int { return len(n.layers) }

// Params returns all learnable parameters of the network.
func (n *Network) Params() G.Nodes { return n.params }
