package golvm

import (
	"fmt"
	"hash"
	"math"

	"github.com/chewxy/hm"
	"github.com/chewxy/math32"
	"github.com/samuelfneumann/gop"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// eluOp is the exponential linear unit activation
type eluOp struct{}

func newEluOp() *eluOp { return &eluOp{} }

func (e *eluOp) Arity() int { return 1 }

func (e *eluOp) Type() hm.Type {
	// Pointwise unary operation: op :: (Arithable a) => a -> a
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a)
}

func (e *eluOp) ReturnsPtr() bool { return false }

func (e *eluOp) CallsExtern() bool { return false }

func (e *eluOp) OverwritesInput() int { return -1 }

func (e *eluOp) String() string { return "Elu" }

func (e *eluOp) WriteHash(h hash.Hash) { fmt.Fprint(h, e.String()) }

func (e *eluOp) Hashcode() uint32 { return gop.SimpleHash(e) }

func (e *eluOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	if err := gop.CheckArity(e, len(inputs)); err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}
	if inputs[0] == nil {
		return nil, fmt.Errorf("inferShape: nil input")
	}

	return inputs[0].(tensor.Shape), nil
}

func (e *eluOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := e.checkInputs(inputs...); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	in := inputs[0].(tensor.Tensor)
	out := tensor.New(
		tensor.Of(in.Dtype()),
		tensor.WithShape(in.Shape().Clone()...),
	)

	switch in.Dtype() {
	case tensor.Float64:
		data := in.Data().([]float64)
		for i, elem := range data {
			if elem > 0 {
				out.Set(i, elem)
			} else {
				out.Set(i, math.Exp(elem)-1)
			}
		}

	case tensor.Float32:
		data := in.Data().([]float32)
		for i, elem := range data {
			if elem > 0 {
				out.Set(i, elem)
			} else {
				out.Set(i, math32.Exp(elem)-1)
			}
		}
	}

	return out, nil
}

func (e *eluOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes,
	error) {
	if err := gop.CheckArity(e, len(inputs)); err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}

	diffOp := &eluDiffOp{}
	nodes := make(G.Nodes, 1)

	var err error
	nodes[0], err = G.ApplyOp(diffOp, inputs[0], grad)

	return nodes, err
}

func (e *eluOp) DiffWRT(inputs int) []bool {
	if inputs != 1 {
		panic(fmt.Sprintf("elu operator only supports one input, got %d "+
			"instead", inputs))
	}
	return []bool{true}
}

func (e *eluOp) checkInputs(inputs ...G.Value) error {
	if err := gop.CheckArity(e, len(inputs)); err != nil {
		return err
	}

	t, ok := inputs[0].(tensor.Tensor)
	if !ok {
		return fmt.Errorf("expected input to be a tensor, got %T", inputs[0])
	} else if t == nil {
		return fmt.Errorf("cannot compute elu of nil tensor")
	} else if t.Size() == 0 {
		return fmt.Errorf("cannot compute elu of empty tensor")
	} else if t.Dtype() != tensor.Float64 && t.Dtype() != tensor.Float32 {
		return fmt.Errorf("dtype %v unsupported", t.Dtype())
	}

	return nil
}

// eluDiffOp is the derivative of eluOp
type eluDiffOp struct{}

func (e *eluDiffOp) Arity() int { return 2 }

func (e *eluDiffOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a, a)
}

func (e *eluDiffOp) ReturnsPtr() bool { return false }

func (e *eluDiffOp) CallsExtern() bool { return false }

func (e *eluDiffOp) OverwritesInput() int { return -1 }

func (e *eluDiffOp) String() string { return "EluDiff()" }

func (e *eluDiffOp) WriteHash(h hash.Hash) { fmt.Fprint(h, e.String()) }

func (e *eluDiffOp) Hashcode() uint32 { return gop.SimpleHash(e) }

func (e *eluDiffOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	if err := gop.CheckArity(e, len(inputs)); err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}
	if inputs[0] == nil {
		return nil, fmt.Errorf("inferShape: nil input")
	}

	return inputs[0].(tensor.Shape), nil
}

func (e *eluDiffOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := e.checkInputs(inputs...); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	x := inputs[0].(tensor.Tensor)
	grad := inputs[1].(tensor.Tensor)

	out := tensor.New(
		tensor.Of(x.Dtype()),
		tensor.WithShape(x.Shape().Clone()...),
	)

	// d/dx elu(x) = 1 if x > 0, exp(x) otherwise
	switch x.Dtype() {
	case tensor.Float64:
		data := x.Data().([]float64)
		gradData := grad.Data().([]float64)
		for i, elem := range data {
			if elem > 0 {
				out.Set(i, gradData[i])
			} else {
				out.Set(i, gradData[i]*math.Exp(elem))
			}
		}

	case tensor.Float32:
		data := x.Data().([]float32)
		gradData := grad.Data().([]float32)
		for i, elem := range data {
			if elem > 0 {
				out.Set(i, gradData[i])
			} else {
				out.Set(i, gradData[i]*math32.Exp(elem))
			}
		}
	}

	return out, nil
}

func (e *eluDiffOp) checkInputs(inputs ...G.Value) error {
	if err := gop.CheckArity(e, len(inputs)); err != nil {
		return err
	}

	x, ok := inputs[0].(tensor.Tensor)
	if !ok {
		return fmt.Errorf("expected input to be a tensor, got %T", inputs[0])
	}

	grad, ok := inputs[1].(tensor.Tensor)
	if !ok {
		return fmt.Errorf("expected gradient to be a tensor, got %T",
			inputs[1])
	}

	if !x.Shape().Eq(grad.Shape()) {
		return fmt.Errorf("expected input and gradient to have the same "+
			"shape but got %v and %v", x.Shape(), grad.Shape())
	}

	return nil
}
