package golvm

import (
	"fmt"
	"hash"

	"github.com/chewxy/hm"
	"github.com/samuelfneumann/gop"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type repeatOp struct {
	axis    int
	repeats int
}

func newRepeatOp(axis, repeats int) (*repeatOp, error) {
	if repeats <= 0 {
		return nil, fmt.Errorf("newRepeatOp: expected repeats to be > 0, "+
			"got %v", repeats)
	}
	if axis < 0 {
		return nil, fmt.Errorf("newRepeatOp: expected axis to be >= 0, "+
			"got %v", axis)
	}

	return &repeatOp{
		axis:    axis,
		repeats: repeats,
	}, nil
}

func (r *repeatOp) Arity() int { return 1 }

func (r *repeatOp) Type() hm.Type {
	// The output tensor has the same number of dimensions as the input
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a)
}

func (r *repeatOp) ReturnsPtr() bool { return false }

func (r *repeatOp) CallsExtern() bool { return false }

func (r *repeatOp) OverwritesInput() int { return -1 }

func (r *repeatOp) String() string {
	return fmt.Sprintf("Repeat{axis=%v, repeats=%v}()", r.axis, r.repeats)
}

func (r *repeatOp) WriteHash(h hash.Hash) { fmt.Fprint(h, r.String()) }

func (r *repeatOp) Hashcode() uint32 { return gop.SimpleHash(r) }

func (r *repeatOp) InferShape(in ...G.DimSizer) (tensor.Shape, error) {
	if err := gop.CheckArity(r, len(in)); err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}
	if in[0] == nil {
		return nil, fmt.Errorf("inferShape: nil input")
	}

	shape := in[0].(tensor.Shape).Clone()
	if r.axis >= len(shape) {
		return nil, fmt.Errorf("inferShape: axis [%v] out of range for "+
			"shape %v", r.axis, shape)
	}
	shape[r.axis] *= r.repeats

	return shape, nil
}

func (r *repeatOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := r.checkInputs(inputs...); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	input := inputs[0].(tensor.Tensor)

	return tensor.Repeat(input, r.axis, r.repeats)
}

func (r *repeatOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes,
	error) {
	if err := gop.CheckArity(r, len(inputs)); err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}

	diffOp := &repeatDiffOp{axis: r.axis, repeats: r.repeats}
	nodes := make(G.Nodes, 1)

	var err error
	nodes[0], err = G.ApplyOp(diffOp, inputs[0], grad)

	return nodes, err
}

func (r *repeatOp) DiffWRT(inputs int) []bool {
	if inputs != 1 {
		panic(fmt.Sprintf("repeat operator only supports one input, got %d "+
			"instead", inputs))
	}
	return []bool{true}
}

func (r *repeatOp) checkInputs(inputs ...G.Value) error {
	if err := gop.CheckArity(r, len(inputs)); err != nil {
		return err
	}

	t, ok := inputs[0].(tensor.Tensor)
	if !ok {
		return fmt.Errorf("expected tensor, received %T", inputs[0])
	} else if t == nil {
		return fmt.Errorf("cannot repeat nil tensor")
	} else if t.Size() == 0 {
		return fmt.Errorf("cannot repeat empty tensor")
	} else if r.axis >= len(t.Shape()) {
		return fmt.Errorf("axis [%v] out of range for tensor with shape %v",
			r.axis, t.Shape())
	}

	return nil
}

// repeatDiffOp computes the gradient of repeatOp. Each input element's
// gradient is the sum over the gradients of its repetitions.
type repeatDiffOp struct {
	axis    int
	repeats int
}

func (r *repeatDiffOp) Arity() int { return 2 }

func (r *repeatDiffOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a, a)
}

func (r *repeatDiffOp) ReturnsPtr() bool { return false }

func (r *repeatDiffOp) CallsExtern() bool { return false }

func (r *repeatDiffOp) OverwritesInput() int { return -1 }

func (r *repeatDiffOp) String() string {
	return fmt.Sprintf("RepeatDiff{axis=%v, repeats=%v}()", r.axis, r.repeats)
}

func (r *repeatDiffOp) WriteHash(h hash.Hash) { fmt.Fprint(h, r.String()) }

func (r *repeatDiffOp) Hashcode() uint32 { return gop.SimpleHash(r) }

func (r *repeatDiffOp) InferShape(in ...G.DimSizer) (tensor.Shape, error) {
	if err := gop.CheckArity(r, len(in)); err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}
	if in[0] == nil {
		return nil, fmt.Errorf("inferShape: nil input")
	}

	return in[0].(tensor.Shape).Clone(), nil
}

func (r *repeatDiffOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := gop.CheckArity(r, len(inputs)); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	x, ok := inputs[0].(tensor.Tensor)
	if !ok {
		return nil, fmt.Errorf("do: expected tensor, received %T", inputs[0])
	}
	grad, ok := inputs[1].(tensor.Tensor)
	if !ok {
		return nil, fmt.Errorf("do: expected gradient tensor, received %T",
			inputs[1])
	}

	out := tensor.New(
		tensor.Of(x.Dtype()),
		tensor.WithShape(x.Shape().Clone()...),
	)

	// tensor.Repeat repeats each element consecutively along the axis,
	// so output coordinate j along the axis maps back to input
	// coordinate j / repeats.
	for i := 0; i < grad.Size(); i++ {
		coords, err := tensor.Itol(i, grad.Shape(), grad.Strides())
		if err != nil {
			return nil, fmt.Errorf("do: could not get coords at index %v", i)
		}

		g, err := grad.At(coords...)
		if err != nil {
			return nil, fmt.Errorf("do: could not get gradient at %v", coords)
		}

		inCoords := make([]int, len(coords))
		copy(inCoords, coords)
		inCoords[r.axis] = coords[r.axis] / r.repeats

		current, err := out.At(inCoords...)
		if err != nil {
			return nil, fmt.Errorf("do: could not accumulate gradient at %v",
				inCoords)
		}

		switch x.Dtype() {
		case tensor.Float64:
			err = out.SetAt(current.(float64)+g.(float64), inCoords...)
		case tensor.Float32:
			err = out.SetAt(current.(float32)+g.(float32), inCoords...)
		default:
			return nil, fmt.Errorf("do: dtype %v unsupported", x.Dtype())
		}
		if err != nil {
			return nil, fmt.Errorf("do: could not set gradient at %v",
				inCoords)
		}
	}

	return out, nil
}
