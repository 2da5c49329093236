package golvm

import (
	"math"
	"math/rand"
	"testing"
	"time"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestRepeat(t *testing.T) {
	const numTests int = 15
	const maxRepeats int = 5
	const threshold float64 = 0.00001

	const sizeMin int = 1
	const sizeMax int = 4
	const dimMin int = 1
	const dimMax int = 4
	rand.Seed(time.Now().UnixNano())

	for i := 0; i < numTests; i++ {
		size := randInt(dimMin+rand.Intn(dimMax-dimMin), sizeMin, sizeMax)
		axis := rand.Intn(len(size))
		repeats := rand.Intn(maxRepeats) + 1
		numElems := tensor.ProdInts(size)

		inBacking := randF64(numElems, -1., 1.)
		inTensor := tensor.NewDense(
			tensor.Float64,
			size,
			tensor.WithBacking(inBacking),
		)

		// The forward target comes straight from the tensor package
		repeated, err := tensor.Repeat(inTensor, axis, repeats)
		if err != nil {
			t.Fatal(err)
		}

		g := G.NewGraph()
		in := G.NewTensor(
			g,
			inTensor.Dtype(),
			inTensor.Dims(),
			G.WithValue(inTensor),
			G.WithName("input"),
		)

		out, err := Repeat(in, axis, repeats)
		if err != nil {
			t.Fatal(err)
		}
		var outVal G.Value
		G.Read(out, &outVal)

		cost, err := G.Sum(out)
		if err != nil {
			t.Fatal(err)
		}

		if _, err := G.Grad(cost, in); err != nil {
			t.Fatal(err)
		}

		vm := G.NewTapeMachine(g, G.BindDualValues(in))
		if err := vm.RunAll(); err != nil {
			t.Fatal(err)
		}

		outData := outVal.Data().([]float64)
		targetData := repeated.Data().([]float64)
		if len(outData) != len(targetData) {
			t.Fatalf("expected %v elements, got %v", len(targetData),
				len(outData))
		}
		for j := range targetData {
			if math.Abs(outData[j]-targetData[j]) > threshold {
				t.Errorf("expected element %v to be %v, got %v", j,
					targetData[j], outData[j])
			}
		}

		// Summing the output means every repeated element receives a
		// gradient of 1, so each input element's gradient is the
		// number of repeats.
		gradVal, err := in.Grad()
		if err != nil {
			t.Fatal(err)
		}
		gradData := gradVal.Data().([]float64)
		for j := range gradData {
			if math.Abs(gradData[j]-float64(repeats)) > threshold {
				t.Errorf("expected gradient %v, got %v", repeats,
					gradData[j])
			}
		}

		vm.Reset()
		vm.Close()
	}
}

func TestRepeatInvalid(t *testing.T) {
	g := G.NewGraph()
	inTensor := tensor.NewDense(
		tensor.Float64,
		[]int{2, 3},
		tensor.WithBacking(randF64(6, -1., 1.)),
	)
	in := G.NewTensor(
		g,
		inTensor.Dtype(),
		inTensor.Dims(),
		G.WithValue(inTensor),
	)

	if _, err := Repeat(in, 0, 0); err == nil {
		t.Error("expected an error for zero repeats")
	}
	if _, err := Repeat(in, -1, 2); err == nil {
		t.Error("expected an error for a negative axis")
	}
}
