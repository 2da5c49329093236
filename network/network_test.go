package network

import (
	"math"
	"math/rand"
	"testing"
	"time"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func randF64(size int, min, max float64) []float64 {
	slice := make([]float64, size)
	for i := range slice {
		slice[i] = min + rand.Float64()*(max-min)
	}

	return slice
}

func TestNetworkShapes(t *testing.T) {
	const batchSize, in, nUnits, nLayers = 4, 6, 8, 3
	rand.Seed(time.Now().UnixNano())

	for _, conn := range []Connection{Sequential, Highway} {
		g := G.NewGraph()
		net, err := New(g, in, nLayers, nUnits, Elu, conn, "enc")
		if err != nil {
			t.Fatal(err)
		}

		if net.OutSize() != nUnits {
			t.Errorf("expected output size %v, got %v", nUnits,
				net.OutSize())
		}

		x := G.NewMatrix(g, tensor.Float64, G.WithShape(batchSize, in),
			G.WithValue(tensor.NewDense(tensor.Float64,
				[]int{batchSize, in},
				tensor.WithBacking(randF64(batchSize*in, -1, 1)))))

		out, err := net.Fwd(x)
		if err != nil {
			t.Fatal(err)
		}
		if !out.Shape().Eq(tensor.Shape{batchSize, nUnits}) {
			t.Errorf("expected output shape (%v, %v), got %v", batchSize,
				nUnits, out.Shape())
		}

		vm := G.NewTapeMachine(g)
		if err := vm.RunAll(); err != nil {
			t.Fatal(err)
		}
		vm.Reset()
		vm.Close()
	}
}

func TestNetworkZeroLayersIsIdentity(t *testing.T) {
	const batchSize, in = 2, 5

	g := G.NewGraph()
	net, err := New(g, in, 0, 0, Elu, Sequential, "det")
	if err != nil {
		t.Fatal(err)
	}
	if net.OutSize() != in {
		t.Errorf("expected output size %v, got %v", in, net.OutSize())
	}
	if len(net.Params()) != 0 {
		t.Errorf("expected no parameters, got %v", len(net.Params()))
	}

	x := G.NewMatrix(g, tensor.Float64, G.WithShape(batchSize, in),
		G.WithInit(G.Zeroes()))
	out, err := net.Fwd(x)
	if err != nil {
		t.Fatal(err)
	}
	if out != x {
		t.Error("expected a zero-layer network to pass its input through")
	}
}

func TestNetworkHighwayParams(t *testing.T) {
	const in, nUnits, nLayers = 8, 8, 2

	g := G.NewGraph()
	seq, err := New(g, in, nLayers, nUnits, Tanh, Sequential, "seq")
	if err != nil {
		t.Fatal(err)
	}
	hwy, err := New(g, in, nLayers, nUnits, Tanh, Highway, "hwy")
	if err != nil {
		t.Fatal(err)
	}

	// Each highway layer carries an extra gate (weights and biases)
	// for every layer whose widths match.
	if len(hwy.Params()) != len(seq.Params())+2*nLayers {
		t.Errorf("expected %v params, got %v", len(seq.Params())+2*nLayers,
			len(hwy.Params()))
	}
}

func TestLinearFwd(t *testing.T) {
	const threshold = 0.00001
	const batchSize, in, out = 3, 2, 4

	g := G.NewGraph()
	lin, err := NewLinear(g, in, out, "lin")
	if err != nil {
		t.Fatal(err)
	}

	xBacking := randF64(batchSize*in, -1, 1)
	x := G.NewMatrix(g, tensor.Float64, G.WithShape(batchSize, in),
		G.WithValue(tensor.NewDense(tensor.Float64, []int{batchSize, in},
			tensor.WithBacking(xBacking))))

	y, err := lin.Fwd(x)
	if err != nil {
		t.Fatal(err)
	}
	var yVal, wVal G.Value
	G.Read(y, &yVal)
	G.Read(lin.w, &wVal)

	vm := G.NewTapeMachine(g)
	if err := vm.RunAll(); err != nil {
		t.Fatal(err)
	}
	vm.Reset()
	vm.Close()

	// Biases are zero-initialized, so the output is just xW
	wData := wVal.Data().([]float64)
	yData := yVal.Data().([]float64)
	for b := 0; b < batchSize; b++ {
		for o := 0; o < out; o++ {
			target := 0.0
			for i := 0; i < in; i++ {
				target += xBacking[b*in+i] * wData[i*out+o]
			}
			if math.Abs(yData[b*out+o]-target) > threshold {
				t.Errorf("expected output %v, got %v", target,
					yData[b*out+o])
			}
		}
	}
}

func TestNetworkInvalid(t *testing.T) {
	g := G.NewGraph()

	if _, err := New(g, 0, 1, 4, Elu, Sequential, "bad"); err == nil {
		t.Error("expected an error for zero input size")
	}
	if _, err := New(g, 4, 1, 4, Elu, Connection("skip"), "bad"); err == nil {
		t.Error("expected an error for an unknown connection type")
	}
	if _, err := New(g, 4, 2, 0, Elu, Sequential, "bad"); err == nil {
		t.Error("expected an error for zero units")
	}

	net, err := New(g, 4, 1, 4, Elu, Sequential, "ok")
	if err != nil {
		t.Fatal(err)
	}
	x := G.NewMatrix(g, tensor.Float64, G.WithShape(2, 3),
		G.WithInit(G.Zeroes()))
	if _, err := net.Fwd(x); err == nil {
		t.Error("expected an error for a mismatched input width")
	}
}
