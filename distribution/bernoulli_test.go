package distribution

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestBernoulliLogProb(t *testing.T) {
	const threshold = 0.001
	const batchSize, nVars = 2, 3

	g := G.NewGraph()
	b, err := NewBernoulli(g, nVars, nil)
	if err != nil {
		t.Fatal(err)
	}

	// The head predicts near-one for every variable; an all-ones
	// observation should then have log likelihood close to 0.
	meanBacking := make([]float64, batchSize*nVars)
	for i := range meanBacking {
		meanBacking[i] = 0.99
	}
	mean := G.NewMatrix(g, tensor.Float64, G.WithShape(batchSize, nVars),
		G.WithValue(tensor.NewDense(tensor.Float64, []int{batchSize, nVars},
			tensor.WithBacking(meanBacking))))
	if err := b.SetParams(mean, nil, false); err != nil {
		t.Fatal(err)
	}

	onesBacking := make([]float64, batchSize*nVars)
	for i := range onesBacking {
		onesBacking[i] = 1.0
	}
	value := G.NewTensor(g, tensor.Float64, 3,
		G.WithShape(batchSize, 1, nVars),
		G.WithValue(tensor.NewDense(tensor.Float64,
			[]int{batchSize, 1, nVars},
			tensor.WithBacking(onesBacking))))

	lp, err := b.LogProb(value)
	if err != nil {
		t.Fatal(err)
	}
	var lpVal G.Value
	G.Read(lp, &lpVal)

	runGraph(t, g)

	target := math.Log(0.99 + MassFloor)
	for _, got := range lpVal.Data().([]float64) {
		if math.Abs(got-target) > threshold {
			t.Errorf("expected log prob %v, got %v", target, got)
		}
		if got > 0 || got < -0.05 {
			t.Errorf("expected log prob close to 0, got %v", got)
		}
	}
}

func TestBernoulliMixedObservation(t *testing.T) {
	const threshold = 0.001

	g := G.NewGraph()
	b, err := NewBernoulli(g, 2, nil)
	if err != nil {
		t.Fatal(err)
	}

	mean := G.NewMatrix(g, tensor.Float64, G.WithShape(1, 2),
		G.WithValue(tensor.NewDense(tensor.Float64, []int{1, 2},
			tensor.WithBacking([]float64{0.7, 0.2}))))
	if err := b.SetParams(mean, nil, false); err != nil {
		t.Fatal(err)
	}

	value := G.NewTensor(g, tensor.Float64, 3, G.WithShape(1, 1, 2),
		G.WithValue(tensor.NewDense(tensor.Float64, []int{1, 1, 2},
			tensor.WithBacking([]float64{1, 0}))))

	lp, err := b.LogProb(value)
	if err != nil {
		t.Fatal(err)
	}
	var lpVal G.Value
	G.Read(lp, &lpVal)

	runGraph(t, g)

	targets := []float64{
		math.Log(0.7 + MassFloor),
		math.Log(0.8 + MassFloor),
	}
	for i, got := range lpVal.Data().([]float64) {
		if math.Abs(got-targets[i]) > threshold {
			t.Errorf("expected log prob %v, got %v", targets[i], got)
		}
	}
}

func TestBernoulliUnsupported(t *testing.T) {
	g := G.NewGraph()
	b, err := NewBernoulli(g, 2, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.Cdf(nil); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported from Cdf, got %v", err)
	}
	if _, err := b.LogProbInterval(nil, nil); !errors.Is(err,
		ErrUnsupported) {
		t.Errorf("expected ErrUnsupported from LogProbInterval, got %v", err)
	}

	logVar := G.NewMatrix(g, tensor.Float64, G.WithShape(1, 2),
		G.WithInit(G.Zeroes()))
	if err := b.SetParams(nil, logVar, false); !errors.Is(err,
		ErrUnsupported) {
		t.Errorf("expected ErrUnsupported when committing a log "+
			"variance, got %v", err)
	}
}
