package model

import (
	"math"
	"math/rand"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func tinyConfig() Config {
	cfg := DefaultConfig()
	cfg.NLatent = []int{3}
	cfg.NLayersEnc = []int{1}
	cfg.NUnitsEnc = []int{8}
	cfg.NLayersDec = []int{1}
	cfg.NUnitsDec = []int{8}
	cfg.Iterations = 2

	return cfg
}

// binaryObs returns a (batchSize, obsSize) observation node holding
// random values in {0, 1}.
func binaryObs(g *G.ExprGraph, batchSize, obsSize int) *G.Node {
	backing := make([]float64, batchSize*obsSize)
	for i := range backing {
		if rand.Float64() < 0.5 {
			backing[i] = 1
		}
	}

	return G.NewMatrix(g, tensor.Float64, G.WithShape(batchSize, obsSize),
		G.WithName("obs"), G.WithValue(tensor.New(
			tensor.WithShape(batchSize, obsSize),
			tensor.WithBacking(backing))))
}

func scalarValue(t *testing.T, node *G.Node) float64 {
	t.Helper()

	val, ok := node.Value().Data().(float64)
	if !ok {
		t.Fatalf("expected a scalar node, got shape %v", node.Shape())
	}

	return val
}

func TestDenseKLZeroAfterReInit(t *testing.T) {
	const batchSize, obsSize = 4, 10

	g := G.NewGraph()
	m, err := NewDense(g, tinyConfig(), obsSize)
	if err != nil {
		t.Fatalf("could not construct model: %v", err)
	}
	if err := m.ReInit(binaryObs(g, batchSize, obsSize)); err != nil {
		t.Fatalf("could not reinitialize: %v", err)
	}
	if err := m.Generate(1); err != nil {
		t.Fatalf("could not generate: %v", err)
	}

	kls, err := m.KLDivergences(1, true)
	if err != nil {
		t.Fatalf("could not compute KL divergences: %v", err)
	}
	if len(kls) != 1 {
		t.Fatalf("expected 1 KL divergence, got %v", len(kls))
	}

	runGraph(t, g)

	if kl := scalarValue(t, kls[0]); math.Abs(kl) > 1e-12 {
		t.Errorf("expected KL 0 at the reset state, got %v", kl)
	}
}

func TestDenseELBOIdentity(t *testing.T) {
	const batchSize, obsSize = 4, 10

	g := G.NewGraph()
	m, err := NewDense(g, tinyConfig(), obsSize)
	if err != nil {
		t.Fatalf("could not construct model: %v", err)
	}
	if err := m.ReInit(binaryObs(g, batchSize, obsSize)); err != nil {
		t.Fatalf("could not reinitialize: %v", err)
	}
	if err := m.Infer(1); err != nil {
		t.Fatalf("could not infer: %v", err)
	}

	weight := 0.25 + 0.75*rand.Float64()
	w := G.NewScalar(g, tensor.Float64, G.WithName("kl_weight"),
		G.WithValue(weight))

	losses, err := m.LossesWithWeight(1, true, w)
	if err != nil {
		t.Fatalf("could not compute losses: %v", err)
	}

	runGraph(t, g)

	elbo := scalarValue(t, losses.ELBO)
	cll := scalarValue(t, losses.CondLogLike)
	klSum := 0.0
	for _, kl := range losses.KL {
		klSum += scalarValue(t, kl)
	}

	if want := cll - weight*klSum; math.Abs(elbo-want) > 1e-10 {
		t.Errorf("expected ELBO %v = %v - %v * %v, got %v", want, cll,
			weight, klSum, elbo)
	}
	if math.IsNaN(elbo) || math.IsInf(elbo, 0) {
		t.Errorf("ELBO is not finite: %v", elbo)
	}
}

func TestDenseInferIdempotent(t *testing.T) {
	const batchSize, obsSize = 2, 8

	g := G.NewGraph()
	m, err := NewDense(g, tinyConfig(), obsSize)
	if err != nil {
		t.Fatalf("could not construct model: %v", err)
	}
	if err := m.ReInit(binaryObs(g, batchSize, obsSize)); err != nil {
		t.Fatalf("could not reinitialize: %v", err)
	}

	if err := m.Infer(1); err != nil {
		t.Fatalf("could not infer: %v", err)
	}
	recon := m.Reconstruction()
	steps := len(m.StepELBOs())

	if err := m.Infer(1); err != nil {
		t.Fatalf("could not infer a second time: %v", err)
	}
	if m.Reconstruction() != recon {
		t.Error("expected a repeated Infer to leave the " +
			"reconstruction unchanged")
	}
	if len(m.StepELBOs()) != steps {
		t.Errorf("expected a repeated Infer to record no further "+
			"steps, got %v -> %v", steps, len(m.StepELBOs()))
	}
}

func TestDenseStepELBOs(t *testing.T) {
	const batchSize, obsSize = 2, 8

	cfg := tinyConfig()
	cfg.Iterations = 3

	g := G.NewGraph()
	m, err := NewDense(g, cfg, obsSize)
	if err != nil {
		t.Fatalf("could not construct model: %v", err)
	}
	if err := m.ReInit(binaryObs(g, batchSize, obsSize)); err != nil {
		t.Fatalf("could not reinitialize: %v", err)
	}
	if err := m.Infer(1); err != nil {
		t.Fatalf("could not infer: %v", err)
	}

	steps := m.StepELBOs()
	if len(steps) != cfg.Iterations+1 {
		t.Fatalf("expected %v step ELBOs, got %v", cfg.Iterations+1,
			len(steps))
	}

	runGraph(t, g)

	for i, step := range steps {
		val := scalarValue(t, step)
		if math.IsNaN(val) || math.IsInf(val, 0) {
			t.Errorf("step %v: ELBO is not finite: %v", i, val)
		}
	}
}

func TestDenseReInitChangesBatchSize(t *testing.T) {
	const obsSize = 8

	g := G.NewGraph()
	m, err := NewDense(g, tinyConfig(), obsSize)
	if err != nil {
		t.Fatalf("could not construct model: %v", err)
	}

	if err := m.ReInit(binaryObs(g, 4, obsSize)); err != nil {
		t.Fatalf("could not reinitialize: %v", err)
	}
	if m.BatchSize() != 4 {
		t.Fatalf("expected batch size 4, got %v", m.BatchSize())
	}

	if err := m.ReInit(binaryObs(g, 8, obsSize)); err != nil {
		t.Fatalf("could not reinitialize with a new batch size: %v", err)
	}
	if m.BatchSize() != 8 {
		t.Fatalf("expected batch size 8, got %v", m.BatchSize())
	}

	if err := m.Generate(1); err != nil {
		t.Fatalf("could not generate: %v", err)
	}
	want := tensor.Shape{8, 1, obsSize}
	if !m.Reconstruction().Shape().Eq(want) {
		t.Errorf("expected reconstruction shape %v, got %v", want,
			m.Reconstruction().Shape())
	}
}

func TestDenseTwoLevels(t *testing.T) {
	const batchSize, obsSize = 3, 12

	cfg := tinyConfig()
	cfg.NLatent = []int{4, 3}
	cfg.NLayersEnc = []int{1, 1}
	cfg.NUnitsEnc = []int{8, 6}
	cfg.NLayersDec = []int{1, 1}
	cfg.NUnitsDec = []int{8, 6}

	g := G.NewGraph()
	m, err := NewDense(g, cfg, obsSize)
	if err != nil {
		t.Fatalf("could not construct model: %v", err)
	}
	if err := m.ReInit(binaryObs(g, batchSize, obsSize)); err != nil {
		t.Fatalf("could not reinitialize: %v", err)
	}
	if err := m.Infer(1); err != nil {
		t.Fatalf("could not infer: %v", err)
	}

	losses, err := m.Losses(1, true)
	if err != nil {
		t.Fatalf("could not compute losses: %v", err)
	}
	if len(losses.KL) != 2 {
		t.Fatalf("expected 2 KL divergences, got %v", len(losses.KL))
	}

	runGraph(t, g)

	if elbo := scalarValue(t, losses.ELBO); math.IsNaN(elbo) ||
		math.IsInf(elbo, 0) {
		t.Errorf("ELBO is not finite: %v", elbo)
	}
	for i, kl := range losses.KL {
		if val := scalarValue(t, kl); math.IsNaN(val) ||
			math.IsInf(val, 0) {
			t.Errorf("level %v: KL is not finite: %v", i, val)
		}
	}
}

func TestDenseFeedforward(t *testing.T) {
	const batchSize, obsSize = 3, 8

	cfg := tinyConfig()
	cfg.InferenceType = InferenceFeedforward

	g := G.NewGraph()
	m, err := NewDense(g, cfg, obsSize)
	if err != nil {
		t.Fatalf("could not construct model: %v", err)
	}
	if err := m.ReInit(binaryObs(g, batchSize, obsSize)); err != nil {
		t.Fatalf("could not reinitialize: %v", err)
	}
	if err := m.Infer(1); err != nil {
		t.Fatalf("could not infer: %v", err)
	}
	if steps := m.StepELBOs(); steps != nil {
		t.Fatalf("expected no step ELBOs in feedforward mode, got %v",
			len(steps))
	}

	elbo, err := m.ELBO(1, true)
	if err != nil {
		t.Fatalf("could not compute ELBO: %v", err)
	}

	runGraph(t, g)

	if val := scalarValue(t, elbo); math.IsNaN(val) ||
		math.IsInf(val, 0) {
		t.Errorf("ELBO is not finite: %v", val)
	}
}

func TestDenseGenerateFromPrior(t *testing.T) {
	const batchSize, obsSize = 3, 8

	cfg := tinyConfig()
	cfg.NLatent = []int{4, 3}
	cfg.NLayersEnc = []int{1, 1}
	cfg.NUnitsEnc = []int{8, 6}
	cfg.NLayersDec = []int{1, 1}
	cfg.NUnitsDec = []int{8, 6}

	g := G.NewGraph()
	m, err := NewDense(g, cfg, obsSize)
	if err != nil {
		t.Fatalf("could not construct model: %v", err)
	}
	if err := m.ReInit(binaryObs(g, batchSize, obsSize)); err != nil {
		t.Fatalf("could not reinitialize: %v", err)
	}
	if err := m.GenerateFromPrior(2); err != nil {
		t.Fatalf("could not generate from the prior: %v", err)
	}

	generated := m.Reconstruction()
	want := tensor.Shape{batchSize, 2, obsSize}
	if !generated.Shape().Eq(want) {
		t.Fatalf("expected generated shape %v, got %v", want,
			generated.Shape())
	}

	runGraph(t, g)

	for i, v := range generated.Value().Data().([]float64) {
		if v < 0 || v > 1 {
			t.Errorf("element %v: expected a Bernoulli mean in [0, 1], "+
				"got %v", i, v)
		}
	}
}

func TestDenseGaussianOutputInterval(t *testing.T) {
	const batchSize, obsSize = 3, 8

	cfg := tinyConfig()
	cfg.OutputDistribution = OutputGaussian
	cfg.OutputInterval = 1. / 256.

	g := G.NewGraph()
	m, err := NewDense(g, cfg, obsSize)
	if err != nil {
		t.Fatalf("could not construct model: %v", err)
	}

	backing := make([]float64, batchSize*obsSize)
	for i := range backing {
		backing[i] = rand.Float64()
	}
	obs := G.NewMatrix(g, tensor.Float64,
		G.WithShape(batchSize, obsSize), G.WithName("obs"),
		G.WithValue(tensor.New(tensor.WithShape(batchSize, obsSize),
			tensor.WithBacking(backing))))

	if err := m.ReInit(obs); err != nil {
		t.Fatalf("could not reinitialize: %v", err)
	}
	if err := m.Infer(1); err != nil {
		t.Fatalf("could not infer: %v", err)
	}

	cll, err := m.ConditionalLogLikelihood(1, true)
	if err != nil {
		t.Fatalf("could not compute conditional log likelihood: %v", err)
	}

	runGraph(t, g)

	val := scalarValue(t, cll)
	if math.IsNaN(val) || math.IsInf(val, 0) {
		t.Fatalf("log likelihood is not finite: %v", val)
	}
	if val > 0 {
		t.Errorf("expected a non-positive interval log likelihood, "+
			"got %v", val)
	}
}
