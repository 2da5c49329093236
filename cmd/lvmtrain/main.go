// Command lvmtrain trains a hierarchical latent variable model on
// MNIST with amortized variational inference.
//
// Usage:
//
//	lvmtrain -data ./data [-config config.yaml] [-epochs 20]
//
// The data directory must hold the gzipped IDX files of the MNIST
// distribution. An optional YAML configuration file overrides the
// default architecture and training settings.
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/samuelfneumann/golvm/dataset/mnist"
	"github.com/samuelfneumann/golvm/model"
	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

type trainConfig struct {
	Model model.Config `yaml:"model"`

	BatchSize int     `yaml:"batch_size"`
	Epochs    int     `yaml:"epochs"`
	NSamples  int     `yaml:"n_samples"`
	InfLR     float64 `yaml:"inference_learning_rate"`
	GenLR     float64 `yaml:"generative_learning_rate"`

	// AnnealEpochs scales the KL term linearly from 0 to 1 over this
	// many epochs; 0 disables annealing
	AnnealEpochs int `yaml:"anneal_epochs"`

	// BinarizeThreshold thresholds pixels to {0, 1} for Bernoulli
	// outputs
	BinarizeThreshold float64 `yaml:"binarize_threshold"`

	Seed int64 `yaml:"seed"`
}

func defaultTrainConfig() trainConfig {
	return trainConfig{
		Model:             model.DefaultConfig(),
		BatchSize:         64,
		Epochs:            20,
		NSamples:          1,
		InfLR:             2e-4,
		GenLR:             2e-4,
		AnnealEpochs:      5,
		BinarizeThreshold: 0.5,
		Seed:              1,
	}
}

func loadTrainConfig(path string) (trainConfig, error) {
	cfg := defaultTrainConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("could not read %v: %w", path, err)
	}
	defer f.Close()

	// Unknown option names fail here rather than silently training
	// the default architecture.
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("could not parse %v: %w", path, err)
	}

	return cfg, nil
}

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML "+
			"configuration file")
		dataDir = flag.String("data", "./data", "directory holding the "+
			"MNIST IDX files")
		epochs = flag.Int("epochs", 0, "override the configured number "+
			"of epochs")
	)
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := loadTrainConfig(*configPath)
	if err != nil {
		klog.Exitf("could not load configuration: %v", err)
	}
	if *epochs > 0 {
		cfg.Epochs = *epochs
	}
	if err := cfg.Model.Validate(); err != nil {
		klog.Exitf("invalid model configuration: %v", err)
	}

	if err := run(cfg, *dataDir); err != nil {
		klog.Exit(err)
	}
}

func run(cfg trainConfig, dataDir string) error {
	rng := rand.New(rand.NewSource(cfg.Seed))

	data, err := mnist.Load(
		filepath.Join(dataDir, mnist.TrainImagesFilename), "")
	if err != nil {
		return fmt.Errorf("could not load training data: %w", err)
	}
	if cfg.Model.OutputDistribution == model.OutputBernoulli {
		data.Binarize(cfg.BinarizeThreshold)
	}
	klog.Infof("loaded %v training examples of %v features",
		data.Len(), data.ObsSize())

	// The full inference and generation computation unrolls into one
	// static graph; each batch only rebinds the observation and KL
	// weight values.
	g := G.NewGraph()
	obs := G.NewMatrix(g, tensor.Float64,
		G.WithShape(cfg.BatchSize, data.ObsSize()),
		G.WithName("observation"))
	klWeight := G.NewScalar(g, tensor.Float64, G.WithName("kl_weight"))

	m, err := model.NewDense(g, cfg.Model, data.ObsSize())
	if err != nil {
		return fmt.Errorf("could not construct model: %w", err)
	}
	if err := m.ReInit(obs); err != nil {
		return fmt.Errorf("could not initialize model: %w", err)
	}
	if err := m.Infer(cfg.NSamples); err != nil {
		return fmt.Errorf("could not build inference graph: %w", err)
	}

	losses, err := m.LossesWithWeight(cfg.NSamples, true, klWeight)
	if err != nil {
		return fmt.Errorf("could not build losses: %w", err)
	}

	cost, err := G.Neg(losses.ELBO)
	if err != nil {
		return fmt.Errorf("could not build cost: %w", err)
	}

	infParams := m.InferenceParameters()
	genParams := m.GenerativeParameters()
	allParams := append(append(G.Nodes{}, infParams...), genParams...)

	if _, err := G.Grad(cost, allParams...); err != nil {
		return fmt.Errorf("could not build gradients: %w", err)
	}

	vm := G.NewTapeMachine(g, G.BindDualValues(allParams...))
	defer vm.Close()

	// The two parameter groups are disjoint and get separate
	// optimizers, so their learning rates can differ.
	infSolver := G.NewAdamSolver(G.WithLearnRate(cfg.InfLR))
	genSolver := G.NewAdamSolver(G.WithLearnRate(cfg.GenLR))

	nBatches := data.Batches(cfg.BatchSize)
	iterative := cfg.Model.InferenceType == model.InferenceIterative

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		data.Shuffle(rng)

		weight := 1.0
		if cfg.AnnealEpochs > 0 {
			weight = math.Min(1, float64(epoch)/float64(cfg.AnnealEpochs))
		}

		var elboSum, cllSum, improveSum float64
		klSums := make([]float64, len(losses.KL))
		bar := progressbar.Default(int64(nBatches),
			fmt.Sprintf("epoch %v", epoch))

		for b := 0; b < nBatches; b++ {
			batch, err := data.Batch(b*cfg.BatchSize, cfg.BatchSize)
			if err != nil {
				return fmt.Errorf("epoch %v: %w", epoch, err)
			}
			if err := G.Let(obs, batch); err != nil {
				return fmt.Errorf("epoch %v: could not bind "+
					"observation: %w", epoch, err)
			}
			if err := G.Let(klWeight, weight); err != nil {
				return fmt.Errorf("epoch %v: could not bind KL "+
					"weight: %w", epoch, err)
			}

			if err := vm.RunAll(); err != nil {
				return fmt.Errorf("epoch %v batch %v: %w", epoch, b, err)
			}

			elboSum += scalar(losses.ELBO)
			cllSum += scalar(losses.CondLogLike)
			for i, kl := range losses.KL {
				klSums[i] += scalar(kl)
			}
			if iterative {
				improveSum += inferenceImprovement(m.StepELBOs())
			}

			err = infSolver.Step(G.NodesToValueGrads(infParams))
			if err != nil {
				return fmt.Errorf("epoch %v: inference step: %w", epoch,
					err)
			}
			err = genSolver.Step(G.NodesToValueGrads(genParams))
			if err != nil {
				return fmt.Errorf("epoch %v: generative step: %w", epoch,
					err)
			}

			vm.Reset()
			bar.Add(1)
		}
		bar.Finish()

		n := float64(nBatches)
		klog.Infof("epoch %v: elbo %.4f, cond log like %.4f, "+
			"kl weight %.2f", epoch, elboSum/n, cllSum/n, weight)
		for i, sum := range klSums {
			klog.Infof("epoch %v: level %v kl %.4f", epoch, i, sum/n)
		}
		if iterative {
			klog.Infof("epoch %v: inference improvement %.2f%%", epoch,
				improveSum/n)
		}
		logMagnitudes(epoch, "inference", infParams)
		logMagnitudes(epoch, "generative", genParams)
		logStateMagnitudes(epoch, m)
	}

	return nil
}

func scalar(node *G.Node) float64 {
	if node == nil || node.Value() == nil {
		return math.NaN()
	}
	v, ok := node.Value().Data().(float64)
	if !ok {
		return math.NaN()
	}

	return v
}

// inferenceImprovement returns the relative gain in the ELBO from the
// first inference iteration to the last, in percent.
func inferenceImprovement(steps []*G.Node) float64 {
	if len(steps) < 2 {
		return 0
	}

	first, last := scalar(steps[0]), scalar(steps[len(steps)-1])
	if first == 0 || math.IsNaN(first) || math.IsNaN(last) {
		return 0
	}

	return 100 * (last - first) / math.Abs(first)
}

// logMagnitudes logs the mean L2 norms of a parameter group and its
// gradients at verbosity 1.
func logMagnitudes(epoch int, group string, params G.Nodes) {
	if !klog.V(1).Enabled() {
		return
	}

	var pNorm, gNorm float64
	n := 0
	for _, p := range params {
		vals, ok := p.Value().Data().([]float64)
		if !ok {
			continue
		}

		grad, err := p.Grad()
		if err != nil {
			continue
		}
		gVals, ok := grad.Data().([]float64)
		if !ok {
			continue
		}

		pNorm += norm(vals)
		gNorm += norm(gVals)
		n++
	}
	if n == 0 {
		return
	}

	klog.V(1).Infof("epoch %v: %v params: mean param norm %.4f, mean "+
		"grad norm %.6f", epoch, group, pNorm/float64(n),
		gNorm/float64(n))
}

// logStateMagnitudes logs the L2 norms of every level's posterior and
// prior mean and log variance at verbosity 1, read from the last
// evaluated batch.
func logStateMagnitudes(epoch int, m *model.DenseModel) {
	if !klog.V(1).Enabled() {
		return
	}

	for i, lvl := range m.Levels() {
		post := lvl.Variable().Posterior()
		prior := lvl.Variable().Prior()
		klog.V(1).Infof("epoch %v: level %v posterior: mean norm %.4f, "+
			"log var norm %.4f", epoch, i, nodeNorm(post.Mean()),
			nodeNorm(post.LogVar()))
		klog.V(1).Infof("epoch %v: level %v prior: mean norm %.4f, "+
			"log var norm %.4f", epoch, i, nodeNorm(prior.Mean()),
			nodeNorm(prior.LogVar()))
	}
}

// nodeNorm returns the L2 norm of a node's current value, or NaN when
// the node has none.
func nodeNorm(node *G.Node) float64 {
	if node == nil || node.Value() == nil {
		return math.NaN()
	}

	vals, ok := node.Value().Data().([]float64)
	if !ok {
		return math.NaN()
	}

	return norm(vals)
}

func norm(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v * v
	}

	return math.Sqrt(sum)
}
