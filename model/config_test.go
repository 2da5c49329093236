package model

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/samuelfneumann/golvm/network"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default configuration failed validation: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no levels", func(c *Config) { c.NLatent = nil }},
		{"ragged encoder layers", func(c *Config) {
			c.NLayersEnc = append(c.NLayersEnc, 2)
		}},
		{"zero latent variables", func(c *Config) { c.NLatent[0] = 0 }},
		{"negative decoder layers", func(c *Config) {
			c.NLayersDec[0] = -1
		}},
		{"encoder layers without units", func(c *Config) {
			c.NUnitsEnc[0] = 0
		}},
		{"unknown posterior form", func(c *Config) {
			c.PosteriorForm = "laplace"
		}},
		{"unknown output distribution", func(c *Config) {
			c.OutputDistribution = "poisson"
		}},
		{"negative output interval", func(c *Config) {
			c.OutputInterval = -1. / 256.
		}},
		{"interval on bernoulli output", func(c *Config) {
			c.OutputInterval = 1. / 256.
		}},
		{"unknown inference type", func(c *Config) {
			c.InferenceType = "mcmc"
		}},
		{"recurrent inference type unsupported", func(c *Config) {
			c.InferenceType = "recurrent"
		}},
		{"zero iterations", func(c *Config) { c.Iterations = 0 }},
		{"empty encoding form", func(c *Config) { c.EncodingForm = nil }},
		{"unknown encoding source", func(c *Config) {
			c.EncodingForm = []EncodingSource{"gradient"}
		}},
		{"duplicate encoding source", func(c *Config) {
			c.EncodingForm = []EncodingSource{EncodePosterior,
				EncodePosterior}
		}},
		{"unknown update form", func(c *Config) {
			c.UpdateForm = "residual"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation to fail")
			}
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestConfigFeedforwardIgnoresIterations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InferenceType = InferenceFeedforward
	cfg.Iterations = 0
	cfg.EncodingForm = nil
	cfg.ConnectionTypeEnc = network.Sequential

	if err := cfg.Validate(); err != nil {
		t.Fatalf("feedforward configuration failed validation: %v", err)
	}
}
