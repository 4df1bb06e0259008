// Package config loads the single declarative YAML file that
// configures every stage of the forecasting pipeline: data loading,
// model architecture, training hyperparameters, inference sample
// count, and the serving host/port. Decoding is strict
// (yaml.Decoder.KnownFields(true)) so a typo in any section's keys
// fails fast at load time rather than silently falling back to a
// zero value, grounded on
// inference-sim/sim/workload/spec.go:LoadWorkloadSpec.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DataConfig describes where the source series live and how windows
// are built from them.
type DataConfig struct {
	CSVPath      string   `yaml:"csv_path"`
	WindowSize   int      `yaml:"window_size"`
	NonEntities  []string `yaml:"non_entities"`
}

// ModelConfig describes the forecast model's architecture.
type ModelConfig struct {
	EmbeddingDim int     `yaml:"embedding_dim"`
	HiddenSize   int     `yaml:"hidden_size"`
	NumLayers    int     `yaml:"num_layers"`
	Dropout      float64 `yaml:"dropout"`
}

// TrainingConfig describes the fit loop's hyperparameters.
type TrainingConfig struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Patience     int     `yaml:"patience"`
	GradClip     float64 `yaml:"grad_clip"`
}

// InferenceConfig describes the predictor's default behavior.
type InferenceConfig struct {
	NumSamples int `yaml:"num_samples"`
}

// ServerConfig describes the HTTP serving layer's bind address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config is the fully decoded contents of the five-section
// declarative configuration file.
type Config struct {
	Data      DataConfig      `yaml:"data"`
	Model     ModelConfig     `yaml:"model"`
	Training  TrainingConfig  `yaml:"training"`
	Inference InferenceConfig `yaml:"inference"`
	Server    ServerConfig    `yaml:"server"`

	// TestEntity names the entity used for the experiment harness's
	// single-series comparison (Baseline A). spec.md leaves this
	// choice unspecified; defaulting to the catalog's first entity
	// lexicographically when empty is documented in DESIGN.md.
	TestEntity string `yaml:"test_entity"`
}

// Load reads and strictly decodes a configuration file. Unknown keys
// in any section are a fatal configuration error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}

	cfg := defaults()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}

	if cfg.Data.CSVPath == "" {
		return nil, fmt.Errorf("config: load: data.csv_path is required")
	}
	if cfg.Data.WindowSize <= 0 {
		return nil, fmt.Errorf("config: load: data.window_size must be positive")
	}

	return &cfg, nil
}

// defaults mirrors the original Python dataclasses' default field
// values, applied before the YAML is decoded over them.
func defaults() Config {
	return Config{
		Model: ModelConfig{
			EmbeddingDim: 32,
			HiddenSize:   64,
			NumLayers:    2,
			Dropout:      0.1,
		},
		Training: TrainingConfig{
			Epochs:       150,
			BatchSize:    128,
			LearningRate: 1e-3,
			WeightDecay:  1e-5,
			Patience:     20,
			GradClip:     10.0,
		},
		Inference: InferenceConfig{
			NumSamples: 200,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
	}
}

// RejectSet converts the configured non-entity names into the set
// shape preprocess.Load expects.
func (c *Config) RejectSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Data.NonEntities))
	for _, name := range c.Data.NonEntities {
		out[name] = struct{}{}
	}
	return out
}
