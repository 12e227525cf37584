package utils

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"linnet/optim"
)

// Config holds training configuration
type Config struct {
	// Architecture lists the layer widths, input first.
	Architecture     []int  `yaml:"architecture"`
	Activation       string `yaml:"activation"`
	OutputActivation string `yaml:"output_activation"`
	Initializer      string `yaml:"initializer"`

	DataPath string `yaml:"data"`
	// Classes > 0 means the first CSV column is a class label, one-hot encoded.
	Classes   int  `yaml:"classes"`
	Normalize bool `yaml:"normalize"`

	BatchSize      int                  `yaml:"batch_size"`
	Epochs         int                  `yaml:"epochs"`
	Cost           string               `yaml:"cost"`
	Optimizer      optim.Config         `yaml:"optimizer"`
	Dropout        float64              `yaml:"dropout"`
	Regularization RegularizationConfig `yaml:"regularization"`
	Seed           uint64               `yaml:"seed"`

	WeightsOut string `yaml:"weights_out"`
}

// RegularizationConfig holds the L1 and L2 coefficients; zero disables a term.
type RegularizationConfig struct {
	L1 float64 `yaml:"l1"`
	L2 float64 `yaml:"l2"`
}

// DefaultConfig returns the configuration used for values a file leaves out.
func DefaultConfig() *Config {
	return &Config{
		Activation:       "sigmoid",
		OutputActivation: "sigmoid",
		Initializer:      "xavier",
		BatchSize:        32,
		Epochs:           10,
		Cost:             "mse",
		Optimizer:        optim.DefaultConfig(),
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of DefaultConfig. Unknown keys are errors.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	return cfg, nil
}

// ParseArchitecture parses architecture string into slice of integers.
// Widths are separated by spaces or commas.
func ParseArchitecture(archStr string) ([]int, error) {
	archParts := strings.FieldsFunc(archStr, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	arch := make([]int, len(archParts))
	for i, s := range archParts {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		arch[i] = n
	}
	return arch, nil
}

// ValidateConfig validates training configuration
func ValidateConfig(config *Config) error {
	if len(config.Architecture) < 2 {
		return errors.New("architecture must have at least 2 layers (input and output)")
	}
	for i, n := range config.Architecture {
		if n <= 0 {
			return errors.Errorf("layer %d must have a positive width, got %d", i, n)
		}
	}

	if config.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}

	if config.Epochs <= 0 {
		return errors.New("epochs must be positive")
	}

	if !(config.Dropout >= 0 && config.Dropout < 1) {
		return errors.Errorf("dropout must be in [0, 1), got %v", config.Dropout)
	}

	if config.Regularization.L1 < 0 || config.Regularization.L2 < 0 {
		return errors.New("regularization coefficients must not be negative")
	}

	if err := config.Optimizer.Validate(); err != nil {
		return err
	}

	if config.Classes > 0 && config.Classes != config.Architecture[len(config.Architecture)-1] {
		return errors.Errorf("%d classes but the output layer has %d units", config.Classes, config.Architecture[len(config.Architecture)-1])
	}

	return nil
}
