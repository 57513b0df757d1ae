package orchest

import (
	validatorPkg "github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var validatorUtil = validatorPkg.New()

var InvalidEngineConfigError = errors.New("invalid engine config")

// EngineConfig tunes the engine's built-in managers. Zero values mean
// unbounded / unlimited.
type EngineConfig struct {
	Name                   string `yaml:"name" json:"name"`
	Version                string `yaml:"version" json:"version"`
	MaxQueueSize           int    `yaml:"max_queue_size" json:"max_queue_size" validate:"gte=0"`
	MaxConcurrentWorkflows int    `yaml:"max_concurrent_workflows" json:"max_concurrent_workflows" validate:"gte=0"`
	WorkerPoolSize         int    `yaml:"worker_pool_size" json:"worker_pool_size" validate:"gte=0"`
}

// DefaultEngineConfig returns the configuration New starts from.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Name:    "orchest",
		Version: "1.0.0",
	}
}

// Validate applies defaults and rejects out-of-range settings.
func (c *EngineConfig) Validate() error {
	if c.Name == "" {
		c.Name = "orchest"
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if err := validatorUtil.Struct(c); err != nil {
		return errors.WithMessagef(InvalidEngineConfigError, "%v", err)
	}
	return nil
}

// EngineConfigFromMap builds an EngineConfig from a resolved key/value
// mapping.
func EngineConfigFromMap(m map[string]any) (EngineConfig, error) {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return EngineConfig{}, errors.WithMessagef(InvalidEngineConfigError, "marshal config map: %v", err)
	}
	return EngineConfigFromYAML(raw)
}

// EngineConfigFromYAML parses and validates YAML config bytes.
func EngineConfigFromYAML(raw []byte) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return EngineConfig{}, errors.WithMessagef(InvalidEngineConfigError, "unmarshal config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}
