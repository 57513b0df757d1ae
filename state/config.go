package state

import (
	validatorPkg "github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var validatorUtil = validatorPkg.New()

// DefaultMaxContextAge is applied when the config omits max_context_age.
const DefaultMaxContextAge = 86400

// Config is the resolved persistence configuration handed to NewManager by
// the host's config layer. Only file persistence is supported.
type Config struct {
	PersistenceType string `yaml:"persistence_type" json:"persistence_type" validate:"required,eq=file"`
	MaxContextAge   int64  `yaml:"max_context_age" json:"max_context_age" validate:"gte=0"`
	StorageDir      string `yaml:"storage_dir" json:"storage_dir" validate:"required"`
}

// Validate applies defaults and rejects missing or unsupported settings.
func (c *Config) Validate() error {
	if c.MaxContextAge == 0 {
		c.MaxContextAge = DefaultMaxContextAge
	}
	if err := validatorUtil.Struct(c); err != nil {
		return errors.WithMessagef(InvalidConfigError, "%v", err)
	}
	return nil
}

// ConfigFromMap builds a Config from a resolved key/value mapping.
func ConfigFromMap(m map[string]any) (Config, error) {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return Config{}, errors.WithMessagef(InvalidConfigError, "marshal config map: %v", err)
	}
	return ConfigFromYAML(raw)
}

// ConfigFromYAML parses and validates YAML config bytes.
func ConfigFromYAML(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.WithMessagef(InvalidConfigError, "unmarshal config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
