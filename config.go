package creditgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// transportUnitLimit is the hard per-unit text limit imposed by the
// delivery transport. ChunkSize must stay under it with room for the
// provisional cursor marker.
const transportUnitLimit = 4096

// Config is the top-level creditgate configuration.
type Config struct {
	DefaultVariant string                 `yaml:"default_variant"`
	Variants       map[string]VariantSpec `yaml:"variants"`

	// Processing lock.
	LockTimeout   time.Duration `yaml:"lock_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Reflection retry policy.
	MaxReflections     int           `yaml:"max_reflections"`
	ReflectionCooldown time.Duration `yaml:"reflection_cooldown"`

	// Delivery coalescing.
	ChunkSize    int           `yaml:"chunk_size"`
	EditInterval time.Duration `yaml:"edit_interval"`

	// Long-form outputs shorter than this count as refusals.
	MinLongForm int `yaml:"min_long_form"`

	// Bonus-bucket grants.
	BonusGrant int64         `yaml:"bonus_grant"`
	BonusTTL   time.Duration `yaml:"bonus_ttl"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("creditgate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("creditgate: parse config: %w", err)
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultConfig returns a config with every field at its default.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// withDefaults fills zero-valued fields.
func (c Config) withDefaults() Config {
	if c.DefaultVariant == "" {
		c.DefaultVariant = "standard"
	}
	if c.Variants == nil {
		c.Variants = map[string]VariantSpec{
			"standard": {Cost: 1, RefusalThreshold: 0.70, Mode: ModeChat, Timeout: 90 * time.Second},
			"premium":  {Cost: 3, RefusalThreshold: 0.60, Mode: ModeChat, Timeout: 90 * time.Second},
			"longform": {Cost: 1, RefusalThreshold: 0.70, Mode: ModeLongForm, Timeout: 120 * time.Second},
		}
	}
	for name, v := range c.Variants {
		if v.Timeout == 0 {
			v.Timeout = 90 * time.Second
		}
		if v.Mode == "" {
			v.Mode = ModeChat
		}
		c.Variants[name] = v
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = 60 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MaxReflections == 0 {
		c.MaxReflections = 2
	}
	if c.ReflectionCooldown == 0 {
		c.ReflectionCooldown = 5 * time.Minute
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 4000
	}
	if c.EditInterval == 0 {
		c.EditInterval = time.Second
	}
	if c.MinLongForm == 0 {
		c.MinLongForm = 500
	}
	if c.BonusGrant == 0 {
		c.BonusGrant = 25
	}
	if c.BonusTTL == 0 {
		c.BonusTTL = 48 * time.Hour
	}
	return c
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Variants) == 0 {
		return fmt.Errorf("creditgate: config: at least one variant is required")
	}
	if _, ok := c.Variants[c.DefaultVariant]; !ok {
		return fmt.Errorf("creditgate: config: default_variant %q is not defined", c.DefaultVariant)
	}
	for name, v := range c.Variants {
		if v.Cost < 0 {
			return fmt.Errorf("creditgate: config: variant %q: cost must be >= 0", name)
		}
		if v.RefusalThreshold < 0 || v.RefusalThreshold > 1 {
			return fmt.Errorf("creditgate: config: variant %q: refusal_threshold must be in [0,1]", name)
		}
		if v.Mode != ModeChat && v.Mode != ModeLongForm {
			return fmt.Errorf("creditgate: config: variant %q: invalid mode %q", name, v.Mode)
		}
	}
	if c.ChunkSize <= 0 || c.ChunkSize >= transportUnitLimit {
		return fmt.Errorf("creditgate: config: chunk_size must be in (0,%d)", transportUnitLimit)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("creditgate: config: lock_timeout must be positive")
	}
	if c.MaxReflections < 0 {
		return fmt.Errorf("creditgate: config: max_reflections must be >= 0")
	}
	return nil
}

// variant resolves a variant name, falling back to the default for
// unknown names.
func (c Config) variant(name string) (string, VariantSpec) {
	if v, ok := c.Variants[name]; ok {
		return name, v
	}
	return c.DefaultVariant, c.Variants[c.DefaultVariant]
}
