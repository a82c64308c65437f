package visiongate

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use strings like
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("visiongate: config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level gateway configuration.
type Config struct {
	FreeDailyCeiling int64    `yaml:"free_daily_ceiling"`
	QuotaWindow      Duration `yaml:"quota_window"`
	PremiumBurst     int64    `yaml:"premium_burst"`
	BurstWindow      Duration `yaml:"burst_window"`
	Cooldown         Duration `yaml:"cooldown"`

	ProviderTimeout Duration `yaml:"provider_timeout"`
	RetryBackoff    Duration `yaml:"retry_backoff"`
	DisableRetry    bool     `yaml:"disable_retry"`

	PremiumUsers []string          `yaml:"premium_users"`
	Models       map[string]string `yaml:"models"`
	Prompts      map[string]string `yaml:"prompts"`
	Keys         []KeyConfig       `yaml:"keys"`
}

// KeyConfig configures a single provider key seeded into the pool.
type KeyConfig struct {
	Provider   string `yaml:"provider"`
	ID         string `yaml:"id"`
	APIKey     string `yaml:"api_key"`
	DailyLimit int64  `yaml:"daily_limit"`
	Owner      string `yaml:"owner"` // user id, empty for system-scoped keys
}

// LoadConfig reads and parses a YAML config file. Environment variables
// in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("visiongate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("visiongate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

var knownProviders = map[string]bool{
	"gemini":    true,
	"openai":    true,
	"anthropic": true,
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	ids := make(map[string]bool, len(c.Keys))
	for i, k := range c.Keys {
		if k.Provider == "" {
			return fmt.Errorf("visiongate: config: keys[%d]: provider is required", i)
		}
		if !knownProviders[k.Provider] {
			return fmt.Errorf("visiongate: config: keys[%d]: unknown provider %q", i, k.Provider)
		}
		if k.ID == "" {
			return fmt.Errorf("visiongate: config: keys[%d]: id is required", i)
		}
		if ids[k.ID] {
			return fmt.Errorf("visiongate: config: duplicate key id %q", k.ID)
		}
		ids[k.ID] = true

		if k.DailyLimit <= 0 {
			return fmt.Errorf("visiongate: config: keys[%d] (%s): daily_limit must be positive", i, k.ID)
		}
		if k.Owner != "" {
			if _, err := uuid.Parse(k.Owner); err != nil {
				return fmt.Errorf("visiongate: config: keys[%d] (%s): owner must be a UUID", i, k.ID)
			}
		}
	}

	for i, u := range c.PremiumUsers {
		if _, err := uuid.Parse(u); err != nil {
			return fmt.Errorf("visiongate: config: premium_users[%d]: %q is not a UUID", i, u)
		}
	}

	for t := range c.Prompts {
		if !AnalysisType(t).Valid() {
			return fmt.Errorf("visiongate: config: prompts: unknown analysis type %q", t)
		}
	}

	return nil
}

// limits returns the admission policy with defaults applied for any
// unset field.
func (c Config) limits() Limits {
	l := DefaultLimits()
	if c.FreeDailyCeiling > 0 {
		l.FreeDailyCeiling = c.FreeDailyCeiling
	}
	if c.QuotaWindow > 0 {
		l.QuotaWindow = c.QuotaWindow.Std()
	}
	if c.PremiumBurst > 0 {
		l.PremiumBurst = c.PremiumBurst
	}
	if c.BurstWindow > 0 {
		l.BurstWindow = c.BurstWindow.Std()
	}
	if c.Cooldown > 0 {
		l.Cooldown = c.Cooldown.Std()
	}
	return l
}

func (c Config) providerTimeout() time.Duration {
	if c.ProviderTimeout > 0 {
		return c.ProviderTimeout.Std()
	}
	return 30 * time.Second
}

func (c Config) retryBackoff() time.Duration {
	if c.RetryBackoff > 0 {
		return c.RetryBackoff.Std()
	}
	return 500 * time.Millisecond
}

func (c Config) prompts() PromptCatalog {
	p := DefaultPrompts()
	for t, s := range c.Prompts {
		if s != "" {
			p[AnalysisType(t)] = s
		}
	}
	return p
}

// poolKeys converts configured keys into seedable pool entries.
func (c Config) poolKeys() []ProviderKey {
	out := make([]ProviderKey, 0, len(c.Keys))
	for _, k := range c.Keys {
		scope := ScopeSystem
		if k.Owner != "" {
			scope = ScopeUser
		}
		out = append(out, ProviderKey{
			ID:         k.ID,
			Provider:   k.Provider,
			Scope:      scope,
			OwnerID:    k.Owner,
			APIKey:     k.APIKey,
			DailyLimit: k.DailyLimit,
			Status:     KeyActive,
		})
	}
	return out
}
