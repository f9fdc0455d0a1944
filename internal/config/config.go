// Package config loads iapsync configuration from YAML.
//
// Documents are checked against an embedded CUE schema before decoding,
// so unknown keys and malformed durations are reported by field path.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/offering"
)

// SKU is one expected product.
type SKU struct {
	ID   string        `yaml:"id" json:"id"`
	Type offering.Type `yaml:"type,omitempty" json:"type,omitempty"`
}

// Server configures the entitlement server client.
type Server struct {
	BaseURL   string        `yaml:"base_url" json:"base_url"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	RateLimit float64       `yaml:"rate_limit" json:"rate_limit"`
	Burst     int           `yaml:"burst" json:"burst"`
	AuthToken string        `yaml:"auth_token" json:"-"`
}

// Timing holds the engine's timeouts, backoffs and bounds.
type Timing struct {
	PurchaseTimeout      time.Duration   `yaml:"purchase_timeout" json:"purchase_timeout"`
	SettleDelay          time.Duration   `yaml:"settle_delay" json:"settle_delay"`
	LoadBackoffBase      time.Duration   `yaml:"load_backoff_base" json:"load_backoff_base"`
	LoadBackoffStep      time.Duration   `yaml:"load_backoff_step" json:"load_backoff_step"`
	MaxLoadAttempts      int             `yaml:"max_load_attempts" json:"max_load_attempts"`
	UnlockBackoff        []time.Duration `yaml:"unlock_backoff" json:"unlock_backoff"`
	PendingGrace         time.Duration   `yaml:"pending_grace" json:"pending_grace"`
	MaxPendingRetries    int             `yaml:"max_pending_retries" json:"max_pending_retries"`
	StrandedClearTimeout time.Duration   `yaml:"stranded_clear_timeout" json:"stranded_clear_timeout"`
	StuckMaxCount        int             `yaml:"stuck_max_count" json:"stuck_max_count"`
	StuckMaxAge          time.Duration   `yaml:"stuck_max_age" json:"stuck_max_age"`
	ProcessedLimit       int             `yaml:"processed_limit" json:"processed_limit"`
}

// LoadBackoff returns the delay before load attempt n (1-based) is retried.
func (t Timing) LoadBackoff(attempt int) time.Duration {
	return t.LoadBackoffBase + time.Duration(attempt)*t.LoadBackoffStep
}

// Config is the full iapsync configuration.
type Config struct {
	Platform     billing.Platform `yaml:"platform" json:"platform"`
	Development  bool             `yaml:"development" json:"development"`
	DatabasePath string           `yaml:"database_path" json:"database_path"`
	SKUs         []SKU            `yaml:"skus" json:"skus"`
	Server       Server           `yaml:"server" json:"server"`
	Timing       Timing           `yaml:"timing" json:"timing"`
}

// DefaultTiming returns the production timing values.
func DefaultTiming() Timing {
	return Timing{
		PurchaseTimeout:      90 * time.Second,
		SettleDelay:          500 * time.Millisecond,
		LoadBackoffBase:      1000 * time.Millisecond,
		LoadBackoffStep:      500 * time.Millisecond,
		MaxLoadAttempts:      2,
		UnlockBackoff:        []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 1000 * time.Millisecond},
		PendingGrace:         5 * time.Second,
		MaxPendingRetries:    3,
		StrandedClearTimeout: 5 * time.Second,
		StuckMaxCount:        3,
		StuckMaxAge:          7 * 24 * time.Hour,
		ProcessedLimit:       50,
	}
}

// Default returns a configuration with production defaults and no SKUs.
func Default() Config {
	return Config{
		Platform:     billing.PlatformIOS,
		DatabasePath: "iapsync.db",
		Server: Server{
			Timeout:   10 * time.Second,
			RateLimit: 5,
			Burst:     5,
		},
		Timing: DefaultTiming(),
	}
}

// ExpectedSKUs returns the allow-listed product identifiers in order.
func (c Config) ExpectedSKUs() []string {
	ids := make([]string, 0, len(c.SKUs))
	for _, s := range c.SKUs {
		ids = append(ids, s.ID)
	}
	return ids
}

// SKUType returns the configured type for id, defaulting to iap.
func (c Config) SKUType(id string) offering.Type {
	for _, s := range c.SKUs {
		if s.ID == id && s.Type != "" {
			return s.Type
		}
	}
	return offering.TypeIAP
}

// Check validates cross-field rules the schema cannot express.
func (c Config) Check() error {
	var errs []error
	seen := make(map[string]bool, len(c.SKUs))
	for i, s := range c.SKUs {
		if s.ID == "" {
			errs = append(errs, &ValidationError{Field: fmt.Sprintf("skus.%d.id", i), Message: "must be non-empty"})
			continue
		}
		if seen[s.ID] {
			errs = append(errs, &ValidationError{Field: fmt.Sprintf("skus.%d.id", i), Message: fmt.Sprintf("duplicate sku %q", s.ID)})
		}
		seen[s.ID] = true
	}
	if c.Timing.MaxLoadAttempts < 1 {
		errs = append(errs, &ValidationError{Field: "timing.max_load_attempts", Message: "must be at least 1"})
	}
	if c.Timing.PurchaseTimeout <= 0 {
		errs = append(errs, &ValidationError{Field: "timing.purchase_timeout", Message: "must be positive"})
	}
	return errors.Join(errs...)
}

// Parse validates data against the schema and decodes it over Default().
func Parse(data []byte) (Config, error) {
	if err := ValidateDocument(data); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if cfg.Platform == "" {
		cfg.Platform = billing.PlatformPreview
	}
	if err := cfg.Check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
