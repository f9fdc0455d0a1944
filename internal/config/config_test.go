package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/offering"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 90*time.Second, cfg.Timing.PurchaseTimeout)
	assert.Equal(t, 2, cfg.Timing.MaxLoadAttempts)
	assert.Equal(t, 50, cfg.Timing.ProcessedLimit)
	assert.Len(t, cfg.Timing.UnlockBackoff, 3)
	assert.NoError(t, cfg.Check())
}

func TestTiming_LoadBackoff(t *testing.T) {
	tm := DefaultTiming()
	assert.Equal(t, 1500*time.Millisecond, tm.LoadBackoff(1))
	assert.Equal(t, 2000*time.Millisecond, tm.LoadBackoff(2))
}

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "valid.yaml"))
	require.NoError(t, err)

	assert.Equal(t, billing.PlatformAndroid, cfg.Platform)
	assert.True(t, cfg.Development)
	assert.Equal(t, []string{"pro_monthly", "pro_lifetime"}, cfg.ExpectedSKUs())
	assert.Equal(t, offering.TypeSubscription, cfg.SKUType("pro_monthly"))
	assert.Equal(t, offering.TypeIAP, cfg.SKUType("unknown"))
	assert.Equal(t, 5*time.Second, cfg.Server.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Timing.PurchaseTimeout)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, cfg.Timing.UnlockBackoff)
	assert.Equal(t, 3, cfg.Timing.MaxLoadAttempts)
	// Unset values keep defaults.
	assert.Equal(t, 500*time.Millisecond, cfg.Timing.SettleDelay)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"unknown top-level key", "colour: blue\n", "colour"},
		{"bad platform", "platform: windows\n", "platform"},
		{"bad duration", "timing:\n  settle_delay: soon\n", "settle_delay"},
		{"numeric duration", "timing:\n  purchase_timeout: 90\n", "purchase_timeout"},
		{"attempts out of range", "timing:\n  max_load_attempts: 0\n", "max_load_attempts"},
		{"bad url", "server:\n  base_url: ftp://x\n", "base_url"},
		{"sku missing id", "skus:\n  - type: iap\n", "id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestParse_NotAMapping(t *testing.T) {
	_, err := Parse([]byte("- a\n- b\n"))
	require.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestParse_DuplicateSKU(t *testing.T) {
	_, err := Parse([]byte("skus:\n  - id: a\n  - id: a\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate sku")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_ReportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("platform: web\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}
