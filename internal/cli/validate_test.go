package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/iapsync/internal/config"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func runValidateCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateValidConfig(t *testing.T) {
	path := filepath.Join("..", "config", "testdata", "valid.yaml")

	output, err := runValidateCmd(t, "text", path)
	require.NoError(t, err)
	assert.Contains(t, output, "✓ Config valid (platform android, 2 SKU(s))")
}

func TestValidateValidConfigJSON(t *testing.T) {
	path := filepath.Join("..", "config", "testdata", "valid.yaml")

	output, err := runValidateCmd(t, "json", path)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, "android", resp.Data.Platform)
	assert.Equal(t, []string{"pro_monthly", "pro_lifetime"}, resp.Data.SKUs)
	assert.Equal(t, "/tmp/iapsync.db", resp.Data.Database)
}

func TestValidateEmptyConfigUsesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.yaml", "")

	output, err := runValidateCmd(t, "text", path)
	require.NoError(t, err)
	assert.Contains(t, output, "platform ios, 0 SKU(s)")
}

func TestValidateNonExistentFile(t *testing.T) {
	output, err := runValidateCmd(t, "text", "/nonexistent/iapsync.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "E005") // ErrCodeNotFound
	assert.Contains(t, output, "not found")
}

func TestValidateDirectory(t *testing.T) {
	_, err := runValidateCmd(t, "text", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "is a directory")
}

func TestValidateSchemaViolations(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", `
platform: windows
skus:
  - id: pro_monthly
    type: lifetime
`)

	output, err := runValidateCmd(t, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "✗ Validation failed")
	assert.Contains(t, output, "platform")
	assert.Contains(t, output, "skus.0.type")
}

func TestValidateSchemaViolationsJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "timing:\n  max_load_attempts: 0\n")

	output, err := runValidateCmd(t, "json", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	require.NotEmpty(t, resp.Data.Errors)
	assert.Contains(t, fieldsOf(resp.Data.Errors), "timing.max_load_attempts")
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeConfigInvalid, resp.Error.Code)
}

func TestValidateDuplicateSKU(t *testing.T) {
	path := writeFile(t, t.TempDir(), "dup.yaml", `
skus:
  - id: pro_monthly
  - id: pro_monthly
`)

	output, err := runValidateCmd(t, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, `skus.1.id: duplicate sku "pro_monthly"`)
}

func TestFlattenValidation(t *testing.T) {
	path := writeFile(t, t.TempDir(), "two.yaml", `
platform: windows
server:
  base_url: ftp://example.com
`)

	_, violations, err := LoadConfig(path)
	require.NoError(t, err)
	fields := fieldsOf(violations)
	assert.Contains(t, fields, "platform")
	assert.Contains(t, fields, "server.base_url")
}

func fieldsOf(errs []config.ValidationError) []string {
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	return fields
}
