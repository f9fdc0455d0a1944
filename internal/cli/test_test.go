package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	harnessScenarios = filepath.Join("..", "harness", "testdata", "scenarios")
	harnessGoldens   = filepath.Join("..", "harness", "testdata", "golden")
)

const failingScenario = `name: wrong_expectation
description: "Buying before initialize is expected to succeed, which it does not"
skus:
  - id: pro_monthly
flow:
  - invoke: buy
    args: { sku: pro_monthly }
    expect:
      case: ok
assertions:
  - type: unlock_count
    count: 0
`

func runTestCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// copyScenario copies a harness scenario, and optionally its golden file,
// into dir.
func copyScenario(t *testing.T, dir, name string, withGolden bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(harnessScenarios, name+".yaml"))
	require.NoError(t, err)
	writeFile(t, dir, name+".yaml", string(data))

	if withGolden {
		golden, err := os.ReadFile(filepath.Join(harnessGoldens, name+".golden"))
		require.NoError(t, err)
		writeFile(t, dir, filepath.Join("golden", name+".golden"), string(golden))
	}
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCmd(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentDir(t *testing.T) {
	_, err := runTestCmd(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandNotADirectory(t *testing.T) {
	path := writeFile(t, t.TempDir(), "one.yaml", failingScenario)

	_, err := runTestCmd(t, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "not a directory")
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	output, err := runTestCmd(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, output, "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	output, err := runTestCmd(t, "json", t.TempDir())
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.Data.Total)
	assert.Empty(t, resp.Data.Scenarios)
}

func TestTestCommandHarnessScenarios(t *testing.T) {
	files, err := findScenarioFiles(harnessScenarios, "")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	output, err := runTestCmd(t, "text", harnessScenarios)
	require.NoError(t, err, output)
	assert.Contains(t, output, "✓ happy_path")
	assert.Contains(t, output, "✓ All scenarios passed")
	assert.Contains(t, output, "0 failed")
}

func TestTestCommandFilter(t *testing.T) {
	output, err := runTestCmd(t, "json", harnessScenarios, "--filter", "restore*")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 2, resp.Data.Passed)

	names := []string{resp.Data.Scenarios[0].Name, resp.Data.Scenarios[1].Name}
	assert.ElementsMatch(t, []string{"restore", "restore_invalid"}, names)
}

func TestTestCommandInvalidFilter(t *testing.T) {
	_, err := runTestCmd(t, "text", harnessScenarios, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "wrong.yaml", failingScenario)

	output, err := runTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "✗ wrong_expectation")
	assert.Contains(t, output, `expected case "ok", got "NOT_CONNECTED"`)
	assert.Contains(t, output, "Test Summary: 0 passed, 1 failed, 1 total")
}

func TestTestCommandFailingScenarioJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "wrong.yaml", failingScenario)
	copyScenario(t, dir, "happy_path", false)

	output, err := runTestCmd(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeTestFailed, resp.Error.Code)
}

func TestTestCommandLoadError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "name: broken\nunknown_field: 1\n")

	output, err := runTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "✗ broken.yaml")
	assert.Contains(t, output, "failed to load scenario")
}

func TestTestCommandGoldenMatch(t *testing.T) {
	dir := t.TempDir()
	copyScenario(t, dir, "happy_path", true)

	output, err := runTestCmd(t, "text", dir)
	require.NoError(t, err, output)
	assert.Contains(t, output, "✓ happy_path")
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	copyScenario(t, dir, "happy_path", false)
	writeFile(t, dir, filepath.Join("golden", "happy_path.golden"), `{"scenario_name":"happy_path","trace":[]}`)

	output, err := runTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "trace does not match golden file")
}

func TestTestCommandUpdateGolden(t *testing.T) {
	dir := t.TempDir()
	copyScenario(t, dir, "happy_path", false)

	output, err := runTestCmd(t, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, output, "✓ happy_path (golden updated)")

	written, err := os.ReadFile(filepath.Join(dir, "golden", "happy_path.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(harnessGoldens, "happy_path.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))

	// A second run compares against the written golden.
	output, err = runTestCmd(t, "text", dir)
	require.NoError(t, err, output)
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("scenarios", "golden", "happy_path.golden"),
		goldenFilePath(filepath.Join("scenarios", "happy_path.yaml")))
}
