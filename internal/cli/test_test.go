package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepflow/internal/harness"
)

// copyScenarios copies testdata/scenarios and the workflows they reference
// into a temp dir and returns the scenarios dir.
func copyScenarios(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"scenarios", "workflows"} {
		src := filepath.Join("testdata", dir)
		err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel("testdata", path)
			if err != nil {
				return err
			}
			dst := filepath.Join(root, rel)
			if d.IsDir() {
				return os.MkdirAll(dst, 0o755)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			return os.WriteFile(dst, data, 0o644)
		})
		require.NoError(t, err)
	}
	return filepath.Join(root, "scenarios")
}

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

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCmd(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := runTestCmd(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	out, err := runTestCmd(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommandPassesAgainstGolden(t *testing.T) {
	out, err := runTestCmd(t, "text", filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ claim_approved")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandJSON(t *testing.T) {
	out, err := runTestCmd(t, "json", filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, TestResult{
		Scenarios: []ScenarioResult{{Name: "claim_approved", Pass: true}},
		Passed:    1,
		Total:     1,
	}, resp.Data)
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	dir := copyScenarios(t)
	golden := harness.GoldenPath(filepath.Join(dir, "claim_approved.yaml"))
	require.NoError(t, os.WriteFile(golden, []byte("{}\n"), 0o644))

	out, err := runTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ claim_approved")
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandUpdate(t *testing.T) {
	dir := copyScenarios(t)
	golden := harness.GoldenPath(filepath.Join(dir, "claim_approved.yaml"))
	require.NoError(t, os.Remove(golden))

	out, err := runTestCmd(t, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ claim_approved (golden updated)")

	written, err := os.ReadFile(golden)
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join("testdata", "scenarios", "golden", "claim_approved.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))
}

func TestTestCommandFilter(t *testing.T) {
	out, err := runTestCmd(t, "text", filepath.Join("testdata", "scenarios"), "--filter", "lead_*")
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := copyScenarios(t)
	scenario := `
name: claim_wrong_stage
description: "expects the wrong stage"
definitions:
  - ../workflows/claim_review.cue
flow:
  - emit:
      type: claim.filed
      payload: { claim_id: C-8 }
    as: claim
    expect: { status: waiting, stage: paid }
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "claim_wrong_stage.yaml"), []byte(scenario), 0o644))

	out, err := runTestCmd(t, "text", dir, "--filter", "claim_wrong_*")
	require.Error(t, err)
	assert.Contains(t, out, "✗ claim_wrong_stage")
	assert.Contains(t, out, `expected stage "paid", got "filed"`)
	assert.Contains(t, out, "0 passed, 1 failed, 1 total")
}
