package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const acmeScenario = `
name: acme_push
description: "A company is pushed with its industry mapped"
config: %s
local:
  - type: Company
    id: c1
    fields: {name: Acme, industry: tech}
steps:
  - run: {}
    expect: {status: completed, created: 1, failed: 0}
assertions:
  - type: remote_record
    entity: Account
    id: A-1
    fields: {Name: Acme, Industry: Technology}
`

func scenarioDir(t *testing.T, files map[string]string) string {
	t.Helper()
	config, err := filepath.Abs(configDir)
	require.NoError(t, err)
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(fmt.Sprintf(body, config)), 0o644))
	}
	return dir
}

func runTestCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommandPasses(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"acme.yaml": acmeScenario})

	out, err := runTestCommand(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ acme_push")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandGoldenRoundTrip(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"acme.yaml": acmeScenario})

	_, err := runTestCommand(t, "text", dir, "--update")
	require.NoError(t, err)
	golden := filepath.Join(dir, "golden", "acme_push.golden")
	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name":"acme_push"`)
	assert.Contains(t, string(data), `"remote_id":"A-1"`)

	_, err = runTestCommand(t, "text", dir)
	require.NoError(t, err, "an unchanged trace matches its golden file")

	require.NoError(t, os.WriteFile(golden, []byte(`{"scenario_name":"acme_push","trace":[]}`), 0o644))
	out, err := runTestCommand(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ acme_push")
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommandReportsFailures(t *testing.T) {
	failing := `
name: wrong_count
config: %s
local:
  - type: Company
    id: c1
    fields: {name: Acme}
steps:
  - run: {}
    expect: {created: 2}
`
	dir := scenarioDir(t, map[string]string{"acme.yaml": acmeScenario, "wrong.yaml": failing})

	out, err := runTestCommand(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)
	require.Len(t, resp.Data.Scenarios, 2)
	assert.Equal(t, "acme_push", resp.Data.Scenarios[0].Name)
	assert.False(t, resp.Data.Scenarios[1].Pass)
	assert.Contains(t, resp.Data.Scenarios[1].Errors[0], "created: expected 2, got 1")
}

func TestTestCommandFilter(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"acme.yaml": acmeScenario, "other.yaml": acmeScenario})

	out, err := runTestCommand(t, "text", dir, "--filter", "acm*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandInvalidScenario(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"bad.yaml": "name: bad\nconfig: %s\n"})

	out, err := runTestCommand(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ bad.yaml")
	assert.Contains(t, out, "steps list is required")
}

func TestTestCommandMissingDirectory(t *testing.T) {
	out, err := runTestCommand(t, "text", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E104]")
}
