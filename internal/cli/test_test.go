package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `
name: order_ok
description: "Canonical trace passes"
flow:
  - invoke: order.check
    args: { trace: "quadran-lock, quadra-cssr, safety-guardrails, override-conditions, restraint-doctrine, runtime" }
    expect: { case: Ok }
assertions:
  - type: trace_count
    action: order.check
    count: 1
`

const failingScenario = `
name: order_bad
description: "Expectation that does not hold"
flow:
  - invoke: order.check
    args: { trace: "runtime" }
    expect: { case: Ok }
assertions:
  - type: trace_count
    action: order.check
    count: 1
`

const evaluateScenario = `
name: single_gate
description: "One passing gate is enough at min_gates 1"
config:
  min_gates: 1
setup:
  - action: device.register
    args: { deviceId: D1, publicKey: K1 }
flow:
  - invoke: evaluate
    args: { deviceId: D1, publicKey: K1, userId: U1 }
    expect: { case: Allowed }
  - invoke: evaluate
    args: { deviceId: D1, publicKey: K9, userId: U1, nonce: last }
    expect: { case: Denied }
`

func writeScenarios(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func TestTestCommand_Passing(t *testing.T) {
	c := newTestCLI(t)
	dir := writeScenarios(t, map[string]string{"order_ok.yaml": passingScenario})

	out, err := c.run(t, "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ order_ok")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommand_FailingJSON(t *testing.T) {
	c := newTestCLI(t)
	dir := writeScenarios(t, map[string]string{
		"order_ok.yaml":  passingScenario,
		"order_bad.yaml": failingScenario,
	})

	resp, err := c.runJSON(t, "test", dir)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "error", resp.Status)
	data := dataOf(t, resp)
	assert.Equal(t, float64(1), data["passed"])
	assert.Equal(t, float64(1), data["failed"])
}

func TestTestCommand_Filter(t *testing.T) {
	c := newTestCLI(t)
	dir := writeScenarios(t, map[string]string{
		"order_ok.yaml":  passingScenario,
		"order_bad.yaml": failingScenario,
	})

	out, err := c.run(t, "test", dir, "--filter", "*_ok")
	require.NoError(t, err)
	assert.Contains(t, out, "1 total")
}

func TestTestCommand_GoldenUpdateThenCompare(t *testing.T) {
	c := newTestCLI(t)
	dir := writeScenarios(t, map[string]string{"order_ok.yaml": passingScenario})

	out, err := c.run(t, "test", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "golden updated")

	golden := filepath.Join(dir, "golden", "order_ok.golden")
	require.FileExists(t, golden)

	_, err = c.run(t, "test", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte("{}\n"), 0644))
	out, err = c.run(t, "test", dir)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommand_Errors(t *testing.T) {
	c := newTestCLI(t)

	_, err := c.run(t, "test", filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := c.run(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")

	dir := writeScenarios(t, map[string]string{"broken.yaml": "name: [oops"})
	out, err = c.run(t, "test", dir)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommand_CountsDecisions(t *testing.T) {
	c := newTestCLI(t)
	dir := writeScenarios(t, map[string]string{"single_gate.yaml": evaluateScenario})

	out, err := c.run(t, "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ single_gate (Allowed=1 Denied=1)")

	resp, err := c.runJSON(t, "test", dir)
	require.NoError(t, err)
	scenarios := dataOf(t, resp)["scenarios"].([]any)
	require.Len(t, scenarios, 1)
	decisions := scenarios[0].(map[string]any)["decisions"].(map[string]any)
	assert.Equal(t, float64(1), decisions["Allowed"])
	assert.Equal(t, float64(1), decisions["Denied"])
}
