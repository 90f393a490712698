package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/benchseq/internal/engine"
	"github.com/roach88/benchseq/internal/store"
	"github.com/roach88/benchseq/internal/testutil"
)

// runCLI executes the run command on a fake clock with fixed run IDs.
func runCLI(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	t.Setenv(EnvDatabase, "")

	opts := &RunOptions{
		RootOptions: &RootOptions{Format: format},
		RunIDs:      engine.NewFixedGenerator("run-0001"),
		Clock:       testutil.NewFakeClock(testutil.Epoch),
	}
	cmd := newRunCommand(opts)

	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func readRun(t *testing.T, dbPath, id string) *store.RunSummary {
	t.Helper()
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	runs, err := st.ListRuns(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	for _, r := range runs {
		if r.ID == id {
			return &r
		}
	}
	t.Fatalf("run %s not recorded", id)
	return nil
}

// ============================================================================
// Outcomes
// ============================================================================

func TestRun_SimPass(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bench.db")

	out, err := runCLI(t, "text", "--sim", "--db", dbPath, "testdata/smoke.yaml")
	require.NoError(t, err)

	assert.Contains(t, out, "smoke  run run-0001")
	assert.Regexp(t, `output_frequency\s+1000\n`, out)
	assert.Regexp(t, `supply_voltage\s+5.002\n`, out)
	assert.Contains(t, out, "PASS")

	sum := readRun(t, dbPath, "run-0001")
	assert.True(t, sum.Passed)
	assert.False(t, sum.Aborted)
	assert.Equal(t, "smoke", sum.Sequence)
	assert.Equal(t, 2, sum.Measurements)
	assert.True(t, sum.StartedAt.Equal(testutil.Epoch))
}

func TestRun_SimFail(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bench.db")

	out, err := runCLI(t, "text", "--sim", "--db", dbPath, "testdata/smoke_fail.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "sequence failed")

	assert.Regexp(t, `output_frequency\s+1100\n`, out)
	assert.Contains(t, out, "FAIL")

	sum := readRun(t, dbPath, "run-0001")
	assert.False(t, sum.Passed)
	assert.False(t, sum.Aborted)
}

func TestRun_SimAbort(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bench.db")

	out, err := runCLI(t, "text", "--sim", "--db", dbPath, "testdata/smoke_abort.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "sequence aborted")

	se, ok := engine.AsSequenceError(err)
	require.True(t, ok)
	assert.Equal(t, 2, se.StepIndex)
	assert.Equal(t, "scope", se.Instrument)

	assert.Contains(t, out, "ABORTED")
	assert.Contains(t, out, "step 2 (scope measurement)")

	sum := readRun(t, dbPath, "run-0001")
	assert.True(t, sum.Aborted)
	assert.Contains(t, sum.Failure, "step 2")
}

func TestRun_JSONOutput(t *testing.T) {
	out, err := runCLI(t, "json", "--sim", "testdata/smoke.yaml")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			RunID        string             `json:"run_id"`
			Sequence     string             `json:"sequence"`
			Passed       bool               `json:"test_passed"`
			Measurements map[string]float64 `json:"measurements"`
			Steps        []json.RawMessage  `json:"steps"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))

	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-0001", resp.Data.RunID)
	assert.Equal(t, "smoke", resp.Data.Sequence)
	assert.True(t, resp.Data.Passed)
	assert.Equal(t, map[string]float64{"output_frequency": 1000, "supply_voltage": 5.002}, resp.Data.Measurements)
	assert.Len(t, resp.Data.Steps, 6)
}

func TestRun_Deadline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hang.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: hang
instruments:
  - name: scope
    resource: TCPIP0::10.0.0.4::4000::SOCKET
    timeout_ms: 60000
    simulate:
      hang: ["*OPC?"]
steps:
  - {instrument: scope, action: query_wait, payload: "*OPC?", timeout_ms: 60000}
`), 0644))

	out, err := runCLI(t, "text", "--sim", "--deadline", "50ms", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, engine.IsDeadlineError(err))
	assert.Contains(t, out, "DEADLINE_EXCEEDED")
}

// ============================================================================
// Persistence
// ============================================================================

func TestRun_AppendsCSV(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "data", "bench_log.csv")

	_, err := runCLI(t, "text", "--sim", "--csv", csvPath, "testdata/smoke.yaml")
	require.NoError(t, err)

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, []string{"run_id", "timestamp", "sequence", "output_frequency", "supply_voltage", "test_passed"}, rows[0])
	assert.Equal(t, []string{"run-0001", "2024-03-01T09:00:00Z", "smoke", "1000", "5.002", "true"}, rows[1])
}

func TestRun_CSVAfterAbortedFirstRun(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "bench_log.csv")

	_, err := runCLI(t, "text", "--sim", "--csv", csvPath, "testdata/smoke_abort.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = runCLI(t, "text", "--sim", "--csv", csvPath, "testdata/smoke.yaml")
	require.NoError(t, err)

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, []string{"run_id", "timestamp", "sequence", "output_frequency", "supply_voltage", "test_passed"}, rows[0])
	assert.Equal(t, []string{"run-0001", "2024-03-01T09:00:00Z", "smoke-abort", "", "", "false"}, rows[1])
	assert.Equal(t, []string{"run-0001", "2024-03-01T09:00:00Z", "smoke", "1000", "5.002", "true"}, rows[2])
}

func TestRun_WithoutDatabase(t *testing.T) {
	seqPath := mustAbs(t, "testdata/smoke.yaml")
	dir := t.TempDir()
	t.Chdir(dir)

	_, err := runCLI(t, "text", "--sim", seqPath)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is written without --db or --csv")
}

// ============================================================================
// Command errors
// ============================================================================

func TestRun_InvalidSequence(t *testing.T) {
	out, err := runCLI(t, "text", "--sim", "testdata/invalid.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E102]")
}

func TestRun_SchemaViolation(t *testing.T) {
	out, err := runCLI(t, "text", "--sim", "testdata/unknown_field.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "E006")
}

func TestRun_MissingFile(t *testing.T) {
	_, err := runCLI(t, "text", "--sim", "testdata/nonexistent.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRun_UnsupportedResourceWithoutSim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpib.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: gpib
instruments:
  - {name: psu, resource: "GPIB0::3::INSTR"}
steps:
  - {instrument: psu, action: command, payload: "OUTP ON"}
`), 0644))

	out, err := runCLI(t, "text", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to open instruments")
	assert.Contains(t, out, "Error [CONNECTION]")
}

func TestRun_NoInstruments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: bare
steps:
  - {instrument: psu, action: command, payload: "OUTP ON"}
`), 0644))

	_, err := runCLI(t, "text", "--sim", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "declares no instruments")
}

func TestRunMissingArgument(t *testing.T) {
	_, err := runCLI(t, "text", "--sim")
	require.Error(t, err)
}

func mustAbs(t *testing.T, path string) string {
	t.Helper()
	abs, err := filepath.Abs(path)
	require.NoError(t, err)
	return abs
}
