package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/benchseq/internal/sequence"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return scenario
}

func benchSequence(t *testing.T) *sequence.Sequence {
	t.Helper()
	seq, err := sequence.Load(filepath.Join("testdata", "sequences", "bench.yaml"))
	require.NoError(t, err)
	return seq
}

func intPtr(i int) *int { return &i }

// =============================================================================
// Scenario Runs
// =============================================================================

func TestRun_Scenarios(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		code    string
		step    *int
	}{
		{name: "bench_pass", outcome: OutcomePass},
		{name: "bench_fail", outcome: OutcomeFail},
		{name: "bench_abort", outcome: OutcomeAbort, code: "IO", step: intPtr(3)},
		{name: "opc_stuck", outcome: OutcomeAbort, code: "TIMEOUT", step: intPtr(2)},
		{name: "deadline", outcome: OutcomeAbort, code: "DEADLINE_EXCEEDED", step: intPtr(2)},
		{name: "psu_refused", outcome: OutcomeError, code: "CONNECTION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Run(context.Background(), loadTestScenario(t, tt.name))
			require.NoError(t, err)

			assert.True(t, res.Pass, "errors: %v", res.Errors)
			assert.Empty(t, res.Errors)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.code, res.Code)
			assert.Equal(t, tt.step, res.Step)
		})
	}
}

func TestRun_RecordIsDeterministic(t *testing.T) {
	scenario := loadTestScenario(t, "bench_pass")

	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	require.NotNil(t, first.Record)
	assert.Equal(t, DefaultRunID, first.Record.RunID())
	assert.Equal(t, "bench", first.Record.Sequence())
	assert.True(t, first.Record.Passed())

	assert.Equal(t, first.Trace, second.Trace)
	assert.True(t, first.Record.StartedAt().Equal(second.Record.StartedAt()))
	assert.True(t, first.Record.FinishedAt().Equal(second.Record.FinishedAt()))
}

func TestRun_AbortKeepsPartialRecord(t *testing.T) {
	res, err := Run(context.Background(), loadTestScenario(t, "bench_abort"))
	require.NoError(t, err)

	require.NotNil(t, res.Record)
	assert.Equal(t, "run-0001", res.Record.RunID())
	assert.True(t, res.Record.Aborted())
	assert.False(t, res.Record.Passed())
	assert.Contains(t, res.Record.Failure(), "step 3 (scope measurement)")
	assert.Len(t, res.Record.Steps(), 4)
}

func TestRun_UnmetExpectationsAreReported(t *testing.T) {
	scenario := loadTestScenario(t, "bench_fail")
	scenario.Expect = Expect{Outcome: OutcomePass}
	scenario.Assertions = append(scenario.Assertions, Assertion{
		Type:       AssertCommandSent,
		Instrument: "scope",
		Command:    "MEASU:MEAS1:VAL?",
	})

	res, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	assert.False(t, res.Pass)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "expected outcome pass, got fail", res.Errors[0])
	assert.Contains(t, res.Errors[1], "assertion 2: Assertion failed: command_sent")
}

func TestRun_ExpectCodeAndStep(t *testing.T) {
	scenario := loadTestScenario(t, "bench_abort")
	scenario.Expect = Expect{Outcome: OutcomeAbort, Code: "TIMEOUT", Step: intPtr(2)}

	res, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	assert.Equal(t, []string{
		`expected code TIMEOUT, got "IO"`,
		"expected failure at step 2, got step 3",
	}, res.Errors)
}

func TestRun_MissingSequence(t *testing.T) {
	_, err := Run(context.Background(), &Scenario{
		Name:     "missing",
		Sequence: filepath.Join(t.TempDir(), "nope.yaml"),
		Expect:   Expect{Outcome: OutcomePass},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load sequence")
}

func TestRun_OverrideForUndeclaredInstrument(t *testing.T) {
	scenario := loadTestScenario(t, "bench_pass")
	scenario.Devices = map[string]DeviceOverride{"dmm": {FailOpen: true}}

	_, err := Run(context.Background(), scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `undeclared instrument "dmm"`)
}

// =============================================================================
// Simulated Bus
// =============================================================================

func TestBus_UsesSimulateBlocks(t *testing.T) {
	seq := benchSequence(t)
	seq.Instruments = append(seq.Instruments, sequence.Instrument{Name: "dmm", Resource: "GPIB0::20::INSTR"})

	bus, err := Bus(seq, nil)
	require.NoError(t, err)

	reg, err := seq.Open(context.Background(), bus)
	require.NoError(t, err)
	defer reg.CloseAll()

	psu, err := reg.Get("psu")
	require.NoError(t, err)
	assert.Equal(t, "Agilent Technologies,E3631A,0,2.1-5.0-1.0", psu.Label())

	dmm, err := reg.Get("dmm")
	require.NoError(t, err)
	assert.Equal(t, SimulatedIDN, dmm.Label(), "no simulate block answers with the default IDN")
}

func TestBus_OverrideMergesScript(t *testing.T) {
	seq := benchSequence(t)

	bus, err := Bus(seq, map[string]DeviceOverride{
		"psu": {
			IDN:       "Keysight,E36312A,0,1.0",
			Responses: map[string]string{"MEAS:CURR?": "0.5"},
		},
	})
	require.NoError(t, err)

	reg, err := seq.Open(context.Background(), bus)
	require.NoError(t, err)
	defer reg.CloseAll()

	psu, err := reg.Get("psu")
	require.NoError(t, err)
	assert.Equal(t, "Keysight,E36312A,0,1.0", psu.Label())

	volt, err := psu.Query(context.Background(), "MEAS:VOLT?")
	require.NoError(t, err)
	assert.Equal(t, "5.002", volt, "unmentioned responses survive the merge")

	curr, err := psu.Query(context.Background(), "MEAS:CURR?")
	require.NoError(t, err)
	assert.Equal(t, "0.5", curr)

	assert.Equal(t, "0.25", seq.Instruments[0].Simulate.Responses["MEAS:CURR?"], "sequence script must not be modified")
}

func TestBus_Unscripted(t *testing.T) {
	seq := benchSequence(t)

	bus, err := Bus(seq, map[string]DeviceOverride{"scope": {Unscripted: true}})
	require.NoError(t, err)

	reg, err := seq.Open(context.Background(), bus)
	require.NoError(t, err)
	defer reg.CloseAll()

	scope, err := reg.Get("scope")
	require.NoError(t, err)
	_, err = scope.Query(context.Background(), "MEASU:FREQ?")
	assert.Error(t, err)
}

// =============================================================================
// Trace
// =============================================================================

func TestRun_TraceSkipsIdentification(t *testing.T) {
	res, err := Run(context.Background(), loadTestScenario(t, "bench_pass"))
	require.NoError(t, err)

	require.NotEmpty(t, res.Trace)
	for i, ev := range res.Trace {
		assert.Equal(t, i+1, ev.Seq)
		assert.NotEqual(t, "*IDN?", ev.Command)
		assert.False(t, ev.Failed)
	}
	assert.Equal(t, "psu VOLT 5.0", res.Trace[0].String())
}

func TestRun_TraceFlagsFailedExchanges(t *testing.T) {
	scenario := loadTestScenario(t, "bench_abort")
	scenario.Devices["psu"] = DeviceOverride{FailWrite: []string{"OUTP ON"}}
	scenario.Expect = Expect{Outcome: OutcomeAbort, Code: "IO", Step: intPtr(1)}
	scenario.Assertions = []Assertion{
		{Type: AssertCommandAbsent, Instrument: "psu", Command: "OUTP ON"},
		{Type: AssertCommandOrder, Commands: []string{"psu OUTP OFF", "psu VOLT 0"}},
	}

	res, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, res.Pass, "errors: %v", res.Errors)

	require.Len(t, res.Trace, 4)
	assert.Equal(t, "OUTP ON", res.Trace[1].Command)
	assert.True(t, res.Trace[1].Failed, "refused write stays in the trace")
}
