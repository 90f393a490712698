package sequence

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/benchseq/internal/result"
)

// =============================================================================
// Load Tests
// =============================================================================

func TestLoad_YAML(t *testing.T) {
	seq, err := Load("testdata/characterization.yaml")
	require.NoError(t, err)

	assert.Equal(t, "characterization", seq.Name)
	require.Len(t, seq.Instruments, 3)
	require.Len(t, seq.Steps, 9)

	psu := seq.Instruments[0]
	assert.Equal(t, "psu", psu.Name)
	assert.Equal(t, "GPIB0::3::INSTR", psu.Resource)
	assert.Equal(t, 5*time.Second, psu.Timeout)
	require.NotNil(t, psu.Termination)
	assert.Equal(t, "\n", *psu.Termination)
	require.NotNil(t, psu.Simulate)
	assert.Equal(t, "5.002", psu.Simulate.Responses["MEAS:VOLT?"])

	assert.Equal(t, map[string][]string{"siggen": {"C1:OUTP OFF"}}, seq.ShutdownCommands())

	on := seq.Steps[1]
	assert.Equal(t, ActionCommand, on.Action)
	assert.Equal(t, time.Second, on.Delay)
	assert.True(t, on.Activates, "OUTP ON should activate")

	stim := seq.Steps[2]
	assert.Equal(t, 500*time.Millisecond, stim.Delay)
	assert.True(t, stim.Activates)

	wait := seq.Steps[3]
	assert.Equal(t, ActionQueryWait, wait.Action)
	assert.Equal(t, 2*time.Second, wait.Timeout)

	meas := seq.Steps[4]
	assert.Equal(t, ActionMeasurement, meas.Action)
	assert.Equal(t, "output_frequency", meas.ResultKey)
	assert.Equal(t, result.TypeFloat, meas.ValueType)

	assert.False(t, seq.Steps[8].Activates, "OUTP OFF must not activate")

	require.Len(t, seq.Derived, 1)
	assert.Equal(t, "power_consumption", seq.Derived[0].Key)
	assert.NotNil(t, seq.Verdict)
}

func TestLoad_CUE(t *testing.T) {
	seq, err := Load("testdata/characterization.cue")
	require.NoError(t, err)

	assert.Equal(t, "characterization", seq.Name)
	require.Len(t, seq.Steps, 4)
	assert.Equal(t, DefaultOPCQuery, seq.Steps[1].Query())
	assert.Equal(t, 5*time.Second, seq.Instruments[0].Timeout)
	assert.NotNil(t, seq.Verdict)
}

func TestLoad_VerdictRuleEvaluates(t *testing.T) {
	seq, err := Load("testdata/characterization.yaml")
	require.NoError(t, err)

	b := result.NewBuilder("run", seq.Name, time.Unix(0, 0))
	require.NoError(t, b.Set("output_frequency", result.Number(1000)))
	assert.True(t, seq.Verdict(b.View()))

	b = result.NewBuilder("run", seq.Name, time.Unix(0, 0))
	require.NoError(t, b.Set("output_frequency", result.Number(1020)))
	assert.False(t, seq.Verdict(b.View()))
}

func TestLoad_SchemaRejections(t *testing.T) {
	tests := []struct {
		name string
		file string
		code string
	}{
		{"unknown field", "testdata/unknown_field.yaml", ErrCodeSchema},
		{"bad action", "testdata/bad_action.yaml", ErrCodeSchema},
		{"measurement without result_key", "testdata/missing_key.yaml", ErrCodeSchema},
		{"delay over a day", "testdata/huge_delay.yaml", ErrCodeSchema},
		{"missing file", "testdata/nope.yaml", ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.file)
			require.Error(t, err)

			var le *LoadError
			require.True(t, errors.As(err, &le), "want *LoadError, got %T: %v", err, err)
			assert.Equal(t, tt.code, le.Code)
		})
	}
}

func TestLoad_SchemaErrorCarriesPosition(t *testing.T) {
	_, err := Load("testdata/bad_action.yaml")

	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Positive(t, le.Line())
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seq.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"x"}`), 0o644))

	_, err := Load(path)
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrCodeUnsupported, le.Code)
}

func TestLoad_SemanticErrorsAreCollected(t *testing.T) {
	_, err := Load("testdata/duplicate_key.yaml")
	require.Error(t, err)

	var errs ValidationErrors
	require.True(t, errors.As(err, &errs), "want ValidationErrors, got %T", err)
	codes := make([]string, len(errs))
	for i, e := range errs {
		codes[i] = e.Code
	}
	assert.ElementsMatch(t, []string{ErrCodeDuplicateResultKey, ErrCodeUnknownInstrument}, codes)
}

func TestParse_ExplicitActivatesOverridesInference(t *testing.T) {
	src := []byte(`
name: relay
steps:
  - {instrument: relay, action: command, payload: "ROUT:CLOS (@101)", activates: true}
  - {instrument: psu, action: command, payload: "OUTP ON", activates: false}
`)
	f, err := Parse("relay.yaml", src)
	require.NoError(t, err)

	seq, err := f.Compile()
	require.NoError(t, err)
	assert.True(t, seq.Steps[0].Activates)
	assert.False(t, seq.Steps[1].Activates)
}

func TestParse_StringValueType(t *testing.T) {
	src := []byte(`
name: id
steps:
  - {instrument: dmm, action: measurement, payload: "SYST:ERR?", result_key: dmm_error, value_type: string}
`)
	f, err := Parse("id.yaml", src)
	require.NoError(t, err)

	seq, err := f.Compile()
	require.NoError(t, err)
	assert.Equal(t, result.TypeString, seq.Steps[0].ValueType)
}
