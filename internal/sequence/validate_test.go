package sequence

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codesOf(errs ValidationErrors) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidate_Valid(t *testing.T) {
	errs := Validate(Characterization(DefaultParams()))
	assert.Empty(t, errs, "reference sequence should validate")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		seq  *Sequence
		want []string
	}{
		{
			name: "duplicate instrument",
			seq: &Sequence{
				Instruments: []Instrument{{Name: "psu"}, {Name: " psu"}},
				Steps:       []Step{Command("psu", "OUTP ON")},
			},
			want: []string{ErrCodeDuplicateInstrument},
		},
		{
			name: "undeclared instrument",
			seq: &Sequence{
				Instruments: []Instrument{{Name: "psu"}},
				Steps:       []Step{Command("dmm", "*RST")},
			},
			want: []string{ErrCodeUnknownInstrument},
		},
		{
			name: "no declarations skips reference check",
			seq:  &Sequence{Steps: []Step{Command("dmm", "*RST")}},
			want: []string{},
		},
		{
			name: "no steps",
			seq:  &Sequence{},
			want: []string{ErrCodeNoSteps},
		},
		{
			name: "invalid action",
			seq:  &Sequence{Steps: []Step{{Instrument: "psu", Action: "reboot"}}},
			want: []string{ErrCodeInvalidAction},
		},
		{
			name: "measurement without key",
			seq:  &Sequence{Steps: []Step{Measure("scope", "MEASU:MEAS1:VAL?", "")}},
			want: []string{ErrCodeMissingResultKey},
		},
		{
			name: "command without payload",
			seq:  &Sequence{Steps: []Step{Command("psu", " ")}},
			want: []string{ErrCodeMissingPayload},
		},
		{
			name: "duplicate result key",
			seq: &Sequence{Steps: []Step{
				Measure("psu", "MEAS:VOLT?", "v"),
				Measure("dmm", "MEAS:VOLT:DC?", "v"),
			}},
			want: []string{ErrCodeDuplicateResultKey},
		},
		{
			name: "reserved key",
			seq:  &Sequence{Steps: []Step{Measure("psu", "MEAS:VOLT?", "test_passed")}},
			want: []string{ErrCodeReservedResultKey},
		},
		{
			name: "derived collides with measurement",
			seq: &Sequence{
				Steps:   []Step{Measure("psu", "MEAS:VOLT?", "power")},
				Derived: []Derived{{Key: "power"}},
			},
			want: []string{ErrCodeDuplicateResultKey},
		},
		{
			name: "delay over a day",
			seq:  &Sequence{Steps: []Step{Command("psu", "OUTP ON").Settle(MaxDuration + time.Second)}},
			want: []string{ErrCodeInvalidDelay},
		},
		{
			name: "timeout over a day",
			seq:  &Sequence{Steps: []Step{Wait("scope").Within(48 * time.Hour)}},
			want: []string{ErrCodeInvalidDelay},
		},
		{
			name: "negative delay",
			seq:  &Sequence{Steps: []Step{Command("psu", "OUTP ON").Settle(-1)}},
			want: []string{ErrCodeInvalidDelay},
		},
		{
			name: "unknown value type",
			seq: &Sequence{Steps: []Step{
				{Instrument: "psu", Action: ActionMeasurement, Payload: "MEAS:VOLT?", ResultKey: "v", ValueType: "int"},
			}},
			want: []string{ErrCodeInvalidValueType},
		},
		{
			name: "errors are collected, not fail-fast",
			seq: &Sequence{
				Instruments: []Instrument{{Name: "psu"}},
				Steps: []Step{
					Command("dmm", "*RST"),
					Measure("psu", "MEAS:VOLT?", ""),
				},
			},
			want: []string{ErrCodeUnknownInstrument, ErrCodeMissingResultKey},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(tt.seq)
			assert.ElementsMatch(t, tt.want, codesOf(errs))
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "steps[0].instrument", Message: `instrument "dmm" is not declared`, Code: ErrCodeUnknownInstrument},
		{Field: "steps", Message: "at least one step is required", Code: ErrCodeNoSteps},
	}
	assert.Equal(t,
		`[E102] steps[0].instrument: instrument "dmm" is not declared; [E108] steps: at least one step is required`,
		errs.Error())
}

func TestCharacterization_StepOrder(t *testing.T) {
	seq := Characterization(DefaultParams())

	var got []string
	for _, s := range seq.Steps {
		got = append(got, s.String())
	}
	require.Equal(t, []string{
		`psu command "VOLT 5.0"`,
		`psu command "CURR 1.0"`,
		`psu command "OUTP ON"`,
		`siggen command "C1:BSWV WVTP,SINE,FRQ,1000,AMP,4"`,
		`siggen command "C1:OUTP ON"`,
		`scope query_wait "*OPC?"`,
		`scope measurement "MEASU:MEAS1:VAL?" -> output_frequency`,
		`psu measurement "MEAS:VOLT?" -> supply_voltage`,
		`psu measurement "MEAS:CURR?" -> supply_current`,
		`siggen command "C1:OUTP OFF"`,
		`psu command "OUTP OFF"`,
	}, got)

	assert.Equal(t, DefaultParams().PowerSettle, seq.Steps[2].Delay)
	assert.Equal(t, DefaultParams().StimulusSettle, seq.Steps[4].Delay)
	assert.True(t, seq.Steps[2].Activates)
	assert.True(t, seq.Steps[4].Activates)
	assert.Equal(t, map[string][]string{"siggen": {"C1:OUTP OFF"}}, seq.ShutdownCommands())
}

func TestSequence_ResultKeys(t *testing.T) {
	seq := Characterization(DefaultParams())

	assert.Equal(t, []string{
		KeyOutputFrequency,
		KeySupplyVoltage,
		KeySupplyCurrent,
		KeyPowerConsumption,
	}, seq.ResultKeys())

	assert.Empty(t, (&Sequence{Steps: []Step{Command("psu", "OUTP ON"), Wait("scope")}}).ResultKeys())
}

func TestValidateFile_HugeDelaySaturates(t *testing.T) {
	delay := 1e12
	timeout := math.MaxInt
	f := &File{
		Name: "huge",
		Steps: []StepSpec{
			{Instrument: "psu", Action: "command", Payload: "OUTP ON", DelaySeconds: &delay},
			{Instrument: "scope", Action: "query_wait", TimeoutMS: &timeout},
		},
	}

	step := f.Steps[0].Step()
	assert.Equal(t, time.Duration(math.MaxInt64), step.Delay, "no silent wrap-around")

	errs := ValidateFile(f)
	require.Len(t, errs, 2)
	assert.Equal(t, ErrCodeInvalidDelay, errs[0].Code)
	assert.Equal(t, ErrCodeInvalidDelay, errs[1].Code)
	assert.Contains(t, errs[0].Message, "between 0 and 24h0m0s")
}
