package sequence

import (
	"fmt"
	"time"

	"github.com/roach88/benchseq/internal/result"
)

// Params configures the characterization sequence.
type Params struct {
	PSU    string // power supply instrument name
	SigGen string // signal generator instrument name
	Scope  string // oscilloscope instrument name

	SupplyVoltage      float64 // volts
	SupplyCurrent      float64 // current limit, amps
	InputFrequency     float64 // stimulus frequency, Hz
	AmplitudeVpp       float64 // stimulus amplitude, volts peak-to-peak
	FrequencyTolerance float64 // Hz

	PowerSettle    time.Duration
	StimulusSettle time.Duration
}

// DefaultParams returns the reference bench setup: 5 V / 1 A supply, a 1 kHz
// 4 Vpp sine, ±10 Hz tolerance, 1 s power settle and 0.5 s stimulus settle.
func DefaultParams() Params {
	return Params{
		PSU:                "psu",
		SigGen:             "siggen",
		Scope:              "scope",
		SupplyVoltage:      5.0,
		SupplyCurrent:      1.0,
		InputFrequency:     1000,
		AmplitudeVpp:       4.0,
		FrequencyTolerance: 10,
		PowerSettle:        time.Second,
		StimulusSettle:     500 * time.Millisecond,
	}
}

// Result keys produced by the characterization sequence.
const (
	KeyOutputFrequency  = "output_frequency"
	KeySupplyVoltage    = "supply_voltage"
	KeySupplyCurrent    = "supply_current"
	KeyPowerConsumption = "power_consumption"
)

// Characterization builds the reference sequence: apply power, enable the
// stimulus, wait for the scope, read the scope and the supply, then disable
// the stimulus and the supply. Power consumption is derived as V*I and the
// verdict checks the output frequency against the input frequency.
func Characterization(p Params) *Sequence {
	power := mustRule(map[string]any{
		"*": []any{
			map[string]any{"var": KeySupplyVoltage},
			map[string]any{"var": KeySupplyCurrent},
		},
	})

	return &Sequence{
		Name:        "characterization",
		Description: "supply, stimulus, capture and power draw",
		Instruments: []Instrument{
			{Name: p.PSU},
			{Name: p.SigGen, Shutdown: []string{"C1:OUTP OFF"}},
			{Name: p.Scope},
		},
		Steps: []Step{
			Command(p.PSU, fmt.Sprintf("VOLT %.1f", p.SupplyVoltage)),
			Command(p.PSU, fmt.Sprintf("CURR %.1f", p.SupplyCurrent)),
			Command(p.PSU, "OUTP ON").Settle(p.PowerSettle),
			Command(p.SigGen, fmt.Sprintf("C1:BSWV WVTP,SINE,FRQ,%g,AMP,%g", p.InputFrequency, p.AmplitudeVpp)),
			Command(p.SigGen, "C1:OUTP ON").Settle(p.StimulusSettle),
			Wait(p.Scope),
			Measure(p.Scope, "MEASU:MEAS1:VAL?", KeyOutputFrequency),
			Measure(p.PSU, "MEAS:VOLT?", KeySupplyVoltage),
			Measure(p.PSU, "MEAS:CURR?", KeySupplyCurrent),
			Command(p.SigGen, "C1:OUTP OFF"),
			Command(p.PSU, "OUTP OFF"),
		},
		Derived: []Derived{
			{Key: KeyPowerConsumption, Rule: power},
		},
		Verdict: result.Tolerance(KeyOutputFrequency, p.InputFrequency, p.FrequencyTolerance),
	}
}

func mustRule(rule any) *result.Rule {
	r, err := result.CompileRule(rule)
	if err != nil {
		panic(err)
	}
	return r
}
