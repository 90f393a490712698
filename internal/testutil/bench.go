// Package testutil provides fixtures for tests that drive instruments
// through the simulated bus.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/benchseq/internal/instrument"
	"github.com/roach88/benchseq/internal/simbus"
)

// SimInstrument is one instrument on a test bench.
type SimInstrument struct {
	Name     string
	Resource string
	Device   simbus.Device
}

// Reference bench resources.
const (
	PSUResource    = "GPIB0::3::INSTR"
	SigGenResource = "USB0::0xF4EC::0xEE38::574C20107::INSTR"
	ScopeResource  = "USB0::0x0699::0x0378::C011758::INSTR"
	DMMResource    = "GPIB0::20::INSTR"
)

// PSU returns the simulated power supply: 5.002 V, 0.25 A readback.
func PSU() SimInstrument {
	return SimInstrument{
		Name:     "psu",
		Resource: PSUResource,
		Device: simbus.Device{
			IDN: "Agilent Technologies,E3631A,0,2.1-5.0-1.0",
			Responses: map[string]string{
				"MEAS:VOLT?": "5.002",
				"MEAS:CURR?": "0.250",
			},
		},
	}
}

// SigGen returns the simulated signal generator.
func SigGen() SimInstrument {
	return SimInstrument{
		Name:     "siggen",
		Resource: SigGenResource,
		Device:   simbus.Device{IDN: "B&K Precision,4054B,574C20107,1.01"},
	}
}

// Scope returns the simulated oscilloscope: operation complete, 1 kHz reading.
func Scope() SimInstrument {
	return SimInstrument{
		Name:     "scope",
		Resource: ScopeResource,
		Device: simbus.Device{
			IDN: "TEKTRONIX,TDS 2024C,C011758,CF:91.1CT FV:v24.26\n",
			Responses: map[string]string{
				"*OPC?":            "1",
				"MEASU:FREQ?":      "1000.0",
				"MEASU:MEAS1:VAL?": "1000.0",
			},
		},
	}
}

// Bench is a registry of simulated instruments on a fake clock.
type Bench struct {
	Bus      *simbus.Bus
	Registry *instrument.Registry
	Clock    *FakeClock

	names map[string]string // resource -> instrument name
}

// NewBench registers instruments on a fresh bus in the given order. With no
// arguments it builds the reference psu/siggen/scope bench. CloseAll runs
// on test cleanup.
func NewBench(t testing.TB, instruments ...SimInstrument) *Bench {
	t.Helper()
	if len(instruments) == 0 {
		instruments = []SimInstrument{PSU(), SigGen(), Scope()}
	}

	clock := NewFakeClock(Epoch)
	bus := simbus.New().WithNow(clock.Now)
	for _, in := range instruments {
		bus.Attach(in.Resource, in.Device)
	}

	names := make(map[string]string, len(instruments))
	reg := instrument.NewRegistry(bus, instrument.WithLogger(DiscardLogger()))
	for _, in := range instruments {
		_, err := reg.Add(context.Background(), in.Name, in.Resource)
		require.NoError(t, err, "adding %s", in.Name)
		names[in.Resource] = in.Name
	}
	t.Cleanup(reg.CloseAll)

	return &Bench{Bus: bus, Registry: reg, Clock: clock, names: names}
}

// Log returns "name kind command" for every successful write and query
// after registration, in bus order. Identification queries are skipped.
func (b *Bench) Log() []string {
	var out []string
	for _, ex := range b.Bus.Transcript() {
		if ex.Err != nil || ex.Command == instrument.IdentifyCommand {
			continue
		}
		if ex.Kind != simbus.KindWrite && ex.Kind != simbus.KindQuery {
			continue
		}
		out = append(out, fmt.Sprintf("%s %s %s", b.names[ex.Resource], ex.Kind, ex.Command))
	}
	return out
}

// With returns inst with its device replaced by fn(device).
func With(inst SimInstrument, fn func(*simbus.Device)) SimInstrument {
	fn(&inst.Device)
	return inst
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
