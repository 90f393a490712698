package instrument_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/benchseq/internal/instrument"
	"github.com/roach88/benchseq/internal/simbus"
)

const (
	psuResource   = "GPIB0::3::INSTR"
	scopeResource = "USB0::0x0699::0x0378::C011758::INSTR"
)

func newBus() *simbus.Bus {
	return simbus.New().
		Attach(psuResource, simbus.Device{IDN: "Agilent Technologies,E3631A,0,2.1-5.0-1.0\n"}).
		Attach(scopeResource, simbus.Device{IDN: "TEKTRONIX,TDS 2024C,C011758,CF:91.1CT\n"})
}

func TestRegistry_AddRecordsTrimmedLabel(t *testing.T) {
	reg := instrument.NewRegistry(newBus())

	h, err := reg.Add(context.Background(), "psu", psuResource)
	require.NoError(t, err)

	assert.Equal(t, "psu", h.Name())
	assert.Equal(t, psuResource, h.Resource())
	assert.Equal(t, "Agilent Technologies,E3631A,0,2.1-5.0-1.0", h.Label())
	assert.False(t, h.Closed())
	assert.Equal(t, []string{"psu"}, reg.Names())
}

func TestRegistry_AddAppliesConfig(t *testing.T) {
	reg := instrument.NewRegistry(newBus())

	h, err := reg.Add(context.Background(), "scope", scopeResource,
		instrument.WithTimeout(5*time.Second),
		instrument.WithTermination("\r\n"),
	)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, h.Timeout())
	assert.Equal(t, "\r\n", h.WriteTermination())
	assert.Equal(t, "\r\n", h.ReadTermination())
}

func TestRegistry_AddWithoutConfigKeepsTransportDefaults(t *testing.T) {
	reg := instrument.NewRegistry(newBus())

	h, err := reg.Add(context.Background(), "psu", psuResource)
	require.NoError(t, err)

	assert.Equal(t, simbus.DefaultTimeout, h.Timeout())
}

func TestRegistry_DuplicateNameLeavesStateUnchanged(t *testing.T) {
	bus := newBus()
	reg := instrument.NewRegistry(bus)

	first, err := reg.Add(context.Background(), "psu", psuResource)
	require.NoError(t, err)
	before := len(bus.Transcript())

	_, err = reg.Add(context.Background(), "psu", scopeResource)
	require.Error(t, err)
	assert.True(t, instrument.IsDuplicateName(err))
	assert.True(t, errors.Is(err, instrument.ErrDuplicateName))

	// No bus traffic, same handle, same names.
	assert.Len(t, bus.Transcript(), before)
	got, err := reg.Get("psu")
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, []string{"psu"}, reg.Names())
}

func TestRegistry_DuplicateNameAfterNormalization(t *testing.T) {
	reg := instrument.NewRegistry(newBus())

	// "é" precomposed vs. "e" + combining acute accent.
	_, err := reg.Add(context.Background(), "caf\u00e9", psuResource)
	require.NoError(t, err)

	_, err = reg.Add(context.Background(), " cafe\u0301 ", scopeResource)
	assert.True(t, instrument.IsDuplicateName(err))
}

func TestRegistry_AddConnectionError(t *testing.T) {
	tests := []struct {
		name     string
		bus      *simbus.Bus
		resource string
	}{
		{
			name:     "no device",
			bus:      simbus.New(),
			resource: "GPIB0::99::INSTR",
		},
		{
			name:     "open refused",
			bus:      simbus.New().Attach(psuResource, simbus.Device{FailOpen: true}),
			resource: psuResource,
		},
		{
			name:     "identification unanswered",
			bus:      simbus.New().Attach(psuResource, simbus.Device{}),
			resource: psuResource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := instrument.NewRegistry(tt.bus)

			_, err := reg.Add(context.Background(), "psu", tt.resource)
			require.Error(t, err)
			assert.True(t, instrument.IsConnection(err))
			assert.Equal(t, 0, reg.Len())
		})
	}
}

func TestRegistry_FailedIdentificationClosesResource(t *testing.T) {
	bus := simbus.New().Attach(psuResource, simbus.Device{})
	reg := instrument.NewRegistry(bus)

	_, err := reg.Add(context.Background(), "psu", psuResource)
	require.Error(t, err)
	assert.Equal(t, 1, bus.Closes(psuResource))
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := instrument.NewRegistry(newBus())

	_, err := reg.Get("dmm")
	require.Error(t, err)
	assert.True(t, instrument.IsUnknownInstrument(err))
	assert.Equal(t, instrument.ErrCodeUnknownInstrument, instrument.CodeOf(err))
	assert.Contains(t, err.Error(), "dmm")
}

func TestRegistry_CloseAllBestEffort(t *testing.T) {
	bus := simbus.New().
		Attach(psuResource, simbus.Device{IDN: "PSU", FailClose: true}).
		Attach(scopeResource, simbus.Device{IDN: "SCOPE"})

	var failed []string
	reg := instrument.NewRegistry(bus, instrument.WithCloseObserver(func(name string, err error) {
		assert.ErrorIs(t, err, instrument.ErrShutdown)
		failed = append(failed, name)
	}))

	_, err := reg.Add(context.Background(), "psu", psuResource)
	require.NoError(t, err)
	_, err = reg.Add(context.Background(), "scope", scopeResource)
	require.NoError(t, err)

	reg.CloseAll()

	// The failing psu did not stop the scope from being closed.
	assert.Equal(t, []string{"psu"}, failed)
	assert.Equal(t, 1, bus.Closes(psuResource))
	assert.Equal(t, 1, bus.Closes(scopeResource))
	assert.Equal(t, 1, bus.CloseCount())
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_CloseAllTwice(t *testing.T) {
	bus := newBus()
	reg := instrument.NewRegistry(bus)

	h, err := reg.Add(context.Background(), "psu", psuResource)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		reg.CloseAll()
		reg.CloseAll()
	})

	assert.True(t, h.Closed())
	assert.Equal(t, 1, bus.Closes(psuResource))
	assert.Equal(t, 1, bus.CloseCount())
}

func TestRegistry_UseAfterCloseAll(t *testing.T) {
	reg := instrument.NewRegistry(newBus())
	_, err := reg.Add(context.Background(), "psu", psuResource)
	require.NoError(t, err)

	reg.CloseAll()

	_, err = reg.Get("psu")
	assert.True(t, instrument.IsUnknownInstrument(err))

	_, err = reg.Add(context.Background(), "scope", scopeResource)
	assert.True(t, instrument.IsConnection(err))
}
