package sequence

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/benchseq/internal/instrument"
	"github.com/roach88/benchseq/internal/simbus"
)

func TestOpen_RegistersInDeclarationOrder(t *testing.T) {
	crlf := "\r\n"
	seq := &Sequence{
		Instruments: []Instrument{
			{Name: "scope", Resource: "sim::scope", Timeout: 750 * time.Millisecond},
			{Name: "psu", Resource: "sim::psu", Termination: &crlf},
		},
	}
	bus := simbus.New().
		Attach("sim::scope", simbus.Device{IDN: "scope,1"}).
		Attach("sim::psu", simbus.Device{IDN: "psu,2"})

	reg, err := seq.Open(context.Background(), bus, instrument.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	defer reg.CloseAll()

	assert.Equal(t, []string{"scope", "psu"}, reg.Names())

	scope, err := reg.Get("scope")
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, scope.Timeout())
	assert.Equal(t, "scope,1", scope.Label())

	psu, err := reg.Get("psu")
	require.NoError(t, err)
	assert.Equal(t, crlf, psu.WriteTermination())
	assert.Equal(t, crlf, psu.ReadTermination())
}

func TestOpen_NoInstruments(t *testing.T) {
	_, err := (&Sequence{}).Open(context.Background(), simbus.New())
	assert.ErrorIs(t, err, ErrNoInstruments)
}

func TestOpen_FailureClosesOpened(t *testing.T) {
	seq := &Sequence{
		Instruments: []Instrument{
			{Name: "psu", Resource: "sim::psu"},
			{Name: "dmm", Resource: "sim::dmm"},
		},
	}
	bus := simbus.New().
		Attach("sim::psu", simbus.Device{IDN: "psu"}).
		Attach("sim::dmm", simbus.Device{IDN: "dmm", FailOpen: true})

	_, err := seq.Open(context.Background(), bus, instrument.WithLogger(slog.New(slog.DiscardHandler)))
	require.Error(t, err)
	assert.True(t, instrument.IsConnection(err))

	assert.Equal(t, 1, bus.Closes("sim::psu"), "psu was opened and must be closed")
	assert.Equal(t, 1, bus.CloseCount(), "bus released once")
}
