package cli

import (
	"github.com/roach88/benchseq/internal/harness"
	"github.com/roach88/benchseq/internal/instrument"
	"github.com/roach88/benchseq/internal/scpisock"
	"github.com/roach88/benchseq/internal/sequence"
)

// resourceManager picks the transport for a run. With --sim every declared
// instrument is replaced by its simulate block.
func resourceManager(opts *RunOptions, seq *sequence.Sequence) (instrument.ResourceManager, error) {
	switch {
	case opts.Manager != nil:
		return opts.Manager, nil
	case opts.Sim:
		bus, err := harness.Bus(seq, nil)
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return scpisock.New(), nil
	}
}
