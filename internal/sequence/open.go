package sequence

import (
	"context"
	"errors"

	"github.com/roach88/benchseq/internal/instrument"
)

// ErrNoInstruments is returned by Open for a sequence that declares no
// instruments.
var ErrNoInstruments = errors.New("sequence declares no instruments")

// Open registers every declared instrument on rm, in declaration order,
// applying each declaration's timeout and termination. On failure the
// instruments already opened are closed and rm is released.
func (s *Sequence) Open(ctx context.Context, rm instrument.ResourceManager, opts ...instrument.RegistryOption) (*instrument.Registry, error) {
	if len(s.Instruments) == 0 {
		return nil, ErrNoInstruments
	}

	reg := instrument.NewRegistry(rm, opts...)
	for _, inst := range s.Instruments {
		var hopts []instrument.Option
		if inst.Timeout > 0 {
			hopts = append(hopts, instrument.WithTimeout(inst.Timeout))
		}
		if inst.Termination != nil {
			hopts = append(hopts, instrument.WithTermination(*inst.Termination))
		}
		if _, err := reg.Add(ctx, inst.Name, inst.Resource, hopts...); err != nil {
			reg.CloseAll()
			return nil, err
		}
	}
	return reg, nil
}
