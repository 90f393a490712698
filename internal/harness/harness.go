package harness

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/roach88/benchseq/internal/engine"
	"github.com/roach88/benchseq/internal/instrument"
	"github.com/roach88/benchseq/internal/result"
	"github.com/roach88/benchseq/internal/sequence"
	"github.com/roach88/benchseq/internal/simbus"
	"github.com/roach88/benchseq/internal/testutil"
)

// SimulatedIDN is the identification answer of simulated instruments whose
// simulate block leaves idn empty.
const SimulatedIDN = "benchseq,simulated,0,0"

// Option configures Run.
type Option func(*config)

type config struct {
	logger *slog.Logger
}

// WithLogger routes registry and engine logs to l. Logs are discarded by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// Bus builds a simulated bus with one scripted device per instrument the
// sequence declares, from its simulate blocks with overrides merged on top.
// An override for an undeclared instrument is an error.
func Bus(seq *sequence.Sequence, overrides map[string]DeviceOverride) (*simbus.Bus, error) {
	declared := make(map[string]bool, len(seq.Instruments))
	for _, inst := range seq.Instruments {
		declared[instrument.NormalizeName(inst.Name)] = true
	}
	byName := make(map[string]DeviceOverride, len(overrides))
	for name, o := range overrides {
		key := instrument.NormalizeName(name)
		if !declared[key] {
			return nil, fmt.Errorf("device override for undeclared instrument %q", name)
		}
		byName[key] = o
	}

	bus := simbus.New()
	for _, inst := range seq.Instruments {
		dev := simulatedDevice(inst.Simulate)
		if o, ok := byName[instrument.NormalizeName(inst.Name)]; ok {
			dev = o.apply(dev)
		}
		bus.Attach(inst.Resource, dev)
	}
	return bus, nil
}

func simulatedDevice(sim *sequence.Simulation) simbus.Device {
	dev := simbus.Device{IDN: SimulatedIDN}
	if sim == nil {
		return dev
	}
	if sim.IDN != "" {
		dev.IDN = sim.IDN
	}
	dev.Responses = maps.Clone(sim.Responses)
	dev.Sequences = maps.Clone(sim.Sequences)
	dev.Hang = append([]string(nil), sim.Hang...)
	return dev
}

func (o DeviceOverride) apply(dev simbus.Device) simbus.Device {
	if o.IDN != "" {
		dev.IDN = o.IDN
	}
	if o.Unscripted {
		dev.Responses = nil
		dev.Sequences = nil
	}
	if len(o.Responses) > 0 {
		if dev.Responses == nil {
			dev.Responses = make(map[string]string, len(o.Responses))
		}
		maps.Copy(dev.Responses, o.Responses)
	}
	if len(o.Sequences) > 0 {
		if dev.Sequences == nil {
			dev.Sequences = make(map[string][]string, len(o.Sequences))
		}
		maps.Copy(dev.Sequences, o.Sequences)
	}
	dev.Hang = append(dev.Hang, o.Hang...)
	dev.FailWrite = append(dev.FailWrite, o.FailWrite...)
	dev.FailOpen = dev.FailOpen || o.FailOpen
	dev.FailClose = dev.FailClose || o.FailClose
	return dev
}

// Run executes a scenario and returns the result.
//
// The sequence runs on a fresh simulated bus with a fake clock starting at
// testutil.Epoch, so settle delays take no wall time and every timestamp in
// the record is deterministic. Hang commands still wait out their real
// response budget; scenarios that use them should set a short timeout_ms.
//
// Run returns an error only when the scenario cannot be executed at all.
// Unmet expectations are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := config{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&cfg)
	}

	seq, err := sequence.Load(scenario.Sequence)
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence: %w", err)
	}

	bus, err := Bus(seq, scenario.Devices)
	if err != nil {
		return nil, err
	}
	clock := testutil.NewFakeClock(testutil.Epoch)
	bus.WithNow(clock.Now)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if scenario.DeadlineMS > 0 {
		clock.AfterFunc(time.Duration(scenario.DeadlineMS)*time.Millisecond, cancel)
	}

	res := NewResult()
	reg, err := seq.Open(ctx, bus, instrument.WithLogger(cfg.logger))
	if err != nil {
		code := instrument.CodeOf(err)
		if code == "" {
			return nil, fmt.Errorf("failed to open instruments: %w", err)
		}
		res.Outcome = OutcomeError
		res.Code = string(code)
	} else {
		runID := scenario.RunID
		if runID == "" {
			runID = DefaultRunID
		}
		eng := engine.New(
			engine.WithClock(clock),
			engine.WithLogger(cfg.logger),
			engine.WithRunIDGenerator(engine.NewFixedGenerator(runID)),
		)
		rec, runErr := eng.RunSequence(ctx, reg, seq)
		reg.CloseAll()

		if err := classify(res, rec, runErr); err != nil {
			return nil, err
		}
	}

	res.Trace = trace(bus, seq)

	for _, msg := range checkExpect(res, scenario.Expect) {
		res.AddError(msg)
	}
	for _, msg := range EvaluateAssertions(res, scenario.Assertions) {
		res.AddError(msg)
	}

	cfg.logger.Info("scenario finished", "scenario", scenario.Name, "outcome", res.Outcome, "pass", res.Pass)
	return res, nil
}

// classify fills the outcome fields of res from the engine's return values.
func classify(res *Result, rec *result.Record, runErr error) error {
	if runErr != nil {
		se, ok := engine.AsSequenceError(runErr)
		if !ok {
			return fmt.Errorf("run failed: %w", runErr)
		}
		res.Outcome = OutcomeAbort
		res.Code = string(se.Code)
		if se.StepIndex != engine.NoStep {
			step := se.StepIndex
			res.Step = &step
		}
		res.Record = se.Partial
		return nil
	}

	res.Record = rec
	if rec.Passed() {
		res.Outcome = OutcomePass
	} else {
		res.Outcome = OutcomeFail
	}
	return nil
}

// trace converts the bus transcript into trace events. Opens, closes and
// identification queries are left out.
func trace(bus *simbus.Bus, seq *sequence.Sequence) []TraceEvent {
	names := make(map[string]string, len(seq.Instruments))
	for _, inst := range seq.Instruments {
		names[inst.Resource] = instrument.NormalizeName(inst.Name)
	}

	out := []TraceEvent{}
	for _, ex := range bus.Transcript() {
		if ex.Kind != simbus.KindWrite && ex.Kind != simbus.KindQuery {
			continue
		}
		if ex.Kind == simbus.KindQuery && ex.Command == instrument.IdentifyCommand {
			continue
		}
		out = append(out, TraceEvent{
			Seq:        len(out) + 1,
			Instrument: names[ex.Resource],
			Kind:       string(ex.Kind),
			Command:    ex.Command,
			Response:   ex.Response,
			Failed:     ex.Err != nil,
		})
	}
	return out
}

// checkExpect compares the outcome fields against the scenario's expect block.
func checkExpect(res *Result, want Expect) []string {
	var errs []string
	if res.Outcome != want.Outcome {
		msg := fmt.Sprintf("expected outcome %s, got %s", want.Outcome, res.Outcome)
		if res.Code != "" {
			msg += " (" + res.Code + ")"
		}
		errs = append(errs, msg)
	}
	if want.Code != "" && res.Code != want.Code {
		errs = append(errs, fmt.Sprintf("expected code %s, got %q", want.Code, res.Code))
	}
	if want.Step != nil {
		switch {
		case res.Step == nil:
			errs = append(errs, fmt.Sprintf("expected failure at step %d, run did not fail at a step", *want.Step))
		case *res.Step != *want.Step:
			errs = append(errs, fmt.Sprintf("expected failure at step %d, got step %d", *want.Step, *res.Step))
		}
	}
	return errs
}
