package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/benchseq/internal/instrument"
	"github.com/roach88/benchseq/internal/result"
	"github.com/roach88/benchseq/internal/sequence"
)

// Defaults for engine options.
const (
	// DefaultTimeout is used when neither the step nor the handle sets a timeout.
	DefaultTimeout = 5 * time.Second

	// DefaultPollInterval is the pause between query_wait polls.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultShutdownTimeout bounds each safe-shutdown command.
	DefaultShutdownTimeout = 2 * time.Second
)

// Registry resolves instrument names to handles.
// Implemented by *instrument.Registry.
type Registry interface {
	Get(name string) (*instrument.Handle, error)
}

// Engine runs sequences against a registry.
//
// An Engine holds configuration only. Each Run gets its own result builder
// and active-instrument set, so one Engine may be reused for successive
// runs. Runs must not overlap on the same registry.
//
// INVARIANTS:
//   - Steps execute in declaration order, one at a time
//   - A step starts only after the previous step's settle delay elapsed
//   - The returned Record is sealed; only the engine ever mutated it
//   - On abort, shutdown runs in reverse activation order before returning
type Engine struct {
	clock           Clock
	logger          *slog.Logger
	runIDs          RunIDGenerator
	defaultTimeout  time.Duration
	pollInterval    time.Duration
	shutdownTimeout time.Duration
	maxPolls        int
	shutdown        map[string][]string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source. Default: WallClock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithRunIDGenerator sets the run ID source. Default: UUIDv7Generator.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(e *Engine) {
		e.runIDs = g
	}
}

// WithDefaultTimeout sets the step budget used when neither the step nor
// the handle has a timeout.
//
// Default: 5s (DefaultTimeout)
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.defaultTimeout = d
	}
}

// WithPollInterval sets the pause between query_wait polls.
//
// Default: 50ms (DefaultPollInterval)
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.pollInterval = d
	}
}

// WithMaxPolls caps the polls of a single query_wait step. A wait that
// runs out of polls fails with TIMEOUT even if budget remains.
//
// Default: 0 (no cap; the time budget alone bounds the wait)
func WithMaxPolls(n int) Option {
	return func(e *Engine) {
		e.maxPolls = n
	}
}

// WithShutdownTimeout bounds each safe-shutdown command.
//
// Default: 2s (DefaultShutdownTimeout)
func WithShutdownTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.shutdownTimeout = d
	}
}

// WithShutdownCommands sets per-instrument output-disable commands.
// Instruments not listed get sequence.DefaultShutdown ("OUTP OFF").
// A sequence's own shutdown declarations take precedence in RunSequence.
func WithShutdownCommands(cmds map[string][]string) Option {
	return func(e *Engine) {
		for name, list := range cmds {
			e.shutdown[instrument.NormalizeName(name)] = append([]string(nil), list...)
		}
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		clock:           WallClock{},
		logger:          slog.Default(),
		runIDs:          UUIDv7Generator{},
		defaultTimeout:  DefaultTimeout,
		pollInterval:    DefaultPollInterval,
		shutdownTimeout: DefaultShutdownTimeout,
		shutdown:        make(map[string][]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// plan is everything a single run needs.
type plan struct {
	name     string
	steps    []sequence.Step
	derived  []sequence.Derived
	verdict  result.Verdict
	shutdown map[string][]string
}

// Run executes steps in order and returns the sealed record.
//
// verdict is applied after the last step and its result stored under
// test_passed. A nil verdict passes every run that completes.
//
// On failure Run returns a nil record and a *SequenceError. The safe-shutdown
// pass has already run by the time Run returns.
func (e *Engine) Run(ctx context.Context, reg Registry, steps []sequence.Step, verdict result.Verdict) (*result.Record, error) {
	return e.run(ctx, reg, plan{steps: steps, verdict: verdict})
}

// RunSequence executes a compiled sequence. In addition to Run it computes
// the sequence's derived measurements and honors its shutdown declarations.
func (e *Engine) RunSequence(ctx context.Context, reg Registry, seq *sequence.Sequence) (*result.Record, error) {
	shutdown := make(map[string][]string)
	for name, cmds := range seq.ShutdownCommands() {
		shutdown[instrument.NormalizeName(name)] = cmds
	}
	return e.run(ctx, reg, plan{
		name:     seq.Name,
		steps:    seq.Steps,
		derived:  seq.Derived,
		verdict:  seq.Verdict,
		shutdown: shutdown,
	})
}

func (e *Engine) run(ctx context.Context, reg Registry, p plan) (*result.Record, error) {
	runID := e.runIDs.Generate()
	r := &runner{
		e:      e,
		reg:    reg,
		plan:   p,
		b:      result.NewBuilder(runID, p.name, e.clock.Now()),
		log:    e.logger.With("run_id", runID),
		active: make(map[string]bool),
	}
	r.log.Info("sequence started", "sequence", p.name, "steps", len(p.steps))

	for i := range p.steps {
		step := p.steps[i]
		if err := ctx.Err(); err != nil {
			return nil, r.abort(ctx, i, &step, err)
		}
		if err := r.exec(ctx, i, step); err != nil {
			return nil, r.abort(ctx, i, &step, err)
		}
	}

	for _, d := range p.derived {
		v, err := d.Rule.Value(r.b.View())
		if err != nil {
			return nil, r.abortAfterSteps(ctx, fmt.Errorf("derived %q: %w", d.Key, err))
		}
		if err := r.b.Set(d.Key, v); err != nil {
			return nil, r.abortAfterSteps(ctx, fmt.Errorf("derived %q: %w", d.Key, err))
		}
	}

	passed := true
	if p.verdict != nil {
		passed = p.verdict(r.b.View())
	}
	rec := r.b.Seal(passed, e.clock.Now())
	r.log.Info("sequence finished", "sequence", p.name, "test_passed", passed, "measurements", rec.Len())
	return rec, nil
}

// runner is the state of one run.
type runner struct {
	e    *Engine
	reg  Registry
	plan plan
	b    *result.Builder
	log  *slog.Logger

	// order lists active instruments by first activation.
	order  []string
	active map[string]bool
}

func (r *runner) exec(ctx context.Context, i int, step sequence.Step) error {
	ev := result.StepEvent{
		Index:      i,
		Instrument: step.Instrument,
		Action:     string(step.Action),
		Payload:    step.Payload,
		ResultKey:  step.ResultKey,
		StartedAt:  r.e.clock.Now(),
	}
	if step.Action == sequence.ActionQueryWait {
		ev.Payload = step.Query()
	}
	r.log.Debug("step", "step", i, "instrument", step.Instrument, "action", step.Action, "payload", ev.Payload)

	err := r.perform(ctx, step)

	ev.FinishedAt = r.e.clock.Now()
	ev.Status = result.StepOK
	if err != nil {
		ev.Status = result.StepFailed
		ev.Error = err.Error()
	}
	r.b.AddStep(ev)
	if err != nil {
		return err
	}

	if step.Delay > 0 {
		r.log.Debug("settle", "step", i, "delay", step.Delay)
		if err := r.e.clock.Sleep(ctx, step.Delay); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) perform(ctx context.Context, step sequence.Step) error {
	h, err := r.reg.Get(step.Instrument)
	if err != nil {
		return err
	}

	// The output state after a failed enable is unknown, so the instrument
	// counts as active as soon as the enable is attempted.
	if step.Activates {
		r.activate(h.Name())
	}

	budget := r.budget(step, h)

	switch step.Action {
	case sequence.ActionCommand:
		return h.WriteWithin(ctx, step.Payload, budget)

	case sequence.ActionQueryWait:
		return r.wait(ctx, h, step.Query(), budget)

	case sequence.ActionMeasurement:
		raw, err := h.QueryWithin(ctx, step.Payload, budget)
		if err != nil {
			return err
		}
		v, err := result.ParseValue(step.ResultKey, raw, step.ValueType)
		if err != nil {
			return err
		}
		return r.b.Set(step.ResultKey, v)

	default:
		return fmt.Errorf("%w %q", errInvalidAction, step.Action)
	}
}

// budget resolves the step's time budget: step override, then the handle's
// timeout, then the engine default.
func (r *runner) budget(step sequence.Step, h *instrument.Handle) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	if t := h.Timeout(); t > 0 {
		return t
	}
	return r.e.defaultTimeout
}

// wait polls query until the instrument answers "1", or the budget or the
// poll quota runs out.
func (r *runner) wait(ctx context.Context, h *instrument.Handle, query string, budget time.Duration) error {
	deadline := r.e.clock.Now().Add(budget)
	quota := NewPollQuota(r.e.maxPolls)
	for {
		remaining := deadline.Sub(r.e.clock.Now())
		if remaining <= 0 {
			return &instrument.Error{
				Code:       instrument.ErrCodeTimeout,
				Instrument: h.Name(),
				Resource:   h.Resource(),
				Message:    fmt.Sprintf("%s not complete after %s (%d polls)", query, budget, quota.Current()),
			}
		}
		if err := quota.Check(h.Name(), query); err != nil {
			return &instrument.Error{
				Code:       instrument.ErrCodeTimeout,
				Instrument: h.Name(),
				Resource:   h.Resource(),
				Message:    fmt.Sprintf("%s not complete after %d polls", query, quota.MaxPolls()),
				Err:        err,
			}
		}

		resp, err := h.QueryWithin(ctx, query, remaining)
		if err != nil {
			return err
		}
		if strings.TrimSpace(resp) == "1" {
			return nil
		}

		if err := r.e.clock.Sleep(ctx, r.e.pollInterval); err != nil {
			return err
		}
	}
}

func (r *runner) activate(name string) {
	if r.active[name] {
		return
	}
	r.active[name] = true
	r.order = append(r.order, name)
}

func (r *runner) abortAfterSteps(ctx context.Context, err error) error {
	return r.abort(ctx, NoStep, nil, err)
}

// abort runs the safe-shutdown pass and builds the SequenceError.
func (r *runner) abort(ctx context.Context, index int, step *sequence.Step, cause error) error {
	code := codeOf(cause)
	if index == NoStep {
		code = ErrCodeVerdict
	}
	if ctx.Err() != nil {
		code = ErrCodeDeadlineExceeded
	}

	se := &SequenceError{
		Code:      code,
		StepIndex: index,
		Err:       cause,
	}
	if step != nil {
		se.Instrument = step.Instrument
		se.Action = step.Action
	}
	r.log.Error("sequence aborted", "step", index, "instrument", se.Instrument, "action", se.Action, "code", code, "error", cause)

	se.ShutdownFailures = r.shutdownActive(ctx)
	se.Partial = r.b.Abort(se.Error(), r.e.clock.Now())
	return se
}

// shutdownActive sends the shutdown commands to every active instrument,
// most recently activated first. It never stops early.
func (r *runner) shutdownActive(ctx context.Context) []ShutdownFailure {
	if len(r.order) == 0 {
		return nil
	}
	base := context.WithoutCancel(ctx)

	var failures []ShutdownFailure
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		cmds := r.shutdownCommands(name)

		h, err := r.reg.Get(name)
		if err != nil {
			for _, cmd := range cmds {
				failures = append(failures, r.shutdownFailed(name, "", cmd, err))
			}
			continue
		}

		for _, cmd := range cmds {
			sctx, cancel := context.WithTimeout(base, r.e.shutdownTimeout)
			err := h.Write(sctx, cmd)
			cancel()
			if err != nil {
				failures = append(failures, r.shutdownFailed(name, h.Resource(), cmd, err))
				continue
			}
			r.log.Info("output disabled", "instrument", name, "command", cmd)
		}
	}
	return failures
}

func (r *runner) shutdownFailed(name, resource, cmd string, err error) ShutdownFailure {
	serr := &instrument.Error{
		Code:       instrument.ErrCodeShutdown,
		Instrument: name,
		Resource:   resource,
		Message:    "shutdown " + cmd,
		Err:        err,
	}
	r.log.Warn("shutdown failed", "instrument", name, "command", cmd, "error", serr)
	return ShutdownFailure{Instrument: name, Command: cmd, Err: serr}
}

func (r *runner) shutdownCommands(name string) []string {
	if cmds, ok := r.plan.shutdown[name]; ok {
		return cmds
	}
	if cmds, ok := r.e.shutdown[name]; ok {
		return cmds
	}
	return sequence.DefaultShutdown
}
