package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/benchseq/internal/csvlog"
	"github.com/roach88/benchseq/internal/engine"
	"github.com/roach88/benchseq/internal/instrument"
	"github.com/roach88/benchseq/internal/result"
	"github.com/roach88/benchseq/internal/sequence"
	"github.com/roach88/benchseq/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Sim      bool
	CSV      string
	Deadline time.Duration

	// RunIDs overrides the run ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs engine.RunIDGenerator

	// Clock overrides the engine clock (for testing).
	Clock engine.Clock

	// Manager overrides transport selection (for testing).
	Manager instrument.ResourceManager
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <sequence-file>",
		Short: "Execute a sequence against the bench",
		Long: `Execute a sequence file against the instruments it declares.

Instruments are opened over raw SCPI sockets (TCPIP::host::port::SOCKET or
host:port). With --sim they are replaced by the simulate blocks of the
sequence file. Every run is recorded: to SQLite with --db (or $BENCHSEQ_DB)
and to a CSV log with --csv.

Exit status is 0 when the sequence passes and 1 when it fails or aborts.

Example:
  benchseq run --sim characterization.yaml
  benchseq run --db ./bench.db --csv data/bench_log.csv characterization.yaml
  benchseq run --deadline 30s --format json characterization.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSequence(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", defaultDatabase(), "path to SQLite run history (default $"+EnvDatabase+")")
	cmd.Flags().BoolVar(&opts.Sim, "sim", false, "run against simulated instruments")
	cmd.Flags().StringVar(&opts.CSV, "csv", "", "append the result record to a CSV log")
	cmd.Flags().DurationVar(&opts.Deadline, "deadline", 0, "abort the run after this long (0 = no deadline)")

	return cmd
}

func runSequence(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())

	seq, err := sequence.Load(path)
	if err != nil {
		_ = formatter.Error(loadErrorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid sequence", err)
	}
	formatter.VerboseLog("Loaded %s: %d instrument(s), %d step(s)", seq.Name, len(seq.Instruments), len(seq.Steps))

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	rm, err := resourceManager(opts, seq)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build bench", err)
	}
	reg, err := seq.Open(ctx, rm, instrument.WithLogger(logger))
	if err != nil {
		_ = formatter.Error(instrumentErrorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open instruments", err)
	}
	defer reg.CloseAll()

	eng := engine.New(engineOptions(opts, logger)...)
	rec, runErr := eng.RunSequence(ctx, reg, seq)
	if runErr != nil {
		se, ok := engine.AsSequenceError(runErr)
		if !ok || se.Partial == nil {
			return WrapExitError(ExitCommandError, "run failed", runErr)
		}
		rec = se.Partial
	}

	if err := persist(ctx, opts, seq, rec, logger); err != nil {
		return err
	}

	if opts.Format == "json" {
		if err := formatter.Success(rec.Report()); err != nil {
			return err
		}
	} else {
		printRecord(formatter.Writer, rec)
	}

	switch {
	case runErr != nil:
		return WrapExitError(ExitFailure, "sequence aborted", runErr)
	case !rec.Passed():
		return NewExitError(ExitFailure, "sequence failed")
	}
	return nil
}

func engineOptions(opts *RunOptions, logger *slog.Logger) []engine.Option {
	eopts := []engine.Option{engine.WithLogger(logger)}
	if opts.RunIDs != nil {
		eopts = append(eopts, engine.WithRunIDGenerator(opts.RunIDs))
	}
	if opts.Clock != nil {
		eopts = append(eopts, engine.WithClock(opts.Clock))
	}
	return eopts
}

// persist writes the record to the run history and the CSV log, when
// configured. The CSV columns come from the sequence's result keys. The write is detached from ctx so aborted and timed-out runs
// are still recorded.
func persist(ctx context.Context, opts *RunOptions, seq *sequence.Sequence, rec *result.Record, logger *slog.Logger) error {
	if opts.Database != "" {
		st, err := store.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
		if err := st.WriteRun(context.WithoutCancel(ctx), rec); err != nil {
			return WrapExitError(ExitCommandError, "failed to record run", err)
		}
		logger.Debug("run recorded", "run_id", rec.RunID(), "db", opts.Database)
	}

	if opts.CSV != "" {
		if err := csvlog.New(opts.CSV, seq.ResultKeys()...).Append(rec); err != nil {
			return WrapExitError(ExitCommandError, "failed to append CSV log", err)
		}
		logger.Debug("run logged", "run_id", rec.RunID(), "csv", opts.CSV)
	}
	return nil
}

// loadErrorCode returns the diagnostic code of a sequence load failure.
func loadErrorCode(err error) string {
	var le *sequence.LoadError
	if errors.As(err, &le) {
		return le.Code
	}
	var ve sequence.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return ve[0].Code
	}
	return sequence.ErrCodeGeneric
}

// instrumentErrorCode returns the instrument error code of err, or the
// generic code when err is not an instrument error.
func instrumentErrorCode(err error) string {
	if code := instrument.CodeOf(err); code != "" {
		return string(code)
	}
	return sequence.ErrCodeGeneric
}
