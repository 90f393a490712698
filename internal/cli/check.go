package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/benchseq/internal/harness"
	"github.com/roach88/benchseq/internal/sequence"
)

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <scenario-file|dir>...",
		Short: "Run bench scenarios against simulated instruments",
		Long: `Run conformance scenarios against simulated instruments.

A scenario names a sequence file, rescripts some of its simulated
instruments and states how the run must end (pass, fail, abort or error)
together with assertions on the commands sent and the measurements
recorded. Directories contribute their *.yaml and *.yml files.

No hardware is touched and nothing is recorded. Settle delays run on a
virtual clock, so scenarios finish immediately.

Exit status is 0 when every scenario holds and 1 otherwise.

Example:
  benchseq check scenarios/
  benchseq check --format json scenarios/scope_silent.yaml`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runCheck(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	paths, err := harness.ExpandPaths(args)
	if err != nil {
		_ = formatter.Error(sequence.ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid scenario path", err)
	}
	if len(paths) == 0 {
		_ = formatter.Error(sequence.ErrCodeGeneric, "no scenario files found", args)
		return NewExitError(ExitCommandError, "no scenario files found")
	}
	formatter.VerboseLog("Checking %d scenario(s)", len(paths))

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var hopts []harness.Option
	if opts.Verbose {
		hopts = append(hopts, harness.WithLogger(newLogger(true, cmd.ErrOrStderr())))
	}
	suite := harness.RunFiles(ctx, paths, hopts...)

	if opts.Format == "json" {
		if err := formatter.Success(suite); err != nil {
			return err
		}
	} else {
		printSuite(formatter, suite)
	}

	if suite.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) failed", suite.Failed, suite.Total))
	}
	return nil
}

// printSuite writes one line per scenario, the failure details, and a
// summary line.
func printSuite(formatter *OutputFormatter, suite *harness.SuiteResult) {
	w := formatter.Writer

	failures := make(map[string][]string, len(suite.Failures))
	for _, f := range suite.Failures {
		failures[f.Path] = f.Errors
	}

	for _, r := range suite.Results {
		name := r.Scenario
		if name == "" {
			name = r.Path
		}
		outcome := string(r.Outcome)
		if r.Code != "" {
			outcome += " " + r.Code
		}

		label := passLabel("PASS")
		if !r.Pass {
			label = failLabel("FAIL")
		}
		if outcome == "" {
			fmt.Fprintf(w, "%s  %s\n", label, name)
		} else {
			fmt.Fprintf(w, "%s  %s  (%s)\n", label, name, outcome)
		}

		for _, msg := range failures[r.Path] {
			fmt.Fprintf(w, "    %s\n", msg)
		}
	}

	fmt.Fprintf(w, "\n%d scenario(s): %d passed, %d failed\n", suite.Total, suite.Passed, suite.Failed)
}
