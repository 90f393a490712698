package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/benchseq/internal/sequence"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool                       `json:"valid"`
	Name        string                     `json:"name,omitempty"`
	Instruments int                        `json:"instruments,omitempty"`
	Steps       int                        `json:"steps,omitempty"`
	Errors      []sequence.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <sequence-file>",
		Short: "Validate a sequence file without running it",
		Long: `Validate a YAML or CUE sequence file without touching any instrument.

Performs schema checking against the embedded CUE schema, then semantic
checks: instrument references, actions, result keys, delays and payloads.
All semantic problems are reported, not just the first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	// Read and schema-check
	f, err := sequence.LoadFile(path)
	if err != nil {
		var loadErr *sequence.LoadError
		if errors.As(err, &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Error(), nil)
		}
		return outputValidateError(formatter, sequence.ErrCodeGeneric, err.Error(), nil)
	}
	formatter.VerboseLog("Loaded %s: %d instrument(s), %d step(s)", path, len(f.Instruments), len(f.Steps))

	if errs := sequence.ValidateFile(f); len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}

	// Rules only compile once the structure is known to be sound
	seq, err := f.Compile()
	if err != nil {
		return outputValidationErrors(formatter, sequence.ValidationErrors{{
			Field:   "rule",
			Message: err.Error(),
			Code:    sequence.ErrCodeGeneric,
		}})
	}

	return outputValidateSuccess(formatter, seq)
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, seq *sequence.Sequence) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{
			Valid:       true,
			Name:        seq.Name,
			Instruments: len(seq.Instruments),
			Steps:       len(seq.Steps),
		})
	}

	fmt.Fprintf(formatter.Writer, "✓ %s valid (%d instrument(s), %d step(s))\n", seq.Name, len(seq.Instruments), len(seq.Steps))
	return nil
}

// outputValidateError outputs a single load error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	// Unreadable files are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs sequence.ValidationErrors) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data: ValidationResult{
				Valid:  false,
				Errors: errs,
			},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n", err.Code, err.Field, err.Message)
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
