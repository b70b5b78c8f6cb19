package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/stepflow/internal/compiler"
	"github.com/roach88/stepflow/internal/workflow"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool                       `json:"valid"`
	Definitions []DefinitionSummary        `json:"definitions,omitempty"`
	Errors      []compiler.ValidationError `json:"errors,omitempty"`
	Warnings    []compiler.ValidationError `json:"warnings,omitempty"`
	Cycles      []DefinitionCycle          `json:"cycles,omitempty"`
}

// DefinitionSummary identifies one compiled definition.
type DefinitionSummary struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Steps   int    `json:"steps"`
}

// DefinitionCycle is a loop found in a definition's step graph.
type DefinitionCycle struct {
	Definition string `json:"definition"`
	compiler.CycleWarning
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate workflow definitions without deploying",
		Long: `Compile and validate CUE workflow definitions from a file or directory.

Reports graph errors (unknown edge targets, unreachable steps, missing
config) with their E1xx codes, plus warnings and step-graph loops.
Nothing is written to the store.

Exit codes:
  0 - All definitions valid (warnings allowed)
  1 - One or more definitions invalid
  2 - Command error (path not found, CUE syntax error, etc.)`,
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
	formatter := opts.formatter(cmd)

	loaded, err := loadDefinitions(formatter, path)
	if err != nil {
		return err
	}

	result := ValidationResult{Valid: true}
	for _, def := range loaded.Definitions {
		formatter.VerboseLog("Validating %s v%d", def.ID, def.Version)
		result.Definitions = append(result.Definitions, DefinitionSummary{ID: def.ID, Version: def.Version, Steps: len(def.Steps)})

		for _, f := range compiler.Validate(def) {
			f.Field = def.ID + "." + f.Field
			if f.Warning {
				result.Warnings = append(result.Warnings, f)
			} else {
				result.Errors = append(result.Errors, f)
			}
		}
		for _, c := range compiler.AnalyzeCycles(def) {
			result.Cycles = append(result.Cycles, DefinitionCycle{Definition: def.ID, CycleWarning: c})
		}
	}

	if len(result.Errors) > 0 {
		result.Valid = false
		return outputValidationErrors(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

// loadDefinitions loads path and reports a load failure in the configured
// format.
func loadDefinitions(formatter *OutputFormatter, path string) (*LoadResult, error) {
	loaded, err := LoadDefinitions(path)
	if err == nil {
		formatter.VerboseLog("Loaded %d definition(s) from %d file(s)", len(loaded.Definitions), len(loaded.Files))
		return loaded, nil
	}
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", loadErr.Code, loadErr.Message))
	}
	_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
	return nil, WrapExitError(ExitCommandError, ErrCodeGeneric, err)
}

// validationErrors returns the blocking findings for defs.
func validationErrors(defs []*workflow.Definition) []compiler.ValidationError {
	var errs []compiler.ValidationError
	for _, def := range defs {
		for _, f := range compiler.Errors(compiler.Validate(def)) {
			f.Field = def.ID + "." + f.Field
			errs = append(errs, f)
		}
	}
	return errs
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	return formatter.Print(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %d definition(s) valid\n", len(result.Definitions))
		for _, warn := range result.Warnings {
			fmt.Fprintf(w, "  warning %s: %s: %s\n", warn.Code, warn.Field, warn.Message)
		}
		for _, c := range result.Cycles {
			fmt.Fprintf(w, "  %s %s: loop %s\n", c.Level, c.Definition, strings.Join(c.Path, " -> "))
		}
	})
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   result,
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
		return NewExitError(ExitFailure, fmt.Sprintf("%s: validation failed with %d error(s)", errs[0].Code, len(errs)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n", err.Code, err.Field, err.Message)
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("%s: validation failed with %d error(s)", errs[0].Code, len(errs)))
}
