package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// DeployOptions holds flags for the deploy command.
type DeployOptions struct {
	*RootOptions
	Draft bool // store without activating
}

// NewDeployCommand creates the deploy command.
func NewDeployCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeployOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deploy <path>",
		Short: "Validate and store workflow definitions",
		Long: `Compile, validate, and store the CUE workflow definitions in a file or
directory. Each version is activated unless --draft is given; an
already-active version is left unchanged.

Nothing is stored if any definition fails validation.

Examples:
  stepflow deploy ./workflows
  stepflow deploy ./workflows/claim_review.cue --draft
  stepflow deploy ./workflows --db /var/lib/stepflow/stepflow.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Draft, "draft", false, "store definitions without activating them")

	return cmd
}

func runDeploy(opts *DeployOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loaded, err := loadDefinitions(formatter, path)
	if err != nil {
		return err
	}
	if errs := validationErrors(loaded.Definitions); len(errs) > 0 {
		return outputValidationErrors(formatter, ValidationResult{Valid: false, Errors: errs})
	}

	a, err := opts.openApp(cmd.Context(), cmd)
	if err != nil {
		return formatter.Fail(err)
	}
	defer a.Close()

	results, err := a.Deploy(cmd.Context(), loaded.Definitions, !opts.Draft)
	if err != nil {
		return formatter.Fail(err)
	}

	return formatter.Print(results, func(w io.Writer) {
		for _, r := range results {
			fmt.Fprintf(w, "%s v%d %s\n", r.ID, r.Version, r.Status)
		}
	})
}
