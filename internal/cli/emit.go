package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/stepflow/internal/engine"
	"github.com/roach88/stepflow/internal/workflow"
)

// EmitOptions holds flags for the emit command.
type EmitOptions struct {
	*RootOptions
	Payload string // JSON object
	Key     string
}

// NewEmitCommand creates the emit command.
func NewEmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "emit <event-type>",
		Short: "Deliver a domain event",
		Long: `Deliver an event to instances waiting on it, then start or reuse
instances of every active definition it triggers.

The correlation key defaults to the one each trigger extracts from the
payload; --key overrides it.

Examples:
  stepflow emit lead.created --payload '{"lead_id":"L-1"}'
  stepflow emit documents.uploaded --key L-1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "", "event payload as a JSON object")
	cmd.Flags().StringVar(&opts.Key, "key", "", "correlation key")

	return cmd
}

func runEmit(opts *EmitOptions, eventType string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	payload, err := parseObject(formatter, "payload", opts.Payload)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = map[string]any{}
	}

	a, err := opts.openApp(cmd.Context(), cmd)
	if err != nil {
		return formatter.Fail(err)
	}
	defer a.Close()

	res, err := a.Emit(cmd.Context(), workflow.Event{
		Type:           eventType,
		Payload:        payload,
		CorrelationKey: opts.Key,
	})
	if err != nil {
		return formatter.Fail(err)
	}

	return formatter.Print(res, func(w io.Writer) {
		if len(res.Resumed) == 0 && len(res.Matches) == 0 {
			fmt.Fprintf(w, "%s: no waiting instances or triggers\n", eventType)
			return
		}
		for _, r := range res.Resumed {
			fmt.Fprintf(w, "resumed %s %s\n", r.InstanceID, r.Status)
		}
		for _, m := range res.Matches {
			verb := "started"
			if m.Reused {
				verb = "reused"
			}
			fmt.Fprintf(w, "%s %s (%s v%d) %s\n", verb, m.InstanceID, m.DefinitionID, m.DefinitionVersion, m.Status)
		}
	})
}

// DecideOptions holds flags for the decide command.
type DecideOptions struct {
	*RootOptions
	By      string
	Comment string
}

// NewDecideCommand creates the decide command.
func NewDecideCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DecideOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "decide <approval-id> <approved|rejected>",
		Short: "Record an approval decision",
		Long: `Approve or reject a pending approval request and continue its instance
down the matching branch. Deciding a closed request fails with
STALE_RESUME.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecide(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.By, "by", "", "who decided (required)")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "decision comment")
	_ = cmd.MarkFlagRequired("by")

	return cmd
}

func runDecide(opts *DecideOptions, approvalID, decision string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := opts.openApp(cmd.Context(), cmd)
	if err != nil {
		return formatter.Fail(err)
	}
	defer a.Close()

	out, err := a.Engine.DecideApproval(cmd.Context(), engine.ApprovalDecision{
		ApprovalID: approvalID,
		Decision:   decision,
		DecidedBy:  opts.By,
		Comment:    opts.Comment,
	})
	if err != nil {
		return formatter.Fail(err)
	}
	return printOutcome(formatter, out)
}
