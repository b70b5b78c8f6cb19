package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stepflow/internal/api"
	"github.com/roach88/stepflow/internal/engine"
	"github.com/roach88/stepflow/internal/workflow"
)

// StartOptions holds flags for the start command.
type StartOptions struct {
	*RootOptions
	Definition string
	Version    int
	Key        string
	Input      string // JSON object
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow instance",
		Long: `Start an instance of a deployed definition and run it until it waits,
finishes, or uses up its step budget.

Examples:
  stepflow start --definition claim-review --input '{"claim_id":"C-1"}'
  stepflow start --definition lead-intake --version 2 --key L-7`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Definition, "definition", "", "definition id (required)")
	cmd.Flags().IntVar(&opts.Version, "version", 0, "definition version (default: active version)")
	cmd.Flags().StringVar(&opts.Key, "key", "", "correlation key")
	cmd.Flags().StringVar(&opts.Input, "input", "", "instance input as a JSON object")
	_ = cmd.MarkFlagRequired("definition")

	return cmd
}

func runStart(opts *StartOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	input, err := parseObject(formatter, "input", opts.Input)
	if err != nil {
		return err
	}

	a, err := opts.openApp(cmd.Context(), cmd)
	if err != nil {
		return formatter.Fail(err)
	}
	defer a.Close()

	out, err := a.Engine.Start(cmd.Context(), engine.StartRequest{
		DefinitionID:   opts.Definition,
		Version:        opts.Version,
		CorrelationKey: opts.Key,
		Input:          input,
	})
	if err != nil {
		return formatter.Fail(err)
	}
	return printOutcome(formatter, out)
}

// ResumeOptions holds flags for the resume command.
type ResumeOptions struct {
	*RootOptions
	Token   string
	Payload string // JSON object

	// Decision, DecidedBy and Comment answer an approval suspend point.
	Decision  string
	DecidedBy string
	Comment   string
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResumeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resume <instance-id>",
		Short: "Resume a waiting instance",
		Long: `Resume an instance waiting at the suspend point named by --token, passing
--payload as the step's input. When --token is omitted the current
suspend point is used. An instance waiting on an approval needs
--decision approved or rejected.

A resume that arrives after the instance moved on fails with
STALE_RESUME and changes nothing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Token, "token", "", "resume token (default: current suspend point)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "resume payload as a JSON object")
	cmd.Flags().StringVar(&opts.Decision, "decision", "", "approval decision: approved or rejected")
	cmd.Flags().StringVar(&opts.DecidedBy, "by", "", "who decided the approval")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "approval comment")

	return cmd
}

func runResume(opts *ResumeOptions, instanceID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	payload, err := parseObject(formatter, "payload", opts.Payload)
	if err != nil {
		return err
	}

	a, err := opts.openApp(cmd.Context(), cmd)
	if err != nil {
		return formatter.Fail(err)
	}
	defer a.Close()

	token := opts.Token
	if token == "" {
		inst, err := a.Engine.Get(cmd.Context(), instanceID)
		if err != nil {
			return formatter.Fail(err)
		}
		if inst.Suspension != nil {
			token = inst.Suspension.Token
		}
	}

	out, err := a.Engine.Resume(cmd.Context(), engine.ResumeRequest{
		InstanceID: instanceID,
		Token:      token,
		Input: workflow.ResumeInput{
			Decision:  opts.Decision,
			DecidedBy: opts.DecidedBy,
			Comment:   opts.Comment,
			Payload:   payload,
		},
	})
	if err != nil {
		return formatter.Fail(err)
	}
	return printOutcome(formatter, out)
}

// CancelOptions holds flags for the cancel command.
type CancelOptions struct {
	*RootOptions
	Reason string
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CancelOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "cancel <instance-id>",
		Short:         "Cancel a workflow instance",
		Long:          `Cancel a running or waiting instance. Cancelling a cancelled instance is a no-op.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Reason, "reason", "", "cancellation reason recorded in the activity log")

	return cmd
}

func runCancel(opts *CancelOptions, instanceID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := opts.openApp(cmd.Context(), cmd)
	if err != nil {
		return formatter.Fail(err)
	}
	defer a.Close()

	inst, err := a.Engine.Cancel(cmd.Context(), instanceID, opts.Reason)
	if err != nil {
		return formatter.Fail(err)
	}
	return formatter.Print(inst, func(w io.Writer) {
		printInstance(w, inst)
	})
}

// InstanceView is an instance together with its approval requests.
type InstanceView struct {
	Instance  *workflow.Instance          `json:"instance"`
	Approvals []*workflow.ApprovalRequest `json:"approvals"`
}

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Activity bool // print the full activity log in text mode
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "inspect <instance-id>",
		Short:         "Show an instance, its approvals, and its activity",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Activity, "activity", false, "include the activity log in text output")

	return cmd
}

func runInspect(opts *InspectOptions, instanceID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := opts.openApp(cmd.Context(), cmd)
	if err != nil {
		return formatter.Fail(err)
	}
	defer a.Close()

	inst, err := a.Engine.Get(cmd.Context(), instanceID)
	if err != nil {
		return formatter.Fail(err)
	}
	approvals, err := a.Engine.Approvals(cmd.Context(), instanceID)
	if err != nil {
		return formatter.Fail(err)
	}
	if approvals == nil {
		approvals = []*workflow.ApprovalRequest{}
	}

	view := InstanceView{Instance: inst, Approvals: approvals}
	return formatter.Print(view, func(w io.Writer) {
		printInstance(w, inst)
		for _, ap := range approvals {
			fmt.Fprintf(w, "  approval %s (%s) %s", ap.ID, ap.Role, ap.Status)
			if ap.DecidedBy != "" {
				fmt.Fprintf(w, " by %s", ap.DecidedBy)
			}
			fmt.Fprintln(w)
		}
		if opts.Activity {
			for _, e := range inst.Activity {
				fmt.Fprintf(w, "  [%d] %s %s %s\n", e.Seq, e.At.Format(time.RFC3339), e.Type, e.StepID)
			}
		}
	})
}

// parseObject decodes a JSON object flag. An empty value is nil.
func parseObject(formatter *OutputFormatter, flag, raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		msg := fmt.Sprintf("--%s must be a JSON object: %v", flag, err)
		_ = formatter.Error(ErrCodeInvalidInput, msg, nil)
		return nil, NewExitError(ExitCommandError, ErrCodeInvalidInput+": "+msg)
	}
	return obj, nil
}

func printOutcome(formatter *OutputFormatter, out *engine.Outcome) error {
	resp := api.OutcomeResponse{Instance: out.Instance, Yielded: out.Yielded, StepsRun: out.StepsRun}
	return formatter.Print(resp, func(w io.Writer) {
		printInstance(w, out.Instance)
		if out.Yielded {
			fmt.Fprintf(w, "  yielded after %d step(s); advance to continue\n", out.StepsRun)
		}
	})
}

func printInstance(w io.Writer, inst *workflow.Instance) {
	fmt.Fprintf(w, "%s %s v%d %s", inst.ID, inst.DefinitionID, inst.DefinitionVersion, inst.Status)
	if inst.Stage != "" {
		fmt.Fprintf(w, " stage=%s", inst.Stage)
	}
	if inst.CurrentStepID != "" && !inst.IsTerminal() {
		fmt.Fprintf(w, " step=%s", inst.CurrentStepID)
	}
	fmt.Fprintln(w)

	if sus := inst.Suspension; sus != nil {
		switch sus.Reason {
		case workflow.SuspendApproval:
			fmt.Fprintf(w, "  waiting on approval %s (%s)", sus.Criteria.ApprovalID, sus.Criteria.Role)
		default:
			fmt.Fprintf(w, "  waiting on event %s", sus.Criteria.EventType)
		}
		if sus.Deadline != nil {
			fmt.Fprintf(w, " until %s", sus.Deadline.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "\n  token %s\n", sus.Token)
	}
	if inst.LastError != nil {
		fmt.Fprintf(w, "  error %s: %s\n", inst.LastError.Code, inst.LastError.Message)
	}
}
