// Command approvalctl inspects workflow catalogs offline and drives a running
// approval service over gRPC.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ex-approvals/internal/catalog"
	"github.com/pesio-ai/be-ex-approvals/internal/client"
	"github.com/pesio-ai/be-ex-approvals/internal/repository"
	"github.com/pesio-ai/be-ex-approvals/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "approvalctl",
		Short:         "Expense approval workflow tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newLintCmd(), newCandidatesCmd(), newRemoteCmd())
	return root
}

// ── offline ───────────────────────────────────────────────────────────────────

func newLintCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Check a catalog file for broken references and step order conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.LoadFile(file)
			if err != nil {
				return err
			}
			problems := cat.Lint()
			for _, p := range problems {
				fmt.Fprintln(cmd.OutOrStdout(), p.String())
			}
			if _, err := service.NewStepRegistry(mustTemplates(cmd.Context(), cat)); err != nil {
				return err
			}
			if catalog.HasErrors(problems) {
				return fmt.Errorf("%s: catalog has errors", file)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d template(s), %d problem(s)\n", file, len(cat.Templates), len(problems))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "config/catalog.yaml", "Catalog YAML file")
	return cmd
}

func newCandidatesCmd() *cobra.Command {
	var file, templateID, stepID, applicantID, unit string
	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "List eligible approvers for each step of a template using a catalog directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.LoadFile(file)
			if err != nil {
				return err
			}
			registry, err := service.NewStepRegistry(mustTemplates(cmd.Context(), cat))
			if err != nil {
				return err
			}
			applicant, err := cat.GetPerson(cmd.Context(), applicantID)
			if err != nil {
				return err
			}
			people, _ := cat.ListPersons(cmd.Context())
			relations, _ := cat.ListRelations(cmd.Context())
			snap := service.NewDirectorySnapshot(people, relations)

			steps, err := registry.Steps(templateID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, step := range steps {
				if stepID != "" && step.ID != stepID {
					continue
				}
				opts := service.ResolveOptions{Unit: unit}
				if opts.Unit == "" && step.OrgGroupHint != nil {
					opts.Unit = *step.OrgGroupHint
				}
				candidates := snap.Resolve(applicant, step, opts)
				fmt.Fprintf(out, "step %s (order %d, scope %s): %d candidate(s)\n", step.ID, step.Order, step.Scope, len(candidates))
				for _, p := range candidates {
					rank := "-"
					if p.Rank != nil {
						rank = fmt.Sprintf("%s/%d", p.Rank.Name, p.Rank.Seniority)
					}
					fmt.Fprintf(out, "  %-8s %-24s %-16s %s\n", p.ID, p.Name, p.Role, rank)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "config/catalog.yaml", "Catalog YAML file")
	cmd.Flags().StringVar(&templateID, "template", "", "Template id (required)")
	cmd.Flags().StringVar(&applicantID, "applicant", "", "Applicant person id (required)")
	cmd.Flags().StringVar(&stepID, "step", "", "Only this step id")
	cmd.Flags().StringVar(&unit, "unit", "", "Org unit for steps with the others scope")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("applicant")
	return cmd
}

// mustTemplates converts catalog templates; the catalog source never fails.
func mustTemplates(ctx context.Context, cat *catalog.Catalog) []*repository.WorkflowTemplate {
	templates, _ := cat.ListTemplates(ctx)
	return templates
}

// ── remote ────────────────────────────────────────────────────────────────────

type remoteOptions struct {
	addr    string
	actor   string
	timeout time.Duration
}

func newRemoteCmd() *cobra.Command {
	opts := &remoteOptions{}
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Call a running approval service",
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", envOr("APPROVALS_GRPC_URL", "localhost:9086"), "gRPC address")
	cmd.PersistentFlags().StringVar(&opts.actor, "actor", os.Getenv("APPROVALS_ACTOR"), "Acting person id")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Per-call timeout")

	var documentID string
	history := &cobra.Command{
		Use:   "history",
		Short: "Print the action ledger of a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.ApprovalsGRPCClient) (any, error) {
				return c.GetHistory(ctx, documentID)
			})
		},
	}
	history.Flags().StringVar(&documentID, "document", "", "Document id (required)")
	_ = history.MarkFlagRequired("document")

	var (
		actDocument string
		decision    string
		comment     string
	)
	act := &cobra.Command{
		Use:   "act",
		Short: "Approve (APP), reject (REJ) or return (RET) the current step of a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.ApprovalsGRPCClient) (any, error) {
				inst, err := c.GetInstance(ctx, actDocument)
				if err != nil {
					return nil, err
				}
				if inst == nil {
					return nil, fmt.Errorf("document %s has no workflow instance", actDocument)
				}
				id, _ := inst["id"].(string)
				version, _ := inst["version"].(float64)
				return c.Act(ctx, id, int(version), strings.ToUpper(decision), comment)
			})
		},
	}
	act.Flags().StringVar(&actDocument, "document", "", "Document id (required)")
	act.Flags().StringVar(&decision, "decision", "APP", "APP, REJ or RET")
	act.Flags().StringVar(&comment, "comment", "", "Comment recorded in the ledger")
	_ = act.MarkFlagRequired("document")

	var cancelDocument string
	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Withdraw a submitted document (applicant only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.ApprovalsGRPCClient) (any, error) {
				return c.Cancel(ctx, cancelDocument)
			})
		},
	}
	cancel.Flags().StringVar(&cancelDocument, "document", "", "Document id (required)")
	_ = cancel.MarkFlagRequired("document")

	var templateID, stepID, applicantID, unit string
	candidates := &cobra.Command{
		Use:   "candidates",
		Short: "Resolve eligible approvers of a step on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.ApprovalsGRPCClient) (any, error) {
				return c.ResolveCandidates(ctx, templateID, stepID, applicantID, unit)
			})
		},
	}
	candidates.Flags().StringVar(&templateID, "template", "", "Template id (required)")
	candidates.Flags().StringVar(&stepID, "step", "", "Step id (required)")
	candidates.Flags().StringVar(&applicantID, "applicant", "", "Applicant person id (required)")
	candidates.Flags().StringVar(&unit, "unit", "", "Org unit for the others scope")
	_ = candidates.MarkFlagRequired("template")
	_ = candidates.MarkFlagRequired("step")
	_ = candidates.MarkFlagRequired("applicant")

	cmd.AddCommand(history, act, cancel, candidates)
	return cmd
}

func (o *remoteOptions) run(cmd *cobra.Command, call func(context.Context, *client.ApprovalsGRPCClient) (any, error)) error {
	c, err := client.NewApprovalsGRPCClient(o.addr, o.actor)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	resp, err := call(ctx, c)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), client.FormatJSON(resp))
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
