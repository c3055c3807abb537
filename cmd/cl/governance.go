package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"careerline/internal/domain"
	"careerline/internal/engine"
)

func intentCmd() *cobra.Command {
	i := &cobra.Command{
		Use:   "intent",
		Short: "Declare what an agent run is for",
		Long:  "Intents are classified once on creation: Low runs freely, Med and High need an approved, unexpired approval before a run is admitted.",
	}
	i.AddCommand(intentCreateCmd())
	i.AddCommand(intentListCmd())
	i.AddCommand(intentGetCmd())
	return i
}

func intentCreateCmd() *cobra.Command {
	var in engine.IntentInput
	var repoName, sha string
	var pr int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repoName != "" || pr > 0 || sha != "" {
				in.PRMeta = &domain.PRMeta{Repo: repoName, PR: pr, SHA: sha}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.CreateIntent(ctx, actorID(), in)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), it, func(tw table.Writer) {
					tw.AppendRows([]table.Row{
						{"ID", it.ID},
						{"Goal", it.Goal},
						{"Risk", it.RiskLevel},
						{"Reason", it.RiskReason},
						{"Requires approval", it.RequiresApproval},
					})
				})
			})
		},
	}
	cmd.Flags().StringVar(&in.Goal, "goal", "", "what the run should achieve")
	cmd.Flags().StringVar(&in.Success, "success", "", "how success is judged")
	cmd.Flags().StringVar(&repoName, "repo", "", "PR repository (owner/name)")
	cmd.Flags().IntVar(&pr, "pr", 0, "PR number")
	cmd.Flags().StringVar(&sha, "sha", "", "PR head sha")
	_ = cmd.MarkFlagRequired("goal")
	_ = cmd.MarkFlagRequired("success")
	return cmd
}

func intentListCmd() *cobra.Command {
	var opts engine.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List my intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.ListIntents(ctx, actorID(), opts)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), page, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Goal", "Risk", "Created"})
					for _, it := range page.Items {
						tw.AppendRow(table.Row{it.ID, truncate(it.Goal, 50), it.RiskLevel, it.CreatedAt})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func intentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.GetIntent(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), it)
			})
		},
	}
}

func approvalCmd() *cobra.Command {
	a := &cobra.Command{Use: "approval", Short: "Decide on gated intents"}
	a.AddCommand(approvalCreateCmd())
	a.AddCommand(approvalGetCmd())
	a.AddCommand(approvalInboxCmd())
	return a
}

func approvalCreateCmd() *cobra.Command {
	var in engine.ApprovalInput
	var validFor time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record an approval decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.ValidTo == "" && validFor > 0 {
				in.ValidTo = time.Now().UTC().Add(validFor).Format(time.RFC3339)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateApproval(ctx, actorID(), in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a)
			})
		},
	}
	cmd.Flags().StringVar(&in.IntentID, "intent-id", "", "intent id")
	cmd.Flags().StringVar(&in.Decision, "decision", domain.DecisionApproved, "approved, rejected or sent_back")
	cmd.Flags().StringVar(&in.ValidTo, "valid-to", "", "expiry (RFC3339)")
	cmd.Flags().DurationVar(&validFor, "valid-for", 24*time.Hour, "expiry relative to now when --valid-to is not set")
	_ = cmd.MarkFlagRequired("intent-id")
	return cmd
}

func approvalGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetApproval(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a)
			})
		},
	}
}

func approvalInboxCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List gated intents still waiting for a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListApprovalInbox(ctx, actorID(), limit)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Intent", "Goal", "Risk", "Created"})
					for _, it := range items {
						tw.AppendRow(table.Row{it.IntentID, truncate(it.Goal, 50), it.RiskLevel, it.CreatedAt})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max items")
	return cmd
}

func runCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "run",
		Short: "Admit and inspect agent runs",
		Long:  "Every run goes through the approval gate; rejected attempts are recorded as exceptions.",
	}
	r.AddCommand(runCreateCmd())
	r.AddCommand(runListCmd())
	r.AddCommand(runGetCmd())
	return r
}

func runCreateCmd() *cobra.Command {
	var in engine.RunInput
	var execute bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a run through the gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateRun(ctx, actorID(), in)
				if err != nil {
					return err
				}
				out := struct {
					engine.RunResult
					ErrorCode *string `json:"errorCode,omitempty"`
				}{RunResult: res}
				if execute && !res.Existing {
					exec, err := e.ExecuteRun(ctx, res.RunID)
					if err != nil {
						return err
					}
					out.Status = exec.Status
					out.ErrorCode = exec.ErrorCode
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&in.RunID, "run-id", "", "idempotent run id")
	cmd.Flags().StringVar(&in.IntentID, "intent-id", "", "intent id")
	cmd.Flags().StringVar(&in.ApprovalID, "approval-id", "", "approval id")
	cmd.Flags().StringVar(&in.AgentName, "agent", "reviewer", "agent name")
	cmd.Flags().StringVar(&in.AgentVersion, "agent-version", "1", "agent version")
	cmd.Flags().StringVar(&in.Model, "model", "", "model")
	cmd.Flags().StringVar(&in.RepoFullName, "repo", "", "repository (owner/name)")
	cmd.Flags().IntVar(&in.PRNumber, "pr", 0, "PR number")
	cmd.Flags().StringVar(&in.DiffHash, "diff-hash", "", "diff hash")
	cmd.Flags().BoolVar(&execute, "execute", true, "run the review immediately")
	return cmd
}

func runListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), runs, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Intent", "Approval", "Repo", "PR", "Status", "Created"})
					for _, r := range runs {
						tw.AppendRow(table.Row{r.ID, r.IntentID, deref(r.ApprovalID), r.RepoFullName, r.PRNumber, r.Status, r.CreatedAt})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max items")
	return cmd
}

func runGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a run and its review output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				out := struct {
					domain.AgentRun
					ReviewOutput *domain.ReviewOutput `json:"reviewOutput,omitempty"`
				}{AgentRun: run}
				if ro, err := e.GetReviewOutput(ctx, run.ID); err == nil {
					out.ReviewOutput = &ro
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func exceptionCmd() *cobra.Command {
	x := &cobra.Command{Use: "exception", Short: "Triage governance exceptions"}
	x.AddCommand(exceptionListCmd())
	x.AddCommand(exceptionResolveCmd())
	x.AddCommand(exceptionBreakGlassCmd())
	x.AddCommand(exceptionExpiredCmd())
	x.AddCommand(exceptionSweepCmd())
	return x
}

func exceptionListCmd() *cobra.Command {
	var typ string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List exception events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListExceptions(ctx, typ, limit)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Type", "Intent", "Run", "Actor", "Resolved", "Created"})
					for _, x := range items {
						tw.AppendRow(table.Row{x.ID, x.Type, deref(x.IntentID), deref(x.RunID), deref(x.ActorID), deref(x.ResolvedAt), x.CreatedAt})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "unapproved_attempt, break_glass or approval_expired")
	cmd.Flags().IntVar(&limit, "limit", 0, "max items")
	return cmd
}

func exceptionResolveCmd() *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an exception",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.ResolveException(ctx, args[0], actorID(), resolution)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), x)
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "how it was resolved")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}

func exceptionBreakGlassCmd() *cobra.Command {
	var intentID, runID string
	cmd := &cobra.Command{
		Use:   "break-glass",
		Short: "Record a run started outside the gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.LogBreakGlass(ctx, actorID(), intentID, runID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), x)
			})
		},
	}
	cmd.Flags().StringVar(&intentID, "intent-id", "", "intent id")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	_ = cmd.MarkFlagRequired("intent-id")
	return cmd
}

func exceptionExpiredCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "expired",
		Short: "List approvals past their validTo",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListExpiredApprovals(ctx, limit)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Intent", "Approver", "Valid to"})
					for _, a := range items {
						tw.AppendRow(table.Row{a.ID, a.IntentID, a.ApproverID, deref(a.ValidTo)})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max items")
	return cmd
}

func exceptionSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-expired",
		Short: "Record approval_expired exceptions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SweepExpiredApprovals(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recorded %d expired approvals\n", n)
				return nil
			})
		},
	}
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{Use: "evidence", Short: "Attach evidence to runs and intents"}
	ev.AddCommand(evidenceAddCmd())
	ev.AddCommand(evidenceListCmd())
	return ev
}

func evidenceAddCmd() *cobra.Command {
	var in engine.EvidenceInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an evidence record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.CreateEvidence(ctx, actorID(), in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ev)
			})
		},
	}
	cmd.Flags().StringVar(&in.LinkedType, "linked-type", domain.LinkedAgentRun, "agent_run or intent")
	cmd.Flags().StringVar(&in.LinkedID, "linked-id", "", "run or intent id")
	cmd.Flags().StringVar(&in.Kind, "kind", "", "evidence kind (ci_run, pr_link, ...)")
	cmd.Flags().StringVar(&in.URL, "url", "", "url")
	cmd.Flags().StringVar(&in.Hash, "hash", "", "content hash")
	_ = cmd.MarkFlagRequired("linked-id")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func evidenceListCmd() *cobra.Command {
	var linkedType, linkedID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List evidence for a run or intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvidence(ctx, linkedType, linkedID)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Kind", "URL", "Hash", "Created"})
					for _, ev := range items {
						tw.AppendRow(table.Row{ev.ID, ev.Kind, deref(ev.URL), deref(ev.Hash), ev.CreatedAt})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&linkedType, "linked-type", domain.LinkedAgentRun, "agent_run or intent")
	cmd.Flags().StringVar(&linkedID, "linked-id", "", "run or intent id")
	_ = cmd.MarkFlagRequired("linked-id")
	return cmd
}

func auditCmd() *cobra.Command {
	var p engine.AuditParams
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Reconcile runs in a window into an audit report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.To == "" {
				p.To = time.Now().UTC().Format(time.RFC3339)
			}
			if p.From == "" {
				to, err := time.Parse(time.RFC3339, p.To)
				if err != nil {
					return fmt.Errorf("--to must be RFC3339: %w", err)
				}
				p.From = to.Add(-since).Format(time.RFC3339)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.AuditReport(ctx, p)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(cmd.OutOrStdout(), report)
				}
				fmt.Fprint(cmd.OutOrStdout(), report.Markdown)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&p.From, "from", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&p.To, "to", "", "window end (RFC3339, default now)")
	cmd.Flags().StringVar(&p.Repo, "repo", "", "restrict to one repository")
	cmd.Flags().DurationVar(&since, "since", 7*24*time.Hour, "window length when --from is not set")
	return cmd
}

func kpiCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "kpi",
		Short: "Governance rates over a window (default last 30 days)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.KPISummary(ctx, from, to)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), sum, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Metric", "Value"})
					tw.AppendRows([]table.Row{
						{"Period", sum.Period.From + " .. " + sum.Period.To},
						{"Runs", sum.Runs},
						{"Link rate", fmt.Sprintf("%.1f%%", sum.LinkRate*100)},
						{"Approval rate", fmt.Sprintf("%.1f%%", sum.ApprovalRate*100)},
						{"Audit success rate", fmt.Sprintf("%.1f%%", sum.AuditSuccessRate*100)},
					})
				})
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "window end (RFC3339)")
	return cmd
}
