package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"careerline/internal/domain"
	"careerline/internal/engine"
)

func repoCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "repo",
		Short: "Manage connected repositories",
		Long:  "Connecting a repository registers the careerline webhook on GitHub; pull_request deliveries from it are then ingested for the connecting user.",
	}
	r.AddCommand(repoConnectCmd())
	r.AddCommand(repoListCmd())
	r.AddCommand(repoDisconnectCmd())
	return r
}

func repoConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <owner/name>",
		Short: "Connect a repository and register its webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, name, ok := strings.Cut(args[0], "/")
			if !ok || owner == "" || name == "" {
				return fmt.Errorf("repository must be owner/name, got %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.ConnectRepository(ctx, actorID(), owner, name)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), r)
			})
		},
	}
}

func repoListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List my repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRepositories(ctx, actorID())
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Repository", "Status", "Private", "Connected"})
					for _, r := range items {
						tw.AppendRow(table.Row{r.ID, r.FullName, r.ConnectionStatus, r.IsPrivate, deref(r.ConnectedAt)})
					}
				})
			})
		},
	}
}

func repoDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <id>",
		Short: "Disconnect a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.DisconnectRepository(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), r)
			})
		},
	}
}

func eventCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "event",
		Short: "Inspect and recover PR events",
		Long:  "PR events move pending -> processing -> completed, or to failed. Failed events can be retried; stale ones are swept back onto the queue until their retry budget runs out.",
	}
	ev.AddCommand(eventListCmd())
	ev.AddCommand(eventGetCmd())
	ev.AddCommand(eventRetryCmd())
	ev.AddCommand(eventSweepCmd())
	return ev
}

func eventListCmd() *cobra.Command {
	var opts engine.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List my PR events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.ListEvents(ctx, actorID(), opts)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), page, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "PR", "Action", "Status", "Retries", "Received"})
					for _, ev := range page.Items {
						tw.AppendRow(table.Row{ev.ID, fmt.Sprintf("#%d %s", ev.PRNumber, truncate(ev.PRTitle, 40)), ev.EventType, ev.Status, ev.RetryCount, ev.ReceivedAt})
					}
					if page.NextCursor != "" {
						tw.AppendFooter(table.Row{"next cursor", page.NextCursor})
					}
				})
			})
		},
	}
	addListFlags(cmd, &opts)
	return cmd
}

func eventGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a PR event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.GetEvent(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ev)
			})
		},
	}
}

func eventRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed PR event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.RetryEvent(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ev)
			})
		},
	}
}

func eventSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Requeue or fail stale PR events once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SweepStaleEvents(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Run worker tasks in-process",
		Long:  "Runs the same handlers the queue delivers to, without going through HTTP. Useful to replay an event by hand.",
	}
	t.AddCommand(taskProcessCmd())
	t.AddCommand(taskGenerateCmd())
	return t
}

func taskProcessCmd() *cobra.Command {
	var in engine.ProcessInput
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Fetch PR detail and diff for an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if in.UserID == "" || in.RepositoryID == "" {
					ev, err := e.Repo.GetEvent(ctx, in.EventID)
					if err != nil {
						return err
					}
					if in.UserID == "" {
						in.UserID = ev.UserID
					}
					if in.RepositoryID == "" {
						in.RepositoryID = ev.RepositoryID
					}
				}
				res, err := e.ProcessEvent(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&in.EventID, "event-id", "", "PR event id")
	cmd.Flags().StringVar(&in.UserID, "user-id", "", "owning user (defaults to the event's)")
	cmd.Flags().StringVar(&in.RepositoryID, "repository-id", "", "repository id (defaults to the event's)")
	_ = cmd.MarkFlagRequired("event-id")
	return cmd
}

func taskGenerateCmd() *cobra.Command {
	var eventID string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate the AssetCard for a processed event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GenerateArtifact(ctx, eventID)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), a, func(tw table.Writer) {
					renderArtifact(tw, a)
				})
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event-id", "", "PR event id")
	_ = cmd.MarkFlagRequired("event-id")
	return cmd
}

func addListFlags(cmd *cobra.Command, opts *engine.ListOptions) {
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "cursor from a previous page")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status filter")
}

func renderArtifact(tw table.Writer, a domain.Artifact) {
	tw.AppendRows([]table.Row{
		{"ID", a.ID},
		{"Status", a.Status},
		{"Title", a.Title},
		{"Description", a.Description},
		{"Impact", a.Impact},
		{"Technologies", strings.Join(a.Technologies, ", ")},
		{"Contributions", strings.Join(a.Contributions, "; ")},
		{"Metrics", deref(a.Metrics)},
		{"Generated", a.GeneratedAt},
	})
	for _, v := range a.ValidationErrors {
		tw.AppendRow(table.Row{"Flag", v.Field + ": " + v.Message})
	}
}
