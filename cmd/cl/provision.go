package main

import (
	"context"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"careerline/internal/engine"
)

func provisionCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "provision",
		Short: "Create repositories for approved intents",
		Long:  "Provisioning passes the same approval check as a run. The worker creates at most one repository per intent.",
	}
	p.AddCommand(provisionRequestCmd())
	p.AddCommand(provisionEventsCmd())
	return p
}

func provisionRequestCmd() *cobra.Command {
	var in engine.ProvisioningRequest
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Enqueue provisioning for an intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				job, err := e.RequestProvisioning(ctx, actorID(), in)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), job, func(tw table.Writer) {
					tw.AppendRows([]table.Row{
						{"Job", job.JobID},
						{"Intent", job.IntentID},
						{"Status", job.Message},
					})
				})
			})
		},
	}
	cmd.Flags().StringVar(&in.IntentID, "intent", "", "intent id")
	cmd.Flags().StringVar(&in.ApprovalID, "approval", "", "approval id")
	cmd.Flags().StringVar(&in.RepositoryName, "name", "", "repository name (defaults to careerline-<intent>)")
	cmd.Flags().StringVar(&in.StructureType, "structure", "", "structure type recorded with the event")
	_ = cmd.MarkFlagRequired("intent")
	_ = cmd.MarkFlagRequired("approval")
	return cmd
}

func provisionEventsCmd() *cobra.Command {
	var opts engine.ProvisioningListOptions
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List provisioning events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListProvisioningEvents(ctx, opts)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), events, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Intent", "Resource", "URL", "Created"})
					for _, ev := range events {
						tw.AppendRow(table.Row{ev.ID, ev.IntentID, ev.ResourceType + ":" + ev.ResourceID, ev.ResourceURL, ev.CreatedAt})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.From, "from", "", "window start (ISO8601)")
	cmd.Flags().StringVar(&opts.To, "to", "", "window end (ISO8601)")
	cmd.Flags().StringVar(&opts.IntentID, "intent", "", "only events for this intent")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum events")
	return cmd
}
