package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"careerline/internal/domain"
	"careerline/internal/engine"
)

func assetCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "asset",
		Short: "Review AssetCards",
		Long:  "AssetCards start in the inbox (or flagged when validation found problems). Approve or edit them into the library, reject to delete, and export reviewed cards as README or resume text.",
	}
	a.AddCommand(assetListCmd("inbox", "List AssetCards awaiting review", engine.Engine.ListInbox))
	a.AddCommand(assetListCmd("library", "List reviewed AssetCards", engine.Engine.ListLibrary))
	a.AddCommand(assetGetCmd())
	a.AddCommand(assetApproveCmd())
	a.AddCommand(assetEditCmd())
	a.AddCommand(assetRejectCmd())
	a.AddCommand(assetDecisionsCmd())
	a.AddCommand(assetExportCmd())
	return a
}

type listArtifacts func(engine.Engine, context.Context, string, engine.ListOptions) (engine.Page[domain.Artifact], error)

func assetListCmd(use, short string, list listArtifacts) *cobra.Command {
	var opts engine.ListOptions
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := list(e, ctx, actorID(), opts)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), page, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Title", "Status", "Technologies", "Generated"})
					for _, a := range page.Items {
						tw.AppendRow(table.Row{a.ID, truncate(a.Title, 50), a.Status, len(a.Technologies), a.GeneratedAt})
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

func assetGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an AssetCard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetArtifact(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), a, func(tw table.Writer) { renderArtifact(tw, a) })
			})
		},
	}
}

func assetApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve an AssetCard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ApproveArtifact(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), a, func(tw table.Writer) { renderArtifact(tw, a) })
			})
		},
	}
}

func assetEditCmd() *cobra.Command {
	var title, description, impact, metrics string
	var technologies, contributions []string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit fields of an AssetCard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.ArtifactPatch
			flags := cmd.Flags()
			if flags.Changed("title") {
				patch.Title = &title
			}
			if flags.Changed("description") {
				patch.Description = &description
			}
			if flags.Changed("impact") {
				patch.Impact = &impact
			}
			if flags.Changed("metrics") {
				patch.Metrics = &metrics
			}
			if flags.Changed("technology") {
				patch.Technologies = technologies
			}
			if flags.Changed("contribution") {
				patch.Contributions = contributions
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.EditArtifact(ctx, args[0], actorID(), patch)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), a, func(tw table.Writer) { renderArtifact(tw, a) })
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&impact, "impact", "", "impact")
	cmd.Flags().StringVar(&metrics, "metrics", "", "metrics")
	cmd.Flags().StringArrayVar(&technologies, "technology", nil, "technology (repeatable, replaces the list)")
	cmd.Flags().StringArrayVar(&contributions, "contribution", nil, "contribution (repeatable, replaces the list)")
	return cmd
}

func assetRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject and delete an AssetCard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RejectArtifact(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rejected %s\n", args[0])
				return nil
			})
		},
	}
}

func assetDecisionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decisions <id>",
		Short: "List review decisions for an AssetCard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logs, err := e.ListDecisionLogs(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), logs, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Timestamp", "Action", "User", "Fields"})
					for _, l := range logs {
						tw.AppendRow(table.Row{l.Timestamp, l.Action, l.UserID, len(l.EditedFields)})
					}
				})
			})
		},
	}
}

func assetExportCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <id>...",
		Short: "Export approved or edited AssetCards",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.ExportArtifacts(ctx, actorID(), args, format)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(cmd.OutOrStdout(), out)
				}
				fmt.Fprint(cmd.OutOrStdout(), out.Content)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "readme", "readme or resume")
	return cmd
}
