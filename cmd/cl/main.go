package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"careerline/internal/app"
	"careerline/internal/config"
	"careerline/internal/db"
	"careerline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Careerline CLI",
	Long: `Careerline turns merged pull requests into reviewed career assets and gates agent runs behind approvals.
Core concepts:
- Workspace: a directory holding careerline.yml and the careerline.db database.
- Repository: a connected GitHub repository whose pull_request webhooks are ingested.
- PR event: one webhook delivery, processed then handed to generation.
- AssetCard: the generated summary of a PR; it waits in the inbox until approved, edited or rejected.
- Intent: what an agent run is for, classified Low, Med or High risk.
- Approval: a time-bounded decision that admits runs for a gated intent.
- Exception: an unapproved attempt, a break-glass run or an expired approval.
- Audit report: reconciles intent, approval, run, output and evidence for a window.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CAREERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(repoCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(intentCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(exceptionCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(kpiCmd())
	rootCmd.AddCommand(provisionCmd())
}

// --- helpers ---

// loadConfig reads careerline.yml from the workspace, falling back to the
// defaults, then applies the CAREERLINE_* environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *config.Config) {
	secret := func(dst *config.Secret, key string) {
		if v := strings.TrimSpace(viper.GetString(key)); v != "" {
			*dst = config.Secret(v)
		}
	}
	secret(&cfg.GitHub.WebhookSecret, "github-webhook-secret")
	secret(&cfg.GitHub.Token, "github-token")
	secret(&cfg.LLM.APIKey, "llm-api-key")
	secret(&cfg.Auth.JWTSecret, "jwt-secret")
	secret(&cfg.Queue.TaskToken, "task-token")
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

// output prints v as JSON when --json is set or no table renderer is
// given, and as a table otherwise.
func output(w io.Writer, v any, render func(table.Writer)) error {
	if jsonOutput() || render == nil {
		return printJSON(w, v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	render(tw)
	tw.Render()
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
