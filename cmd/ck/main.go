package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cookline/internal/app"
	"cookline/internal/board"
	"cookline/internal/config"
	"cookline/internal/db"
	"cookline/internal/engine"
	"cookline/internal/migrate"
	"cookline/internal/reconcile"
	"cookline/internal/repo"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "ck",
	Short: "Cookline CLI",
	Long: `Cookline issues COOK, a contribution credit, for reviewed work and turns it into governance weight.
- Tasks move backlog -> ready -> in_progress -> review -> done; only review approval reaches done.
- COOK is drafted, provisional while work runs, locked in review and final once approved.
- Approval issues one ledger entry per contributor and signs an attestation for each.
- Weight is effective COOK over all of a contributor's entries, self and spend, after decay and cap; it scales objections and votes.
- Proposals open an objection window; enough objection weight escalates them to a voting.
- A linked external board is kept in step; moves the state machine rejects are flagged for a steward.`,
	SilenceUsage:  true,
	SilenceErrors: true,
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
	viper.SetEnvPrefix("COOKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "local-user", "acting user id")
	rootCmd.PersistentFlags().String("team", "", "team id (defaults to the only team in the workspace)")
	rootCmd.PersistentFlags().String("db-path", "", "database file (defaults to <workspace>/.cookline/cookline.db)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("team", rootCmd.PersistentFlags().Lookup("team"))
	_ = viper.BindPFlag("db-path", rootCmd.PersistentFlags().Lookup("db-path"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(ledgerCmd())
	summary := cookSummaryCmd()
	summary.Use = "cook-summary <contributor-id>"
	rootCmd.AddCommand(summary)
	rootCmd.AddCommand(taskIssueCmd())
	rootCmd.AddCommand(attestCmd())
	rootCmd.AddCommand(weightCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

// session is what a team-scoped command runs against.
type session struct {
	Engine engine.Engine
	TeamID string
	Config *config.Config
	UserID string
}

// Reconciler returns a board reconciler for the team, or an error when sync is off.
func (s session) Reconciler() (*reconcile.Reconciler, error) {
	if !s.Config.Sync.Enabled {
		return nil, fmt.Errorf("sync is not enabled for team %s", s.TeamID)
	}
	return reconcile.New(s.Engine, boardClient(s.Config.Sync)), nil
}

func boardClient(cfg config.SyncConfig) *board.Client {
	client := board.NewClient(viper.GetString("board-token"))
	if cfg.BaseURL != "" {
		client = client.WithBaseURL(cfg.BaseURL)
	}
	return client
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), Path: viper.GetString("db-path")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn))
}

func withSession(ctx context.Context, fn func(context.Context, session) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		teamID, cfg, err := app.ResolveTeamAndConfig(ctx, viper.GetString("team"), e.Repo)
		if err != nil {
			return err
		}
		return fn(ctx, session{Engine: e, TeamID: teamID, Config: cfg, UserID: viper.GetString("user")})
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e.Repo)
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func cookString(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *v)
}
