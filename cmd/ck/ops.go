package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"cookline/internal/board"
	"cookline/internal/engine"
	"cookline/internal/engine/auth"
	"cookline/internal/events"
	"cookline/internal/notify"
	"cookline/internal/outbox"
	"cookline/internal/reconcile"
	"cookline/internal/repo"
	"cookline/internal/server"
	"cookline/internal/telemetry"
)

// workspaceReconciler serves every team through one board client; nil without a token.
func workspaceReconciler(e engine.Engine) *reconcile.Reconciler {
	token := viper.GetString("board-token")
	if token == "" {
		return nil
	}
	client := board.NewClient(token)
	if url := viper.GetString("board-url"); url != "" {
		client = client.WithBaseURL(url)
	}
	return reconcile.New(e, client)
}

func newDispatcher(e engine.Engine, rec *reconcile.Reconciler) *outbox.Dispatcher {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	return &outbox.Dispatcher{
		Repo:      e.Repo,
		Consumers: outbox.Standard(e, rec, notify.Log{Logger: logger}),
		Log:       logger,
		Metrics:   e.Metrics,
	}
}

func outboxCmd() *cobra.Command {
	o := &cobra.Command{
		Use:   "outbox",
		Short: "Event outbox",
		Long:  "Weight recompute, attestations, notifications and board pushes run as outbox consumers of the event log.",
	}
	o.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Deliver pending events to every consumer once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reports, err := newDispatcher(e, workspaceReconciler(e)).Drain(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				tw := newTable("Consumer", "Handled", "Failed", "Cursor")
				for _, r := range reports {
					tw.AppendRow(table.Row{r.Consumer, r.Handled, r.Failed, r.LastEvent})
				}
				tw.Render()
				return nil
			})
		},
	})
	return o
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every state change appends one event in the same transaction as the change.",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				f := repo.EventFilters{TeamID: s.TeamID, EntityKind: entityKind, EntityID: entityID}
				if evtType != "" {
					f.Types = []string{evtType}
				}
				evts, err := s.Engine.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if n > 0 && len(evts) > n {
					evts = evts[len(evts)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor")
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type, e.g. "+events.LedgerIssued)
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	l.AddCommand(tail)
	return l
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a key for the acting user; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, viper.GetString("user"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "name": key.Name, "key": secret})
				}
				fmt.Printf("Created key %s\n%s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the acting user's keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, viper.GetString("user"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Name", "Created")
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, viper.GetString("user"), args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	})
	return k
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devHeader bool
	var outboxInterval, settleInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the outbox and governance loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("COOKLINE_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := telemetry.Init(ctx, "cookline", version, telemetry.OptionsFromEnv()); err != nil {
				return err
			}
			defer telemetry.Shutdown(context.Background())

			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				rec := workspaceReconciler(e)
				handler, err := server.New(server.Config{
					Engine:     e,
					Reconciler: rec,
					BasePath:   basePath,
					Auth:       server.AuthConfig{JWTSecret: secret, AllowUserHeader: devHeader},
				})
				if err != nil {
					return err
				}
				dispatcher := newDispatcher(e, rec)
				dispatcher.Interval = outboxInterval

				srv := &http.Server{Addr: addr, Handler: handler}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					fmt.Printf("Serving Cookline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error { return dispatcher.Run(gctx) })
				g.Go(func() error { return settleLoop(gctx, e, rec, settleInterval) })
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devHeader, "allow-user-header", false, "accept X-User-Id without credentials (local development only)")
	cmd.Flags().DurationVar(&outboxInterval, "outbox-interval", outbox.DefaultInterval, "outbox poll interval")
	cmd.Flags().DurationVar(&settleInterval, "settle-interval", time.Minute, "how often due proposals, votings and sync retries are processed")
	return cmd
}

// settleLoop resolves due governance and retries board pushes for every team.
func settleLoop(ctx context.Context, e engine.Engine, rec *reconcile.Reconciler, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		teams, err := e.Repo.ListTeams(ctx)
		if err != nil {
			log.Printf("settle: list teams: %v", err)
			continue
		}
		for _, t := range teams {
			if _, err := e.ResolveDueProposals(ctx, t.ID); err != nil {
				log.Printf("settle: %s proposals: %v", t.ID, err)
			}
			if _, err := e.CloseDueVotings(ctx, t.ID, auth.SystemActor); err != nil {
				log.Printf("settle: %s votings: %v", t.ID, err)
			}
			if rec == nil {
				continue
			}
			if _, err := rec.ProcessQueue(ctx, t.ID); err != nil {
				log.Printf("settle: %s sync queue: %v", t.ID, err)
			}
		}
	}
}
