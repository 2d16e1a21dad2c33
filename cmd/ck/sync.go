package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cookline/internal/reconcile"
)

func syncCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "sync",
		Short: "External board synchronisation",
		Long:  "Board access uses COOKLINE_BOARD_TOKEN. Failed pushes wait in a retry queue behind a circuit breaker.",
	}
	s.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the breaker and the retry queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cmd.Context(), func(ctx context.Context, sess session, rec *reconcile.Reconciler) error {
				st, err := rec.Status(ctx, sess.TeamID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("breaker %s (%d failures)\n", st.Breaker.State, st.Breaker.FailureCount)
				tw := newTable("Task", "Card", "Column", "Retries", "Next attempt", "Last error")
				for _, it := range st.Queue {
					tw.AppendRow(table.Row{it.TaskID, it.CardID, it.ColumnID, it.RetryCount, it.NextAttemptAt, it.LastError})
				}
				tw.Render()
				return nil
			})
		},
	})
	s.AddCommand(&cobra.Command{
		Use:   "push <task-id>",
		Short: "Move the task's card to its canonical column (steward)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cmd.Context(), func(ctx context.Context, sess session, rec *reconcile.Reconciler) error {
				if err := sess.Engine.RequireSteward(ctx, sess.TeamID, sess.UserID, "sync push"); err != nil {
					return err
				}
				res, err := rec.PushTask(ctx, sess.TeamID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	s.AddCommand(&cobra.Command{
		Use:   "process",
		Short: "Retry due queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cmd.Context(), func(ctx context.Context, sess session, rec *reconcile.Reconciler) error {
				report, err := rec.ProcessQueue(ctx, sess.TeamID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("attempted %d, succeeded %d, rescheduled %d, dropped %d, remaining %d\n",
					report.Attempted, report.Succeeded, report.Rescheduled, report.Dropped, report.Remaining)
				return nil
			})
		},
	})
	s.AddCommand(&cobra.Command{
		Use:   "handle <card-id> <column-id>",
		Short: "Apply a card move observed on the board (steward)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cmd.Context(), func(ctx context.Context, sess session, rec *reconcile.Reconciler) error {
				if err := sess.Engine.RequireSteward(ctx, sess.TeamID, sess.UserID, "handle external move"); err != nil {
					return err
				}
				res, err := rec.HandleExternalMove(ctx, sess.TeamID, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s", res.Outcome)
				if res.Reason != "" {
					fmt.Printf(": %s", res.Reason)
				}
				fmt.Println()
				return nil
			})
		},
	})
	var fix bool
	desync := &cobra.Command{
		Use:   "desync",
		Short: "Compare linked cards with canonical state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cmd.Context(), func(ctx context.Context, sess session, rec *reconcile.Reconciler) error {
				found, err := rec.DetectDesync(ctx, sess.TeamID, fix)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(found)
				}
				tw := newTable("Task", "Card", "Column", "Board", "Canonical", "Pushed")
				for _, d := range found {
					pushed := ""
					if d.Pushed != nil {
						pushed = d.Pushed.Outcome
					}
					boardState := string(d.BoardState)
					if d.Skipped != "" {
						boardState = "skipped: " + d.Skipped
					}
					tw.AppendRow(table.Row{d.TaskID, d.ItemID, d.ColumnName, boardState, d.CanonicalState, pushed})
				}
				tw.Render()
				return nil
			})
		},
	}
	desync.Flags().BoolVar(&fix, "reconcile", false, "push canonical state for every desynced card")
	s.AddCommand(desync)
	s.AddCommand(&cobra.Command{
		Use:   "clear <task-id>",
		Short: "Clear an unauthorized-movement flag (steward)",
		Long:  "Clear an unauthorized-movement flag. A task approved while flagged has its COOK issued.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sess session) error {
				res, err := sess.Engine.ClearUnauthorizedMovement(ctx, sess.TeamID, args[0], sess.UserID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if err := printTask(res.Task); err != nil {
					return err
				}
				if len(res.Issued) > 0 {
					return printIssueResults(res.Issued)
				}
				return nil
			})
		},
	})
	return s
}

func withReconciler(ctx context.Context, fn func(context.Context, session, *reconcile.Reconciler) error) error {
	return withSession(ctx, func(ctx context.Context, s session) error {
		rec, err := s.Reconciler()
		if err != nil {
			return err
		}
		return fn(ctx, s, rec)
	})
}
