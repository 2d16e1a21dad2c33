package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cookline/internal/cook"
	"cookline/internal/engine"
	"cookline/internal/repo"
)

func ledgerCmd() *cobra.Command {
	var f repo.LedgerFilters
	l := &cobra.Command{
		Use:   "ledger",
		Short: "List issued COOK",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				f.TeamID = s.TeamID
				entries, err := s.Engine.ListLedger(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable("Issued", "Task", "Contributor", "COOK", "Attribution")
				var total float64
				for _, le := range entries {
					tw.AppendRow(table.Row{le.IssuedAt, le.TaskID, le.ContributorID, le.CookValue, le.Attribution})
					total += le.CookValue
				}
				tw.AppendFooter(table.Row{"", "", "total", total, ""})
				tw.Render()
				return nil
			})
		},
	}
	l.Flags().StringVar(&f.ContributorID, "contributor", "", "contributor filter")
	l.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	l.AddCommand(cookSummaryCmd())
	return l
}

func cookSummaryCmd() *cobra.Command {
	var granularity string
	cmd := &cobra.Command{
		Use:   "summary <contributor-id>",
		Short: "COOK totals, decay, cap and per-period trend for a contributor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				report, err := s.Engine.CookSummary(ctx, s.TeamID, args[0], cook.Granularity(granularity))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				sum := report.Summary
				fmt.Printf("%s in %s: %d entries\n", report.ContributorID, report.TeamID, sum.EntryCount)
				fmt.Printf("  raw %g (self %g, spend %g)\n", sum.Raw, sum.Self, sum.Spend)
				fmt.Printf("  after decay %g, effective %g\n", sum.Decayed, sum.Effective)
				fmt.Printf("  velocity %g per period\n", report.Velocity)
				tw := newTable("Period", "Total", "Self", "Spend", "Entries", "Trend")
				for _, p := range report.Periods {
					tw.AppendRow(table.Row{p.Period, p.Total, p.Self, p.Spend, p.Count, p.Trend})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&granularity, "by", string(cook.ByMonth), "month or year")
	return cmd
}

func weightCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "weight [contributor-id]",
		Short: "Show governance weight",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if len(args) == 1 {
					gw, err := s.Engine.Weight(ctx, s.TeamID, args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(gw)
				}
				weights, err := s.Engine.ListWeights(ctx, s.TeamID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(weights)
				}
				tw := newTable("Contributor", "Weight", "Raw COOK", "Entries", "Updated")
				for _, gw := range weights {
					tw.AppendRow(table.Row{gw.ContributorID, gw.Weight, gw.RawCook, gw.EntryCount, gw.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	w.AddCommand(&cobra.Command{
		Use:   "recompute",
		Short: "Recompute every contributor's weight from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if err := s.Engine.RequireSteward(ctx, s.TeamID, s.UserID, "recompute weights"); err != nil {
					return err
				}
				weights, err := s.Engine.RecomputeTeamWeights(ctx, s.TeamID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(weights)
				}
				fmt.Printf("Recomputed %d weights\n", len(weights))
				return nil
			})
		},
	})
	return w
}

func attestCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "attest",
		Short: "Signed attestations of issued COOK",
		Long:  "Each ledger entry yields one attestation, sealed with a merkle root and chained per contributor.",
	}
	a.AddCommand(&cobra.Command{
		Use:   "list <contributor-id>",
		Short: "List a contributor's attestation chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAttestations(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Seq", "Task", "COOK", "Reviewers", "Merkle root")
				for _, at := range items {
					tw.AppendRow(table.Row{at.ChainSeq, at.TaskID, at.CookValue, strings.Join(at.Reviewers, ","), at.MerkleRoot})
				}
				tw.Render()
				return nil
			})
		},
	})
	a.AddCommand(&cobra.Command{
		Use:   "verify <contributor-id>",
		Short: "Recompute roots and parent links of a chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.VerifyChain(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				if report.Valid {
					fmt.Printf("chain of %s is valid (%d attestations)\n", report.ContributorID, report.Length)
					return nil
				}
				return fmt.Errorf("chain of %s broken at seq %d: %s", report.ContributorID, report.BrokenAt, report.Reason)
			})
		},
	})
	a.AddCommand(&cobra.Command{
		Use:   "backfill",
		Short: "Issue attestations missing for ledger entries (steward)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if err := s.Engine.RequireSteward(ctx, s.TeamID, s.UserID, "backfill attestations"); err != nil {
					return err
				}
				n, err := s.Engine.BackfillAttestations(ctx, s.TeamID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"issued": n})
				}
				fmt.Printf("Issued %d attestations\n", n)
				return nil
			})
		},
	})
	return a
}
