package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cookline/internal/domain"
	"cookline/internal/engine"
)

func proposalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "proposal",
		Short: "Governance proposals",
		Long:  "A proposal passes by consent unless weighted objections cross its threshold within the window; crossing opens a voting.",
	}
	var ptype, title, desc string
	var threshold float64
	var windowHours int
	create := &cobra.Command{
		Use:   "create",
		Short: "Open a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				opts := engine.ProposalCreateOptions{
					TeamID:      s.TeamID,
					Type:        domain.ProposalType(ptype),
					Title:       title,
					Description: desc,
					ProposerID:  s.UserID,
				}
				if cmd.Flags().Changed("threshold") {
					opts.ObjectionThreshold = &threshold
				}
				if cmd.Flags().Changed("window-hours") {
					w := time.Duration(windowHours) * time.Hour
					opts.Window = &w
				}
				prop, err := s.Engine.CreateProposal(ctx, opts)
				if err != nil {
					return err
				}
				return printProposal(prop)
			})
		},
	}
	create.Flags().StringVar(&ptype, "type", string(domain.ProposalPolicyChange), "policy_change, constitutional_challenge, budget_allocation or membership")
	create.Flags().StringVar(&title, "title", "", "title")
	create.Flags().StringVar(&desc, "description", "", "description")
	create.Flags().Float64Var(&threshold, "threshold", 0, "objection weight that escalates to a voting")
	create.Flags().IntVar(&windowHours, "window-hours", 0, "objection window length")
	p.AddCommand(create)

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				items, err := s.Engine.ListProposals(ctx, s.TeamID, domain.ProposalStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Type", "Title", "Status", "Objection weight", "Window closes")
				for _, pr := range items {
					tw.AppendRow(table.Row{pr.ID, pr.Type, pr.Title, pr.Status, fmt.Sprintf("%g/%g", pr.ObjectionWeight, pr.ObjectionThreshold), pr.WindowClosesAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	p.AddCommand(list)

	p.AddCommand(&cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				prop, err := s.Engine.GetProposal(ctx, s.TeamID, args[0])
				if err != nil {
					return err
				}
				return printProposal(prop)
			})
		},
	})

	var reason string
	object := &cobra.Command{
		Use:   "object <proposal-id>",
		Short: "Object with your current governance weight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				res, err := s.Engine.ObjectToProposal(ctx, engine.ProposalObjectOptions{TeamID: s.TeamID, ProposalID: args[0], MemberID: s.UserID, Reason: reason})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Objected with weight %g (%g/%g)\n", res.Weight, res.Proposal.ObjectionWeight, res.Proposal.ObjectionThreshold)
				if res.Escalated && res.Voting != nil {
					fmt.Printf("Threshold crossed; voting %s open until %s\n", res.Voting.ID, res.Voting.ClosesAt)
				}
				return nil
			})
		},
	}
	object.Flags().StringVar(&reason, "reason", "", "reason")
	p.AddCommand(object)

	p.AddCommand(&cobra.Command{
		Use:   "resolve <proposal-id>",
		Short: "Approve a proposal whose window closed below threshold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				prop, err := s.Engine.ResolveProposalWindow(ctx, s.TeamID, args[0])
				if err != nil {
					return err
				}
				return printProposal(prop)
			})
		},
	})
	p.AddCommand(settleCmd())
	return p
}

func settleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle",
		Short: "Resolve due proposal windows and close due votings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				props, err := s.Engine.ResolveDueProposals(ctx, s.TeamID)
				if err != nil {
					return err
				}
				closed, err := s.Engine.CloseDueVotings(ctx, s.TeamID, s.UserID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"proposals": props, "votings": closed})
				}
				fmt.Printf("Resolved %d proposals, closed %d votings\n", len(props), len(closed))
				return nil
			})
		},
	}
}

func printProposal(p domain.GovernanceProposal) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("%s  %s (%s)\n", p.ID, p.Title, p.Type)
	fmt.Printf("  status:     %s\n", p.Status)
	fmt.Printf("  proposer:   %s\n", p.ProposerID)
	fmt.Printf("  objections: %d, weight %g of %g\n", len(p.Objections), p.ObjectionWeight, p.ObjectionThreshold)
	fmt.Printf("  window:     closes %s\n", p.WindowClosesAt)
	if p.VotingID != nil {
		fmt.Printf("  voting:     %s\n", *p.VotingID)
	}
	return nil
}

func voteCmd() *cobra.Command {
	v := &cobra.Command{Use: "vote", Short: "COOK-weighted votings"}
	var title, options, closesAt string
	var approvalPct float64
	create := &cobra.Command{
		Use:   "create",
		Short: "Open a standalone voting (steward)",
		RunE: func(cmd *cobra.Command, args []string) error {
			closes, err := time.Parse(time.RFC3339, closesAt)
			if err != nil {
				return fmt.Errorf("--closes-at must be RFC3339: %w", err)
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				opts := engine.VotingCreateOptions{
					TeamID:   s.TeamID,
					Title:    title,
					Options:  splitList(options),
					ClosesAt: closes,
					ActorID:  s.UserID,
				}
				if cmd.Flags().Changed("approval-pct") {
					opts.ApprovalThresholdPct = &approvalPct
				}
				voting, err := s.Engine.CreateVoting(ctx, opts)
				if err != nil {
					return err
				}
				return printVoting(voting)
			})
		},
	}
	create.Flags().StringVar(&title, "title", "", "title")
	create.Flags().StringVar(&options, "options", "", "comma-separated options")
	create.Flags().StringVar(&closesAt, "closes-at", "", "closing time (RFC3339)")
	create.Flags().Float64Var(&approvalPct, "approval-pct", 0, "share of weight the winning option needs")
	v.AddCommand(create)

	v.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List votings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				items, err := s.Engine.ListVotings(ctx, s.TeamID, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Status", "Votes", "Closes", "Winner")
				for _, vt := range items {
					winner := ""
					if vt.WinningOption != nil {
						winner = *vt.WinningOption
					}
					tw.AppendRow(table.Row{vt.ID, vt.Title, vt.Status, len(vt.Votes), vt.ClosesAt, winner})
				}
				tw.Render()
				return nil
			})
		},
	})
	v.AddCommand(&cobra.Command{
		Use:   "show <voting-id>",
		Short: "Show a voting and its tally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				voting, err := s.Engine.GetVoting(ctx, s.TeamID, args[0])
				if err != nil {
					return err
				}
				return printVoting(voting)
			})
		},
	})
	v.AddCommand(&cobra.Command{
		Use:   "cast <voting-id> <option>",
		Short: "Cast your vote; your current weight is stamped on it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				vote, err := s.Engine.CastVote(ctx, engine.CastVoteOptions{TeamID: s.TeamID, VotingID: args[0], VoterID: s.UserID, Option: args[1]})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(vote)
				}
				fmt.Printf("Voted %s with weight %g\n", vote.Option, vote.Weight)
				return nil
			})
		},
	})
	v.AddCommand(&cobra.Command{
		Use:   "close <voting-id>",
		Short: "Tally and close a voting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				res, err := s.Engine.CloseVoting(ctx, s.TeamID, args[0], s.UserID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if err := printVoting(res.Voting); err != nil {
					return err
				}
				if res.Proposal != nil {
					fmt.Printf("Proposal %s is %s\n", res.Proposal.ID, res.Proposal.Status)
				}
				return nil
			})
		},
	})
	return v
}

func printVoting(v domain.Voting) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Printf("%s  %s\n", v.ID, v.Title)
	fmt.Printf("  status:  %s, closes %s\n", v.Status, v.ClosesAt)
	fmt.Printf("  options: %s\n", strings.Join(v.Options, ", "))
	if len(v.Results) > 0 {
		opts := make([]string, 0, len(v.Results))
		for o := range v.Results {
			opts = append(opts, o)
		}
		sort.Strings(opts)
		tw := newTable("Option", "Weight")
		for _, o := range opts {
			tw.AppendRow(table.Row{o, v.Results[o]})
		}
		tw.Render()
	}
	if v.WinningOption != nil {
		fmt.Printf("  winner:  %s\n", *v.WinningOption)
	}
	return nil
}
