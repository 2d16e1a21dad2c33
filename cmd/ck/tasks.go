package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cookline/internal/domain"
	"cookline/internal/engine"
	"cookline/internal/repo"
)

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks carry the work, its contributors and reviewers, and the COOK it is worth.",
	}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskMoveCmd())
	t.AddCommand(taskAssignCmd())
	t.AddCommand(taskCookCmd())
	t.AddCommand(taskArchiveCmd())
	t.AddCommand(taskLinkCmd())
	t.AddCommand(taskIssueCmd())
	return t
}

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	fmt.Printf("%s  %s\n", t.ID, t.Title)
	fmt.Printf("  state:        %s\n", t.State)
	fmt.Printf("  cook:         %s (%s, %s)\n", cookString(t.CookValue), t.CookState, t.CookAttribution)
	fmt.Printf("  contributors: %s\n", strings.Join(t.Contributors, ", "))
	fmt.Printf("  reviewers:    %s\n", strings.Join(t.Reviewers, ", "))
	if t.ExternalSync != nil {
		fmt.Printf("  board card:   %s (column %s)\n", t.ExternalSync.ItemID, t.ExternalSync.ColumnID)
	}
	if t.MovementBlocked() {
		um := t.ExternalSync.UnauthorizedMovement
		fmt.Printf("  BLOCKED:      board moved %s -> %s at %s\n", um.FromState, um.AttemptedState, um.DetectedAt)
	}
	if t.Archived {
		fmt.Println("  archived")
	}
	return nil
}

func taskCreateCmd() *cobra.Command {
	var id, title, desc, contributors, reviewers, attribution string
	var cook float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				opts := engine.TaskCreateOptions{
					ID:           id,
					TeamID:       s.TeamID,
					Title:        title,
					Description:  desc,
					Contributors: splitList(contributors),
					Reviewers:    splitList(reviewers),
					Attribution:  domain.Attribution(attribution),
					ActorID:      s.UserID,
				}
				if cmd.Flags().Changed("cook") {
					opts.CookValue = &cook
				}
				t, err := s.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&contributors, "contributors", "", "comma-separated contributor ids")
	cmd.Flags().StringVar(&reviewers, "reviewers", "", "comma-separated reviewer ids")
	cmd.Flags().Float64Var(&cook, "cook", 0, "COOK value")
	cmd.Flags().StringVar(&attribution, "attribution", string(domain.AttributionSelf), "self or spend")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				f.TeamID = s.TeamID
				f.State = domain.TaskState(state)
				tasks, err := s.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Title", "State", "COOK", "Contributors", "Reviewers")
				for _, t := range tasks {
					title := t.Title
					if t.MovementBlocked() {
						title += " [blocked]"
					}
					tw.AppendRow(table.Row{t.ID, title, t.State, cookString(t.CookValue) + " " + string(t.CookState), strings.Join(t.Contributors, ","), strings.Join(t.Reviewers, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Contributor, "contributor", "", "contributor filter")
	cmd.Flags().StringVar(&f.Reviewer, "reviewer", "", "reviewer filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "archived", false, "include archived tasks")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				t, err := s.Engine.GetTask(ctx, s.TeamID, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskMoveCmd() *cobra.Command {
	var acceptZero bool
	cmd := &cobra.Command{
		Use:   "move <task-id> <state>",
		Short: "Move a task to another state",
		Long:  "Moves go forward one step: backlog -> ready -> in_progress -> review. A task reaches done once its review is approved.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				t, err := s.Engine.MoveTask(ctx, engine.MoveOptions{
					TeamID:         s.TeamID,
					TaskID:         args[0],
					To:             domain.TaskState(args[1]),
					ActorID:        s.UserID,
					AcceptZeroCook: acceptZero,
				})
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().BoolVar(&acceptZero, "accept-zero-cook", false, "enter review without a COOK value")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var addC, rmC, addR, rmR string
	cmd := &cobra.Command{
		Use:   "assign <task-id>",
		Short: "Add or remove contributors and reviewers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				t, err := s.Engine.AssignTask(ctx, engine.TaskAssignOptions{
					TeamID:             s.TeamID,
					TaskID:             args[0],
					ActorID:            s.UserID,
					AddContributors:    splitList(addC),
					RemoveContributors: splitList(rmC),
					AddReviewers:       splitList(addR),
					RemoveReviewers:    splitList(rmR),
				})
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&addC, "add-contributors", "", "comma-separated ids")
	cmd.Flags().StringVar(&rmC, "remove-contributors", "", "comma-separated ids")
	cmd.Flags().StringVar(&addR, "add-reviewers", "", "comma-separated ids")
	cmd.Flags().StringVar(&rmR, "remove-reviewers", "", "comma-separated ids")
	return cmd
}

func taskCookCmd() *cobra.Command {
	var attribution string
	cmd := &cobra.Command{
		Use:   "cook <task-id> [value]",
		Short: "Set the COOK value and attribution",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.SetCookOptions{TaskID: args[0], Attribution: domain.Attribution(attribution)}
			if len(args) == 2 {
				var v float64
				if _, err := fmt.Sscanf(args[1], "%g", &v); err != nil {
					return fmt.Errorf("invalid COOK value %q", args[1])
				}
				opts.Value = &v
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				opts.TeamID = s.TeamID
				opts.ActorID = s.UserID
				t, err := s.Engine.SetCook(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&attribution, "attribution", "", "self or spend")
	return cmd
}

func taskArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <task-id>",
		Short: "Archive a task (steward or creator)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				t, err := s.Engine.ArchiveTask(ctx, s.TeamID, args[0], s.UserID)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskLinkCmd() *cobra.Command {
	var column string
	cmd := &cobra.Command{
		Use:   "link <task-id> <card-id>",
		Short: "Link the task to an external board card",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				t, err := s.Engine.LinkExternal(ctx, s.TeamID, args[0], args[1], column, s.UserID)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&column, "column", "", "column the card sits in now")
	return cmd
}

func taskIssueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue <task-id>",
		Short: "Retry COOK issuance for a done task (steward)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if err := s.Engine.RequireSteward(ctx, s.TeamID, s.UserID, "issue cook"); err != nil {
					return err
				}
				results, err := s.Engine.IssueTask(ctx, s.TeamID, args[0])
				if err != nil {
					return err
				}
				return printIssueResults(results)
			})
		},
	}
}

func printIssueResults(results []engine.IssueResult) error {
	if viper.GetBool("json") {
		return printJSON(results)
	}
	tw := newTable("Contributor", "COOK", "Entry", "Error")
	for _, r := range results {
		if r.Entry != nil {
			tw.AppendRow(table.Row{r.ContributorID, r.Entry.CookValue, r.Entry.ID, ""})
			continue
		}
		tw.AppendRow(table.Row{r.ContributorID, "-", "-", r.Error})
	}
	tw.Render()
	return nil
}

func reviewCmd() *cobra.Command {
	r := &cobra.Command{Use: "review", Short: "Review gate"}
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List reviews",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				reviews, err := s.Engine.ListReviews(ctx, s.TeamID, domain.ReviewStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reviews)
				}
				tw := newTable("Task", "Status", "Approvals", "Required", "Open objections")
				for _, rv := range reviews {
					tw.AppendRow(table.Row{rv.TaskID, rv.Status, strings.Join(rv.Approvals, ","), rv.RequiredReviewers, rv.UnresolvedObjections()})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending, approved or objected")
	r.AddCommand(list)
	r.AddCommand(&cobra.Command{
		Use:   "show <task-id>",
		Short: "Show the review of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				rv, err := s.Engine.GetReview(ctx, s.TeamID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	})
	r.AddCommand(&cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve; the last required approval completes the task and issues COOK",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				res, err := s.Engine.ApproveReview(ctx, engine.ReviewActionOptions{TeamID: s.TeamID, TaskID: args[0], ReviewerID: s.UserID})
				if err != nil {
					return err
				}
				return printApproval(res)
			})
		},
	})
	var reason string
	object := &cobra.Command{
		Use:   "object <task-id>",
		Short: "Object to the work under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				rv, err := s.Engine.ObjectReview(ctx, engine.ReviewActionOptions{TeamID: s.TeamID, TaskID: args[0], ReviewerID: s.UserID, Reason: reason})
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	object.Flags().StringVar(&reason, "reason", "", "why the work is not acceptable")
	r.AddCommand(object)
	r.AddCommand(&cobra.Command{
		Use:   "comment <task-id> <body>",
		Short: "Comment on a review",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				rv, err := s.Engine.CommentReview(ctx, s.TeamID, args[0], s.UserID, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	})
	r.AddCommand(&cobra.Command{
		Use:   "resolve <task-id>",
		Short: "Clear open objections (steward)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				res, err := s.Engine.ResolveObjections(ctx, s.TeamID, args[0], s.UserID)
				if err != nil {
					return err
				}
				return printApproval(res)
			})
		},
	})
	return r
}

func printApproval(res engine.ApprovalResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("Review of %s: %d/%d approvals (%s)\n", res.Task.ID, len(res.Review.Approvals), res.Review.RequiredReviewers, res.Review.Status)
	if !res.Approved {
		return nil
	}
	fmt.Printf("Task %s is done\n", res.Task.ID)
	return printIssueResults(res.Issued)
}
