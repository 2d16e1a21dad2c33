package engine

import (
	"context"
	"database/sql"
	"strings"

	"cookline/internal/domain"
	"cookline/internal/events"
)

func (e Engine) GetReview(ctx context.Context, teamID, taskID string) (domain.Review, error) {
	rv, err := e.Repo.GetReviewByTask(ctx, nil, teamID, taskID)
	return rv, notFound(err, "review", taskID)
}

func (e Engine) ListReviews(ctx context.Context, teamID string, status domain.ReviewStatus) ([]domain.Review, error) {
	return e.Repo.ListReviews(ctx, teamID, status)
}

type ReviewActionOptions struct {
	TeamID     string
	TaskID     string
	ReviewerID string
	Reason     string
}

// ApprovalResult reports an approval and, when it completed the review, the issuance outcome.
type ApprovalResult struct {
	Review   domain.Review `json:"review"`
	Task     domain.Task   `json:"task"`
	Approved bool          `json:"approved"`
	Issued   []IssueResult `json:"issued,omitempty"`
}

// ApproveReview records a reviewer's approval. The approval that satisfies the
// required count finalizes COOK, moves the task to Done and issues the ledger entries.
func (e Engine) ApproveReview(ctx context.Context, opts ReviewActionOptions) (ApprovalResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApprovalResult{}, err
	}
	defer tx.Rollback()

	t, rv, err := e.loadReview(ctx, tx, opts.TeamID, opts.TaskID)
	if err != nil {
		return ApprovalResult{}, err
	}
	switch {
	case rv.Status == domain.ReviewApproved:
		return ApprovalResult{}, AlreadyApprovedError{ReviewLevel: true}
	case rv.Status == domain.ReviewObjected:
		return ApprovalResult{}, ReviewObjectedError{Unresolved: rv.UnresolvedObjections()}
	}
	if err := e.checkReviewer(ctx, tx, t, opts.ReviewerID, "approve review"); err != nil {
		return ApprovalResult{}, err
	}
	if rv.HasApproval(opts.ReviewerID) {
		return ApprovalResult{}, AlreadyApprovedError{ReviewerID: opts.ReviewerID}
	}
	rv.Approvals = append(rv.Approvals, opts.ReviewerID)
	rv.UpdatedAt = e.stamp()
	if err := e.emit(ctx, tx, events.ReviewApproval, t.TeamID, "review", rv.ID, opts.ReviewerID, events.EventPayload{
		"task_id":   t.ID,
		"approvals": len(rv.Approvals),
		"required":  rv.RequiredReviewers,
	}); err != nil {
		return ApprovalResult{}, err
	}
	res, err := e.settleReview(ctx, tx, t, rv, opts.ReviewerID)
	if err != nil {
		return ApprovalResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApprovalResult{}, err
	}
	if res.Approved {
		res.Issued, err = e.IssueTask(ctx, t.TeamID, t.ID)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// settleReview persists rv, completing it when approvals meet the frozen requirement
// and nothing is unresolved.
func (e Engine) settleReview(ctx context.Context, tx *sql.Tx, t domain.Task, rv domain.Review, actorID string) (ApprovalResult, error) {
	complete := len(rv.Approvals) >= rv.RequiredReviewers && rv.UnresolvedObjections() == 0
	if complete {
		rv.Status = domain.ReviewApproved
	}
	if err := e.Repo.UpdateReview(ctx, tx, rv); err != nil {
		return ApprovalResult{}, err
	}
	if !complete {
		return ApprovalResult{Review: rv, Task: t}, nil
	}
	from := t.State
	t.State = domain.TaskDone
	t.CookState = domain.CookFinal
	t.UpdatedAt = rv.UpdatedAt
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return ApprovalResult{}, err
	}
	if err := e.emit(ctx, tx, events.ReviewApproved, t.TeamID, "review", rv.ID, actorID, events.EventPayload{
		"task_id":   t.ID,
		"approvals": rv.Approvals,
	}); err != nil {
		return ApprovalResult{}, err
	}
	if err := e.emit(ctx, tx, events.TaskMoved, t.TeamID, "task", t.ID, actorID, events.EventPayload{"from": from, "to": t.State}); err != nil {
		return ApprovalResult{}, err
	}
	return ApprovalResult{Review: rv, Task: t, Approved: true}, nil
}

// ObjectReview records one objection per reviewer and blocks approval until resolved.
func (e Engine) ObjectReview(ctx context.Context, opts ReviewActionOptions) (domain.Review, error) {
	if strings.TrimSpace(opts.Reason) == "" {
		return domain.Review{}, ValidationError{Field: "reason", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, err
	}
	defer tx.Rollback()

	t, rv, err := e.loadReview(ctx, tx, opts.TeamID, opts.TaskID)
	if err != nil {
		return domain.Review{}, err
	}
	if rv.Status == domain.ReviewApproved {
		return domain.Review{}, AlreadyApprovedError{ReviewLevel: true}
	}
	if !t.HasReviewer(opts.ReviewerID) {
		role, err := e.memberRole(ctx, tx, t.TeamID, opts.ReviewerID)
		if err != nil {
			return domain.Review{}, err
		}
		return domain.Review{}, PermissionError{Action: "object to review", Role: string(role), Required: []string{"task reviewer"}}
	}
	for _, o := range rv.Objections {
		if o.ReviewerID == opts.ReviewerID {
			return domain.Review{}, DuplicateObjectionError{Entity: "review", MemberID: opts.ReviewerID}
		}
	}
	now := e.stamp()
	rv.Objections = append(rv.Objections, domain.Objection{ReviewerID: opts.ReviewerID, Reason: opts.Reason, Timestamp: now})
	rv.Status = domain.ReviewObjected
	rv.UpdatedAt = now
	if err := e.Repo.UpdateReview(ctx, tx, rv); err != nil {
		return domain.Review{}, err
	}
	if err := e.emit(ctx, tx, events.ReviewObjected, t.TeamID, "review", rv.ID, opts.ReviewerID, events.EventPayload{
		"task_id":      t.ID,
		"reason":       opts.Reason,
		"contributors": t.Contributors,
	}); err != nil {
		return domain.Review{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Review{}, err
	}
	return rv, nil
}

// CommentReview appends a comment in any review status.
func (e Engine) CommentReview(ctx context.Context, teamID, taskID, authorID, body string) (domain.Review, error) {
	if strings.TrimSpace(body) == "" {
		return domain.Review{}, ValidationError{Field: "body", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, err
	}
	defer tx.Rollback()

	t, rv, err := e.loadReview(ctx, tx, teamID, taskID)
	if err != nil {
		return domain.Review{}, err
	}
	if _, err := e.requireMember(ctx, tx, teamID, authorID, "comment on review"); err != nil {
		return domain.Review{}, err
	}
	now := e.stamp()
	rv.Comments = append(rv.Comments, domain.Comment{AuthorID: authorID, Body: body, Timestamp: now})
	rv.UpdatedAt = now
	if err := e.Repo.UpdateReview(ctx, tx, rv); err != nil {
		return domain.Review{}, err
	}
	if err := e.emit(ctx, tx, events.ReviewCommented, teamID, "review", rv.ID, authorID, events.EventPayload{"task_id": t.ID}); err != nil {
		return domain.Review{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Review{}, err
	}
	return rv, nil
}

// ResolveObjections is the steward action that clears objections and returns the
// review to pending. If enough approvals were already collected the review completes.
func (e Engine) ResolveObjections(ctx context.Context, teamID, taskID, actorID string) (ApprovalResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ApprovalResult{}, err
	}
	defer tx.Rollback()

	t, rv, err := e.loadReview(ctx, tx, teamID, taskID)
	if err != nil {
		return ApprovalResult{}, err
	}
	if _, err := e.requireSteward(ctx, tx, teamID, actorID, "resolve objections"); err != nil {
		return ApprovalResult{}, err
	}
	if rv.Status != domain.ReviewObjected {
		return ApprovalResult{}, InvalidTransitionError{Entity: "review", From: string(rv.Status), To: string(domain.ReviewPending)}
	}
	for i := range rv.Objections {
		rv.Objections[i].Resolved = true
	}
	rv.Status = domain.ReviewPending
	rv.UpdatedAt = e.stamp()
	if err := e.emit(ctx, tx, events.ReviewObjectionsResolved, teamID, "review", rv.ID, actorID, events.EventPayload{"task_id": t.ID}); err != nil {
		return ApprovalResult{}, err
	}
	res, err := e.settleReview(ctx, tx, t, rv, actorID)
	if err != nil {
		return ApprovalResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ApprovalResult{}, err
	}
	if res.Approved {
		res.Issued, err = e.IssueTask(ctx, teamID, taskID)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e Engine) loadReview(ctx context.Context, tx *sql.Tx, teamID, taskID string) (domain.Task, domain.Review, error) {
	t, err := e.Repo.GetTask(ctx, tx, teamID, taskID)
	if err != nil {
		return domain.Task{}, domain.Review{}, notFound(err, "task", taskID)
	}
	rv, err := e.Repo.GetReviewByTask(ctx, tx, teamID, taskID)
	if err != nil {
		return domain.Task{}, domain.Review{}, notFound(err, "review", taskID)
	}
	return t, rv, nil
}

// checkReviewer enforces that only the task's reviewers approve, and never their own work.
func (e Engine) checkReviewer(ctx context.Context, tx *sql.Tx, t domain.Task, reviewerID, action string) error {
	if t.HasReviewer(reviewerID) && !t.HasContributor(reviewerID) {
		return nil
	}
	role, err := e.memberRole(ctx, tx, t.TeamID, reviewerID)
	if err != nil {
		return err
	}
	if t.HasContributor(reviewerID) {
		return PermissionError{Action: action + " on own contribution", Role: string(role), Required: []string{"task reviewer who is not a contributor"}}
	}
	return PermissionError{Action: action, Role: string(role), Required: []string{"task reviewer"}}
}
