package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"cookline/internal/domain"
	"cookline/internal/events"
	"cookline/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID           string
	TeamID       string
	Title        string
	Description  string
	Contributors []string
	Reviewers    []string
	CookValue    *float64
	Attribution  domain.Attribution
	ActorID      string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, ValidationError{Field: "title", Reason: "required"}
	}
	if opts.Attribution == "" {
		opts.Attribution = domain.AttributionSelf
	}
	if !opts.Attribution.Valid() {
		return domain.Task{}, ValidationError{Field: "attribution", Reason: "must be self or spend"}
	}
	if opts.CookValue != nil && *opts.CookValue < 0 {
		return domain.Task{}, ValidationError{Field: "cook_value", Reason: "must not be negative"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	t := domain.Task{
		ID:              id,
		TeamID:          opts.TeamID,
		Title:           opts.Title,
		Description:     opts.Description,
		State:           domain.TaskBacklog,
		Contributors:    uniqueSorted(opts.Contributors),
		Reviewers:       uniqueSorted(opts.Reviewers),
		CookValue:       opts.CookValue,
		CookState:       domain.CookDraft,
		CookAttribution: opts.Attribution,
		CreatedBy:       opts.ActorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if t.CookValue != nil {
		t.CookState = domain.CookProvisional
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTeam(ctx, tx, opts.TeamID); err != nil {
		return domain.Task{}, notFound(err, "team", opts.TeamID)
	}
	if _, err := e.requireMember(ctx, tx, opts.TeamID, opts.ActorID, "create task"); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.emit(ctx, tx, events.TaskCreated, t.TeamID, "task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "state": t.State}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, teamID, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, nil, teamID, taskID)
	return t, notFound(err, "task", taskID)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", f.State)}
	}
	return e.Repo.ListTasks(ctx, f)
}

// TaskAssignOptions adds or removes contributors and reviewers.
type TaskAssignOptions struct {
	TeamID             string
	TaskID             string
	ActorID            string
	AddContributors    []string
	RemoveContributors []string
	AddReviewers       []string
	RemoveReviewers    []string
}

// AssignTask edits the task's people. Contributors are fixed once the task reaches Review
// because issuance splits across them; reviewers may still be added during Review.
func (e Engine) AssignTask(ctx context.Context, opts TaskAssignOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, opts.TeamID, opts.TaskID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", opts.TaskID)
	}
	role, err := e.requireMember(ctx, tx, opts.TeamID, opts.ActorID, "assign task")
	if err != nil {
		return domain.Task{}, err
	}
	if !role.Steward() && !t.HasContributor(opts.ActorID) && t.CreatedBy != opts.ActorID {
		return domain.Task{}, PermissionError{Action: "assign task", Role: string(role), Required: []string{"steward", "admin", "task contributor"}}
	}
	locked := t.State == domain.TaskReview || t.State == domain.TaskDone
	if locked && (len(opts.AddContributors) > 0 || len(opts.RemoveContributors) > 0) {
		return domain.Task{}, ValidationError{Field: "contributors", Reason: fmt.Sprintf("cannot change contributors of a task in %s", t.State)}
	}
	if t.State == domain.TaskDone && (len(opts.AddReviewers) > 0 || len(opts.RemoveReviewers) > 0) {
		return domain.Task{}, ValidationError{Field: "reviewers", Reason: "cannot change reviewers of a done task"}
	}
	if t.State == domain.TaskReview && len(opts.RemoveReviewers) > 0 {
		rv, err := e.Repo.GetReviewByTask(ctx, tx, t.TeamID, t.ID)
		if err != nil {
			return domain.Task{}, notFound(err, "review", t.ID)
		}
		for _, id := range opts.RemoveReviewers {
			if rv.HasApproval(id) {
				return domain.Task{}, ValidationError{Field: "reviewers", Reason: fmt.Sprintf("%s has already approved", id)}
			}
		}
	}
	t.Contributors = applySet(t.Contributors, opts.AddContributors, opts.RemoveContributors)
	t.Reviewers = applySet(t.Reviewers, opts.AddReviewers, opts.RemoveReviewers)
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.emit(ctx, tx, events.TaskUpdated, t.TeamID, "task", t.ID, opts.ActorID, events.EventPayload{
		"contributors": t.Contributors,
		"reviewers":    t.Reviewers,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

type SetCookOptions struct {
	TeamID      string
	TaskID      string
	ActorID     string
	Value       *float64
	Attribution domain.Attribution
}

// SetCook assigns the COOK value and attribution. Draft becomes provisional;
// locked and final values are frozen.
func (e Engine) SetCook(ctx context.Context, opts SetCookOptions) (domain.Task, error) {
	if opts.Value == nil && opts.Attribution == "" {
		return domain.Task{}, ValidationError{Field: "cook_value", Reason: "value or attribution required"}
	}
	if opts.Value != nil && *opts.Value < 0 {
		return domain.Task{}, ValidationError{Field: "cook_value", Reason: "must not be negative"}
	}
	if opts.Attribution != "" && !opts.Attribution.Valid() {
		return domain.Task{}, ValidationError{Field: "attribution", Reason: "must be self or spend"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, opts.TeamID, opts.TaskID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", opts.TaskID)
	}
	role, err := e.requireMember(ctx, tx, opts.TeamID, opts.ActorID, "set cook")
	if err != nil {
		return domain.Task{}, err
	}
	if !role.Steward() && !t.HasContributor(opts.ActorID) {
		return domain.Task{}, PermissionError{Action: "set cook", Role: string(role), Required: []string{"steward", "admin", "task contributor"}}
	}
	if t.CookState.Rank() >= domain.CookLocked.Rank() {
		return domain.Task{}, InvalidTransitionError{Entity: "cook", From: string(t.CookState), To: string(domain.CookProvisional)}
	}
	if opts.Value != nil {
		v := *opts.Value
		t.CookValue = &v
		t.CookState = domain.CookProvisional
	}
	if opts.Attribution != "" {
		t.CookAttribution = opts.Attribution
	}
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.emit(ctx, tx, events.CookAssigned, t.TeamID, "task", t.ID, opts.ActorID, events.EventPayload{
		"cook_value":  t.CookValue,
		"cook_state":  t.CookState,
		"attribution": t.CookAttribution,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

type MoveOptions struct {
	TeamID  string
	TaskID  string
	To      domain.TaskState
	ActorID string
	// AcceptZeroCook allows entering Review without a COOK value.
	AcceptZeroCook bool
}

// MoveTask applies one lifecycle transition.
func (e Engine) MoveTask(ctx context.Context, opts MoveOptions) (domain.Task, error) {
	if !opts.To.Valid() {
		return domain.Task{}, ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", opts.To)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, opts.TeamID, opts.TaskID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", opts.TaskID)
	}
	if t.State == opts.To {
		return t, nil
	}
	t, err = e.moveTaskTx(ctx, tx, t, opts.To, opts.ActorID, opts.AcceptZeroCook)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// moveTaskTx validates and applies a move of t to a different state. All checks run
// before the first write so a rejected move leaves tx untouched.
func (e Engine) moveTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task, to domain.TaskState, actorID string, acceptZero bool) (domain.Task, error) {
	from := t.State
	if t.Archived {
		return t, BlockedByPolicyError{Policy: PolicyTaskArchived}
	}
	if !IsTransitionAllowed(from, to) {
		return t, InvalidTransitionError{Entity: "task", From: string(from), To: string(to), Allowed: states(AllowedTransitions(from))}
	}
	role, err := e.memberRole(ctx, tx, t.TeamID, actorID)
	if err != nil {
		return t, err
	}
	if !canMoveTask(role, t, actorID, to) {
		return t, PermissionError{Action: fmt.Sprintf("move task to %s", to), Role: string(role), Required: moveRoles(from, to)}
	}
	now := e.stamp()
	var review *domain.Review
	switch to {
	case domain.TaskReview:
		if len(t.Contributors) == 0 {
			return t, ValidationError{Field: "contributors", Reason: "at least one contributor is required before review"}
		}
		if t.CookValue == nil && !acceptZero {
			cfg, err := e.teamConfig(ctx, tx, t.TeamID)
			if err != nil {
				return t, err
			}
			if !cfg.Cook.AllowZero {
				return t, ValidationError{Field: "cook_value", Reason: "assign a COOK value or explicitly accept 0 COOK"}
			}
		}
		required := RequiredReviewers(t.CookValue)
		if len(t.Reviewers) < required {
			return t, InsufficientReviewersError{Required: required, Assigned: len(t.Reviewers)}
		}
		review = &domain.Review{
			ID:                uuid.NewString(),
			TaskID:            t.ID,
			TeamID:            t.TeamID,
			Status:            domain.ReviewPending,
			Approvals:         []string{},
			Objections:        []domain.Objection{},
			Comments:          []domain.Comment{},
			RequiredReviewers: required,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		t.CookState = domain.CookLocked
	case domain.TaskDone:
		rv, err := e.Repo.GetReviewByTask(ctx, tx, t.TeamID, t.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return t, err
		}
		if err != nil || rv.Status != domain.ReviewApproved {
			return t, BlockedByPolicyError{Policy: PolicyReviewNotApproved}
		}
		t.CookState = domain.CookFinal
	}
	t.State = to
	t.UpdatedAt = now
	if review != nil {
		if err := e.Repo.InsertReview(ctx, tx, *review); err != nil {
			return t, fmt.Errorf("insert review: %w", err)
		}
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.emit(ctx, tx, events.TaskMoved, t.TeamID, "task", t.ID, actorID, events.EventPayload{"from": from, "to": to}); err != nil {
		return t, err
	}
	if review != nil {
		if err := e.emit(ctx, tx, events.ReviewStarted, t.TeamID, "review", review.ID, actorID, events.EventPayload{
			"task_id":            t.ID,
			"required_reviewers": review.RequiredReviewers,
			"reviewers":          t.Reviewers,
		}); err != nil {
			return t, err
		}
	}
	return t, nil
}

func moveRoles(from, to domain.TaskState) []string {
	roles := []string{"steward", "admin"}
	if from == domain.TaskReview || to == domain.TaskReview {
		roles = append(roles, "reviewer")
	}
	if to != domain.TaskReview {
		roles = append(roles, "task contributor")
	}
	return roles
}

// ArchiveTask hides a task from default listings. Tasks are never deleted.
func (e Engine) ArchiveTask(ctx context.Context, teamID, taskID, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, teamID, taskID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", taskID)
	}
	role, err := e.requireMember(ctx, tx, teamID, actorID, "archive task")
	if err != nil {
		return domain.Task{}, err
	}
	if !role.Steward() && t.CreatedBy != actorID {
		return domain.Task{}, PermissionError{Action: "archive task", Role: string(role), Required: []string{"steward", "admin", "task creator"}}
	}
	if t.Archived {
		return t, nil
	}
	t.Archived = true
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.emit(ctx, tx, events.TaskArchived, teamID, "task", taskID, actorID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func uniqueSorted(items []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}

func applySet(current, add, remove []string) []string {
	drop := map[string]bool{}
	for _, r := range remove {
		drop[r] = true
	}
	var out []string
	for _, c := range append(append([]string{}, current...), add...) {
		if !drop[c] {
			out = append(out, c)
		}
	}
	return uniqueSorted(out)
}
