package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cookline/internal/cook"
	"cookline/internal/domain"
	"cookline/internal/events"
	"cookline/internal/repo"
)

// SystemIssuer is the actor recorded on issuance triggered by review approval.
const SystemIssuer = "system:issuer"

type IssueOptions struct {
	TeamID        string
	TaskID        string
	ContributorID string
	CookValue     float64
	Attribution   domain.Attribution
	// ActorID, when set, must be a steward; empty means system-triggered.
	ActorID string
}

// Issue creates one ledger entry. Every precondition maps to its own error and a
// repeated (task, contributor) pair fails with AlreadyIssuedError.
func (e Engine) Issue(ctx context.Context, opts IssueOptions) (domain.LedgerEntry, error) {
	entry, err := e.issue(ctx, opts)
	if err != nil {
		e.Metrics.Rejected(ctx, opts.TeamID, rejectionReason(err))
		return entry, err
	}
	e.Metrics.Issued(ctx, opts.TeamID, entry.CookValue)
	return entry, nil
}

func (e Engine) issue(ctx context.Context, opts IssueOptions) (domain.LedgerEntry, error) {
	if !(opts.CookValue > 0) {
		return domain.LedgerEntry{}, ValidationError{Field: "cook_value", Reason: "must be greater than 0"}
	}
	if !opts.Attribution.Valid() {
		return domain.LedgerEntry{}, ValidationError{Field: "attribution", Reason: "must be self or spend"}
	}
	if opts.ContributorID == "" {
		return domain.LedgerEntry{}, ValidationError{Field: "contributor_id", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, opts.TeamID, opts.TaskID)
	if err != nil {
		return domain.LedgerEntry{}, notFound(err, "task", opts.TaskID)
	}
	actor := SystemIssuer
	if opts.ActorID != "" {
		if _, err := e.requireSteward(ctx, tx, opts.TeamID, opts.ActorID, "issue cook"); err != nil {
			return domain.LedgerEntry{}, err
		}
		actor = opts.ActorID
	}
	if t.CookState != domain.CookFinal {
		return domain.LedgerEntry{}, BlockedByPolicyError{Policy: PolicyCookNotFinal, Detail: fmt.Sprintf("task cook state is %s", t.CookState)}
	}
	if t.MovementBlocked() {
		return domain.LedgerEntry{}, BlockedByPolicyError{Policy: PolicyUnauthorizedMovement, Detail: "a steward must clear the external board move"}
	}
	if !t.HasContributor(opts.ContributorID) {
		return domain.LedgerEntry{}, ValidationError{Field: "contributor_id", Reason: fmt.Sprintf("%s is not a contributor of task %s", opts.ContributorID, t.ID)}
	}
	if share := contributorShare(t); !sameCook(opts.CookValue, share) {
		return domain.LedgerEntry{}, ValidationError{Field: "cook_value", Reason: fmt.Sprintf("must equal the contributor share %g", share)}
	}
	entry := domain.LedgerEntry{
		ID:            uuid.NewString(),
		TaskID:        t.ID,
		TeamID:        t.TeamID,
		ContributorID: opts.ContributorID,
		CookValue:     opts.CookValue,
		Attribution:   opts.Attribution,
		IssuedAt:      e.now().Format(time.RFC3339Nano),
	}
	inserted, err := e.Repo.InsertLedgerEntryIfAbsent(ctx, tx, entry)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	if !inserted {
		return domain.LedgerEntry{}, AlreadyIssuedError{TaskID: t.ID, ContributorID: opts.ContributorID}
	}
	if err := e.emit(ctx, tx, events.LedgerIssued, t.TeamID, "ledger_entry", entry.ID, actor, events.EventPayload{
		"task_id":        entry.TaskID,
		"contributor_id": entry.ContributorID,
		"cook_value":     entry.CookValue,
		"attribution":    entry.Attribution,
	}); err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

// contributorShare is the equal split of the task's COOK; the shares of a task sum to its value.
func contributorShare(t domain.Task) float64 {
	if t.CookValue == nil || len(t.Contributors) == 0 {
		return 0
	}
	return *t.CookValue / float64(len(t.Contributors))
}

func sameCook(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b))
}

func rejectionReason(err error) string {
	var blocked BlockedByPolicyError
	switch {
	case errors.As(err, &blocked):
		return blocked.Policy
	case errors.Is(err, ErrAlreadyIssued):
		return "already_issued"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermission):
		return "permission"
	}
	return "error"
}

// IssueResult is the outcome of issuance for one contributor.
type IssueResult struct {
	ContributorID string              `json:"contributor_id"`
	Entry         *domain.LedgerEntry `json:"entry,omitempty"`
	Err           error               `json:"-"`
	Error         string              `json:"error,omitempty"`
}

// IssueTask splits the task's COOK equally across its contributors and issues each
// share independently; one contributor's failure does not affect the others.
func (e Engine) IssueTask(ctx context.Context, teamID, taskID string) ([]IssueResult, error) {
	t, err := e.Repo.GetTask(ctx, nil, teamID, taskID)
	if err != nil {
		return nil, notFound(err, "task", taskID)
	}
	if len(t.Contributors) == 0 {
		return nil, ValidationError{Field: "contributors", Reason: "task has no contributors"}
	}
	share := contributorShare(t)
	results := make([]IssueResult, len(t.Contributors))
	g, gctx := errgroup.WithContext(ctx)
	limit := e.IssueConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, contributor := range t.Contributors {
		results[i].ContributorID = contributor
		g.Go(func() error {
			entry, err := e.Issue(gctx, IssueOptions{
				TeamID:        teamID,
				TaskID:        taskID,
				ContributorID: contributor,
				CookValue:     share,
				Attribution:   t.CookAttribution,
			})
			if err != nil {
				results[i].Err = err
				results[i].Error = err.Error()
				return nil
			}
			results[i].Entry = &entry
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (e Engine) ListLedger(ctx context.Context, f repo.LedgerFilters) ([]domain.LedgerEntry, error) {
	return e.Repo.ListLedger(ctx, nil, f)
}

// CookReport is a contributor's COOK projection under the team policy.
type CookReport struct {
	TeamID        string        `json:"team_id"`
	ContributorID string        `json:"contributor_id"`
	Summary       cook.Summary  `json:"summary"`
	Periods       []cook.Period `json:"periods"`
	Velocity      float64       `json:"velocity"`
}

func (e Engine) CookSummary(ctx context.Context, teamID, contributorID string, g cook.Granularity) (CookReport, error) {
	cfg, err := e.teamConfig(ctx, nil, teamID)
	if err != nil {
		return CookReport{}, err
	}
	entries, err := e.Repo.ListLedger(ctx, nil, repo.LedgerFilters{TeamID: teamID, ContributorID: contributorID})
	if err != nil {
		return CookReport{}, err
	}
	summary, err := cook.Summarize(entries, policyOf(cfg.Cook), e.now())
	if err != nil {
		return CookReport{}, err
	}
	periods, err := cook.Aggregate(entries, g)
	if err != nil {
		return CookReport{}, ValidationError{Field: "granularity", Reason: err.Error()}
	}
	velocity, err := cook.Velocity(entries)
	if err != nil {
		return CookReport{}, err
	}
	return CookReport{TeamID: teamID, ContributorID: contributorID, Summary: summary, Periods: periods, Velocity: velocity}, nil
}
