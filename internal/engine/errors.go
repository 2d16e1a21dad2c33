package engine

import (
	"errors"
	"fmt"
	"strings"

	"cookline/internal/domain"
	"cookline/internal/repo"
)

// Sentinels for errors.Is; the typed errors below carry the details.
var (
	ErrValidation           = errors.New("validation failed")
	ErrPermission           = errors.New("permission denied")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrInsufficientReviewer = errors.New("insufficient reviewers")
	ErrAlreadyIssued        = errors.New("already issued")
	ErrAlreadyApproved      = errors.New("already approved")
	ErrReviewObjected       = errors.New("review objected")
	ErrDuplicateObjection   = errors.New("duplicate objection")
	ErrAlreadyVoted         = errors.New("already voted")
	ErrBlockedByPolicy      = errors.New("blocked by policy")
	ErrExternalService      = errors.New("external service error")
)

// Policy names carried by BlockedByPolicyError.
const (
	PolicyCookNotFinal          = "cook_not_final"
	PolicyUnauthorizedMovement  = "unauthorized_external_movement"
	PolicyReviewNotApproved     = "review_not_approved"
	PolicyTaskArchived          = "task_archived"
	PolicyReviewerIsContributor = "reviewer_is_contributor"
)

type ValidationError struct {
	Field  string
	Reason string
	// Code is a machine-readable reason, e.g. voting_closed.
	Code string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e ValidationError) Is(target error) bool { return target == ErrValidation }

type PermissionError struct {
	Action   string
	Role     string
	Required []string
}

func (e PermissionError) Error() string {
	role := e.Role
	if role == "" {
		role = "non-member"
	}
	return fmt.Sprintf("%s not permitted for %s; requires %s", e.Action, role, strings.Join(e.Required, " or "))
}

func (e PermissionError) Is(target error) bool { return target == ErrPermission }

type InvalidTransitionError struct {
	Entity  string
	From    string
	To      string
	Allowed []string
}

func (e InvalidTransitionError) Error() string {
	allowed := "none"
	if len(e.Allowed) > 0 {
		allowed = strings.Join(e.Allowed, ", ")
	}
	return fmt.Sprintf("%s cannot move from %s to %s (allowed: %s)", e.Entity, e.From, e.To, allowed)
}

func (e InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type InsufficientReviewersError struct {
	Required int
	Assigned int
}

func (e InsufficientReviewersError) Error() string {
	return fmt.Sprintf("review requires %d reviewers, %d assigned", e.Required, e.Assigned)
}

func (e InsufficientReviewersError) Is(target error) bool { return target == ErrInsufficientReviewer }

type AlreadyIssuedError struct {
	TaskID        string
	ContributorID string
}

func (e AlreadyIssuedError) Error() string {
	return fmt.Sprintf("cook for task %s already issued to %s", e.TaskID, e.ContributorID)
}

func (e AlreadyIssuedError) Is(target error) bool { return target == ErrAlreadyIssued }

type AlreadyApprovedError struct {
	// ReviewLevel is true when the review itself is already approved,
	// false when the same reviewer approved twice.
	ReviewLevel bool
	ReviewerID  string
}

func (e AlreadyApprovedError) Error() string {
	if e.ReviewLevel {
		return "review already approved"
	}
	return fmt.Sprintf("reviewer %s already approved", e.ReviewerID)
}

func (e AlreadyApprovedError) Is(target error) bool { return target == ErrAlreadyApproved }

type ReviewObjectedError struct {
	Unresolved int
}

func (e ReviewObjectedError) Error() string {
	return fmt.Sprintf("review has %d unresolved objection(s); a steward must resolve them first", e.Unresolved)
}

func (e ReviewObjectedError) Is(target error) bool { return target == ErrReviewObjected }

type DuplicateObjectionError struct {
	Entity   string
	MemberID string
}

func (e DuplicateObjectionError) Error() string {
	return fmt.Sprintf("%s already objected to this %s", e.MemberID, e.Entity)
}

func (e DuplicateObjectionError) Is(target error) bool { return target == ErrDuplicateObjection }

type AlreadyVotedError struct {
	VotingID string
	VoterID  string
}

func (e AlreadyVotedError) Error() string {
	return fmt.Sprintf("%s already voted in %s", e.VoterID, e.VotingID)
}

func (e AlreadyVotedError) Is(target error) bool { return target == ErrAlreadyVoted }

type BlockedByPolicyError struct {
	Policy string
	Detail string
}

func (e BlockedByPolicyError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("blocked by policy %s", e.Policy)
	}
	return fmt.Sprintf("blocked by policy %s: %s", e.Policy, e.Detail)
}

func (e BlockedByPolicyError) Is(target error) bool { return target == ErrBlockedByPolicy }

type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

type ExternalServiceError struct {
	Service string
	Err     error
}

func (e ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e ExternalServiceError) Unwrap() error { return e.Err }

func (e ExternalServiceError) Is(target error) bool { return target == ErrExternalService }

// notFound maps repo.ErrNotFound to a NotFoundError and passes other errors through.
func notFound(err error, entity, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Entity: entity, ID: id}
	}
	return err
}

func states(ss []domain.TaskState) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
