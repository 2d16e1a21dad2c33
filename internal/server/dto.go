package server

import (
	"cookline/internal/domain"
	"cookline/internal/engine"
	"cookline/internal/reconcile"
)

// Request payloads

type CreateTeamRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type AddMemberRequest struct {
	UserID string      `json:"user_id"`
	Role   domain.Role `json:"role" enum:"admin,steward,reviewer,contributor"`
}

type CreateTaskRequest struct {
	ID           string             `json:"id,omitempty"`
	Title        string             `json:"title" minLength:"1"`
	Description  string             `json:"description,omitempty"`
	Contributors []string           `json:"contributors,omitempty"`
	Reviewers    []string           `json:"reviewers,omitempty"`
	CookValue    *float64           `json:"cook_value,omitempty" minimum:"0"`
	Attribution  domain.Attribution `json:"attribution,omitempty" enum:"self,spend"`
}

type MoveTaskRequest struct {
	To             domain.TaskState `json:"to" enum:"backlog,ready,in_progress,review,done"`
	AcceptZeroCook bool             `json:"accept_zero_cook,omitempty"`
}

type AssignTaskRequest struct {
	AddContributors    []string `json:"add_contributors,omitempty"`
	RemoveContributors []string `json:"remove_contributors,omitempty"`
	AddReviewers       []string `json:"add_reviewers,omitempty"`
	RemoveReviewers    []string `json:"remove_reviewers,omitempty"`
}

type SetCookRequest struct {
	Value       *float64           `json:"value,omitempty" minimum:"0"`
	Attribution domain.Attribution `json:"attribution,omitempty" enum:"self,spend"`
}

type LinkTaskRequest struct {
	ItemID   string `json:"item_id"`
	ColumnID string `json:"column_id,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CommentRequest struct {
	Body string `json:"body"`
}

type CreateProposalRequest struct {
	Type               domain.ProposalType `json:"type" enum:"policy_change,constitutional_challenge,budget_allocation,membership"`
	Title              string              `json:"title"`
	Description        string              `json:"description,omitempty"`
	ObjectionThreshold *float64            `json:"objection_threshold,omitempty"`
	WindowHours        *int                `json:"window_hours,omitempty" minimum:"1"`
}

type CreateVotingRequest struct {
	Title                string   `json:"title"`
	Options              []string `json:"options" minItems:"2"`
	ClosesAt             string   `json:"closes_at" format:"date-time"`
	ApprovalThresholdPct *float64 `json:"approval_threshold_pct,omitempty"`
}

type CastVoteRequest struct {
	Option string `json:"option"`
}

type ExternalMoveRequest struct {
	ItemID   string `json:"item_id"`
	ColumnID string `json:"column_id"`
}

type DesyncRequest struct {
	Reconcile bool `json:"reconcile,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type StatusResponse struct {
	Status string `json:"status"`
}

type WhoAmIResponse struct {
	UserID      string          `json:"user_id"`
	Source      string          `json:"source"`
	Memberships []domain.Member `json:"memberships"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only present on creation.
	Key string `json:"key,omitempty"`
}

type MemberList struct {
	Items []domain.Member `json:"items"`
}

type TaskList struct {
	Items []domain.Task `json:"items"`
}

type ReviewList struct {
	Items []domain.Review `json:"items"`
}

type LedgerList struct {
	Items []domain.LedgerEntry `json:"items"`
}

type IssueResponse struct {
	Items []engine.IssueResult `json:"items"`
}

type AttestationList struct {
	Items []domain.Attestation `json:"items"`
}

type BackfillResponse struct {
	Issued int `json:"issued"`
}

type WeightList struct {
	Items []domain.GovernanceWeight `json:"items"`
}

type ProposalList struct {
	Items []domain.GovernanceProposal `json:"items"`
}

type VotingList struct {
	Items []domain.Voting `json:"items"`
}

type SettleResponse struct {
	Proposals []domain.GovernanceProposal `json:"proposals"`
	Votings   []engine.CloseResult        `json:"votings"`
}

type DesyncList struct {
	Items []reconcile.Desync `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	TeamID     string         `json:"team_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type EventList struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
