package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"cookline/internal/config"
	"cookline/internal/domain"
	"cookline/internal/engine/auth"
	"cookline/internal/events"
	"cookline/internal/repo"
)

// Voting options created for an escalated proposal.
const (
	OptionApprove = "approve"
	OptionReject  = "reject"
)

type ProposalCreateOptions struct {
	TeamID      string
	Type        domain.ProposalType
	Title       string
	Description string
	ProposerID  string
	// ObjectionThreshold and Window override the team defaults when set.
	ObjectionThreshold *float64
	Window             *time.Duration
}

func (e Engine) CreateProposal(ctx context.Context, opts ProposalCreateOptions) (domain.GovernanceProposal, error) {
	if !opts.Type.Valid() {
		return domain.GovernanceProposal{}, ValidationError{Field: "type", Reason: "unknown proposal type"}
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.GovernanceProposal{}, ValidationError{Field: "title", Reason: "required"}
	}
	if opts.ObjectionThreshold != nil && *opts.ObjectionThreshold <= 0 {
		return domain.GovernanceProposal{}, ValidationError{Field: "objection_threshold", Reason: "must be positive"}
	}
	if opts.Window != nil && *opts.Window <= 0 {
		return domain.GovernanceProposal{}, ValidationError{Field: "window", Reason: "must be positive"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GovernanceProposal{}, err
	}
	defer tx.Rollback()

	if _, err := e.requireMember(ctx, tx, opts.TeamID, opts.ProposerID, "create proposal"); err != nil {
		return domain.GovernanceProposal{}, err
	}
	cfg, err := e.teamConfig(ctx, tx, opts.TeamID)
	if err != nil {
		return domain.GovernanceProposal{}, err
	}
	threshold := cfg.Governance.ObjectionThreshold
	if opts.ObjectionThreshold != nil {
		threshold = *opts.ObjectionThreshold
	}
	window := cfg.Governance.ObjectionWindow()
	if opts.Window != nil {
		window = *opts.Window
	}
	now := e.now()
	p := domain.GovernanceProposal{
		ID:                 uuid.NewString(),
		TeamID:             opts.TeamID,
		Type:               opts.Type,
		Title:              opts.Title,
		Description:        opts.Description,
		ProposerID:         opts.ProposerID,
		Status:             domain.ProposalObjectionWindowOpen,
		Objections:         []domain.ProposalObjection{},
		ObjectionThreshold: threshold,
		WindowClosesAt:     now.Add(window).Format(time.RFC3339),
		CreatedAt:          now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
		return domain.GovernanceProposal{}, err
	}
	if err := e.emit(ctx, tx, events.ProposalCreated, p.TeamID, "proposal", p.ID, opts.ProposerID, events.EventPayload{
		"type":             p.Type,
		"title":            p.Title,
		"window_closes_at": p.WindowClosesAt,
	}); err != nil {
		return domain.GovernanceProposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.GovernanceProposal{}, err
	}
	return p, nil
}

func (e Engine) GetProposal(ctx context.Context, teamID, id string) (domain.GovernanceProposal, error) {
	p, err := e.Repo.GetProposal(ctx, nil, teamID, id)
	return p, notFound(err, "proposal", id)
}

func (e Engine) ListProposals(ctx context.Context, teamID string, status domain.ProposalStatus) ([]domain.GovernanceProposal, error) {
	return e.Repo.ListProposals(ctx, teamID, status)
}

type ProposalObjectOptions struct {
	TeamID     string
	ProposalID string
	MemberID   string
	Reason     string
}

type ObjectionResult struct {
	Proposal  domain.GovernanceProposal `json:"proposal"`
	Weight    float64                   `json:"weight"`
	Escalated bool                      `json:"escalated"`
	Voting    *domain.Voting            `json:"voting,omitempty"`
}

// ObjectToProposal records a weighted objection. The cumulative weight is bumped and
// compared with the threshold in one conditional update, so exactly one objection
// observes the crossing; that objection opens the linked voting in the same transaction.
func (e Engine) ObjectToProposal(ctx context.Context, opts ProposalObjectOptions) (ObjectionResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ObjectionResult{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposal(ctx, tx, opts.TeamID, opts.ProposalID)
	if err != nil {
		return ObjectionResult{}, notFound(err, "proposal", opts.ProposalID)
	}
	if p.Status != domain.ProposalObjectionWindowOpen {
		return ObjectionResult{}, InvalidTransitionError{Entity: "proposal", From: string(p.Status), To: string(domain.ProposalVotingTriggered)}
	}
	closes, err := time.Parse(time.RFC3339, p.WindowClosesAt)
	if err != nil {
		return ObjectionResult{}, err
	}
	now := e.now()
	if !now.Before(closes) {
		return ObjectionResult{}, ValidationError{Field: "window_closes_at", Reason: "objection window has closed", Code: "objection_window_closed"}
	}
	if _, err := e.requireMember(ctx, tx, opts.TeamID, opts.MemberID, "object to proposal"); err != nil {
		return ObjectionResult{}, err
	}
	w, err := e.weightTx(ctx, tx, opts.TeamID, opts.MemberID)
	if err != nil {
		return ObjectionResult{}, err
	}
	inserted, err := e.Repo.InsertProposalObjection(ctx, tx, domain.ProposalObjection{
		ProposalID: p.ID,
		MemberID:   opts.MemberID,
		Weight:     w.Weight,
		Reason:     opts.Reason,
		CreatedAt:  now.Format(time.RFC3339),
	})
	if err != nil {
		return ObjectionResult{}, err
	}
	if !inserted {
		return ObjectionResult{}, DuplicateObjectionError{Entity: "proposal", MemberID: opts.MemberID}
	}
	total, escalated, err := e.Repo.AddObjectionWeight(ctx, tx, p.ID, w.Weight)
	if errors.Is(err, repo.ErrNotFound) {
		return ObjectionResult{}, InvalidTransitionError{Entity: "proposal", From: string(p.Status), To: string(domain.ProposalVotingTriggered)}
	}
	if err != nil {
		return ObjectionResult{}, err
	}
	if err := e.emit(ctx, tx, events.ProposalObjected, p.TeamID, "proposal", p.ID, opts.MemberID, events.EventPayload{
		"weight":           w.Weight,
		"objection_weight": total,
		"threshold":        p.ObjectionThreshold,
	}); err != nil {
		return ObjectionResult{}, err
	}
	res := ObjectionResult{Weight: w.Weight, Escalated: escalated}
	if escalated {
		cfg, err := e.teamConfig(ctx, tx, p.TeamID)
		if err != nil {
			return ObjectionResult{}, err
		}
		v, err := e.openProposalVoting(ctx, tx, p, cfg)
		if err != nil {
			return ObjectionResult{}, err
		}
		res.Voting = &v
	}
	p, err = e.Repo.GetProposal(ctx, tx, p.TeamID, p.ID)
	if err != nil {
		return ObjectionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ObjectionResult{}, err
	}
	res.Proposal = p
	e.Metrics.Objection(ctx, p.TeamID, escalated)
	return res, nil
}

func (e Engine) openProposalVoting(ctx context.Context, tx *sql.Tx, p domain.GovernanceProposal, cfg *config.Config) (domain.Voting, error) {
	now := e.now()
	proposalID := p.ID
	v := domain.Voting{
		ID:         uuid.NewString(),
		TeamID:     p.TeamID,
		ProposalID: &proposalID,
		Title:      p.Title,
		Options:    []string{OptionApprove, OptionReject},
		Votes:      []domain.Vote{},
		Status:     domain.VotingOpen,
		ClosesAt:   now.Add(cfg.Governance.VotingPeriod()).Format(time.RFC3339),
		CreatedBy:  auth.SystemActor,
		CreatedAt:  now.Format(time.RFC3339),
	}
	if p.Type == domain.ProposalConstitutionalChallenge {
		pct := cfg.Governance.ConstitutionalApprovalPct
		v.ApprovalThresholdPct = &pct
	}
	if err := e.Repo.InsertVoting(ctx, tx, v); err != nil {
		return domain.Voting{}, err
	}
	if err := e.Repo.SetProposalVoting(ctx, tx, p.ID, v.ID); err != nil {
		return domain.Voting{}, err
	}
	if err := e.emit(ctx, tx, events.ProposalVotingTriggered, p.TeamID, "proposal", p.ID, auth.SystemActor, events.EventPayload{
		"voting_id": v.ID,
		"closes_at": v.ClosesAt,
	}); err != nil {
		return domain.Voting{}, err
	}
	if err := e.emit(ctx, tx, events.VotingCreated, p.TeamID, "voting", v.ID, auth.SystemActor, events.EventPayload{
		"proposal_id": p.ID,
		"options":     v.Options,
	}); err != nil {
		return domain.Voting{}, err
	}
	return v, nil
}

// ResolveProposalWindow adopts an open proposal once its objection window has passed
// without escalation.
func (e Engine) ResolveProposalWindow(ctx context.Context, teamID, proposalID string) (domain.GovernanceProposal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GovernanceProposal{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposal(ctx, tx, teamID, proposalID)
	if err != nil {
		return domain.GovernanceProposal{}, notFound(err, "proposal", proposalID)
	}
	if p.Status != domain.ProposalObjectionWindowOpen {
		return domain.GovernanceProposal{}, InvalidTransitionError{Entity: "proposal", From: string(p.Status), To: string(domain.ProposalApproved)}
	}
	closes, err := time.Parse(time.RFC3339, p.WindowClosesAt)
	if err != nil {
		return domain.GovernanceProposal{}, err
	}
	if e.now().Before(closes) {
		return domain.GovernanceProposal{}, ValidationError{Field: "window_closes_at", Reason: "objection window is still open", Code: "objection_window_open"}
	}
	now := e.stamp()
	ok, err := e.Repo.ResolveProposal(ctx, tx, p.ID, domain.ProposalObjectionWindowOpen, domain.ProposalApproved, now)
	if err != nil {
		return domain.GovernanceProposal{}, err
	}
	if !ok {
		return domain.GovernanceProposal{}, InvalidTransitionError{Entity: "proposal", From: string(p.Status), To: string(domain.ProposalApproved)}
	}
	if err := e.emit(ctx, tx, events.ProposalResolved, teamID, "proposal", p.ID, auth.SystemActor, events.EventPayload{
		"status": domain.ProposalApproved,
		"via":    "objection_window",
	}); err != nil {
		return domain.GovernanceProposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.GovernanceProposal{}, err
	}
	p.Status = domain.ProposalApproved
	p.ResolvedAt = &now
	return p, nil
}

// ResolveDueProposals adopts every open proposal whose window has passed.
func (e Engine) ResolveDueProposals(ctx context.Context, teamID string) ([]domain.GovernanceProposal, error) {
	open, err := e.Repo.ListProposals(ctx, teamID, domain.ProposalObjectionWindowOpen)
	if err != nil {
		return nil, err
	}
	var resolved []domain.GovernanceProposal
	for _, p := range open {
		closes, err := time.Parse(time.RFC3339, p.WindowClosesAt)
		if err != nil || e.now().Before(closes) {
			continue
		}
		rp, err := e.ResolveProposalWindow(ctx, teamID, p.ID)
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return resolved, err
		}
		resolved = append(resolved, rp)
	}
	return resolved, nil
}
