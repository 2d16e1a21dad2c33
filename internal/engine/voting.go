package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"cookline/internal/domain"
	"cookline/internal/events"
	"cookline/internal/repo"
)

type VotingCreateOptions struct {
	TeamID               string
	Title                string
	Options              []string
	ClosesAt             time.Time
	ApprovalThresholdPct *float64
	ActorID              string
}

// CreateVoting opens a standalone COOK-weighted voting. Requires steward or admin.
func (e Engine) CreateVoting(ctx context.Context, opts VotingCreateOptions) (domain.Voting, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Voting{}, ValidationError{Field: "title", Reason: "required"}
	}
	options := make([]string, 0, len(opts.Options))
	seen := map[string]bool{}
	for _, o := range opts.Options {
		o = strings.TrimSpace(o)
		if o == "" {
			return domain.Voting{}, ValidationError{Field: "options", Reason: "options must not be empty"}
		}
		if seen[o] {
			return domain.Voting{}, ValidationError{Field: "options", Reason: fmt.Sprintf("duplicate option %q", o)}
		}
		seen[o] = true
		options = append(options, o)
	}
	if len(options) < 2 {
		return domain.Voting{}, ValidationError{Field: "options", Reason: "at least two options required"}
	}
	now := e.now()
	if !opts.ClosesAt.After(now) {
		return domain.Voting{}, ValidationError{Field: "closes_at", Reason: "must be in the future"}
	}
	if p := opts.ApprovalThresholdPct; p != nil && (*p <= 0 || *p > 100) {
		return domain.Voting{}, ValidationError{Field: "approval_threshold_pct", Reason: "must be in (0,100]"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Voting{}, err
	}
	defer tx.Rollback()

	if _, err := e.requireSteward(ctx, tx, opts.TeamID, opts.ActorID, "create voting"); err != nil {
		return domain.Voting{}, err
	}
	v := domain.Voting{
		ID:                   uuid.NewString(),
		TeamID:               opts.TeamID,
		Title:                opts.Title,
		Options:              options,
		Votes:                []domain.Vote{},
		Status:               domain.VotingOpen,
		ClosesAt:             opts.ClosesAt.UTC().Format(time.RFC3339),
		ApprovalThresholdPct: opts.ApprovalThresholdPct,
		CreatedBy:            opts.ActorID,
		CreatedAt:            now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertVoting(ctx, tx, v); err != nil {
		return domain.Voting{}, err
	}
	if err := e.emit(ctx, tx, events.VotingCreated, v.TeamID, "voting", v.ID, opts.ActorID, events.EventPayload{"options": v.Options}); err != nil {
		return domain.Voting{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Voting{}, err
	}
	return v, nil
}

func (e Engine) GetVoting(ctx context.Context, teamID, id string) (domain.Voting, error) {
	v, err := e.Repo.GetVoting(ctx, nil, teamID, id)
	return v, notFound(err, "voting", id)
}

func (e Engine) ListVotings(ctx context.Context, teamID string, status domain.VotingStatus) ([]domain.Voting, error) {
	return e.Repo.ListVotings(ctx, teamID, status)
}

type CastVoteOptions struct {
	TeamID   string
	VotingID string
	VoterID  string
	Option   string
}

// CastVote stamps the voter's current weight onto the vote. Later weight changes never
// touch a cast vote.
func (e Engine) CastVote(ctx context.Context, opts CastVoteOptions) (domain.Vote, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Vote{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVoting(ctx, tx, opts.TeamID, opts.VotingID)
	if err != nil {
		return domain.Vote{}, notFound(err, "voting", opts.VotingID)
	}
	if v.Status != domain.VotingOpen {
		return domain.Vote{}, InvalidTransitionError{Entity: "voting", From: string(v.Status), To: "vote"}
	}
	closes, err := time.Parse(time.RFC3339, v.ClosesAt)
	if err != nil {
		return domain.Vote{}, err
	}
	now := e.now()
	if !now.Before(closes) {
		return domain.Vote{}, ValidationError{Field: "closes_at", Reason: "voting has closed", Code: "voting_closed"}
	}
	if !v.HasOption(opts.Option) {
		return domain.Vote{}, ValidationError{Field: "option", Reason: fmt.Sprintf("%q is not one of %s", opts.Option, strings.Join(v.Options, ", ")), Code: "unknown_option"}
	}
	if _, err := e.requireMember(ctx, tx, opts.TeamID, opts.VoterID, "vote"); err != nil {
		return domain.Vote{}, err
	}
	w, err := e.weightTx(ctx, tx, opts.TeamID, opts.VoterID)
	if err != nil {
		return domain.Vote{}, err
	}
	vote := domain.Vote{VotingID: v.ID, VoterID: opts.VoterID, Option: opts.Option, Weight: w.Weight, CastAt: now.Format(time.RFC3339Nano)}
	inserted, err := e.Repo.InsertVote(ctx, tx, vote)
	if err != nil {
		return domain.Vote{}, err
	}
	if !inserted {
		return domain.Vote{}, AlreadyVotedError{VotingID: v.ID, VoterID: opts.VoterID}
	}
	if err := e.emit(ctx, tx, events.VoteCast, v.TeamID, "voting", v.ID, opts.VoterID, events.EventPayload{
		"option": vote.Option,
		"weight": vote.Weight,
	}); err != nil {
		return domain.Vote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Vote{}, err
	}
	e.Metrics.VoteCast(ctx, opts.TeamID)
	return vote, nil
}

// Tally sums the stored vote weights per option. The winner has the highest sum, ties
// going to the lexically smallest option; with no weighted votes there is no winner.
func Tally(options []string, votes []domain.Vote) (map[string]float64, *string) {
	results := make(map[string]float64, len(options))
	for _, o := range options {
		results[o] = 0
	}
	var total float64
	for _, v := range votes {
		results[v.Option] += v.Weight
		total += v.Weight
	}
	if total <= 0 {
		return results, nil
	}
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	winner := keys[0]
	for _, k := range keys[1:] {
		if results[k] > results[winner] {
			winner = k
		}
	}
	return results, &winner
}

type CloseResult struct {
	Voting   domain.Voting              `json:"voting"`
	Proposal *domain.GovernanceProposal `json:"proposal,omitempty"`
}

// CloseVoting tallies and completes a voting and resolves its proposal. Stewards may
// close early; anyone may close once the closing time has passed.
func (e Engine) CloseVoting(ctx context.Context, teamID, votingID, actorID string) (CloseResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CloseResult{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVoting(ctx, tx, teamID, votingID)
	if err != nil {
		return CloseResult{}, notFound(err, "voting", votingID)
	}
	if v.Status != domain.VotingOpen {
		return CloseResult{}, InvalidTransitionError{Entity: "voting", From: string(v.Status), To: string(domain.VotingClosed)}
	}
	closes, err := time.Parse(time.RFC3339, v.ClosesAt)
	if err != nil {
		return CloseResult{}, err
	}
	if e.now().Before(closes) {
		if _, err := e.requireSteward(ctx, tx, teamID, actorID, "close voting early"); err != nil {
			return CloseResult{}, err
		}
	} else if _, err := e.requireMember(ctx, tx, teamID, actorID, "close voting"); err != nil {
		return CloseResult{}, err
	}
	if ok, err := e.Repo.TransitionVoting(ctx, tx, v.ID, domain.VotingOpen, domain.VotingClosed, nil, nil); err != nil {
		return CloseResult{}, err
	} else if !ok {
		return CloseResult{}, InvalidTransitionError{Entity: "voting", From: string(v.Status), To: string(domain.VotingClosed)}
	}
	results, winner := Tally(v.Options, v.Votes)
	if _, err := e.Repo.TransitionVoting(ctx, tx, v.ID, domain.VotingClosed, domain.VotingCompleted, results, winner); err != nil {
		return CloseResult{}, err
	}
	v.Status = domain.VotingCompleted
	v.Results = results
	v.WinningOption = winner
	if err := e.emit(ctx, tx, events.VotingCompleted, teamID, "voting", v.ID, actorID, events.EventPayload{
		"results":        results,
		"winning_option": winner,
	}); err != nil {
		return CloseResult{}, err
	}
	res := CloseResult{Voting: v}
	if v.ProposalID != nil {
		p, err := e.resolveProposalVote(ctx, tx, v, actorID)
		if err != nil {
			return CloseResult{}, err
		}
		res.Proposal = &p
	}
	if err := tx.Commit(); err != nil {
		return CloseResult{}, err
	}
	return res, nil
}

// ProposalApproved decides a proposal from a completed voting: approve must win, and a
// threshold, when set, must be met by approve's share of all weighted votes.
func ProposalApproved(v domain.Voting) bool {
	if v.WinningOption == nil || *v.WinningOption != OptionApprove {
		return false
	}
	if v.ApprovalThresholdPct == nil {
		return true
	}
	var total float64
	for _, w := range v.Results {
		total += w
	}
	if total <= 0 {
		return false
	}
	return v.Results[OptionApprove]/total*100 >= *v.ApprovalThresholdPct
}

func (e Engine) resolveProposalVote(ctx context.Context, tx *sql.Tx, v domain.Voting, actorID string) (domain.GovernanceProposal, error) {
	p, err := e.Repo.GetProposal(ctx, tx, v.TeamID, *v.ProposalID)
	if err != nil {
		return domain.GovernanceProposal{}, notFound(err, "proposal", *v.ProposalID)
	}
	to := domain.ProposalRejected
	if ProposalApproved(v) {
		to = domain.ProposalApproved
	}
	now := e.stamp()
	ok, err := e.Repo.ResolveProposal(ctx, tx, p.ID, domain.ProposalVotingTriggered, to, now)
	if err != nil {
		return domain.GovernanceProposal{}, err
	}
	if !ok {
		return domain.GovernanceProposal{}, InvalidTransitionError{Entity: "proposal", From: string(p.Status), To: string(to)}
	}
	if err := e.emit(ctx, tx, events.ProposalResolved, p.TeamID, "proposal", p.ID, actorID, events.EventPayload{
		"status":    to,
		"via":       "voting",
		"voting_id": v.ID,
	}); err != nil {
		return domain.GovernanceProposal{}, err
	}
	p.Status = to
	p.ResolvedAt = &now
	return p, nil
}

// CloseDueVotings completes every open voting whose closing time has passed.
func (e Engine) CloseDueVotings(ctx context.Context, teamID, actorID string) ([]CloseResult, error) {
	open, err := e.Repo.ListVotings(ctx, teamID, domain.VotingOpen)
	if err != nil {
		return nil, err
	}
	var out []CloseResult
	for _, v := range open {
		closes, err := time.Parse(time.RFC3339, v.ClosesAt)
		if err != nil || e.now().Before(closes) {
			continue
		}
		res, err := e.CloseVoting(ctx, teamID, v.ID, actorID)
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}
