package engine_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookline/internal/domain"
	"cookline/internal/engine"
)

// seedWeights gives carl and cora 6 COOK each.
func seedWeights(t *testing.T, env testEnv) {
	t.Helper()
	env.completeTask(t, 12, []string{"carl", "cora"}, []string{"rita", "rob"})
}

func (env testEnv) propose(t *testing.T, typ domain.ProposalType) domain.GovernanceProposal {
	t.Helper()
	p, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{TeamID: teamID, Type: typ, Title: "change", ProposerID: steward})
	require.NoError(t, err)
	return p
}

func (env testEnv) object(memberID, proposalID string) (engine.ObjectionResult, error) {
	return env.Engine.ObjectToProposal(env.Ctx, engine.ProposalObjectOptions{TeamID: teamID, ProposalID: proposalID, MemberID: memberID, Reason: "no"})
}

func TestConcurrentObjectionsEscalateOnce(t *testing.T) {
	env := newTestEnv(t)
	seedWeights(t, env)
	p := env.propose(t, domain.ProposalPolicyChange)
	assert.Equal(t, 10.0, p.ObjectionThreshold)

	var wg sync.WaitGroup
	results := make([]engine.ObjectionResult, 2)
	errs := make([]error, 2)
	for i, member := range []string{"carl", "cora"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = env.object(member, p.ID)
		}()
	}
	wg.Wait()

	escalations := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 6.0, results[i].Weight)
		if results[i].Escalated {
			escalations++
			require.NotNil(t, results[i].Voting)
		}
	}
	assert.Equal(t, 1, escalations)

	got, err := env.Engine.GetProposal(env.Ctx, teamID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalVotingTriggered, got.Status)
	assert.Equal(t, 12.0, got.ObjectionWeight)
	assert.Len(t, got.Objections, 2)
	require.NotNil(t, got.VotingID)

	votings, err := env.Engine.ListVotings(env.Ctx, teamID, domain.VotingOpen)
	require.NoError(t, err)
	require.Len(t, votings, 1)
	assert.Equal(t, []string{engine.OptionApprove, engine.OptionReject}, votings[0].Options)
}

func TestObjectionRejections(t *testing.T) {
	env := newTestEnv(t)
	seedWeights(t, env)
	p := env.propose(t, domain.ProposalBudgetAllocation)

	res, err := env.object("carl", p.ID)
	require.NoError(t, err)
	assert.False(t, res.Escalated)

	_, err = env.object("carl", p.ID)
	var derr engine.DuplicateObjectionError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "carl", derr.MemberID)

	_, err = env.object("mallory", p.ID)
	assert.ErrorIs(t, err, engine.ErrPermission)

	env.advance(73 * time.Hour)
	_, err = env.object("cora", p.ID)
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "objection_window_closed", verr.Code)

	resolved, err := env.Engine.ResolveDueProposals(env.Ctx, teamID)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, domain.ProposalApproved, resolved[0].Status)

	_, err = env.object("cora", p.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestResolveProposalWindowWaitsForClose(t *testing.T) {
	env := newTestEnv(t)
	p := env.propose(t, domain.ProposalMembership)

	_, err := env.Engine.ResolveProposalWindow(env.Ctx, teamID, p.ID)
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "objection_window_open", verr.Code)

	env.advance(72 * time.Hour)
	got, err := env.Engine.ResolveProposalWindow(env.Ctx, teamID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalApproved, got.Status)
	require.NotNil(t, got.ResolvedAt)

	_, err = env.Engine.ResolveProposalWindow(env.Ctx, teamID, p.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

// escalate objects with both seeded members and returns the linked voting.
func (env testEnv) escalate(t *testing.T, typ domain.ProposalType) (domain.GovernanceProposal, domain.Voting) {
	t.Helper()
	p := env.propose(t, typ)
	_, err := env.object("carl", p.ID)
	require.NoError(t, err)
	res, err := env.object("cora", p.ID)
	require.NoError(t, err)
	require.True(t, res.Escalated)
	return p, *res.Voting
}

func (env testEnv) vote(t *testing.T, votingID, voter, option string) domain.Vote {
	t.Helper()
	v, err := env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{TeamID: teamID, VotingID: votingID, VoterID: voter, Option: option})
	require.NoError(t, err)
	return v
}

func TestTiedVoteResolvesToApprove(t *testing.T) {
	env := newTestEnv(t)
	seedWeights(t, env)
	p, v := env.escalate(t, domain.ProposalPolicyChange)
	assert.Nil(t, v.ApprovalThresholdPct)

	env.vote(t, v.ID, "carl", engine.OptionApprove)
	env.vote(t, v.ID, "cora", engine.OptionReject)

	res, err := env.Engine.CloseVoting(env.Ctx, teamID, v.ID, steward)
	require.NoError(t, err)
	assert.Equal(t, domain.VotingCompleted, res.Voting.Status)
	require.NotNil(t, res.Voting.WinningOption)
	assert.Equal(t, engine.OptionApprove, *res.Voting.WinningOption, "ties go to the lexically first option")
	require.NotNil(t, res.Proposal)
	assert.Equal(t, p.ID, res.Proposal.ID)
	assert.Equal(t, domain.ProposalApproved, res.Proposal.Status)
}

func TestConstitutionalChallengeNeedsSupermajority(t *testing.T) {
	env := newTestEnv(t)
	seedWeights(t, env)
	_, v := env.escalate(t, domain.ProposalConstitutionalChallenge)
	require.NotNil(t, v.ApprovalThresholdPct)
	assert.InDelta(t, 66.67, *v.ApprovalThresholdPct, 1e-9)

	env.vote(t, v.ID, "carl", engine.OptionApprove)
	env.vote(t, v.ID, "cora", engine.OptionReject)

	res, err := env.Engine.CloseVoting(env.Ctx, teamID, v.ID, steward)
	require.NoError(t, err)
	assert.Equal(t, engine.OptionApprove, *res.Voting.WinningOption)
	assert.Equal(t, domain.ProposalRejected, res.Proposal.Status, "half the weight is below the constitutional threshold")
}

func TestVoteWeightIsStampedAtCastTime(t *testing.T) {
	env := newTestEnv(t)
	seedWeights(t, env)
	v, err := env.Engine.CreateVoting(env.Ctx, engine.VotingCreateOptions{
		TeamID: teamID, Title: "lunch", Options: []string{"tacos", "pizza"}, ClosesAt: env.clock.Add(time.Hour), ActorID: steward,
	})
	require.NoError(t, err)

	cast := env.vote(t, v.ID, "carl", "tacos")
	assert.Equal(t, 6.0, cast.Weight)

	_, err = env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{TeamID: teamID, VotingID: v.ID, VoterID: "carl", Option: "pizza"})
	assert.ErrorIs(t, err, engine.ErrAlreadyVoted)

	env.completeTask(t, 30, []string{"carl"}, []string{"rita", "rob"})
	w, err := env.Engine.Weight(env.Ctx, teamID, "carl")
	require.NoError(t, err)
	assert.Equal(t, 36.0, w.Weight)

	got, err := env.Engine.GetVoting(env.Ctx, teamID, v.ID)
	require.NoError(t, err)
	require.Len(t, got.Votes, 1)
	assert.Equal(t, 6.0, got.Votes[0].Weight)

	_, err = env.Engine.DB.ExecContext(env.Ctx, `UPDATE votes SET weight = 99`)
	assert.Error(t, err, "votes are immutable")

	env.vote(t, v.ID, "cora", "pizza")
	env.vote(t, v.ID, "cole", "pizza")
	res, err := env.Engine.CloseVoting(env.Ctx, teamID, v.ID, steward)
	require.NoError(t, err)
	assert.Equal(t, "pizza", *res.Voting.WinningOption, "6 vs 6 ties to pizza")
	assert.Equal(t, 6.0, res.Voting.Results["tacos"])
	assert.Nil(t, res.Proposal)
}

func TestCastVoteValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateVoting(env.Ctx, engine.VotingCreateOptions{
		TeamID: teamID, Title: "x", Options: []string{"a", "b"}, ClosesAt: env.clock.Add(time.Hour), ActorID: "carl",
	})
	assert.ErrorIs(t, err, engine.ErrPermission)
	_, err = env.Engine.CreateVoting(env.Ctx, engine.VotingCreateOptions{
		TeamID: teamID, Title: "x", Options: []string{"a", "a"}, ClosesAt: env.clock.Add(time.Hour), ActorID: steward,
	})
	assert.ErrorIs(t, err, engine.ErrValidation)

	v, err := env.Engine.CreateVoting(env.Ctx, engine.VotingCreateOptions{
		TeamID: teamID, Title: "x", Options: []string{"a", "b"}, ClosesAt: env.clock.Add(time.Hour), ActorID: steward,
	})
	require.NoError(t, err)

	_, err = env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{TeamID: teamID, VotingID: v.ID, VoterID: "carl", Option: "c"})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "unknown_option", verr.Code)

	_, err = env.Engine.CloseVoting(env.Ctx, teamID, v.ID, "carl")
	assert.ErrorIs(t, err, engine.ErrPermission, "only stewards close early")

	env.advance(2 * time.Hour)
	_, err = env.Engine.CastVote(env.Ctx, engine.CastVoteOptions{TeamID: teamID, VotingID: v.ID, VoterID: "carl", Option: "a"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "voting_closed", verr.Code)

	closed, err := env.Engine.CloseDueVotings(env.Ctx, teamID, "carl")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Nil(t, closed[0].Voting.WinningOption, "no votes, no winner")

	_, err = env.Engine.CloseVoting(env.Ctx, teamID, v.ID, steward)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestTally(t *testing.T) {
	results, winner := engine.Tally([]string{"b", "a", "c"}, []domain.Vote{
		{Option: "b", Weight: 4}, {Option: "a", Weight: 1}, {Option: "a", Weight: 3}, {Option: "c", Weight: 2},
	})
	assert.Equal(t, map[string]float64{"a": 4, "b": 4, "c": 2}, results)
	require.NotNil(t, winner)
	assert.Equal(t, "a", *winner)

	_, winner = engine.Tally([]string{"a", "b"}, []domain.Vote{{Option: "a", Weight: 0}})
	assert.Nil(t, winner)
}
