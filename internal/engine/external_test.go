package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookline/internal/domain"
	"cookline/internal/engine"
	"cookline/internal/events"
	"cookline/internal/repo"
)

func (env testEnv) linkedTask(t *testing.T, cookValue float64, reviewers []string) domain.Task {
	t.Helper()
	task := env.createTask(t, ptr(cookValue), []string{"carl"}, reviewers)
	task, err := env.Engine.LinkExternal(env.Ctx, teamID, task.ID, "card-1", "col-backlog", steward)
	require.NoError(t, err)
	return task
}

func TestLinkExternalIsUniquePerTeam(t *testing.T) {
	env := newTestEnv(t)
	env.linkedTask(t, 5, []string{"rita"})
	other := env.createTask(t, ptr(5), []string{"cora"}, []string{"rita"})

	_, err := env.Engine.LinkExternal(env.Ctx, teamID, other.ID, "card-1", "col-backlog", steward)
	assert.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.LinkExternal(env.Ctx, teamID, other.ID, "card-2", "col-backlog", "carl")
	assert.ErrorIs(t, err, engine.ErrPermission)

	linked, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{TeamID: teamID, OnlyLinked: true})
	require.NoError(t, err)
	assert.Len(t, linked, 1)
}

func TestExternalMoveApplied(t *testing.T) {
	env := newTestEnv(t)
	env.linkedTask(t, 5, []string{"rita"})

	res, err := env.Engine.ApplyExternalMove(env.Ctx, teamID, "card-1", "col-ready", domain.TaskReady)
	require.NoError(t, err)
	assert.Equal(t, engine.ExternalMoveApplied, res.Outcome)
	assert.Equal(t, domain.TaskReady, res.Task.State)
	assert.Equal(t, "col-ready", res.Task.ExternalSync.ColumnID)

	res, err = env.Engine.ApplyExternalMove(env.Ctx, teamID, "card-1", "col-ready", domain.TaskReady)
	require.NoError(t, err)
	assert.Equal(t, engine.ExternalMoveSynced, res.Outcome)

	res, err = env.Engine.ApplyExternalMove(env.Ctx, teamID, "card-1", "col-ready-2", domain.TaskReady)
	require.NoError(t, err)
	assert.Equal(t, engine.ExternalMoveMetadata, res.Outcome)

	_, err = env.Engine.ApplyExternalMove(env.Ctx, teamID, "card-404", "col-ready", domain.TaskReady)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUnauthorizedMoveBlocksIssuance(t *testing.T) {
	env := newTestEnv(t)
	task := env.linkedTask(t, 5, []string{"rita"})

	res, err := env.Engine.ApplyExternalMove(env.Ctx, teamID, "card-1", "col-done", domain.TaskDone)
	require.NoError(t, err)
	assert.Equal(t, engine.ExternalMoveBlocked, res.Outcome)
	assert.Equal(t, domain.TaskBacklog, res.Task.State, "canonical state is unchanged")
	require.True(t, res.Task.MovementBlocked())
	assert.Equal(t, domain.TaskDone, res.Task.ExternalSync.UnauthorizedMovement.AttemptedState)

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{TeamID: teamID, Types: []string{events.SyncUnauthorizedMovement}})
	require.NoError(t, err)
	assert.Len(t, evts, 1)

	task = env.moveTo(t, task, domain.TaskReady, domain.TaskInProgress, domain.TaskReview)
	approval, err := env.Engine.ApproveReview(env.Ctx, engine.ReviewActionOptions{TeamID: teamID, TaskID: task.ID, ReviewerID: "rita"})
	require.NoError(t, err)
	require.True(t, approval.Approved)
	require.Len(t, approval.Issued, 1)
	var berr engine.BlockedByPolicyError
	require.ErrorAs(t, approval.Issued[0].Err, &berr)
	assert.Equal(t, engine.PolicyUnauthorizedMovement, berr.Policy)

	_, err = env.Engine.ClearUnauthorizedMovement(env.Ctx, teamID, task.ID, "carl")
	assert.ErrorIs(t, err, engine.ErrPermission)
	cleared, err := env.Engine.ClearUnauthorizedMovement(env.Ctx, teamID, task.ID, steward)
	require.NoError(t, err)
	assert.False(t, cleared.Task.MovementBlocked())
	require.Len(t, cleared.Issued, 1, "clearing retries issuance for the approved task")
	require.NoError(t, cleared.Issued[0].Err)
	assert.Equal(t, 5.0, cleared.Issued[0].Entry.CookValue)
	_, err = env.Engine.ClearUnauthorizedMovement(env.Ctx, teamID, task.ID, steward)
	assert.ErrorIs(t, err, engine.ErrValidation)

	entries, err := env.Engine.ListLedger(env.Ctx, repo.LedgerFilters{TeamID: teamID, TaskID: task.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestClearBeforeApprovalIssuesNothing(t *testing.T) {
	env := newTestEnv(t)
	task := env.linkedTask(t, 5, []string{"rita"})
	_, err := env.Engine.ApplyExternalMove(env.Ctx, teamID, "card-1", "col-done", domain.TaskDone)
	require.NoError(t, err)

	cleared, err := env.Engine.ClearUnauthorizedMovement(env.Ctx, teamID, task.ID, steward)
	require.NoError(t, err)
	assert.False(t, cleared.Task.MovementBlocked())
	assert.Empty(t, cleared.Issued)
}

func TestExternalMoveIntoReviewNeedsReviewers(t *testing.T) {
	env := newTestEnv(t)
	task := env.linkedTask(t, 60, []string{"rita"})
	env.moveTo(t, task, domain.TaskReady, domain.TaskInProgress)

	res, err := env.Engine.ApplyExternalMove(env.Ctx, teamID, "card-1", "col-review", domain.TaskReview)
	require.NoError(t, err)
	assert.Equal(t, engine.ExternalMoveBlocked, res.Outcome)
	assert.Contains(t, res.Reason, "3 reviewers")
	assert.Equal(t, domain.TaskInProgress, res.Task.State)
}

func TestRecordSyncRequiresLink(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, ptr(5), []string{"carl"}, []string{"rita"})
	assert.ErrorIs(t, env.Engine.RecordSync(env.Ctx, teamID, task.ID, "col"), engine.ErrValidation)

	linked := env.linkedTask(t, 5, []string{"rita"})
	require.NoError(t, env.Engine.RecordSync(env.Ctx, teamID, linked.ID, "col-ready"))
	got, err := env.Engine.GetTask(env.Ctx, teamID, linked.ID)
	require.NoError(t, err)
	assert.Equal(t, "col-ready", got.ExternalSync.ColumnID)
}
