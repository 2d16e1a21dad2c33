package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookline/internal/db"
	"cookline/internal/domain"
	"cookline/internal/engine"
	"cookline/internal/migrate"
	"cookline/internal/repo"
)

const (
	teamID  = "team-1"
	admin   = "alice"
	steward = "sam"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng := engine.New(conn)
	eng.Now = func() time.Time { return clock }
	env := testEnv{Engine: eng, Ctx: context.Background(), clock: &clock}

	_, err = eng.InitTeam(env.Ctx, engine.InitTeamOptions{ID: teamID, Name: "test", AdminID: admin})
	require.NoError(t, err)
	members := map[string]domain.Role{
		steward: domain.RoleSteward,
		"rita":  domain.RoleReviewer,
		"rob":   domain.RoleReviewer,
		"ray":   domain.RoleReviewer,
		"carl":  domain.RoleContributor,
		"cora":  domain.RoleContributor,
		"cole":  domain.RoleContributor,
	}
	for user, role := range members {
		_, err := eng.AddMember(env.Ctx, teamID, admin, user, role)
		require.NoError(t, err)
	}
	return env
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func ptr(v float64) *float64 { return &v }

func (env testEnv) createTask(t *testing.T, cookValue *float64, contributors, reviewers []string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID:       teamID,
		Title:        "work",
		Contributors: contributors,
		Reviewers:    reviewers,
		CookValue:    cookValue,
		ActorID:      steward,
	})
	require.NoError(t, err)
	return task
}

func (env testEnv) moveTo(t *testing.T, task domain.Task, states ...domain.TaskState) domain.Task {
	t.Helper()
	for _, to := range states {
		var err error
		task, err = env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: to, ActorID: steward})
		require.NoError(t, err, "move to %s", to)
	}
	return task
}

func (env testEnv) taskInReview(t *testing.T, cookValue *float64, contributors, reviewers []string) domain.Task {
	t.Helper()
	task := env.createTask(t, cookValue, contributors, reviewers)
	return env.moveTo(t, task, domain.TaskReady, domain.TaskInProgress, domain.TaskReview)
}

// completeTask drives a task through review and returns the approval that finished it.
func (env testEnv) completeTask(t *testing.T, cookValue float64, contributors, reviewers []string) engine.ApprovalResult {
	t.Helper()
	task := env.taskInReview(t, ptr(cookValue), contributors, reviewers)
	for _, r := range reviewers {
		res, err := env.Engine.ApproveReview(env.Ctx, engine.ReviewActionOptions{TeamID: teamID, TaskID: task.ID, ReviewerID: r})
		require.NoError(t, err)
		if res.Approved {
			return res
		}
	}
	t.Fatalf("task %s never reached approval", task.ID)
	return engine.ApprovalResult{}
}

func TestInitTeamRejectsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.InitTeam(env.Ctx, engine.InitTeamOptions{ID: teamID, AdminID: admin})
	assert.ErrorIs(t, err, engine.ErrValidation)

	cfg, err := env.Engine.TeamConfig(env.Ctx, teamID)
	require.NoError(t, err)
	assert.Equal(t, teamID, cfg.Team.ID)
}

func TestAddMemberPermissions(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AddMember(env.Ctx, teamID, "carl", "dan", domain.RoleContributor)
	assert.ErrorIs(t, err, engine.ErrPermission)

	_, err = env.Engine.AddMember(env.Ctx, teamID, steward, "dan", domain.RoleAdmin)
	var perr engine.PermissionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{"admin"}, perr.Required)

	m, err := env.Engine.AddMember(env.Ctx, teamID, steward, "dan", domain.RoleReviewer)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleReviewer, m.Role)
}

func TestCreateTaskRequiresMember(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TeamID: teamID, Title: "x", ActorID: "mallory"})
	assert.ErrorIs(t, err, engine.ErrPermission)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TeamID: "nope", Title: "x", ActorID: steward})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TeamID: teamID, Title: " ", ActorID: steward})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "title", verr.Field)
}

func TestTaskLifecycleRejectsSkippedStates(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, ptr(5), []string{"carl"}, []string{"rita"})

	_, err := env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: domain.TaskDone, ActorID: steward})
	var terr engine.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "backlog", terr.From)
	assert.Equal(t, []string{"ready"}, terr.Allowed)

	got, err := env.Engine.GetTask(env.Ctx, teamID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskBacklog, got.State, "rejected move must not change state")

	same, err := env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: domain.TaskBacklog, ActorID: steward})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskBacklog, same.State)
}

func TestMovePermissions(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, ptr(5), []string{"carl"}, []string{"rita"})

	_, err := env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: domain.TaskReady, ActorID: "cora"})
	assert.ErrorIs(t, err, engine.ErrPermission, "non-contributor may not move")

	task, err = env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: domain.TaskReady, ActorID: "carl"})
	require.NoError(t, err)
	task, err = env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: domain.TaskInProgress, ActorID: "carl"})
	require.NoError(t, err)

	_, err = env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: domain.TaskReview, ActorID: "carl"})
	assert.ErrorIs(t, err, engine.ErrPermission, "contributors cannot submit their own work to review")

	task, err = env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: domain.TaskReview, ActorID: "rita"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskReview, task.State)
}

func TestInsufficientReviewersForLargeCook(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, ptr(60), []string{"carl"}, []string{"rita", "rob"})
	task = env.moveTo(t, task, domain.TaskReady, domain.TaskInProgress)

	_, err := env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: domain.TaskReview, ActorID: steward})
	var rerr engine.InsufficientReviewersError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 3, rerr.Required)
	assert.Equal(t, 2, rerr.Assigned)

	got, err := env.Engine.GetTask(env.Ctx, teamID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, got.State)
	_, err = env.Engine.GetReview(env.Ctx, teamID, task.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound, "no review is created by a rejected move")
}

func TestReviewRequiresCookOrExplicitZero(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, nil, []string{"carl"}, []string{"rita"})
	task = env.moveTo(t, task, domain.TaskReady, domain.TaskInProgress)

	_, err := env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: domain.TaskReview, ActorID: steward})
	assert.ErrorIs(t, err, engine.ErrValidation)

	task, err = env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: domain.TaskReview, ActorID: steward, AcceptZeroCook: true})
	require.NoError(t, err)
	assert.Equal(t, domain.CookLocked, task.CookState)

	res, err := env.Engine.ApproveReview(env.Ctx, engine.ReviewActionOptions{TeamID: teamID, TaskID: task.ID, ReviewerID: "rita"})
	require.NoError(t, err)
	require.True(t, res.Approved)
	require.Len(t, res.Issued, 1)
	assert.ErrorIs(t, res.Issued[0].Err, engine.ErrValidation, "zero COOK issues nothing")
}

func TestCookStateIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, nil, []string{"carl"}, []string{"rita"})
	assert.Equal(t, domain.CookDraft, task.CookState)

	task, err := env.Engine.SetCook(env.Ctx, engine.SetCookOptions{TeamID: teamID, TaskID: task.ID, ActorID: "carl", Value: ptr(8)})
	require.NoError(t, err)
	assert.Equal(t, domain.CookProvisional, task.CookState)

	task, err = env.Engine.SetCook(env.Ctx, engine.SetCookOptions{TeamID: teamID, TaskID: task.ID, ActorID: "carl", Value: ptr(4), Attribution: domain.AttributionSpend})
	require.NoError(t, err)
	assert.Equal(t, 4.0, *task.CookValue)
	assert.Equal(t, domain.AttributionSpend, task.CookAttribution)

	_, err = env.Engine.SetCook(env.Ctx, engine.SetCookOptions{TeamID: teamID, TaskID: task.ID, ActorID: "cora", Value: ptr(1)})
	assert.ErrorIs(t, err, engine.ErrPermission)

	task = env.moveTo(t, task, domain.TaskReady, domain.TaskInProgress, domain.TaskReview)
	assert.Equal(t, domain.CookLocked, task.CookState)

	_, err = env.Engine.SetCook(env.Ctx, engine.SetCookOptions{TeamID: teamID, TaskID: task.ID, ActorID: steward, Value: ptr(100)})
	var terr engine.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "cook", terr.Entity)

	res, err := env.Engine.ApproveReview(env.Ctx, engine.ReviewActionOptions{TeamID: teamID, TaskID: task.ID, ReviewerID: "rita"})
	require.NoError(t, err)
	assert.Equal(t, domain.CookFinal, res.Task.CookState)
	assert.Equal(t, 4.0, *res.Task.CookValue, "locked value is what gets finalized")
}

func TestAssignFreezesContributorsInReview(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, ptr(5), []string{"carl"}, []string{"rita"})
	task, err := env.Engine.AssignTask(env.Ctx, engine.TaskAssignOptions{
		TeamID: teamID, TaskID: task.ID, ActorID: "carl", AddContributors: []string{"cora"}, AddReviewers: []string{"rob"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"carl", "cora"}, task.Contributors)
	assert.Equal(t, []string{"rita", "rob"}, task.Reviewers)

	task = env.moveTo(t, task, domain.TaskReady, domain.TaskInProgress, domain.TaskReview)
	_, err = env.Engine.AssignTask(env.Ctx, engine.TaskAssignOptions{TeamID: teamID, TaskID: task.ID, ActorID: steward, AddContributors: []string{"cole"}})
	assert.ErrorIs(t, err, engine.ErrValidation)

	task, err = env.Engine.AssignTask(env.Ctx, engine.TaskAssignOptions{TeamID: teamID, TaskID: task.ID, ActorID: steward, AddReviewers: []string{"ray"}})
	require.NoError(t, err)
	assert.Contains(t, task.Reviewers, "ray")
}

func TestArchivedTaskCannotMove(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, ptr(5), []string{"carl"}, []string{"rita"})
	_, err := env.Engine.ArchiveTask(env.Ctx, teamID, task.ID, "carl")
	assert.ErrorIs(t, err, engine.ErrPermission)

	task, err = env.Engine.ArchiveTask(env.Ctx, teamID, task.ID, steward)
	require.NoError(t, err)
	assert.True(t, task.Archived)

	_, err = env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: domain.TaskReady, ActorID: steward})
	var berr engine.BlockedByPolicyError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, engine.PolicyTaskArchived, berr.Policy)

	list, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{TeamID: teamID})
	require.NoError(t, err)
	assert.Empty(t, list)
	list, err = env.Engine.ListTasks(env.Ctx, repo.TaskFilters{TeamID: teamID, IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListTasksByPeople(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, ptr(5), []string{"carl"}, []string{"rita"})
	env.createTask(t, ptr(5), []string{"cora"}, []string{"rob"})

	mine, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{TeamID: teamID, Contributor: "carl"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, []string{"carl"}, mine[0].Contributors)

	toReview, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{TeamID: teamID, Reviewer: "rob"})
	require.NoError(t, err)
	require.Len(t, toReview, 1)

	_, err = env.Engine.ListTasks(env.Ctx, repo.TaskFilters{TeamID: teamID, State: "qa"})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestErrorsMatchSentinels(t *testing.T) {
	var err error = engine.NotFoundError{Entity: "task", ID: "x"}
	assert.True(t, errors.Is(err, repo.ErrNotFound))
	err = engine.ExternalServiceError{Service: "board", Err: errors.New("boom")}
	assert.ErrorIs(t, err, engine.ErrExternalService)
	assert.Contains(t, err.Error(), "boom")
}
