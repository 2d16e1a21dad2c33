package reconcile

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookline/internal/board"
	"cookline/internal/config"
	"cookline/internal/db"
	"cookline/internal/domain"
	"cookline/internal/engine"
	"cookline/internal/events"
	"cookline/internal/migrate"
	"cookline/internal/repo"
)

const (
	teamID  = "team-1"
	steward = "sam"
)

type testEnv struct {
	Ctx    context.Context
	Engine engine.Engine
	Board  *board.Memory
	Rec    *Reconciler
	Logs   *bytes.Buffer
	clock  *time.Time
}

func newTestEnv(t *testing.T, tweak func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := engine.New(conn)
	eng.Now = func() time.Time { return clock }

	cfg := config.Default(teamID)
	cfg.Sync.Enabled = true
	cfg.Sync.ProjectID = "p1"
	if tweak != nil {
		tweak(cfg)
	}
	ctx := context.Background()
	_, err = eng.InitTeam(ctx, engine.InitTeamOptions{ID: teamID, AdminID: steward, Config: cfg})
	require.NoError(t, err)

	mem := board.NewMemory()
	mem.AddProject("p1",
		board.Column{ID: "c-backlog", Name: "Backlog"},
		board.Column{ID: "c-ready", Name: "Ready"},
		board.Column{ID: "c-progress", Name: "In Progress"},
		board.Column{ID: "c-review", Name: "Review"},
		board.Column{ID: "c-done", Name: "Done"},
		board.Column{ID: "c-parking", Name: "Parking Lot"},
	)
	logs := &bytes.Buffer{}
	rec := New(eng, mem)
	rec.Log = log.New(logs, "", 0)
	return testEnv{Ctx: ctx, Engine: eng, Board: mem, Rec: rec, Logs: logs, clock: &clock}
}

func (env testEnv) advance(d time.Duration) { *env.clock = env.clock.Add(d) }

func (env testEnv) linkedTask(t *testing.T) domain.Task {
	t.Helper()
	v := 5.0
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID: teamID, Title: "card", Contributors: []string{steward}, Reviewers: []string{"rita"}, CookValue: &v, ActorID: steward,
	})
	require.NoError(t, err)
	task, err = env.Engine.LinkExternal(env.Ctx, teamID, task.ID, "card-1", "c-backlog", steward)
	require.NoError(t, err)
	env.Board.PlaceCard("card-1", "c-backlog")
	return task
}

func (env testEnv) move(t *testing.T, task domain.Task, to domain.TaskState) domain.Task {
	t.Helper()
	task, err := env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: to, ActorID: steward})
	require.NoError(t, err)
	return task
}

func (env testEnv) queue(t *testing.T) []domain.SyncQueueItem {
	t.Helper()
	items, err := env.Engine.Repo.ListSyncQueue(env.Ctx, teamID, "")
	require.NoError(t, err)
	return items
}

func TestPushTaskMovesCard(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.move(t, env.linkedTask(t), domain.TaskReady)

	res, err := env.Rec.PushTask(env.Ctx, teamID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, PushPushed, res.Outcome)
	assert.Equal(t, "c-ready", res.ColumnID)

	col, _ := env.Board.CardColumn("card-1")
	assert.Equal(t, "c-ready", col)
	got, err := env.Engine.GetTask(env.Ctx, teamID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "c-ready", got.ExternalSync.ColumnID)
}

func TestPushTaskSkipsWhenSyncDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Sync.Enabled = false; c.Sync.ProjectID = "" })
	task := env.linkedTask(t)
	res, err := env.Rec.PushTask(env.Ctx, teamID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, PushSkipped, res.Outcome)
	assert.Empty(t, env.Board.Moves())
}

func TestPushFailureIsQueuedAndRetried(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.move(t, env.linkedTask(t), domain.TaskReady)
	env.Board.FailNext(1, errors.New("connection refused"))

	res, err := env.Rec.PushTask(env.Ctx, teamID, task.ID)
	require.NoError(t, err, "board failures never reach the caller")
	assert.Equal(t, PushQueued, res.Outcome)
	items := env.queue(t)
	require.Len(t, items, 1)
	assert.Equal(t, "2026-03-01T12:01:00Z", items[0].NextAttemptAt)

	rep, err := env.Rec.ProcessQueue(env.Ctx, teamID)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Attempted, "nothing is due yet")

	env.advance(time.Minute)
	rep, err = env.Rec.ProcessQueue(env.Ctx, teamID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Empty(t, env.queue(t))
	col, _ := env.Board.CardColumn("card-1")
	assert.Equal(t, "c-ready", col)
}

func TestQueueDropsAfterMaxRetries(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Sync.MaxRetries = 1; c.Sync.FailureThreshold = 100 })
	task := env.move(t, env.linkedTask(t), domain.TaskReady)
	env.Board.FailNext(10, errors.New("timeout"))

	_, err := env.Rec.PushTask(env.Ctx, teamID, task.ID)
	require.NoError(t, err)

	env.advance(time.Minute)
	rep, err := env.Rec.ProcessQueue(env.Ctx, teamID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Rescheduled)
	items := env.queue(t)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.Equal(t, "2026-03-01T12:03:00Z", items[0].NextAttemptAt)

	env.advance(2 * time.Minute)
	rep, err = env.Rec.ProcessQueue(env.Ctx, teamID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dropped)
	assert.Empty(t, env.queue(t))

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{TeamID: teamID, Types: []string{events.SyncDropped}})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
	assert.Contains(t, env.Logs.String(), "dropping move_card")
}

func TestOpenBreakerQueuesWithoutCallingBoard(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Sync.FailureThreshold = 1 })
	task := env.move(t, env.linkedTask(t), domain.TaskReady)
	env.Board.FailNext(1, errors.New("down"))

	_, err := env.Rec.PushTask(env.Ctx, teamID, task.ID)
	require.NoError(t, err)
	res, err := env.Rec.PushTask(env.Ctx, teamID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, PushQueued, res.Outcome)
	assert.Equal(t, "circuit open", res.Error)
	assert.Len(t, env.queue(t), 2)
	assert.Empty(t, env.Board.Moves())
}

func TestHandleExternalMove(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.linkedTask(t)

	res, err := env.Rec.HandleExternalMove(env.Ctx, teamID, "card-1", "c-parking")
	require.NoError(t, err)
	assert.Equal(t, engine.ExternalMoveIgnored, res.Outcome)

	res, err = env.Rec.HandleExternalMove(env.Ctx, teamID, "card-1", "c-nowhere")
	require.NoError(t, err)
	assert.Equal(t, engine.ExternalMoveIgnored, res.Outcome)

	res, err = env.Rec.HandleExternalMove(env.Ctx, teamID, "card-9", "c-ready")
	require.NoError(t, err)
	assert.Equal(t, engine.ExternalMoveIgnored, res.Outcome)

	res, err = env.Rec.HandleExternalMove(env.Ctx, teamID, "card-1", "c-ready")
	require.NoError(t, err)
	assert.Equal(t, engine.ExternalMoveApplied, res.Outcome)
	assert.Equal(t, domain.TaskReady, res.Task.State)

	res, err = env.Rec.HandleExternalMove(env.Ctx, teamID, "card-1", "c-done")
	require.NoError(t, err)
	assert.Equal(t, engine.ExternalMoveBlocked, res.Outcome)
	got, err := env.Engine.GetTask(env.Ctx, teamID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskReady, got.State)
	assert.True(t, got.MovementBlocked())
}

func TestDetectDesyncAndReconcile(t *testing.T) {
	env := newTestEnv(t, nil)
	env.move(t, env.linkedTask(t), domain.TaskReady)

	found, err := env.Rec.DetectDesync(env.Ctx, teamID, false)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, domain.TaskBacklog, found[0].BoardState)
	assert.Equal(t, domain.TaskReady, found[0].CanonicalState)
	assert.Nil(t, found[0].Pushed)

	found, err = env.Rec.DetectDesync(env.Ctx, teamID, true)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.NotNil(t, found[0].Pushed)
	assert.Equal(t, PushPushed, found[0].Pushed.Outcome)

	found, err = env.Rec.DetectDesync(env.Ctx, teamID, false)
	require.NoError(t, err)
	assert.Empty(t, found)
}

// countingBoard counts the calls that reach the wrapped board.
type countingBoard struct {
	board.Board
	calls int
}

func (c *countingBoard) GetColumns(ctx context.Context, projectID string) ([]board.Column, error) {
	c.calls++
	return c.Board.GetColumns(ctx, projectID)
}

func (c *countingBoard) GetColumn(ctx context.Context, columnID string) (board.Column, error) {
	c.calls++
	return c.Board.GetColumn(ctx, columnID)
}

func (c *countingBoard) MoveCard(ctx context.Context, cardID, columnID, position string) error {
	c.calls++
	return c.Board.MoveCard(ctx, cardID, columnID, position)
}

func TestOpenBreakerGuardsEveryBoardCall(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Sync.FailureThreshold = 1 })
	task := env.move(t, env.linkedTask(t), domain.TaskReady)
	env.Board.FailNext(1, errors.New("connection refused"))
	_, err := env.Rec.PushTask(env.Ctx, teamID, task.ID)
	require.NoError(t, err)
	st, err := env.Rec.breaker(teamID, config.Default(teamID).Sync).State(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, domain.BreakerOpen, st.State)

	counter := &countingBoard{Board: env.Board}
	env.Rec.Board = counter

	res, err := env.Rec.HandleExternalMove(env.Ctx, teamID, "card-1", "c-ready")
	require.NoError(t, err)
	assert.Equal(t, engine.ExternalMoveDeferred, res.Outcome)

	found, err := env.Rec.DetectDesync(env.Ctx, teamID, true)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "circuit open", found[0].Skipped)
	assert.Nil(t, found[0].Pushed)
	assert.Equal(t, 0, counter.calls, "open circuit keeps calls off the board")

	env.advance(time.Minute)
	res, err = env.Rec.HandleExternalMove(env.Ctx, teamID, "card-1", "c-ready")
	require.NoError(t, err)
	assert.Equal(t, engine.ExternalMoveMetadata, res.Outcome)
	assert.Equal(t, 1, counter.calls)
	st, err = env.Rec.breaker(teamID, config.Default(teamID).Sync).State(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerClosed, st.State, "successful probe closes the breaker")
}

func TestTransientBoardFailureDefersExternalMove(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.linkedTask(t)
	env.Board.FailNext(2, errors.New("timeout"))

	res, err := env.Rec.HandleExternalMove(env.Ctx, teamID, "card-1", "c-ready")
	require.NoError(t, err)
	assert.Equal(t, engine.ExternalMoveDeferred, res.Outcome)

	found, err := env.Rec.DetectDesync(env.Ctx, teamID, false)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Contains(t, found[0].Skipped, "timeout")

	st, err := env.Rec.breaker(teamID, config.Default(teamID).Sync).State(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.FailureCount)
	assert.Equal(t, domain.BreakerClosed, st.State)

	got, err := env.Engine.GetTask(env.Ctx, teamID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskBacklog, got.State, "deferred moves leave canonical state alone")
}
