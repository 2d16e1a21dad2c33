package outbox

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
	"cookline/internal/notify"
	"cookline/internal/reconcile"
)

const teamID = "team-1"

type testEnv struct {
	Ctx        context.Context
	Engine     engine.Engine
	Board      *board.Memory
	Notes      *notify.Recorder
	Dispatcher *Dispatcher
	Logs       *bytes.Buffer
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	eng := engine.New(conn)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()

	cfg := config.Default(teamID)
	cfg.Sync.Enabled = true
	cfg.Sync.ProjectID = "p1"
	_, err = eng.InitTeam(ctx, engine.InitTeamOptions{ID: teamID, AdminID: "sam", Config: cfg})
	require.NoError(t, err)
	for user, role := range map[string]domain.Role{
		"rita": domain.RoleReviewer,
		"carl": domain.RoleContributor,
		"cora": domain.RoleContributor,
	} {
		_, err := eng.AddMember(ctx, teamID, "sam", user, role)
		require.NoError(t, err)
	}

	mem := board.NewMemory()
	mem.AddProject("p1",
		board.Column{ID: "c-backlog", Name: "Backlog"},
		board.Column{ID: "c-ready", Name: "Ready"},
		board.Column{ID: "c-progress", Name: "In Progress"},
		board.Column{ID: "c-review", Name: "Review"},
		board.Column{ID: "c-done", Name: "Done"},
	)
	logs := &bytes.Buffer{}
	rec := reconcile.New(eng, mem)
	rec.Log = log.New(logs, "", 0)
	notes := &notify.Recorder{}
	d := &Dispatcher{
		Repo:      eng.Repo,
		Consumers: Standard(eng, rec, notes),
		Log:       log.New(logs, "", 0),
		Metrics:   eng.Metrics,
		BatchSize: 3,
	}
	return testEnv{Ctx: ctx, Engine: eng, Board: mem, Notes: notes, Dispatcher: d, Logs: logs}
}

func (env testEnv) completeTask(t *testing.T, value float64) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		TeamID: teamID, Title: "ship it", Contributors: []string{"carl", "cora"}, Reviewers: []string{"rita"}, CookValue: &value, ActorID: "sam",
	})
	require.NoError(t, err)
	for _, to := range []domain.TaskState{domain.TaskReady, domain.TaskInProgress, domain.TaskReview} {
		task, err = env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: to, ActorID: "sam"})
		require.NoError(t, err)
	}
	res, err := env.Engine.ApproveReview(env.Ctx, engine.ReviewActionOptions{TeamID: teamID, TaskID: task.ID, ReviewerID: "rita"})
	require.NoError(t, err)
	require.True(t, res.Approved)
	return res.Task
}

func (env testEnv) report(t *testing.T, name string, reports []ConsumerReport) ConsumerReport {
	t.Helper()
	for _, r := range reports {
		if r.Consumer == name {
			return r
		}
	}
	t.Fatalf("no report for %s", name)
	return ConsumerReport{}
}

func TestDrainRunsStandardConsumers(t *testing.T) {
	env := newTestEnv(t)
	task := env.completeTask(t, 8)

	reports, err := env.Dispatcher.Drain(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, env.report(t, ConsumerWeight, reports).Handled)
	assert.Equal(t, 2, env.report(t, ConsumerAttestation, reports).Handled)

	weights, err := env.Engine.ListWeights(env.Ctx, teamID)
	require.NoError(t, err)
	require.Len(t, weights, 2)
	for _, w := range weights {
		assert.Equal(t, 4.0, w.Weight)
	}
	atts, err := env.Engine.ListAttestations(env.Ctx, "carl")
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, []string{"rita"}, atts[0].Reviewers)

	requested := env.Notes.For("rita")
	require.NotEmpty(t, requested)
	assert.Equal(t, events.ReviewStarted, requested[0].EventType)
	approved := env.Notes.For("cora")
	require.Len(t, approved, 1)
	assert.Equal(t, "Review approved", approved[0].Title)
	assert.Equal(t, "/tasks/"+task.ID, approved[0].ActionURL)

	again, err := env.Dispatcher.Drain(env.Ctx)
	require.NoError(t, err)
	for _, r := range again {
		assert.Zero(t, r.Handled, "%s resumed from its cursor", r.Consumer)
	}
	atts, err = env.Engine.ListAttestations(env.Ctx, "carl")
	require.NoError(t, err)
	assert.Len(t, atts, 1)
}

func TestFailingHandlerAdvancesCursor(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	env.Dispatcher.Consumers = []Consumer{{
		Name:  "flaky",
		Types: []string{events.MemberAdded},
		Handle: func(context.Context, domain.Event) error {
			calls++
			return errors.New("boom")
		},
	}}
	reports, err := env.Dispatcher.Drain(env.Ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 3, reports[0].Failed)
	assert.Equal(t, 3, calls)
	assert.Contains(t, env.Logs.String(), "outbox: flaky failed on event")

	cursor, err := env.Engine.Repo.GetCursor(env.Ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, reports[0].LastEvent, cursor)

	_, err = env.Dispatcher.Drain(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestSyncConsumerPushesCanonicalMoves(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TeamID: teamID, Title: "card", Contributors: []string{"carl"}, ActorID: "sam"})
	require.NoError(t, err)
	_, err = env.Engine.LinkExternal(env.Ctx, teamID, task.ID, "card-1", "c-backlog", "sam")
	require.NoError(t, err)
	env.Board.PlaceCard("card-1", "c-backlog")

	_, err = env.Engine.MoveTask(env.Ctx, engine.MoveOptions{TeamID: teamID, TaskID: task.ID, To: domain.TaskReady, ActorID: "sam"})
	require.NoError(t, err)
	_, err = env.Dispatcher.Drain(env.Ctx)
	require.NoError(t, err)
	col, ok := env.Board.CardColumn("card-1")
	require.True(t, ok)
	assert.Equal(t, "c-ready", col)
	require.Len(t, env.Board.Moves(), 1)

	res, err := env.Engine.ApplyExternalMove(env.Ctx, teamID, "card-1", "c-progress", domain.TaskInProgress)
	require.NoError(t, err)
	require.Equal(t, engine.ExternalMoveApplied, res.Outcome)
	_, err = env.Dispatcher.Drain(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, env.Board.Moves(), 1, "board-originated moves are not pushed back")
}

func TestUnauthorizedMovementNotifiesStewards(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{TeamID: teamID, Title: "card", Contributors: []string{"carl"}, ActorID: "sam"})
	require.NoError(t, err)
	_, err = env.Engine.LinkExternal(env.Ctx, teamID, task.ID, "card-9", "c-backlog", "sam")
	require.NoError(t, err)

	res, err := env.Engine.ApplyExternalMove(env.Ctx, teamID, "card-9", "c-done", domain.TaskDone)
	require.NoError(t, err)
	require.Equal(t, engine.ExternalMoveBlocked, res.Outcome)

	_, err = env.Dispatcher.Drain(env.Ctx)
	require.NoError(t, err)
	got := env.Notes.For("sam")
	var found bool
	for _, n := range got {
		if n.EventType == events.SyncUnauthorizedMovement {
			found = true
			assert.Contains(t, n.Message, "backlog -> done")
		}
	}
	assert.True(t, found, "steward notified of unauthorized movement")
	assert.Empty(t, env.Notes.For("carl"))
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.Dispatcher.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- env.Dispatcher.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
