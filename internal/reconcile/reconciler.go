// Package reconcile keeps an external board in step with canonical task state.
// Every board call goes through the team's circuit breaker. Outbound pushes never
// fail the caller: board trouble is absorbed by a persisted retry queue.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"cookline/internal/board"
	"cookline/internal/config"
	"cookline/internal/domain"
	"cookline/internal/engine"
	"cookline/internal/repo"
)

const OpMoveCard = "move_card"

// Push outcomes.
const (
	PushSkipped  = "skipped"
	PushPushed   = "pushed"
	PushQueued   = "queued"
	PushNoColumn = "no_column"
	PushFailed   = "failed"
)

type Reconciler struct {
	Engine engine.Engine
	Board  board.Board
	Log    *log.Logger
	Now    func() time.Time
}

func New(eng engine.Engine, b board.Board) *Reconciler {
	return &Reconciler{Engine: eng, Board: b, Log: log.Default(), Now: eng.Now}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconciler) logf(format string, args ...any) {
	l := r.Log
	if l == nil {
		l = log.Default()
	}
	l.Printf("sync: "+format, args...)
}

func (r *Reconciler) breaker(teamID string, cfg config.SyncConfig) Breaker {
	return Breaker{
		Repo:      r.Engine.Repo,
		TeamID:    teamID,
		Name:      BoardBreaker,
		Threshold: cfg.FailureThreshold,
		Cooldown:  cfg.Cooldown(),
		Now:       r.now,
		Metrics:   r.Engine.Metrics,
	}
}

// Status is the board breaker and the pending retry queue of a team.
type Status struct {
	Breaker domain.CircuitBreakerState `json:"breaker"`
	Queue   []domain.SyncQueueItem     `json:"queue"`
}

func (r *Reconciler) Status(ctx context.Context, teamID string) (Status, error) {
	cfg, err := r.Engine.TeamConfig(ctx, teamID)
	if err != nil {
		return Status{}, err
	}
	state, err := r.breaker(teamID, cfg.Sync).State(ctx)
	if err != nil {
		return Status{}, err
	}
	queue, err := r.Engine.Repo.ListSyncQueue(ctx, teamID, "")
	if err != nil {
		return Status{}, err
	}
	if queue == nil {
		queue = []domain.SyncQueueItem{}
	}
	return Status{Breaker: state, Queue: queue}, nil
}

var errCircuitOpen = errors.New("circuit open")

// call runs one board request behind the breaker. An open circuit returns
// errCircuitOpen without calling; board failures come back as
// ExternalServiceError. Only transient failures count against the breaker.
func (r *Reconciler) call(ctx context.Context, br Breaker, fn func() error) error {
	allowed, err := br.CanExecute(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		return errCircuitOpen
	}
	cerr := fn()
	if board.IsTransient(cerr) {
		if err := br.RecordFailure(ctx); err != nil {
			return err
		}
	} else if err := br.RecordSuccess(ctx); err != nil {
		return err
	}
	if cerr != nil {
		return engine.ExternalServiceError{Service: "board", Err: cerr}
	}
	return nil
}

// unavailable reports whether err means the board could not be reached right now.
func unavailable(err error) bool {
	return errors.Is(err, errCircuitOpen) || (errors.Is(err, engine.ErrExternalService) && board.IsTransient(err))
}

type PushResult struct {
	TaskID   string `json:"task_id"`
	Outcome  string `json:"outcome"`
	ColumnID string `json:"column_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PushTask moves the task's card to the column of its canonical state. The error
// return covers only local failures (store, config); board failures are queued.
func (r *Reconciler) PushTask(ctx context.Context, teamID, taskID string) (PushResult, error) {
	res := PushResult{TaskID: taskID}
	task, cfg, ok, err := r.pushable(ctx, teamID, taskID)
	if err != nil || !ok {
		res.Outcome = PushSkipped
		return res, err
	}
	col, err := r.move(ctx, r.breaker(teamID, cfg.Sync), task, cfg)
	switch {
	case err == nil:
		res.Outcome = PushPushed
		res.ColumnID = col
		return res, nil
	case errors.Is(err, errNoColumn):
		r.logf("task %s: no board column for state %s", task.ID, task.State)
		res.Outcome = PushNoColumn
		return res, nil
	case unavailable(err):
		res.Outcome = PushQueued
		res.Error = err.Error()
		return res, r.enqueue(ctx, task, err.Error())
	case errors.Is(err, engine.ErrExternalService):
		r.logf("task %s: push failed: %v", task.ID, err)
		res.Outcome = PushFailed
		res.Error = err.Error()
		return res, nil
	}
	return res, err
}

var errNoColumn = fmt.Errorf("no column for state: %w", board.ErrUnknownColumn)

// pushable loads a task and its team config and reports whether it is linked and sync is on.
func (r *Reconciler) pushable(ctx context.Context, teamID, taskID string) (domain.Task, *config.Config, bool, error) {
	cfg, err := r.Engine.TeamConfig(ctx, teamID)
	if err != nil {
		return domain.Task{}, nil, false, err
	}
	task, err := r.Engine.GetTask(ctx, teamID, taskID)
	if err != nil {
		return domain.Task{}, nil, false, err
	}
	if !cfg.Sync.Enabled || task.ExternalSync == nil || task.ExternalSync.ItemID == "" {
		return task, cfg, false, nil
	}
	return task, cfg, true, nil
}

// move resolves the target column and moves the card, recording the column on success.
func (r *Reconciler) move(ctx context.Context, br Breaker, task domain.Task, cfg *config.Config) (string, error) {
	var cols []board.Column
	err := r.call(ctx, br, func() (err error) {
		cols, err = r.Board.GetColumns(ctx, cfg.Sync.ProjectID)
		return err
	})
	if err != nil {
		return "", err
	}
	col, ok := board.ColumnForState(task.State, cols, cfg.Sync.Columns)
	if !ok {
		return "", errNoColumn
	}
	if err := r.call(ctx, br, func() error {
		return r.Board.MoveCard(ctx, task.ExternalSync.ItemID, col.ID, board.PositionTop)
	}); err != nil {
		return "", err
	}
	if err := r.Engine.RecordSync(ctx, task.TeamID, task.ID, col.ID); err != nil {
		return col.ID, err
	}
	return col.ID, nil
}

func (r *Reconciler) enqueue(ctx context.Context, task domain.Task, reason string) error {
	now := r.now()
	item := domain.SyncQueueItem{
		ID:            uuid.NewString(),
		TeamID:        task.TeamID,
		TaskID:        task.ID,
		Op:            OpMoveCard,
		CardID:        task.ExternalSync.ItemID,
		Position:      board.PositionTop,
		NextAttemptAt: now.Add(RetryDelay(0)).Format(time.RFC3339),
		LastError:     reason,
		CreatedAt:     now.Format(time.RFC3339),
	}
	if err := r.Engine.Repo.EnqueueSync(ctx, nil, item); err != nil {
		return fmt.Errorf("enqueue sync: %w", err)
	}
	r.Engine.Metrics.SyncEnqueued(ctx, task.TeamID)
	return nil
}

type QueueReport struct {
	Attempted   int `json:"attempted"`
	Succeeded   int `json:"succeeded"`
	Rescheduled int `json:"rescheduled"`
	Dropped     int `json:"dropped"`
	Remaining   int `json:"remaining"`
}

// ProcessQueue retries due items in order. The target column is recomputed from the
// task's current state, so a queued push never reverts newer canonical state.
func (r *Reconciler) ProcessQueue(ctx context.Context, teamID string) (QueueReport, error) {
	var rep QueueReport
	cfg, err := r.Engine.TeamConfig(ctx, teamID)
	if err != nil {
		return rep, err
	}
	items, err := r.Engine.Repo.ListSyncQueue(ctx, teamID, r.now().Format(time.RFC3339))
	if err != nil {
		return rep, err
	}
	br := r.breaker(teamID, cfg.Sync)
	for i, item := range items {
		task, _, ok, err := r.pushable(ctx, teamID, item.TaskID)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && !ok) {
			rep.Attempted++
			if err := r.Engine.Repo.DeleteSync(ctx, nil, item.ID); err != nil {
				return rep, err
			}
			continue
		}
		if err != nil {
			return rep, err
		}
		_, err = r.move(ctx, br, task, cfg)
		if errors.Is(err, errCircuitOpen) {
			rep.Remaining = len(items) - i
			break
		}
		rep.Attempted++
		if err == nil {
			if err := r.Engine.Repo.DeleteSync(ctx, nil, item.ID); err != nil {
				return rep, err
			}
			rep.Succeeded++
			continue
		}
		if !errors.Is(err, errNoColumn) && !errors.Is(err, engine.ErrExternalService) {
			return rep, err
		}
		retries := item.RetryCount + 1
		if retries > cfg.Sync.MaxRetries || !board.IsTransient(err) {
			item.RetryCount = retries
			r.logf("dropping %s for task %s after %d attempts: %v", item.Op, item.TaskID, retries, err)
			if derr := r.Engine.DropSync(ctx, item, err.Error()); derr != nil {
				return rep, derr
			}
			rep.Dropped++
			continue
		}
		next := r.now().Add(RetryDelay(retries)).Format(time.RFC3339)
		if err := r.Engine.Repo.RescheduleSync(ctx, nil, item.ID, retries, next, err.Error()); err != nil {
			return rep, err
		}
		rep.Rescheduled++
	}
	return rep, nil
}

// HandleExternalMove reconciles a card moved on the board. Columns that map to no
// state and cards linked to no task are ignored. When the board cannot be reached
// the move is deferred and canonical state is left alone.
func (r *Reconciler) HandleExternalMove(ctx context.Context, teamID, itemID, columnID string) (engine.ExternalMoveResult, error) {
	cfg, err := r.Engine.TeamConfig(ctx, teamID)
	if err != nil {
		return engine.ExternalMoveResult{}, err
	}
	var col board.Column
	err = r.call(ctx, r.breaker(teamID, cfg.Sync), func() (err error) {
		col, err = r.Board.GetColumn(ctx, columnID)
		return err
	})
	switch {
	case errors.Is(err, board.ErrUnknownColumn):
		r.logf("card %s moved to unknown column %s", itemID, columnID)
		return engine.ExternalMoveResult{Outcome: engine.ExternalMoveIgnored, Reason: "unknown column"}, nil
	case unavailable(err):
		r.logf("card %s moved to column %s: deferred: %v", itemID, columnID, err)
		return engine.ExternalMoveResult{Outcome: engine.ExternalMoveDeferred, Reason: err.Error()}, nil
	case err != nil:
		return engine.ExternalMoveResult{}, err
	}
	state, ok := board.StateForColumn(col.Name, cfg.Sync.Columns)
	if !ok {
		r.logf("card %s moved to column %q with no mapped state", itemID, col.Name)
		return engine.ExternalMoveResult{Outcome: engine.ExternalMoveIgnored, Reason: "unmapped column"}, nil
	}
	res, err := r.Engine.ApplyExternalMove(ctx, teamID, itemID, columnID, state)
	if errors.Is(err, repo.ErrNotFound) {
		r.logf("card %s is not linked to a task", itemID)
		return engine.ExternalMoveResult{Outcome: engine.ExternalMoveIgnored, Reason: "unlinked card"}, nil
	}
	if err != nil {
		return engine.ExternalMoveResult{}, err
	}
	if res.Outcome == engine.ExternalMoveBlocked {
		r.logf("task %s: unauthorized board move %s -> %s: %s", res.Task.ID, res.Task.State, state, res.Reason)
	}
	return res, nil
}

type Desync struct {
	TaskID         string           `json:"task_id"`
	ItemID         string           `json:"item_id"`
	ColumnID       string           `json:"column_id"`
	ColumnName     string           `json:"column_name"`
	BoardState     domain.TaskState `json:"board_state,omitempty"`
	CanonicalState domain.TaskState `json:"canonical_state"`
	Pushed         *PushResult      `json:"pushed,omitempty"`
	// Skipped is set when the board could not be asked about the card.
	Skipped string `json:"skipped,omitempty"`
}

// DetectDesync compares each linked task with the state its last observed column maps
// to. With reconcile set, canonical state is pushed to the board for every mismatch.
// Cards the board cannot answer for are reported as skipped.
func (r *Reconciler) DetectDesync(ctx context.Context, teamID string, reconcile bool) ([]Desync, error) {
	cfg, err := r.Engine.TeamConfig(ctx, teamID)
	if err != nil {
		return nil, err
	}
	tasks, err := r.Engine.ListTasks(ctx, repo.TaskFilters{TeamID: teamID, OnlyLinked: true})
	if err != nil {
		return nil, err
	}
	br := r.breaker(teamID, cfg.Sync)
	var out []Desync
	for _, task := range tasks {
		d := Desync{TaskID: task.ID, ItemID: task.ExternalSync.ItemID, ColumnID: task.ExternalSync.ColumnID, CanonicalState: task.State}
		if d.ColumnID != "" {
			var col board.Column
			err := r.call(ctx, br, func() (err error) {
				col, err = r.Board.GetColumn(ctx, d.ColumnID)
				return err
			})
			switch {
			case errors.Is(err, board.ErrUnknownColumn):
			case errors.Is(err, errCircuitOpen) || errors.Is(err, engine.ErrExternalService):
				d.Skipped = err.Error()
				out = append(out, d)
				continue
			case err != nil:
				return out, err
			}
			d.ColumnName = col.Name
			if s, ok := board.StateForColumn(col.Name, cfg.Sync.Columns); ok {
				d.BoardState = s
			}
		}
		if d.BoardState == task.State {
			continue
		}
		if err := r.Engine.ReportDesync(ctx, teamID, task.ID, d.ColumnID, string(d.BoardState)); err != nil {
			return out, err
		}
		if reconcile {
			pushed, err := r.PushTask(ctx, teamID, task.ID)
			if err != nil {
				return out, err
			}
			d.Pushed = &pushed
		}
		out = append(out, d)
	}
	return out, nil
}
