package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cookline/internal/domain"
	"cookline/internal/engine/auth"
	"cookline/internal/events"
	"cookline/internal/repo"
)

// Outcomes of an external board move.
const (
	ExternalMoveIgnored  = "ignored"
	ExternalMoveSynced   = "synced"
	ExternalMoveApplied  = "applied"
	ExternalMoveBlocked  = "blocked"
	ExternalMoveMetadata = "metadata"
	// ExternalMoveDeferred means the board could not be reached to resolve the column.
	ExternalMoveDeferred = "deferred"
)

// LinkExternal attaches an external board item to a task.
func (e Engine) LinkExternal(ctx context.Context, teamID, taskID, itemID, columnID, actorID string) (domain.Task, error) {
	if strings.TrimSpace(itemID) == "" {
		return domain.Task{}, ValidationError{Field: "item_id", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if _, err := e.requireSteward(ctx, tx, teamID, actorID, "link external item"); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, tx, teamID, taskID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", taskID)
	}
	if other, err := e.Repo.GetTaskByExternalItem(ctx, tx, teamID, itemID); err == nil && other.ID != t.ID {
		return domain.Task{}, ValidationError{Field: "item_id", Reason: fmt.Sprintf("already linked to task %s", other.ID)}
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, err
	}
	now := e.stamp()
	t.ExternalSync = &domain.ExternalSync{ItemID: itemID, ColumnID: columnID, LastSyncAt: &now}
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.emit(ctx, tx, events.TaskUpdated, teamID, "task", t.ID, actorID, events.EventPayload{"external_item_id": itemID}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// RecordSync stores the column a task's card was last seen or placed in.
func (e Engine) RecordSync(ctx context.Context, teamID, taskID, columnID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, teamID, taskID)
	if err != nil {
		return notFound(err, "task", taskID)
	}
	if t.ExternalSync == nil {
		return ValidationError{Field: "external_sync", Reason: "task is not linked to a board item"}
	}
	now := e.stamp()
	t.ExternalSync.ColumnID = columnID
	t.ExternalSync.LastSyncAt = &now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

type ExternalMoveResult struct {
	Task    domain.Task `json:"task"`
	Outcome string      `json:"outcome"`
	Reason  string      `json:"reason,omitempty"`
}

// ApplyExternalMove reconciles a card moved on the board into canonical state.
// Legal moves are applied as the sync actor; anything the state machine rejects leaves
// the task where it is and flags it, which blocks issuance until a steward clears it.
func (e Engine) ApplyExternalMove(ctx context.Context, teamID, itemID, columnID string, to domain.TaskState) (ExternalMoveResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ExternalMoveResult{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskByExternalItem(ctx, tx, teamID, itemID)
	if err != nil {
		return ExternalMoveResult{}, notFound(err, "external item", itemID)
	}
	now := e.stamp()
	res := ExternalMoveResult{}
	if t.State == to {
		if t.ExternalSync.ColumnID == columnID {
			return ExternalMoveResult{Task: t, Outcome: ExternalMoveSynced}, nil
		}
		t.ExternalSync.ColumnID = columnID
		t.ExternalSync.LastSyncAt = &now
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return ExternalMoveResult{}, err
		}
		res = ExternalMoveResult{Task: t, Outcome: ExternalMoveMetadata}
	} else if moved, err := e.moveTaskTx(ctx, tx, t, to, auth.SystemActor, false); err == nil {
		moved.ExternalSync.ColumnID = columnID
		moved.ExternalSync.LastSyncAt = &now
		if err := e.Repo.UpdateTask(ctx, tx, moved); err != nil {
			return ExternalMoveResult{}, err
		}
		if err := e.emit(ctx, tx, events.SyncExternalMoveApplied, teamID, "task", t.ID, auth.SystemActor, events.EventPayload{
			"from":      t.State,
			"to":        to,
			"column_id": columnID,
		}); err != nil {
			return ExternalMoveResult{}, err
		}
		res = ExternalMoveResult{Task: moved, Outcome: ExternalMoveApplied}
	} else if isMoveRejection(err) {
		t.ExternalSync.UnauthorizedMovement = &domain.UnauthorizedMovement{
			Blocked:        true,
			FromState:      t.State,
			AttemptedState: to,
			ColumnID:       columnID,
			DetectedAt:     now,
		}
		t.ExternalSync.LastSyncAt = &now
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return ExternalMoveResult{}, err
		}
		if err := e.emit(ctx, tx, events.SyncUnauthorizedMovement, teamID, "task", t.ID, auth.SystemActor, events.EventPayload{
			"from":      t.State,
			"attempted": to,
			"column_id": columnID,
			"reason":    err.Error(),
		}); err != nil {
			return ExternalMoveResult{}, err
		}
		res = ExternalMoveResult{Task: t, Outcome: ExternalMoveBlocked, Reason: err.Error()}
	} else {
		return ExternalMoveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ExternalMoveResult{}, err
	}
	return res, nil
}

func isMoveRejection(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrValidation) || errors.Is(err, ErrInsufficientReviewer) ||
		errors.Is(err, ErrBlockedByPolicy) || errors.Is(err, ErrPermission)
}

type ClearResult struct {
	Task   domain.Task   `json:"task"`
	Issued []IssueResult `json:"issued,omitempty"`
}

// ClearUnauthorizedMovement lifts the issuance block left by a rejected board move.
// A task approved while flagged gets its ledger entries issued here.
func (e Engine) ClearUnauthorizedMovement(ctx context.Context, teamID, taskID, actorID string) (ClearResult, error) {
	t, err := e.clearUnauthorizedMovement(ctx, teamID, taskID, actorID)
	if err != nil {
		return ClearResult{}, err
	}
	res := ClearResult{Task: t}
	if t.CookState == domain.CookFinal {
		if res.Issued, err = e.IssueTask(ctx, teamID, t.ID); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e Engine) clearUnauthorizedMovement(ctx context.Context, teamID, taskID, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if _, err := e.requireSteward(ctx, tx, teamID, actorID, "clear unauthorized movement"); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, tx, teamID, taskID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", taskID)
	}
	if !t.MovementBlocked() {
		return domain.Task{}, ValidationError{Field: "unauthorized_movement", Reason: "task has no blocking external movement"}
	}
	flag := *t.ExternalSync.UnauthorizedMovement
	t.ExternalSync.UnauthorizedMovement = nil
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.emit(ctx, tx, events.SyncUnauthorizedCleared, teamID, "task", t.ID, actorID, events.EventPayload{
		"attempted": flag.AttemptedState,
		"column_id": flag.ColumnID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DropSync removes a queued board operation that exhausted its retries.
func (e Engine) DropSync(ctx context.Context, item domain.SyncQueueItem, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteSync(ctx, tx, item.ID); err != nil {
		return err
	}
	if err := e.emit(ctx, tx, events.SyncDropped, item.TeamID, "task", item.TaskID, auth.SystemActor, events.EventPayload{
		"queue_id":    item.ID,
		"op":          item.Op,
		"card_id":     item.CardID,
		"retry_count": item.RetryCount,
		"reason":      reason,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Metrics.SyncDropped(ctx, item.TeamID)
	return nil
}

// ReportDesync records that the board shows a task somewhere other than its canonical state.
func (e Engine) ReportDesync(ctx context.Context, teamID, taskID, columnID, boardState string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.emit(ctx, tx, events.SyncDesyncDetected, teamID, "task", taskID, auth.SystemActor, events.EventPayload{
		"column_id":   columnID,
		"board_state": boardState,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
