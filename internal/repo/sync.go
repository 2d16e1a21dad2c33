package repo

import (
	"context"
	"database/sql"
	"errors"

	"cookline/internal/domain"
)

func (r Repo) EnqueueSync(ctx context.Context, tx *sql.Tx, it domain.SyncQueueItem) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO sync_queue(id,team_id,task_id,op,card_id,column_id,position,retry_count,next_attempt_at,last_error,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`, it.ID, it.TeamID, it.TaskID, it.Op, it.CardID, it.ColumnID, it.Position, it.RetryCount, it.NextAttemptAt, nullable(it.LastError), it.CreatedAt)
	return err
}

const syncColumns = `id,team_id,task_id,op,card_id,column_id,position,retry_count,next_attempt_at,COALESCE(last_error,''),created_at`

// ListSyncQueue returns queued items; when dueBy is set only items due at or before it.
func (r Repo) ListSyncQueue(ctx context.Context, teamID, dueBy string) ([]domain.SyncQueueItem, error) {
	query := `SELECT ` + syncColumns + ` FROM sync_queue WHERE team_id=?`
	args := []any{teamID}
	if dueBy != "" {
		query += ` AND next_attempt_at<=?`
		args = append(args, dueBy)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY next_attempt_at, created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SyncQueueItem
	for rows.Next() {
		var it domain.SyncQueueItem
		if err := rows.Scan(&it.ID, &it.TeamID, &it.TaskID, &it.Op, &it.CardID, &it.ColumnID, &it.Position, &it.RetryCount, &it.NextAttemptAt, &it.LastError, &it.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) RescheduleSync(ctx context.Context, tx *sql.Tx, id string, retryCount int, nextAttemptAt, lastError string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE sync_queue SET retry_count=?, next_attempt_at=?, last_error=? WHERE id=?`, retryCount, nextAttemptAt, nullable(lastError), id)
	if err != nil {
		return err
	}
	if n, err := rowsAffected(res); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSync(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM sync_queue WHERE id=?`, id)
	return err
}

func (r Repo) GetBreaker(ctx context.Context, tx *sql.Tx, teamID, name string) (domain.CircuitBreakerState, error) {
	var b domain.CircuitBreakerState
	var state string
	var opened sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT team_id,name,state,failure_count,opened_at,updated_at FROM circuit_breakers WHERE team_id=? AND name=?`, teamID, name).
		Scan(&b.TeamID, &b.Name, &state, &b.FailureCount, &opened, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.State = domain.BreakerState(state)
	b.OpenedAt = strPtr(opened)
	return b, nil
}

func (r Repo) SaveBreaker(ctx context.Context, tx *sql.Tx, b domain.CircuitBreakerState) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO circuit_breakers(team_id,name,state,failure_count,opened_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(team_id,name) DO UPDATE SET state=excluded.state, failure_count=excluded.failure_count, opened_at=excluded.opened_at, updated_at=excluded.updated_at`,
		b.TeamID, b.Name, string(b.State), b.FailureCount, nullablePtr(b.OpenedAt), b.UpdatedAt)
	return err
}
