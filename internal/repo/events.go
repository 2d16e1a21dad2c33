package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"cookline/internal/domain"
)

type EventFilters struct {
	TeamID     string
	AfterID    int64
	Types      []string
	EntityKind string
	EntityID   string
	Limit      int
}

// ListEvents returns events in append order.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.TeamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, f.TeamID)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	if len(f.Types) > 0 {
		clauses = append(clauses, "type IN (?"+strings.Repeat(",?", len(f.Types)-1)+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	query := `SELECT id,ts,type,COALESCE(team_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TeamID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// GetCursor returns the last event id a consumer has processed, 0 if it never ran.
func (r Repo) GetCursor(ctx context.Context, consumer string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM outbox_cursors WHERE consumer=?`, consumer).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

func (r Repo) SetCursor(ctx context.Context, consumer string, eventID int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO outbox_cursors(consumer,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(consumer) DO UPDATE SET last_event_id=MAX(outbox_cursors.last_event_id, excluded.last_event_id), updated_at=excluded.updated_at`,
		consumer, eventID, time.Now().UTC().Format(time.RFC3339))
	return err
}
