package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cookline/internal/domain"
)

const taskColumns = `id,team_id,title,COALESCE(description,''),state,contributors_json,reviewers_json,cook_value,cook_state,cook_attribution,archived,external_item_id,external_column_id,external_last_sync_at,unauthorized_movement_json,created_by,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                                  domain.Task
		state, cookState, attribution      string
		contributors, reviewers            string
		cookValue                          sql.NullFloat64
		archived                           int
		itemID, columnID, lastSync, unauth sql.NullString
	)
	err := row.Scan(&t.ID, &t.TeamID, &t.Title, &t.Description, &state, &contributors, &reviewers, &cookValue, &cookState, &attribution,
		&archived, &itemID, &columnID, &lastSync, &unauth, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.State = domain.TaskState(state)
	if !t.State.Valid() {
		return t, fmt.Errorf("task %s has invalid state %q", t.ID, state)
	}
	t.CookState = domain.CookState(cookState)
	if t.CookState.Rank() < 0 {
		return t, fmt.Errorf("task %s has invalid cook state %q", t.ID, cookState)
	}
	t.CookAttribution = domain.Attribution(attribution)
	if !t.CookAttribution.Valid() {
		return t, fmt.Errorf("task %s has invalid attribution %q", t.ID, attribution)
	}
	if t.Contributors, err = decodeStrings("contributors", contributors); err != nil {
		return t, err
	}
	if t.Reviewers, err = decodeStrings("reviewers", reviewers); err != nil {
		return t, err
	}
	if cookValue.Valid {
		v := cookValue.Float64
		t.CookValue = &v
	}
	t.Archived = archived != 0
	if itemID.Valid {
		t.ExternalSync = &domain.ExternalSync{ItemID: itemID.String, ColumnID: columnID.String, LastSyncAt: strPtr(lastSync)}
		if unauth.Valid && unauth.String != "" {
			var m domain.UnauthorizedMovement
			if err := json.Unmarshal([]byte(unauth.String), &m); err != nil {
				return t, fmt.Errorf("decode unauthorized movement: %w", err)
			}
			t.ExternalSync.UnauthorizedMovement = &m
		}
	}
	return t, nil
}

func taskArgs(t domain.Task) ([]any, error) {
	contributors, err := stringsJSON(t.Contributors)
	if err != nil {
		return nil, err
	}
	reviewers, err := stringsJSON(t.Reviewers)
	if err != nil {
		return nil, err
	}
	var cookValue any
	if t.CookValue != nil {
		cookValue = *t.CookValue
	}
	var itemID, columnID, lastSync, unauth any
	if t.ExternalSync != nil {
		itemID = nullable(t.ExternalSync.ItemID)
		columnID = nullable(t.ExternalSync.ColumnID)
		lastSync = nullablePtr(t.ExternalSync.LastSyncAt)
		if t.ExternalSync.UnauthorizedMovement != nil {
			raw, err := marshalJSON(t.ExternalSync.UnauthorizedMovement)
			if err != nil {
				return nil, err
			}
			unauth = raw
		}
	}
	archived := 0
	if t.Archived {
		archived = 1
	}
	return []any{t.Title, nullable(t.Description), string(t.State), contributors, reviewers, cookValue, string(t.CookState),
		string(t.CookAttribution), archived, itemID, columnID, lastSync, unauth, t.UpdatedAt}, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	args = append([]any{t.ID, t.TeamID}, args...)
	args = append(args, t.CreatedBy, t.CreatedAt)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,team_id,title,description,state,contributors_json,reviewers_json,cook_value,cook_state,cook_attribution,archived,external_item_id,external_column_id,external_last_sync_at,unauthorized_movement_json,updated_at,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

// UpdateTask overwrites the mutable columns of a task.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	args = append(args, t.ID, t.TeamID)
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET title=?,description=?,state=?,contributors_json=?,reviewers_json=?,cook_value=?,cook_state=?,cook_attribution=?,archived=?,external_item_id=?,external_column_id=?,external_last_sync_at=?,unauthorized_movement_json=?,updated_at=?
WHERE id=? AND team_id=?`, args...)
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

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, teamID, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND team_id=?`, id, teamID))
}

func (r Repo) GetTaskByExternalItem(ctx context.Context, tx *sql.Tx, teamID, itemID string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE team_id=? AND external_item_id=?`, teamID, itemID))
}

type TaskFilters struct {
	TeamID          string
	State           domain.TaskState
	Contributor     string
	Reviewer        string
	IncludeArchived bool
	OnlyLinked      bool
	Limit           int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"team_id=?"}
	args := []any{f.TeamID}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived=0")
	}
	if f.Contributor != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(tasks.contributors_json) WHERE value=?)")
		args = append(args, f.Contributor)
	}
	if f.Reviewer != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(tasks.reviewers_json) WHERE value=?)")
		args = append(args, f.Reviewer)
	}
	if f.OnlyLinked {
		clauses = append(clauses, "external_item_id IS NOT NULL")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
