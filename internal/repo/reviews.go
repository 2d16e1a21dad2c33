package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"cookline/internal/domain"
)

const reviewColumns = `id,task_id,team_id,status,approvals_json,objections_json,comments_json,required_reviewers,created_at,updated_at`

func scanReview(row rowScanner) (domain.Review, error) {
	var (
		rv                              domain.Review
		status                          string
		approvals, objections, comments string
	)
	err := row.Scan(&rv.ID, &rv.TaskID, &rv.TeamID, &status, &approvals, &objections, &comments, &rv.RequiredReviewers, &rv.CreatedAt, &rv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rv, ErrNotFound
	}
	if err != nil {
		return rv, err
	}
	rv.Status = domain.ReviewStatus(status)
	switch rv.Status {
	case domain.ReviewPending, domain.ReviewApproved, domain.ReviewObjected:
	default:
		return rv, fmt.Errorf("review %s has invalid status %q", rv.ID, status)
	}
	if rv.Approvals, err = decodeStrings("approvals", approvals); err != nil {
		return rv, err
	}
	rv.Objections = []domain.Objection{}
	if err := json.Unmarshal([]byte(objections), &rv.Objections); err != nil {
		return rv, fmt.Errorf("decode objections: %w", err)
	}
	rv.Comments = []domain.Comment{}
	if err := json.Unmarshal([]byte(comments), &rv.Comments); err != nil {
		return rv, fmt.Errorf("decode comments: %w", err)
	}
	return rv, nil
}

func reviewJSON(rv domain.Review) (approvals, objections, comments string, err error) {
	if approvals, err = stringsJSON(rv.Approvals); err != nil {
		return
	}
	if rv.Objections == nil {
		rv.Objections = []domain.Objection{}
	}
	if objections, err = marshalJSON(rv.Objections); err != nil {
		return
	}
	if rv.Comments == nil {
		rv.Comments = []domain.Comment{}
	}
	comments, err = marshalJSON(rv.Comments)
	return
}

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	approvals, objections, comments, err := reviewJSON(rv)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO reviews(id,task_id,team_id,status,approvals_json,objections_json,comments_json,required_reviewers,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`, rv.ID, rv.TaskID, rv.TeamID, string(rv.Status), approvals, objections, comments, rv.RequiredReviewers, rv.CreatedAt, rv.UpdatedAt)
	return err
}

// UpdateReview writes status and review lists. requiredReviewers is frozen and never rewritten.
func (r Repo) UpdateReview(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	approvals, objections, comments, err := reviewJSON(rv)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE reviews SET status=?,approvals_json=?,objections_json=?,comments_json=?,updated_at=? WHERE id=?`,
		string(rv.Status), approvals, objections, comments, rv.UpdatedAt, rv.ID)
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

func (r Repo) GetReviewByTask(ctx context.Context, tx *sql.Tx, teamID, taskID string) (domain.Review, error) {
	return scanReview(r.q(tx).QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE task_id=? AND team_id=?`, taskID, teamID))
}

func (r Repo) ListReviews(ctx context.Context, teamID string, status domain.ReviewStatus) ([]domain.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE team_id=?`
	args := []any{teamID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, string(status))
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}
