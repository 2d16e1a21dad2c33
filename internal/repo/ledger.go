package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cookline/internal/domain"
)

const ledgerColumns = `id,task_id,team_id,contributor_id,cook_value,attribution,issued_at`

func scanLedgerEntry(row rowScanner) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var attribution string
	err := row.Scan(&e.ID, &e.TaskID, &e.TeamID, &e.ContributorID, &e.CookValue, &attribution, &e.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Attribution = domain.Attribution(attribution)
	if !e.Attribution.Valid() {
		return e, fmt.Errorf("ledger entry %s has invalid attribution %q", e.ID, attribution)
	}
	return e, nil
}

// InsertLedgerEntryIfAbsent inserts e unless (task, contributor) already has an entry.
// It reports whether this call created the row.
func (r Repo) InsertLedgerEntryIfAbsent(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO ledger_entries(id,task_id,team_id,contributor_id,cook_value,attribution,issued_at)
VALUES (?,?,?,?,?,?,?) ON CONFLICT(task_id,contributor_id) DO NOTHING`,
		e.ID, e.TaskID, e.TeamID, e.ContributorID, e.CookValue, string(e.Attribution), e.IssuedAt)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetLedgerEntry(ctx context.Context, tx *sql.Tx, id string) (domain.LedgerEntry, error) {
	return scanLedgerEntry(r.q(tx).QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE id=?`, id))
}

func (r Repo) GetLedgerEntryFor(ctx context.Context, tx *sql.Tx, taskID, contributorID string) (domain.LedgerEntry, error) {
	return scanLedgerEntry(r.q(tx).QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE task_id=? AND contributor_id=?`, taskID, contributorID))
}

type LedgerFilters struct {
	TeamID        string
	ContributorID string
	TaskID        string
}

// ListLedger returns entries in issue order.
func (r Repo) ListLedger(ctx context.Context, tx *sql.Tx, f LedgerFilters) ([]domain.LedgerEntry, error) {
	var clauses []string
	var args []any
	if f.TeamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, f.TeamID)
	}
	if f.ContributorID != "" {
		clauses = append(clauses, "contributor_id=?")
		args = append(args, f.ContributorID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	rows, err := r.q(tx).QueryContext(ctx, query+` ORDER BY issued_at, rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LedgerContributors lists every contributor holding entries in the team.
func (r Repo) LedgerContributors(ctx context.Context, teamID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT contributor_id FROM ledger_entries WHERE team_id=? ORDER BY contributor_id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
