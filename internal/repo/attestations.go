package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cookline/internal/domain"
)

const attestationColumns = `id,ledger_entry_id,task_id,team_id,contributor_id,cook_value,attribution,issued_at,reviewers_json,merkle_root,parent_hash,chain_seq,created_at`

func scanAttestation(row rowScanner) (domain.Attestation, error) {
	var a domain.Attestation
	var attribution, reviewers string
	var parent sql.NullString
	err := row.Scan(&a.ID, &a.LedgerEntryID, &a.TaskID, &a.TeamID, &a.ContributorID, &a.CookValue, &attribution, &a.IssuedAt,
		&reviewers, &a.MerkleRoot, &parent, &a.ChainSeq, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Attribution = domain.Attribution(attribution)
	if !a.Attribution.Valid() {
		return a, fmt.Errorf("attestation %s has invalid attribution %q", a.ID, attribution)
	}
	if a.Reviewers, err = decodeStrings("reviewers", reviewers); err != nil {
		return a, err
	}
	a.ParentHash = strPtr(parent)
	return a, nil
}

func (r Repo) InsertAttestation(ctx context.Context, tx *sql.Tx, a domain.Attestation) error {
	reviewers, err := stringsJSON(a.Reviewers)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO attestations(id,ledger_entry_id,task_id,team_id,contributor_id,cook_value,attribution,issued_at,reviewers_json,merkle_root,parent_hash,chain_seq,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, a.ID, a.LedgerEntryID, a.TaskID, a.TeamID, a.ContributorID, a.CookValue, string(a.Attribution), a.IssuedAt,
		reviewers, a.MerkleRoot, nullablePtr(a.ParentHash), a.ChainSeq, a.CreatedAt)
	return err
}

func (r Repo) GetAttestationByEntry(ctx context.Context, tx *sql.Tx, ledgerEntryID string) (domain.Attestation, error) {
	return scanAttestation(r.q(tx).QueryRowContext(ctx, `SELECT `+attestationColumns+` FROM attestations WHERE ledger_entry_id=?`, ledgerEntryID))
}

// LatestAttestation returns the head of a contributor's chain.
func (r Repo) LatestAttestation(ctx context.Context, tx *sql.Tx, contributorID string) (domain.Attestation, error) {
	return scanAttestation(r.q(tx).QueryRowContext(ctx, `SELECT `+attestationColumns+` FROM attestations WHERE contributor_id=? ORDER BY chain_seq DESC LIMIT 1`, contributorID))
}

// ListAttestations returns a contributor's chain in sequence order.
func (r Repo) ListAttestations(ctx context.Context, contributorID string) ([]domain.Attestation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attestationColumns+` FROM attestations WHERE contributor_id=? ORDER BY chain_seq`, contributorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attestation
	for rows.Next() {
		a, err := scanAttestation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListUnattestedEntries returns ledger entries with no attestation, in issue order.
func (r Repo) ListUnattestedEntries(ctx context.Context, teamID string) ([]domain.LedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT l.id,l.task_id,l.team_id,l.contributor_id,l.cook_value,l.attribution,l.issued_at
FROM ledger_entries l LEFT JOIN attestations a ON a.ledger_entry_id=l.id
WHERE l.team_id=? AND a.id IS NULL ORDER BY l.issued_at, l.rowid`, teamID)
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
