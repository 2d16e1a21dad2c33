package repo

import (
	"context"
	"database/sql"
	"errors"

	"cookline/internal/domain"
)

func (r Repo) UpsertWeight(ctx context.Context, tx *sql.Tx, w domain.GovernanceWeight) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO governance_weights(team_id,contributor_id,weight,raw_cook,entry_count,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(team_id,contributor_id) DO UPDATE SET weight=excluded.weight, raw_cook=excluded.raw_cook, entry_count=excluded.entry_count, updated_at=excluded.updated_at`,
		w.TeamID, w.ContributorID, w.Weight, w.RawCook, w.EntryCount, w.UpdatedAt)
	return err
}

func (r Repo) GetWeight(ctx context.Context, tx *sql.Tx, teamID, contributorID string) (domain.GovernanceWeight, error) {
	var w domain.GovernanceWeight
	err := r.q(tx).QueryRowContext(ctx, `SELECT team_id,contributor_id,weight,raw_cook,entry_count,updated_at FROM governance_weights WHERE team_id=? AND contributor_id=?`, teamID, contributorID).
		Scan(&w.TeamID, &w.ContributorID, &w.Weight, &w.RawCook, &w.EntryCount, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWeights(ctx context.Context, teamID string) ([]domain.GovernanceWeight, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT team_id,contributor_id,weight,raw_cook,entry_count,updated_at FROM governance_weights WHERE team_id=? ORDER BY weight DESC, contributor_id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GovernanceWeight
	for rows.Next() {
		var w domain.GovernanceWeight
		if err := rows.Scan(&w.TeamID, &w.ContributorID, &w.Weight, &w.RawCook, &w.EntryCount, &w.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

const proposalColumns = `id,team_id,type,title,COALESCE(description,''),proposer_id,status,objection_weight,objection_threshold,window_closes_at,voting_id,created_at,resolved_at`

func scanProposal(row rowScanner) (domain.GovernanceProposal, error) {
	var p domain.GovernanceProposal
	var typ, status string
	var votingID, resolvedAt sql.NullString
	err := row.Scan(&p.ID, &p.TeamID, &typ, &p.Title, &p.Description, &p.ProposerID, &status, &p.ObjectionWeight, &p.ObjectionThreshold,
		&p.WindowClosesAt, &votingID, &p.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Type = domain.ProposalType(typ)
	p.Status = domain.ProposalStatus(status)
	p.VotingID = strPtr(votingID)
	p.ResolvedAt = strPtr(resolvedAt)
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.GovernanceProposal) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO proposals(id,team_id,type,title,description,proposer_id,status,objection_weight,objection_threshold,window_closes_at,voting_id,created_at,resolved_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, p.ID, p.TeamID, string(p.Type), p.Title, nullable(p.Description), p.ProposerID, string(p.Status),
		p.ObjectionWeight, p.ObjectionThreshold, p.WindowClosesAt, nullablePtr(p.VotingID), p.CreatedAt, nullablePtr(p.ResolvedAt))
	return err
}

// GetProposal loads a proposal together with its objections.
func (r Repo) GetProposal(ctx context.Context, tx *sql.Tx, teamID, id string) (domain.GovernanceProposal, error) {
	p, err := scanProposal(r.q(tx).QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=? AND team_id=?`, id, teamID))
	if err != nil {
		return p, err
	}
	p.Objections, err = r.listProposalObjections(ctx, tx, id)
	return p, err
}

func (r Repo) GetProposalByVoting(ctx context.Context, tx *sql.Tx, votingID string) (domain.GovernanceProposal, error) {
	p, err := scanProposal(r.q(tx).QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE voting_id=?`, votingID))
	if err != nil {
		return p, err
	}
	p.Objections, err = r.listProposalObjections(ctx, tx, p.ID)
	return p, err
}

func (r Repo) ListProposals(ctx context.Context, teamID string, status domain.ProposalStatus) ([]domain.GovernanceProposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE team_id=?`
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
	var res []domain.GovernanceProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) listProposalObjections(ctx context.Context, tx *sql.Tx, proposalID string) ([]domain.ProposalObjection, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT proposal_id,member_id,weight,COALESCE(reason,''),created_at FROM proposal_objections WHERE proposal_id=? ORDER BY created_at, member_id`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ProposalObjection{}
	for rows.Next() {
		var o domain.ProposalObjection
		if err := rows.Scan(&o.ProposalID, &o.MemberID, &o.Weight, &o.Reason, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// InsertProposalObjection records one objection per member; false means the member already objected.
func (r Repo) InsertProposalObjection(ctx context.Context, tx *sql.Tx, o domain.ProposalObjection) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO proposal_objections(proposal_id,member_id,weight,reason,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(proposal_id,member_id) DO NOTHING`, o.ProposalID, o.MemberID, o.Weight, nullable(o.Reason), o.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// AddObjectionWeight increments the cumulative objection weight of an open proposal and
// flips it to voting_triggered in the same statement when the threshold is met.
// escalated is true only for the call whose increment crossed the threshold.
// ErrNotFound means the proposal is no longer accepting objections.
func (r Repo) AddObjectionWeight(ctx context.Context, tx *sql.Tx, proposalID string, weight float64) (total float64, escalated bool, err error) {
	var status string
	err = r.q(tx).QueryRowContext(ctx, `UPDATE proposals
SET objection_weight = objection_weight + ?,
    status = CASE WHEN objection_weight + ? >= objection_threshold THEN 'voting_triggered' ELSE status END
WHERE id=? AND status='objection_window_open'
RETURNING objection_weight, status`, weight, weight, proposalID).Scan(&total, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}
	return total, domain.ProposalStatus(status) == domain.ProposalVotingTriggered, nil
}

func (r Repo) SetProposalVoting(ctx context.Context, tx *sql.Tx, proposalID, votingID string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE proposals SET voting_id=? WHERE id=? AND voting_id IS NULL`, votingID, proposalID)
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

// ResolveProposal moves a proposal from one status to a terminal one; false if it was not in from.
func (r Repo) ResolveProposal(ctx context.Context, tx *sql.Tx, proposalID string, from, to domain.ProposalStatus, resolvedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE proposals SET status=?, resolved_at=? WHERE id=? AND status=?`, string(to), resolvedAt, proposalID, string(from))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}
