package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"cookline/internal/domain"
)

const votingColumns = `id,team_id,proposal_id,title,options_json,status,closes_at,results_json,winning_option,approval_threshold_pct,created_by,created_at`

func scanVoting(row rowScanner) (domain.Voting, error) {
	var (
		v                            domain.Voting
		options, status              string
		proposalID, results, winning sql.NullString
		threshold                    sql.NullFloat64
	)
	err := row.Scan(&v.ID, &v.TeamID, &proposalID, &v.Title, &options, &status, &v.ClosesAt, &results, &winning, &threshold, &v.CreatedBy, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.Status = domain.VotingStatus(status)
	switch v.Status {
	case domain.VotingOpen, domain.VotingClosed, domain.VotingCompleted:
	default:
		return v, fmt.Errorf("voting %s has invalid status %q", v.ID, status)
	}
	if v.Options, err = decodeStrings("options", options); err != nil {
		return v, err
	}
	v.ProposalID = strPtr(proposalID)
	v.WinningOption = strPtr(winning)
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &v.Results); err != nil {
			return v, fmt.Errorf("decode results: %w", err)
		}
	}
	if threshold.Valid {
		pct := threshold.Float64
		v.ApprovalThresholdPct = &pct
	}
	return v, nil
}

func (r Repo) InsertVoting(ctx context.Context, tx *sql.Tx, v domain.Voting) error {
	options, err := stringsJSON(v.Options)
	if err != nil {
		return err
	}
	var threshold any
	if v.ApprovalThresholdPct != nil {
		threshold = *v.ApprovalThresholdPct
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO votings(id,team_id,proposal_id,title,options_json,status,closes_at,approval_threshold_pct,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`, v.ID, v.TeamID, nullablePtr(v.ProposalID), v.Title, options, string(v.Status), v.ClosesAt, threshold, v.CreatedBy, v.CreatedAt)
	return err
}

// GetVoting loads a voting with its votes in cast order.
func (r Repo) GetVoting(ctx context.Context, tx *sql.Tx, teamID, id string) (domain.Voting, error) {
	v, err := scanVoting(r.q(tx).QueryRowContext(ctx, `SELECT `+votingColumns+` FROM votings WHERE id=? AND team_id=?`, id, teamID))
	if err != nil {
		return v, err
	}
	v.Votes, err = r.ListVotes(ctx, tx, id)
	return v, err
}

func (r Repo) ListVotings(ctx context.Context, teamID string, status domain.VotingStatus) ([]domain.Voting, error) {
	query := `SELECT ` + votingColumns + ` FROM votings WHERE team_id=?`
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
	var res []domain.Voting
	for rows.Next() {
		v, err := scanVoting(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) ListVotes(ctx context.Context, tx *sql.Tx, votingID string) ([]domain.Vote, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT voting_id,voter_id,option,weight,cast_at FROM votes WHERE voting_id=? ORDER BY cast_at, voter_id`, votingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Vote{}
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.VotingID, &v.VoterID, &v.Option, &v.Weight, &v.CastAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// InsertVote stores a weight-stamped vote; false means the voter already voted.
func (r Repo) InsertVote(ctx context.Context, tx *sql.Tx, v domain.Vote) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO votes(voting_id,voter_id,option,weight,cast_at) VALUES (?,?,?,?,?)
ON CONFLICT(voting_id,voter_id) DO NOTHING`, v.VotingID, v.VoterID, v.Option, v.Weight, v.CastAt)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// TransitionVoting moves a voting between statuses, optionally storing results; false if not in from.
func (r Repo) TransitionVoting(ctx context.Context, tx *sql.Tx, id string, from, to domain.VotingStatus, results map[string]float64, winner *string) (bool, error) {
	var raw any
	if results != nil {
		s, err := marshalJSON(results)
		if err != nil {
			return false, err
		}
		raw = s
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE votings SET status=?, results_json=COALESCE(?,results_json), winning_option=COALESCE(?,winning_option) WHERE id=? AND status=?`,
		string(to), raw, nullablePtr(winner), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	return n == 1, err
}
