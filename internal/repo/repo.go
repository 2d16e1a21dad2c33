package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cookline/internal/config"
	"cookline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrMultipleTeams is returned by SingleTeam when the caller must pick one.
var ErrMultipleTeams = errors.New("multiple teams exist; specify --team")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when set so reads inside a transaction never wait on the write lock.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) InsertTeam(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO teams(id,name,created_at) VALUES (?,?,?)`, t.ID, t.Name, t.CreatedAt)
	return err
}

func (r Repo) GetTeam(ctx context.Context, tx *sql.Tx, id string) (domain.Team, error) {
	var t domain.Team
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,created_at FROM teams WHERE id=?`, id).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTeams(ctx context.Context) ([]domain.Team, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM teams ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SingleTeam returns the only team in the store.
func (r Repo) SingleTeam(ctx context.Context) (domain.Team, error) {
	teams, err := r.ListTeams(ctx)
	if err != nil {
		return domain.Team{}, err
	}
	switch len(teams) {
	case 0:
		return domain.Team{}, ErrNotFound
	case 1:
		return teams[0], nil
	}
	return domain.Team{}, ErrMultipleTeams
}

func (r Repo) UpsertMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO members(team_id,user_id,role,joined_at) VALUES (?,?,?,?)
ON CONFLICT(team_id,user_id) DO UPDATE SET role=excluded.role`, m.TeamID, m.UserID, string(m.Role), m.JoinedAt)
	return err
}

func (r Repo) GetMember(ctx context.Context, tx *sql.Tx, teamID, userID string) (domain.Member, error) {
	var m domain.Member
	var role string
	err := r.q(tx).QueryRowContext(ctx, `SELECT team_id,user_id,role,joined_at FROM members WHERE team_id=? AND user_id=?`, teamID, userID).
		Scan(&m.TeamID, &m.UserID, &role, &m.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Role = domain.Role(role)
	if !m.Role.Valid() {
		return m, fmt.Errorf("member %s/%s has invalid role %q", teamID, userID, role)
	}
	return m, nil
}

// ListMembers returns team members, optionally restricted to the given roles.
func (r Repo) ListMembers(ctx context.Context, teamID string, roles ...domain.Role) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT team_id,user_id,role,joined_at FROM members WHERE team_id=? ORDER BY user_id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		var role string
		if err := rows.Scan(&m.TeamID, &m.UserID, &role, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		if len(roles) > 0 && !hasRole(roles, m.Role) {
			continue
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ListMemberships returns every team role held by userID.
func (r Repo) ListMemberships(ctx context.Context, userID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT team_id,user_id,role,joined_at FROM members WHERE user_id=? ORDER BY team_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		var role string
		if err := rows.Scan(&m.TeamID, &m.UserID, &role, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		res = append(res, m)
	}
	return res, rows.Err()
}

func hasRole(roles []domain.Role, r domain.Role) bool {
	for _, v := range roles {
		if v == r {
			return true
		}
	}
	return false
}

func (r Repo) UpsertTeamConfig(ctx context.Context, tx *sql.Tx, teamID string, cfg *config.Config, now string) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Team.ID = teamID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if now == "" {
		now = time.Now().UTC().Format(time.RFC3339)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO team_configs(team_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(team_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, teamID, string(payload), now, now)
	return err
}

func (r Repo) GetTeamConfig(ctx context.Context, tx *sql.Tx, teamID string) (*config.Config, error) {
	var payload string
	err := r.q(tx).QueryRowContext(ctx, `SELECT config_json FROM team_configs WHERE team_id=?`, teamID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, fmt.Errorf("decode team config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// stringsJSON marshals a set, storing an empty array rather than null.
func stringsJSON(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	return marshalJSON(items)
}

func decodeStrings(field, raw string) ([]string, error) {
	var out []string
	if raw == "" {
		return []string{}, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
