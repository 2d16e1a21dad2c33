package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cookline/internal/config"
	"cookline/internal/domain"
	"cookline/internal/engine/auth"
	"cookline/internal/events"
	"cookline/internal/repo"
	"cookline/internal/telemetry"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Metrics *telemetry.Metrics
	Now     func() time.Time
	// IssueConcurrency bounds the per-contributor fan-out of IssueTask.
	IssueConcurrency int
}

func New(db *sql.DB) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:               db,
		Repo:             r,
		Auth:             auth.Service{Repo: r},
		Metrics:          telemetry.NewMetrics(nil),
		Now:              time.Now,
		IssueConcurrency: 4,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) stamp() string {
	return e.now().Format(time.RFC3339)
}

func (e Engine) emit(ctx context.Context, tx *sql.Tx, evtType, teamID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	if err := w.Append(ctx, tx, evtType, teamID, entityKind, entityID, actorID, payload); err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

// memberRole resolves the caller's team role; non-members get an empty role.
func (e Engine) memberRole(ctx context.Context, tx *sql.Tx, teamID, userID string) (domain.Role, error) {
	role, err := e.Auth.MemberRole(ctx, tx, teamID, userID)
	var nm auth.NotMemberError
	if errors.As(err, &nm) {
		return "", nil
	}
	return role, err
}

func (e Engine) requireMember(ctx context.Context, tx *sql.Tx, teamID, userID, action string) (domain.Role, error) {
	role, err := e.memberRole(ctx, tx, teamID, userID)
	if err != nil {
		return "", err
	}
	if role == "" {
		return "", PermissionError{Action: action, Required: []string{"team member"}}
	}
	return role, nil
}

func (e Engine) requireSteward(ctx context.Context, tx *sql.Tx, teamID, userID, action string) (domain.Role, error) {
	role, err := e.memberRole(ctx, tx, teamID, userID)
	if err != nil {
		return "", err
	}
	if !role.Steward() {
		return role, PermissionError{Action: action, Role: string(role), Required: []string{"steward", "admin"}}
	}
	return role, nil
}

// RequireSteward fails with a PermissionError unless userID is a steward or admin of the team.
func (e Engine) RequireSteward(ctx context.Context, teamID, userID, action string) error {
	_, err := e.requireSteward(ctx, nil, teamID, userID, action)
	return err
}

// TeamConfig loads the stored policy for a team.
func (e Engine) TeamConfig(ctx context.Context, teamID string) (*config.Config, error) {
	return e.teamConfig(ctx, nil, teamID)
}

func (e Engine) teamConfig(ctx context.Context, tx *sql.Tx, teamID string) (*config.Config, error) {
	cfg, err := e.Repo.GetTeamConfig(ctx, tx, teamID)
	if err != nil {
		return nil, notFound(err, "team config", teamID)
	}
	return cfg, nil
}

type InitTeamOptions struct {
	ID      string
	Name    string
	AdminID string
	Config  *config.Config
}

// InitTeam creates a team, its policy config and its first admin.
func (e Engine) InitTeam(ctx context.Context, opts InitTeamOptions) (domain.Team, error) {
	if strings.TrimSpace(opts.ID) == "" {
		return domain.Team{}, ValidationError{Field: "team_id", Reason: "required"}
	}
	if strings.TrimSpace(opts.AdminID) == "" {
		return domain.Team{}, ValidationError{Field: "admin_id", Reason: "required"}
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default(opts.ID)
		cfg.Team.Name = opts.Name
	}
	now := e.stamp()
	t := domain.Team{ID: opts.ID, Name: opts.Name, CreatedAt: now}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Team{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTeam(ctx, tx, t.ID); err == nil {
		return domain.Team{}, ValidationError{Field: "team_id", Reason: fmt.Sprintf("team %s already exists", t.ID)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Team{}, err
	}
	if err := e.Repo.InsertTeam(ctx, tx, t); err != nil {
		return domain.Team{}, fmt.Errorf("insert team: %w", err)
	}
	if err := e.Repo.UpsertTeamConfig(ctx, tx, t.ID, cfg, now); err != nil {
		return domain.Team{}, fmt.Errorf("insert team config: %w", err)
	}
	if err := e.Repo.UpsertMember(ctx, tx, domain.Member{TeamID: t.ID, UserID: opts.AdminID, Role: domain.RoleAdmin, JoinedAt: now}); err != nil {
		return domain.Team{}, fmt.Errorf("insert admin: %w", err)
	}
	if err := e.emit(ctx, tx, events.TeamCreated, t.ID, "team", t.ID, opts.AdminID, events.EventPayload{"name": t.Name}); err != nil {
		return domain.Team{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Team{}, err
	}
	return t, nil
}

// AddMember grants a role. Stewards manage members; only admins grant admin.
func (e Engine) AddMember(ctx context.Context, teamID, actorID, userID string, role domain.Role) (domain.Member, error) {
	if !role.Valid() {
		return domain.Member{}, ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	if strings.TrimSpace(userID) == "" {
		return domain.Member{}, ValidationError{Field: "user_id", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()

	actorRole, err := e.requireSteward(ctx, tx, teamID, actorID, "add member")
	if err != nil {
		return domain.Member{}, err
	}
	if role == domain.RoleAdmin && actorRole != domain.RoleAdmin {
		return domain.Member{}, PermissionError{Action: "grant admin", Role: string(actorRole), Required: []string{"admin"}}
	}
	m := domain.Member{TeamID: teamID, UserID: userID, Role: role, JoinedAt: e.stamp()}
	if err := e.Repo.UpsertMember(ctx, tx, m); err != nil {
		return domain.Member{}, err
	}
	if err := e.emit(ctx, tx, events.MemberAdded, teamID, "member", userID, actorID, events.EventPayload{"role": role}); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return e.Repo.GetMember(ctx, nil, teamID, userID)
}

func (e Engine) ListMembers(ctx context.Context, teamID string) ([]domain.Member, error) {
	return e.Repo.ListMembers(ctx, teamID)
}

// UpdateTeamConfig replaces the team policy. Requires steward or admin.
func (e Engine) UpdateTeamConfig(ctx context.Context, teamID, actorID string, cfg *config.Config) (*config.Config, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := e.requireSteward(ctx, tx, teamID, actorID, "update team config"); err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ValidationError{Field: "config", Reason: "required"}
	}
	cfg.Team.ID = teamID
	if err := cfg.Validate(); err != nil {
		return nil, ValidationError{Field: "config", Reason: err.Error()}
	}
	if err := e.Repo.UpsertTeamConfig(ctx, tx, teamID, cfg, e.stamp()); err != nil {
		return nil, err
	}
	if err := e.emit(ctx, tx, events.TeamConfigUpdated, teamID, "team", teamID, actorID, nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cfg, nil
}
