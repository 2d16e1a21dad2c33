package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookline/internal/db"
	"cookline/internal/engine"
	"cookline/internal/migrate"
	"cookline/internal/repo"
)

func TestResolveTeamAndConfig(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	ctx := context.Background()
	eng := engine.New(conn)
	r := repo.Repo{DB: conn}

	_, _, err = ResolveTeamAndConfig(ctx, "", r)
	assert.ErrorContains(t, err, "no team initialised")

	_, err = eng.InitTeam(ctx, engine.InitTeamOptions{ID: "alpha", AdminID: "alice"})
	require.NoError(t, err)
	id, cfg, err := ResolveTeamAndConfig(ctx, "", r)
	require.NoError(t, err)
	assert.Equal(t, "alpha", id)
	assert.Equal(t, "alpha", cfg.Team.ID)

	_, err = eng.InitTeam(ctx, engine.InitTeamOptions{ID: "beta", AdminID: "alice"})
	require.NoError(t, err)
	_, _, err = ResolveTeamAndConfig(ctx, "", r)
	assert.ErrorIs(t, err, repo.ErrMultipleTeams)

	id, _, err = ResolveTeamAndConfig(ctx, "beta", r)
	require.NoError(t, err)
	assert.Equal(t, "beta", id)

	_, _, err = ResolveTeamAndConfig(ctx, "gamma", r)
	assert.ErrorContains(t, err, "team gamma not found")
}
