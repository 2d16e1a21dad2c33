package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookline/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	v, err := Version(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestLedgerEntriesAreImmutable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn))

	ctx := context.Background()
	now := "2026-01-01T00:00:00Z"
	_, err = conn.ExecContext(ctx, `INSERT INTO teams(id,name,created_at) VALUES ('t','t',?)`, now)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO tasks(id,team_id,title,state,cook_state,cook_attribution,created_by,created_at,updated_at) VALUES ('k','t','x','done','final','self','u',?,?)`, now, now)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO ledger_entries(id,task_id,team_id,contributor_id,cook_value,attribution,issued_at) VALUES ('e','k','t','alice',5,'self',?)`, now)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `UPDATE ledger_entries SET cook_value=50 WHERE id='e'`)
	assert.Error(t, err)
	_, err = conn.ExecContext(ctx, `DELETE FROM ledger_entries WHERE id='e'`)
	assert.Error(t, err)
}
