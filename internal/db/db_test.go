package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesWorkspaceDatabase(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(Config{Workspace: ws})
	require.NoError(t, err)
	defer conn.Close()

	_, err = os.Stat(filepath.Join(ws, ".cookline", "cookline.db"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, ".cookline", "cookline.db"), Path(ws))

	var fk int
	require.NoError(t, conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
	var mode string
	require.NoError(t, conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpenHonoursPathOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "team.db")
	conn, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer conn.Close()
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
