package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("team-1")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "team-1", cfg.Team.ID)
	assert.Nil(t, cfg.Cook.Cap)
	assert.Nil(t, cfg.Cook.DecayRate)
	assert.Equal(t, 10.0, cfg.Governance.ObjectionThreshold)
	assert.Equal(t, "in_progress", cfg.Sync.Columns["In Progress"])
	assert.Equal(t, 8, cfg.Sync.MaxRetries)
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := FromYAML([]byte("governance:\n  objection_threshold: 1\n"))
	assert.Error(t, err, "missing team id")

	cfg := Default("t")
	neg := -5.0
	cfg.Cook.Cap = &neg
	assert.Error(t, cfg.Validate())

	cfg = Default("t")
	rate := 1.5
	cfg.Cook.DecayRate = &rate
	assert.Error(t, cfg.Validate())

	cfg = Default("t")
	cfg.Sync.Columns["QA"] = "testing"
	assert.Error(t, cfg.Validate())

	cfg = Default("t")
	cfg.Sync.Enabled = true
	assert.Error(t, cfg.Validate(), "sync without project id")
}

func TestFromFileWithCapAndDecay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookline.yml")
	require.NoError(t, os.WriteFile(path, []byte(GenerateDefault("team-x")), 0o644))
	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "team-x", cfg.Team.ID)

	capped := []byte(`team:
  id: team-y
cook:
  cap: 100
  decay_rate: 0.1
governance:
  objection_threshold: 5
  objection_window_hours: 24
  voting_hours: 48
  constitutional_approval_pct: 75
sync:
  failure_threshold: 3
  cooldown_seconds: 30
  max_retries: 2
`)
	cfg, err = FromYAML(capped)
	require.NoError(t, err)
	require.NotNil(t, cfg.Cook.Cap)
	assert.Equal(t, 100.0, *cfg.Cook.Cap)
	require.NotNil(t, cfg.Cook.DecayRate)
	assert.InDelta(t, 0.1, *cfg.Cook.DecayRate, 1e-9)
	assert.Equal(t, 24*3600.0, cfg.Governance.ObjectionWindow().Seconds())
}
