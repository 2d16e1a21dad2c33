package app

import (
	"context"
	"errors"
	"fmt"

	"cookline/internal/config"
	"cookline/internal/repo"
)

// ResolveTeamAndConfig picks the active team and loads its stored policy.
// An explicit override wins; otherwise a store holding exactly one team uses it.
func ResolveTeamAndConfig(ctx context.Context, teamOverride string, r repo.Repo) (string, *config.Config, error) {
	teamID := teamOverride
	if teamID == "" {
		t, err := r.SingleTeam(ctx)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return "", nil, fmt.Errorf("no team initialised; run ck init")
		case err != nil:
			return "", nil, err
		}
		teamID = t.ID
	}
	if _, err := r.GetTeam(ctx, nil, teamID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil, fmt.Errorf("team %s not found; run ck init --team %s", teamID, teamID)
		}
		return "", nil, err
	}
	cfg, err := r.GetTeamConfig(ctx, nil, teamID)
	if errors.Is(err, repo.ErrNotFound) {
		cfg = config.Default(teamID)
	} else if err != nil {
		return "", nil, err
	}
	cfg.Team.ID = teamID
	return teamID, cfg, nil
}
