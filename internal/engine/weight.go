package engine

import (
	"context"
	"database/sql"

	"cookline/internal/config"
	"cookline/internal/cook"
	"cookline/internal/domain"
	"cookline/internal/repo"
)

func policyOf(c config.CookConfig) cook.Policy {
	return cook.Policy{Cap: c.Cap, DecayRate: c.DecayRate}
}

// weightTx computes a contributor's governance weight from the ledger as seen by tx.
func (e Engine) weightTx(ctx context.Context, tx *sql.Tx, teamID, contributorID string) (domain.GovernanceWeight, error) {
	cfg, err := e.teamConfig(ctx, tx, teamID)
	if err != nil {
		return domain.GovernanceWeight{}, err
	}
	entries, err := e.Repo.ListLedger(ctx, tx, repo.LedgerFilters{TeamID: teamID, ContributorID: contributorID})
	if err != nil {
		return domain.GovernanceWeight{}, err
	}
	s, err := cook.Summarize(entries, policyOf(cfg.Cook), e.now())
	if err != nil {
		return domain.GovernanceWeight{}, err
	}
	return domain.GovernanceWeight{
		TeamID:        teamID,
		ContributorID: contributorID,
		Weight:        s.Effective,
		RawCook:       s.Raw,
		EntryCount:    s.EntryCount,
		UpdatedAt:     e.stamp(),
	}, nil
}

// Weight returns the current effective COOK of a contributor, computed from the ledger.
func (e Engine) Weight(ctx context.Context, teamID, contributorID string) (domain.GovernanceWeight, error) {
	return e.weightTx(ctx, nil, teamID, contributorID)
}

// RecomputeWeight refreshes the stored weight read model for one contributor.
func (e Engine) RecomputeWeight(ctx context.Context, teamID, contributorID string) (domain.GovernanceWeight, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GovernanceWeight{}, err
	}
	defer tx.Rollback()

	w, err := e.weightTx(ctx, tx, teamID, contributorID)
	if err != nil {
		return domain.GovernanceWeight{}, err
	}
	if err := e.Repo.UpsertWeight(ctx, tx, w); err != nil {
		return domain.GovernanceWeight{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.GovernanceWeight{}, err
	}
	return w, nil
}

// RecomputeTeamWeights refreshes every contributor holding ledger entries.
func (e Engine) RecomputeTeamWeights(ctx context.Context, teamID string) ([]domain.GovernanceWeight, error) {
	ids, err := e.Repo.LedgerContributors(ctx, teamID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.GovernanceWeight, 0, len(ids))
	for _, id := range ids {
		w, err := e.RecomputeWeight(ctx, teamID, id)
		if err != nil {
			return out, err
		}
		out = append(out, w)
	}
	return out, nil
}

// ListWeights returns the stored read model, heaviest first.
func (e Engine) ListWeights(ctx context.Context, teamID string) ([]domain.GovernanceWeight, error) {
	return e.Repo.ListWeights(ctx, teamID)
}
