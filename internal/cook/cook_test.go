package cook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookline/internal/domain"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(id string, v float64, a domain.Attribution, issued time.Time) domain.LedgerEntry {
	return domain.LedgerEntry{ID: id, TaskID: "task-" + id, TeamID: "team", ContributorID: "alice", CookValue: v, Attribution: a, IssuedAt: issued.Format(time.RFC3339Nano)}
}

func ptr(v float64) *float64 { return &v }

func TestApplyCap(t *testing.T) {
	res := ApplyCap(150, ptr(100))
	assert.Equal(t, 100.0, res.Capped)
	assert.Equal(t, 50.0, res.Uncapped)
	assert.Equal(t, 100.0, res.CapPercentage)

	res = ApplyCap(40, ptr(100))
	assert.Equal(t, 40.0, res.Capped)
	assert.Equal(t, 0.0, res.Uncapped)
	assert.Equal(t, 40.0, res.CapPercentage)

	res = ApplyCap(150, nil)
	assert.Equal(t, 150.0, res.Capped)
	assert.Zero(t, res.Uncapped)
}

func TestDecayTwoMonths(t *testing.T) {
	issued := now.Add(-time.Duration(2*DaysPerMonth*24) * time.Hour)
	res, err := ApplyDecay([]domain.LedgerEntry{entry("1", 10, domain.AttributionSelf, issued)}, ptr(0.1), now)
	require.NoError(t, err)
	assert.InDelta(t, 8.1, res.Decayed, 1e-9)
	assert.InDelta(t, 1.9, res.DecayAmount, 1e-9)
	assert.Equal(t, 10.0, res.Raw)
}

func TestDecayIgnoresFutureAndNilRate(t *testing.T) {
	future := entry("1", 10, domain.AttributionSelf, now.Add(48*time.Hour))
	res, err := ApplyDecay([]domain.LedgerEntry{future}, ptr(0.5), now)
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.Decayed)

	old := entry("2", 10, domain.AttributionSelf, now.AddDate(-3, 0, 0))
	res, err = ApplyDecay([]domain.LedgerEntry{old}, nil, now)
	require.NoError(t, err)
	assert.Equal(t, 10.0, res.Decayed)
	assert.Zero(t, res.DecayAmount)
}

func TestEffectiveDecaysBeforeCapping(t *testing.T) {
	issued := now.Add(-time.Duration(2*DaysPerMonth*24) * time.Hour)
	entries := []domain.LedgerEntry{
		entry("1", 100, domain.AttributionSelf, issued),
		entry("2", 50, domain.AttributionSpend, issued),
	}
	s, err := Summarize(entries, Policy{Cap: ptr(100), DecayRate: ptr(0.1)}, now)
	require.NoError(t, err)
	assert.Equal(t, 150.0, s.Raw)
	assert.Equal(t, 100.0, s.Self)
	assert.Equal(t, 50.0, s.Spend)
	assert.InDelta(t, 121.5, s.Decayed, 1e-9)
	assert.Equal(t, 100.0, s.Effective)
	assert.InDelta(t, 21.5, s.Uncapped, 1e-9)
	assert.Len(t, entries, 2)
	assert.Equal(t, 100.0, entries[0].CookValue, "entries untouched")
}

func TestAggregateAndTrend(t *testing.T) {
	entries := []domain.LedgerEntry{
		entry("1", 5, domain.AttributionSelf, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)),
		entry("2", 5, domain.AttributionSpend, time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)),
		entry("3", 20, domain.AttributionSelf, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
		entry("4", 20, domain.AttributionSelf, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)),
		entry("5", 3, domain.AttributionSelf, time.Date(2026, 5, 9, 0, 0, 0, 0, time.UTC)),
	}
	months, err := Aggregate(entries, ByMonth)
	require.NoError(t, err)
	require.Len(t, months, 4)
	assert.Equal(t, "2026-01", months[0].Period)
	assert.Equal(t, Period{Period: "2026-01", Total: 10, Self: 5, Spend: 5, Count: 2, Trend: TrendNew}, months[0])
	assert.Equal(t, TrendIncreasing, months[1].Trend)
	assert.Equal(t, TrendStable, months[2].Trend)
	assert.Equal(t, TrendDecreasing, months[3].Trend)

	years, err := Aggregate(entries, ByYear)
	require.NoError(t, err)
	require.Len(t, years, 1)
	assert.Equal(t, "2026", years[0].Period)
	assert.Equal(t, 53.0, years[0].Total)

	v, err := Velocity(entries)
	require.NoError(t, err)
	assert.InDelta(t, 53.0/4, v, 1e-9)

	_, err = Aggregate(entries, "week")
	assert.Error(t, err)
}

func TestVelocityEmpty(t *testing.T) {
	v, err := Velocity(nil)
	require.NoError(t, err)
	assert.Zero(t, v)
}
