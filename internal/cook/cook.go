// Package cook holds the pure projections over ledger entries: cap, decay,
// per-period aggregation and velocity. Nothing here mutates an entry.
package cook

import (
	"fmt"
	"math"
	"sort"
	"time"

	"cookline/internal/domain"
)

// DaysPerMonth is the mean Gregorian month length used for fractional months.
const DaysPerMonth = 30.4375

// Policy is the team's weight projection. Nil fields disable the step.
type Policy struct {
	Cap       *float64
	DecayRate *float64
}

type CapResult struct {
	Total         float64  `json:"total"`
	Capped        float64  `json:"capped_cook"`
	Uncapped      float64  `json:"uncapped_cook"`
	CapPercentage float64  `json:"cap_percentage"`
	Cap           *float64 `json:"cap,omitempty"`
}

// ApplyCap bounds total by cap. Without a cap everything counts and the percentage is 0.
func ApplyCap(total float64, cap *float64) CapResult {
	res := CapResult{Total: total, Capped: total, Cap: cap}
	if cap == nil || *cap <= 0 {
		return res
	}
	res.Capped = math.Min(total, *cap)
	res.Uncapped = total - res.Capped
	res.CapPercentage = res.Capped / *cap * 100
	return res
}

// MonthsElapsed returns fractional months between issuedAt and now, never negative.
func MonthsElapsed(issuedAt, now time.Time) float64 {
	d := now.Sub(issuedAt)
	if d <= 0 {
		return 0
	}
	return d.Hours() / 24 / DaysPerMonth
}

// DecayValue applies value * (1-rate)^months.
func DecayValue(value, rate, months float64) float64 {
	if rate <= 0 || months <= 0 {
		return value
	}
	return value * math.Pow(1-rate, months)
}

type DecayResult struct {
	Raw         float64 `json:"raw_cook"`
	Decayed     float64 `json:"decayed_cook"`
	DecayAmount float64 `json:"decay_amount"`
}

// ApplyDecay sums raw and decayed values of entries as of now.
func ApplyDecay(entries []domain.LedgerEntry, rate *float64, now time.Time) (DecayResult, error) {
	var res DecayResult
	for _, e := range entries {
		res.Raw += e.CookValue
		if rate == nil {
			res.Decayed += e.CookValue
			continue
		}
		issued, err := parseTime(e.IssuedAt)
		if err != nil {
			return DecayResult{}, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		res.Decayed += DecayValue(e.CookValue, *rate, MonthsElapsed(issued, now))
	}
	res.DecayAmount = res.Raw - res.Decayed
	return res, nil
}

type Summary struct {
	EntryCount  int     `json:"entry_count"`
	Raw         float64 `json:"raw_cook"`
	Self        float64 `json:"self_cook"`
	Spend       float64 `json:"spend_cook"`
	Decayed     float64 `json:"decayed_cook"`
	DecayAmount float64 `json:"decay_amount"`
	CapResult
	// Effective is the governance weight: decayed first, then capped.
	Effective float64 `json:"effective_cook"`
}

func Summarize(entries []domain.LedgerEntry, p Policy, now time.Time) (Summary, error) {
	dec, err := ApplyDecay(entries, p.DecayRate, now)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{EntryCount: len(entries), Raw: dec.Raw, Decayed: dec.Decayed, DecayAmount: dec.DecayAmount}
	for _, e := range entries {
		if e.Attribution == domain.AttributionSpend {
			s.Spend += e.CookValue
		} else {
			s.Self += e.CookValue
		}
	}
	s.CapResult = ApplyCap(dec.Decayed, p.Cap)
	s.Effective = s.CapResult.Capped
	return s, nil
}

// Effective returns the governance weight of entries under p.
func Effective(entries []domain.LedgerEntry, p Policy, now time.Time) (float64, error) {
	s, err := Summarize(entries, p, now)
	if err != nil {
		return 0, err
	}
	return s.Effective, nil
}

type Granularity string

const (
	ByMonth Granularity = "month"
	ByYear  Granularity = "year"
)

type Trend string

const (
	TrendNew        Trend = "new"
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

type Period struct {
	Period string  `json:"period"`
	Total  float64 `json:"total"`
	Self   float64 `json:"self"`
	Spend  float64 `json:"spend"`
	Count  int     `json:"count"`
	Trend  Trend   `json:"trend"`
}

// Aggregate buckets entries by month (YYYY-MM) or year (YYYY) of issue, sorted ascending,
// and tags each period with its trend against the one before it.
func Aggregate(entries []domain.LedgerEntry, g Granularity) ([]Period, error) {
	layout := "2006-01"
	switch g {
	case ByMonth, "":
	case ByYear:
		layout = "2006"
	default:
		return nil, fmt.Errorf("unknown granularity %q", g)
	}
	buckets := map[string]*Period{}
	for _, e := range entries {
		issued, err := parseTime(e.IssuedAt)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		key := issued.UTC().Format(layout)
		p, ok := buckets[key]
		if !ok {
			p = &Period{Period: key}
			buckets[key] = p
		}
		p.Total += e.CookValue
		p.Count++
		if e.Attribution == domain.AttributionSpend {
			p.Spend += e.CookValue
		} else {
			p.Self += e.CookValue
		}
	}
	out := make([]Period, 0, len(buckets))
	for _, p := range buckets {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	for i := range out {
		out[i].Trend = trend(out, i)
	}
	return out, nil
}

func trend(periods []Period, i int) Trend {
	if i == 0 {
		return TrendNew
	}
	prev, cur := periods[i-1].Total, periods[i].Total
	switch {
	case cur > prev:
		return TrendIncreasing
	case cur < prev:
		return TrendDecreasing
	}
	return TrendStable
}

// Velocity is total COOK per distinct active month; 0 with no entries.
func Velocity(entries []domain.LedgerEntry) (float64, error) {
	months, err := Aggregate(entries, ByMonth)
	if err != nil {
		return 0, err
	}
	if len(months) == 0 {
		return 0, nil
	}
	var total float64
	for _, m := range months {
		total += m.Total
	}
	return total / float64(len(months)), nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid issued_at %q: %w", s, err)
	}
	return t, nil
}
