package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cookline/internal/domain"
	"cookline/internal/repo"
	"cookline/internal/telemetry"
)

// BoardBreaker names the breaker guarding board API calls.
const BoardBreaker = "board"

// Breaker is a circuit breaker whose state lives in the store, so every process
// working on a team shares it. Each transition is a read-modify-write inside one
// IMMEDIATE transaction.
type Breaker struct {
	Repo      repo.Repo
	TeamID    string
	Name      string
	Threshold int
	Cooldown  time.Duration
	Now       func() time.Time
	Metrics   *telemetry.Metrics
}

func (b Breaker) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

// State loads the persisted state; a breaker never written is closed.
func (b Breaker) State(ctx context.Context) (domain.CircuitBreakerState, error) {
	return b.load(ctx, nil)
}

func (b Breaker) load(ctx context.Context, tx *sql.Tx) (domain.CircuitBreakerState, error) {
	st, err := b.Repo.GetBreaker(ctx, tx, b.TeamID, b.Name)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.CircuitBreakerState{TeamID: b.TeamID, Name: b.Name, State: domain.BreakerClosed}, nil
	}
	return st, err
}

// update applies fn to the current state and saves it when fn reports a change.
func (b Breaker) update(ctx context.Context, fn func(st *domain.CircuitBreakerState) bool) (domain.CircuitBreakerState, error) {
	tx, err := b.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CircuitBreakerState{}, err
	}
	defer tx.Rollback()

	st, err := b.load(ctx, tx)
	if err != nil {
		return st, err
	}
	if !fn(&st) {
		return st, nil
	}
	st.TeamID = b.TeamID
	st.Name = b.Name
	st.UpdatedAt = b.now().Format(time.RFC3339)
	if err := b.Repo.SaveBreaker(ctx, tx, st); err != nil {
		return st, err
	}
	return st, tx.Commit()
}

func (b Breaker) elapsed(stamp *string) bool {
	if stamp == nil {
		return true
	}
	at, err := time.Parse(time.RFC3339, *stamp)
	return err != nil || !b.now().Before(at.Add(b.Cooldown))
}

// CanExecute reports whether a call may go out. An open breaker turns half-open
// once the cooldown has passed and lets one probe through; further callers wait
// for that probe to report, or for another cooldown if it never does.
func (b Breaker) CanExecute(ctx context.Context) (bool, error) {
	var allowed bool
	_, err := b.update(ctx, func(st *domain.CircuitBreakerState) bool {
		switch st.State {
		case domain.BreakerOpen:
			if !b.elapsed(st.OpenedAt) {
				return false
			}
		case domain.BreakerHalfOpen:
			if !b.elapsed(&st.UpdatedAt) {
				return false
			}
		default:
			allowed = true
			return false
		}
		st.State = domain.BreakerHalfOpen
		allowed = true
		return true
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

func (b Breaker) RecordSuccess(ctx context.Context) error {
	_, err := b.update(ctx, func(st *domain.CircuitBreakerState) bool {
		if st.State == domain.BreakerClosed && st.FailureCount == 0 {
			return false
		}
		*st = domain.CircuitBreakerState{State: domain.BreakerClosed}
		return true
	})
	return err
}

// RecordFailure counts a failed call. The breaker opens at the threshold, and a
// failed half-open probe re-opens it immediately.
func (b Breaker) RecordFailure(ctx context.Context) error {
	threshold := b.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	var opened bool
	_, err := b.update(ctx, func(st *domain.CircuitBreakerState) bool {
		st.FailureCount++
		if st.State == domain.BreakerHalfOpen || (st.State == domain.BreakerClosed && st.FailureCount >= threshold) {
			at := b.now().Format(time.RFC3339)
			st.State = domain.BreakerOpen
			st.OpenedAt = &at
			opened = true
		}
		return true
	})
	if err == nil && opened {
		b.Metrics.BreakerOpened(ctx, b.TeamID)
	}
	return err
}
