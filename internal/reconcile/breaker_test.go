package reconcile

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookline/internal/domain"
)

func TestBreakerLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	br := Breaker{Repo: env.Engine.Repo, TeamID: teamID, Name: "test", Threshold: 2, Cooldown: time.Minute, Now: env.Engine.Now}
	ctx := env.Ctx

	ok, err := br.CanExecute(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, br.RecordFailure(ctx))
	st, err := br.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerClosed, st.State)

	require.NoError(t, br.RecordFailure(ctx))
	ok, err = br.CanExecute(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "open after threshold failures")

	env.advance(time.Minute)
	ok, err = br.CanExecute(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	st, _ = br.State(ctx)
	assert.Equal(t, domain.BreakerHalfOpen, st.State)

	require.NoError(t, br.RecordFailure(ctx))
	st, _ = br.State(ctx)
	assert.Equal(t, domain.BreakerOpen, st.State, "failed probe re-opens")

	env.advance(time.Minute)
	ok, err = br.CanExecute(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, br.RecordSuccess(ctx))
	st, _ = br.State(ctx)
	assert.Equal(t, domain.BreakerClosed, st.State)
	assert.Equal(t, 0, st.FailureCount)
}

func TestConcurrentFailuresAreAllCounted(t *testing.T) {
	env := newTestEnv(t, nil)
	br := Breaker{Repo: env.Engine.Repo, TeamID: teamID, Name: "test", Threshold: 100, Cooldown: time.Minute, Now: env.Engine.Now}

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = br.RecordFailure(env.Ctx)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	st, err := br.State(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, callers, st.FailureCount)
}

func TestHalfOpenAdmitsOneProbe(t *testing.T) {
	env := newTestEnv(t, nil)
	br := Breaker{Repo: env.Engine.Repo, TeamID: teamID, Name: "test", Threshold: 1, Cooldown: time.Minute, Now: env.Engine.Now}
	require.NoError(t, br.RecordFailure(env.Ctx))
	env.advance(time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	allowed := make([]bool, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed[i], errs[i] = br.CanExecute(env.Ctx)
		}()
	}
	wg.Wait()
	probes := 0
	for i := range allowed {
		require.NoError(t, errs[i])
		if allowed[i] {
			probes++
		}
	}
	assert.Equal(t, 1, probes)

	env.advance(time.Minute)
	ok, err := br.CanExecute(env.Ctx)
	require.NoError(t, err)
	assert.True(t, ok, "a probe that never reports is replaced after the cooldown")
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Minute, RetryDelay(0))
	assert.Equal(t, 2*time.Minute, RetryDelay(1))
	assert.Equal(t, 32*time.Minute, RetryDelay(5))
	assert.Equal(t, time.Hour, RetryDelay(6))
	assert.Equal(t, time.Hour, RetryDelay(40))
}
