package onboarding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/habitsync/internal/costmeter"
	"github.com/roach88/habitsync/internal/docstore"
	"github.com/roach88/habitsync/internal/document"
	"github.com/roach88/habitsync/internal/identity"
)

func fastConfig() Config {
	return Config{
		AttemptTimeout: 50 * time.Millisecond,
		RetryDelay:     10 * time.Millisecond,
		MaxAttempts:    2,
		Ceiling:        time.Second,
	}
}

func TestDecideNoIdentityIsLogin(t *testing.T) {
	store := docstore.NewMemory()
	g := NewGate(store, fastConfig())

	d := g.DecideWithTrace(context.Background(), nil)
	assert.Equal(t, LandingLogin, d.Landing)
	assert.Equal(t, []string{"identity: none", "landing: Login"}, d.Trace)
	assert.Equal(t, 0, store.Calls().Gets)
}

func TestDecideTable(t *testing.T) {
	tests := []struct {
		name      string
		fields    map[string]any
		want      Landing
		state     document.OnboardingState
		corrected bool
	}{
		{
			name:  "missing document",
			want:  LandingDashboard,
			state: document.OnboardingUnknown,
		},
		{
			name:   "onboarding completed",
			fields: map[string]any{"onboardingCompleted": true},
			want:   LandingDashboard,
			state:  document.OnboardingComplete,
		},
		{
			name:      "stale flag with xp",
			fields:    map[string]any{"onboardingCompleted": false, "xp": int64(150)},
			want:      LandingDashboard,
			state:     document.OnboardingIncompleteProgress,
			corrected: true,
		},
		{
			name:      "stale flag with badges",
			fields:    map[string]any{"onboardingCompleted": false, "badges": []any{"early-bird"}},
			want:      LandingDashboard,
			state:     document.OnboardingIncompleteProgress,
			corrected: true,
		},
		{
			name:      "stale flag with history",
			fields:    map[string]any{"history": []any{map[string]any{"day": "2024-01-01"}}},
			want:      LandingDashboard,
			state:     document.OnboardingIncompleteProgress,
			corrected: true,
		},
		{
			name:      "stale flag with badge objects",
			fields:    map[string]any{"onboardingCompleted": false, "badges": []any{map[string]any{"id": "first_day"}}},
			want:      LandingDashboard,
			state:     document.OnboardingIncompleteProgress,
			corrected: true,
		},
		{
			name:      "stale flag with fractional xp",
			fields:    map[string]any{"onboardingCompleted": false, "xp": 0.5},
			want:      LandingDashboard,
			state:     document.OnboardingIncompleteProgress,
			corrected: true,
		},
		{
			name:   "new user",
			fields: map[string]any{"onboardingCompleted": false, "xp": int64(0), "streak": int64(0)},
			want:   LandingOnboarding,
			state:  document.OnboardingIncompleteNew,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := docstore.NewMemory()
			ref := document.UserRef("u1")
			if tt.fields != nil {
				store.Seed(ref, tt.fields)
			}
			g := NewGate(store, fastConfig())

			d := g.DecideWithTrace(context.Background(), identity.Remote("u1", ""))
			assert.Equal(t, tt.want, d.Landing)
			assert.Equal(t, tt.state, d.State)
			assert.Equal(t, tt.corrected, d.Corrected)
			assert.Equal(t, 1, d.Attempts)

			if tt.corrected {
				assert.Equal(t, 1, store.Calls().Updates)
				assert.Equal(t, true, store.Peek(ref).Fields["onboardingCompleted"])
			} else {
				assert.Equal(t, 0, store.Calls().Updates)
			}
		})
	}
}

func TestCorrectiveWriteFailureFallsBackToOnboarding(t *testing.T) {
	store := docstore.NewMemory()
	ref := document.UserRef("u1")
	store.Seed(ref, map[string]any{"onboardingCompleted": false, "xp": int64(150)})
	store.FailUpdatesFor(ref, docstore.ErrUnavailable)
	g := NewGate(store, fastConfig())

	d := g.DecideWithTrace(context.Background(), identity.Remote("u1", ""))
	assert.Equal(t, LandingOnboarding, d.Landing)
	assert.False(t, d.Corrected)
	assert.Equal(t, []string{
		"identity: remote:u1",
		"fetch 1: ok",
		"document: incomplete-existing-progress",
		"corrective write: unavailable",
		"landing: Onboarding",
	}, d.Trace)
}

func TestCorrectiveWriteTimeoutFallsBackToOnboarding(t *testing.T) {
	store := docstore.NewMemory()
	ref := document.UserRef("u1")
	store.Seed(ref, map[string]any{"streak": int64(3)})
	store.ScriptUpdates(docstore.Step{Delay: time.Hour})
	g := NewGate(store, fastConfig())

	d := g.DecideWithTrace(context.Background(), identity.Remote("u1", ""))
	assert.Equal(t, LandingOnboarding, d.Landing)
	assert.Contains(t, d.Trace, "corrective write: timeout")
}

func TestRetryAfterFirstAttemptTimesOut(t *testing.T) {
	store := docstore.NewMemory()
	store.Seed(document.UserRef("u1"), map[string]any{"onboardingCompleted": false})
	store.ScriptGets(docstore.Step{Delay: time.Hour})
	g := NewGate(store, fastConfig())

	start := time.Now()
	d := g.DecideWithTrace(context.Background(), identity.Remote("u1", ""))
	elapsed := time.Since(start)

	assert.Equal(t, LandingOnboarding, d.Landing)
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, []string{
		"identity: remote:u1",
		"fetch 1: timeout",
		"retry: wait 10ms",
		"fetch 2: ok",
		"document: incomplete-new",
		"landing: Onboarding",
	}, d.Trace)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestAllAttemptsFailIsDashboard(t *testing.T) {
	store := docstore.NewMemory()
	store.ScriptGets(
		docstore.Step{Err: docstore.ErrUnavailable},
		docstore.Step{Err: errors.New("boom")},
	)
	g := NewGate(store, fastConfig())

	d := g.DecideWithTrace(context.Background(), identity.Remote("u1", ""))
	assert.Equal(t, LandingDashboard, d.Landing)
	assert.Equal(t, document.OnboardingUnknown, d.State)
	assert.Equal(t, []string{
		"identity: remote:u1",
		"fetch 1: unavailable",
		"retry: wait 10ms",
		"fetch 2: error",
		"fetch: exhausted",
		"landing: Dashboard",
	}, d.Trace)
	assert.Equal(t, 2, store.Calls().Gets)
}

func TestCeilingExpiresBeforeAttemptsFinish(t *testing.T) {
	store := docstore.NewMemory()
	store.ScriptGets(docstore.Step{Delay: time.Hour}, docstore.Step{Delay: time.Hour})
	cfg := Config{
		AttemptTimeout: time.Hour,
		RetryDelay:     10 * time.Millisecond,
		MaxAttempts:    2,
		Ceiling:        50 * time.Millisecond,
	}
	g := NewGate(store, cfg)

	start := time.Now()
	d := g.DecideWithTrace(context.Background(), identity.Local("u1", ""))
	elapsed := time.Since(start)

	assert.Equal(t, LandingDashboard, d.Landing)
	assert.True(t, d.CeilingHit)
	assert.Equal(t, []string{
		"identity: local:u1",
		"ceiling: expired",
		"landing: Dashboard",
	}, d.Trace)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestCeilingWhenEveryAttemptExceedsTimeout(t *testing.T) {
	store := docstore.NewMemory()
	store.ScriptGets(docstore.Step{Delay: time.Hour}, docstore.Step{Delay: time.Hour})
	cfg := Config{
		AttemptTimeout: 40 * time.Millisecond,
		RetryDelay:     10 * time.Millisecond,
		MaxAttempts:    2,
		Ceiling:        60 * time.Millisecond,
	}
	g := NewGate(store, cfg)

	d := g.DecideWithTrace(context.Background(), identity.Remote("u1", ""))
	assert.Equal(t, LandingDashboard, d.Landing)
	assert.True(t, d.CeilingHit)
}

func TestCallerCancellationResolvesImmediately(t *testing.T) {
	store := docstore.NewMemory()
	store.ScriptGets(docstore.Step{Delay: time.Hour})
	g := NewGate(store, Config{AttemptTimeout: time.Hour, Ceiling: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan Landing, 1)
	go func() { done <- g.Decide(ctx, identity.Remote("u1", "")) }()

	select {
	case l := <-done:
		assert.Equal(t, LandingDashboard, l)
	case <-time.After(2 * time.Second):
		t.Fatal("Decide did not honour caller cancellation")
	}
}

func TestNewGateAppliesDefaults(t *testing.T) {
	g := NewGate(docstore.NewMemory(), Config{})
	assert.Equal(t, DefaultConfig(), g.Config())
}

func TestMeterRecordsReadAndCorrectiveWrite(t *testing.T) {
	store := docstore.NewMemory()
	store.Seed(document.UserRef("u1"), map[string]any{"xp": int64(5)})
	meter := costmeter.New(costmeter.DefaultPricing(), nil)
	g := NewGate(store, fastConfig(), WithMeter(meter))

	require.Equal(t, LandingDashboard, g.Decide(context.Background(), identity.Remote("u1", "")))
	snap := meter.Snapshot()
	assert.Equal(t, int64(1), snap.Reads)
	assert.Equal(t, int64(1), snap.Writes)
}

func TestDecisionSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	store := docstore.NewMemory()
	store.ScriptGets(docstore.Step{Err: docstore.ErrUnavailable})
	g := NewGate(store, fastConfig(), WithTracerProvider(tp))

	g.Decide(context.Background(), identity.Remote("u1", ""))

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{
		"onboarding.fetch_attempt",
		"onboarding.fetch_attempt",
		"onboarding.decide",
	}, names)
}

func TestParseLanding(t *testing.T) {
	for _, l := range []Landing{LandingLogin, LandingOnboarding, LandingDashboard} {
		got, err := ParseLanding(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseLanding("settings")
	assert.Error(t, err)
}
