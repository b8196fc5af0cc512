package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/habitsync/internal/docstore"
	"github.com/roach88/habitsync/internal/document"
	"github.com/roach88/habitsync/internal/eventsrc"
	"github.com/roach88/habitsync/internal/identity"
	"github.com/roach88/habitsync/internal/onboarding"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Gate = onboarding.Config{
		AttemptTimeout: 40 * time.Millisecond,
		RetryDelay:     10 * time.Millisecond,
		MaxAttempts:    2,
		Ceiling:        200 * time.Millisecond,
	}
	cfg.WriteDebounce = time.Hour
	return cfg
}

type engineFixture struct {
	local  *identity.MemoryStore
	auth   *eventsrc.Source[*identity.Identity]
	store  *docstore.Memory
	engine *Engine
}

func newEngineFixture(t *testing.T, localBlob []byte, opts ...Option) *engineFixture {
	t.Helper()
	f := &engineFixture{
		local: identity.NewMemoryStore(localBlob),
		auth:  eventsrc.New[*identity.Identity]("test.auth", eventsrc.WithReplay(), eventsrc.WithSingleSubscriber()),
		store: docstore.NewMemory(),
	}
	opts = append([]Option{
		WithConfig(testConfig()),
		WithTokenGenerator(NewFixedGenerator("session-1")),
	}, opts...)
	f.engine = New(f.local, f.auth, f.store, opts...)
	t.Cleanup(func() { _ = f.engine.Close(context.Background()) })
	return f
}

func localBlob(t *testing.T, uid string) []byte {
	t.Helper()
	blob, err := identity.EncodeCredential(identity.Local(uid, ""))
	require.NoError(t, err)
	return blob
}

func TestEngine_BootstrapNoIdentityIsLogin(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.auth.Publish(nil)

	assert.Equal(t, onboarding.LandingLogin, f.engine.Bootstrap(context.Background()))
	assert.Equal(t, "session-1", f.engine.Session())
	assert.Equal(t, 0, f.store.Calls().Gets)
}

func TestEngine_BootstrapUsesProvisionalLocalIdentity(t *testing.T) {
	f := newEngineFixture(t, localBlob(t, "u1"))
	f.store.Seed(document.UserRef("u1"), map[string]any{"onboardingCompleted": true})

	landing := f.engine.Bootstrap(context.Background())
	assert.Equal(t, onboarding.LandingDashboard, landing)

	d := f.engine.Decision()
	assert.Equal(t, "identity: local:u1", d.Trace[0])
}

func TestEngine_BootstrapWaitsForProviderWithoutLocal(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.store.Seed(document.UserRef("u-remote"), map[string]any{"onboardingCompleted": false})

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.auth.Publish(identity.Remote("u-remote", ""))
	}()

	assert.Equal(t, onboarding.LandingOnboarding, f.engine.Bootstrap(context.Background()))
}

func TestEngine_BootstrapIsOneShot(t *testing.T) {
	f := newEngineFixture(t, localBlob(t, "u1"))

	first := f.engine.Bootstrap(context.Background())
	gets := f.store.Calls().Gets
	second := f.engine.Bootstrap(context.Background())

	assert.Equal(t, first, second)
	assert.Equal(t, gets, f.store.Calls().Gets)
}

func TestEngine_BootstrapBoundedTermination(t *testing.T) {
	tests := []struct {
		name        string
		local       bool
		publish     *identity.Identity
		publishLate bool
		hangGets    bool
		want        onboarding.Landing
	}{
		{name: "silent provider, no local", want: onboarding.LandingLogin},
		{name: "silent provider, local, store hangs", local: true, hangGets: true, want: onboarding.LandingDashboard},
		{name: "remote identity, store hangs", publish: identity.Remote("u1", ""), hangGets: true, want: onboarding.LandingDashboard},
		{name: "late remote identity", publish: identity.Remote("u1", ""), publishLate: true, want: onboarding.LandingLogin},
		{name: "local, empty provider, store ok", local: true, want: onboarding.LandingDashboard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var blob []byte
			if tt.local {
				blob = localBlob(t, "u1")
			}
			f := newEngineFixture(t, blob)
			if tt.hangGets {
				f.store.ScriptGets(docstore.Step{Delay: time.Hour}, docstore.Step{Delay: time.Hour})
			}
			if tt.publish != nil {
				if tt.publishLate {
					go func() {
						time.Sleep(time.Second)
						f.auth.Publish(tt.publish)
					}()
				} else {
					f.auth.Publish(tt.publish)
				}
			}

			start := time.Now()
			got := f.engine.Bootstrap(context.Background())
			elapsed := time.Since(start)

			assert.Equal(t, tt.want, got)
			assert.Less(t, elapsed, 200*time.Millisecond+150*time.Millisecond,
				"bootstrap must finish within the landing ceiling")
		})
	}
}

func TestEngine_RemoteIdentitySupersedesLocal(t *testing.T) {
	f := newEngineFixture(t, localBlob(t, "u-local"))
	ctx := context.Background()

	f.engine.Bootstrap(ctx)
	require.NoError(t, f.engine.SubscribeUser(ctx, "u-local", nil))
	require.NoError(t, f.engine.UpdateUser("u-local", document.Partial{"xp": int64(5)}))

	f.auth.Publish(identity.Remote("u-remote", "r@example.com"))

	got := f.engine.Identity()
	require.NotNil(t, got)
	assert.Equal(t, identity.KindRemote, got.Kind)
	assert.Equal(t, "u-remote", got.ID)

	_, live := f.engine.ActiveSubscription()
	assert.False(t, live, "previous identity's subscription torn down")
	assert.Equal(t, 0, f.engine.PendingWrites(), "previous identity's writes flushed")
	assert.Equal(t, int64(5), f.store.Peek(document.UserRef("u-local")).Fields["xp"])

	blob, err := f.local.Get(ctx)
	require.NoError(t, err)
	persisted, err := identity.DecodeCredential(blob)
	require.NoError(t, err)
	assert.Equal(t, "u-remote", persisted.ID)
}

func TestEngine_GetUserUpdateUserAndCost(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.store.Seed(document.UserRef("u1"), map[string]any{"xp": int64(10), "badges": []any{"starter"}})

	p, err := f.engine.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(10), p.XP)
	assert.Equal(t, []string{"starter"}, p.Badges)

	_, err = f.engine.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.Calls().Gets, "second read served from cache")

	require.NoError(t, f.engine.UpdateUser("u1", document.Partial{"xp": int64(11)}))
	require.NoError(t, f.engine.UpdateUser("u1", document.Partial{"streak": int64(2)}))
	res := f.engine.Flush(ctx)
	assert.Equal(t, 2, res.Batched)

	snap := f.engine.CostSnapshot()
	assert.Equal(t, int64(1), snap.Reads)
	assert.Equal(t, int64(2), snap.Writes)
	assert.Greater(t, snap.EstimatedCost, 0.0)

	f.engine.ResetCost()
	assert.Equal(t, int64(0), f.engine.CostSnapshot().Reads)
}

func TestEngine_GetUserMissingIsNil(t *testing.T) {
	f := newEngineFixture(t, nil)
	p, err := f.engine.GetUser(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestEngine_SubscribeUserForwardsProfiles(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.store.Seed(document.UserRef("u1"), map[string]any{"streak": int64(3)})

	var got []*document.UserProfile
	require.NoError(t, f.engine.SubscribeUser(ctx, "u1", func(p *document.UserProfile) {
		got = append(got, p)
	}))
	require.NoError(t, f.store.Update(ctx, document.UserRef("u1"), document.Partial{"streak": int64(4)}))

	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].Streak)
	assert.Equal(t, int64(4), got[1].Streak)
}

func TestEngine_Logout(t *testing.T) {
	f := newEngineFixture(t, localBlob(t, "u1"))
	ctx := context.Background()

	f.engine.Bootstrap(ctx)
	require.NoError(t, f.engine.SubscribeUser(ctx, "u1", nil))
	require.NoError(t, f.engine.UpdateUser("u1", document.Partial{"xp": int64(1)}))

	require.NoError(t, f.engine.Logout(ctx))

	assert.Equal(t, 0, f.engine.PendingWrites())
	assert.Equal(t, int64(1), f.store.Peek(document.UserRef("u1")).Fields["xp"])
	_, live := f.engine.ActiveSubscription()
	assert.False(t, live)
	blob, err := f.local.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestEngine_ProviderSignOutClearsLocalAndTearsDown(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.auth.Publish(identity.Remote("u1", ""))
	f.engine.Bootstrap(ctx)
	require.NoError(t, f.engine.SubscribeUser(ctx, "u1", nil))

	blob, err := f.local.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, blob, "remote identity persisted locally")

	f.auth.Publish(nil)

	_, live := f.engine.ActiveSubscription()
	assert.False(t, live)
	blob, err = f.local.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestEngine_CloseFlushesAndRejects(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.engine.UpdateUser("u1", document.Partial{"xp": int64(3)}))
	require.NoError(t, f.engine.Close(ctx))

	assert.Equal(t, int64(3), f.store.Peek(document.UserRef("u1")).Fields["xp"])
	assert.ErrorIs(t, f.engine.UpdateUser("u1", document.Partial{"xp": int64(4)}), ErrClosed)
	assert.ErrorIs(t, f.engine.SubscribeUser(ctx, "u1", nil), ErrClosed)
	assert.Equal(t, 0, f.auth.Subscribers())
	assert.NoError(t, f.engine.Close(ctx), "second close is a no-op")
}

func TestEngine_CloseReportsDroppedWrites(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.store.FailCommits(docstore.ErrUnavailable)
	f.store.FailUpdatesFor(document.UserRef("u1"), docstore.ErrUnavailable)

	require.NoError(t, f.engine.UpdateUser("u1", document.Partial{"xp": int64(3)}))
	err := f.engine.Close(context.Background())
	require.Error(t, err)
	assert.True(t, IsBatchCommitFailure(err))
}

func TestEngine_CloseHonorsDeadlineWhileTimerCommitHangs(t *testing.T) {
	cfg := testConfig()
	cfg.Gate.AttemptTimeout = 5 * time.Second
	cfg.WriteDebounce = 10 * time.Millisecond
	f := newEngineFixture(t, nil, WithConfig(cfg))
	f.store.ScriptCommits(docstore.Step{Delay: time.Hour})

	require.NoError(t, f.engine.UpdateUser("u1", document.Partial{"xp": int64(1)}))
	require.Eventually(t, func() bool { return f.engine.PendingWrites() == 0 }, time.Second, 5*time.Millisecond,
		"timer flush should drain the queue and block in the commit")
	require.NoError(t, f.engine.UpdateUser("u1", document.Partial{"xp": int64(2)}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := f.engine.Close(ctx)
	assert.Less(t, time.Since(start), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
