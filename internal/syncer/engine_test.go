// SPDX-License-Identifier: MIT

package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/runfeed/runfeed/internal/presence"
	"github.com/runfeed/runfeed/internal/provider"
	"github.com/runfeed/runfeed/internal/runnerstore"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	byOrg   map[string][]provider.Runner
	errByOrg map[string]error
}

func (f *fakeProvider) Runners(_ context.Context, cred provider.Credential) ([]provider.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errByOrg[cred.Org]; err != nil {
		return nil, err
	}
	return f.byOrg[cred.Org], nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTokens struct{}

func (fakeTokens) Credential(_ context.Context, tenantID string) (provider.Credential, error) {
	return provider.Credential{TenantID: tenantID, Token: "tok"}, nil
}

func testEngineOptions() Options {
	return Options{
		ActiveCacheTTL:   5 * time.Minute,
		InactiveCacheTTL: 30 * time.Minute,
		HotWindow:        time.Hour,
		ColdGrace:        30 * time.Minute,
		MinInterval:      30 * time.Second,
		MaxInterval:      5 * time.Minute,
		StartInterval:    time.Minute,
		HourlyCallLimit:  4000,
		ThrottleFraction: 0.8,
	}
}

type engineFixture struct {
	engine   *Engine
	provider *fakeProvider
	store    *runnerstore.MemoryStore
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T, opts Options) *engineFixture {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	kv := presence.NewRedisStoreFromClient(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}), zerolog.Nop())
	fp := &fakeProvider{byOrg: map[string][]provider.Runner{}, errByOrg: map[string]error{}}
	store := runnerstore.NewMemoryStore()
	return &engineFixture{
		engine:   New(opts, fp, fakeTokens{}, store, kv),
		provider: fp,
		store:    store,
		mr:       mr,
	}
}

func onlineRunner(id, name string) provider.Runner {
	return provider.Runner{ExternalID: id, Name: name, Status: "online", Busy: false, Labels: []string{"self-hosted"}}
}

func TestReconcileCreatesRunners(t *testing.T) {
	f := newFixture(t, testEngineOptions())
	ctx := context.Background()
	tenant := runnerstore.Tenant{ID: "t1", Org: "acme"}

	f.provider.byOrg["acme"] = []provider.Runner{onlineRunner("1", "a"), onlineRunner("2", "b")}

	result, err := f.engine.ReconcileTenant(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Updated)
	assert.Equal(t, 1, result.APICalls)

	snaps, err := f.store.List(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.False(t, snaps[0].LastSeen.IsZero())
}

func TestReconcileIsIdempotentWithValidCache(t *testing.T) {
	f := newFixture(t, testEngineOptions())
	ctx := context.Background()
	tenant := runnerstore.Tenant{ID: "t1", Org: "acme"}
	f.provider.byOrg["acme"] = []provider.Runner{onlineRunner("1", "a")}

	_, err := f.engine.ReconcileTenant(ctx, tenant)
	require.NoError(t, err)
	before := f.provider.callCount()

	result, err := f.engine.ReconcileTenant(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, result.APICalls, "valid cache must serve without external calls")
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, before, f.provider.callCount())
}

func TestReconcileUpdatesChangedFields(t *testing.T) {
	f := newFixture(t, testEngineOptions())
	ctx := context.Background()
	tenant := runnerstore.Tenant{ID: "t1", Org: "acme"}

	f.provider.byOrg["acme"] = []provider.Runner{onlineRunner("1", "a")}
	_, err := f.engine.ReconcileTenant(ctx, tenant)
	require.NoError(t, err)

	busy := onlineRunner("1", "a")
	busy.Busy = true
	f.provider.byOrg["acme"] = []provider.Runner{busy}
	f.engine.InvalidateCache(ctx, "t1")

	result, err := f.engine.ReconcileTenant(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	snaps, _ := f.store.List(ctx, "t1")
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Busy)
}

func TestReconcileMarksMissingRunnersOffline(t *testing.T) {
	f := newFixture(t, testEngineOptions())
	ctx := context.Background()
	tenant := runnerstore.Tenant{ID: "t1", Org: "acme"}

	f.provider.byOrg["acme"] = []provider.Runner{onlineRunner("1", "a"), onlineRunner("2", "b")}
	_, err := f.engine.ReconcileTenant(ctx, tenant)
	require.NoError(t, err)

	f.provider.byOrg["acme"] = []provider.Runner{onlineRunner("1", "a")}
	f.engine.InvalidateCache(ctx, "t1")

	result, err := f.engine.ReconcileTenant(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	snaps, _ := f.store.List(ctx, "t1")
	require.Len(t, snaps, 2, "runners are soft-deleted, never removed")
	var gone runnerstore.Snapshot
	for _, s := range snaps {
		if s.ExternalID == "2" {
			gone = s
		}
	}
	assert.Equal(t, "offline", gone.Status)
	assert.False(t, gone.Busy)
}

func TestReconcileNoChangesCountsZero(t *testing.T) {
	f := newFixture(t, testEngineOptions())
	ctx := context.Background()
	tenant := runnerstore.Tenant{ID: "t1", Org: "acme"}

	f.provider.byOrg["acme"] = []provider.Runner{onlineRunner("1", "a")}
	_, err := f.engine.ReconcileTenant(ctx, tenant)
	require.NoError(t, err)

	f.engine.InvalidateCache(ctx, "t1")
	result, err := f.engine.ReconcileTenant(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, result.APICalls, "expired cache forces a fetch")
	assert.Equal(t, 0, result.Updated, "unchanged provider response yields zero snapshot changes")
}

func TestBudgetGuardStopsCallsAtThreshold(t *testing.T) {
	opts := testEngineOptions()
	opts.HourlyCallLimit = 10 // threshold at 8 calls
	f := newFixture(t, opts)
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	f.engine.now = func() time.Time { return base }
	f.engine.windowResetAt = base.Add(time.Hour)

	f.provider.byOrg[""] = nil
	for i := 0; i < 8; i++ {
		tenant := runnerstore.Tenant{ID: string(rune('a' + i)), Org: ""}
		_, err := f.engine.ReconcileTenant(ctx, tenant)
		require.NoError(t, err)
	}
	assert.Equal(t, 8, f.engine.CallsInWindow())

	// Hot or not, the ninth distinct tenant is refused.
	f.engine.MarkActive(ctx, "z")
	_, err := f.engine.ReconcileTenant(ctx, runnerstore.Tenant{ID: "z", Org: ""})
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, 8, f.provider.callCount())

	// The window resets on its wall-clock cadence, then calls resume.
	f.engine.now = func() time.Time { return base.Add(61 * time.Minute) }
	_, err = f.engine.ReconcileTenant(ctx, runnerstore.Tenant{ID: "z2", Org: ""})
	require.NoError(t, err)
	assert.Equal(t, 9, f.provider.callCount())
}

func TestSyncAllSkipsColdTenantsWithinGrace(t *testing.T) {
	f := newFixture(t, testEngineOptions())
	ctx := context.Background()

	require.NoError(t, f.store.EnsureTenant(ctx, runnerstore.Tenant{ID: "t1", Org: "acme"}))
	f.provider.byOrg["acme"] = []provider.Runner{onlineRunner("1", "a")}

	stats, err := f.engine.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Synced, "cold tenant syncs once")

	f.engine.InvalidateCache(ctx, "t1")
	stats, err = f.engine.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SkippedInactive, "cold tenant within grace is skipped")
	assert.Equal(t, 0, stats.Synced)

	// A hot marker lifts the restriction.
	f.engine.MarkActive(ctx, "t1")
	stats, err = f.engine.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Synced)
}

func TestSyncAllSurvivesTenantFailure(t *testing.T) {
	f := newFixture(t, testEngineOptions())
	ctx := context.Background()

	require.NoError(t, f.store.EnsureTenant(ctx, runnerstore.Tenant{ID: "bad", Org: "broken"}))
	require.NoError(t, f.store.EnsureTenant(ctx, runnerstore.Tenant{ID: "good", Org: "acme"}))
	f.engine.MarkActive(ctx, "bad")
	f.engine.MarkActive(ctx, "good")

	f.provider.errByOrg["broken"] = errors.New("provider down")
	f.provider.byOrg["acme"] = []provider.Runner{onlineRunner("1", "a")}

	stats, err := f.engine.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.Synced, "one tenant's failure must not abort the cycle")
	assert.Equal(t, 1, stats.Updated)
}

func TestSyncAllCountsBudgetSkips(t *testing.T) {
	opts := testEngineOptions()
	opts.HourlyCallLimit = 1
	opts.ThrottleFraction = 0.8 // threshold rounds to one call... first call already over
	f := newFixture(t, opts)
	ctx := context.Background()

	require.NoError(t, f.store.EnsureTenant(ctx, runnerstore.Tenant{ID: "t1", Org: "acme"}))
	f.engine.MarkActive(ctx, "t1")

	// threshold is 0.8 calls, so the very first reconcile is refused
	stats, err := f.engine.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SkippedBudget)
	assert.Equal(t, 0, f.provider.callCount())
}

func TestCacheTTLDependsOnActivity(t *testing.T) {
	f := newFixture(t, testEngineOptions())
	ctx := context.Background()
	f.provider.byOrg["acme"] = []provider.Runner{onlineRunner("1", "a")}

	// Cold tenant gets the long TTL.
	_, err := f.engine.ReconcileTenant(ctx, runnerstore.Tenant{ID: "cold", Org: "acme"})
	require.NoError(t, err)
	coldTTL := f.mr.TTL("runners:cache:cold")

	// Hot tenant gets the short TTL.
	f.engine.MarkActive(ctx, "hot")
	_, err = f.engine.ReconcileTenant(ctx, runnerstore.Tenant{ID: "hot", Org: "acme"})
	require.NoError(t, err)
	hotTTL := f.mr.TTL("runners:cache:hot")

	assert.Equal(t, testEngineOptions().InactiveCacheTTL, coldTTL)
	assert.Equal(t, testEngineOptions().ActiveCacheTTL, hotTTL)
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	opts := testEngineOptions()
	opts.MinInterval = 10 * time.Millisecond
	opts.StartInterval = 10 * time.Millisecond
	opts.MaxInterval = 50 * time.Millisecond

	fp := &fakeProvider{byOrg: map[string][]provider.Runner{}, errByOrg: map[string]error{}}
	engine := New(opts, fp, fakeTokens{}, runnerstore.NewMemoryStore(), presence.NewLocalStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sync loop did not stop on context cancellation")
	}
}

func TestRunAdjustsInterval(t *testing.T) {
	opts := testEngineOptions()
	f := newFixture(t, opts)
	ctx := context.Background()

	// Three idle cycles grow the interval.
	start := f.engine.Interval()
	for i := 0; i < 4; i++ {
		stats, err := f.engine.SyncAll(ctx)
		require.NoError(t, err)
		f.engine.mu.Lock()
		if stats.Updated == 0 {
			f.engine.idleCycles++
		} else {
			f.engine.idleCycles = 0
		}
		f.engine.interval = NextInterval(f.engine.interval, stats.Updated, f.engine.idleCycles, false,
			opts.MinInterval, opts.MaxInterval)
		f.engine.mu.Unlock()
	}
	assert.Greater(t, f.engine.Interval(), start)
}
