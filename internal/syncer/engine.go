// SPDX-License-Identifier: MIT

// Package syncer reconciles the local runner mirror against the external CI
// provider under a strict API call budget. A single adaptive loop widens and
// narrows its own polling interval based on observed churn.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/runfeed/runfeed/internal/log"
	"github.com/runfeed/runfeed/internal/metrics"
	"github.com/runfeed/runfeed/internal/presence"
	"github.com/runfeed/runfeed/internal/provider"
	"github.com/runfeed/runfeed/internal/runnerstore"
)

// ErrBudgetExhausted marks a reconcile skipped by the call-budget guard.
// It is a deliberate skip, not a failure.
var ErrBudgetExhausted = errors.New("api call budget exhausted")

// Options configures an Engine.
type Options struct {
	ActiveCacheTTL   time.Duration
	InactiveCacheTTL time.Duration
	HotWindow        time.Duration
	ColdGrace        time.Duration
	MinInterval      time.Duration
	MaxInterval      time.Duration
	StartInterval    time.Duration
	HourlyCallLimit  int
	ThrottleFraction float64
}

// CycleStats summarises one pass of the engine across all known tenants.
type CycleStats struct {
	Checked         int `json:"checked"`
	Synced          int `json:"synced"`
	Updated         int `json:"updated"`
	CallsUsed       int `json:"calls_used"`
	SkippedInactive int `json:"skipped_inactive"`
	SkippedBudget   int `json:"skipped_budget"`
	Errors          int `json:"errors"`
}

// TenantResult reports the outcome of reconciling a single tenant.
type TenantResult struct {
	Updated  int `json:"updated"`
	APICalls int `json:"api_calls"`
}

// Engine is the adaptive sync engine. It owns the per-tenant reconcile and
// the long-running control loop; all cross-process state (response cache,
// activity markers, cold-sync stamps) lives in the coordination store.
type Engine struct {
	opts     Options
	provider provider.Client
	tokens   provider.TokenSource
	runners  runnerstore.Store
	kv       presence.Store
	logger   zerolog.Logger
	now      func() time.Time

	mu            sync.Mutex
	apiCalls      int
	windowResetAt time.Time
	interval      time.Duration
	idleCycles    int
	lastStats     CycleStats
}

// New constructs an Engine. The kv store may be the hub's coordination store
// or a local one; both give correct single-process behavior.
func New(opts Options, client provider.Client, tokens provider.TokenSource, runners runnerstore.Store, kv presence.Store) *Engine {
	if kv == nil {
		kv = presence.NewLocalStore()
	}
	e := &Engine{
		opts:     opts,
		provider: client,
		tokens:   tokens,
		runners:  runners,
		kv:       kv,
		logger:   log.WithComponent("syncer"),
		now:      time.Now,
	}
	e.interval = opts.StartInterval
	e.windowResetAt = e.now().Add(time.Hour)
	return e
}

func cacheKey(tenantID string) string    { return "runners:cache:" + tenantID }
func activityKey(tenantID string) string { return "runners:activity:" + tenantID }
func coldSyncKey(tenantID string) string { return "runners:cold_sync:" + tenantID }

// MarkActive flags a tenant as "hot" for the configured window. Called for
// every provider event that concerns the tenant.
func (e *Engine) MarkActive(ctx context.Context, tenantID string) {
	err := e.kv.SetWithExpiry(ctx, activityKey(tenantID), e.now().UTC().Format(time.RFC3339), e.opts.HotWindow)
	if err != nil {
		e.logger.Debug().Err(err).Str(log.FieldTenantID, tenantID).Msg("activity marker write failed")
	}
}

// InvalidateCache drops the cached provider response for a tenant, forcing
// the next reconcile to fetch fresh data. Used after webhook-originated
// runner updates.
func (e *Engine) InvalidateCache(ctx context.Context, tenantID string) {
	// Overwrite with an immediate expiry; the narrow store interface has no
	// delete, and a sub-second TTL is equivalent here.
	err := e.kv.SetWithExpiry(ctx, cacheKey(tenantID), "", time.Millisecond)
	if err != nil {
		e.logger.Debug().Err(err).Str(log.FieldTenantID, tenantID).Msg("cache invalidation failed")
	}
}

// isHot reports whether the tenant saw provider activity within the hot
// window. Store errors default to hot so real activity is never missed.
func (e *Engine) isHot(ctx context.Context, tenantID string) bool {
	ok, err := e.kv.Exists(ctx, activityKey(tenantID))
	if err != nil {
		return true
	}
	return ok
}

// shouldSyncCold rate-limits reconciliation of cold tenants to once per
// grace period. The stamp's TTL is the grace period itself.
func (e *Engine) shouldSyncCold(ctx context.Context, tenantID string) bool {
	ok, err := e.kv.Exists(ctx, coldSyncKey(tenantID))
	if err != nil {
		return true
	}
	if ok {
		return false
	}
	err = e.kv.SetWithExpiry(ctx, coldSyncKey(tenantID), e.now().UTC().Format(time.RFC3339), e.opts.ColdGrace)
	if err != nil {
		e.logger.Debug().Err(err).Str(log.FieldTenantID, tenantID).Msg("cold-sync stamp write failed")
	}
	return true
}

// throttled reports whether the call budget is spent for the current window
// and resets the window on its fixed wall-clock cadence.
func (e *Engine) throttled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if now.After(e.windowResetAt) {
		e.apiCalls = 0
		e.windowResetAt = now.Add(time.Hour)
	}
	return float64(e.apiCalls) >= float64(e.opts.HourlyCallLimit)*e.opts.ThrottleFraction
}

func (e *Engine) recordCall() {
	e.mu.Lock()
	e.apiCalls++
	e.mu.Unlock()
	metrics.ProviderCallsTotal.Inc()
}

// CallsInWindow returns the number of provider calls in the current budget
// window.
func (e *Engine) CallsInWindow() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.apiCalls
}

// ReconcileTenant converges the tenant's local runner mirror with the
// provider. A valid cached response short-circuits with zero external
// calls; a spent budget returns ErrBudgetExhausted.
func (e *Engine) ReconcileTenant(ctx context.Context, tenant runnerstore.Tenant) (TenantResult, error) {
	var result TenantResult

	if cached, ok, err := e.kv.Get(ctx, cacheKey(tenant.ID)); err == nil && ok && cached != "" {
		e.logger.Debug().Str(log.FieldTenantID, tenant.ID).Msg("cache valid, skipping provider call")
		return result, nil
	}

	if e.throttled() {
		return result, ErrBudgetExhausted
	}

	cred, err := e.tokens.Credential(ctx, tenant.ID)
	if err != nil {
		return result, fmt.Errorf("resolve credential for %s: %w", tenant.ID, err)
	}
	if cred.Org == "" {
		cred.Org = tenant.Org
	}

	fetched, err := e.provider.Runners(ctx, cred)
	if err != nil {
		return result, fmt.Errorf("fetch runners for %s: %w", tenant.ID, err)
	}
	e.recordCall()
	result.APICalls = 1

	updated, err := e.applyDiff(ctx, tenant.ID, fetched)
	if err != nil {
		return result, err
	}
	result.Updated = updated
	if updated > 0 {
		metrics.SyncRunnersUpdated.Add(float64(updated))
	}

	e.writeCache(ctx, tenant.ID, fetched)

	e.logger.Info().
		Str(log.FieldTenantID, tenant.ID).
		Int(log.FieldUpdated, updated).
		Str(log.FieldEvent, "syncer.reconciled").
		Msg("tenant reconciled")
	return result, nil
}

// applyDiff merges the provider's runner list into the local mirror and
// returns how many snapshots were created or changed.
func (e *Engine) applyDiff(ctx context.Context, tenantID string, fetched []provider.Runner) (int, error) {
	existing, err := e.runners.List(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list local runners for %s: %w", tenantID, err)
	}
	existingByID := make(map[string]runnerstore.Snapshot, len(existing))
	for _, snap := range existing {
		existingByID[snap.ExternalID] = snap
	}

	now := e.now().UTC()
	seen := make(map[string]struct{}, len(fetched))
	updated := 0

	for _, r := range fetched {
		seen[r.ExternalID] = struct{}{}

		prev, known := existingByID[r.ExternalID]
		if known && prev.Name == r.Name && prev.Status == r.Status && prev.Busy == r.Busy {
			continue
		}

		snap := runnerstore.Snapshot{
			TenantID:    tenantID,
			ExternalID:  r.ExternalID,
			Name:        r.Name,
			Status:      r.Status,
			Busy:        r.Busy,
			Labels:      r.Labels,
			LastSeen:    prev.LastSeen,
			LastChecked: now,
		}
		if !known || r.Status == "online" || r.Busy {
			snap.LastSeen = now
		}
		if err := e.runners.Upsert(ctx, snap); err != nil {
			return updated, fmt.Errorf("upsert runner %s: %w", r.ExternalID, err)
		}
		updated++
	}

	for _, snap := range existing {
		if _, ok := seen[snap.ExternalID]; ok || snap.Status == "offline" {
			continue
		}
		if err := e.runners.MarkOffline(ctx, tenantID, snap.ExternalID, now); err != nil {
			return updated, fmt.Errorf("mark runner %s offline: %w", snap.ExternalID, err)
		}
		updated++
	}
	return updated, nil
}

func (e *Engine) writeCache(ctx context.Context, tenantID string, fetched []provider.Runner) {
	raw, err := json.Marshal(fetched)
	if err != nil {
		return
	}
	ttl := e.opts.InactiveCacheTTL
	if e.isHot(ctx, tenantID) {
		ttl = e.opts.ActiveCacheTTL
	}
	if err := e.kv.SetWithExpiry(ctx, cacheKey(tenantID), string(raw), ttl); err != nil {
		e.logger.Debug().Err(err).Str(log.FieldTenantID, tenantID).Msg("cache write failed")
	}
}

// SyncAll runs one reconciliation cycle across every known tenant. A single
// tenant's failure never aborts the cycle; the returned error is reserved
// for failures that prevented the cycle from running at all.
func (e *Engine) SyncAll(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	tenants, err := e.runners.Tenants(ctx)
	if err != nil {
		return stats, fmt.Errorf("list tenants: %w", err)
	}
	stats.Checked = len(tenants)

	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		if !e.isHot(ctx, tenant.ID) && !e.shouldSyncCold(ctx, tenant.ID) {
			stats.SkippedInactive++
			metrics.SyncSkippedTotal.WithLabelValues("inactive").Inc()
			continue
		}

		result, err := e.ReconcileTenant(ctx, tenant)
		switch {
		case errors.Is(err, ErrBudgetExhausted):
			stats.SkippedBudget++
			metrics.SyncSkippedTotal.WithLabelValues("budget").Inc()
		case err != nil:
			stats.Errors++
			e.logger.Error().Err(err).
				Str(log.FieldTenantID, tenant.ID).
				Msg("tenant reconcile failed, will retry next cycle")
		default:
			stats.Synced++
			stats.Updated += result.Updated
			stats.CallsUsed += result.APICalls
		}
	}

	metrics.SyncCyclesTotal.Inc()
	e.mu.Lock()
	e.lastStats = stats
	e.mu.Unlock()

	e.logger.Info().
		Int("checked", stats.Checked).
		Int("synced", stats.Synced).
		Int(log.FieldUpdated, stats.Updated).
		Int(log.FieldCallsUsed, stats.CallsUsed).
		Int("skipped_inactive", stats.SkippedInactive).
		Int("skipped_budget", stats.SkippedBudget).
		Int("errors", stats.Errors).
		Str(log.FieldEvent, "syncer.cycle").
		Msg("sync cycle completed")
	return stats, nil
}

// LastStats returns the statistics of the most recent completed cycle.
func (e *Engine) LastStats() CycleStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastStats
}

// Interval returns the loop's current sleep interval.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// Run executes the adaptive control loop until ctx is cancelled. Each cycle
// reconciles all tenants, then adjusts the interval: sustained idleness
// slows the loop down, updates speed it up, errors back off.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info().
		Dur(log.FieldInterval, e.Interval()).
		Str(log.FieldEvent, "syncer.started").
		Msg("sync loop started")

	for {
		stats, err := e.SyncAll(ctx)
		if ctx.Err() != nil {
			e.logger.Info().Str(log.FieldEvent, "syncer.stopped").Msg("sync loop stopped")
			return
		}

		e.mu.Lock()
		if stats.Updated == 0 {
			e.idleCycles++
		} else {
			e.idleCycles = 0
		}
		e.interval = NextInterval(e.interval, stats.Updated, e.idleCycles, err != nil,
			e.opts.MinInterval, e.opts.MaxInterval)
		interval := e.interval
		e.mu.Unlock()
		metrics.SyncInterval.Set(interval.Seconds())

		if err != nil {
			e.logger.Error().Err(err).
				Dur(log.FieldInterval, interval).
				Msg("sync cycle failed, backing off")
		}

		select {
		case <-ctx.Done():
			e.logger.Info().Str(log.FieldEvent, "syncer.stopped").Msg("sync loop stopped")
			return
		case <-time.After(interval):
		}
	}
}
