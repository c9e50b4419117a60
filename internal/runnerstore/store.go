// SPDX-License-Identifier: MIT

// Package runnerstore keeps the local mirror of runner state that the sync
// engine converges against the provider.
package runnerstore

import (
	"context"
	"time"
)

// Snapshot is the locally mirrored state of one runner. Snapshots are
// created on first observation (webhook or poll) and marked offline, never
// deleted, when a runner disappears from a reconciliation pass.
type Snapshot struct {
	TenantID    string    `json:"tenant_id"`
	ExternalID  string    `json:"external_id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"` // "online" or "offline"
	Busy        bool      `json:"busy"`
	Labels      []string  `json:"labels"`
	LastSeen    time.Time `json:"last_seen"`
	LastChecked time.Time `json:"last_checked"`
}

// Tenant is one known tenant and its provider organization handle.
type Tenant struct {
	ID  string `json:"id"`
	Org string `json:"org"`
}

// Store is the runner mirror contract. Writes are upserts keyed by
// (tenant_id, external_id) so concurrent webhook and poll writers cannot
// produce duplicate rows.
type Store interface {
	// EnsureTenant registers a tenant; re-registering updates the org handle.
	EnsureTenant(ctx context.Context, tenant Tenant) error

	// Tenants lists all known tenants.
	Tenants(ctx context.Context) ([]Tenant, error)

	// List returns all runner snapshots of a tenant.
	List(ctx context.Context, tenantID string) ([]Snapshot, error)

	// Upsert creates or fully replaces a runner snapshot.
	Upsert(ctx context.Context, snap Snapshot) error

	// MarkOffline soft-deletes a runner: status=offline, busy=false,
	// last_checked=checkedAt. The row itself is kept.
	MarkOffline(ctx context.Context, tenantID, externalID string, checkedAt time.Time) error
}
