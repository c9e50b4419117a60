// SPDX-License-Identifier: MIT

// Package presence abstracts the coordination store that makes client
// membership and tenant activity visible across processes. Two
// implementations exist: a Redis-backed store for coordinated mode and an
// in-process store used both as the local-only fallback and in tests.
package presence

import (
	"context"
	"time"
)

// Store is the narrow coordination-store surface the hub and the sync engine
// depend on. All mutations are atomic and idempotent so concurrent writers
// from multiple processes are safe.
type Store interface {
	// RegisterConnection records connection metadata for a client and adds it
	// to its tenant's membership set, both with the given TTL. Re-registering
	// an existing client refreshes the record in place.
	RegisterConnection(ctx context.Context, clientID, tenantID string, ttl time.Duration) error

	// RemoveConnection deletes the connection record and removes the client
	// from its tenant's set. Removing an unknown client is a no-op; the
	// returned tenant ID is empty in that case.
	RemoveConnection(ctx context.Context, clientID string) (tenantID string, err error)

	// Heartbeat refreshes the client's last-heartbeat timestamp and the TTL
	// of its connection record.
	Heartbeat(ctx context.Context, clientID string, ttl time.Duration) error

	// TenantClients lists clients in the tenant's membership set whose last
	// heartbeat is within cutoff. Stale members are pruned as a side effect.
	TenantClients(ctx context.Context, tenantID string, cutoff time.Duration) ([]string, error)

	// PushQueued appends a message to the client's pending queue, trims the
	// queue to maxLen keeping the newest entries, and refreshes its TTL.
	PushQueued(ctx context.Context, clientID, msg string, maxLen int64, ttl time.Duration) error

	// DrainQueued returns all pending messages for the client, oldest first,
	// and clears the queue.
	DrainQueued(ctx context.Context, clientID string) ([]string, error)

	// SetWithExpiry stores an arbitrary key with a TTL. Used for the sync
	// engine's response cache, activity markers and cold-sync stamps.
	SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value at key, reporting whether it exists and has not
	// expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Exists reports whether the key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// heartbeatFormat is the wire format for connection timestamps.
const heartbeatFormat = time.RFC3339Nano
