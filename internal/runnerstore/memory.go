// SPDX-License-Identifier: MIT

package runnerstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests and as a lightweight
// stand-in where no database path is configured.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]Tenant
	runners map[string]map[string]Snapshot // tenant -> external id -> snapshot
}

// NewMemoryStore creates an empty in-memory runner mirror.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]Tenant),
		runners: make(map[string]map[string]Snapshot),
	}
}

func (s *MemoryStore) EnsureTenant(_ context.Context, tenant Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant.ID] = tenant
	return nil
}

func (s *MemoryStore) Tenants(context.Context) ([]Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.runners[tenantID]))
	for _, snap := range s.runners[tenantID] {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runners[snap.TenantID] == nil {
		s.runners[snap.TenantID] = make(map[string]Snapshot)
	}
	s.runners[snap.TenantID][snap.ExternalID] = snap
	return nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, tenantID, externalID string, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.runners[tenantID][externalID]
	if !ok {
		return nil
	}
	snap.Status = "offline"
	snap.Busy = false
	snap.LastChecked = checkedAt
	s.runners[tenantID][externalID] = snap
	return nil
}
