// SPDX-License-Identifier: MIT

package presence

import (
	"context"
	"sync"
	"time"
)

// LocalStore is the in-process fallback used when no coordination store is
// reachable. It implements the same semantics as RedisStore, including TTL
// expiry, but membership is only visible within this process.
type LocalStore struct {
	mu      sync.Mutex
	conns   map[string]*localConn
	tenants map[string]map[string]struct{}
	queues  map[string]*localQueue
	kv      map[string]localValue
	now     func() time.Time
}

type localConn struct {
	tenantID      string
	connectedAt   time.Time
	lastHeartbeat time.Time
	expiresAt     time.Time
}

type localQueue struct {
	msgs      []string // oldest first
	expiresAt time.Time
}

type localValue struct {
	value     string
	expiresAt time.Time
}

// NewLocalStore creates an empty in-process store.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		conns:   make(map[string]*localConn),
		tenants: make(map[string]map[string]struct{}),
		queues:  make(map[string]*localQueue),
		kv:      make(map[string]localValue),
		now:     time.Now,
	}
}

func (s *LocalStore) RegisterConnection(_ context.Context, clientID, tenantID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if old, ok := s.conns[clientID]; ok && old.tenantID != tenantID {
		delete(s.tenants[old.tenantID], clientID)
	}
	s.conns[clientID] = &localConn{
		tenantID:      tenantID,
		connectedAt:   now,
		lastHeartbeat: now,
		expiresAt:     now.Add(ttl),
	}
	if s.tenants[tenantID] == nil {
		s.tenants[tenantID] = make(map[string]struct{})
	}
	s.tenants[tenantID][clientID] = struct{}{}
	return nil
}

func (s *LocalStore) RemoveConnection(_ context.Context, clientID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[clientID]
	if !ok {
		return "", nil
	}
	delete(s.conns, clientID)
	delete(s.tenants[conn.tenantID], clientID)
	return conn.tenantID, nil
}

func (s *LocalStore) Heartbeat(_ context.Context, clientID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[clientID]
	if !ok {
		return nil
	}
	now := s.now()
	conn.lastHeartbeat = now
	conn.expiresAt = now.Add(ttl)
	return nil
}

func (s *LocalStore) TenantClients(_ context.Context, tenantID string, cutoff time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	deadline := now.Add(-cutoff)
	var live []string
	for clientID := range s.tenants[tenantID] {
		conn, ok := s.conns[clientID]
		if !ok || now.After(conn.expiresAt) || !conn.lastHeartbeat.After(deadline) {
			delete(s.tenants[tenantID], clientID)
			delete(s.conns, clientID)
			continue
		}
		live = append(live, clientID)
	}
	return live, nil
}

func (s *LocalStore) PushQueued(_ context.Context, clientID, msg string, maxLen int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	q := s.queues[clientID]
	if q == nil || now.After(q.expiresAt) {
		q = &localQueue{}
		s.queues[clientID] = q
	}
	q.msgs = append(q.msgs, msg)
	if int64(len(q.msgs)) > maxLen {
		q.msgs = q.msgs[int64(len(q.msgs))-maxLen:]
	}
	q.expiresAt = now.Add(ttl)
	return nil
}

func (s *LocalStore) DrainQueued(_ context.Context, clientID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[clientID]
	if q == nil {
		return nil, nil
	}
	delete(s.queues, clientID)
	if s.now().After(q.expiresAt) {
		return nil, nil
	}
	return q.msgs, nil
}

func (s *LocalStore) SetWithExpiry(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kv[key] = localValue{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *LocalStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.kv[key]
	if !ok {
		return "", false, nil
	}
	if s.now().After(v.expiresAt) {
		delete(s.kv, key)
		return "", false, nil
	}
	return v.value, true, nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *LocalStore) Ping(context.Context) error {
	return nil
}
