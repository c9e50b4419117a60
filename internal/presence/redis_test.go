// SPDX-License-Identifier: MIT

package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setupMiniRedis creates a test Redis server using miniredis.
func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, zerolog.Nop())
	return mr, store
}

func TestRedisStore_RegisterAndList(t *testing.T) {
	_, store := setupMiniRedis(t)
	ctx := context.Background()

	if err := store.RegisterConnection(ctx, "c1", "t1", time.Hour); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := store.RegisterConnection(ctx, "c2", "t1", time.Hour); err != nil {
		t.Fatalf("register: %v", err)
	}

	clients, err := store.TenantClients(ctx, "t1", time.Minute)
	if err != nil {
		t.Fatalf("tenant clients: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("expected 2 clients, got %v", clients)
	}
}

func TestRedisStore_RegisterIdempotent(t *testing.T) {
	_, store := setupMiniRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.RegisterConnection(ctx, "c1", "t1", time.Hour); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	clients, err := store.TenantClients(ctx, "t1", time.Minute)
	if err != nil {
		t.Fatalf("tenant clients: %v", err)
	}
	if len(clients) != 1 {
		t.Fatalf("expected client to appear exactly once, got %v", clients)
	}
}

func TestRedisStore_RemoveConnection(t *testing.T) {
	_, store := setupMiniRedis(t)
	ctx := context.Background()

	if err := store.RegisterConnection(ctx, "c1", "t1", time.Hour); err != nil {
		t.Fatalf("register: %v", err)
	}

	tenant, err := store.RemoveConnection(ctx, "c1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if tenant != "t1" {
		t.Errorf("expected tenant t1, got %q", tenant)
	}

	clients, err := store.TenantClients(ctx, "t1", time.Minute)
	if err != nil {
		t.Fatalf("tenant clients: %v", err)
	}
	if len(clients) != 0 {
		t.Errorf("expected empty membership, got %v", clients)
	}

	// Removing an unknown client is a no-op.
	tenant, err = store.RemoveConnection(ctx, "c1")
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if tenant != "" {
		t.Errorf("expected empty tenant for unknown client, got %q", tenant)
	}
}

func TestRedisStore_StaleHeartbeatPruned(t *testing.T) {
	mr, store := setupMiniRedis(t)
	ctx := context.Background()

	if err := store.RegisterConnection(ctx, "c1", "t1", time.Hour); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Age the heartbeat past the liveness cutoff.
	stale := time.Now().Add(-5 * time.Minute).UTC().Format(heartbeatFormat)
	mr.HSet("sse:connections:c1", "last_heartbeat", stale)

	clients, err := store.TenantClients(ctx, "t1", time.Minute)
	if err != nil {
		t.Fatalf("tenant clients: %v", err)
	}
	if len(clients) != 0 {
		t.Fatalf("expected stale client to be pruned, got %v", clients)
	}
	if mr.Exists("sse:org:t1:users") {
		if members, _ := mr.Members("sse:org:t1:users"); len(members) != 0 {
			t.Error("expected stale client removed from membership set")
		}
	}
}

func TestRedisStore_HeartbeatKeepsAlive(t *testing.T) {
	mr, store := setupMiniRedis(t)
	ctx := context.Background()

	if err := store.RegisterConnection(ctx, "c1", "t1", time.Hour); err != nil {
		t.Fatalf("register: %v", err)
	}
	stale := time.Now().Add(-5 * time.Minute).UTC().Format(heartbeatFormat)
	mr.HSet("sse:connections:c1", "last_heartbeat", stale)

	if err := store.Heartbeat(ctx, "c1", time.Hour); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	clients, err := store.TenantClients(ctx, "t1", time.Minute)
	if err != nil {
		t.Fatalf("tenant clients: %v", err)
	}
	if len(clients) != 1 {
		t.Fatalf("expected refreshed client to stay live, got %v", clients)
	}
}

func TestRedisStore_QueueOrderAndDrain(t *testing.T) {
	_, store := setupMiniRedis(t)
	ctx := context.Background()

	for _, msg := range []string{"first", "second", "third"} {
		if err := store.PushQueued(ctx, "c1", msg, 100, time.Minute); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	msgs, err := store.DrainQueued(ctx, "c1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %v", len(want), msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], msgs[i])
		}
	}

	// Queue is cleared after drain.
	msgs, err = store.DrainQueued(ctx, "c1")
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected empty queue after drain, got %v", msgs)
	}
}

func TestRedisStore_QueueTrimsOldest(t *testing.T) {
	_, store := setupMiniRedis(t)
	ctx := context.Background()

	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		if err := store.PushQueued(ctx, "c1", msg, 3, time.Minute); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	msgs, err := store.DrainQueued(ctx, "c1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	want := []string{"c", "d", "e"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %v, got %v", want, msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], msgs[i])
		}
	}
}

func TestRedisStore_QueueTTLExpiry(t *testing.T) {
	mr, store := setupMiniRedis(t)
	ctx := context.Background()

	if err := store.PushQueued(ctx, "c1", "hello", 100, time.Minute); err != nil {
		t.Fatalf("push: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	msgs, err := store.DrainQueued(ctx, "c1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected expired queue to be empty, got %v", msgs)
	}
}

func TestRedisStore_KV(t *testing.T) {
	mr, store := setupMiniRedis(t)
	ctx := context.Background()

	if err := store.SetWithExpiry(ctx, "runners:cache:t1", `[{"id":1}]`, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	val, ok, err := store.Get(ctx, "runners:cache:t1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if val != `[{"id":1}]` {
		t.Errorf("unexpected value %q", val)
	}

	exists, err := store.Exists(ctx, "runners:cache:t1")
	if err != nil || !exists {
		t.Fatalf("exists: %v %v", exists, err)
	}

	mr.FastForward(2 * time.Minute)

	_, ok, err = store.Get(ctx, "runners:cache:t1")
	if err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if ok {
		t.Error("expected key to expire")
	}
}
