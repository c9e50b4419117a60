// SPDX-License-Identifier: MIT

// Package hub implements the event distribution hub: it tracks which tenant
// each live client belongs to, fans broadcast events out to every live
// client of a tenant, and queues messages for clients that are momentarily
// off the distribution substrate.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/runfeed/runfeed/internal/log"
	"github.com/runfeed/runfeed/internal/metrics"
	"github.com/runfeed/runfeed/internal/presence"
)

// Options configures a Hub.
type Options struct {
	HeartbeatInterval time.Duration
	ConnectionTTL     time.Duration
	QueueTTL          time.Duration
	QueueMaxLen       int
}

// channelSlack is extra buffer beyond the pending-queue capacity so a drain
// immediately followed by a burst of broadcasts cannot fill the channel.
const channelSlack = 32

// Subscription is a live client's delivery handle. Events arrive on the
// channel as JSON-encoded strings; the channel is closed on Unsubscribe.
type Subscription struct {
	ClientID    string
	TenantID    string
	ConnectedAt time.Time

	ch            chan string
	lastHeartbeat time.Time
}

// Events returns the client's delivery channel.
func (s *Subscription) Events() <-chan string { return s.ch }

// Hub fans events out to subscribed clients grouped by tenant. The
// coordination store is chosen once at construction: a reachable store gives
// coordinated (multi-process) membership, otherwise the hub runs on a purely
// in-process store. Individual store failures degrade the single operation,
// never the hub.
type Hub struct {
	opts        Options
	store       presence.Store
	coordinated bool
	logger      zerolog.Logger
	now         func() time.Time

	mu      sync.RWMutex
	subs    map[string]*Subscription
	tenants map[string]map[string]struct{}
}

// New creates a Hub backed by store. A nil store, or one whose initial ping
// fails, switches the hub to local-only membership tracking.
func New(opts Options, store presence.Store) *Hub {
	logger := log.WithComponent("hub")
	coordinated := false
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := store.Ping(ctx)
		cancel()
		if err != nil {
			logger.Warn().Err(err).
				Str(log.FieldEvent, "hub.degraded").
				Msg("coordination store unreachable, falling back to local-only mode")
		} else {
			coordinated = true
		}
	}
	if !coordinated {
		store = presence.NewLocalStore()
	}
	return &Hub{
		opts:        opts,
		store:       store,
		coordinated: coordinated,
		logger:      logger,
		now:         time.Now,
		subs:        make(map[string]*Subscription),
		tenants:     make(map[string]map[string]struct{}),
	}
}

// Coordinated reports whether the hub registered with a shared store.
func (h *Hub) Coordinated() bool { return h.coordinated }

// Subscribe registers the client as live for the tenant and returns its
// delivery handle. Messages queued while the client was away are drained
// into the channel, oldest first, before the subscription becomes visible
// to new broadcasts. Subscribing an already-subscribed client replaces the
// previous subscription.
func (h *Hub) Subscribe(ctx context.Context, clientID, tenantID string) (*Subscription, error) {
	now := h.now()
	sub := &Subscription{
		ClientID:      clientID,
		TenantID:      tenantID,
		ConnectedAt:   now,
		ch:            make(chan string, h.opts.QueueMaxLen+channelSlack),
		lastHeartbeat: now,
	}

	pending, err := h.store.DrainQueued(ctx, clientID)
	if err != nil {
		h.logger.Warn().Err(err).
			Str(log.FieldClientID, clientID).
			Msg("drain of pending messages failed")
	}
	for _, msg := range pending {
		select {
		case sub.ch <- msg:
		default:
			// cannot happen while the channel outcapacities the queue, but
			// never block the subscribe path
			metrics.IncDelivered("dropped")
		}
	}
	if len(pending) > 0 {
		h.logger.Info().
			Str(log.FieldClientID, clientID).
			Int(log.FieldQueued, len(pending)).
			Str(log.FieldEvent, "hub.pending_drained").
			Msg("delivered pending messages to reconnecting client")
	}

	h.mu.Lock()
	if old, ok := h.subs[clientID]; ok {
		h.dropLocked(old)
		metrics.LiveConnections.Dec()
	}
	h.subs[clientID] = sub
	if h.tenants[tenantID] == nil {
		h.tenants[tenantID] = make(map[string]struct{})
	}
	h.tenants[tenantID][clientID] = struct{}{}
	h.mu.Unlock()

	if err := h.store.RegisterConnection(ctx, clientID, tenantID, h.opts.ConnectionTTL); err != nil {
		// fail-open: the local channel still delivers within this process
		h.logger.Warn().Err(err).
			Str(log.FieldClientID, clientID).
			Str(log.FieldTenantID, tenantID).
			Msg("store registration failed, connection is local-only")
	}

	metrics.LiveConnections.Inc()
	h.logger.Info().
		Str(log.FieldClientID, clientID).
		Str(log.FieldTenantID, tenantID).
		Str(log.FieldEvent, "hub.subscribed").
		Msg("client subscribed")
	return sub, nil
}

// Unsubscribe removes the client and closes its delivery channel. Unknown
// clients are a no-op. The client's pending queue is left to expire on its
// own TTL so a quick reconnect still sees missed messages.
func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	sub, ok := h.subs[clientID]
	if ok {
		h.dropLocked(sub)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := h.store.RemoveConnection(ctx, clientID); err != nil {
		h.logger.Warn().Err(err).
			Str(log.FieldClientID, clientID).
			Msg("store removal failed")
	}
	if ok {
		metrics.LiveConnections.Dec()
		h.logger.Info().
			Str(log.FieldClientID, clientID).
			Str(log.FieldEvent, "hub.unsubscribed").
			Msg("client unsubscribed")
	}
}

// dropLocked detaches a subscription from the local maps and closes its
// channel. Caller holds h.mu.
func (h *Hub) dropLocked(sub *Subscription) {
	delete(h.subs, sub.ClientID)
	if set := h.tenants[sub.TenantID]; set != nil {
		delete(set, sub.ClientID)
		if len(set) == 0 {
			delete(h.tenants, sub.TenantID)
		}
	}
	close(sub.ch)
}

// Heartbeat refreshes the client's liveness locally and in the store. The
// transport layer calls this at the configured cadence; a client without a
// heartbeat for twice the interval is considered dead.
func (h *Hub) Heartbeat(ctx context.Context, clientID string) {
	h.mu.Lock()
	if sub, ok := h.subs[clientID]; ok {
		sub.lastHeartbeat = h.now()
	}
	h.mu.Unlock()

	if err := h.store.Heartbeat(ctx, clientID, h.opts.ConnectionTTL); err != nil {
		h.logger.Debug().Err(err).
			Str(log.FieldClientID, clientID).
			Msg("store heartbeat failed")
	}
}

// Broadcast delivers an event to every live client of the tenant. Clients
// with a live local channel get the message pushed directly (non-blocking);
// all other members of the tenant set get it appended to their pending
// queue. Returns the number of clients reached.
func (h *Hub) Broadcast(ctx context.Context, tenantID, eventType string, payload map[string]any) int {
	msg, err := encodeEvent(eventType, payload)
	if err != nil {
		h.logger.Error().Err(err).
			Str(log.FieldEventType, eventType).
			Msg("event payload not serializable")
		return 0
	}
	metrics.BroadcastEventsTotal.WithLabelValues(eventType).Inc()

	members := h.members(ctx, tenantID)
	cutoff := 2 * h.opts.HeartbeatInterval

	delivered := 0
	var failed []string
	for _, clientID := range members {
		h.mu.RLock()
		sub, local := h.subs[clientID]
		if local && h.now().Sub(sub.lastHeartbeat) > cutoff {
			local = false // dead connection, fall through to the pending queue
		}
		if local {
			select {
			case sub.ch <- msg:
				delivered++
				metrics.IncDelivered("live")
			default:
				// full channel means the consumer is gone; reap it
				metrics.IncDelivered("dropped")
				failed = append(failed, clientID)
			}
			h.mu.RUnlock()
			continue
		}
		h.mu.RUnlock()

		err := h.store.PushQueued(ctx, clientID, msg, int64(h.opts.QueueMaxLen), h.opts.QueueTTL)
		if err != nil {
			h.logger.Warn().Err(err).
				Str(log.FieldClientID, clientID).
				Msg("queueing for offline client failed")
			failed = append(failed, clientID)
			continue
		}
		delivered++
		metrics.IncDelivered("queued")
	}

	for _, clientID := range failed {
		h.Unsubscribe(clientID)
	}

	if delivered == 0 && len(members) > 0 {
		h.logger.Warn().
			Str(log.FieldTenantID, tenantID).
			Str(log.FieldEventType, eventType).
			Int("members", len(members)).
			Msg("no client reached despite non-empty membership")
	} else if len(members) > 0 {
		h.logger.Info().
			Str(log.FieldTenantID, tenantID).
			Str(log.FieldEventType, eventType).
			Int(log.FieldDelivered, delivered).
			Int("members", len(members)).
			Str(log.FieldEvent, "hub.broadcast").
			Msg("event broadcast")
	}
	return delivered
}

// members returns the union of the store's membership view and the local
// subscription map. A store failure degrades to the local view.
func (h *Hub) members(ctx context.Context, tenantID string) []string {
	seen := make(map[string]struct{})

	stored, err := h.store.TenantClients(ctx, tenantID, 2*h.opts.HeartbeatInterval)
	if err != nil {
		h.logger.Warn().Err(err).
			Str(log.FieldTenantID, tenantID).
			Msg("membership lookup failed, using local view")
	}
	for _, id := range stored {
		seen[id] = struct{}{}
	}

	h.mu.RLock()
	for id := range h.tenants[tenantID] {
		seen[id] = struct{}{}
	}
	h.mu.RUnlock()

	members := make([]string, 0, len(seen))
	for id := range seen {
		members = append(members, id)
	}
	return members
}

// Run reaps local subscriptions whose heartbeat lapsed beyond the cutoff.
// It blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reapStale()
		}
	}
}

func (h *Hub) reapStale() {
	cutoff := 2 * h.opts.HeartbeatInterval
	now := h.now()

	h.mu.Lock()
	var stale []string
	for clientID, sub := range h.subs {
		if now.Sub(sub.lastHeartbeat) > cutoff {
			stale = append(stale, clientID)
		}
	}
	h.mu.Unlock()

	for _, clientID := range stale {
		h.logger.Info().
			Str(log.FieldClientID, clientID).
			Str(log.FieldEvent, "hub.reaped").
			Msg("reaping connection without heartbeat")
		h.Unsubscribe(clientID)
	}
}

// Stats summarises the hub's local state.
type Stats struct {
	LocalClients int            `json:"local_clients"`
	Tenants      map[string]int `json:"tenants"`
	Coordinated  bool           `json:"coordinated"`
}

// Stats returns a snapshot of the hub's local connection state.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	tenants := make(map[string]int, len(h.tenants))
	for tenantID, set := range h.tenants {
		tenants[tenantID] = len(set)
	}
	return Stats{
		LocalClients: len(h.subs),
		Tenants:      tenants,
		Coordinated:  h.coordinated,
	}
}

// encodeEvent flattens the payload into a single JSON object with the event
// type under "type".
func encodeEvent(eventType string, payload map[string]any) (string, error) {
	obj := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		obj[k] = v
	}
	obj["type"] = eventType
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
