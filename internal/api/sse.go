// SPDX-License-Identifier: MIT
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/runfeed/runfeed/internal/log"
)

// handleEvents serves the per-client SSE stream. The connection stays open
// until the client disconnects; idle periods are bridged with heartbeat
// frames that also refresh the client's presence record.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	clientID, tenantID, err := s.resolver.Resolve(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	ctx := log.ContextWithTenantID(r.Context(), tenantID)
	logger := log.WithContext(ctx, s.logger).With().
		Str(log.FieldClientID, clientID).
		Logger()

	sub, err := s.hub.Subscribe(ctx, clientID, tenantID)
	if err != nil {
		logger.Error().Err(err).Msg("subscribe failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "subscribe failed"})
		return
	}
	defer s.hub.Unsubscribe(clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"tenant_id\":%q}\n\n", tenantID)
	flusher.Flush()

	logger.Info().Msg("stream opened")

	interval := s.opts.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stream closed")
			return
		case msg, ok := <-sub.Events():
			if !ok {
				// Replaced by a newer subscription for the same client.
				logger.Info().Msg("stream superseded")
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				logger.Debug().Err(err).Msg("stream write failed")
				return
			}
			flusher.Flush()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
		case <-timer.C:
			s.hub.Heartbeat(ctx, clientID)
			if _, err := fmt.Fprintf(w, "data: {\"type\":\"heartbeat\",\"timestamp\":%d}\n\n", time.Now().Unix()); err != nil {
				logger.Debug().Err(err).Msg("heartbeat write failed")
				return
			}
			flusher.Flush()
			timer.Reset(interval)
		}
	}
}
