// SPDX-License-Identifier: MIT
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/runfeed/runfeed/internal/log"
	"github.com/runfeed/runfeed/internal/metrics"
	"github.com/runfeed/runfeed/internal/runnerstore"
)

const (
	maxWebhookBody  = 1 << 20 // 1 MiB
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-Webhook-Event"
)

type webhookPayload struct {
	Action       string `json:"action"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Organization struct {
		Login string `json:"login"`
	} `json:"organization"`
	Repository struct {
		FullName string `json:"full_name"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	WorkflowRun map[string]any `json:"workflow_run"`
	WorkflowJob map[string]any `json:"workflow_job"`
}

// handleWebhook ingests provider webhook deliveries. Accepted events are
// fanned out to the tenant's SSE stream immediately and, for workflow jobs,
// folded into the runner mirror so the poll loop has less to do.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	if len(body) > maxWebhookBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}

	if !s.verifySignature(body, r.Header.Get(signatureHeader)) {
		s.logger.Warn().Msg("webhook signature rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	eventType := r.Header.Get(eventHeader)
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(eventType).Inc()

	tenantID := strconv.FormatInt(payload.Installation.ID, 10)
	ctx := log.ContextWithTenantID(r.Context(), tenantID)

	switch eventType {
	case "workflow_run":
		s.handleWorkflowRun(ctx, w, tenantID, &payload)
	case "workflow_job":
		s.handleWorkflowJob(ctx, w, tenantID, &payload)
	case "installation":
		s.handleInstallation(ctx, w, tenantID, &payload)
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported event type"})
	}
}

func (s *Server) verifySignature(body []byte, header string) bool {
	if s.opts.WebhookSecret == "" {
		return true
	}
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.opts.WebhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.TrimPrefix(header, "sha256=")))
}

func (s *Server) handleWorkflowRun(ctx context.Context, w http.ResponseWriter, tenantID string, payload *webhookPayload) {
	if payload.Installation.ID == 0 || payload.WorkflowRun == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing installation or workflow_run"})
		return
	}
	s.ensureTenant(ctx, tenantID, payload)
	s.engine.MarkActive(ctx, tenantID)

	run := payload.WorkflowRun
	delivered := s.hub.Broadcast(ctx, tenantID, "workflow_run_"+payload.Action, map[string]any{
		"run_id":        run["id"],
		"run_attempt":   run["run_attempt"],
		"status":        run["status"],
		"conclusion":    run["conclusion"],
		"workflow_name": run["name"],
		"repository":    payload.Repository.FullName,
		"action":        payload.Action,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "delivered": delivered})
}

func (s *Server) handleWorkflowJob(ctx context.Context, w http.ResponseWriter, tenantID string, payload *webhookPayload) {
	if payload.Installation.ID == 0 || payload.WorkflowJob == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing installation or workflow_job"})
		return
	}
	s.ensureTenant(ctx, tenantID, payload)
	s.engine.MarkActive(ctx, tenantID)

	job := payload.WorkflowJob
	delivered := s.hub.Broadcast(ctx, tenantID, "workflow_job_"+payload.Action, map[string]any{
		"job_id":      job["id"],
		"run_id":      job["run_id"],
		"run_attempt": job["run_attempt"],
		"status":      job["status"],
		"conclusion":  job["conclusion"],
		"job_name":    job["name"],
		"repository":  payload.Repository.FullName,
		"action":      payload.Action,
	})

	if snap, ok := runnerFromJob(tenantID, payload.Action, job); ok {
		if err := s.runners.Upsert(ctx, snap); err != nil {
			logger := log.WithContext(ctx, s.logger)
			logger.Error().Err(err).
				Str(log.FieldRunnerID, snap.ExternalID).
				Msg("runner upsert from webhook failed")
		} else {
			s.engine.InvalidateCache(ctx, tenantID)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "delivered": delivered})
}

func (s *Server) handleInstallation(ctx context.Context, w http.ResponseWriter, tenantID string, payload *webhookPayload) {
	if payload.Installation.ID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing installation"})
		return
	}
	s.ensureTenant(ctx, tenantID, payload)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) ensureTenant(ctx context.Context, tenantID string, payload *webhookPayload) {
	org := payload.Organization.Login
	if org == "" {
		org = payload.Repository.Owner.Login
	}
	err := s.runners.EnsureTenant(ctx, runnerstore.Tenant{ID: tenantID, Org: org})
	if err != nil {
		logger := log.WithContext(ctx, s.logger)
		logger.Error().Err(err).Msg("tenant registration failed")
	}
}

// runnerFromJob derives a runner snapshot from a workflow_job payload. Only
// jobs that name their runner carry usable state.
func runnerFromJob(tenantID, action string, job map[string]any) (runnerstore.Snapshot, bool) {
	id, ok := numberField(job, "runner_id")
	if !ok || id == 0 {
		return runnerstore.Snapshot{}, false
	}
	name, _ := job["runner_name"].(string)

	var busy bool
	switch action {
	case "queued", "in_progress":
		busy = true
	case "completed", "cancelled":
		busy = false
	default:
		return runnerstore.Snapshot{}, false
	}

	var labels []string
	if raw, ok := job["labels"].([]any); ok {
		for _, l := range raw {
			if s, ok := l.(string); ok {
				labels = append(labels, s)
			}
		}
	}

	now := time.Now().UTC()
	return runnerstore.Snapshot{
		TenantID:    tenantID,
		ExternalID:  strconv.FormatInt(id, 10),
		Name:        name,
		Status:      "online",
		Busy:        busy,
		Labels:      labels,
		LastSeen:    now,
		LastChecked: now,
	}, true
}

func numberField(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
