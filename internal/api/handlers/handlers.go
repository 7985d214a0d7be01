// Package handlers implements the HTTP handlers of the agent engine API.
//
// Handlers translate between the wire and the services; no business rules
// live here. Every handler reads the caller identity from the request
// context, so the Identity middleware must run first.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge/agent-engine/internal/agents"
	"github.com/pageforge/pageforge/agent-engine/internal/api/middleware"
	"github.com/pageforge/pageforge/agent-engine/internal/approvals"
	"github.com/pageforge/pageforge/agent-engine/internal/audit"
	"github.com/pageforge/pageforge/agent-engine/internal/jobs"
	"github.com/pageforge/pageforge/agent-engine/internal/llm"
	"github.com/pageforge/pageforge/agent-engine/internal/orchestrator"
	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/pkg/contracts"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// maxBodyBytes bounds request bodies; chat histories are the largest
// legitimate payload.
const maxBodyBytes = 1 << 20

// Handlers carries the services the API dispatches to.
type Handlers struct {
	Engine    *orchestrator.Engine
	Jobs      contracts.JobService
	Approvals contracts.ApprovalService
	Bundles   *agents.Manager
	Registry  contracts.AgentSource
	Cache     contracts.ResponseCache
	Audit     *audit.Logger
	Store     store.Store
	Provider  *llm.Client
}

// ── Helpers ─────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// serviceError maps typed service failures onto HTTP statuses.
func serviceError(w http.ResponseWriter, err error) {
	var resolved *approvals.ErrAlreadyResolved
	switch {
	case store.IsNotFound(err), errors.Is(err, agents.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, agents.ErrAlreadyActive),
		errors.Is(err, agents.ErrNotActive),
		errors.Is(err, agents.ErrVersionTooOld),
		errors.Is(err, jobs.ErrNotCancellable),
		errors.Is(err, jobs.ErrNotTerminal),
		errors.As(err, &resolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrUnknownProcessor):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("Unhandled service error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// requireAdmin gates lifecycle and operator endpoints.
func requireAdmin(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	identity := middleware.GetIdentity(r.Context())
	if !identity.HasCapability(models.CapPlatformAdmin) {
		writeError(w, http.StatusForbidden, "platform.admin capability required")
		return identity, false
	}
	return identity, true
}

// ── Chat ────────────────────────────────────────────────────

// Chat runs one synchronous conversation turn.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	identity := middleware.GetIdentity(r.Context())
	result := h.Engine.Chat(r.Context(), req, identity)

	// Error results are still HTTP 200: the turn completed and the error
	// flag is part of the chat wire format the CMS front end consumes.
	writeJSON(w, http.StatusOK, result)
}

// ── Agents ──────────────────────────────────────────────────

type agentView struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Description          string   `json:"description"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// ListAgents returns the active agents the caller may converse with.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	accessible := h.Registry.GetAccessibleInstances(identity)

	views := make([]agentView, 0, len(accessible))
	for _, a := range accessible {
		views = append(views, agentView{
			ID:                   a.ID(),
			Name:                 a.Name(),
			Description:          a.Description(),
			RequiredCapabilities: a.RequiredCapabilities(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": views})
}

// AgentCatalog returns every discovered bundle with its lifecycle state.
func (h *Handlers) AgentCatalog(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bundles": h.Bundles.Catalog()})
}

// InstallAgent validates a bundle directory and adds it to the catalog.
func (h *Handlers) InstallAgent(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	slug := chi.URLParam(r, "slug")
	state, err := h.Bundles.Install(r.Context(), slug)
	if err != nil {
		serviceError(w, err)
		return
	}
	h.auditLifecycle(r, slug, "installed", identity)
	writeJSON(w, http.StatusOK, state)
}

// ActivateAgent brings an installed bundle live.
func (h *Handlers) ActivateAgent(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	slug := chi.URLParam(r, "slug")
	if err := h.Bundles.Activate(r.Context(), slug); err != nil {
		serviceError(w, err)
		return
	}
	h.auditLifecycle(r, slug, "activated", identity)
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// DeactivateAgent takes an active bundle out of service.
func (h *Handlers) DeactivateAgent(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	slug := chi.URLParam(r, "slug")
	if err := h.Bundles.Deactivate(r.Context(), slug); err != nil {
		serviceError(w, err)
		return
	}
	h.auditLifecycle(r, slug, "deactivated", identity)
	writeJSON(w, http.StatusOK, map[string]string{"status": "inactive"})
}

// DeleteAgent removes a bundle from disk, deactivating it first.
func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	slug := chi.URLParam(r, "slug")
	if err := h.Bundles.Delete(r.Context(), slug); err != nil {
		serviceError(w, err)
		return
	}
	h.auditLifecycle(r, slug, "deleted", identity)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handlers) auditLifecycle(r *http.Request, slug, event string, identity models.Identity) {
	h.Audit.Record(r.Context(), models.AuditEntry{
		AgentID: slug,
		Action:  models.AuditAgentLifecycle,
		UserID:  identity.UserID,
		Details: map[string]interface{}{"event": event},
	})
}

// ── Jobs ────────────────────────────────────────────────────

type createJobRequest struct {
	Processor string                 `json:"processor"`
	Input     map[string]interface{} `json:"input"`
}

// CreateJob starts a background job for the caller.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Processor == "" {
		writeError(w, http.StatusBadRequest, "processor is required")
		return
	}

	identity := middleware.GetIdentity(r.Context())
	job, err := h.Jobs.Create(r.Context(), req.Processor, req.Input, identity)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// ListJobs returns the caller's jobs, optionally filtered by ?status=.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	status := models.JobStatus(r.URL.Query().Get("status"))

	list, err := h.Jobs.List(r.Context(), status, identity)
	if err != nil {
		serviceError(w, err)
		return
	}
	if list == nil {
		list = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": list})
}

// GetJob returns one job for polling.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	job, err := h.Jobs.Get(r.Context(), chi.URLParam(r, "jobId"), identity)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob cancels a still-pending job.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if err := h.Jobs.Cancel(r.Context(), chi.URLParam(r, "jobId"), identity); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// DeleteJob removes a terminal job.
func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if err := h.Jobs.Delete(r.Context(), chi.URLParam(r, "jobId"), identity); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ── Approvals ───────────────────────────────────────────────

// ListApprovals returns queued approvals, optionally filtered by ?status=.
func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	status := models.ApprovalStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)

	items, err := h.Approvals.List(r.Context(), status, limit)
	if err != nil {
		serviceError(w, err)
		return
	}
	if items == nil {
		items = []models.ApprovalItem{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": items})
}

// ApproveItem resolves a pending approval as approved.
func (h *Handlers) ApproveItem(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	item, err := h.Approvals.Approve(r.Context(), chi.URLParam(r, "approvalId"), identity.UserID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// RejectItem resolves a pending approval as rejected.
func (h *Handlers) RejectItem(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	item, err := h.Approvals.Reject(r.Context(), chi.URLParam(r, "approvalId"), identity.UserID)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ── Settings ────────────────────────────────────────────────

type providerView struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Configured bool   `json:"configured"`
}

// ProviderSettings returns the active provider configuration. The API key
// is never echoed back.
func (h *Handlers) ProviderSettings(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, providerView{
		Provider:   h.Provider.Provider(),
		Model:      h.Provider.Model(),
		Configured: h.Provider.Configured(),
	})
}

type updateProviderRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey"`
	Model    string `json:"model"`
	Endpoint string `json:"endpoint"`
}

// UpdateProvider hot-swaps the provider configuration. In-flight turns
// finish against the configuration they started with.
func (h *Handlers) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	var req updateProviderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}

	h.Provider.Configure(llm.ProviderConfig{
		ID:       req.Provider,
		APIKey:   req.APIKey,
		Model:    req.Model,
		Endpoint: req.Endpoint,
	})
	// Provider id and model only; credentials stay out of the audit log.
	h.Audit.Record(r.Context(), models.AuditEntry{
		Action: models.AuditProviderConfig,
		UserID: identity.UserID,
		Details: map[string]interface{}{
			"provider": req.Provider,
			"model":    req.Model,
		},
	})
	writeJSON(w, http.StatusOK, providerView{
		Provider:   h.Provider.Provider(),
		Model:      h.Provider.Model(),
		Configured: h.Provider.Configured(),
	})
}

// ── Cache ───────────────────────────────────────────────────

// CacheStats returns the response cache counters.
func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.Cache.Stats())
}

// ClearCache drops every cached response.
func (h *Handlers) ClearCache(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	cleared, err := h.Cache.ClearAll(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	h.Audit.Record(r.Context(), models.AuditEntry{
		Action:  models.AuditCacheCleared,
		UserID:  identity.UserID,
		Details: map[string]interface{}{"entries": cleared},
	})
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// ── Audit ───────────────────────────────────────────────────

// ListAudit returns audit entries, newest first.
// Filters: ?agent_id= ?action= ?user_id= ?since= ?limit=
func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	filter := models.AuditFilter{
		AgentID: r.URL.Query().Get("agent_id"),
		Action:  r.URL.Query().Get("action"),
		Limit:   queryInt(r, "limit", 100),
	}
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.UserID = id
		}
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.Since = &ts
		}
	}

	entries, err := h.Store.ListAuditEntries(r.Context(), filter)
	if err != nil {
		serviceError(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	total, err := h.Store.CountAuditEntries(r.Context(), filter)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   total,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
