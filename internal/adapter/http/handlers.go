package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/archive"
	"github.com/agentic-work/openagenticwork-sub000/internal/service"
)

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Policies    *service.PolicyStore
	Coordinator *service.Coordinator
	Metrics     *service.MetricsCollector
	Archive     archive.Recent // optional
	Checks      []HealthCheck
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

type snapshotResponse struct {
	Version   int64                `json:"version"`
	UpdatedAt time.Time            `json:"updatedAt"`
	UpdatedBy string               `json:"updatedBy,omitempty"`
	Policy    orchestration.Policy `json:"policy"`
}

func toSnapshotResponse(s *orchestration.PolicySnapshot) snapshotResponse {
	return snapshotResponse{Version: s.Version, UpdatedAt: s.UpdatedAt, UpdatedBy: s.UpdatedBy, Policy: s.Policy}
}

func setVersion(w http.ResponseWriter, v int64) {
	w.Header().Set("X-Policy-Version", strconv.FormatInt(v, 10))
}

// GetPolicy handles GET /api/v1/orchestration/policy
func (h *Handlers) GetPolicy(w http.ResponseWriter, _ *http.Request) {
	snap := h.Policies.Snapshot()
	setVersion(w, snap.Version)
	writeJSON(w, http.StatusOK, snap.Policy)
}

// ReplacePolicy handles PUT /api/v1/orchestration/policy
func (h *Handlers) ReplacePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := readJSON[orchestration.Policy](w, r)
	if !ok {
		return
	}
	snap, err := h.Policies.Replace(r.Context(), p, actor(r))
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	setVersion(w, snap.Version)
	writeJSON(w, http.StatusOK, snap.Policy)
}

// TogglePolicy handles POST /api/v1/orchestration/toggle
func (h *Handlers) TogglePolicy(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[toggleRequest](w, r)
	if !ok {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	snap, err := h.Policies.SetEnabled(r.Context(), *req.Enabled, actor(r))
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	setVersion(w, snap.Version)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": snap.Policy.Enabled, "version": snap.Version})
}

// ListPolicyVersions handles GET /api/v1/orchestration/policy/versions
func (h *Handlers) ListPolicyVersions(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.Policies.History(r.Context(), queryLimit(r))
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	out := make([]snapshotResponse, 0, len(snaps))
	for i := range snaps {
		out = append(out, toSnapshotResponse(&snaps[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPolicyVersion handles GET /api/v1/orchestration/policy/versions/{version}
func (h *Handlers) GetPolicyVersion(w http.ResponseWriter, r *http.Request) {
	v, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil || v < 1 {
		writeError(w, http.StatusBadRequest, "version must be a positive integer")
		return
	}
	snap, err := h.Policies.Version(r.Context(), v)
	if err != nil {
		writeDomainError(w, err, "policy version not found")
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotResponse(snap))
}

// GetMetrics handles GET /api/v1/orchestration/metrics
func (h *Handlers) GetMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Metrics.Snapshot())
}

// ResetMetrics handles POST /api/v1/orchestration/metrics/reset
func (h *Handlers) ResetMetrics(w http.ResponseWriter, _ *http.Request) {
	h.Metrics.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// RunOrchestration handles POST /api/v1/orchestrations. Unsuccessful
// orchestrations still return their result, with a status code from the
// error taxonomy.
func (h *Handlers) RunOrchestration(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[orchestration.Request](w, r)
	if !ok {
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get("X-User-ID")
	}
	res, err := h.Coordinator.Run(r.Context(), &req)
	if res == nil {
		writeDomainError(w, err, "")
		return
	}
	status := http.StatusOK
	if err != nil {
		status = errorStatus(err)
	}
	setVersion(w, res.PolicyVersion)
	writeJSON(w, status, res)
}

// ListOrchestrations handles GET /api/v1/orchestrations
func (h *Handlers) ListOrchestrations(w http.ResponseWriter, r *http.Request) {
	if h.Archive == nil {
		writeError(w, http.StatusNotImplemented, "orchestration archive not configured")
		return
	}
	list, err := h.Archive.Recent(r.Context(), queryLimit(r))
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	if list == nil {
		list = []orchestration.Orchestration{}
	}
	writeJSON(w, http.StatusOK, list)
}

type healthResponse struct {
	Status        string            `json:"status"`
	PolicyVersion int64             `json:"policyVersion"`
	PolicyEnabled bool              `json:"policyEnabled"`
	InFlight      int               `json:"inFlight"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	snap := h.Policies.Snapshot()
	resp := healthResponse{
		Status:        "ok",
		PolicyVersion: snap.Version,
		PolicyEnabled: snap.Policy.Enabled,
		InFlight:      h.Coordinator.InFlight(),
	}
	if len(h.Checks) > 0 {
		resp.Checks = make(map[string]string, len(h.Checks))
	}
	for _, c := range h.Checks {
		if err := c.Check(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
