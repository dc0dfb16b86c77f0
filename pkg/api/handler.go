package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/renderfarm/jobtrackd/pkg/actor"
	"github.com/renderfarm/jobtrackd/pkg/auth"
	"github.com/renderfarm/jobtrackd/pkg/blob"
	"github.com/renderfarm/jobtrackd/pkg/launch"
	"github.com/renderfarm/jobtrackd/pkg/logging"
	"github.com/renderfarm/jobtrackd/pkg/metrics"
	"github.com/renderfarm/jobtrackd/pkg/models"
	"github.com/renderfarm/jobtrackd/pkg/noncecache"
	"github.com/renderfarm/jobtrackd/pkg/ratelimit"
	"github.com/renderfarm/jobtrackd/pkg/signer"
)

const (
	maxCallbackBody = 1 << 20
	nonceTTL        = 10 * time.Minute
)

// Handler serves the tracker's HTTP API
type Handler struct {
	registry  *actor.Registry
	launcher  *launch.Launcher
	manifests *launch.ManifestStore
	blob      blob.Store
	signer    *signer.Signer
	nonces    noncecache.Cache
	tokens    *auth.TokenManager
	limiter   *ratelimit.Limiter
	metrics   *metrics.Metrics
	logger    *logging.Logger
	apiKey    string

	presignExpiry time.Duration
}

// Config wires the handler's collaborators
type Config struct {
	Registry  *actor.Registry
	Launcher  *launch.Launcher
	Manifests *launch.ManifestStore
	Blob      blob.Store
	Signer    *signer.Signer
	Nonces    noncecache.Cache
	Tokens    *auth.TokenManager
	Limiter   *ratelimit.Limiter
	Metrics   *metrics.Metrics
	Logger    *logging.Logger

	// APIKey guards the public surface; empty disables the check
	APIKey string

	PresignExpiry time.Duration
}

// NewHandler creates the API handler
func NewHandler(cfg Config) *Handler {
	if cfg.PresignExpiry == 0 {
		cfg.PresignExpiry = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger(logging.INFO, false)
	}
	return &Handler{
		registry:      cfg.Registry,
		launcher:      cfg.Launcher,
		manifests:     cfg.Manifests,
		blob:          cfg.Blob,
		signer:        cfg.Signer,
		nonces:        cfg.Nonces,
		tokens:        cfg.Tokens,
		limiter:       cfg.Limiter,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.WithComponent("api"),
		apiKey:        cfg.APIKey,
		presignExpiry: cfg.PresignExpiry,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Job routes
	r.Handle("/jobs", h.requireAPIKey(http.HandlerFunc(h.CreateJob))).Methods("POST")
	r.Handle("/jobs/{id}", h.requireAPIKey(http.HandlerFunc(h.GetJob))).Methods("GET")
	r.Handle("/jobs/{id}", h.requireAPIKey(http.HandlerFunc(h.DeleteJob))).Methods("DELETE")
	r.Handle("/jobs/{id}/cancel", h.requireAPIKey(http.HandlerFunc(h.CancelJob))).Methods("POST")
	r.Handle("/jobs/{id}/events", h.requireAPIKey(http.HandlerFunc(h.JobEvents))).Methods("GET")

	// Container callbacks authenticate with HMAC + per-job token, not the API key
	callback := http.Handler(http.HandlerFunc(h.ContainerCallback))
	if h.limiter != nil {
		callback = h.limiter.Middleware(ratelimit.IPKeyFunc)(callback)
	}
	r.Handle("/callbacks/container", callback).Methods("POST")

	// Debug routes
	r.Handle("/debug/jobs/{id}/replay-notification", h.requireAPIKey(http.HandlerFunc(h.ReplayNotification))).Methods("POST")
	r.Handle("/debug/jobs/{id}/presign", h.requireAPIKey(http.HandlerFunc(h.PresignOutputs))).Methods("GET")
	r.Handle("/debug/jobs/{id}/artifacts", h.requireAPIKey(http.HandlerFunc(h.DeleteArtifacts))).Methods("DELETE")

	r.HandleFunc("/health", h.Health).Methods("GET")
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey != "" && !auth.SecureCompare(r.Header.Get("X-API-Key"), h.apiKey) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// CreateJobRequest is the POST /jobs body: the manifest to store plus
// launch=false to only persist it.
type CreateJobRequest struct {
	launch.Manifest
	Launch *bool `json:"launch,omitempty"`
}

// CreateJob stores a manifest and launches the job
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.New().String()
	}

	if err := h.manifests.Save(r.Context(), &req.Manifest); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Launch != nil && !*req.Launch {
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": req.JobID})
		return
	}

	view, err := h.launcher.Launch(r.Context(), req.JobID)
	if err != nil {
		var missing *launch.MissingInputsError
		if errors.As(err, &missing) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":         "missing inputs",
				"job_id":        missing.JobID,
				"missing_slots": missing.Slots,
			})
			return
		}
		h.logger.Error("launch failed", map[string]interface{}{
			"job_id": req.JobID, "error": err.Error(),
		})
		http.Error(w, "Launch failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusCreated, view)
}

// GetJob returns the public view of a job
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := h.registry.Read(r.Context(), id)
	if err != nil {
		if errors.Is(err, actor.ErrJobNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to read job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CancelJobRequest carries an optional operator-supplied reason
type CancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelJob requests cancellation; repeated calls are no-ops
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req CancelJobRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	reason := req.Reason
	if reason == "" {
		reason = "canceled by user"
	}

	view, err := h.registry.Cancel(r.Context(), id, reason)
	if err != nil {
		if errors.Is(err, actor.ErrJobNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to cancel job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DeleteJob discards the job record and tears down its subscribers
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.registry.Delete(r.Context(), id); err != nil {
		if errors.Is(err, actor.ErrJobNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to delete job", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JobEvents streams job updates as Server-Sent Events
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.registry.Subscriber(id).ServeSSE(w, r)
}

// ContainerCallback ingests a status update from a worker container:
// HMAC over the exact body, a fresh nonce, and the job's bearer token.
func (h *Handler) ContainerCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if !h.signer.Verify(body, r.Header.Get(signer.SignatureHeader)) {
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	nonce := r.Header.Get(signer.NonceHeader)
	if nonce == "" {
		http.Error(w, "Missing nonce", http.StatusBadRequest)
		return
	}

	var cb ContainerCallbackRequest
	if err := json.Unmarshal(body, &cb); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if cb.JobID == "" {
		http.Error(w, "Missing job_id", http.StatusBadRequest)
		return
	}

	if err := h.tokens.ValidateToken(cb.JobID, bearerToken(r)); err != nil {
		http.Error(w, "Invalid callback token", http.StatusUnauthorized)
		return
	}

	// The nonce is consumed only after authentication, so a rejected
	// request can be retried with the same nonce.
	fresh, err := h.nonces.CheckAndSet(r.Context(), nonce, nonceTTL)
	if err != nil {
		h.logger.Error("nonce check failed", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Nonce check failed", http.StatusInternalServerError)
		return
	}
	if !fresh {
		// Duplicate retransmission: acknowledge without reapplying so the
		// container stops retrying.
		h.metrics.NonceReplays.Inc()
		writeJSON(w, http.StatusOK, map[string]string{
			"job_id": cb.JobID,
			"status": "already_applied",
		})
		return
	}

	view, err := h.registry.Progress(r.Context(), cb.JobID, cb.Update())
	if err != nil {
		if errors.Is(err, actor.ErrJobNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to apply update", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ContainerCallbackRequest is the body a worker container POSTs
type ContainerCallbackRequest struct {
	JobID    string                      `json:"job_id"`
	Status   models.JobStatus            `json:"status,omitempty"`
	Phase    *string                     `json:"phase,omitempty"`
	Progress *float64                    `json:"progress,omitempty"`
	Outputs  map[string]models.OutputRef `json:"outputs,omitempty"`
	Metadata map[string]any              `json:"metadata,omitempty"`
	Error    string                      `json:"error,omitempty"`
}

// Update converts the callback into a merge request
func (c *ContainerCallbackRequest) Update() models.ProgressUpdate {
	return models.ProgressUpdate{
		Status:   c.Status,
		Phase:    c.Phase,
		Progress: c.Progress,
		Outputs:  c.Outputs,
		Metadata: c.Metadata,
		Error:    c.Error,
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

// ReplayNotification forces a fresh terminal webhook with a new event
// sequence. ?force=true bypasses the terminal guard.
func (h *Handler) ReplayNotification(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	force := r.URL.Query().Get("force") == "true"

	view, err := h.registry.ReplayNotification(r.Context(), id, force)
	if err != nil {
		switch {
		case errors.Is(err, actor.ErrJobNotFound):
			http.Error(w, "Job not found", http.StatusNotFound)
		case errors.Is(err, actor.ErrNotTerminal):
			http.Error(w, "Job is not terminal", http.StatusConflict)
		default:
			http.Error(w, "Failed to replay notification", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// PresignOutputs mints fresh GET URLs for a job's current outputs
func (h *Handler) PresignOutputs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := h.registry.Read(r.Context(), id)
	if err != nil {
		if errors.Is(err, actor.ErrJobNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to read job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  id,
		"outputs": view.Outputs,
		"expiry":  h.presignExpiry.String(),
	})
}

// DeleteArtifacts removes a job's stored outputs and manifest from blob
// storage. The record itself is untouched.
func (h *Handler) DeleteArtifacts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := h.registry.Read(r.Context(), id)
	if err != nil {
		if errors.Is(err, actor.ErrJobNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to read job", http.StatusInternalServerError)
		return
	}

	deleted := make([]string, 0, len(view.Outputs)+1)
	for slot, ref := range view.Outputs {
		if err := h.blob.Delete(r.Context(), ref.Key); err != nil && !errors.Is(err, blob.ErrNotFound) {
			h.logger.Warn("failed to delete artifact", map[string]interface{}{
				"job_id": id, "slot": slot, "error": err.Error(),
			})
			continue
		}
		deleted = append(deleted, ref.Key)
	}

	manifestKey := launch.ManifestKey(id)
	if err := h.blob.Delete(r.Context(), manifestKey); err == nil {
		deleted = append(deleted, manifestKey)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  id,
		"deleted": deleted,
	})
}

// Health reports process health plus a host load snapshot
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if avg, err := load.Avg(); err == nil {
		resp["load1"] = avg.Load1
		resp["load5"] = avg.Load5
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["mem_used_percent"] = vm.UsedPercent
	}
	writeJSON(w, http.StatusOK, resp)
}
