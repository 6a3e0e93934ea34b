package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/tsunagi/internal/composio"
	"github.com/ashita-ai/tsunagi/internal/ctxutil"
	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/orchestrator"
	"github.com/ashita-ai/tsunagi/internal/service/ingest"
	"github.com/ashita-ai/tsunagi/internal/storage"
)

// Store is the persistence the API reads and writes. storage.DB and
// sqlite.Store both satisfy it.
type Store interface {
	Ping(ctx context.Context) error
	CreateSource(ctx context.Context, projectID, name string) (model.DataSource, error)
	GetSource(ctx context.Context, projectID, id string) (model.DataSource, error)
	SetSourceStatus(ctx context.Context, projectID, id string, status model.SourceStatus) error
	composio.AccountStore
}

// HealthChecker reports whether an optional backend is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	storageName         string
	orchestrator        *orchestrator.Orchestrator
	ingest              *ingest.Service
	toolkits            composio.AccountReader
	index               HealthChecker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	turnTimeout         time.Duration
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Ingest, Toolkits, Index.
type HandlersDeps struct {
	Store               Store
	StorageName         string
	Orchestrator        *orchestrator.Orchestrator
	Ingest              *ingest.Service
	Toolkits            composio.AccountReader
	Index               HealthChecker
	Logger              *slog.Logger
	Version             string
	TurnTimeout         time.Duration
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:               d.Store,
		storageName:         d.StorageName,
		orchestrator:        d.Orchestrator,
		ingest:              d.Ingest,
		toolkits:            d.Toolkits,
		index:               d.Index,
		logger:              logger,
		startedAt:           time.Now(),
		version:             d.Version,
		turnTimeout:         d.TurnTimeout,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleCreateSource handles POST /v1/projects/{project_id}/sources.
func (h *Handlers) HandleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSourceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}

	src, err := h.store.CreateSource(r.Context(), r.PathValue("project_id"), req.Name)
	if err != nil {
		h.writeInternalError(w, r, "failed to create source", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, src)
}

// HandleUpdateSource handles PATCH /v1/projects/{project_id}/sources/{source_id}.
func (h *Handlers) HandleUpdateSource(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateSourceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if !req.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status: "+string(req.Status))
		return
	}

	projectID, sourceID := r.PathValue("project_id"), r.PathValue("source_id")
	if err := h.store.SetSourceStatus(r.Context(), projectID, sourceID, req.Status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "source not found")
			return
		}
		h.writeInternalError(w, r, "failed to update source", err)
		return
	}
	src, err := h.store.GetSource(r.Context(), projectID, sourceID)
	if err != nil {
		h.writeInternalError(w, r, "failed to read source", err)
		return
	}
	writeJSON(w, r, http.StatusOK, src)
}

// HandleAddDocument handles POST /v1/projects/{project_id}/sources/{source_id}/documents.
func (h *Handlers) HandleAddDocument(w http.ResponseWriter, r *http.Request) {
	if h.ingest == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "document ingestion is not configured")
		return
	}
	var req model.AddDocumentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}

	res, err := h.ingest.AddDocument(r.Context(), r.PathValue("project_id"), r.PathValue("source_id"), req.Name, req.Content)
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusCreated, model.AddDocumentResponse{DocumentID: res.Document.ID, Chunks: res.Chunks})
	case errors.Is(err, ingest.ErrIndexUnavailable):
		h.logger.Warn("document not indexed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "vector index unavailable, retry later")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "source not found")
	case errors.Is(err, model.ErrInvalidConfig):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.writeInternalError(w, r, "failed to ingest document", err)
	}
}

// HandleUpsertAccount handles POST /v1/projects/{project_id}/toolkits/{toolkit}/account.
func (h *Handlers) HandleUpsertAccount(w http.ResponseWriter, r *http.Request) {
	var req model.UpsertAccountRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.AccountID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "account_id is required")
		return
	}
	if req.Status == "" {
		req.Status = model.AccountInitiated
	}

	acct := model.ConnectedAccount{
		ProjectID:   r.PathValue("project_id"),
		ToolkitSlug: r.PathValue("toolkit"),
		AccountID:   req.AccountID,
		Status:      req.Status,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := h.store.UpsertConnectedAccount(r.Context(), acct); err != nil {
		h.writeInternalError(w, r, "failed to store account", err)
		return
	}
	writeJSON(w, r, http.StatusOK, acct)
}

// HandleSyncAccount handles POST /v1/projects/{project_id}/toolkits/{toolkit}/sync.
func (h *Handlers) HandleSyncAccount(w http.ResponseWriter, r *http.Request) {
	if h.toolkits == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "toolkit service is not configured")
		return
	}
	acct, err := composio.SyncAccount(r.Context(), h.toolkits, h.store, r.PathValue("project_id"), r.PathValue("toolkit"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no connected account for toolkit")
			return
		}
		h.writeInternalError(w, r, "failed to sync account", err)
		return
	}
	writeJSON(w, r, http.StatusOK, acct)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	storageStatus := "connected"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:  status,
		Version: h.version,
		Storage: h.storageName + ":" + storageStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	if h.index != nil {
		if err := h.index.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, r, httpStatus, resp)
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
		"project_id", ctxutil.ProjectIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
