package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kensa/internal/auth"
	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/feedback"
	"github.com/ashita-ai/kensa/internal/service/memory"
	"github.com/ashita-ai/kensa/internal/service/orchestrator"
	"github.com/ashita-ai/kensa/internal/service/runs"
	"github.com/ashita-ai/kensa/internal/service/workflow"
)

// ProviderStore is the slice of storage the HTTP layer reads directly.
type ProviderStore interface {
	Ping(ctx context.Context) error
	GetProviderByNPI(ctx context.Context, npi string) (model.Provider, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               ProviderStore
	jwtMgr              *auth.JWTManager
	runs                *runs.Tracker
	memories            *memory.Store
	feedback            *feedback.Ledger
	workflows           *workflow.Executor
	orchestrator        *orchestrator.Orchestrator
	adminKeyHash        string
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               ProviderStore
	JWTMgr              *auth.JWTManager
	Runs                *runs.Tracker
	Memories            *memory.Store
	Feedback            *feedback.Ledger
	Workflows           *workflow.Executor
	Orchestrator        *orchestrator.Orchestrator
	AdminKeyHash        string // Argon2id hash of the admin API key; empty disables /auth/token.
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		jwtMgr:              d.JWTMgr,
		runs:                d.Runs,
		memories:            d.Memories,
		feedback:            d.Feedback,
		workflows:           d.Workflows,
		orchestrator:        d.Orchestrator,
		adminKeyHash:        d.AdminKeyHash,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token. The only credential is the
// admin API key; it may mint admin or agent tokens for any subject.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}

	if h.adminKeyHash == "" {
		// Keep timing uniform with the configured path.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, err := auth.VerifyAPIKey(req.APIKey, h.adminKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	subject := req.Subject
	if subject == "" {
		subject = "admin"
	}
	if len(subject) > model.MaxAgentTypeLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("subject must be at most %d characters", model.MaxAgentTypeLen))
		return
	}
	role := auth.RoleAdmin
	if req.Role != "" {
		role = auth.Role(req.Role)
		if !role.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "role must be 'admin' or 'agent'")
			return
		}
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(subject, role)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "subject", subject, "role", role, "remote_addr", r.RemoteAddr)

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health. Postgres and the semantic index are
// probed concurrently; a down index degrades rather than fails the service.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var pgErr, indexErr error
	var g errgroup.Group
	g.Go(func() error {
		pgErr = h.store.Ping(ctx)
		return nil
	})
	if h.memories != nil {
		g.Go(func() error {
			indexErr = h.memories.Healthy(ctx)
			return nil
		})
	}
	_ = g.Wait()

	resp := model.HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		Postgres:    "connected",
		SearchIndex: "connected",
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	}
	if h.workflows != nil {
		resp.Workflows = h.workflows.InFlight()
	}

	httpStatus := http.StatusOK
	if indexErr != nil {
		resp.SearchIndex = "disconnected"
		resp.Status = "degraded"
	}
	if pgErr != nil {
		resp.Postgres = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, r, httpStatus, resp)
}

// writeServiceError maps service-layer errors onto HTTP statuses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var verr *model.ValidationError
	var extErr *model.ExternalServiceError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Error())
	case errors.Is(err, model.ErrValidation):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, msg+": not found")
	case errors.Is(err, model.ErrAlreadyTerminal):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, msg+": already in a terminal state")
	case errors.As(err, &extErr):
		h.logger.Warn(msg, "capability", extErr.Capability, "error", extErr.Err,
			"request_id", ctxutil.RequestID(r.Context()))
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamFailure,
			fmt.Sprintf("%s: %s unavailable", msg, extErr.Capability))
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// writeInternalError logs err and writes a 500 without leaking its text.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path, "request_id", ctxutil.RequestID(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

// queryInt returns the integer query parameter key, or defaultVal when absent.
func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, model.Invalid(key, "must be an integer")
	}
	return n, nil
}

func queryFloat(r *http.Request, key string) (*float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, model.Invalid(key, "must be a number")
	}
	return &f, nil
}
