// Package api provides the HTTP surface of the relay: the WebSocket upgrade
// route, health probes and the admin API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/amurg-ai/relay/internal/audit"
	"github.com/amurg-ai/relay/internal/auth"
	"github.com/amurg-ai/relay/internal/config"
	"github.com/amurg-ai/relay/internal/gateway"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// Server is the HTTP API server.
type Server struct {
	gateway      *gateway.Gateway
	store        audit.Store
	authProvider auth.Provider
	adminKeys    *auth.AdminKeys
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	upgradeRL    *rateLimiter
	adminRL      *rateLimiter
}

// NewServer creates a new API server.
func NewServer(gw *gateway.Gateway, s audit.Store, ap auth.Provider, keys *auth.AdminKeys, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		gateway:      gw,
		store:        s,
		authProvider: ap,
		adminKeys:    keys,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// WebSocket route
	mux.Group(func(r chi.Router) {
		if cfg.RateLimit.UpgradesPerSecond > 0 {
			srv.upgradeRL = newRateLimiter(cfg.RateLimit.UpgradesPerSecond, cfg.RateLimit.UpgradeBurst)
			r.Use(ipRateLimitMiddleware(srv.upgradeRL, "too many connection attempts"))
		}
		r.Use(srv.upgradeAuthMiddleware)
		r.Get("/ws", gw.HandleUpgrade)
	})

	// Admin routes are only registered when at least one key is configured.
	if keys != nil && keys.Enabled() {
		mux.Group(func(r chi.Router) {
			r.Use(srv.adminKeyMiddleware)
			if cfg.RateLimit.AdminRequestsPerSecond > 0 {
				srv.adminRL = newRateLimiter(cfg.RateLimit.AdminRequestsPerSecond, cfg.RateLimit.AdminBurst)
				r.Use(adminRateLimitMiddleware(srv.adminRL))
			}

			r.Get("/api/connections", srv.handleListConnections)
			r.Post("/api/connections/{connID}/messages", srv.handleSendMessage)
			r.Delete("/api/connections/{connID}", srv.handleDisconnect)
			r.Post("/api/broadcast", srv.handleBroadcast)
			r.Get("/api/audit", srv.handleListAuditEvents)
		})
	}

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks purges audit events older than retention every
// interval until ctx is done. A zero retention disables the purge.
func (s *Server) StartBackgroundTasks(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.purgeAuditEvents(ctx, retention)
			}
		}
	}()
}

func (s *Server) purgeAuditEvents(ctx context.Context, retention time.Duration) {
	n, err := s.store.PurgeOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		s.logger.Warn("failed to purge audit events", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("purged audit events", "count", n)
	}
}

// --- Admin handlers ---

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Connections())
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) decodeMessage(w http.ResponseWriter, r *http.Request) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return "", false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	return req.Message, true
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.decodeMessage(w, r)
	if !ok {
		return
	}

	n := s.gateway.Broadcast(r.Context(), msg)
	s.recordAdmin(r, audit.ActionAdminBroadcast, "", map[string]int{
		"delivered": n,
		"bytes":     len(msg),
	})
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connID")
	msg, ok := s.decodeMessage(w, r)
	if !ok {
		return
	}

	switch err := s.gateway.SendTo(r.Context(), connID, msg); {
	case errors.Is(err, gateway.ErrNotFound):
		writeError(w, http.StatusNotFound, "connection not found")
	case errors.Is(err, gateway.ErrNotDelivered):
		writeError(w, http.StatusServiceUnavailable, "connection could not accept the message")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to send message")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "connID")
	if !s.gateway.Disconnect(connID) {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	s.recordAdmin(r, audit.ActionAdminDisconnect, connID, nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "closing"})
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultAuditLimit
	offset := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListEvents(r.Context(), audit.Filter{
		Action: strings.TrimSpace(q.Get("action")),
		ConnID: strings.TrimSpace(q.Get("conn_id")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("failed to list audit events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) recordAdmin(r *http.Request, action, connID string, detail any) {
	event := &audit.Event{
		ID:         uuid.New().String(),
		Action:     action,
		ConnID:     connID,
		RemoteAddr: r.RemoteAddr,
		Subject:    adminFromContext(r.Context()),
		CreatedAt:  time.Now().UTC(),
	}
	if detail != nil {
		event.Detail = audit.Detail(detail)
	}
	if err := s.store.LogEvent(context.WithoutCancel(r.Context()), event); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).Truncate(time.Second).String(),
		"connections": s.gateway.Len(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
