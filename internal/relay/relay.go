// Package relay is the orchestrator that ties all gateway components together.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/amurg-ai/relay/internal/api"
	"github.com/amurg-ai/relay/internal/audit"
	"github.com/amurg-ai/relay/internal/auth"
	"github.com/amurg-ai/relay/internal/config"
	"github.com/amurg-ai/relay/internal/gateway"
	"github.com/amurg-ai/relay/internal/tracing"
)

const (
	shutdownTimeout = 30 * time.Second
	purgeInterval   = time.Hour
)

// Relay is the main gateway process.
type Relay struct {
	cfg      *config.Config
	store    audit.Store
	tracing  *tracing.Provider
	gateway  *gateway.Gateway
	api      *api.Server
	logger   *slog.Logger
	bgCancel context.CancelFunc // stops the JWKS refresher
}

// New creates a relay from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	// Initialize storage.
	db, err := audit.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(bgCtx, cfg.Auth)
	if err != nil {
		bgCancel()
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	tp, err := tracing.NewProvider(bgCtx, cfg.Tracing)
	if err != nil {
		bgCancel()
		_ = db.Close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	reg := gateway.NewRegistry(cfg.Gateway.MaxConnections)
	gw := gateway.New(reg, logger, gateway.Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		ReadBufferSize:    cfg.Gateway.ReadBufferSize,
		WriteBufferSize:   cfg.Gateway.WriteBufferSize,
		MaxMessageBytes:   cfg.Gateway.MaxMessageBytes,
		WriteTimeout:      cfg.Gateway.WriteTimeout.Duration,
		SendQueueSize:     cfg.Gateway.SendQueueSize,
		PingInterval:      cfg.Gateway.PingInterval.Duration,
		PongWait:          cfg.Gateway.PongWait.Duration,
		CloseGrace:        cfg.Gateway.CloseGrace.Duration,
		MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
		MessageBurst:      cfg.RateLimit.MessageBurst,
		Audit:             db,
		Tracer:            tp.Tracer(),
	})

	adminKeys := auth.NewAdminKeys(cfg.Auth.AdminKeys)
	apiSrv := api.NewServer(gw, db, authProvider, adminKeys, cfg, logger)

	r := &Relay{
		cfg:      cfg,
		store:    db,
		tracing:  tp,
		gateway:  gw,
		api:      apiSrv,
		logger:   logger.With("component", "relay"),
		bgCancel: bgCancel,
	}

	// Startup validation warnings.
	if authProvider.Name() == config.AuthNone {
		logger.Warn("auth provider is none, any client may connect (development only)")
	}
	if !adminKeys.Enabled() {
		logger.Info("no admin keys configured, admin API disabled")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return r, nil
}

// Handler returns the HTTP handler serving the gateway and admin API.
func (r *Relay) Handler() http.Handler {
	return r.api.Handler()
}

// Run starts the HTTP server and blocks until the context is canceled.
func (r *Relay) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              r.cfg.Server.Addr,
		Handler:           r.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start retention purger.
	r.api.StartBackgroundTasks(ctx, r.cfg.Storage.Retention.Duration, purgeInterval)

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("relay listening", "addr", r.cfg.Server.Addr)
		if r.cfg.Server.TLSCert != "" && r.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(r.cfg.Server.TLSCert, r.cfg.Server.TLSKey)
		} else {
			r.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("shutting down relay gracefully")
		r.shutdown(srv)
		return ctx.Err()

	case err := <-errCh:
		r.shutdown(srv)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// shutdown stops the HTTP server first so no new upgrades arrive, then closes
// every live connection, flushes spans and closes the store.
func (r *Relay) shutdown(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server, so this
	// returns once plain requests have drained.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("graceful shutdown failed, forcing close", "error", err)
		_ = srv.Close()
	} else {
		r.logger.Info("http server stopped gracefully")
	}

	if err := r.gateway.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("gateway shutdown incomplete", "error", err)
	}

	if err := r.tracing.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("tracing shutdown failed", "error", err)
	}
	r.bgCancel()

	r.logger.Info("closing store")
	_ = r.store.Close()
	r.logger.Info("shutdown complete")
}
