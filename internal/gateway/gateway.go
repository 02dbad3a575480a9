// Package gateway accepts WebSocket connections, announces each connection's
// id, and routes inbound envelopes to one connection or to all of them.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/amurg-ai/relay/internal/audit"
	"github.com/amurg-ai/relay/internal/registry"
	"github.com/amurg-ai/relay/internal/tracing"
	"github.com/amurg-ai/relay/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string, readBuf, writeBuf int) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  readBuf,
		WriteBufferSize: writeBuf,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Registry is the membership table the gateway routes over.
type Registry = registry.Registry[*Conn]

// NewRegistry creates a registry for gateway connections. maxConns of zero
// means unbounded.
func NewRegistry(maxConns int) *Registry {
	return registry.New[*Conn](registry.WithMaxConnections(maxConns))
}

// Options configures the Gateway. Zero values take the defaults noted.
type Options struct {
	AllowedOrigins    []string      // for WebSocket origin check; empty allows all
	ReadBufferSize    int           // default 4096
	WriteBufferSize   int           // default 4096
	MaxMessageBytes   int64         // max inbound frame size; default 64KB
	WriteTimeout      time.Duration // per-write deadline; default 10s
	SendQueueSize     int           // per-connection outbound queue; default 256
	PingInterval      time.Duration // default 30s
	PongWait          time.Duration // default 60s
	CloseGrace        time.Duration // wait for the peer's close reply; default 5s
	MessagesPerSecond float64       // per-connection inbound rate; 0 disables
	MessageBurst      int

	Audit  audit.Store  // nil disables the audit trail
	Tracer trace.Tracer // nil uses a no-op tracer
}

func (o *Options) applyDefaults() {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 4096
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 4096
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = 5 * time.Second
	}
	if o.MessagesPerSecond > 0 && o.MessageBurst <= 0 {
		o.MessageBurst = int(o.MessagesPerSecond)
		if o.MessageBurst < 1 {
			o.MessageBurst = 1
		}
	}
	if o.Audit == nil {
		o.Audit = audit.Nop{}
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("noop")
	}
}

// Gateway owns connection lifecycles and message routing.
type Gateway struct {
	registry *Registry
	audit    audit.Store
	tracer   trace.Tracer
	logger   *slog.Logger
	upgrader websocket.Upgrader
	opts     Options

	mu     sync.Mutex
	closed bool
	active sync.WaitGroup // one per HandleUpgrade call past the shutdown check
}

// New creates a Gateway routing over reg.
func New(reg *Registry, logger *slog.Logger, opts Options) *Gateway {
	opts.applyDefaults()
	return &Gateway{
		registry: reg,
		audit:    opts.Audit,
		tracer:   opts.Tracer,
		logger:   logger.With("component", "gateway"),
		upgrader: makeUpgrader(opts.AllowedOrigins, opts.ReadBufferSize, opts.WriteBufferSize),
		opts:     opts,
	}
}

type subjectKey struct{}

// WithSubject attaches the authenticated subject of an upgrade request.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

func subjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

func (g *Gateway) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.active.Add(1)
	return true
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// HandleUpgrade registers the caller, upgrades the request and serves the
// connection until it closes. Registration happens first, so a full registry
// answers 503 without sending any frame.
func (g *Gateway) HandleUpgrade(w http.ResponseWriter, req *http.Request) {
	// Audit writes outlive the request.
	ctx := context.WithoutCancel(req.Context())
	ctx, span := g.tracer.Start(ctx, tracing.SpanUpgrade,
		trace.WithAttributes(attribute.String(tracing.AttrRemoteAddr, req.RemoteAddr)))

	if !g.acquire() {
		span.SetStatus(codes.Error, "shutting down")
		span.End()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.active.Done()

	c := newConn(req.RemoteAddr, subjectFrom(req.Context()), g.opts.SendQueueSize)
	id, err := g.registry.Register(c)
	if err != nil {
		g.logger.Warn("connection rejected", "remote_addr", c.remoteAddr, "error", err)
		g.record(ctx, audit.ActionConnectionRejected, c, map[string]string{"reason": err.Error()})
		span.RecordError(err)
		span.SetStatus(codes.Error, "register failed")
		span.End()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	span.SetAttributes(attribute.String(tracing.AttrConnID, id))

	ws, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already answered the request.
		g.registry.Remove(id)
		c.state.Store(int32(StateClosed))
		g.logger.Warn("websocket upgrade failed", "conn_id", id, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upgrade failed")
		span.End()
		return
	}
	c.ws = ws

	ws.SetReadLimit(g.opts.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})
	// The echo of a peer's close frame goes through the writer.
	ws.SetCloseHandler(func(code int, text string) error {
		c.markClosing(code, text)
		return nil
	})

	// The queue is empty, so the announcement is always accepted and always
	// written first.
	c.send <- []byte(protocol.Announcement(id))
	c.writerUp = true
	go c.writeLoop(g.opts.WriteTimeout, g.opts.PingInterval, g.opts.CloseGrace)

	if c.open() {
		if g.isClosed() {
			c.markClosing(websocket.CloseGoingAway, "server shutting down")
		}
		c.opened = true
		g.logger.Info("connection opened", "conn_id", id, "remote_addr", c.remoteAddr, "subject", c.subject)
		g.record(ctx, audit.ActionConnectionOpen, c, nil)
	} else {
		// Shutdown or an operator disconnect raced the upgrade.
		g.logger.Info("connection closed before it opened", "conn_id", id, "remote_addr", c.remoteAddr, "reason", c.closeReason)
		g.record(ctx, audit.ActionConnectionRejected, c, map[string]any{"code": c.closeCode, "reason": c.closeReason})
		span.SetStatus(codes.Error, "closed before open")
	}
	span.End()

	g.readLoop(ctx, c)
	g.teardown(ctx, c)
}

// readLoop is the single reader of a connection. It returns when the transport
// fails or the peer's close frame arrives.
func (g *Gateway) readLoop(ctx context.Context, c *Conn) {
	limiter := newMessageLimiter(g.opts.MessagesPerSecond, g.opts.MessageBurst)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			g.handleReadError(c, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !c.IsOpen() {
			continue
		}
		if !limiter.allow(time.Now()) {
			g.logger.Debug("message rate limited", "conn_id", c.id)
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			g.logger.Warn("invalid envelope", "conn_id", c.id, "error", err)
			continue
		}

		g.Route(ctx, c.id, env)
	}
}

// handleReadError classifies the error that ended the read loop and records
// the close code teardown reports. A transport failure or pong timeout while
// Open is recorded as an abnormal closure.
func (g *Gateway) handleReadError(c *Conn, err error) {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		// A no-op after a close frame, whose code the close handler recorded.
		// An unexpected EOF surfaces here as 1006 with no frame.
		c.markClosing(ce.Code, ce.Text)
		g.logger.Debug("peer closed connection", "conn_id", c.id, "code", ce.Code, "reason", ce.Text)
	case errors.Is(err, websocket.ErrReadLimit):
		c.markClosing(websocket.CloseMessageTooBig, "message too big")
		g.logger.Warn("inbound frame exceeds limit", "conn_id", c.id, "limit", g.opts.MaxMessageBytes)
	case c.State() != StateOpen:
		g.logger.Debug("read ended after close", "conn_id", c.id, "error", err)
	default:
		c.markClosing(websocket.CloseAbnormalClosure, "")
		g.logger.Debug("connection read error", "conn_id", c.id, "error", err)
	}
}

// teardown releases a connection. It runs once, on the reader's goroutine,
// after the read loop has ended; it is the only place a live entry leaves the
// registry.
func (g *Gateway) teardown(ctx context.Context, c *Conn) {
	c.teardownOnce.Do(func() {
		c.markClosing(websocket.CloseNormalClosure, "")
		close(c.readerDone)
		if c.writerUp {
			<-c.writerDone
		}
		_ = c.ws.Close()
		g.registry.Remove(c.id)
		c.state.Store(int32(StateClosed))
		if !c.opened {
			return
		}

		attrs := []any{"conn_id", c.id, "code", c.closeCode, "duration", time.Since(c.connectedAt).Round(time.Millisecond)}
		if c.closeReason != "" {
			attrs = append(attrs, "reason", c.closeReason)
		}
		if c.writeErr != nil {
			attrs = append(attrs, "write_error", c.writeErr)
		}
		g.logger.Info("connection closed", attrs...)
		g.record(ctx, audit.ActionConnectionClose, c, map[string]any{"code": c.closeCode, "reason": c.closeReason})
	})
}

func (g *Gateway) record(ctx context.Context, action string, c *Conn, detail any) {
	ev := &audit.Event{
		ID:         uuid.New().String(),
		Action:     action,
		ConnID:     c.id,
		RemoteAddr: c.remoteAddr,
		Subject:    c.subject,
		CreatedAt:  time.Now().UTC(),
	}
	if detail != nil {
		ev.Detail = audit.Detail(detail)
	}
	if err := g.audit.LogEvent(ctx, ev); err != nil {
		g.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}
