package gateway

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amurg-ai/relay/internal/tracing"
	"github.com/amurg-ai/relay/pkg/protocol"
)

var (
	// ErrNotFound is returned by SendTo when no open connection has the id.
	ErrNotFound = errors.New("connection not found")
	// ErrNotDelivered is returned by SendTo when the target's queue rejected
	// the frame; the target is being closed.
	ErrNotDelivered = errors.New("connection could not accept the message")
)

// Delivery summarizes how one envelope was routed.
type Delivery struct {
	Directed  bool   // true when the envelope reached its named target only
	Target    string // canonical target id when Directed
	Delivered int    // connections the payload was queued to
}

// Info describes a live connection.
type Info struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Subject     string    `json:"subject,omitempty"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	Queued      int       `json:"queued"`
}

// Route delivers an envelope from sender. A target that parses and names an
// open connection receives the payload alone; anything else is broadcast to
// every open connection, the sender included.
func (g *Gateway) Route(ctx context.Context, sender string, env protocol.Envelope) Delivery {
	_, span := g.tracer.Start(ctx, tracing.SpanRoute, trace.WithAttributes(
		attribute.String(tracing.AttrConnID, sender),
		attribute.Int(tracing.AttrPayloadLen, len(env.Message)),
	))
	defer span.End()

	payload := []byte(env.Message)

	var d Delivery
	if target, ok := env.Target(); ok {
		if c, found := g.registry.Lookup(target); found && c.IsOpen() {
			d = Delivery{Directed: true, Target: target}
			if g.deliver(c, payload) {
				d.Delivered = 1
			}
		}
	}
	if !d.Directed {
		d.Delivered = g.broadcast(payload)
	}

	span.SetAttributes(
		attribute.Bool(tracing.AttrDirected, d.Directed),
		attribute.String(tracing.AttrTarget, d.Target),
		attribute.Int(tracing.AttrDelivered, d.Delivered),
	)
	return d
}

// Broadcast queues payload to every open connection and returns how many
// accepted it.
func (g *Gateway) Broadcast(ctx context.Context, payload string) int {
	_, span := g.tracer.Start(ctx, tracing.SpanBroadcast,
		trace.WithAttributes(attribute.Int(tracing.AttrPayloadLen, len(payload))))
	defer span.End()

	n := g.broadcast([]byte(payload))
	span.SetAttributes(attribute.Int(tracing.AttrDelivered, n))
	return n
}

// SendTo queues payload to one open connection. Unlike Route it never falls
// back to a broadcast.
func (g *Gateway) SendTo(ctx context.Context, id, payload string) error {
	_, span := g.tracer.Start(ctx, tracing.SpanSendTo,
		trace.WithAttributes(attribute.String(tracing.AttrTarget, id)))
	defer span.End()

	c, ok := g.registry.Lookup(canonicalID(id))
	if !ok || !c.IsOpen() {
		return ErrNotFound
	}
	if !g.deliver(c, []byte(payload)) {
		return ErrNotDelivered
	}
	return nil
}

// Disconnect closes the connection with id. It reports whether this call
// started the close.
func (g *Gateway) Disconnect(id string) bool {
	id = canonicalID(id)
	c, ok := g.registry.Lookup(id)
	if !ok {
		return false
	}
	if !c.markClosing(websocket.CloseNormalClosure, "disconnected by operator") {
		return false
	}
	g.logger.Info("connection disconnected by operator", "conn_id", id)
	return true
}

// Connections lists live connections, oldest first.
func (g *Gateway) Connections() []Info {
	entries := g.registry.Snapshot()
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		c := e.Conn
		infos = append(infos, Info{
			ID:          e.ID,
			RemoteAddr:  c.remoteAddr,
			Subject:     c.subject,
			State:       c.State().String(),
			ConnectedAt: c.connectedAt,
			Queued:      len(c.send),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Len returns the number of registered connections.
func (g *Gateway) Len() int {
	return g.registry.Len()
}

// Shutdown stops accepting upgrades, closes every connection with "going
// away" and waits for their read loops to finish or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	for _, e := range g.registry.Snapshot() {
		e.Conn.markClosing(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("gateway stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) broadcast(payload []byte) int {
	n := 0
	for _, e := range g.registry.Snapshot() {
		if !e.Conn.IsOpen() {
			continue
		}
		if g.deliver(e.Conn, payload) {
			n++
		}
	}
	return n
}

// canonicalID renders id the way the registry stores it, so any textual UUID
// form an operator passes finds the connection.
func canonicalID(id string) string {
	if parsed, err := uuid.Parse(strings.TrimSpace(id)); err == nil {
		return parsed.String()
	}
	return id
}

// deliver queues payload to c. A full queue marks c for teardown.
func (g *Gateway) deliver(c *Conn, payload []byte) bool {
	if c.enqueue(payload) {
		return true
	}
	if c.markClosing(websocket.CloseTryAgainLater, "send queue full") {
		g.logger.Warn("send queue full, closing slow connection", "conn_id", c.id)
	}
	return false
}
