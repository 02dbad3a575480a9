package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one gateway connection. All transport writes happen on the writer
// goroutine; all reads happen on the handler goroutine that owns the
// connection.
type Conn struct {
	id          string // set by Bind under the registry lock
	remoteAddr  string
	subject     string
	connectedAt time.Time

	ws    *websocket.Conn
	state atomic.Int32
	send  chan []byte

	closeOnce   sync.Once
	closing     chan struct{} // closed when the connection leaves Open
	closeCode   int
	closeReason string

	readerDone chan struct{}
	writerDone chan struct{}
	writerUp   bool
	opened     bool  // reached Open; only such connections are audited as closed
	writeErr   error // set by the writer before writerDone closes

	teardownOnce sync.Once
}

func newConn(remoteAddr, subject string, queueSize int) *Conn {
	return &Conn{
		remoteAddr:  remoteAddr,
		subject:     subject,
		connectedAt: time.Now(),
		send:        make(chan []byte, queueSize),
		closing:     make(chan struct{}),
		readerDone:  make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
}

// Bind implements registry.Member.
func (c *Conn) Bind(id string) { c.id = id }

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle stage.
func (c *Conn) State() State { return State(c.state.Load()) }

// IsOpen reports whether the connection accepts routed frames.
func (c *Conn) IsOpen() bool { return c.State() == StateOpen }

// open moves Connecting to Open. It fails if the connection started closing
// while the upgrade was in flight.
func (c *Conn) open() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// markClosing moves the connection to Closing and records the close frame the
// writer will send. Only the first call has any effect; it reports whether
// this call started the close.
func (c *Conn) markClosing(code int, reason string) bool {
	started := false
	c.closeOnce.Do(func() {
		started = true
		c.closeCode = code
		c.closeReason = reason
		c.state.Store(int32(StateClosing))
		close(c.closing)
	})
	return started
}

// enqueue queues a text frame without blocking. It returns false when the
// connection is closing or the queue is full.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writeLoop is the only goroutine that writes data frames, pings and the close
// frame to the transport.
func (c *Conn) writeLoop(writeTimeout, pingInterval, closeGrace time.Duration) {
	defer close(c.writerDone)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		// A pending close wins over queued frames; those are discarded.
		select {
		case <-c.closing:
			c.closeHandshake(writeTimeout, closeGrace)
			return
		default:
		}

		select {
		case <-c.closing:
			c.closeHandshake(writeTimeout, closeGrace)
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.abort(err)
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.abort(err)
				return
			}
		}
	}
}

// abort handles a failed or timed-out write. No close frame is attempted; the
// transport is closed so the blocked reader returns.
func (c *Conn) abort(err error) {
	c.writeErr = err
	c.markClosing(websocket.CloseAbnormalClosure, "write failed")
	_ = c.ws.Close()
}

// closeHandshake sends the close frame and gives the peer closeGrace to answer
// before the transport is dropped. Errors are ignored.
func (c *Conn) closeHandshake(writeTimeout, closeGrace time.Duration) {
	// 1006 is never sent on the wire; the transport is already unusable.
	if c.closeCode == websocket.CloseAbnormalClosure {
		_ = c.ws.Close()
		return
	}
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))

	timer := time.NewTimer(closeGrace)
	defer timer.Stop()
	select {
	case <-c.readerDone:
	case <-timer.C:
		_ = c.ws.Close()
	}
}

// messageLimiter is a token bucket owned by the reader goroutine.
type messageLimiter struct {
	rate     float64 // tokens per second
	burst    float64
	tokens   float64
	lastTime time.Time
}

func newMessageLimiter(rate float64, burst int) *messageLimiter {
	return &messageLimiter{rate: rate, burst: float64(burst)}
}

func (l *messageLimiter) allow(now time.Time) bool {
	if l.rate <= 0 {
		return true
	}
	if l.lastTime.IsZero() {
		l.tokens = l.burst
		l.lastTime = now
	}

	elapsed := now.Sub(l.lastTime).Seconds()
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastTime = now

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
