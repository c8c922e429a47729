// ABOUTME: Represents a single connected device and its request/response correlation.
// ABOUTME: Owns the pending-request table, request-id counter, and liveness timestamps.

package device

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tetherhq/tether-gateway/internal/rpc"
	"github.com/tetherhq/tether-gateway/internal/tools"
)

// ErrConnectionClosed is returned by Call when the connection is torn down
// while the request is in flight.
var ErrConnectionClosed = errors.New("device connection closed")

// Transport is the framed message stream a Conn owns. Implemented by
// rpc.Framer; tests substitute in-memory fakes.
type Transport interface {
	Send(msg *rpc.Message) error
	Receive() (*rpc.Message, error)
	Close() error
}

// Identity describes a registered device. Immutable for the life of the
// connection.
type Identity struct {
	ID            string
	Name          string
	ProjectID     string
	OS            string
	ClientVersion string
	Capabilities  []string
}

// Conn is one live device connection. The gateway's reader loop is the sole
// caller of HandleResponse and Touch; Call may run concurrently from any
// number of goroutines.
type Conn struct {
	identity  Identity
	transport Transport
	logger    *slog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *rpc.Message
	closed  bool

	stateMu     sync.RWMutex
	lastSeen    time.Time
	connectedAt time.Time
	toolDefs    []tools.FunctionDef
}

// NewConn creates a connection for an authenticated device.
func NewConn(identity Identity, transport Transport, logger *slog.Logger) *Conn {
	now := time.Now()
	return &Conn{
		identity:    identity,
		transport:   transport,
		logger:      logger,
		pending:     make(map[int64]chan *rpc.Message),
		lastSeen:    now,
		connectedAt: now,
	}
}

// Identity returns the device identity.
func (c *Conn) Identity() Identity {
	return c.identity
}

// Send transmits a message on the transport. Write serialization is the
// transport's responsibility.
func (c *Conn) Send(msg *rpc.Message) error {
	return c.transport.Send(msg)
}

// Receive reads the next inbound frame. Reader loop only.
func (c *Conn) Receive() (*rpc.Message, error) {
	return c.transport.Receive()
}

// Call sends a request and waits for its response, up to timeout.
// A timeout yields (nil, nil): an absent result is a normal, retryable
// outcome and the connection stays open. A torn-down connection yields
// ErrConnectionClosed.
func (c *Conn) Call(ctx context.Context, method string, params any, timeout time.Duration) (*rpc.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *rpc.Message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req, err := rpc.NewRequest(id, method, params)
	if err != nil {
		c.dropPending(id)
		return nil, err
	}
	if err := c.transport.Send(req); err != nil {
		c.dropPending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return resp, nil
	case <-timer.C:
		c.dropPending(id)
		c.logger.Warn("request timed out", "method", method, "request_id", id)
		return nil, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// HandleResponse routes an inbound response to its pending request.
// Responses for unknown ids (already timed out, or never ours) are dropped.
func (c *Conn) HandleResponse(msg *rpc.Message) {
	if msg.ID == nil {
		c.logger.Warn("response without id dropped", "device_id", c.identity.ID)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("response for unknown request dropped",
			"request_id", *msg.ID,
			"device_id", c.identity.ID,
		)
		return
	}

	ch <- msg
}

// Touch advances the liveness timestamp. It never moves backwards.
func (c *Conn) Touch() {
	now := time.Now()
	c.stateMu.Lock()
	if now.After(c.lastSeen) {
		c.lastSeen = now
	}
	c.stateMu.Unlock()
}

// LastSeen returns the time of the most recent inbound message.
func (c *Conn) LastSeen() time.Time {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastSeen
}

// ConnectedAt returns when the connection was established.
func (c *Conn) ConnectedAt() time.Time {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.connectedAt
}

// Tools returns the cached tool descriptors, or nil before discovery.
func (c *Conn) Tools() []tools.FunctionDef {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.toolDefs
}

// SetTools caches the device's converted tool descriptors.
func (c *Conn) SetTools(defs []tools.FunctionDef) {
	c.stateMu.Lock()
	c.toolDefs = defs
	c.stateMu.Unlock()
}

// Close cancels every pending request and closes the transport.
// Safe to call multiple times.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		c.logger.Debug("closing transport", "error", err, "device_id", c.identity.ID)
	}
}
