// ABOUTME: Process-wide registry of connected devices, one live connection per device.
// ABOUTME: Drives the heartbeat sweep that pings healthy devices and expires stale ones.

package device

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tetherhq/tether-gateway/internal/rpc"
)

// ExpireFunc is invoked (outside the registry lock) after a connection is
// dropped by the sweep, so the caller can mark the device offline. Best
// effort: errors are the callback's problem.
type ExpireFunc func(deviceID string)

// Registry tracks the live connection for each device identity.
// All mutations are serialized under one lock so a reconnect can never race
// a sweep-driven disconnect of the same device.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	logger *slog.Logger

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	onExpire          ExpireFunc
}

// RegistryConfig configures the registry and its sweeper.
type RegistryConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	OnExpire          ExpireFunc
	Logger            *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:             make(map[string]*Conn),
		logger:            logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		onExpire:          cfg.OnExpire,
	}
}

// Register installs the connection for its device identity. An existing
// connection for the same identity is closed and discarded first, which
// cancels its pending requests.
func (r *Registry) Register(conn *Conn) {
	id := conn.Identity().ID

	r.mu.Lock()
	old, exists := r.conns[id]
	r.conns[id] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if exists {
		r.logger.Info("replacing existing device connection", "device_id", id)
		old.Close()
	}

	r.logger.Info("device connected",
		"device_id", id,
		"name", conn.Identity().Name,
		"total_devices", total,
	)
}

// Unregister removes the device's connection, cancels its pending requests,
// and closes its transport. No-op for unknown devices.
func (r *Registry) Unregister(deviceID string) {
	r.mu.Lock()
	conn, exists := r.conns[deviceID]
	if exists {
		delete(r.conns, deviceID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !exists {
		return
	}
	conn.Close()
	r.logger.Info("device disconnected",
		"device_id", deviceID,
		"total_devices", total,
	)
}

// Drop removes and closes the connection only if it is still the registered
// one for its device. Returns false when a newer connection has already
// replaced it, in which case the caller must not touch the device's status.
func (r *Registry) Drop(conn *Conn) bool {
	id := conn.Identity().ID

	r.mu.Lock()
	current, exists := r.conns[id]
	removed := exists && current == conn
	if removed {
		delete(r.conns, id)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !removed {
		return false
	}
	conn.Close()
	r.logger.Info("device disconnected",
		"device_id", id,
		"total_devices", total,
	)
	return true
}

// Get returns the live connection for a device, if any. No side effects.
func (r *Registry) Get(deviceID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[deviceID]
	return conn, ok
}

// List returns a snapshot of all live connections.
func (r *Registry) List() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// SweepOnce runs one heartbeat pass: stale connections are unregistered and
// reported through OnExpire; the rest get a ping notification. A ping send
// failure counts as staleness.
func (r *Registry) SweepOnce(now time.Time) {
	for _, conn := range r.List() {
		id := conn.Identity().ID

		if now.Sub(conn.LastSeen()) > r.heartbeatTimeout {
			r.logger.Info("device heartbeat timed out",
				"device_id", id,
				"last_seen", conn.LastSeen(),
			)
			r.expire(id)
			continue
		}

		ping, err := rpc.NewNotification("ping", map[string]any{
			"timestamp": now.UnixMilli(),
		})
		if err != nil {
			continue
		}
		if err := conn.Send(ping); err != nil {
			r.logger.Info("device ping failed", "device_id", id, "error", err)
			r.expire(id)
		}
	}
}

func (r *Registry) expire(deviceID string) {
	r.Unregister(deviceID)
	if r.onExpire != nil {
		r.onExpire(deviceID)
	}
}

// RunSweeper runs the heartbeat sweep on the configured interval until the
// context is canceled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.SweepOnce(now)
		}
	}
}
