// ABOUTME: Per-connection serving: authentication handshake followed by the reader loop.
// ABOUTME: Routes responses to pending requests and answers device-initiated traffic inline.

package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/tetherhq/tether-gateway/internal/device"
	"github.com/tetherhq/tether-gateway/internal/rpc"
)

// authOK is the result payload of a successful auth request.
type authOK struct {
	Status      string `json:"status"`
	DeviceID    string `json:"deviceId"`
	ProjectID   string `json:"projectId"`
	DeviceToken string `json:"deviceToken,omitempty"`
	Message     string `json:"message"`
}

// serveConn authenticates a fresh connection and then runs its reader loop
// until the peer goes away or misbehaves.
func (g *Gateway) serveConn(ctx context.Context, netConn net.Conn) {
	framer := rpc.NewFramer(netConn)
	logger := g.logger.With("remote_addr", netConn.RemoteAddr().String())

	// The first frame must arrive within the handshake window.
	_ = netConn.SetReadDeadline(time.Now().Add(g.config.Devices.HandshakeTimeout))
	first, err := framer.Receive()
	if err != nil {
		logger.Info("handshake read failed", "error", err)
		_ = framer.Close()
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	result, err := g.handshake.Authenticate(ctx, first)
	if err != nil {
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) {
			_ = framer.Send(&rpc.Message{JSONRPC: rpc.Version, ID: first.ID, Error: rpcErr})
		}
		logger.Info("authentication rejected", "error", err)
		_ = framer.Close()
		return
	}

	dev := result.Device
	identity := device.Identity{
		ID:            dev.ID,
		Name:          dev.Name,
		ProjectID:     dev.ProjectID,
		OS:            dev.OS,
		ClientVersion: dev.ClientVersion,
	}
	conn := device.NewConn(identity, framer, logger.With("device_id", dev.ID))

	message := "reconnected"
	if result.NewRegistration {
		message = "device registered"
	}
	ok := authOK{
		Status:      "ok",
		DeviceID:    dev.ID,
		ProjectID:   dev.ProjectID,
		DeviceToken: result.Token, // only ever set on first registration
		Message:     message,
	}

	var replyID int64
	if first.ID != nil {
		replyID = *first.ID
	}
	reply, err := rpc.NewResult(replyID, ok)
	if err == nil {
		err = conn.Send(reply)
	}
	if err != nil {
		logger.Info("sending auth reply failed", "error", err)
		_ = framer.Close()
		return
	}

	g.registry.Register(conn)
	g.readLoop(ctx, conn)
}

// readLoop is the single reader for one connection. Every inbound frame
// advances liveness; responses fulfill pending requests, everything else is
// a device-initiated request answered inline.
func (g *Gateway) readLoop(ctx context.Context, conn *device.Conn) {
	deviceID := conn.Identity().ID

	for {
		msg, err := conn.Receive()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				g.logger.Info("device closed connection", "device_id", deviceID)
			case errors.Is(err, rpc.ErrClosed):
				// Replaced by a newer connection or shut down; nothing to log.
			case ctx.Err() != nil:
			default:
				g.logger.Warn("protocol error, dropping connection", "device_id", deviceID, "error", err)
			}
			g.dropConn(conn)
			return
		}

		conn.Touch()

		if msg.IsResponse() {
			conn.HandleResponse(msg)
			continue
		}

		if !g.handleInbound(conn, msg) {
			g.dropConn(conn)
			return
		}
	}
}

// handleInbound answers a device-initiated request or notification.
// Returns false when the connection must be torn down.
func (g *Gateway) handleInbound(conn *device.Conn, msg *rpc.Message) bool {
	switch msg.Method {
	case "ping":
		if msg.ID != nil {
			reply, err := rpc.NewResult(*msg.ID, map[string]any{
				"pong":      true,
				"timestamp": time.Now().UnixMilli(),
			})
			if err == nil {
				_ = conn.Send(reply)
			}
		}
		return true

	case "heartbeat":
		if msg.ID != nil {
			reply, err := rpc.NewResult(*msg.ID, map[string]any{"status": "ok"})
			if err == nil {
				_ = conn.Send(reply)
			}
		}
		return true

	case "auth":
		// Authentication happens exactly once, as the first message.
		_ = conn.Send(rpc.NewError(msg.ID, rpc.CodeInvalidRequest, "already authenticated"))
		g.logger.Warn("duplicate auth message, dropping connection", "device_id", conn.Identity().ID)
		return false

	default:
		if msg.ID != nil {
			_ = conn.Send(rpc.NewError(msg.ID, rpc.CodeMethodNotFound, "unknown method: "+msg.Method))
		}
		return true
	}
}

// dropConn removes the connection from the registry if it is still the
// registered one and marks the device offline. A connection that was already
// replaced by a reconnect must not flip the new connection's status.
func (g *Gateway) dropConn(conn *device.Conn) {
	if g.registry.Drop(conn) {
		g.markOffline(conn.Identity().ID)
	} else {
		conn.Close()
	}
}
