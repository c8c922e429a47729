// ABOUTME: First-message authentication handshake for new device connections.
// ABOUTME: Accepts a one-time bind code or a long-lived device token, never both.

package auth

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tetherhq/tether-gateway/internal/rpc"
	"github.com/tetherhq/tether-gateway/internal/store"
)

// DeviceInfo is the device-supplied metadata of an auth request.
// Unknown extra fields are ignored at the boundary.
type DeviceInfo struct {
	Name             string `json:"name"`
	Version          string `json:"version"`
	OS               string `json:"os,omitempty"`
	OSVersion        string `json:"osVersion,omitempty"`
	ScreenResolution string `json:"screenResolution,omitempty"`
}

// Params is the payload of the auth method.
type Params struct {
	BindCode    string     `json:"bindCode,omitempty"`
	DeviceToken string     `json:"deviceToken,omitempty"`
	DeviceInfo  DeviceInfo `json:"deviceInfo"`
}

// Result is a successful handshake outcome. Token is set only for new
// registrations and is sent to the client exactly once.
type Result struct {
	Device          *store.Device
	Token           string
	NewRegistration bool
}

// Handshake validates the first message of a connection against the device
// directory.
type Handshake struct {
	directory store.Directory
	issuer    *TokenIssuer
	logger    *slog.Logger
}

// NewHandshake creates a handshake validator.
func NewHandshake(directory store.Directory, issuer *TokenIssuer, logger *slog.Logger) *Handshake {
	return &Handshake{directory: directory, issuer: issuer, logger: logger}
}

// Authenticate validates the first inbound message. Failures are returned as
// *rpc.Error so the caller can reply with the matching wire error before
// closing the connection.
func (h *Handshake) Authenticate(ctx context.Context, first *rpc.Message) (*Result, error) {
	if first.Method != "auth" {
		return nil, &rpc.Error{Code: rpc.CodeInvalidRequest, Message: "first message must be auth"}
	}

	var params Params
	if len(first.Params) > 0 {
		if err := json.Unmarshal(first.Params, &params); err != nil {
			return nil, &rpc.Error{Code: rpc.CodeInvalidRequest, Message: "malformed auth params"}
		}
	}

	switch {
	case params.BindCode != "" && params.DeviceToken != "":
		return nil, &rpc.Error{Code: rpc.CodeInvalidRequest, Message: "bindCode and deviceToken are mutually exclusive"}
	case params.BindCode != "":
		return h.registerWithBindCode(ctx, params)
	case params.DeviceToken != "":
		return h.reconnectWithToken(ctx, params.DeviceToken)
	default:
		return nil, &rpc.Error{Code: rpc.CodeAuthFailed, Message: "bindCode or deviceToken required"}
	}
}

// registerWithBindCode consumes a one-time code and issues the device token.
func (h *Handshake) registerWithBindCode(ctx context.Context, params Params) (*Result, error) {
	if params.DeviceInfo.Name == "" {
		return nil, &rpc.Error{Code: rpc.CodeAuthFailed, Message: "deviceInfo.name is required"}
	}
	if params.DeviceInfo.OS == "" {
		return nil, &rpc.Error{Code: rpc.CodeAuthFailed, Message: "deviceInfo.os is required"}
	}

	dev, err := h.directory.ConsumeBindCode(ctx, params.BindCode, store.Registration{
		Name:          params.DeviceInfo.Name,
		OS:            params.DeviceInfo.OS,
		ClientVersion: params.DeviceInfo.Version,
	})
	if err != nil {
		h.logger.Info("bind code rejected", "error", err)
		return nil, &rpc.Error{Code: rpc.CodeAuthFailed, Message: "invalid or expired bind code"}
	}

	token, err := h.issuer.Generate(dev.ID)
	if err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInternalError, Message: "issuing device token"}
	}
	if err := h.directory.SetDeviceToken(ctx, dev.ID, token); err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInternalError, Message: "storing device token"}
	}
	dev.Token = token

	h.logger.Info("device registered via bind code", "device_id", dev.ID, "name", dev.Name)
	return &Result{Device: dev, Token: token, NewRegistration: true}, nil
}

// reconnectWithToken looks up a returning device and marks it online.
// No new token is issued on reconnection.
func (h *Handshake) reconnectWithToken(ctx context.Context, token string) (*Result, error) {
	if _, err := h.issuer.Verify(token); err != nil {
		h.logger.Info("device token rejected", "error", err)
		return nil, &rpc.Error{Code: rpc.CodeAuthFailed, Message: "invalid device token"}
	}

	dev, err := h.directory.DeviceByToken(ctx, token)
	if err != nil {
		h.logger.Info("device token unknown", "error", err)
		return nil, &rpc.Error{Code: rpc.CodeAuthFailed, Message: "invalid device token"}
	}

	if err := h.directory.SetStatus(ctx, dev.ID, store.StatusOnline); err != nil {
		h.logger.Warn("marking device online", "device_id", dev.ID, "error", err)
	}

	h.logger.Info("device reconnected", "device_id", dev.ID, "name", dev.Name)
	return &Result{Device: dev, NewRegistration: false}, nil
}
