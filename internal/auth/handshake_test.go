// ABOUTME: Tests for the first-message authentication handshake.
// ABOUTME: Uses an in-memory directory fake; both bind-code and token paths.

package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherhq/tether-gateway/internal/rpc"
	"github.com/tetherhq/tether-gateway/internal/store"
)

// fakeDirectory is a minimal in-memory store.Directory.
type fakeDirectory struct {
	codes    map[string]*store.BindCode
	devices  map[string]*store.Device
	byToken  map[string]string
	statuses map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		codes:    make(map[string]*store.BindCode),
		devices:  make(map[string]*store.Device),
		byToken:  make(map[string]string),
		statuses: make(map[string]string),
	}
}

func (f *fakeDirectory) CreateBindCode(_ context.Context, projectID string, ttl time.Duration) (*store.BindCode, error) {
	bc := &store.BindCode{Code: "CODE123", ProjectID: projectID, ExpiresAt: time.Now().Add(ttl)}
	f.codes[bc.Code] = bc
	return bc, nil
}

func (f *fakeDirectory) ConsumeBindCode(_ context.Context, code string, reg store.Registration) (*store.Device, error) {
	bc, ok := f.codes[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	if bc.ConsumedAt != nil {
		return nil, store.ErrBindCodeUsed
	}
	if time.Now().After(bc.ExpiresAt) {
		return nil, store.ErrBindCodeExpired
	}
	now := time.Now()
	bc.ConsumedAt = &now

	dev := &store.Device{
		ID:            "dev-" + code,
		ProjectID:     bc.ProjectID,
		Name:          reg.Name,
		OS:            reg.OS,
		ClientVersion: reg.ClientVersion,
		Status:        store.StatusOnline,
		CreatedAt:     now,
	}
	f.devices[dev.ID] = dev
	bc.DeviceID = dev.ID
	return dev, nil
}

func (f *fakeDirectory) DeviceByToken(_ context.Context, token string) (*store.Device, error) {
	id, ok := f.byToken[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f.devices[id], nil
}

func (f *fakeDirectory) SetDeviceToken(_ context.Context, deviceID, token string) error {
	dev, ok := f.devices[deviceID]
	if !ok {
		return store.ErrNotFound
	}
	dev.Token = token
	f.byToken[token] = deviceID
	return nil
}

func (f *fakeDirectory) SetStatus(_ context.Context, deviceID, status string) error {
	if _, ok := f.devices[deviceID]; !ok {
		return store.ErrNotFound
	}
	f.statuses[deviceID] = status
	return nil
}

func (f *fakeDirectory) GetDevice(_ context.Context, deviceID string) (*store.Device, error) {
	dev, ok := f.devices[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return dev, nil
}

func setupHandshake(t *testing.T) (*Handshake, *fakeDirectory, *TokenIssuer) {
	t.Helper()
	dir := newFakeDirectory()
	issuer, err := NewTokenIssuer([]byte("test-secret"))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandshake(dir, issuer, logger), dir, issuer
}

func authMessage(t *testing.T, params map[string]any) *rpc.Message {
	t.Helper()
	msg, err := rpc.NewRequest(1, "auth", params)
	require.NoError(t, err)
	return msg
}

func requireRPCError(t *testing.T, err error, code string) {
	t.Helper()
	var rpcErr *rpc.Error
	require.True(t, errors.As(err, &rpcErr), "expected *rpc.Error, got %v", err)
	assert.Equal(t, code, rpcErr.Code)
}

func TestHandshakeBindCodeRegistersDevice(t *testing.T) {
	h, dir, issuer := setupHandshake(t)
	_, err := dir.CreateBindCode(context.Background(), "proj-1", 15*time.Minute)
	require.NoError(t, err)

	result, err := h.Authenticate(context.Background(), authMessage(t, map[string]any{
		"bindCode": "CODE123",
		"deviceInfo": map[string]any{
			"name":    "Pixel 9",
			"version": "1.2.0",
			"os":      "android",
		},
	}))
	require.NoError(t, err)

	assert.True(t, result.NewRegistration)
	assert.NotEmpty(t, result.Token)
	assert.Equal(t, "proj-1", result.Device.ProjectID)
	assert.Equal(t, "Pixel 9", result.Device.Name)

	// The issued token is valid and stored against the device.
	deviceID, err := issuer.Verify(result.Token)
	require.NoError(t, err)
	assert.Equal(t, result.Device.ID, deviceID)
	assert.Equal(t, result.Device.ID, dir.byToken[result.Token])
}

func TestHandshakeBindCodeSingleUse(t *testing.T) {
	h, dir, _ := setupHandshake(t)
	_, err := dir.CreateBindCode(context.Background(), "proj-1", 15*time.Minute)
	require.NoError(t, err)

	params := map[string]any{
		"bindCode":   "CODE123",
		"deviceInfo": map[string]any{"name": "A", "os": "linux"},
	}
	_, err = h.Authenticate(context.Background(), authMessage(t, params))
	require.NoError(t, err)

	_, err = h.Authenticate(context.Background(), authMessage(t, params))
	requireRPCError(t, err, rpc.CodeAuthFailed)
}

func TestHandshakeTokenReconnect(t *testing.T) {
	h, dir, _ := setupHandshake(t)
	_, err := dir.CreateBindCode(context.Background(), "proj-1", 15*time.Minute)
	require.NoError(t, err)

	first, err := h.Authenticate(context.Background(), authMessage(t, map[string]any{
		"bindCode":   "CODE123",
		"deviceInfo": map[string]any{"name": "A", "os": "linux"},
	}))
	require.NoError(t, err)

	second, err := h.Authenticate(context.Background(), authMessage(t, map[string]any{
		"deviceToken": first.Token,
		"deviceInfo":  map[string]any{"name": "A", "os": "linux"},
	}))
	require.NoError(t, err)

	assert.False(t, second.NewRegistration)
	assert.Empty(t, second.Token, "no new token on reconnection")
	assert.Equal(t, first.Device.ID, second.Device.ID)
	assert.Equal(t, store.StatusOnline, dir.statuses[first.Device.ID])
}

func TestHandshakeRejectsNonAuthFirstMessage(t *testing.T) {
	h, _, _ := setupHandshake(t)

	msg, err := rpc.NewRequest(1, "tools/list", nil)
	require.NoError(t, err)

	_, err = h.Authenticate(context.Background(), msg)
	requireRPCError(t, err, rpc.CodeInvalidRequest)
}

func TestHandshakeRejectsBothCredentials(t *testing.T) {
	h, _, _ := setupHandshake(t)

	_, err := h.Authenticate(context.Background(), authMessage(t, map[string]any{
		"bindCode":    "CODE123",
		"deviceToken": "some-token",
	}))
	requireRPCError(t, err, rpc.CodeInvalidRequest)
}

func TestHandshakeRejectsMissingCredentials(t *testing.T) {
	h, _, _ := setupHandshake(t)

	_, err := h.Authenticate(context.Background(), authMessage(t, map[string]any{
		"deviceInfo": map[string]any{"name": "A", "os": "linux"},
	}))
	requireRPCError(t, err, rpc.CodeAuthFailed)
}

func TestHandshakeBindCodeRequiresDeviceInfo(t *testing.T) {
	h, dir, _ := setupHandshake(t)
	_, err := dir.CreateBindCode(context.Background(), "proj-1", 15*time.Minute)
	require.NoError(t, err)

	_, err = h.Authenticate(context.Background(), authMessage(t, map[string]any{
		"bindCode":   "CODE123",
		"deviceInfo": map[string]any{"os": "linux"},
	}))
	requireRPCError(t, err, rpc.CodeAuthFailed)

	_, err = h.Authenticate(context.Background(), authMessage(t, map[string]any{
		"bindCode":   "CODE123",
		"deviceInfo": map[string]any{"name": "A"},
	}))
	requireRPCError(t, err, rpc.CodeAuthFailed)
}

func TestHandshakeRejectsForgedToken(t *testing.T) {
	h, _, _ := setupHandshake(t)

	other, err := NewTokenIssuer([]byte("other-secret"))
	require.NoError(t, err)
	forged, err := other.Generate("dev-x")
	require.NoError(t, err)

	_, err = h.Authenticate(context.Background(), authMessage(t, map[string]any{
		"deviceToken": forged,
	}))
	requireRPCError(t, err, rpc.CodeAuthFailed)
}

func TestHandshakeRejectsUnknownToken(t *testing.T) {
	h, _, issuer := setupHandshake(t)

	// Validly signed but never stored in the directory.
	orphan, err := issuer.Generate("dev-ghost")
	require.NoError(t, err)

	_, err = h.Authenticate(context.Background(), authMessage(t, map[string]any{
		"deviceToken": orphan,
	}))
	requireRPCError(t, err, rpc.CodeAuthFailed)
}
