// ABOUTME: Directory interface and data types for device registration state.
// ABOUTME: Defines Device, BindCode structs and the errors the directory returns.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrBindCodeUsed is returned when a bind code has already been consumed.
var ErrBindCodeUsed = errors.New("bind code already used")

// ErrBindCodeExpired is returned when a bind code is past its expiry.
var ErrBindCodeExpired = errors.New("bind code expired")

// Device status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Device is one registered device row.
type Device struct {
	ID            string
	ProjectID     string
	Name          string
	OS            string
	ClientVersion string
	Token         string
	Status        string
	LastSeenAt    time.Time
	CreatedAt     time.Time
}

// BindCode is a one-time registration credential scoped to a project.
type BindCode struct {
	Code       string
	ProjectID  string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	DeviceID   string
	CreatedAt  time.Time
}

// Registration carries the device-supplied fields of a first-time registration.
type Registration struct {
	Name          string
	OS            string
	ClientVersion string
}

// Directory is the device registry consumed by the authentication handshake
// and the heartbeat sweeper.
type Directory interface {
	// CreateBindCode mints a one-time bind code for a project.
	CreateBindCode(ctx context.Context, projectID string, ttl time.Duration) (*BindCode, error)

	// ConsumeBindCode atomically marks a bind code used and creates the
	// device row. Returns ErrNotFound, ErrBindCodeUsed or ErrBindCodeExpired
	// for invalid codes.
	ConsumeBindCode(ctx context.Context, code string, reg Registration) (*Device, error)

	// DeviceByToken looks up a device by its long-lived token.
	DeviceByToken(ctx context.Context, token string) (*Device, error)

	// SetDeviceToken stores the issued token on a device row.
	SetDeviceToken(ctx context.Context, deviceID, token string) error

	// SetStatus updates a device's online/offline status and last-seen time.
	SetStatus(ctx context.Context, deviceID, status string) error

	// GetDevice looks up a device by ID.
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
}
