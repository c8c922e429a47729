// ABOUTME: Tests for the SQLite device directory against an in-memory database.
// ABOUTME: Covers bind code lifecycle, token lookup, and status updates.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDirectory(t *testing.T) *SQLiteDirectory {
	t.Helper()
	d, err := NewSQLiteDirectory(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestCreateBindCode(t *testing.T) {
	d := setupTestDirectory(t)
	ctx := context.Background()

	bc, err := d.CreateBindCode(ctx, "proj-1", 15*time.Minute)
	require.NoError(t, err)

	assert.Len(t, bc.Code, 8)
	assert.Equal(t, "proj-1", bc.ProjectID)
	assert.Nil(t, bc.ConsumedAt)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), bc.ExpiresAt, 5*time.Second)
}

func TestConsumeBindCodeRegistersDevice(t *testing.T) {
	d := setupTestDirectory(t)
	ctx := context.Background()

	bc, err := d.CreateBindCode(ctx, "proj-1", 15*time.Minute)
	require.NoError(t, err)

	dev, err := d.ConsumeBindCode(ctx, bc.Code, Registration{
		Name:          "MacBook Pro",
		OS:            "darwin",
		ClientVersion: "1.0.0",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, dev.ID)
	assert.Equal(t, "proj-1", dev.ProjectID)
	assert.Equal(t, "MacBook Pro", dev.Name)
	assert.Equal(t, "darwin", dev.OS)
	assert.Equal(t, StatusOnline, dev.Status)

	fetched, err := d.GetDevice(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, dev.ID, fetched.ID)
	assert.Equal(t, "MacBook Pro", fetched.Name)
}

func TestConsumeBindCodeIsSingleUse(t *testing.T) {
	d := setupTestDirectory(t)
	ctx := context.Background()

	bc, err := d.CreateBindCode(ctx, "proj-1", 15*time.Minute)
	require.NoError(t, err)

	_, err = d.ConsumeBindCode(ctx, bc.Code, Registration{Name: "A", OS: "linux"})
	require.NoError(t, err)

	_, err = d.ConsumeBindCode(ctx, bc.Code, Registration{Name: "B", OS: "linux"})
	assert.ErrorIs(t, err, ErrBindCodeUsed)
}

func TestConsumeBindCodeExpired(t *testing.T) {
	d := setupTestDirectory(t)
	ctx := context.Background()

	bc, err := d.CreateBindCode(ctx, "proj-1", -time.Minute)
	require.NoError(t, err)

	_, err = d.ConsumeBindCode(ctx, bc.Code, Registration{Name: "A", OS: "linux"})
	assert.ErrorIs(t, err, ErrBindCodeExpired)
}

func TestConsumeBindCodeUnknown(t *testing.T) {
	d := setupTestDirectory(t)

	_, err := d.ConsumeBindCode(context.Background(), "NOPE1234", Registration{Name: "A", OS: "linux"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeBindCodeNormalizesInput(t *testing.T) {
	d := setupTestDirectory(t)
	ctx := context.Background()

	bc, err := d.CreateBindCode(ctx, "proj-1", 15*time.Minute)
	require.NoError(t, err)

	// Codes are stored upper-case; lookups tolerate case and whitespace.
	_, err = d.ConsumeBindCode(ctx, "  "+bc.Code+" ", Registration{Name: "A", OS: "linux"})
	assert.NoError(t, err)
}

func TestDeviceTokenLookup(t *testing.T) {
	d := setupTestDirectory(t)
	ctx := context.Background()

	bc, err := d.CreateBindCode(ctx, "proj-1", 15*time.Minute)
	require.NoError(t, err)
	dev, err := d.ConsumeBindCode(ctx, bc.Code, Registration{Name: "A", OS: "linux"})
	require.NoError(t, err)

	require.NoError(t, d.SetDeviceToken(ctx, dev.ID, "tok-abc"))

	found, err := d.DeviceByToken(ctx, "tok-abc")
	require.NoError(t, err)
	assert.Equal(t, dev.ID, found.ID)

	_, err = d.DeviceByToken(ctx, "tok-unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	// Empty tokens never match the unset-token rows.
	_, err = d.DeviceByToken(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetStatus(t *testing.T) {
	d := setupTestDirectory(t)
	ctx := context.Background()

	bc, err := d.CreateBindCode(ctx, "proj-1", 15*time.Minute)
	require.NoError(t, err)
	dev, err := d.ConsumeBindCode(ctx, bc.Code, Registration{Name: "A", OS: "linux"})
	require.NoError(t, err)

	require.NoError(t, d.SetStatus(ctx, dev.ID, StatusOffline))

	fetched, err := d.GetDevice(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, fetched.Status)

	assert.ErrorIs(t, d.SetStatus(ctx, "missing", StatusOnline), ErrNotFound)
	assert.ErrorIs(t, d.SetDeviceToken(ctx, "missing", "tok"), ErrNotFound)
}

func TestGetDeviceUnknown(t *testing.T) {
	d := setupTestDirectory(t)

	_, err := d.GetDevice(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
