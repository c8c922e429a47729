// ABOUTME: SQLite implementation of the Directory interface using modernc.org/sqlite.
// ABOUTME: Provides bind code and device persistence with automatic schema creation.

package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base32"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteDirectory implements Directory backed by a SQLite database.
type SQLiteDirectory struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteDirectory opens (or creates) the directory database at path.
// The schema is created if it does not exist. Parent directories are
// created as needed; ":memory:" is supported for tests.
func NewSQLiteDirectory(path string) (*SQLiteDirectory, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for better concurrency between the sweeper and handshakes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	d := &SQLiteDirectory{db: db, logger: logger}
	if err := d.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("device directory initialized", "path", path)
	return d, nil
}

func (d *SQLiteDirectory) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			os TEXT NOT NULL DEFAULT '',
			client_version TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_devices_token ON devices(token) WHERE token != '';

		CREATE TABLE IF NOT EXISTS bind_codes (
			code TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			consumed_at TIMESTAMP,
			device_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

// generateBindCode returns a short, human-typable one-time code.
func generateBindCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating bind code: %w", err)
	}
	return strings.ToUpper(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)), nil
}

// CreateBindCode mints a one-time bind code for a project.
func (d *SQLiteDirectory) CreateBindCode(ctx context.Context, projectID string, ttl time.Duration) (*BindCode, error) {
	code, err := generateBindCode()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	bc := &BindCode{
		Code:      code,
		ProjectID: projectID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO bind_codes (code, project_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		bc.Code, bc.ProjectID, bc.ExpiresAt, bc.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting bind code: %w", err)
	}

	d.logger.Info("bind code created", "project_id", projectID, "expires_at", bc.ExpiresAt)
	return bc, nil
}

// ConsumeBindCode marks a bind code used and creates the device row in one
// transaction so a code can never register two devices.
func (d *SQLiteDirectory) ConsumeBindCode(ctx context.Context, code string, reg Registration) (*Device, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var projectID string
	var expiresAt time.Time
	var consumedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT project_id, expires_at, consumed_at FROM bind_codes WHERE code = ?`,
		strings.ToUpper(strings.TrimSpace(code)),
	).Scan(&projectID, &expiresAt, &consumedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying bind code: %w", err)
	}

	if consumedAt.Valid {
		return nil, ErrBindCodeUsed
	}
	now := time.Now().UTC()
	if now.After(expiresAt) {
		return nil, ErrBindCodeExpired
	}

	dev := &Device{
		ID:            uuid.New().String(),
		ProjectID:     projectID,
		Name:          reg.Name,
		OS:            reg.OS,
		ClientVersion: reg.ClientVersion,
		Status:        StatusOnline,
		LastSeenAt:    now,
		CreatedAt:     now,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO devices (id, project_id, name, os, client_version, status, last_seen_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dev.ID, dev.ProjectID, dev.Name, dev.OS, dev.ClientVersion, dev.Status, dev.LastSeenAt, dev.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting device: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE bind_codes SET consumed_at = ?, device_id = ? WHERE code = ?`,
		now, dev.ID, strings.ToUpper(strings.TrimSpace(code)),
	)
	if err != nil {
		return nil, fmt.Errorf("consuming bind code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing registration: %w", err)
	}

	d.logger.Info("device registered", "device_id", dev.ID, "project_id", dev.ProjectID, "name", dev.Name)
	return dev, nil
}

// DeviceByToken looks up a device by its long-lived token.
func (d *SQLiteDirectory) DeviceByToken(ctx context.Context, token string) (*Device, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return d.scanDevice(d.db.QueryRowContext(ctx,
		deviceColumns+` WHERE token = ?`, token))
}

// GetDevice looks up a device by ID.
func (d *SQLiteDirectory) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	return d.scanDevice(d.db.QueryRowContext(ctx,
		deviceColumns+` WHERE id = ?`, deviceID))
}

const deviceColumns = `SELECT id, project_id, name, os, client_version, token, status, last_seen_at, created_at FROM devices`

func (d *SQLiteDirectory) scanDevice(row *sql.Row) (*Device, error) {
	var dev Device
	var lastSeen sql.NullTime
	err := row.Scan(&dev.ID, &dev.ProjectID, &dev.Name, &dev.OS, &dev.ClientVersion,
		&dev.Token, &dev.Status, &lastSeen, &dev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	if lastSeen.Valid {
		dev.LastSeenAt = lastSeen.Time
	}
	return &dev, nil
}

// SetDeviceToken stores the issued token on a device row.
func (d *SQLiteDirectory) SetDeviceToken(ctx context.Context, deviceID, token string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE devices SET token = ? WHERE id = ?`, token, deviceID)
	if err != nil {
		return fmt.Errorf("updating device token: %w", err)
	}
	return requireRow(res)
}

// SetStatus updates a device's status and advances its last-seen time.
func (d *SQLiteDirectory) SetStatus(ctx context.Context, deviceID, status string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, last_seen_at = ? WHERE id = ?`,
		status, time.Now().UTC(), deviceID)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
