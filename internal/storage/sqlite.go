package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/models"
)

const timestampFormat = "2006-01-02 15:04:05"

// Registry defines the interface for the known-device registry
type Registry interface {
	Close() error
	Migrate() error
	UpsertDevice(device *models.DeviceRecord) error
	UpsertBatch(devices []*models.DeviceRecord) error
	GetDevice(address string) (*models.DeviceRecord, error)
	ListDevices() ([]*models.DeviceRecord, error)
	DeleteNotSeenSince(days int) (int64, error)
	GetStorageStats() (*StorageStats, error)
}

// Compile-time interface check
var _ Registry = (*SQLiteStore)(nil)

// SQLiteStore keeps one row per sensor the daemon has read
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// StorageStats contains information about the database
type StorageStats struct {
	TotalDevices   int64     `json:"total_devices"`
	OldestSeen     time.Time `json:"oldest_seen,omitempty"`
	NewestSeen     time.Time `json:"newest_seen,omitempty"`
	DatabaseSizeMB float64   `json:"database_size_mb"`
}

// NewSQLiteStore opens (and migrates) the registry database at dbPath
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("Device registry initialized")

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate creates the database schema if it doesn't exist
func (s *SQLiteStore) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		address TEXT PRIMARY KEY,
		interface INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		firmware_version TEXT NOT NULL DEFAULT '',
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		error_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Debug().Msg("Database schema migrated")
	return nil
}

// An upsert never moves first_seen and never blanks a known name or firmware.
const upsertQuery = `
	INSERT INTO devices (address, interface, name, firmware_version, first_seen, last_seen, error_count)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(address) DO UPDATE SET
		interface = excluded.interface,
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE devices.name END,
		firmware_version = CASE WHEN excluded.firmware_version != '' THEN excluded.firmware_version ELSE devices.firmware_version END,
		last_seen = MAX(devices.last_seen, excluded.last_seen),
		error_count = excluded.error_count
`

// UpsertDevice inserts a device or refreshes its registry entry
func (s *SQLiteStore) UpsertDevice(device *models.DeviceRecord) error {
	if _, err := s.db.Exec(upsertQuery, deviceArgs(device)...); err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", device.Address, err)
	}
	return nil
}

// UpsertBatch upserts multiple devices in a single transaction
func (s *SQLiteStore) UpsertBatch(devices []*models.DeviceRecord) error {
	if len(devices) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(upsertQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, device := range devices {
		if _, err := stmt.Exec(deviceArgs(device)...); err != nil {
			return fmt.Errorf("failed to upsert device %s in batch: %w", device.Address, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug().Int("count", len(devices)).Msg("Batch upsert completed")
	return nil
}

func deviceArgs(d *models.DeviceRecord) []interface{} {
	firstSeen := d.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = d.LastSeen
	}
	return []interface{}{
		d.Address,
		d.Interface,
		d.Name,
		d.FirmwareVersion,
		firstSeen.UTC().Format(timestampFormat),
		d.LastSeen.UTC().Format(timestampFormat),
		d.ErrorCount,
	}
}

// GetDevice returns the registry entry for address, or nil if unknown
func (s *SQLiteStore) GetDevice(address string) (*models.DeviceRecord, error) {
	row := s.db.QueryRow(`
		SELECT address, interface, name, firmware_version, first_seen, last_seen, error_count
		FROM devices
		WHERE address = ?
	`, address)

	device, err := s.scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

// ListDevices returns every known device ordered by address
func (s *SQLiteStore) ListDevices() ([]*models.DeviceRecord, error) {
	rows, err := s.db.Query(`
		SELECT address, interface, name, firmware_version, first_seen, last_seen, error_count
		FROM devices
		ORDER BY address
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.DeviceRecord
	for rows.Next() {
		device, err := s.scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return devices, nil
}

// DeleteNotSeenSince removes devices that have not answered for the given
// number of days
func (s *SQLiteStore) DeleteNotSeenSince(days int) (int64, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -days)

	result, err := s.db.Exec(
		"DELETE FROM devices WHERE last_seen < ?",
		cutoff.Format(timestampFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale devices: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info().
		Int("days", days).
		Int64("deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Deleted stale devices")

	return deleted, nil
}

// GetStorageStats returns statistics about the database
func (s *SQLiteStore) GetStorageStats() (*StorageStats, error) {
	stats := &StorageStats{}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM devices").Scan(&stats.TotalDevices); err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}

	if stats.TotalDevices > 0 {
		var oldestStr, newestStr string
		err := s.db.QueryRow("SELECT MIN(last_seen), MAX(last_seen) FROM devices").Scan(&oldestStr, &newestStr)
		if err != nil {
			return nil, fmt.Errorf("failed to get last_seen range: %w", err)
		}
		stats.OldestSeen, _ = parseTimestamp(oldestStr)
		stats.NewestSeen, _ = parseTimestamp(newestStr)
	}

	var pageCount, pageSize int64
	s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	stats.DatabaseSizeMB = float64(pageCount*pageSize) / (1024 * 1024)

	return stats, nil
}

func (s *SQLiteStore) scanDevice(row interface{ Scan(...interface{}) error }) (*models.DeviceRecord, error) {
	var d models.DeviceRecord
	var firstSeen, lastSeen string

	err := row.Scan(&d.Address, &d.Interface, &d.Name, &d.FirmwareVersion, &firstSeen, &lastSeen, &d.ErrorCount)
	if err != nil {
		return nil, err
	}

	if d.FirstSeen, err = parseTimestamp(firstSeen); err != nil {
		return nil, fmt.Errorf("failed to parse first_seen: %w", err)
	}
	if d.LastSeen, err = parseTimestamp(lastSeen); err != nil {
		return nil, fmt.Errorf("failed to parse last_seen: %w", err)
	}

	return &d, nil
}

// parseTimestamp tries the formats the sqlite3 driver may hand back
func parseTimestamp(ts string) (time.Time, error) {
	formats := []string{
		timestampFormat,
		"2006-01-02T15:04:05Z07:00",
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, ts); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", ts)
}
