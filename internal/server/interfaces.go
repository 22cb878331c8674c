package server

import (
	"github.com/afroash/mijia-monitor/internal/models"
	"github.com/afroash/mijia-monitor/internal/storage"
)

// SnapshotStore holds the recent snapshots of every polled sensor.
// MemoryStore implements this interface
type SnapshotStore interface {
	// Add records a snapshot
	Add(snap *models.Snapshot)

	// GetLatest returns up to n distinct reads of a sensor, newest first
	GetLatest(address string, n int) []*models.Snapshot

	// GetCurrent returns the most recent snapshot of a sensor
	GetCurrent(address string) *models.Snapshot

	// GetAddresses returns the sorted addresses of all sensors with data
	GetAddresses() []string

	Stats() StoreStats
}

// DeviceDirectory exposes the persistent device registry.
// storage.SQLiteStore implements this interface
type DeviceDirectory interface {
	ListDevices() ([]*models.DeviceRecord, error)
	GetStorageStats() (*storage.StorageStats, error)
}
