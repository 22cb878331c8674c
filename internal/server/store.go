package server

import (
	"sort"
	"sync"
	"time"

	"github.com/afroash/mijia-monitor/internal/models"
)

// MemoryStore keeps the latest snapshot and a short ring of distinct reads
// per sensor
type MemoryStore struct {
	capacity     int
	latest       map[string]*models.Snapshot
	history      map[string][]*models.Snapshot
	mutex        sync.RWMutex
	totalUpdates int64
	lastUpdate   time.Time
}

// StoreStats contains statistics about the memory store
type StoreStats struct {
	TotalUpdates   int64     `json:"total_updates"`
	Sensors        int       `json:"sensors"`
	HistoryEntries int       `json:"history_entries"`
	LastUpdate     time.Time `json:"last_update,omitempty"`
}

// NewMemoryStore creates a store keeping capacity reads per sensor
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryStore{
		capacity: capacity,
		latest:   make(map[string]*models.Snapshot),
		history:  make(map[string][]*models.Snapshot),
	}
}

// Add records snap as the sensor's current state. A snapshot carrying the
// same read time as the previous one (a cached value republished) replaces
// the current state without growing the history.
func (ms *MemoryStore) Add(snap *models.Snapshot) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	snap = snap.Copy()
	prev := ms.latest[snap.Address]
	ms.latest[snap.Address] = snap
	ms.totalUpdates++
	ms.lastUpdate = time.Now()

	if prev != nil && prev.ReadAt.Equal(snap.ReadAt) {
		return
	}

	ring := ms.history[snap.Address]
	if len(ring) >= ms.capacity {
		ring = ring[1:]
	}
	ms.history[snap.Address] = append(ring, snap)
}

// GetLatest returns up to n distinct reads of a sensor, newest first
func (ms *MemoryStore) GetLatest(address string, n int) []*models.Snapshot {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	ring := ms.history[address]
	if len(ring) == 0 || n <= 0 {
		return nil
	}

	start := len(ring) - n
	if start < 0 {
		start = 0
	}

	result := make([]*models.Snapshot, 0, len(ring)-start)
	for i := len(ring) - 1; i >= start; i-- {
		result = append(result, ring[i].Copy())
	}
	return result
}

// GetCurrent returns a copy of the most recent snapshot, nil if none
func (ms *MemoryStore) GetCurrent(address string) *models.Snapshot {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	snap, ok := ms.latest[address]
	if !ok {
		return nil
	}
	return snap.Copy()
}

// GetAddresses returns the sorted addresses of all sensors with data
func (ms *MemoryStore) GetAddresses() []string {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	keys := make([]string, 0, len(ms.latest))
	for key := range ms.latest {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Stats returns statistics about the store
func (ms *MemoryStore) Stats() StoreStats {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	entries := 0
	for _, ring := range ms.history {
		entries += len(ring)
	}
	return StoreStats{
		TotalUpdates:   ms.totalUpdates,
		Sensors:        len(ms.latest),
		HistoryEntries: entries,
		LastUpdate:     ms.lastUpdate,
	}
}
