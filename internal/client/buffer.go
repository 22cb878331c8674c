package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/afroash/mijia-monitor/internal/models"
)

// SnapshotBuffer is a bounded FIFO holding snapshots while the collector is
// unreachable
type SnapshotBuffer struct {
	snapshots  []*models.Snapshot
	capacity   int
	dropOldest bool
	mutex      sync.RWMutex
	stats      BufferStats
}

// BufferStats tracks buffer usage statistics
type BufferStats struct {
	TotalPushed   int64
	TotalDropped  int64
	HighWaterMark int
	LastPushTime  time.Time
	LastDropTime  time.Time
}

// NewSnapshotBuffer creates a buffer holding at most capacity snapshots.
// When full, dropOldest evicts the head; otherwise new snapshots are rejected.
func NewSnapshotBuffer(capacity int, dropOldest bool) *SnapshotBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &SnapshotBuffer{
		snapshots:  make([]*models.Snapshot, 0, capacity),
		capacity:   capacity,
		dropOldest: dropOldest,
	}
}

// Push adds a snapshot to the buffer.
// Returns false if the snapshot was dropped (full and dropOldest=false)
func (b *SnapshotBuffer) Push(snap *models.Snapshot) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if len(b.snapshots) >= b.capacity {
		b.stats.TotalDropped++
		b.stats.LastDropTime = time.Now()
		if !b.dropOldest {
			return false
		}
		b.snapshots = b.snapshots[1:]
	}
	b.snapshots = append(b.snapshots, snap)
	b.stats.TotalPushed++
	b.stats.LastPushTime = time.Now()

	if len(b.snapshots) > b.stats.HighWaterMark {
		b.stats.HighWaterMark = len(b.snapshots)
	}

	return true
}

// PopBatch removes and returns up to n snapshots, oldest first
func (b *SnapshotBuffer) PopBatch(n int) []*models.Snapshot {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	count := min(n, len(b.snapshots))
	if count <= 0 {
		return nil
	}
	result := make([]*models.Snapshot, count)
	copy(result, b.snapshots[:count])
	b.snapshots = b.snapshots[count:]
	return result
}

// Requeue puts snapshots back at the head of the buffer after a failed send.
// Snapshots that no longer fit are dropped, newest first; the number
// restored is returned.
func (b *SnapshotBuffer) Requeue(snaps []*models.Snapshot) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	room := b.capacity - len(b.snapshots)
	keep := min(room, len(snaps))
	if keep < 0 {
		keep = 0
	}
	if dropped := len(snaps) - keep; dropped > 0 {
		b.stats.TotalDropped += int64(dropped)
		b.stats.LastDropTime = time.Now()
	}

	restored := make([]*models.Snapshot, 0, b.capacity)
	restored = append(restored, snaps[:keep]...)
	b.snapshots = append(restored, b.snapshots...)
	return keep
}

// Size returns the current number of buffered snapshots
func (b *SnapshotBuffer) Size() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.snapshots)
}

// Stats returns a copy of current buffer statistics
func (b *SnapshotBuffer) Stats() BufferStats {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.stats
}

func (b *SnapshotBuffer) String() string {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	mode := "drop-newest"
	if b.dropOldest {
		mode = "drop-oldest"
	}

	return fmt.Sprintf("Buffer[%d/%d, dropped: %d, mode: %s]",
		len(b.snapshots),
		b.capacity,
		b.stats.TotalDropped,
		mode,
	)
}
