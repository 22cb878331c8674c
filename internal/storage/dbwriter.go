package storage

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/models"
)

// RegistryWriter handles async batched upserts into the device registry
type RegistryWriter struct {
	store       Registry
	logger      zerolog.Logger
	writeChan   chan *models.DeviceRecord
	batchSize   int
	flushPeriod time.Duration
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	mu            sync.RWMutex
	totalWritten  int64
	totalBatches  int64
	totalErrors   int64
	totalDropped  int64
	lastWriteTime time.Time
}

// WriterConfig holds configuration for the async writer
type WriterConfig struct {
	BatchSize   int           // Records per upsert transaction (default: 20)
	FlushPeriod time.Duration // Max time between flushes (default: 5s)
	ChannelSize int           // Size of the write channel buffer (default: 100)
}

// DefaultWriterConfig returns sensible defaults
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:   20,
		FlushPeriod: 5 * time.Second,
		ChannelSize: 100,
	}
}

// WriterStats contains statistics about the writer
type WriterStats struct {
	TotalWritten  int64     `json:"total_written"`
	TotalBatches  int64     `json:"total_batches"`
	TotalErrors   int64     `json:"total_errors"`
	TotalDropped  int64     `json:"total_dropped"`
	LastWriteTime time.Time `json:"last_write_time,omitempty"`
	QueueLength   int       `json:"queue_length"`
}

// NewRegistryWriter creates and starts an async registry writer
func NewRegistryWriter(store Registry, config WriterConfig, logger zerolog.Logger) *RegistryWriter {
	defaults := DefaultWriterConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushPeriod <= 0 {
		config.FlushPeriod = defaults.FlushPeriod
	}
	if config.ChannelSize <= 0 {
		config.ChannelSize = defaults.ChannelSize
	}

	w := &RegistryWriter{
		store:       store,
		logger:      logger,
		writeChan:   make(chan *models.DeviceRecord, config.ChannelSize),
		batchSize:   config.BatchSize,
		flushPeriod: config.FlushPeriod,
		stopChan:    make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writerLoop()

	logger.Info().
		Int("batch_size", config.BatchSize).
		Dur("flush_period", config.FlushPeriod).
		Int("channel_size", config.ChannelSize).
		Msg("RegistryWriter started")

	return w
}

// Write queues a device record for async upsert.
// Returns true if queued, false if dropped (channel full)
func (w *RegistryWriter) Write(device *models.DeviceRecord) bool {
	select {
	case w.writeChan <- device:
		return true
	default:
		w.mu.Lock()
		w.totalDropped++
		w.mu.Unlock()
		w.logger.Warn().Str("address", device.Address).Msg("RegistryWriter channel full, dropping record")
		return false
	}
}

// Record queues the registry entry for a freshly read snapshot
func (w *RegistryWriter) Record(snap *models.Snapshot, iface int) bool {
	seenAt := snap.ReadAt
	if seenAt.IsZero() {
		seenAt = time.Now()
	}
	return w.Write(models.NewDeviceRecord(snap, iface, seenAt))
}

func (w *RegistryWriter) writerLoop() {
	defer w.wg.Done()

	batch := make([]*models.DeviceRecord, 0, w.batchSize)
	ticker := time.NewTicker(w.flushPeriod)
	defer ticker.Stop()

	for {
		select {
		case device := <-w.writeChan:
			batch = append(batch, device)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = make([]*models.DeviceRecord, 0, w.batchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = make([]*models.DeviceRecord, 0, w.batchSize)
			}

		case <-w.stopChan:
			draining := true
			for draining {
				select {
				case device := <-w.writeChan:
					batch = append(batch, device)
				default:
					draining = false
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			w.logger.Info().Msg("RegistryWriter stopped")
			return
		}
	}
}

func (w *RegistryWriter) flush(batch []*models.DeviceRecord) {
	err := w.store.UpsertBatch(batch)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.totalErrors++
		w.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to write batch")
		return
	}
	w.totalWritten += int64(len(batch))
	w.totalBatches++
	w.lastWriteTime = time.Now()
	w.logger.Debug().Int("count", len(batch)).Msg("Flushed batch")
}

// Stop gracefully stops the writer, flushing any queued records
func (w *RegistryWriter) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.wg.Wait()
	})
}

// Stats returns current writer statistics
func (w *RegistryWriter) Stats() WriterStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return WriterStats{
		TotalWritten:  w.totalWritten,
		TotalBatches:  w.totalBatches,
		TotalErrors:   w.totalErrors,
		TotalDropped:  w.totalDropped,
		LastWriteTime: w.lastWriteTime,
		QueueLength:   len(w.writeChan),
	}
}
