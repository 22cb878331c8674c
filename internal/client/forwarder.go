package client

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/models"
)

// BatchSender is the part of Connection the Forwarder drives
type BatchSender interface {
	IsConnected() bool
	SendBatch(snaps []*models.Snapshot) error
}

// ForwarderConfig holds the draining cadence of a Forwarder
type ForwarderConfig struct {
	BatchSize     int           // Snapshots per batch message (default: 50)
	FlushInterval time.Duration // How often the buffer is drained (default: 5s)
}

// DefaultForwarderConfig returns sensible defaults
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		BatchSize:     50,
		FlushInterval: 5 * time.Second,
	}
}

// Forwarder buffers snapshots and drains them to the collector whenever the
// connection is up
type Forwarder struct {
	buffer *SnapshotBuffer
	sender BatchSender
	config ForwarderConfig
	logger zerolog.Logger
}

// NewForwarder creates a forwarder draining buffer through sender
func NewForwarder(buffer *SnapshotBuffer, sender BatchSender, config ForwarderConfig, logger zerolog.Logger) *Forwarder {
	defaults := DefaultForwarderConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	return &Forwarder{
		buffer: buffer,
		sender: sender,
		config: config,
		logger: logger,
	}
}

// Enqueue buffers a snapshot for the next flush
func (f *Forwarder) Enqueue(snap *models.Snapshot) bool {
	if ok := f.buffer.Push(snap); !ok {
		f.logger.Warn().Str("address", snap.Address).Msg("Stream buffer full, dropping snapshot")
		return false
	}
	return true
}

// Run drains the buffer every FlushInterval until ctx is cancelled, then
// makes one last attempt
func (f *Forwarder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.Flush()
			return ctx.Err()
		case <-ticker.C:
			f.Flush()
		}
	}
}

// Flush sends buffered snapshots in batches while the connection is up and
// returns how many were sent
func (f *Forwarder) Flush() int {
	sent := 0
	for f.sender.IsConnected() {
		batch := f.buffer.PopBatch(f.config.BatchSize)
		if len(batch) == 0 {
			break
		}
		if err := f.sender.SendBatch(batch); err != nil {
			restored := f.buffer.Requeue(batch)
			f.logger.Warn().Err(err).Int("batch", len(batch)).Int("requeued", restored).Msg("Failed to forward batch")
			break
		}
		sent += len(batch)
	}
	if sent > 0 {
		f.logger.Debug().Int("sent", sent).Int("remaining", f.buffer.Size()).Msg("Forwarded snapshots")
	}
	return sent
}
