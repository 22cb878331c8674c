package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/afroash/mijia-monitor/internal/models"
)

// Sensor is a single polled device. *mijia.Client satisfies it.
type Sensor interface {
	Address() string
	Snapshot(ctx context.Context) (*models.Snapshot, error)
}

// Config holds poll loop settings
type Config struct {
	Interval           time.Duration // time between poll rounds (default: 5m)
	BreakerMaxFailures uint32        // consecutive failed polls before a device is skipped (default: 3)
	BreakerTimeout     time.Duration // how long a tripped device is skipped (default: 15m)
	ChannelSize        int           // snapshot channel capacity (default: 10)
}

// DefaultConfig returns the default poll settings
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Minute,
		BreakerMaxFailures: 3,
		BreakerTimeout:     15 * time.Minute,
		ChannelSize:        10,
	}
}

// device pairs a sensor with the breaker guarding it
type device struct {
	sensor  Sensor
	breaker *gobreaker.CircuitBreaker[*models.Snapshot]
}

// Poller reads every sensor in turn, one at a time, and publishes the
// resulting snapshots. Sensors are never polled concurrently.
type Poller struct {
	devices   []*device
	interval  time.Duration
	logger    zerolog.Logger
	snapshots chan *models.Snapshot

	mu     sync.RWMutex
	rounds int64
}

// New creates a poller over sensors
func New(sensors []Sensor, cfg Config, logger zerolog.Logger) *Poller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = def.BreakerMaxFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = def.ChannelSize
	}

	p := &Poller{
		interval:  cfg.Interval,
		logger:    logger,
		snapshots: make(chan *models.Snapshot, cfg.ChannelSize),
	}
	for _, s := range sensors {
		p.devices = append(p.devices, &device{
			sensor:  s,
			breaker: newBreaker(s.Address(), cfg, logger),
		})
	}
	return p
}

func newBreaker(address string, cfg Config, logger zerolog.Logger) *gobreaker.CircuitBreaker[*models.Snapshot] {
	maxFailures := cfg.BreakerMaxFailures
	return gobreaker.NewCircuitBreaker[*models.Snapshot](gobreaker.Settings{
		Name:        address,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("address", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Sensor breaker state changed")
		},
	})
}

// Start polls immediately and then once per interval until ctx is cancelled.
// The snapshot channel is closed when Start returns.
func (p *Poller) Start(ctx context.Context) error {
	defer close(p.snapshots)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info().Int("sensors", len(p.devices)).Dur("interval", p.interval).Msg("Poller started")
	p.pollAndPublish(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Poller stopped")
			return ctx.Err()
		case <-ticker.C:
			p.pollAndPublish(ctx)
		}
	}
}

// PollOnce polls every sensor once and returns the snapshots that carry data
func (p *Poller) PollOnce(ctx context.Context) []*models.Snapshot {
	var out []*models.Snapshot
	for _, d := range p.devices {
		if ctx.Err() != nil {
			break
		}
		if snap := p.poll(ctx, d); snap != nil {
			out = append(out, snap)
		}
	}

	p.mu.Lock()
	p.rounds++
	p.mu.Unlock()
	return out
}

// poll reads one device through its breaker. Snapshots holding cached data are
// returned even when the refresh failed; the failure still counts against
// the breaker.
func (p *Poller) poll(ctx context.Context, d *device) *models.Snapshot {
	address := d.sensor.Address()
	snap, err := d.breaker.Execute(func() (*models.Snapshot, error) {
		return d.sensor.Snapshot(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		p.logger.Debug().Str("address", address).Msg("Skipping sensor, breaker open")
		return nil
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("address", address).Msg("Failed to refresh sensor")
	}
	if snap == nil || !snap.HasData() {
		return nil
	}
	return snap
}

func (p *Poller) pollAndPublish(ctx context.Context) {
	for _, snap := range p.PollOnce(ctx) {
		select {
		case p.snapshots <- snap:
			p.logger.Info().Msgf("read from sensor: %s", snap.String())
		case <-ctx.Done():
			return
		}
	}
}

// Snapshots returns the channel where snapshots are published
func (p *Poller) Snapshots() <-chan *models.Snapshot {
	return p.snapshots
}

// Rounds returns the number of completed poll rounds
func (p *Poller) Rounds() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rounds
}

// BreakerState returns the breaker state of the sensor at address
func (p *Poller) BreakerState(address string) (gobreaker.State, error) {
	for _, d := range p.devices {
		if d.sensor.Address() == address {
			return d.breaker.State(), nil
		}
	}
	return gobreaker.StateClosed, fmt.Errorf("unknown sensor %s", address)
}
