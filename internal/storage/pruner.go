package storage

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PrunerConfig controls how long a silent sensor stays in the registry
type PrunerConfig struct {
	MaxSilenceDays int           // Days without a successful read before a sensor is forgotten (default: 30)
	Interval       time.Duration // Time between prune passes (default: 1h)
}

// DefaultPrunerConfig returns the registry defaults
func DefaultPrunerConfig() PrunerConfig {
	return PrunerConfig{
		MaxSilenceDays: 30,
		Interval:       time.Hour,
	}
}

// PrunerStats summarises the prune passes run so far
type PrunerStats struct {
	Passes         int64     `json:"passes"`
	Forgotten      int64     `json:"forgotten"`
	LastPass       time.Time `json:"last_pass,omitempty"`
	LastForgotten  []string  `json:"last_forgotten"`
	MaxSilenceDays int       `json:"max_silence_days"`
}

// SilencePruner forgets sensors that have not answered for MaxSilenceDays.
// A sensor that comes back later is simply registered again with a new
// first_seen.
type SilencePruner struct {
	registry Registry
	config   PrunerConfig
	logger   zerolog.Logger
	now      func() time.Time

	quit chan struct{}
	once sync.Once
	done sync.WaitGroup

	mu    sync.Mutex
	stats PrunerStats
}

// NewSilencePruner prunes once right away and then every Interval until Stop
func NewSilencePruner(registry Registry, config PrunerConfig, logger zerolog.Logger) *SilencePruner {
	def := DefaultPrunerConfig()
	if config.MaxSilenceDays <= 0 {
		config.MaxSilenceDays = def.MaxSilenceDays
	}
	if config.Interval <= 0 {
		logger.Warn().Dur("interval", config.Interval).Msg("Invalid prune interval, using 1h")
		config.Interval = def.Interval
	}

	p := &SilencePruner{
		registry: registry,
		config:   config,
		logger:   logger,
		now:      time.Now,
		quit:     make(chan struct{}),
	}
	p.stats.MaxSilenceDays = config.MaxSilenceDays

	p.done.Add(1)
	go p.loop()

	logger.Info().
		Int("max_silence_days", config.MaxSilenceDays).
		Dur("interval", config.Interval).
		Msg("Registry pruner started")
	return p
}

func (p *SilencePruner) loop() {
	defer p.done.Done()

	p.Prune()

	tick := time.NewTicker(p.config.Interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			p.Prune()
		case <-p.quit:
			return
		}
	}
}

// Prune removes every silent sensor now and returns the forgotten addresses
func (p *SilencePruner) Prune() []string {
	cutoff := p.now().AddDate(0, 0, -p.config.MaxSilenceDays)

	// The registry only reports a count, so the victims are listed first
	// to log who is being forgotten.
	var victims []string
	devices, err := p.registry.ListDevices()
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to list devices before pruning")
	}
	for _, d := range devices {
		if d.LastSeen.Before(cutoff) {
			victims = append(victims, d.Address)
			p.logger.Info().
				Str("address", d.Address).
				Str("name", d.Name).
				Time("last_seen", d.LastSeen).
				Dur("silent_for", d.SinceSeen()).
				Msg("Forgetting silent sensor")
		}
	}

	deleted, err := p.registry.DeleteNotSeenSince(p.config.MaxSilenceDays)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Passes++
	p.stats.LastPass = p.now()
	if err != nil {
		p.logger.Error().Err(err).Msg("Registry prune failed")
		p.stats.LastForgotten = nil
		return nil
	}
	p.stats.Forgotten += deleted
	p.stats.LastForgotten = victims
	return victims
}

// Stop ends the prune loop. It is safe to call more than once.
func (p *SilencePruner) Stop() {
	p.once.Do(func() {
		close(p.quit)
		p.done.Wait()
		p.logger.Info().Msg("Registry pruner stopped")
	})
}

// Stats returns a copy of the pruner counters
func (p *SilencePruner) Stats() PrunerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.LastForgotten = append([]string(nil), p.stats.LastForgotten...)
	return s
}
