package ble

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/mijia"
)

// Transport dials sensors over go-ble. It implements mijia.Transport.
type Transport struct {
	adapters    *Adapters
	dialTimeout time.Duration
	logger      zerolog.Logger
}

// NewTransport creates a transport dialing through adapters
func NewTransport(adapters *Adapters, dialTimeout time.Duration, logger zerolog.Logger) *Transport {
	return &Transport{
		adapters:    adapters,
		dialTimeout: dialTimeout,
		logger:      logger,
	}
}

// Connect dials address on hci<iface> and discovers its attribute table
func (t *Transport) Connect(ctx context.Context, address string, iface int) (mijia.Peripheral, error) {
	dev, err := t.adapters.Device(iface)
	if err != nil {
		return nil, err
	}

	p := &peripheral{
		device:      dev,
		address:     strings.ToLower(address),
		iface:       iface,
		dialTimeout: t.dialTimeout,
		notified:    make(chan struct{}, 1),
		logger:      t.logger.With().Str("address", address).Int("interface", iface).Logger(),
	}
	if err := p.dial(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

var _ mijia.Transport = (*Transport)(nil)
