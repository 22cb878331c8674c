package ble

import (
	"context"
	"sync"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Device is the part of a local HCI adapter the sensor client needs
type Device interface {
	Dial(ctx context.Context, a goble.Addr) (goble.Client, error)
	Scan(ctx context.Context, allowDup bool, h goble.AdvHandler) error
	Stop() error
}

// DeviceFactory opens the adapter with the given HCI index
type DeviceFactory func(iface int, dialTimeout time.Duration) (Device, error)

// NewLinuxDevice opens hci<iface> through the Linux HCI socket
func NewLinuxDevice(iface int, dialTimeout time.Duration) (Device, error) {
	opts := []goble.Option{goble.OptDeviceID(iface)}
	if dialTimeout > 0 {
		opts = append(opts, goble.OptDialerTimeout(dialTimeout))
	}
	var dev Device
	err := catchErrs(func() error {
		d, err := linux.NewDevice(opts...)
		if err != nil {
			return err
		}
		dev = d
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open hci%d", iface)
	}
	return dev, nil
}

// Adapters lazily opens one Device per HCI index and shares it between
// the transport and the scanner.
type Adapters struct {
	factory     DeviceFactory
	dialTimeout time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	devices map[int]Device
}

// NewAdapters creates an adapter registry backed by factory
func NewAdapters(factory DeviceFactory, dialTimeout time.Duration, logger zerolog.Logger) *Adapters {
	if factory == nil {
		factory = NewLinuxDevice
	}
	return &Adapters{
		factory:     factory,
		dialTimeout: dialTimeout,
		logger:      logger,
		devices:     make(map[int]Device),
	}
}

// Device returns the opened adapter for iface, opening it on first use
func (a *Adapters) Device(iface int) (Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if dev, ok := a.devices[iface]; ok {
		return dev, nil
	}
	dev, err := a.factory(iface, a.dialTimeout)
	if err != nil {
		return nil, err
	}
	a.devices[iface] = dev
	a.logger.Info().Int("interface", iface).Msg("Opened bluetooth adapter")
	return dev, nil
}

// Close stops every opened adapter
func (a *Adapters) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for iface, dev := range a.devices {
		if err := dev.Stop(); err != nil {
			a.logger.Warn().Err(err).Int("interface", iface).Msg("Failed to stop adapter")
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "stop hci%d", iface)
			}
		}
		delete(a.devices, iface)
	}
	return firstErr
}
