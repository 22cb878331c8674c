package ble

import (
	"context"
	"fmt"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/mijia"
)

// peripheral is one GATT session to a sensor. Characteristics are addressed
// by value handle; those found during profile discovery carry their CCCD so
// they can be subscribed to.
type peripheral struct {
	device      Device
	address     string
	iface       int
	dialTimeout time.Duration
	logger      zerolog.Logger

	client   goble.Client
	chars    map[uint16]*goble.Characteristic
	notified chan struct{}
}

func (p *peripheral) dial(ctx context.Context) error {
	if p.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.dialTimeout)
		defer cancel()
	}

	var client goble.Client
	err := catchErrs(func() error {
		c, err := p.device.Dial(ctx, goble.NewAddr(p.address))
		client = c
		return err
	})
	if err != nil {
		return linkError(err, "dial "+p.address)
	}

	chars := make(map[uint16]*goble.Characteristic)
	err = catchErrs(func() error {
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			return err
		}
		for _, s := range profile.Services {
			for _, c := range s.Characteristics {
				chars[c.ValueHandle] = c
			}
		}
		return nil
	})
	if err != nil {
		client.CancelConnection()
		return linkError(err, "discover profile")
	}

	p.client = client
	p.chars = chars
	p.logger.Debug().Int("characteristics", len(chars)).Msg("Connected to sensor")
	return nil
}

func (p *peripheral) characteristic(handle uint16) *goble.Characteristic {
	if c, ok := p.chars[handle]; ok {
		return c
	}
	return &goble.Characteristic{ValueHandle: handle}
}

func (p *peripheral) ReadCharacteristic(handle uint16) ([]byte, error) {
	if p.client == nil {
		return nil, errors.Wrap(mijia.ErrConnection, "not connected")
	}
	var value []byte
	err := catchErrs(func() error {
		v, err := p.client.ReadCharacteristic(p.characteristic(handle))
		value = v
		return err
	})
	if err != nil {
		return nil, linkError(err, "read handle "+hexHandle(handle))
	}
	return value, nil
}

func (p *peripheral) WriteCharacteristic(handle uint16, value []byte, withResponse bool) error {
	if p.client == nil {
		return errors.Wrap(mijia.ErrConnection, "not connected")
	}
	err := catchErrs(func() error {
		return p.client.WriteCharacteristic(p.characteristic(handle), value, !withResponse)
	})
	return linkError(err, "write handle "+hexHandle(handle))
}

func (p *peripheral) Subscribe(handle uint16, h mijia.NotificationHandler) error {
	if p.client == nil {
		return errors.Wrap(mijia.ErrConnection, "not connected")
	}
	c, ok := p.chars[handle]
	if !ok || c.CCCD == nil {
		return errors.Errorf("handle %s has no client configuration descriptor", hexHandle(handle))
	}
	err := catchErrs(func() error {
		return p.client.Subscribe(c, false, func(data []byte) {
			h(handle, data)
			select {
			case p.notified <- struct{}{}:
			default:
			}
		})
	})
	return linkError(err, "subscribe handle "+hexHandle(handle))
}

func (p *peripheral) WaitForNotification(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.notified:
		return true
	case <-timer.C:
		return false
	}
}

func (p *peripheral) Reconnect(ctx context.Context) error {
	p.logger.Debug().Msg("Reconnecting to sensor")
	p.cancel()
	return p.dial(ctx)
}

func (p *peripheral) Close() error {
	return p.cancel()
}

func (p *peripheral) cancel() error {
	if p.client == nil {
		return nil
	}
	client := p.client
	p.client = nil
	p.chars = nil
	err := catchErrs(client.CancelConnection)
	if err != nil {
		return errors.Wrap(err, "cancel connection")
	}
	return nil
}

func hexHandle(handle uint16) string {
	return fmt.Sprintf("0x%04x", handle)
}

var _ mijia.Peripheral = (*peripheral)(nil)
