package ble

import (
	"context"
	"strings"
	"sync"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/mijia"
)

// Advertising data types copied into mijia.Advertisement.Fields
const (
	adTypeCompleteName     byte = 0x09
	adTypeManufacturerData byte = 0xff
)

// Scanner collects advertisements from one adapter. It implements mijia.Scanner.
type Scanner struct {
	adapters *Adapters
	logger   zerolog.Logger
}

// NewScanner creates a scanner using adapters
func NewScanner(adapters *Adapters, logger zerolog.Logger) *Scanner {
	return &Scanner{adapters: adapters, logger: logger}
}

// Scan listens on hci<iface> for timeout and returns the last advertisement
// seen from every address.
func (s *Scanner) Scan(ctx context.Context, iface int, timeout time.Duration) ([]mijia.Advertisement, error) {
	dev, err := s.adapters.Device(iface)
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]mijia.Advertisement)
	var order []string

	handler := func(a goble.Advertisement) {
		ad := toAdvertisement(a)
		mu.Lock()
		defer mu.Unlock()
		if _, ok := seen[ad.Address]; !ok {
			order = append(order, ad.Address)
		}
		seen[ad.Address] = ad
	}

	s.logger.Debug().Int("interface", iface).Dur("timeout", timeout).Msg("Scanning")
	err = catchErrs(func() error {
		return dev.Scan(scanCtx, false, handler)
	})
	if err != nil && !isScanDone(err, scanCtx) {
		return nil, errors.Wrapf(err, "scan on hci%d", iface)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	ads := make([]mijia.Advertisement, 0, len(order))
	for _, addr := range order {
		ads = append(ads, seen[addr])
	}
	return ads, nil
}

// isScanDone reports whether err only signals the end of the scan window
func isScanDone(err error, scanCtx context.Context) bool {
	cause := errors.Cause(err)
	return scanCtx.Err() != nil && (cause == context.DeadlineExceeded || cause == context.Canceled)
}

func toAdvertisement(a goble.Advertisement) mijia.Advertisement {
	fields := make(map[byte][]byte)
	if name := a.LocalName(); name != "" {
		fields[adTypeCompleteName] = []byte(name)
	}
	if data := a.ManufacturerData(); len(data) > 0 {
		fields[adTypeManufacturerData] = data
	}
	return mijia.Advertisement{
		Address: strings.ToLower(a.Addr().String()),
		RSSI:    a.RSSI(),
		Fields:  fields,
	}
}

var _ mijia.Scanner = (*Scanner)(nil)
