package mijia

import (
	"bytes"
	"context"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/rs/zerolog"
)

// Advertisement field carrying the complete local name
const adTypeCompleteName byte = 0x09

const (
	// VendorPrefix is the leading octets of every MJ_HT_V1 hardware address
	VendorPrefix = "4c:65"
	// ModelSignature is the complete local name advertised by the sensor
	ModelSignature = "MJ_HT_V1"
	// DefaultScanTimeout bounds a discovery scan when no timeout is configured
	DefaultScanTimeout = 2 * time.Second
)

// IsSensor reports whether an advertisement comes from a supported sensor
func IsSensor(ad Advertisement) bool {
	if !strings.HasPrefix(strings.ToLower(ad.Address), VendorPrefix) {
		return false
	}
	name, ok := ad.Fields[adTypeCompleteName]
	if !ok {
		return false
	}
	return bytes.Equal(bytes.TrimRight(name, "\x00"), []byte(ModelSignature))
}

// Discover scans on iface and returns one unread Client per matching sensor.
// A failed scan is logged and yields an empty slice.
func Discover(ctx context.Context, scanner Scanner, transport Transport, iface int, timeout time.Duration, config ClientConfig, logger zerolog.Logger) []*Client {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	ads, err := scanner.Scan(ctx, iface, timeout)
	if err != nil {
		logger.Error().Err(err).Int("interface", iface).Msg("Unexpected error during scan")
		return []*Client{}
	}

	seen := mapset.NewSet()
	clients := make([]*Client, 0, len(ads))
	for _, ad := range ads {
		if !IsSensor(ad) {
			continue
		}
		address := strings.ToLower(ad.Address)
		if !seen.Add(address) {
			continue
		}
		logger.Debug().Str("address", address).Int("rssi", ad.RSSI).Msg("Discovered sensor")
		clients = append(clients, NewClient(address, iface, transport, config, logger))
	}

	logger.Info().Int("interface", iface).Int("found", len(clients)).Int("advertisements", len(ads)).Msg("Discovery complete")
	return clients
}
