package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/ble"
	"github.com/afroash/mijia-monitor/internal/mijia"
	"github.com/afroash/mijia-monitor/internal/models"
)

func main() {
	iface := flag.Int("interface", 0, "hci adapter index")
	timeout := flag.Duration("timeout", mijia.DefaultScanTimeout, "discovery scan window")
	dialTimeout := flag.Duration("dial-timeout", 10*time.Second, "connection timeout per sensor")
	verbose := flag.Bool("v", false, "log BLE activity to stderr")
	flag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapters := ble.NewAdapters(ble.NewLinuxDevice, *dialTimeout, logger)
	defer adapters.Close()

	transport := ble.NewTransport(adapters, *dialTimeout, logger)
	scanner := ble.NewScanner(adapters, logger)

	clients := mijia.Discover(ctx, scanner, transport, *iface, *timeout, mijia.DefaultClientConfig(), logger)
	if len(clients) == 0 {
		fmt.Fprintln(os.Stderr, "No sensors found")
		return
	}

	for _, c := range clients {
		snap, err := c.Snapshot(ctx)
		if err != nil {
			logger.Warn().Err(err).Str("address", c.Address()).Msg("Incomplete read")
		}
		printSnapshot(os.Stdout, snap)
	}
}

func printSnapshot(w io.Writer, snap *models.Snapshot) {
	fmt.Fprintf(w, "- %s\n", snap.Address)
	fmt.Fprintf(w, "  name: %s\n", snap.Name)
	fmt.Fprintf(w, "  firmware: %s\n", snap.FirmwareVersion)
	fmt.Fprintf(w, "  battery level: %d%%\n", snap.BatteryPercentage)
	fmt.Fprintf(w, "  temperature: %.1f°C\n", snap.Temperature)
	fmt.Fprintf(w, "  humidity: %.1f%%\n", snap.Humidity)
	fmt.Fprintf(w, "  last data read: %s\n", snap.LastDataRead)
	fmt.Fprintln(w)
}
