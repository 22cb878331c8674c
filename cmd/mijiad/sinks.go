package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/client"
	"github.com/afroash/mijia-monitor/internal/models"
	"github.com/afroash/mijia-monitor/internal/mqtt"
	"github.com/afroash/mijia-monitor/internal/server"
	"github.com/afroash/mijia-monitor/internal/storage"
)

// sink receives every snapshot the poller publishes
type sink struct {
	name   string
	handle func(snap *models.Snapshot) error
}

// dispatcher fans snapshots out to the enabled sinks. A failing sink is
// logged and never blocks the others. Snapshots with missing device info or
// out-of-range values reach no sink.
type dispatcher struct {
	sinks    []sink
	rejected int
	logger   zerolog.Logger
}

func (d *dispatcher) add(name string, handle func(snap *models.Snapshot) error) {
	d.sinks = append(d.sinks, sink{name: name, handle: handle})
}

func (d *dispatcher) dispatch(snap *models.Snapshot) int {
	if !snap.IsValid() {
		d.rejected++
		d.logger.Warn().
			Str("address", snap.Address).
			Str("name", snap.Name).
			Str("firmware", snap.FirmwareVersion).
			Float64("temperature", snap.Temperature).
			Float64("humidity", snap.Humidity).
			Int("battery", snap.BatteryPercentage).
			Int("rejected", d.rejected).
			Msg("Skipping incomplete or out-of-range snapshot")
		return 0
	}

	failed := 0
	for _, s := range d.sinks {
		if err := s.handle(snap); err != nil {
			failed++
			d.logger.Warn().Err(err).Str("sink", s.name).Str("address", snap.Address).Msg("Sink failed")
		}
	}
	d.logger.Debug().
		Str("address", snap.Address).
		Float64("temperature", snap.Temperature).
		Float64("humidity", snap.Humidity).
		Int("battery", snap.BatteryPercentage).
		Int("error_count", snap.ErrorCount).
		Int("failed_sinks", failed).
		Msg("Snapshot dispatched")
	return failed
}

func memorySink(store *server.MemoryStore) func(*models.Snapshot) error {
	return func(snap *models.Snapshot) error {
		store.Add(snap)
		return nil
	}
}

func liveSink(feed *server.LiveFeed) func(*models.Snapshot) error {
	return func(snap *models.Snapshot) error {
		feed.Broadcast(snap)
		return nil
	}
}

func registrySink(writer *storage.RegistryWriter, iface int) func(*models.Snapshot) error {
	return func(snap *models.Snapshot) error {
		if !writer.Record(snap, iface) {
			return fmt.Errorf("registry queue full")
		}
		return nil
	}
}

func mqttSink(pub *mqtt.Publisher) func(*models.Snapshot) error {
	return pub.Publish
}

func streamSink(fw *client.Forwarder) func(*models.Snapshot) error {
	return func(snap *models.Snapshot) error {
		if !fw.Enqueue(snap) {
			return fmt.Errorf("stream buffer full")
		}
		return nil
	}
}
