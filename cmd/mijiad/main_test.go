package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/ble"
	"github.com/afroash/mijia-monitor/internal/config"
	"github.com/afroash/mijia-monitor/internal/models"
	"github.com/afroash/mijia-monitor/internal/poller"
	"github.com/afroash/mijia-monitor/internal/storage"
)

type fakeSensor struct {
	address string
	reads   int32
}

func (s *fakeSensor) Address() string { return s.address }

func (s *fakeSensor) Snapshot(ctx context.Context) (*models.Snapshot, error) {
	atomic.AddInt32(&s.reads, 1)
	return validSnapshot(s.address), nil
}

func validSnapshot(address string) *models.Snapshot {
	return &models.Snapshot{
		Address:           address,
		Name:              "MJ_HT_V1",
		FirmwareVersion:   "00.00.66",
		BatteryPercentage: 90,
		Temperature:       21.5,
		Humidity:          45.0,
		LastDataRead:      time.Now().Format(time.RFC3339),
		ReadAt:            time.Now(),
	}
}

func TestDispatcher_FanOut(t *testing.T) {
	d := &dispatcher{logger: zerolog.Nop()}

	var got []string
	d.add("first", func(s *models.Snapshot) error { got = append(got, "first:"+s.Address); return nil })
	d.add("broken", func(*models.Snapshot) error { return errors.New("queue full") })
	d.add("last", func(s *models.Snapshot) error { got = append(got, "last:"+s.Address); return nil })

	failed := d.dispatch(validSnapshot("4c:65:a8:00:00:01"))
	if failed != 1 {
		t.Errorf("dispatch() = %d failed sinks, want 1", failed)
	}
	if len(got) != 2 || got[1] != "last:4c:65:a8:00:00:01" {
		t.Errorf("sinks after a failure should still run, got %v", got)
	}
}

func TestDispatcher_SkipsInvalidSnapshots(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *models.Snapshot)
	}{
		{"device info unread", func(s *models.Snapshot) { s.Name = ""; s.FirmwareVersion = "" }},
		{"missing firmware", func(s *models.Snapshot) { s.FirmwareVersion = "" }},
		{"temperature out of range", func(s *models.Snapshot) { s.Temperature = 80 }},
		{"never read", func(s *models.Snapshot) { s.LastDataRead = models.NotAvailable }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &dispatcher{logger: zerolog.Nop()}
			calls := 0
			d.add("memory", func(*models.Snapshot) error { calls++; return nil })
			d.add("mqtt", func(*models.Snapshot) error { calls++; return nil })

			snap := validSnapshot("4c:65:a8:00:00:02")
			tt.mutate(snap)
			if failed := d.dispatch(snap); failed != 0 {
				t.Errorf("dispatch() = %d failed sinks, want 0", failed)
			}
			if calls != 0 {
				t.Errorf("%d sinks received the snapshot, want none", calls)
			}
			if d.rejected != 1 {
				t.Errorf("rejected = %d, want 1", d.rejected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.LoggingConfig
		wantLevel zerolog.Level
		wantJSON  bool
	}{
		{"json debug", config.LoggingConfig{Level: "debug", Format: "json"}, zerolog.DebugLevel, true},
		{"text warn", config.LoggingConfig{Level: "warn", Format: "text"}, zerolog.WarnLevel, false},
		{"empty level", config.LoggingConfig{Format: "json"}, zerolog.InfoLevel, true},
		{"bad level", config.LoggingConfig{Level: "loud", Format: "json"}, zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newLoggerTo(&buf, tt.cfg)
			if logger.GetLevel() != tt.wantLevel {
				t.Errorf("level = %v, want %v", logger.GetLevel(), tt.wantLevel)
			}
			logger.Error().Msg("hello")
			isJSON := strings.HasPrefix(buf.String(), "{")
			if isJSON != tt.wantJSON {
				t.Errorf("output %q, want JSON=%v", buf.String(), tt.wantJSON)
			}
		})
	}
}

// scanOnlyDevice is an adapter that finds nothing and records Stop
type scanOnlyDevice struct {
	stopped int32
}

func (d *scanOnlyDevice) Dial(ctx context.Context, a goble.Addr) (goble.Client, error) {
	return nil, errors.New("dial not supported")
}

func (d *scanOnlyDevice) Scan(ctx context.Context, allowDup bool, h goble.AdvHandler) error {
	return nil
}

func (d *scanOnlyDevice) Stop() error {
	atomic.AddInt32(&d.stopped, 1)
	return nil
}

func TestRealMain_BadConfig(t *testing.T) {
	opened := false
	factory := func(int, time.Duration) (ble.Device, error) {
		opened = true
		return nil, errors.New("no adapter")
	}

	if code := realMain([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, factory); code != 1 {
		t.Errorf("realMain() = %d, want 1", code)
	}
	if code := realMain([]string{"-verbose"}, factory); code != 2 {
		t.Errorf("realMain() with unknown flag = %d, want 2", code)
	}
	if opened {
		t.Error("adapter opened before the config was loaded")
	}
}

func TestRealMain_ClosesAdaptersOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mijiad.yaml")
	yaml := "bluetooth:\n  discover: true\n  scan_timeout: 50ms\nlogging:\n  level: error\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	dev := &scanOnlyDevice{}
	factory := func(int, time.Duration) (ble.Device, error) { return dev, nil }

	if code := realMain([]string{"-config", path}, factory); code != 1 {
		t.Errorf("realMain() = %d, want 1 when no sensors are found", code)
	}
	if atomic.LoadInt32(&dev.stopped) != 1 {
		t.Errorf("adapter stopped %d times, want 1", dev.stopped)
	}
}

func TestRun_NoSensors(t *testing.T) {
	err := run(context.Background(), config.DefaultConfig(), nil, zerolog.Nop())
	if !errors.Is(err, errNoSensors) {
		t.Errorf("run() = %v, want errNoSensors", err)
	}
}

func TestRun_PollsIntoRegistry(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "mijia.db")

	cfg := config.DefaultConfig()
	cfg.Server.Enabled = false
	cfg.Storage.DBPath = dbPath
	cfg.Storage.FlushPeriod = 10 * time.Millisecond
	cfg.Poll.Interval = 20 * time.Millisecond

	sensor := &fakeSensor{address: "4c:65:a8:dd:b4:19"}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if err := run(ctx, cfg, []poller.Sensor{sensor}, zerolog.Nop()); err != nil {
		t.Fatalf("run() = %v", err)
	}
	if atomic.LoadInt32(&sensor.reads) < 2 {
		t.Errorf("sensor read %d times, want at least 2", sensor.reads)
	}

	registry, err := storage.NewSQLiteStore(dbPath, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}
	defer registry.Close()

	device, err := registry.GetDevice("4c:65:a8:dd:b4:19")
	if err != nil || device == nil {
		t.Fatalf("GetDevice() = %v, %v; want registered sensor", device, err)
	}
	if device.Name != "MJ_HT_V1" || device.FirmwareVersion != "00.00.66" {
		t.Errorf("Unexpected registry entry: %+v", device)
	}
}
