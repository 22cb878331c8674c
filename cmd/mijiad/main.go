package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/ble"
	"github.com/afroash/mijia-monitor/internal/client"
	"github.com/afroash/mijia-monitor/internal/config"
	"github.com/afroash/mijia-monitor/internal/mijia"
	"github.com/afroash/mijia-monitor/internal/models"
	"github.com/afroash/mijia-monitor/internal/mqtt"
	"github.com/afroash/mijia-monitor/internal/poller"
	"github.com/afroash/mijia-monitor/internal/server"
	"github.com/afroash/mijia-monitor/internal/storage"
)

const version = "v0.1.0"

var errNoSensors = errors.New("no sensors to poll")

func main() {
	os.Exit(realMain(os.Args[1:], ble.NewLinuxDevice))
}

// realMain runs the daemon and returns the process exit code. Deferred
// cleanup has finished by the time it returns.
func realMain(args []string, factory ble.DeviceFactory) int {
	flags := flag.NewFlagSet("mijiad", flag.ContinueOnError)
	configPath := flags.String("config", "configs/mijiad.yaml", "path to config file")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Logging)
	logger.Info().
		Str("version", version).
		Int("interface", cfg.Bluetooth.Interface).
		Msg("Starting Mijia monitor")
	logger.Debug().Str("config", cfg.String()).Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapters := ble.NewAdapters(factory, cfg.Bluetooth.DialTimeout, logger)
	defer adapters.Close()

	transport := ble.NewTransport(adapters, cfg.Bluetooth.DialTimeout, logger)
	scanner := ble.NewScanner(adapters, logger)

	sensors := buildSensors(ctx, cfg, scanner, transport, logger)
	if err := run(ctx, cfg, sensors, logger); err != nil {
		logger.Error().Err(err).Msg("Monitor failed")
		return 1
	}
	logger.Info().Msg("Monitor stopped")
	return 0
}

// buildSensors merges the static addresses with whatever discovery finds
func buildSensors(ctx context.Context, cfg *config.Config, scanner mijia.Scanner, transport mijia.Transport, logger zerolog.Logger) []poller.Sensor {
	iface := cfg.Bluetooth.Interface
	seen := mapset.NewSet()
	var sensors []poller.Sensor

	for _, addr := range cfg.Bluetooth.Addresses {
		addr = strings.ToLower(addr)
		if !seen.Add(addr) {
			continue
		}
		sensors = append(sensors, mijia.NewClient(addr, iface, transport, cfg.ClientConfig(), logger))
	}

	if cfg.Bluetooth.Discover {
		for _, c := range mijia.Discover(ctx, scanner, transport, iface, cfg.Bluetooth.ScanTimeout, cfg.ClientConfig(), logger) {
			if seen.Add(c.Address()) {
				sensors = append(sensors, c)
			}
		}
	}

	logger.Info().Int("sensors", len(sensors)).Int("static", len(cfg.Bluetooth.Addresses)).Msg("Sensors configured")
	return sensors
}

// run wires the sinks around a poller over sensors and blocks until ctx is
// cancelled
func run(ctx context.Context, cfg *config.Config, sensors []poller.Sensor, logger zerolog.Logger) error {
	if len(sensors) == 0 {
		return errNoSensors
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d := &dispatcher{logger: logger}
	var (
		wg       sync.WaitGroup
		closers  []func()
		httpSrv  *http.Server
		serveErr = make(chan error, 1)
	)
	defer func() {
		// Reverse order of construction
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	if cfg.Storage.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		registry, err := storage.NewSQLiteStore(cfg.Storage.DBPath, logger)
		if err != nil {
			return fmt.Errorf("failed to open device registry: %w", err)
		}
		closers = append(closers, func() { registry.Close() })

		writer := storage.NewRegistryWriter(registry, storage.WriterConfig{
			BatchSize:   cfg.Storage.BatchSize,
			FlushPeriod: cfg.Storage.FlushPeriod,
			ChannelSize: cfg.Storage.ChannelSize,
		}, logger)
		closers = append(closers, writer.Stop)

		pruner := storage.NewSilencePruner(registry, storage.PrunerConfig{
			MaxSilenceDays: cfg.Storage.RetentionDays,
			Interval:       cfg.Storage.CleanupPeriod,
		}, logger)
		closers = append(closers, pruner.Stop)

		d.add("registry", registrySink(writer, cfg.Bluetooth.Interface))

		if cfg.Server.Enabled {
			httpSrv = newHTTPServer(cfg, d, registry, logger)
		}
	} else if cfg.Server.Enabled {
		httpSrv = newHTTPServer(cfg, d, nil, logger)
	}

	if cfg.MQTT.Enabled {
		pub, err := mqtt.NewPublisher(mqtt.Config{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			Retained:       cfg.MQTT.Retained,
			PublishTimeout: cfg.MQTT.PublishTimeout,
		}, logger)
		if err != nil {
			logger.Error().Err(err).Str("broker", cfg.MQTT.Broker).Msg("MQTT disabled: broker unreachable")
		} else {
			closers = append(closers, pub.Close)
			d.add("mqtt", mqttSink(pub))
		}
	}

	if cfg.Stream.Enabled {
		hostname, _ := os.Hostname()
		agentID := cfg.Stream.AgentID
		if agentID == "" {
			agentID = hostname
		}
		agent := models.NewAgentInfo(agentID, hostname, cfg.Bluetooth.Interface, version)

		buffer := client.NewSnapshotBuffer(cfg.Stream.BufferSize, cfg.Stream.DropOldest)
		conn := client.NewConnection(client.ConnectionConfig{
			URL:                  cfg.Stream.URL,
			AuthToken:            cfg.Stream.AuthToken,
			ConnectTimeout:       cfg.Stream.ConnectTimeout,
			ReconnectInterval:    cfg.Stream.ReconnectInterval,
			MaxReconnectInterval: cfg.Stream.MaxReconnectInterval,
			PingInterval:         cfg.Stream.PingInterval,
			PongTimeout:          cfg.Stream.PongTimeout,
		}, agent, buffer, logger)
		forwarder := client.NewForwarder(buffer, conn, client.DefaultForwarderConfig(), logger)

		wg.Add(2)
		go func() {
			defer wg.Done()
			conn.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			forwarder.Run(ctx)
		}()
		closers = append(closers, func() { conn.Close() })

		d.add("stream", streamSink(forwarder))
	}

	if httpSrv != nil {
		go func() {
			logger.Info().Str("addr", httpSrv.Addr).Msg("HTTP API listening")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serveErr <- err
			}
		}()
		closers = append(closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("HTTP shutdown error")
			}
		})
	}

	pollCfg := poller.DefaultConfig()
	pollCfg.Interval = cfg.Poll.Interval
	pollCfg.BreakerMaxFailures = cfg.Poll.BreakerMaxFailures
	pollCfg.BreakerTimeout = cfg.Poll.BreakerTimeout
	p := poller.New(sensors, pollCfg, logger)

	go p.Start(ctx)

	for {
		select {
		case snap, ok := <-p.Snapshots():
			if !ok {
				wg.Wait()
				return nil
			}
			d.dispatch(snap)
		case err := <-serveErr:
			cancel()
			for range p.Snapshots() {
			}
			wg.Wait()
			return fmt.Errorf("http server failed: %w", err)
		}
	}
}

// newHTTPServer builds the local API. The memory store and live feed are
// registered as sinks on d.
func newHTTPServer(cfg *config.Config, d *dispatcher, devices server.DeviceDirectory, logger zerolog.Logger) *http.Server {
	store := server.NewMemoryStore(cfg.Server.HistorySize)
	live := server.NewLiveFeed(cfg.Server.AuthToken, logger, cfg.Server.AllowedOrigins...)
	d.add("memory", memorySink(store))
	d.add("live", liveSink(live))

	api := server.NewAPIHandler(store, devices, version, logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.Routes(live),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	srv.RegisterOnShutdown(live.Close)
	return srv
}
