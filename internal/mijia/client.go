package mijia

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/models"
)

// Default timing for sensor clients
const (
	DefaultRetryBudget       = 10 * time.Second
	DefaultRetryDelay        = 250 * time.Millisecond
	DefaultNotificationSlice = 1 * time.Second
	DefaultBatteryInterval   = 1 * time.Hour
	DefaultTelemetryInterval = 1 * time.Hour
)

// ClientConfig holds the timing settings of a Client
type ClientConfig struct {
	RetryBudget       time.Duration // Wall-clock budget per characteristic operation (default: 10s)
	RetryDelay        time.Duration // Pause between a connection error and the reconnect (default: 250ms)
	NotificationSlice time.Duration // Length of one notification wait slice (default: 1s)
	BatteryInterval   time.Duration // Minimum time between battery reads (default: 1h)
	TelemetryInterval time.Duration // Age after which temperature/humidity are refreshed (default: 1h)
}

// DefaultClientConfig returns the timing the sensor firmware is known to tolerate
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RetryBudget:       DefaultRetryBudget,
		RetryDelay:        DefaultRetryDelay,
		NotificationSlice: DefaultNotificationSlice,
		BatteryInterval:   DefaultBatteryInterval,
		TelemetryInterval: DefaultTelemetryInterval,
	}
}

func (c *ClientConfig) applyDefaults() {
	if c.RetryBudget <= 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.NotificationSlice <= 0 {
		c.NotificationSlice = DefaultNotificationSlice
	}
	if c.BatteryInterval <= 0 {
		c.BatteryInterval = DefaultBatteryInterval
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = DefaultTelemetryInterval
	}
}

// Client reads a single Mijia BLE hygrothermometer and caches what it read.
//
// Device name and firmware are read once and kept for the lifetime of the
// Client. Battery is re-read at most once per BatteryInterval. Temperature and
// humidity are refreshed when missing or older than TelemetryInterval.
//
// A Client is not safe for concurrent use; callers polling from several
// goroutines must serialize access per instance.
type Client struct {
	address   string
	iface     int
	transport Transport
	config    ClientConfig
	retry     retryPolicy
	logger    zerolog.Logger
	now       func() time.Time

	name          string
	firmware      string
	hasDeviceInfo bool

	battery    int
	hasBattery bool

	telemetry    Telemetry
	hasTelemetry bool

	lastBatteryRead   time.Time
	lastTelemetryRead time.Time
	lastRead          time.Time

	errorCount int
	lastErr    error

	// set while Snapshot runs; one failed read ends the reads for that call
	snapshotting   bool
	snapshotFailed bool
}

// NewClient creates a client for the sensor at address. No read is performed
// until a field is requested.
func NewClient(address string, iface int, transport Transport, config ClientConfig, logger zerolog.Logger) *Client {
	config.applyDefaults()
	address = strings.ToLower(address)
	logger = logger.With().Str("address", address).Logger()

	return &Client{
		address:   address,
		iface:     iface,
		transport: transport,
		config:    config,
		retry: retryPolicy{
			budget: config.RetryBudget,
			delay:  config.RetryDelay,
			logger: logger,
		},
		logger: logger,
		now:    time.Now,
	}
}

// Address returns the BLE hardware address of the sensor
func (c *Client) Address() string { return c.address }

// Interface returns the index of the local adapter used to reach the sensor
func (c *Client) Interface() int { return c.iface }

// ErrorCount returns the number of failed reads since the last successful one
func (c *Client) ErrorCount() int { return c.errorCount }

// LastError returns the failure of the most recent read, nil after a success
func (c *Client) LastError() error { return c.lastErr }

// LastDataRead returns the wall-clock time of the last successful read
func (c *Client) LastDataRead() (time.Time, bool) {
	return c.lastRead, !c.lastRead.IsZero()
}

func (c *Client) String() string {
	return fmt.Sprintf("mijia[addr=%s, hci=%d]", c.address, c.iface)
}

// Name returns the advertised device name, reading device info on first use
func (c *Client) Name(ctx context.Context) (string, error) {
	if !c.hasDeviceInfo {
		c.readData(ctx, true)
	}
	if !c.hasDeviceInfo {
		return "", c.unavailable("name")
	}
	return c.name, nil
}

// FirmwareVersion returns the firmware string, reading device info on first use
func (c *Client) FirmwareVersion(ctx context.Context) (string, error) {
	if !c.hasDeviceInfo {
		c.readData(ctx, true)
	}
	if !c.hasDeviceInfo {
		return "", c.unavailable("firmware")
	}
	return c.firmware, nil
}

// BatteryPercentage returns the cached battery level, reading it when unknown.
// The read procedure itself throttles battery reads to one per BatteryInterval.
func (c *Client) BatteryPercentage(ctx context.Context) (int, error) {
	if !c.hasBattery {
		c.readData(ctx, false)
	}
	if !c.hasBattery {
		return 0, c.unavailable("battery")
	}
	return c.battery, nil
}

// Temperature returns the temperature in °C, refreshing stale telemetry first
func (c *Client) Temperature(ctx context.Context) (float64, error) {
	c.ensureTelemetry(ctx)
	if !c.hasTelemetry {
		return 0, c.unavailable("temperature")
	}
	return c.telemetry.Temperature, nil
}

// Humidity returns the relative humidity in %, refreshing stale telemetry first
func (c *Client) Humidity(ctx context.Context) (float64, error) {
	c.ensureTelemetry(ctx)
	if !c.hasTelemetry {
		return 0, c.unavailable("humidity")
	}
	return c.telemetry.Humidity, nil
}

// Snapshot resolves every field and returns them together. Fields that could
// not be read are left zero and reported in the joined error. After the first
// failed read the remaining fields are served from the cache only, so an
// unreachable sensor costs one retry budget and one error per call.
func (c *Client) Snapshot(ctx context.Context) (*models.Snapshot, error) {
	c.snapshotting = true
	defer func() {
		c.snapshotting = false
		c.snapshotFailed = false
	}()

	var errs []error

	snap := &models.Snapshot{Address: c.address}

	var err error
	if snap.FirmwareVersion, err = c.FirmwareVersion(ctx); err != nil {
		errs = append(errs, err)
	}
	if snap.BatteryPercentage, err = c.BatteryPercentage(ctx); err != nil {
		errs = append(errs, err)
	}
	if snap.Name, err = c.Name(ctx); err != nil {
		errs = append(errs, err)
	}
	if snap.Temperature, err = c.Temperature(ctx); err != nil {
		errs = append(errs, err)
	}
	if snap.Humidity, err = c.Humidity(ctx); err != nil {
		errs = append(errs, err)
	}

	snap.LastDataRead = models.NotAvailable
	if at, ok := c.LastDataRead(); ok {
		snap.LastDataRead = at.Format(time.RFC3339)
		snap.ReadAt = at
	}
	snap.ErrorCount = c.errorCount

	return snap, errors.Join(errs...)
}

// ensureTelemetry triggers a read when telemetry is missing or stale
func (c *Client) ensureTelemetry(ctx context.Context) {
	if c.hasTelemetry && c.now().Sub(c.lastTelemetryRead) < c.config.TelemetryInterval {
		return
	}
	c.readData(ctx, false)
}

func (c *Client) batteryDue() bool {
	return c.lastBatteryRead.IsZero() || c.now().Sub(c.lastBatteryRead) >= c.config.BatteryInterval
}

func (c *Client) unavailable(field string) error {
	if c.lastErr != nil {
		return fmt.Errorf("%w: %s of %s: %w", ErrNoData, field, c.address, c.lastErr)
	}
	return fmt.Errorf("%w: %s of %s", ErrNoData, field, c.address)
}

// readResult holds the fields fetched by one read procedure before commit
type readResult struct {
	name, firmware string
	deviceInfo     bool
	battery        int
	batteryRead    bool
	telemetry      Telemetry
}

// readData runs the full read procedure and reports whether it succeeded.
// Nothing is committed to the cache unless every step succeeded.
func (c *Client) readData(ctx context.Context, deviceInfo bool) bool {
	if c.snapshotting && c.snapshotFailed {
		return false
	}

	res, err := c.fetch(ctx, deviceInfo)
	if err != nil {
		c.snapshotFailed = c.snapshotting
		c.errorCount++
		c.lastErr = err
		if IsConnectionError(err) || errors.Is(err, ErrRetryBudgetExhausted) {
			c.logger.Warn().Err(err).Int("error_count", c.errorCount).Msg("BT connection error")
		} else {
			c.logger.Error().Err(err).Int("error_count", c.errorCount).Msg("Unexpected error")
		}
		return false
	}

	now := c.now()
	if res.deviceInfo {
		c.name = res.name
		c.firmware = res.firmware
		c.hasDeviceInfo = true
	}
	if res.batteryRead {
		c.battery = res.battery
		c.hasBattery = true
		c.lastBatteryRead = now
	}
	c.telemetry = res.telemetry
	c.hasTelemetry = true
	c.lastTelemetryRead = now
	c.lastRead = now
	c.errorCount = 0
	c.lastErr = nil

	c.logger.Debug().
		Bool("device_info", res.deviceInfo).
		Bool("battery", res.batteryRead).
		Float64("temperature", res.telemetry.Temperature).
		Float64("humidity", res.telemetry.Humidity).
		Msg("Read sensor data")
	return true
}

// fetch performs every step of the read procedure against a fresh session
func (c *Client) fetch(ctx context.Context, deviceInfo bool) (res readResult, err error) {
	s := &session{transport: c.transport, address: c.address, iface: c.iface}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during read: %v", r)
		}
		if cerr := s.close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("Failed to close session")
		}
	}()

	if err := c.retry.run(ctx, s, "connect", func(context.Context, Peripheral) error { return nil }); err != nil {
		return res, err
	}

	if deviceInfo {
		if res.name, err = c.readString(ctx, s, "read name", HandleName); err != nil {
			return res, err
		}
		if res.firmware, err = c.readString(ctx, s, "read firmware", HandleFirmware); err != nil {
			return res, err
		}
		res.deviceInfo = true
	}

	if c.batteryDue() {
		err = c.retry.run(ctx, s, "read battery", func(_ context.Context, p Peripheral) error {
			b, err := p.ReadCharacteristic(HandleBattery)
			if err != nil {
				return err
			}
			res.battery, err = parseBattery(b)
			return err
		})
		if err != nil {
			return res, err
		}
		res.batteryRead = true
	}

	err = c.retry.run(ctx, s, "read telemetry", func(ctx context.Context, p Peripheral) error {
		payload, err := c.exchangeTelemetry(ctx, p)
		if err != nil {
			return err
		}
		res.telemetry, err = ParseTelemetry(payload)
		return err
	})
	return res, err
}

func (c *Client) readString(ctx context.Context, s *session, name string, handle uint16) (string, error) {
	var value string
	err := c.retry.run(ctx, s, name, func(_ context.Context, p Peripheral) error {
		b, err := p.ReadCharacteristic(handle)
		if err != nil {
			return err
		}
		value = parseString(b)
		return nil
	})
	return value, err
}

// exchangeTelemetry subscribes to the telemetry handle, activates it and waits
// in NotificationSlice steps until a payload arrives or ctx expires.
func (c *Client) exchangeTelemetry(ctx context.Context, p Peripheral) ([]byte, error) {
	slot := newNotificationSlot(HandleTelemetry)
	if err := p.Subscribe(HandleTelemetry, slot.record); err != nil {
		return nil, err
	}
	if err := p.WriteCharacteristic(HandleTelemetryControl, activateTelemetry, true); err != nil {
		return nil, err
	}

	for {
		if payload, ok := slot.value(); ok {
			return payload, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: no telemetry notification: %v", ErrConnection, err)
		}
		if !p.WaitForNotification(c.config.NotificationSlice) {
			c.logger.Debug().Dur("slice", c.config.NotificationSlice).Msg("Waiting for telemetry notification")
		}
	}
}
