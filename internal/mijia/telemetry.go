package mijia

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// GATT attribute handles exposed by the MJ_HT_V1 firmware.
const (
	HandleName             uint16 = 0x03
	HandleTelemetryControl uint16 = 0x10
	HandleTelemetry        uint16 = 0x0e
	HandleBattery          uint16 = 0x18
	HandleFirmware         uint16 = 0x24
)

// activateTelemetry enables notifications on HandleTelemetry when written
// to HandleTelemetryControl.
var activateTelemetry = []byte{0x01, 0x00}

var telemetryPattern = regexp.MustCompile(`T=(-?[0-9]+(?:\.[0-9]+)?)\s+H=([0-9]+(?:\.[0-9]+)?)`)

// Telemetry is one temperature/humidity pair decoded from a notification.
type Telemetry struct {
	Temperature float64
	Humidity    float64
}

// ParseTelemetry decodes an ASCII payload of the form "T=23.4 H=45.6".
func ParseTelemetry(payload []byte) (Telemetry, error) {
	m := telemetryPattern.FindStringSubmatch(string(payload))
	if m == nil {
		return Telemetry{}, fmt.Errorf("%w: telemetry %q", ErrParse, payload)
	}
	temp, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Telemetry{}, fmt.Errorf("%w: temperature %q: %v", ErrParse, m[1], err)
	}
	humidity, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Telemetry{}, fmt.Errorf("%w: humidity %q: %v", ErrParse, m[2], err)
	}
	return Telemetry{Temperature: temp, Humidity: humidity}, nil
}

// parseBattery decodes the single byte battery level characteristic.
func parseBattery(payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty battery level", ErrParse)
	}
	level := int(payload[0])
	if level > 100 {
		return 0, fmt.Errorf("%w: battery level %d out of range", ErrParse, level)
	}
	return level, nil
}

// parseString decodes a NUL padded ASCII characteristic.
func parseString(payload []byte) string {
	return strings.TrimRight(string(payload), "\x00")
}

// notificationSlot records the first payload delivered on one handle.
// The transport may call record from its own goroutine.
type notificationSlot struct {
	handle   uint16
	mu       sync.Mutex
	payload  []byte
	received bool
}

func newNotificationSlot(handle uint16) *notificationSlot {
	return &notificationSlot{handle: handle}
}

func (s *notificationSlot) record(handle uint16, data []byte) {
	if handle != s.handle {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.received {
		return
	}
	s.payload = append([]byte(nil), data...)
	s.received = true
}

func (s *notificationSlot) value() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payload, s.received
}
