package mijia

import (
	"context"
	"time"
)

// NotificationHandler receives asynchronous notification payloads together
// with the attribute handle they arrived on.
type NotificationHandler func(handle uint16, data []byte)

// Transport opens sessions to BLE peripherals
type Transport interface {
	// Connect opens a session to the peripheral at address using the local
	// adapter with index iface. Link failures must match ErrConnection.
	Connect(ctx context.Context, address string, iface int) (Peripheral, error)
}

// Peripheral is an open GATT session with a single device.
type Peripheral interface {
	// ReadCharacteristic reads the attribute value at handle
	ReadCharacteristic(handle uint16) ([]byte, error)

	// WriteCharacteristic writes value to handle, waiting for the write
	// response when withResponse is set
	WriteCharacteristic(handle uint16, value []byte, withResponse bool) error

	// Subscribe registers h for notifications arriving on handle
	Subscribe(handle uint16, h NotificationHandler) error

	// WaitForNotification blocks until a notification was delivered to a
	// subscribed handler or timeout elapses. It reports whether one arrived.
	WaitForNotification(timeout time.Duration) bool

	// Reconnect re-establishes the session with the same address and adapter
	Reconnect(ctx context.Context) error

	// Close releases the session
	Close() error
}

// Advertisement is a single advertising report seen during a scan.
// Fields is keyed by the advertising data type (0x09 complete local name, ...).
type Advertisement struct {
	Address string
	RSSI    int
	Fields  map[byte][]byte
}

// Scanner enumerates nearby advertisements
type Scanner interface {
	Scan(ctx context.Context, iface int, timeout time.Duration) ([]Advertisement, error)
}
