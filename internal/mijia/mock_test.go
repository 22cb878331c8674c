package mijia

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var errLinkLost = fmt.Errorf("%w: link lost", ErrConnection)

// MockPeripheral serves fixed characteristic values and counts every call
type MockPeripheral struct {
	mu sync.Mutex

	values    map[uint16][]byte
	readErrs  map[uint16]error
	flaky     map[uint16]int // reads failing with errLinkLost before the next succeeds
	telemetry []byte
	silent    bool // never deliver the telemetry notification

	handlers map[uint16]NotificationHandler

	readCount      map[uint16]int
	writeCount     int
	subscribeCount int
	reconnectCount int
	closeCount     int
}

func NewMockPeripheral() *MockPeripheral {
	return &MockPeripheral{
		values: map[uint16][]byte{
			HandleName:     []byte("MJ_HT_V1\x00"),
			HandleFirmware: []byte("00.00.66"),
			HandleBattery:  {87},
		},
		readErrs:  map[uint16]error{},
		flaky:     map[uint16]int{},
		telemetry: []byte("T=22.5 H=45.0\x00"),
		handlers:  map[uint16]NotificationHandler{},
		readCount: map[uint16]int{},
	}
}

func (m *MockPeripheral) ReadCharacteristic(handle uint16) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCount[handle]++
	if m.flaky[handle] > 0 {
		m.flaky[handle]--
		return nil, errLinkLost
	}
	if err := m.readErrs[handle]; err != nil {
		return nil, err
	}
	return m.values[handle], nil
}

func (m *MockPeripheral) WriteCharacteristic(handle uint16, value []byte, withResponse bool) error {
	m.mu.Lock()
	m.writeCount++
	h := m.handlers[HandleTelemetry]
	payload := m.telemetry
	silent := m.silent
	m.mu.Unlock()

	if handle == HandleTelemetryControl && h != nil && !silent {
		h(HandleTelemetry, payload)
	}
	return nil
}

func (m *MockPeripheral) Subscribe(handle uint16, h NotificationHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeCount++
	m.handlers[handle] = h
	return nil
}

func (m *MockPeripheral) WaitForNotification(timeout time.Duration) bool {
	time.Sleep(timeout)
	return false
}

func (m *MockPeripheral) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectCount++
	return nil
}

func (m *MockPeripheral) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCount++
	return nil
}

func (m *MockPeripheral) setTelemetry(payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry = []byte(payload)
}

func (m *MockPeripheral) reads(handle uint16) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCount[handle]
}

// MockTransport hands out the same peripheral on every connect
type MockTransport struct {
	mu           sync.Mutex
	peripheral   *MockPeripheral
	connectErr   error
	connectCount int
}

func (m *MockTransport) Connect(ctx context.Context, address string, iface int) (Peripheral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCount++
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	return m.peripheral, nil
}

func (m *MockTransport) setConnectErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// MockScanner returns fixed advertisements
type MockScanner struct {
	ads       []Advertisement
	err       error
	scanCount int
}

func (m *MockScanner) Scan(ctx context.Context, iface int, timeout time.Duration) ([]Advertisement, error) {
	m.scanCount++
	return m.ads, m.err
}

// fakeClock is a manually advanced clock for staleness tests
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
