package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goble "github.com/go-ble/ble"
	"github.com/rs/zerolog"
	"gotest.tools/assert"

	"github.com/afroash/mijia-monitor/internal/mijia"
)

const testAddr = "4c:65:a8:dd:b4:19"

// dummyClient implements the subset of goble.Client a sensor session uses
type dummyClient struct {
	goble.Client

	mu          sync.Mutex
	values      map[uint16][]byte
	readErr     error
	profile     *goble.Profile
	reads       []uint16
	writes      []uint16
	noRsp       []bool
	subscribed  map[uint16]goble.NotificationHandler
	cancelCount int
}

func newDummyClient() *dummyClient {
	telemetry := &goble.Characteristic{
		ValueHandle: mijia.HandleTelemetry,
		CCCD:        &goble.Descriptor{Handle: mijia.HandleTelemetryControl},
	}
	name := &goble.Characteristic{ValueHandle: mijia.HandleName}
	return &dummyClient{
		values: map[uint16][]byte{
			mijia.HandleName:    []byte("MJ_HT_V1"),
			mijia.HandleBattery: {99},
		},
		profile: &goble.Profile{Services: []*goble.Service{
			{Characteristics: []*goble.Characteristic{name, telemetry}},
		}},
		subscribed: map[uint16]goble.NotificationHandler{},
	}
}

func (c *dummyClient) DiscoverProfile(force bool) (*goble.Profile, error) { return c.profile, nil }

func (c *dummyClient) ReadCharacteristic(char *goble.Characteristic) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, char.ValueHandle)
	if c.readErr != nil {
		return nil, c.readErr
	}
	return c.values[char.ValueHandle], nil
}

func (c *dummyClient) WriteCharacteristic(char *goble.Characteristic, value []byte, noRsp bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, char.ValueHandle)
	c.noRsp = append(c.noRsp, noRsp)
	return nil
}

func (c *dummyClient) Subscribe(char *goble.Characteristic, ind bool, h goble.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[char.ValueHandle] = h
	return nil
}

func (c *dummyClient) CancelConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelCount++
	return nil
}

type dummyAdv struct {
	goble.Advertisement
	addr string
	name string
	rssi int
}

func (a dummyAdv) Addr() goble.Addr         { return goble.NewAddr(a.addr) }
func (a dummyAdv) LocalName() string        { return a.name }
func (a dummyAdv) ManufacturerData() []byte { return nil }
func (a dummyAdv) RSSI() int                { return a.rssi }

// dummyDevice hands out a fresh dummyClient per dial
type dummyDevice struct {
	dialErr   error
	scanErr   error
	ads       []goble.Advertisement
	clients   []*dummyClient
	stopCount int
}

func (d *dummyDevice) Dial(ctx context.Context, a goble.Addr) (goble.Client, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := newDummyClient()
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *dummyDevice) Scan(ctx context.Context, allowDup bool, h goble.AdvHandler) error {
	if d.scanErr != nil {
		return d.scanErr
	}
	for _, a := range d.ads {
		h(a)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *dummyDevice) Stop() error {
	d.stopCount++
	return nil
}

func newTestAdapters(dev *dummyDevice) *Adapters {
	return NewAdapters(func(int, time.Duration) (Device, error) { return dev, nil }, time.Second, zerolog.Nop())
}

func TestTransport_ConnectAndRead(t *testing.T) {
	dev := &dummyDevice{}
	transport := NewTransport(newTestAdapters(dev), time.Second, zerolog.Nop())

	p, err := transport.Connect(context.Background(), "4C:65:A8:DD:B4:19", 0)
	assert.NilError(t, err)
	assert.Equal(t, len(dev.clients), 1)

	name, err := p.ReadCharacteristic(mijia.HandleName)
	assert.NilError(t, err)
	assert.Equal(t, string(name), "MJ_HT_V1")

	battery, err := p.ReadCharacteristic(mijia.HandleBattery)
	assert.NilError(t, err)
	assert.DeepEqual(t, battery, []byte{99})
	assert.DeepEqual(t, dev.clients[0].reads, []uint16{mijia.HandleName, mijia.HandleBattery})
}

func TestTransport_DialFailureIsConnectionError(t *testing.T) {
	dev := &dummyDevice{dialErr: errors.New("connection timed out")}
	transport := NewTransport(newTestAdapters(dev), time.Second, zerolog.Nop())

	_, err := transport.Connect(context.Background(), testAddr, 0)
	assert.Assert(t, mijia.IsConnectionError(err))
}

func TestPeripheral_WriteWithResponse(t *testing.T) {
	dev := &dummyDevice{}
	p, err := NewTransport(newTestAdapters(dev), time.Second, zerolog.Nop()).Connect(context.Background(), testAddr, 0)
	assert.NilError(t, err)

	assert.NilError(t, p.WriteCharacteristic(mijia.HandleTelemetryControl, []byte{0x01, 0x00}, true))
	assert.NilError(t, p.WriteCharacteristic(mijia.HandleTelemetryControl, []byte{0x01, 0x00}, false))
	assert.DeepEqual(t, dev.clients[0].noRsp, []bool{false, true})
	assert.DeepEqual(t, dev.clients[0].writes, []uint16{mijia.HandleTelemetryControl, mijia.HandleTelemetryControl})
}

func TestPeripheral_Notification(t *testing.T) {
	dev := &dummyDevice{}
	p, err := NewTransport(newTestAdapters(dev), time.Second, zerolog.Nop()).Connect(context.Background(), testAddr, 0)
	assert.NilError(t, err)

	var gotHandle uint16
	var gotData []byte
	err = p.Subscribe(mijia.HandleTelemetry, func(handle uint16, data []byte) {
		gotHandle = handle
		gotData = data
	})
	assert.NilError(t, err)

	assert.Assert(t, !p.WaitForNotification(10*time.Millisecond))

	h := dev.clients[0].subscribed[mijia.HandleTelemetry]
	assert.Assert(t, h != nil)
	h([]byte("T=22.5 H=45.0"))

	assert.Assert(t, p.WaitForNotification(time.Second))
	assert.Equal(t, gotHandle, mijia.HandleTelemetry)
	assert.Equal(t, string(gotData), "T=22.5 H=45.0")
}

func TestPeripheral_SubscribeNeedsCCCD(t *testing.T) {
	dev := &dummyDevice{}
	p, err := NewTransport(newTestAdapters(dev), time.Second, zerolog.Nop()).Connect(context.Background(), testAddr, 0)
	assert.NilError(t, err)

	err = p.Subscribe(mijia.HandleName, func(uint16, []byte) {})
	assert.ErrorContains(t, err, "client configuration descriptor")
	assert.Assert(t, !mijia.IsConnectionError(err))
}

func TestPeripheral_ReconnectAndClose(t *testing.T) {
	dev := &dummyDevice{}
	p, err := NewTransport(newTestAdapters(dev), time.Second, zerolog.Nop()).Connect(context.Background(), testAddr, 0)
	assert.NilError(t, err)

	assert.NilError(t, p.Reconnect(context.Background()))
	assert.Equal(t, len(dev.clients), 2)
	assert.Equal(t, dev.clients[0].cancelCount, 1)

	assert.NilError(t, p.Close())
	assert.NilError(t, p.Close())
	assert.Equal(t, dev.clients[1].cancelCount, 1)

	_, err = p.ReadCharacteristic(mijia.HandleName)
	assert.Assert(t, mijia.IsConnectionError(err))
}

func TestLinkError(t *testing.T) {
	assert.NilError(t, linkError(nil, "read"))

	err := linkError(errors.New("broken pipe"), "read handle 0x0018")
	assert.Assert(t, mijia.IsConnectionError(err))
	assert.ErrorContains(t, err, "read handle 0x0018: broken pipe")

	err = linkError(goble.ATTError(0x0a), "read handle 0x0018")
	assert.Assert(t, !mijia.IsConnectionError(err))
}

func TestCatchErrs(t *testing.T) {
	err := catchErrs(func() error { panic("hci socket closed") })
	assert.ErrorContains(t, err, "hci socket closed")

	err = catchErrs(func() error { panic(errors.New("nil map")) })
	assert.ErrorContains(t, err, "nil map")

	assert.NilError(t, catchErrs(func() error { return nil }))
}

func TestScanner_Collect(t *testing.T) {
	dev := &dummyDevice{ads: []goble.Advertisement{
		dummyAdv{addr: "4C:65:00:00:00:01", name: "MJ_HT_V1", rssi: -70},
		dummyAdv{addr: "aa:bb:cc:dd:ee:ff", rssi: -50},
		dummyAdv{addr: "4c:65:00:00:00:01", name: "MJ_HT_V1", rssi: -60},
	}}
	scanner := NewScanner(newTestAdapters(dev), zerolog.Nop())

	ads, err := scanner.Scan(context.Background(), 0, 20*time.Millisecond)
	assert.NilError(t, err)
	assert.Equal(t, len(ads), 2)
	assert.Equal(t, ads[0].Address, "4c:65:00:00:00:01")
	assert.Equal(t, ads[0].RSSI, -60)
	assert.Equal(t, string(ads[0].Fields[adTypeCompleteName]), "MJ_HT_V1")
	assert.Assert(t, mijia.IsSensor(ads[0]))
	assert.Assert(t, !mijia.IsSensor(ads[1]))
}

func TestScanner_Error(t *testing.T) {
	dev := &dummyDevice{scanErr: errors.New("operation not permitted")}
	scanner := NewScanner(newTestAdapters(dev), zerolog.Nop())

	_, err := scanner.Scan(context.Background(), 0, 20*time.Millisecond)
	assert.ErrorContains(t, err, "scan on hci0")
}

func TestAdapters_OpenOnce(t *testing.T) {
	opened := 0
	dev := &dummyDevice{}
	adapters := NewAdapters(func(iface int, _ time.Duration) (Device, error) {
		opened++
		return dev, nil
	}, time.Second, zerolog.Nop())

	for i := 0; i < 3; i++ {
		_, err := adapters.Device(1)
		assert.NilError(t, err)
	}
	assert.Equal(t, opened, 1)

	assert.NilError(t, adapters.Close())
	assert.Equal(t, dev.stopCount, 1)
}
