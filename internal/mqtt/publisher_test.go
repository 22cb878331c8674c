package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/models"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  interface{}
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	publishErr   error
	stall        bool
	messages     []published
	disconnected bool
}

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr == nil {
		c.connected = true
	}
	return completedToken(c.connectErr)
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stall {
		return pendingToken()
	}
	c.messages = append(c.messages, published{topic, qos, retained, payload})
	return completedToken(c.publishErr)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func testConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		TopicPrefix:    "home/mijia/",
		QoS:            1,
		Retained:       true,
		PublishTimeout: 50 * time.Millisecond,
	}
}

func TestPublisher_Connect(t *testing.T) {
	client := &fakeClient{}
	p := newPublisher(client, testConfig(), zerolog.Nop())

	if err := p.connect(); err != nil {
		t.Fatalf("connect() = %v", err)
	}
	if len(client.messages) != 1 {
		t.Fatalf("Expected status message, got %d messages", len(client.messages))
	}
	msg := client.messages[0]
	if msg.topic != "home/mijia/status" || msg.payload != statusOnline || !msg.retained {
		t.Errorf("Unexpected status message: %+v", msg)
	}
}

func TestPublisher_ConnectError(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("connection refused")}
	p := newPublisher(client, testConfig(), zerolog.Nop())

	if err := p.connect(); err == nil {
		t.Error("connect() should fail when the broker refuses")
	}
}

func TestPublisher_Publish(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newPublisher(client, testConfig(), zerolog.Nop())

	snap := &models.Snapshot{
		Address:           "4C:65:A8:DD:B4:19",
		Name:              "MJ_HT_V1",
		BatteryPercentage: 87,
		Temperature:       21.5,
		Humidity:          48.2,
		LastDataRead:      "2026-10-19T10:00:00Z",
	}

	if err := p.Publish(snap); err != nil {
		t.Fatalf("Publish() = %v", err)
	}

	msg := client.messages[0]
	if msg.topic != "home/mijia/4c:65:a8:dd:b4:19/state" {
		t.Errorf("topic = %q", msg.topic)
	}
	if msg.qos != 1 || !msg.retained {
		t.Errorf("qos/retained = %d/%v, want 1/true", msg.qos, msg.retained)
	}

	var got models.Snapshot
	if err := json.Unmarshal(msg.payload.([]byte), &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Temperature != 21.5 || got.BatteryPercentage != 87 {
		t.Errorf("Unexpected payload: %+v", got)
	}
}

func TestPublisher_PublishError(t *testing.T) {
	brokerErr := errors.New("not authorized")
	client := &fakeClient{connected: true, publishErr: brokerErr}
	p := newPublisher(client, testConfig(), zerolog.Nop())

	err := p.Publish(&models.Snapshot{Address: "4c:65:a8:dd:b4:19"})
	if !errors.Is(err, brokerErr) {
		t.Errorf("Publish() = %v, want wrapped broker error", err)
	}
}

func TestPublisher_PublishTimeout(t *testing.T) {
	client := &fakeClient{connected: true, stall: true}
	p := newPublisher(client, testConfig(), zerolog.Nop())

	start := time.Now()
	err := p.Publish(&models.Snapshot{Address: "4c:65:a8:dd:b4:19"})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Publish() = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Publish took %v, should honour PublishTimeout", elapsed)
	}
}

func TestPublisher_Close(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newPublisher(client, testConfig(), zerolog.Nop())

	p.Close()

	if !client.disconnected {
		t.Error("Close should disconnect")
	}
	last := client.messages[len(client.messages)-1]
	if last.topic != "home/mijia/status" || last.payload != statusOffline {
		t.Errorf("Expected offline status, got %+v", last)
	}
}

func TestWithDefaults(t *testing.T) {
	c := withDefaults(Config{})
	if c.ClientID != "mijiad" || c.TopicPrefix != "mijia" || c.PublishTimeout != 5*time.Second {
		t.Errorf("Unexpected defaults: %+v", c)
	}
}
