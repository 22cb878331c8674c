// internal/poller/poller_test.go
package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/afroash/mijia-monitor/internal/models"
)

// MockSensor returns a fixed snapshot or error
type MockSensor struct {
	mu        sync.Mutex
	address   string
	snapshot  *models.Snapshot
	err       error
	readCount int
	active    int
	maxActive int
}

func newMockSensor(address string, temperature float64) *MockSensor {
	return &MockSensor{
		address: address,
		snapshot: &models.Snapshot{
			Address:      address,
			Temperature:  temperature,
			Humidity:     45.0,
			LastDataRead: "2024-01-01T12:00:00Z",
		},
	}
}

func (m *MockSensor) Address() string { return m.address }

func (m *MockSensor) Snapshot(ctx context.Context) (*models.Snapshot, error) {
	m.mu.Lock()
	m.readCount++
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	snap, err := m.snapshot.Copy(), m.err
	m.mu.Unlock()

	time.Sleep(time.Millisecond)

	m.mu.Lock()
	m.active--
	m.mu.Unlock()
	return snap, err
}

func (m *MockSensor) reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCount
}

func TestPoller_PollOnce(t *testing.T) {
	a := newMockSensor("4c:65:a8:00:00:01", 21.0)
	b := newMockSensor("4c:65:a8:00:00:02", 23.0)

	p := New([]Sensor{a, b}, DefaultConfig(), zerolog.Nop())
	snaps := p.PollOnce(context.Background())

	if len(snaps) != 2 {
		t.Fatalf("len(snaps) = %d, want 2", len(snaps))
	}
	if snaps[0].Address != a.address || snaps[1].Address != b.address {
		t.Errorf("snapshot order = %s, %s", snaps[0].Address, snaps[1].Address)
	}
	if p.Rounds() != 1 {
		t.Errorf("Rounds() = %d, want 1", p.Rounds())
	}
}

func TestPoller_StaleSnapshotStillPublished(t *testing.T) {
	s := newMockSensor("4c:65:a8:00:00:01", 21.0)
	s.err = errors.New("retry budget exhausted")

	p := New([]Sensor{s}, DefaultConfig(), zerolog.Nop())
	snaps := p.PollOnce(context.Background())

	if len(snaps) != 1 {
		t.Fatalf("len(snaps) = %d, want cached snapshot", len(snaps))
	}
}

func TestPoller_NeverReadNotPublished(t *testing.T) {
	s := newMockSensor("4c:65:a8:00:00:01", 0)
	s.snapshot.LastDataRead = models.NotAvailable
	s.err = errors.New("no data available")

	p := New([]Sensor{s}, DefaultConfig(), zerolog.Nop())
	if snaps := p.PollOnce(context.Background()); len(snaps) != 0 {
		t.Errorf("len(snaps) = %d, want 0", len(snaps))
	}
}

func TestPoller_BreakerSkipsFailingSensor(t *testing.T) {
	s := newMockSensor("4c:65:a8:00:00:01", 21.0)
	s.err = errors.New("bluetooth connection error")

	cfg := DefaultConfig()
	cfg.BreakerMaxFailures = 2
	cfg.BreakerTimeout = time.Hour
	p := New([]Sensor{s}, cfg, zerolog.Nop())

	for i := 0; i < 5; i++ {
		p.PollOnce(context.Background())
	}

	if s.reads() != 2 {
		t.Errorf("reads = %d, want 2 before the breaker opens", s.reads())
	}
	state, err := p.BreakerState(s.address)
	if err != nil {
		t.Fatalf("BreakerState() error: %v", err)
	}
	if state != gobreaker.StateOpen {
		t.Errorf("BreakerState() = %v, want open", state)
	}

	if _, err := p.BreakerState("aa:bb:cc:dd:ee:ff"); err == nil {
		t.Error("BreakerState() should fail for unknown sensors")
	}
}

func TestPoller_BreakerRecovers(t *testing.T) {
	s := newMockSensor("4c:65:a8:00:00:01", 21.0)
	s.err = errors.New("bluetooth connection error")

	cfg := DefaultConfig()
	cfg.BreakerMaxFailures = 1
	cfg.BreakerTimeout = 20 * time.Millisecond
	p := New([]Sensor{s}, cfg, zerolog.Nop())

	p.PollOnce(context.Background())
	time.Sleep(40 * time.Millisecond)

	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()

	if snaps := p.PollOnce(context.Background()); len(snaps) != 1 {
		t.Errorf("len(snaps) = %d, want 1 after half-open probe", len(snaps))
	}
	if state, _ := p.BreakerState(s.address); state != gobreaker.StateClosed {
		t.Errorf("BreakerState() = %v, want closed", state)
	}
}

func TestPoller_Start(t *testing.T) {
	s := newMockSensor("4c:65:a8:00:00:01", 21.0)

	cfg := DefaultConfig()
	cfg.Interval = 50 * time.Millisecond
	p := New([]Sensor{s}, cfg, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 220*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	var snaps []*models.Snapshot
	for snap := range p.Snapshots() {
		snaps = append(snaps, snap)
	}

	if err := <-done; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Start() = %v, want context.DeadlineExceeded", err)
	}
	if len(snaps) < 3 {
		t.Errorf("got %d snapshots, want at least 3", len(snaps))
	}
	if s.maxActive != 1 {
		t.Errorf("maxActive = %d, sensor must never be polled concurrently", s.maxActive)
	}
}
