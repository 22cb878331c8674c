package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/models"
)

// ErrNotConnected is returned when sending while no session is open
var ErrNotConnected = errors.New("not connected")

const writeWait = 10 * time.Second

// ConnectionState represents the current state of the connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionConfig holds configuration for the connection
type ConnectionConfig struct {
	URL                  string
	AuthToken            string
	ConnectTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
}

// ConnectionStats counts traffic since the Connection was created
type ConnectionStats struct {
	State      string    `json:"state"`
	Sessions   int64     `json:"sessions"`
	Sent       int64     `json:"sent"`
	Acked      int64     `json:"acked"`
	LastAck    time.Time `json:"last_ack,omitempty"`
	LastConfig time.Time `json:"last_config,omitempty"`
}

// backoff doubles the wait after every failed session up to max
type backoff struct {
	base, max, current time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max, current: base}
}

// next returns the wait before the next attempt and grows the one after it
func (b *backoff) next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

func (b *backoff) reset() { b.current = b.base }

// Connection streams snapshots to a remote collector over a WebSocket.
// Every session starts with a register message carrying the agent info.
type Connection struct {
	config ConnectionConfig
	agent  *models.AgentInfo
	buffer *SnapshotBuffer
	logger zerolog.Logger
	retry  *backoff

	mu    sync.RWMutex
	conn  *websocket.Conn
	state ConnectionState
	stats ConnectionStats

	writeMu sync.Mutex
}

// NewConnection creates a connection manager. buffer is only used to report
// its size in heartbeats and may be nil.
func NewConnection(config ConnectionConfig, agent *models.AgentInfo, buffer *SnapshotBuffer, logger zerolog.Logger) *Connection {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 10 * time.Second
	}
	return &Connection{
		config: config,
		agent:  agent,
		buffer: buffer,
		logger: logger.With().Str("collector", config.URL).Logger(),
		retry:  newBackoff(config.ReconnectInterval, config.MaxReconnectInterval),
	}
}

func (c *Connection) setState(state ConnectionState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if changed {
		c.logger.Info().Str("state", state.String()).Msg("Collector connection state changed")
	}
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true if currently connected
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Stats returns the traffic counters
func (c *Connection) Stats() ConnectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.State = c.state.String()
	return s
}

// Connect opens a session and registers the agent
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: c.config.ConnectTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.config.AuthToken)

	conn, resp, err := dialer.DialContext(ctx, c.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.setState(StateDisconnected)
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.stats.Sessions++
	c.mu.Unlock()
	c.setState(StateConnected)

	msg, err := models.NewMessage(models.MessageTypeRegister, models.RegisterMessage{Agent: *c.agent})
	if err == nil {
		err = c.sendMessage(msg)
	}
	if err != nil {
		c.disconnect()
		return fmt.Errorf("register agent %s: %w", c.agent.ID, err)
	}

	c.retry.reset()
	return nil
}

// Run keeps a session open until ctx is cancelled, waiting with exponential
// backoff between attempts
func (c *Connection) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Collector connection failed")
		} else {
			c.serve(ctx)
			c.logger.Info().Msg("Collector session ended")
		}

		wait := c.retry.next()
		c.logger.Debug().Dur("delay", wait).Msg("Waiting before reconnect")
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return ctx.Err()
}

// serve runs the read and heartbeat loops until either stops or ctx ends
func (c *Connection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.readLoop()
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.heartbeatLoop(ctx)
	}()

	<-ctx.Done()
	// Closing the socket unblocks the read loop
	c.disconnect()
	wg.Wait()
}

func (c *Connection) disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.setState(StateDisconnected)
}

// SendBatch streams several snapshots in one message
func (c *Connection) SendBatch(snaps []*models.Snapshot) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if len(snaps) == 0 {
		return nil
	}

	msg, err := models.NewMessage(models.MessageTypeBatch, models.NewBatchMessage(snaps))
	if err != nil {
		return fmt.Errorf("failed to create batch message: %w", err)
	}
	if err := c.sendMessage(msg); err != nil {
		return err
	}
	c.logger.Debug().Int("count", len(snaps)).Msg("Sent batch of snapshots")
	return nil
}

func (c *Connection) sendMessage(msg *models.Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}

	c.mu.Lock()
	c.stats.Sent++
	c.mu.Unlock()
	return nil
}

func (c *Connection) readLoop() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("Collector read failed")
			}
			return
		}
		c.handleMessage(&msg)
	}
}

func (c *Connection) handleMessage(msg *models.Message) {
	switch msg.Type {
	case models.MessageTypeAck:
		c.mu.Lock()
		c.stats.Acked++
		c.stats.LastAck = time.Now()
		c.mu.Unlock()
	case models.MessageTypeError:
		var errMsg models.ErrorMessage
		if err := msg.UnmarshalPayload(&errMsg); err == nil {
			c.logger.Warn().Str("code", errMsg.Code).Str("msg", errMsg.Message).Msg("Collector reported an error")
		}
	case models.MessageTypeConfig:
		var cfg models.ConfigMessage
		if err := msg.UnmarshalPayload(&cfg); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed config message")
			return
		}
		c.mu.Lock()
		c.stats.LastConfig = time.Now()
		c.mu.Unlock()
		// Poll timing is owned by the local config file; the request is only logged.
		c.logger.Info().Dur("poll_interval", cfg.Interval()).Int("buffer_size", cfg.BufferSize).Msg("Collector requested config change")
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring collector message")
	}
}

func (c *Connection) lastAck() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.LastAck
}

// heartbeatLoop sends a heartbeat every PingInterval and ends the session
// when the collector stops acknowledging
func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send heartbeat")
				return
			}
			last := c.lastAck()
			if last.Before(started) {
				last = started
			}
			if time.Since(last) > c.config.PingInterval+c.config.PongTimeout {
				c.logger.Warn().Time("last_ack", last).Msg("Collector stopped acknowledging")
				return
			}
		}
	}
}

func (c *Connection) sendHeartbeat() error {
	heartbeat := models.HeartbeatMessage{
		AgentID: c.agent.ID,
		Uptime:  int64(c.agent.Uptime().Seconds()),
	}
	if c.buffer != nil {
		heartbeat.BufferSize = c.buffer.Size()
	}
	msg, err := models.NewMessage(models.MessageTypeHeartbeat, heartbeat)
	if err != nil {
		return err
	}
	return c.sendMessage(msg)
}

// Close sends a close frame and tears the session down
func (c *Connection) Close() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
	}

	c.disconnect()
	return nil
}
