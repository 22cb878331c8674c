package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/afroash/mijia-monitor/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	subscriberSize = 16
)

// LiveFeed pushes every new snapshot to connected dashboards over WebSocket
type LiveFeed struct {
	upgrader       websocket.Upgrader
	authToken      string
	allowedOrigins []string
	logger         zerolog.Logger

	mutex       sync.RWMutex
	subscribers map[string]*subscriber
}

// SubscriberInfo describes one connected dashboard
type SubscriberInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

type subscriber struct {
	SubscriberInfo

	conn *websocket.Conn
	send chan *models.Message
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// NewLiveFeed creates a feed. An empty authToken disables authentication.
func NewLiveFeed(authToken string, logger zerolog.Logger, allowedOrigins ...string) *LiveFeed {
	f := &LiveFeed{
		authToken:      authToken,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		subscribers:    make(map[string]*subscriber),
	}

	f.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     f.checkOrigin,
	}

	return f
}

// checkOrigin accepts same-origin requests and origins on the allowlist
func (f *LiveFeed) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range f.allowedOrigins {
		if origin == allowed {
			return true
		}
	}

	f.logger.Warn().Str("origin", origin).Msg("Rejected WebSocket connection: origin not in allowlist")
	return false
}

// validateToken accepts "Authorization: Bearer <token>" or, for browsers,
// a token query parameter
func (f *LiveFeed) validateToken(r *http.Request) bool {
	if f.authToken == "" {
		return true
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ") == f.authToken
	}
	return r.URL.Query().Get("token") == f.authToken
}

// ServeHTTP upgrades a dashboard connection and streams snapshots to it
func (f *LiveFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !f.validateToken(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	sub := &subscriber{
		SubscriberInfo: SubscriberInfo{
			ID:          uuid.NewString(),
			RemoteAddr:  conn.RemoteAddr().String(),
			ConnectedAt: time.Now(),
		},
		conn: conn,
		send: make(chan *models.Message, subscriberSize),
		done: make(chan struct{}),
	}

	f.mutex.Lock()
	f.subscribers[sub.ID] = sub
	f.mutex.Unlock()
	f.logger.Info().Str("subscriber", sub.ID).Str("remote", sub.RemoteAddr).Msg("Dashboard connected")

	go f.writePump(sub)
	f.readPump(sub)
}

// readPump discards client messages and notices when the peer goes away
func (f *LiveFeed) readPump(sub *subscriber) {
	defer f.remove(sub)

	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Warn().Err(err).Str("subscriber", sub.ID).Msg("WebSocket error")
			}
			return
		}
	}
}

func (f *LiveFeed) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case <-sub.done:
			sub.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteJSON(msg); err != nil {
				f.logger.Warn().Err(err).Str("subscriber", sub.ID).Msg("Failed to push snapshot")
				f.remove(sub)
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.remove(sub)
				return
			}
		}
	}
}

func (f *LiveFeed) remove(sub *subscriber) {
	f.mutex.Lock()
	_, ok := f.subscribers[sub.ID]
	delete(f.subscribers, sub.ID)
	f.mutex.Unlock()

	sub.close()
	if ok {
		f.logger.Info().Str("subscriber", sub.ID).Msg("Dashboard disconnected")
	}
}

// Broadcast queues snap for every subscriber. Subscribers whose queue is
// full are disconnected rather than allowed to stall the poller.
func (f *LiveFeed) Broadcast(snap *models.Snapshot) int {
	msg, err := models.NewMessage(models.MessageTypeSnapshot, snap)
	if err != nil {
		f.logger.Error().Err(err).Msg("Failed to create snapshot message")
		return 0
	}

	f.mutex.RLock()
	subs := make([]*subscriber, 0, len(f.subscribers))
	for _, sub := range f.subscribers {
		subs = append(subs, sub)
	}
	f.mutex.RUnlock()

	delivered := 0
	for _, sub := range subs {
		select {
		case sub.send <- msg:
			delivered++
		default:
			f.logger.Warn().Str("subscriber", sub.ID).Msg("Subscriber too slow, disconnecting")
			f.remove(sub)
		}
	}
	return delivered
}

// Subscribers returns the currently connected dashboards
func (f *LiveFeed) Subscribers() []SubscriberInfo {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	subs := make([]SubscriberInfo, 0, len(f.subscribers))
	for _, sub := range f.subscribers {
		subs = append(subs, sub.SubscriberInfo)
	}
	return subs
}

// Close disconnects every subscriber
func (f *LiveFeed) Close() {
	f.mutex.RLock()
	subs := make([]*subscriber, 0, len(f.subscribers))
	for _, sub := range f.subscribers {
		subs = append(subs, sub)
	}
	f.mutex.RUnlock()

	for _, sub := range subs {
		f.remove(sub)
	}
}
