package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// catchupLimit bounds one catchup response. Clients that missed more events
// get a catchup.overflow message and should reload over REST.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN may block a subscribing client's
// read loop.
const listenTimeout = 10 * time.Second

// CatchupEvent is one stored event returned by the catchup query.
type CatchupEvent struct {
	ID      int
	Payload map[string]any
}

// CatchupQuerier loads stored events for catchup delivery.
type CatchupQuerier interface {
	CatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error)
}

// ConnGauge observes the live connection count. Satisfied by the Prometheus
// gauge; nil-safe via the manager.
type ConnGauge interface {
	Inc()
	Dec()
}

// ConnectionManager tracks this pod's WebSocket clients and their channel
// subscriptions, and fans broadcast payloads out to subscribers.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	channelMu sync.RWMutex
	channels  map[string]map[string]bool // channel -> connection ids

	catchup CatchupQuerier

	listenerMu sync.RWMutex
	listener   *Listener

	writeTimeout time.Duration
	gauge        ConnGauge
}

// Connection is one WebSocket client.
//
// subscriptions is only touched from the goroutine running HandleConnection,
// so it carries no lock.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a ConnectionManager. gauge may be nil.
func NewConnectionManager(catchup CatchupQuerier, writeTimeout time.Duration, gauge ConnGauge) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		catchup:      catchup,
		writeTimeout: writeTimeout,
		gauge:        gauge,
	}
}

// SetListener wires the NOTIFY listener. Called once during startup.
func (m *ConnectionManager) SetListener(l *Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection runs one client's read loop. Blocks until the connection
// closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            uuid.NewString(),
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

// Broadcast sends a payload to every local subscriber of the channel.
func (m *ConnectionManager) Broadcast(channel string, payload []byte) {
	m.channelMu.RLock()
	ids := make([]string, 0, len(m.channels[channel]))
	for id := range m.channels[channel] {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()
	if len(ids) == 0 {
		return
	}

	// Snapshot pointers, then send without holding any lock so a slow
	// client cannot stall register/unregister.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", c.ID, "error", err)
		}
	}
}

// ActiveConnections returns the number of connected clients.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		if err := m.subscribe(c, msg.Channel); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Deliver all prior events so late subscribers miss nothing.
		m.sendCatchup(ctx, c, msg.Channel, 0)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for catchup"})
			return
		}
		if msg.LastEventID != nil {
			m.sendCatchup(ctx, c, msg.Channel, *msg.LastEventID)
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe registers the connection and, for the channel's first local
// subscriber, issues a synchronous LISTEN so the following catchup runs with
// NOTIFY delivery already active.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.channelMu.Lock()
	first := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		first = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if first {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, cancel := context.WithTimeout(context.Background(), listenTimeout)
			defer cancel()
			if err := l.Listen(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.dropChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// dropChannel removes every subscriber of a channel after a LISTEN failure.
// Subscribers other than the triggering one were confirmed while the channel
// entry existed; they get a subscription.error and must re-subscribe.
func (m *ConnectionManager) dropChannel(triggering *Connection, channel string) {
	m.channelMu.Lock()
	var affected []string
	for id := range m.channels[channel] {
		if id != triggering.ID {
			affected = append(affected, id)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affected))
	for _, id := range affected {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"connection_id", c.ID, "channel", channel)
		m.sendJSON(c, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe removes the connection from a channel; the last subscriber
// triggers UNLISTEN, re-checked against a rapid resubscribe.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unlisten(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

func (m *ConnectionManager) sendCatchup(ctx context.Context, c *Connection, channel string, lastEventID int) {
	if m.catchup == nil {
		return
	}
	stored, err := m.catchup.CatchupEvents(ctx, channel, lastEventID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}
	hasMore := len(stored) > catchupLimit
	if hasMore {
		stored = stored[:catchupLimit]
	}

	// The stored payload lacks db_event_id (it is injected only into the
	// NOTIFY copy), so add it here from the row id.
	for _, evt := range stored {
		evt.Payload["db_event_id"] = evt.ID
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send catchup event", "connection_id", c.ID, "error", err)
			return
		}
	}

	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
	if m.gauge != nil {
		m.gauge.Inc()
	}
}

func (m *ConnectionManager) unregister(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()
	if m.gauge != nil {
		m.gauge.Dec()
	}

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
