package session

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketchat/internal/models"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectRetries  = 5
	defaultReconnectBackoff  = 2 * time.Second
)

// Transport maintains the push channel connection: it decodes server events
// into a typed stream, writes client commands, sends periodic heartbeats,
// and reconnects with a bounded retry count and fixed backoff. It implements
// Commands for the session controller.
type Transport struct {
	endpoint  string
	token     string
	heartbeat time.Duration
	retries   int
	backoff   time.Duration

	// OnReconnect runs after a successful reconnect, before events resume.
	// The session controller hooks its room resubscription here.
	OnReconnect func()

	mu     sync.Mutex
	conn   *websocket.Conn
	events chan models.ServerEvent
	done   chan struct{}
	once   sync.Once

	// writeMu serializes frame writes: the heartbeat ticker and controller
	// commands run on different goroutines, and gorilla allows at most one
	// concurrent writer per connection.
	writeMu sync.Mutex
}

// NewTransport constructs a Transport for the given websocket endpoint,
// authenticated with the same bearer token used for REST.
func NewTransport(endpoint, token string) *Transport {
	return &Transport{
		endpoint:  endpoint,
		token:     token,
		heartbeat: defaultHeartbeatInterval,
		retries:   defaultReconnectRetries,
		backoff:   defaultReconnectBackoff,
		events:    make(chan models.ServerEvent, 64),
		done:      make(chan struct{}),
	}
}

// Connect dials the push channel and starts the read and heartbeat loops.
func (t *Transport) Connect(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop()
	go t.heartbeatLoop()
	return nil
}

// Events exposes the typed inbound event stream. The channel closes when
// reconnection is exhausted or the transport is closed.
func (t *Transport) Events() <-chan models.ServerEvent {
	return t.events
}

// Close shuts the transport down.
func (t *Transport) Close() error {
	t.once.Do(func() { close(t.done) })
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// JoinRoom subscribes to a conversation room.
func (t *Transport) JoinRoom(conversationID int) {
	t.send(models.ClientEvent{Type: models.EventJoinRoom, ConversationID: conversationID})
}

// LeaveRoom unsubscribes from a conversation room.
func (t *Transport) LeaveRoom(conversationID int) {
	t.send(models.ClientEvent{Type: models.EventLeaveRoom, ConversationID: conversationID})
}

// MarkRead emits a read receipt over the push channel.
func (t *Transport) MarkRead(conversationID int) {
	t.send(models.ClientEvent{Type: models.EventMarkRead, ConversationID: conversationID})
}

// Heartbeat refreshes presence.
func (t *Transport) Heartbeat() {
	t.send(models.ClientEvent{Type: models.EventHeartbeat})
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", t.token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

// send writes a client command. Fire-and-forget: failures are logged and the
// read loop handles the broken connection.
func (t *Transport) send(event models.ClientEvent) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		log.Printf("transport: dropping %s, not connected", event.Type)
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("transport: encode %s failed: %v", event.Type, err)
		return
	}

	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	t.writeMu.Unlock()
	if err != nil {
		log.Printf("transport: write %s failed: %v", event.Type, err)
	}
}

func (t *Transport) readLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if !t.reconnect() {
				close(t.events)
				return
			}
			continue
		}

		var event models.ServerEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			log.Printf("transport: bad server event: %v", err)
			continue
		}

		select {
		case t.events <- event:
		case <-t.done:
			return
		}
	}
}

// reconnect retries the dial a bounded number of times with a fixed backoff.
// Returns false when retries are exhausted.
func (t *Transport) reconnect() bool {
	for attempt := 1; attempt <= t.retries; attempt++ {
		select {
		case <-t.done:
			return false
		case <-time.After(t.backoff):
		}

		conn, err := t.dial(context.Background())
		if err != nil {
			log.Printf("transport: reconnect attempt %d/%d failed: %v", attempt, t.retries, err)
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		log.Printf("transport: reconnected after %d attempt(s)", attempt)
		if t.OnReconnect != nil {
			t.OnReconnect()
		}
		return true
	}
	log.Printf("transport: giving up after %d reconnect attempts", t.retries)
	return false
}

func (t *Transport) heartbeatLoop() {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.Heartbeat()
		}
	}
}
