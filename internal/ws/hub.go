package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketchat/internal/backplane"
	"marketchat/internal/models"
	"marketchat/internal/observability"
)

// Hub maintains the connections held by this instance: conversation rooms,
// per-user private channels, and the full connection set for status
// broadcasts. All outbound broadcasts go through the backplane bus; local
// delivery happens from the bus subscription, so an event published on any
// instance reaches clients on every instance through the same path.
type Hub struct {
	bus backplane.Bus

	mu        sync.RWMutex
	conns     map[*websocket.Conn]ConnInfo
	rooms     map[int]map[*websocket.Conn]bool
	userChans map[int]map[*websocket.Conn]bool

	// gorilla allows at most one concurrent writer per connection; these
	// locks serialize broadcasts arriving from concurrent publishers.
	writeLocks map[*websocket.Conn]*sync.Mutex
}

// NewHub creates a hub and starts consuming the bus.
func NewHub(bus backplane.Bus) *Hub {
	h := &Hub{
		bus:        bus,
		conns:      make(map[*websocket.Conn]ConnInfo),
		rooms:      make(map[int]map[*websocket.Conn]bool),
		userChans:  make(map[int]map[*websocket.Conn]bool),
		writeLocks: make(map[*websocket.Conn]*sync.Mutex),
	}
	bus.Start(h.deliverLocal)
	return h
}

// Register adds an authenticated connection. The user's private channel
// membership is implicit; rooms are joined explicitly.
func (h *Hub) Register(conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = info
	h.writeLocks[conn] = &sync.Mutex{}
	if _, ok := h.userChans[info.UserID]; !ok {
		h.userChans[info.UserID] = make(map[*websocket.Conn]bool)
	}
	h.userChans[info.UserID][conn] = true
}

// Unregister removes a connection from the registry, its private channel,
// and every room it joined.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.conns[conn]
	if !ok {
		return
	}
	delete(h.conns, conn)
	delete(h.writeLocks, conn)

	if chans, ok := h.userChans[info.UserID]; ok {
		delete(chans, conn)
		if len(chans) == 0 {
			delete(h.userChans, info.UserID)
		}
	}
	for roomID, conns := range h.rooms {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// JoinRoom subscribes a connection to a conversation room.
func (h *Hub) JoinRoom(conversationID int, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*websocket.Conn]bool)
	}
	h.rooms[conversationID][conn] = true
}

// LeaveRoom unsubscribes a connection from a conversation room.
func (h *Hub) LeaveRoom(conversationID int, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[conversationID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// BroadcastNewMessage publishes a message to its conversation room and to
// each listed recipient's private channel, so clients not viewing the
// conversation still receive badge updates.
func (h *Hub) BroadcastNewMessage(ctx context.Context, msg models.Message, recipients []int) {
	event := models.ServerEvent{
		Type:           models.EventNewMessage,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	}
	h.publish(ctx, backplane.Envelope{
		Scope:          backplane.ScopeRoom,
		ConversationID: msg.ConversationID,
		Event:          event,
	})
	for _, userID := range recipients {
		h.publish(ctx, backplane.Envelope{
			Scope:  backplane.ScopeUser,
			UserID: userID,
			Event:  event,
		})
	}
}

// BroadcastMessagesRead publishes a read receipt to the conversation room.
func (h *Hub) BroadcastMessagesRead(ctx context.Context, conversationID int, userID int) {
	h.publish(ctx, backplane.Envelope{
		Scope:          backplane.ScopeRoom,
		ConversationID: conversationID,
		Event: models.ServerEvent{
			Type:           models.EventMessagesRead,
			ConversationID: conversationID,
			UserID:         userID,
		},
	})
}

// BroadcastUserStatus publishes a presence change to all connected clients,
// excluding the originating connection.
func (h *Hub) BroadcastUserStatus(ctx context.Context, userID int, online bool, lastSeen time.Time, excludeConnID string) {
	seen := lastSeen
	h.publish(ctx, backplane.Envelope{
		Scope:         backplane.ScopeAll,
		ExcludeConnID: excludeConnID,
		Event: models.ServerEvent{
			Type:     models.EventUserStatus,
			UserID:   userID,
			IsOnline: online,
			LastSeen: &seen,
		},
	})
}

func (h *Hub) publish(ctx context.Context, env backplane.Envelope) {
	if err := h.bus.Publish(ctx, env); err != nil {
		log.Printf("hub publish failed scope=%s: %v", env.Scope, err)
	}
}

// deliverLocal writes an envelope to the matching local connections. Called
// from the bus subscription on every instance.
func (h *Hub) deliverLocal(env backplane.Envelope) {
	type target struct {
		conn *websocket.Conn
		lock *sync.Mutex
	}

	h.mu.RLock()
	var targets []target
	add := func(conn *websocket.Conn) {
		// Connections joined to a room but never registered carry no
		// write lock and are skipped.
		if lock, ok := h.writeLocks[conn]; ok {
			targets = append(targets, target{conn: conn, lock: lock})
		}
	}
	switch env.Scope {
	case backplane.ScopeRoom:
		for conn := range h.rooms[env.ConversationID] {
			add(conn)
		}
	case backplane.ScopeUser:
		for conn := range h.userChans[env.UserID] {
			add(conn)
		}
	case backplane.ScopeAll:
		for conn, info := range h.conns {
			if env.ExcludeConnID != "" && info.ConnID == env.ExcludeConnID {
				continue
			}
			add(conn)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(env.Event)
	if err != nil {
		log.Printf("hub encode failed: %v", err)
		return
	}

	for _, t := range targets {
		t.lock.Lock()
		err := t.conn.WriteMessage(websocket.TextMessage, payload)
		t.lock.Unlock()
		if err != nil {
			log.Printf("websocket write error: %v", err)
			t.conn.Close()
			h.Unregister(t.conn)
			observability.IncWSEvent("ws_error")
		}
	}
}
