package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"marketchat/internal/auth"
	"marketchat/internal/models"
	"marketchat/internal/observability"
	"marketchat/internal/presence"
	"marketchat/internal/repositories"
	"marketchat/internal/telemetry"
)

// Handler upgrades push-channel connections, binds them to the authenticated
// user, and processes client events for the lifetime of the connection.
type Handler struct {
	hub         *Hub
	convRepo    repositories.ConversationRepository
	messageRepo repositories.MessageRepository
	verifier    auth.TokenVerifier
	tracker     *presence.Tracker
	audit       *telemetry.AuditEmitter
}

// NewHandler constructs a websocket Handler.
func NewHandler(hub *Hub, convRepo repositories.ConversationRepository, messageRepo repositories.MessageRepository, verifier auth.TokenVerifier, tracker *presence.Tracker, audit *telemetry.AuditEmitter) *Handler {
	return &Handler{
		hub:         hub,
		convRepo:    convRepo,
		messageRepo: messageRepo,
		verifier:    verifier,
		tracker:     tracker,
		audit:       audit,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades, and registers the connection, then hands
// it to the read loop.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("marketchat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	userID, err := h.verifier.Verify(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	h.hub.Register(conn, info)
	h.tracker.RegisterConnection(ctx, userID, info.ConnID)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.audit.Emit(ctx, "ws_connect", 0, info.RequestID, &userID)

	go h.readLoop(conn, info)
}

func (h *Handler) readLoop(conn *websocket.Conn, info ConnInfo) {
	ctx := context.Background()
	defer func() {
		h.hub.Unregister(conn)
		h.tracker.RemoveConnection(ctx, info.UserID)
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		h.audit.Emit(ctx, "ws_disconnect", 0, info.RequestID, &info.UserID)
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
			}
			return
		}

		var event models.ClientEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			log.Printf("websocket bad client event user=%d: %v", info.UserID, err)
			continue
		}
		h.handleClientEvent(ctx, conn, info, event)
	}
}

// handleClientEvent dispatches a client event. The user identity always
// comes from the connection, never from the payload.
func (h *Handler) handleClientEvent(ctx context.Context, conn *websocket.Conn, info ConnInfo, event models.ClientEvent) {
	observability.IncWSEvent(event.Type)

	switch event.Type {
	case models.EventJoinRoom:
		member, err := h.convRepo.IsParticipant(ctx, event.ConversationID, info.UserID)
		if err != nil || !member {
			log.Printf("join denied conversation=%d user=%d", event.ConversationID, info.UserID)
			return
		}
		h.hub.JoinRoom(event.ConversationID, conn)

	case models.EventLeaveRoom:
		h.hub.LeaveRoom(event.ConversationID, conn)

	case models.EventMarkRead:
		member, err := h.convRepo.IsParticipant(ctx, event.ConversationID, info.UserID)
		if err != nil || !member {
			return
		}
		changed, err := h.messageRepo.MarkAllRead(ctx, event.ConversationID, info.UserID)
		if err != nil {
			log.Printf("mark read failed conversation=%d user=%d: %v", event.ConversationID, info.UserID, err)
			return
		}
		if changed {
			h.hub.BroadcastMessagesRead(ctx, event.ConversationID, info.UserID)
		}

	case models.EventHeartbeat:
		h.tracker.Heartbeat(ctx, info.UserID)

	default:
		log.Printf("websocket unknown client event type=%q user=%d", event.Type, info.UserID)
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		const prefix = "Bearer "
		if len(header) > len(prefix) && header[:len(prefix)] == prefix {
			return header[len(prefix):]
		}
		return ""
	}
	return c.Query("token")
}
