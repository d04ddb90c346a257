package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketchat/internal/models"
)

// ErrUnknownConversation is returned when an operation targets a
// conversation the local cache has never seen.
var ErrUnknownConversation = errors.New("conversation not in local cache")

// Commands is the outbound command set the controller issues to the push
// channel transport. Sends are fire-and-forget.
type Commands interface {
	JoinRoom(conversationID int)
	LeaveRoom(conversationID int)
	MarkRead(conversationID int)
	Heartbeat()
}

// Controller owns the client-side conversation cache and keeps it consistent
// across REST snapshot fetches, optimistic local sends, and push events. It
// is the single authority over the cache; every mutation funnels through its
// mutex, so REST responses and push events may interleave arbitrarily.
type Controller struct {
	selfID   int
	api      API
	commands Commands

	mu            sync.Mutex
	conversations []*Conversation
	activeID      int
}

// NewController constructs a Controller for the authenticated user.
func NewController(selfID int, api API, commands Commands) *Controller {
	return &Controller{
		selfID:   selfID,
		api:      api,
		commands: commands,
	}
}

// Bootstrap seeds the cache from REST and joins every room the user
// participates in.
func (c *Controller) Bootstrap(ctx context.Context) error {
	fetched, err := c.api.FetchConversations(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations = c.conversations[:0]
	for i := range fetched {
		conv := fetched[i]
		c.conversations = append(c.conversations, &conv)
	}
	c.resubscribeLocked()
	return nil
}

// Run consumes the typed inbound event stream until the context ends or the
// channel closes. This is the reconciliation loop; the transport feeds it.
func (c *Controller) Run(ctx context.Context, events <-chan models.ServerEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent applies one push event to the cache.
func (c *Controller) HandleEvent(ctx context.Context, ev models.ServerEvent) {
	switch ev.Type {
	case models.EventNewMessage:
		c.handleIncomingMessage(ctx, ev)
	case models.EventMessagesRead:
		c.handleMessagesRead(ev)
	case models.EventUserStatus:
		c.handleUserStatus(ev)
	default:
		log.Printf("session: unknown push event type=%q", ev.Type)
	}
}

// handleIncomingMessage merges a pushed message into the cache. Own echoes
// are discarded: the optimistic local copy is authoritative until the send's
// REST response replaces it.
func (c *Controller) handleIncomingMessage(ctx context.Context, ev models.ServerEvent) {
	if ev.Message == nil {
		return
	}
	msg := *ev.Message
	if msg.SenderID == c.selfID {
		return
	}
	conversationID := ev.ConversationID
	if conversationID == 0 {
		conversationID = msg.ConversationID
	}

	c.mu.Lock()
	if idx := c.indexOfLocked(conversationID); idx != -1 {
		c.appendIncomingLocked(idx, msg)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// New conversation the client has not fetched yet. The fetch runs
	// without the lock so other cache operations keep flowing during the
	// round trip.
	fetched, err := c.api.FetchConversation(ctx, conversationID)
	if err != nil {
		log.Printf("session: fetch conversation %d failed: %v", conversationID, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if idx := c.indexOfLocked(conversationID); idx != -1 {
		// Inserted while the fetch was in flight.
		c.appendIncomingLocked(idx, msg)
		return
	}

	conv := fetched
	conv.historyLoaded = true
	if !conv.hasMessage(msg.ID) {
		conv.Messages = append(conv.Messages, Message{Message: msg})
		if conversationID != c.activeID {
			conv.UnreadCount++
		}
	}
	if n := len(conv.Messages); n > 0 {
		conv.setLast(&conv.Messages[n-1])
	}
	if conversationID == c.activeID {
		c.markReadLocked(&conv)
	}
	c.conversations = append([]*Conversation{&conv}, c.conversations...)
	c.commands.JoinRoom(conversationID)
}

// appendIncomingLocked applies a pushed message to a cached conversation:
// dedupe by server id, append, then either mark read (active conversation)
// or grow the unread count.
func (c *Controller) appendIncomingLocked(idx int, msg models.Message) {
	conv := c.conversations[idx]
	if conv.hasMessage(msg.ID) {
		return
	}

	conv.Messages = append(conv.Messages, Message{Message: msg})
	conv.setLast(&conv.Messages[len(conv.Messages)-1])

	if conv.ID == c.activeID {
		c.markReadLocked(conv)
	} else {
		conv.UnreadCount++
	}
	c.moveToFrontLocked(idx)
}

// handleMessagesRead grows read_by on every message the reader had not yet
// acknowledged. The set never shrinks.
func (c *Controller) handleMessagesRead(ev models.ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOfLocked(ev.ConversationID)
	if idx == -1 {
		return
	}
	conv := c.conversations[idx]
	for i := range conv.Messages {
		if !conv.Messages[i].ReadByUser(ev.UserID) {
			conv.Messages[i].ReadBy = append(conv.Messages[i].ReadBy, int64(ev.UserID))
		}
	}
}

// handleUserStatus updates presence for the user across all cached
// conversations.
func (c *Controller) handleUserStatus(ev models.ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, conv := range c.conversations {
		for i := range conv.Participants {
			if conv.Participants[i].ID == ev.UserID {
				conv.Participants[i].IsOnline = ev.IsOnline
				if ev.LastSeen != nil {
					conv.Participants[i].LastSeen = *ev.LastSeen
				}
			}
		}
	}
}

// Send performs an optimistic send: insert a provisional message
// immediately, replace it with the server-confirmed one on success, remove
// it entirely on failure.
func (c *Controller) Send(ctx context.Context, conversationID int, content string) error {
	localID := uuid.NewString()
	now := time.Now()
	temp := Message{
		Message: models.Message{
			ConversationID: conversationID,
			SenderID:       c.selfID,
			Content:        content,
			ReadBy:         []int64{int64(c.selfID)},
			CreatedAt:      now,
		},
		LocalID: localID,
	}

	c.mu.Lock()
	idx := c.indexOfLocked(conversationID)
	if idx == -1 {
		c.mu.Unlock()
		return ErrUnknownConversation
	}
	conv := c.conversations[idx]
	conv.Messages = append(conv.Messages, temp)
	conv.setLast(&conv.Messages[len(conv.Messages)-1])
	conv.UnreadCount = 0
	c.moveToFrontLocked(idx)
	c.mu.Unlock()

	confirmed, err := c.api.SendMessage(ctx, conversationID, content)

	c.mu.Lock()
	defer c.mu.Unlock()
	idx = c.indexOfLocked(conversationID)
	if idx == -1 {
		return err
	}
	conv = c.conversations[idx]

	if err != nil {
		c.removeLocalLocked(conv, localID)
		log.Printf("session: send failed conversation=%d: %v", conversationID, err)
		return err
	}

	replaced := false
	for i := range conv.Messages {
		if conv.Messages[i].LocalID == localID {
			conv.Messages[i] = Message{Message: confirmed}
			replaced = true
			break
		}
	}
	if !replaced && !conv.hasMessage(confirmed.ID) {
		conv.Messages = append(conv.Messages, Message{Message: confirmed})
	}
	if n := len(conv.Messages); n > 0 {
		conv.setLast(&conv.Messages[n-1])
	}
	return nil
}

// StartConversation finds or creates the conversation with the participant,
// prepends it to the cache, and makes it active.
func (c *Controller) StartConversation(ctx context.Context, participantID int) (*Conversation, error) {
	c.mu.Lock()
	for _, conv := range c.conversations {
		for _, p := range conv.Participants {
			if p.ID == participantID {
				id := conv.ID
				c.mu.Unlock()
				c.SetActive(ctx, id)
				return conv, nil
			}
		}
	}
	c.mu.Unlock()

	created, err := c.api.StartConversation(ctx, participantID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	conv := created
	// The create endpoint returns the full conversation, log included.
	conv.historyLoaded = true
	if existing := c.indexOfLocked(conv.ID); existing != -1 {
		conv = *c.conversations[existing]
		c.mu.Unlock()
		c.SetActive(ctx, conv.ID)
		return &conv, nil
	}
	c.conversations = append([]*Conversation{&conv}, c.conversations...)
	c.mu.Unlock()

	c.SetActive(ctx, conv.ID)
	return &conv, nil
}

// SetActive switches the actively viewed conversation: leaves the previous
// room, joins the new one, loads the message log on first activation, and
// marks it read.
func (c *Controller) SetActive(ctx context.Context, conversationID int) {
	c.mu.Lock()
	previous := c.activeID
	c.activeID = conversationID
	if previous != 0 && previous != conversationID {
		c.commands.LeaveRoom(previous)
	}
	if conversationID == 0 {
		c.mu.Unlock()
		return
	}

	idx := c.indexOfLocked(conversationID)
	if idx == -1 {
		c.mu.Unlock()
		log.Printf("session: conversation %d not in cache, not joining room", conversationID)
		return
	}
	c.commands.JoinRoom(conversationID)
	needsHistory := !c.conversations[idx].historyLoaded
	c.mu.Unlock()

	if needsHistory {
		// Bootstrap seeds summaries without message logs; the first
		// activation hydrates the log. A failed fetch keeps the cached
		// state untouched.
		fetched, err := c.api.FetchConversation(ctx, conversationID)
		if err != nil {
			log.Printf("session: fetch history conversation=%d failed: %v", conversationID, err)
		} else {
			c.mergeHistory(conversationID, fetched)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if idx := c.indexOfLocked(conversationID); idx != -1 {
		c.markReadLocked(c.conversations[idx])
	}
}

// mergeHistory folds a fetched snapshot into the cached conversation, deduped
// by server id. Messages that arrived over the push channel while the fetch
// was in flight, and unconfirmed optimistic sends, are kept after the
// snapshot in their original order.
func (c *Controller) mergeHistory(conversationID int, fetched Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOfLocked(conversationID)
	if idx == -1 {
		return
	}
	conv := c.conversations[idx]

	merged := make([]Message, 0, len(fetched.Messages)+len(conv.Messages))
	merged = append(merged, fetched.Messages...)
	for _, m := range conv.Messages {
		if m.Pending() || !fetched.hasMessage(m.ID) {
			merged = append(merged, m)
		}
	}
	conv.Messages = merged
	conv.historyLoaded = true
	if len(conv.Participants) == 0 {
		conv.Participants = fetched.Participants
	}
	if n := len(conv.Messages); n > 0 {
		conv.setLast(&conv.Messages[n-1])
	}
}

// Delete removes the conversation remotely and from the cache.
func (c *Controller) Delete(ctx context.Context, conversationID int) error {
	if err := c.api.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indexOfLocked(conversationID)
	if idx != -1 {
		c.conversations = append(c.conversations[:idx], c.conversations[idx+1:]...)
	}
	if c.activeID == conversationID {
		c.activeID = 0
	}
	return nil
}

// Resubscribe re-joins every cached conversation room plus the active one.
// Called after the push channel reconnects so event delivery resumes.
func (c *Controller) Resubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resubscribeLocked()
}

// Conversations returns a snapshot of the cache in recency order.
func (c *Controller) Conversations() []Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		out = append(out, *conv)
	}
	return out
}

// TotalUnread sums unread counts across all conversations, for badge
// rendering.
func (c *Controller) TotalUnread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, conv := range c.conversations {
		total += conv.UnreadCount
	}
	return total
}

func (c *Controller) resubscribeLocked() {
	for _, conv := range c.conversations {
		c.commands.JoinRoom(conv.ID)
	}
	if c.activeID != 0 {
		c.commands.JoinRoom(c.activeID)
	}
}

// markReadLocked clears the local unread state and emits a single read
// receipt over the push channel. The server persists the receipt and
// broadcasts messagesRead only when anything actually changed.
func (c *Controller) markReadLocked(conv *Conversation) {
	for i := range conv.Messages {
		if !conv.Messages[i].ReadByUser(c.selfID) {
			conv.Messages[i].ReadBy = append(conv.Messages[i].ReadBy, int64(c.selfID))
		}
	}
	conv.UnreadCount = 0
	c.commands.MarkRead(conv.ID)
}

func (c *Controller) removeLocalLocked(conv *Conversation, localID string) {
	filtered := conv.Messages[:0]
	for _, m := range conv.Messages {
		if m.LocalID != localID {
			filtered = append(filtered, m)
		}
	}
	conv.Messages = filtered
	if n := len(conv.Messages); n > 0 {
		conv.setLast(&conv.Messages[n-1])
	} else {
		conv.LastMessage = nil
	}
}

func (c *Controller) indexOfLocked(conversationID int) int {
	for i, conv := range c.conversations {
		if conv.ID == conversationID {
			return i
		}
	}
	return -1
}

func (c *Controller) moveToFrontLocked(idx int) {
	if idx <= 0 {
		return
	}
	conv := c.conversations[idx]
	copy(c.conversations[1:idx+1], c.conversations[:idx])
	c.conversations[0] = conv
}
