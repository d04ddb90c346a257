package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"marketchat/internal/models"
)

// API is the REST surface the session controller reconciles against. Read
// receipts are not part of it: the controller acknowledges reads over the
// push channel only, so the server persists each receipt exactly once.
type API interface {
	FetchConversations(ctx context.Context) ([]Conversation, error)
	FetchConversation(ctx context.Context, conversationID int) (Conversation, error)
	StartConversation(ctx context.Context, participantID int) (Conversation, error)
	SendMessage(ctx context.Context, conversationID int, content string) (models.Message, error)
	DeleteConversation(ctx context.Context, conversationID int) error
}

// Client is the HTTP implementation of API, authenticated with the same
// bearer token used for the push channel.
type Client struct {
	http *resty.Client
}

// NewClient constructs a Client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetAuthToken(token).
			SetTimeout(15 * time.Second),
	}
}

type wireConversation struct {
	ID           int              `json:"id"`
	Participants []int            `json:"participants"`
	CreatedAt    time.Time        `json:"created_at"`
	UnreadCount  int              `json:"unread_count"`
	LastActivity time.Time        `json:"last_activity"`
	LastMessage  *models.Message  `json:"last_message"`
	Messages     []models.Message `json:"messages"`
}

func (w wireConversation) toCache() Conversation {
	conv := Conversation{
		ID:           w.ID,
		UnreadCount:  w.UnreadCount,
		LastActivity: w.LastActivity,
	}
	if conv.LastActivity.IsZero() {
		conv.LastActivity = w.CreatedAt
	}
	for _, id := range w.Participants {
		conv.Participants = append(conv.Participants, Participant{ID: id})
	}
	for _, m := range w.Messages {
		conv.Messages = append(conv.Messages, Message{Message: m})
	}
	if w.LastMessage != nil {
		conv.LastMessage = &Message{Message: *w.LastMessage}
	} else if n := len(conv.Messages); n > 0 {
		conv.setLast(&conv.Messages[n-1])
	}
	return conv
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) FetchConversations(ctx context.Context) ([]Conversation, error) {
	var result struct {
		Conversations []wireConversation `json:"conversations"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&apiError{}).
		Get("/chat/conversations")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}

	conversations := make([]Conversation, 0, len(result.Conversations))
	for _, w := range result.Conversations {
		conversations = append(conversations, w.toCache())
	}
	return conversations, nil
}

func (c *Client) FetchConversation(ctx context.Context, conversationID int) (Conversation, error) {
	var w wireConversation
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&w).
		SetError(&apiError{}).
		Get(fmt.Sprintf("/chat/conversations/%d", conversationID))
	if err := checkResponse(resp, err); err != nil {
		return Conversation{}, err
	}
	return w.toCache(), nil
}

func (c *Client) StartConversation(ctx context.Context, participantID int) (Conversation, error) {
	var w wireConversation
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]int{"participant_id": participantID}).
		SetResult(&w).
		SetError(&apiError{}).
		Post("/chat/conversations")
	if err := checkResponse(resp, err); err != nil {
		return Conversation{}, err
	}
	return w.toCache(), nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID int, content string) (models.Message, error) {
	var msg models.Message
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"content": content}).
		SetResult(&msg).
		SetError(&apiError{}).
		Post(fmt.Sprintf("/chat/conversations/%d/messages", conversationID))
	if err := checkResponse(resp, err); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID int) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&apiError{}).
		Post(fmt.Sprintf("/chat/conversations/%d/mark-read", conversationID))
	return checkResponse(resp, err)
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID int) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&apiError{}).
		Delete(fmt.Sprintf("/chat/conversations/%d", conversationID))
	return checkResponse(resp, err)
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		if apiErr, ok := resp.Error().(*apiError); ok && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", resp.Request.Method, resp.Request.URL, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", resp.Request.Method, resp.Request.URL, resp.StatusCode())
	}
	return nil
}
