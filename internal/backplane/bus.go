package backplane

import (
	"context"

	"marketchat/internal/models"
)

// Delivery scopes for broadcast envelopes.
const (
	ScopeRoom = "room"
	ScopeUser = "user"
	ScopeAll  = "all"
)

// Envelope wraps a server event with its delivery scope. ExcludeConnID lets
// presence broadcasts skip the originating connection; it only ever matches
// on the instance that holds that connection.
type Envelope struct {
	Scope          string             `json:"scope"`
	ConversationID int                `json:"conversation_id,omitempty"`
	UserID         int                `json:"user_id,omitempty"`
	ExcludeConnID  string             `json:"exclude_conn_id,omitempty"`
	Event          models.ServerEvent `json:"event"`
}

// Handler delivers an envelope to connections held by this instance.
type Handler func(Envelope)

// Bus fans broadcast envelopes out to every instance. Each instance,
// including the publisher, delivers from its own subscription so there is a
// single delivery path regardless of deployment size.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Start(handler Handler)
	Close() error
}

// LocalBus loops envelopes back synchronously. Correct for single-instance
// deployments only.
type LocalBus struct {
	handler Handler
}

// NewLocalBus constructs a LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Start(handler Handler) {
	b.handler = handler
}

func (b *LocalBus) Publish(_ context.Context, env Envelope) error {
	if b.handler != nil {
		b.handler(env)
	}
	return nil
}

func (b *LocalBus) Close() error { return nil }
