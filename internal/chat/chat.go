package chat

import (
	"context"
	"time"

	"github.com/copyleftdev/mercury/internal/taskstypes"
)

// Event is one inbound chat message.
type Event struct {
	Transport     string    `json:"transport"`
	ChannelID     string    `json:"channel_id"`
	RequesterID   string    `json:"requester_id"`
	RequesterName string    `json:"requester_name,omitempty"`
	MessageID     string    `json:"message_id,omitempty"`
	Text          string    `json:"text"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Origin is where a reply to this event goes.
func (e Event) Origin() taskstypes.Origin {
	return taskstypes.Origin{
		Transport:   e.Transport,
		ChannelID:   e.ChannelID,
		RequesterID: e.RequesterID,
		MessageID:   e.MessageID,
	}
}

// Handler receives inbound events. Transports call it from their own event
// goroutine, so it must not block.
type Handler func(ev Event)

// Transport is a chat platform connection. Connection handshakes,
// reconnection and rate limiting are the transport's own business.
type Transport interface {
	ID() string
	// Start connects and begins delivering events to handler.
	Start(ctx context.Context, handler Handler) error
	Send(ctx context.Context, channelID, text string) error
	// MaxMessageLen is the longest message the platform accepts, in runes.
	MaxMessageLen() int
	Stop() error
}
