package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/copyleftdev/mercury/internal/chat"
	"github.com/google/uuid"
)

const (
	httpTransportID   = "http"
	httpMaxMessageLen = 8000
	outboxCapacity    = 200
)

var ErrTransportStopped = errors.New("http transport is not running")

// OutboxMessage is a reply waiting to be polled by an HTTP client.
type OutboxMessage struct {
	Seq    uint64    `json:"seq"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// HTTPTransport is a chat transport whose inbound side is the commands
// endpoint and whose outbound side is a per-channel outbox clients poll.
type HTTPTransport struct {
	mu      sync.Mutex
	handler chat.Handler
	outbox  map[string][]OutboxMessage
	seq     uint64
	now     func() time.Time
}

func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		outbox: make(map[string][]OutboxMessage),
		now:    time.Now,
	}
}

func (t *HTTPTransport) ID() string {
	return httpTransportID
}

func (t *HTTPTransport) MaxMessageLen() int {
	return httpMaxMessageLen
}

func (t *HTTPTransport) Start(ctx context.Context, handler chat.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	return nil
}

func (t *HTTPTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = nil
	return nil
}

// Send appends text to the channel's outbox, dropping the oldest message
// once the outbox is full.
func (t *HTTPTransport) Send(ctx context.Context, channelID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	box := append(t.outbox[channelID], OutboxMessage{Seq: t.seq, Text: text, SentAt: t.now()})
	if len(box) > outboxCapacity {
		box = box[len(box)-outboxCapacity:]
	}
	t.outbox[channelID] = box
	return nil
}

// Submit feeds an inbound command to the registered handler and returns the
// message ID assigned to it.
func (t *HTTPTransport) Submit(channelID, requesterID, requesterName, text string) (string, error) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		return "", ErrTransportStopped
	}

	id := uuid.NewString()
	handler(chat.Event{
		Transport:     httpTransportID,
		ChannelID:     channelID,
		RequesterID:   requesterID,
		RequesterName: requesterName,
		MessageID:     id,
		Text:          text,
		ReceivedAt:    t.now(),
	})
	return id, nil
}

// Messages returns the channel's outbox entries with Seq greater than after.
func (t *HTTPTransport) Messages(channelID string, after uint64) []OutboxMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := []OutboxMessage{}
	for _, m := range t.outbox[channelID] {
		if m.Seq > after {
			out = append(out, m)
		}
	}
	return out
}
