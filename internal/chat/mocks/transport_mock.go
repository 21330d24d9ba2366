package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/copyleftdev/mercury/internal/chat"
)

// Message is one message sent through the mock transport.
type Message struct {
	ChannelID string
	Text      string
}

// MockTransport implements chat.Transport for testing. It records sent
// messages and lets tests inject inbound events.
type MockTransport struct {
	mu       sync.Mutex
	id       string
	maxLen   int
	handler  chat.Handler
	sent     []Message
	attempts int
	failNext int
	started  bool
	stopped  bool
	startErr error
	sentCond chan struct{}
}

func NewMockTransport(id string) *MockTransport {
	return &MockTransport{id: id, maxLen: 2000, sentCond: make(chan struct{}, 1)}
}

func (m *MockTransport) ID() string {
	return m.id
}

func (m *MockTransport) MaxMessageLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxLen
}

// SetMaxMessageLen changes the reported platform limit.
func (m *MockTransport) SetMaxMessageLen(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxLen = n
}

// SetStartError makes Start fail with err.
func (m *MockTransport) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// FailNextSends makes the next n Send calls fail.
func (m *MockTransport) FailNextSends(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *MockTransport) Start(ctx context.Context, handler chat.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.handler = handler
	m.started = true
	return nil
}

func (m *MockTransport) Send(ctx context.Context, channelID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failNext > 0 {
		m.failNext--
		return errors.New("mock send failure")
	}
	m.sent = append(m.sent, Message{ChannelID: channelID, Text: text})
	select {
	case m.sentCond <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockTransport) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

// Inject delivers an inbound event to the registered handler. It returns
// false when the transport has not been started.
func (m *MockTransport) Inject(ev chat.Event) bool {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler == nil {
		return false
	}
	if ev.Transport == "" {
		ev.Transport = m.id
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	handler(ev)
	return true
}

// Sent returns a copy of every delivered message.
func (m *MockTransport) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// SendAttempts counts Send calls, including failed ones.
func (m *MockTransport) SendAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// WaitForMessages blocks until at least n messages were delivered or the
// timeout passes, and returns what was delivered.
func (m *MockTransport) WaitForMessages(n int, timeout time.Duration) []Message {
	deadline := time.After(timeout)
	for {
		if sent := m.Sent(); len(sent) >= n {
			return sent
		}
		select {
		case <-m.sentCond:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			return m.Sent()
		}
	}
}

func (m *MockTransport) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *MockTransport) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
