package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/copyleftdev/mercury/internal/chat"
	"go.uber.org/zap"
)

// Compile-time check
var _ chat.Transport = (*Adapter)(nil)

const maxMessageLen = 2000

// Adapter connects to the Discord gateway as a bot.
type Adapter struct {
	token   string
	logger  *zap.Logger
	session *discordgo.Session
	handler chat.Handler
	mu      sync.RWMutex
}

func New(token string, logger *zap.Logger) *Adapter {
	return &Adapter{token: token, logger: logger.Named("discord")}
}

func (a *Adapter) ID() string {
	return "discord"
}

func (a *Adapter) MaxMessageLen() int {
	return maxMessageLen
}

func (a *Adapter) Start(ctx context.Context, handler chat.Handler) error {
	if a.token == "" {
		return fmt.Errorf("discord bot token is required")
	}

	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
	session.AddHandler(a.messageHandler)

	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open discord connection: %w", err)
	}

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	a.logger.Info("connected to discord gateway")
	return nil
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, channelID, text string) error {
	a.mu.RLock()
	session := a.session
	a.mu.RUnlock()
	if session == nil {
		return fmt.Errorf("discord bot not connected")
	}

	_, err := session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         text,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	return nil
}

func (a *Adapter) messageHandler(s *discordgo.Session, m *discordgo.MessageCreate) {
	selfID := ""
	if s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}
	ev, ok := toEvent(m, selfID)
	if !ok {
		return
	}

	a.mu.RLock()
	handler := a.handler
	a.mu.RUnlock()

	if handler != nil {
		handler(ev)
	}
}

// toEvent converts a gateway message. Messages from bots, including this
// one, are ignored.
func toEvent(m *discordgo.MessageCreate, selfID string) (chat.Event, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return chat.Event{}, false
	}
	if m.Author.ID == selfID || m.Author.Bot {
		return chat.Event{}, false
	}

	received := m.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	return chat.Event{
		Transport:     "discord",
		ChannelID:     m.ChannelID,
		RequesterID:   m.Author.ID,
		RequesterName: m.Author.Username,
		MessageID:     m.ID,
		Text:          m.Content,
		ReceivedAt:    received,
	}, true
}
