package slack

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/copyleftdev/mercury/internal/chat"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"
)

// Compile-time check
var _ chat.Transport = (*Adapter)(nil)

const maxMessageLen = 4000

// Adapter receives messages over Socket Mode and replies with the Web API.
type Adapter struct {
	botToken string
	appToken string
	logger   *zap.Logger

	client  *slack.Client
	socket  *socketmode.Client
	handler chat.Handler
	userID  string
	cancel  context.CancelFunc
	mu      sync.RWMutex
}

func New(botToken, appToken string, logger *zap.Logger) *Adapter {
	return &Adapter{botToken: botToken, appToken: appToken, logger: logger.Named("slack")}
}

func (a *Adapter) ID() string {
	return "slack"
}

func (a *Adapter) MaxMessageLen() int {
	return maxMessageLen
}

func (a *Adapter) Start(ctx context.Context, handler chat.Handler) error {
	if a.botToken == "" || a.appToken == "" {
		return fmt.Errorf("slack bot and app-level tokens are required")
	}

	client := slack.New(a.botToken, slack.OptionAppLevelToken(a.appToken))
	socket := socketmode.New(client, socketmode.OptionDebug(false))

	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to authenticate with slack: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.client = client
	a.socket = socket
	a.handler = handler
	a.userID = auth.UserID
	a.cancel = cancel
	a.mu.Unlock()

	go a.listen(runCtx)
	go func() {
		if err := socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			a.logger.Error("socket mode connection ended", zap.Error(err))
		}
	}()

	a.logger.Info("connected to slack socket mode", zap.String("bot_id", auth.BotID))
	return nil
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *Adapter) Send(ctx context.Context, channelID, text string) error {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("slack bot not connected")
	}

	_, _, err := client.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	return nil
}

func (a *Adapter) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.socket.Events:
			if !ok {
				return
			}
			a.handleEvent(event)
		}
	}
}

func (a *Adapter) handleEvent(event socketmode.Event) {
	if event.Type != socketmode.EventTypeEventsAPI {
		return
	}
	eventsAPIEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if event.Request != nil {
		a.socket.Ack(*event.Request)
	}

	msg, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}

	a.mu.RLock()
	selfUserID, handler := a.userID, a.handler
	a.mu.RUnlock()

	ev, ok := toEvent(msg, selfUserID)
	if !ok || handler == nil {
		return
	}
	handler(ev)
}

// toEvent converts a message event. Bot messages, our own messages and
// edits or deletes (any subtype) are ignored.
func toEvent(msg *slackevents.MessageEvent, selfUserID string) (chat.Event, bool) {
	if msg == nil || msg.User == "" || msg.SubType != "" {
		return chat.Event{}, false
	}
	if msg.BotID != "" || msg.User == selfUserID {
		return chat.Event{}, false
	}

	return chat.Event{
		Transport:   "slack",
		ChannelID:   msg.Channel,
		RequesterID: msg.User,
		MessageID:   msg.TimeStamp,
		Text:        unescape(msg.Text),
		ReceivedAt:  parseTimestamp(msg.TimeStamp),
	}, true
}

// unescape undoes Slack's HTML entity escaping and link wrapping so that
// "<https://example.com|example.com>" reaches the dispatcher as a plain URL.
func unescape(text string) string {
	var b strings.Builder
	for {
		start := strings.IndexByte(text, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(text[start:], '>')
		if end < 0 {
			break
		}
		inner := text[start+1 : start+end]
		if i := strings.IndexByte(inner, '|'); i >= 0 {
			inner = inner[:i]
		}
		b.WriteString(text[:start])
		b.WriteString(inner)
		text = text[start+end+1:]
	}
	b.WriteString(text)

	r := strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")
	return r.Replace(b.String())
}

func parseTimestamp(ts string) time.Time {
	secs, err := strconv.ParseFloat(ts, 64)
	if err != nil || secs <= 0 {
		return time.Now()
	}
	whole := int64(secs)
	return time.Unix(whole, int64((secs-float64(whole))*1e9))
}
