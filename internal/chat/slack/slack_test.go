package slack

import (
	"context"
	"testing"

	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestToEvent(t *testing.T) {
	ev, ok := toEvent(&slackevents.MessageEvent{
		User:      "U1",
		Channel:   "C1",
		Text:      "/fetch-title <https://example.com|example.com>",
		TimeStamp: "1714564800.000100",
	}, "UBOT")

	assert.True(t, ok)
	assert.Equal(t, "slack", ev.Transport)
	assert.Equal(t, "C1", ev.ChannelID)
	assert.Equal(t, "U1", ev.RequesterID)
	assert.Equal(t, "1714564800.000100", ev.MessageID)
	assert.Equal(t, "/fetch-title https://example.com", ev.Text)
	assert.Equal(t, int64(1714564800), ev.ReceivedAt.Unix())
}

func TestToEvent_Ignored(t *testing.T) {
	tests := []struct {
		name string
		msg  *slackevents.MessageEvent
	}{
		{"nil", nil},
		{"no user", &slackevents.MessageEvent{Channel: "C1", Text: "hi"}},
		{"edit", &slackevents.MessageEvent{User: "U1", SubType: "message_changed"}},
		{"bot", &slackevents.MessageEvent{User: "U2", BotID: "B2"}},
		{"self", &slackevents.MessageEvent{User: "UBOT"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := toEvent(tt.msg, "UBOT")
			assert.False(t, ok)
		})
	}
}

func TestUnescape(t *testing.T) {
	assert.Equal(t, "/click https://a.test/x?a=1&b=2 div > a", unescape("/click <https://a.test/x?a=1&amp;b=2> div &gt; a"))
	assert.Equal(t, "plain text", unescape("plain text"))
	assert.Equal(t, "dangling <bracket", unescape("dangling <bracket"))
}

func TestAdapter_NotConnected(t *testing.T) {
	a := New("xoxb-1", "", zap.NewNop())
	assert.Equal(t, "slack", a.ID())
	assert.Equal(t, 4000, a.MaxMessageLen())
	assert.Error(t, a.Start(context.Background(), nil))
	assert.Error(t, a.Send(context.Background(), "C1", "hi"))
	assert.NoError(t, a.Stop())
}
