package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/copyleftdev/mercury/internal/chat"
	"github.com/copyleftdev/mercury/internal/config"
	"github.com/copyleftdev/mercury/internal/orchestrator"
	"github.com/copyleftdev/mercury/internal/pool"
	"github.com/copyleftdev/mercury/internal/taskstypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStatus struct {
	state orchestrator.State
}

func (f *fakeStatus) State() orchestrator.State {
	return f.state
}

func (f *fakeStatus) Stats() orchestrator.Stats {
	return orchestrator.Stats{
		State:    f.state.String(),
		Outcomes: map[taskstypes.Outcome]uint64{taskstypes.OutcomeSuccess: 3},
		Pool:     pool.Stats{Size: 1, Idle: 1, Max: 2},
	}
}

func serverConfig(apiKey string) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Port: 0},
		Security: config.SecurityConfig{AllowedOrigins: []string{"*"}, ApiKey: apiKey},
	}
}

// echoHandler replies to every event through the transport, like the
// orchestrator would.
func echoHandler(t *HTTPTransport) chat.Handler {
	return func(ev chat.Event) {
		_ = t.Send(context.Background(), ev.ChannelID, "echo: "+ev.Text)
	}
}

func newTestServer(t *testing.T, apiKey string, status *fakeStatus) (*Server, *HTTPTransport) {
	t.Helper()
	transport := NewHTTPTransport()
	require.NoError(t, transport.Start(context.Background(), echoHandler(transport)))
	return NewServer(serverConfig(apiKey), status, transport, zap.NewNop()), transport
}

func do(t *testing.T, s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	status := &fakeStatus{state: orchestrator.StateRunning}
	s, _ := newTestServer(t, "secret", status)

	rec := do(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "running", resp.State)

	status.state = orchestrator.StateDraining
	rec = do(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	s, _ := newTestServer(t, "secret", &fakeStatus{state: orchestrator.StateRunning})

	rec := do(t, s, http.MethodGet, "/api/v1/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/stats", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/stats", nil, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var stats orchestrator.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(3), stats.Outcomes[taskstypes.OutcomeSuccess])
	assert.Equal(t, 2, stats.Pool.Max)
}

func TestSubmitCommandAndPollOutbox(t *testing.T) {
	s, _ := newTestServer(t, "", &fakeStatus{state: orchestrator.StateRunning})

	rec := do(t, s, http.MethodPost, "/api/v1/commands", SubmitCommandRequest{
		ChannelID: "ops", RequesterID: "alice", Text: "/fetch-title https://example.com",
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp SubmitCommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.MessageID)
	assert.Equal(t, "ops", resp.ChannelID)

	rec = do(t, s, http.MethodGet, "/api/v1/channels/ops/messages", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []OutboxMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "echo: /fetch-title https://example.com", msgs[0].Text)

	rec = do(t, s, http.MethodGet, "/api/v1/channels/ops/messages?after=1", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	assert.Empty(t, msgs)

	rec = do(t, s, http.MethodGet, "/api/v1/channels/ops/messages?after=x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitCommand_BadRequests(t *testing.T) {
	s, _ := newTestServer(t, "", &fakeStatus{state: orchestrator.StateRunning})

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing channel", SubmitCommandRequest{RequesterID: "a", Text: "/help"}},
		{"missing requester", SubmitCommandRequest{ChannelID: "c", Text: "/help"}},
		{"empty text", SubmitCommandRequest{ChannelID: "c", RequesterID: "a", Text: "   "}},
		{"not json", "just a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/v1/commands", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitCommand_TransportStopped(t *testing.T) {
	s, transport := newTestServer(t, "", &fakeStatus{state: orchestrator.StateStopped})
	require.NoError(t, transport.Stop())

	rec := do(t, s, http.MethodPost, "/api/v1/commands", SubmitCommandRequest{
		ChannelID: "c", RequesterID: "a", Text: "/help",
	}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPTransport_OutboxIsBounded(t *testing.T) {
	transport := NewHTTPTransport()
	ctx := context.Background()
	for i := 0; i < outboxCapacity+25; i++ {
		require.NoError(t, transport.Send(ctx, "c", "msg"))
	}
	msgs := transport.Messages("c", 0)
	assert.Len(t, msgs, outboxCapacity)
	assert.Equal(t, uint64(26), msgs[0].Seq, "oldest messages are dropped first")
	assert.Empty(t, transport.Messages("other", 0))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, transport.Send(cancelled, "c", "late"))
}

func TestHTTPTransport_SubmitFillsEvent(t *testing.T) {
	transport := NewHTTPTransport()
	var got chat.Event
	require.NoError(t, transport.Start(context.Background(), func(ev chat.Event) { got = ev }))

	id, err := transport.Submit("c1", "u1", "Una", "/help")
	require.NoError(t, err)
	assert.Equal(t, id, got.MessageID)
	assert.Equal(t, "http", got.Transport)
	assert.Equal(t, "Una", got.RequesterName)
	assert.WithinDuration(t, time.Now(), got.ReceivedAt, time.Second)
}
