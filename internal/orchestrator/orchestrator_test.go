package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/copyleftdev/mercury/internal/auth"
	"github.com/copyleftdev/mercury/internal/browser"
	browsermocks "github.com/copyleftdev/mercury/internal/browser/mocks"
	"github.com/copyleftdev/mercury/internal/chat"
	chatmocks "github.com/copyleftdev/mercury/internal/chat/mocks"
	"github.com/copyleftdev/mercury/internal/config"
	"github.com/copyleftdev/mercury/internal/dispatch"
	"github.com/copyleftdev/mercury/internal/pool"
	"github.com/copyleftdev/mercury/internal/report"
	"github.com/copyleftdev/mercury/internal/tasks"
	"github.com/copyleftdev/mercury/internal/taskstypes"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	ownerID    = "owner-1"
	ownerTOTP  = "JBSWY3DPEHPK3PXP"
	waitLimit  = 3 * time.Second
	quietDelay = 100 * time.Millisecond
)

type harness struct {
	orch      *Orchestrator
	engine    *browsermocks.MockEngine
	pool      *pool.Pool
	transport *chatmocks.MockTransport
}

func testConfig() *config.Config {
	return &config.Config{
		Pool:         config.PoolConfig{MaxSessions: 2},
		Executor:     config.ExecutorConfig{RetryLimit: 1, DefaultDeadline: 5 * time.Second},
		Orchestrator: config.OrchestratorConfig{DrainGracePeriod: 2 * time.Second},
		Chat:         config.ChatConfig{Prefix: "/"},
		Admin:        config.AdminConfig{OwnerID: ownerID, TOTPSecret: ownerTOTP},
	}
}

func newHarness(t *testing.T, cfg *config.Config, engine *browsermocks.MockEngine) *harness {
	t.Helper()
	h := buildHarness(t, cfg, engine)
	require.NoError(t, h.orch.Start(context.Background()))
	return h
}

// buildHarness wires the facade without starting it.
func buildHarness(t *testing.T, cfg *config.Config, engine *browsermocks.MockEngine) *harness {
	t.Helper()
	logger := zap.NewNop()
	registry := tasks.DefaultRegistry()
	p := pool.New(engine, cfg.Pool, time.Second, logger)
	transport := chatmocks.NewMockTransport("test")
	reporter := report.New(cfg.Chat.Prefix, logger)
	reporter.RetryDelay = time.Millisecond

	orch := New(cfg, Deps{
		Pool:       p,
		Runner:     tasks.NewExecutor(p, registry, cfg.Executor, logger),
		Registry:   registry,
		Dispatcher: dispatch.New(registry, cfg.Chat.Prefix, cfg.Executor),
		Reporter:   reporter,
		Verifier:   auth.NewVerifier(cfg.Admin.OwnerID, cfg.Admin.TOTPSecret),
		Transports: []chat.Transport{transport},
	}, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &harness{orch: orch, engine: engine, pool: p, transport: transport}
}

func (h *harness) say(requester, text string) {
	h.transport.Inject(chat.Event{ChannelID: "c1", RequesterID: requester, MessageID: "m-" + text, Text: text})
}

// blockingNavigation parks every navigation until release is closed or the
// action's context ends.
func blockingNavigation(started chan<- struct{}, release <-chan struct{}) func(context.Context, *browsermocks.MockInstance, string) error {
	return func(ctx context.Context, inst *browsermocks.MockInstance, url string) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func waitForState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return o.State() == want }, waitLimit, 5*time.Millisecond)
}

func TestStart_WarmsBeforeTransportsConnect(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.WarmSessions = 2
	engine := browsermocks.NewMockEngine()
	h := newHarness(t, cfg, engine)

	assert.Equal(t, StateRunning, h.orch.State())
	assert.True(t, h.transport.Started())
	assert.Equal(t, 2, engine.Launched())
	assert.Equal(t, 2, h.pool.Stats().Idle)
}

func TestStart_ShutdownDuringWarmUp(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.WarmSessions = 1
	launching := make(chan struct{})
	release := make(chan struct{})
	engine := browsermocks.NewMockEngine()
	engine.LaunchFunc = func(ctx context.Context) error {
		close(launching)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := buildHarness(t, cfg, engine)

	startErr := make(chan error, 1)
	go func() { startErr <- h.orch.Start(context.Background()) }()
	<-launching

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- h.orch.Shutdown(ctx)
	}()
	waitForState(t, h.orch, StateDraining)
	close(release)

	assert.ErrorIs(t, <-startErr, ErrNotRunning)
	require.NoError(t, <-shutdownErr)
	assert.Equal(t, StateStopped, h.orch.State())
	assert.False(t, h.transport.Started(), "transport connected after shutdown")
}

func TestFetchTitle_OneReply(t *testing.T) {
	engine := browsermocks.NewMockEngine()
	engine.TitleFunc = func(ctx context.Context, inst *browsermocks.MockInstance) (string, error) {
		return "Example", nil
	}
	h := newHarness(t, testConfig(), engine)

	h.say("u1", "/fetch-title url=http://example.test")

	sent := h.transport.WaitForMessages(1, waitLimit)
	require.Len(t, sent, 1)
	assert.Equal(t, "c1", sent[0].ChannelID)
	assert.Contains(t, sent[0].Text, "Example")

	time.Sleep(quietDelay)
	assert.Len(t, h.transport.Sent(), 1, "exactly one message per command")
	assert.Equal(t, uint64(1), h.orch.Stats().Outcomes[taskstypes.OutcomeSuccess])
}

func TestUnknownCommand_NoAcquisition(t *testing.T) {
	engine := browsermocks.NewMockEngine()
	h := newHarness(t, testConfig(), engine)

	h.say("u1", "/bogus")

	sent := h.transport.WaitForMessages(1, waitLimit)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "bogus")
	assert.Contains(t, sent[0].Text, "not a known command")

	time.Sleep(quietDelay)
	assert.Len(t, h.transport.Sent(), 1)
	assert.Zero(t, engine.Launched())
	assert.Zero(t, h.pool.Stats().Created)
	assert.Equal(t, uint64(1), h.orch.Stats().Rejected)
}

func TestPlainChatIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), browsermocks.NewMockEngine())

	h.say("u1", "good morning everyone")

	time.Sleep(quietDelay)
	assert.Empty(t, h.transport.Sent())
}

func TestAllowedChannels(t *testing.T) {
	cfg := testConfig()
	cfg.Chat.AllowedChannels = []string{"ops"}
	h := newHarness(t, cfg, browsermocks.NewMockEngine())

	h.say("u1", "/stats")
	h.transport.Inject(chat.Event{ChannelID: "ops", RequesterID: "u1", Text: "/stats"})

	h.transport.WaitForMessages(1, waitLimit)
	time.Sleep(quietDelay)
	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ops", sent[0].ChannelID)
}

func TestConcurrentCommands_EachRepliedOnce(t *testing.T) {
	engine := browsermocks.NewMockEngine()
	engine.NavigateFunc = func(ctx context.Context, inst *browsermocks.MockInstance, url string) error {
		return browsermocks.Sleep(ctx, 20*time.Millisecond)
	}
	h := newHarness(t, testConfig(), engine)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.say("u1", "/fetch-title http://example.test")
		}()
	}
	wg.Wait()

	sent := h.transport.WaitForMessages(n, waitLimit)
	time.Sleep(quietDelay)
	assert.Len(t, h.transport.Sent(), n)
	for _, m := range sent {
		assert.Contains(t, m.Text, "Mock Page")
	}
	assert.LessOrEqual(t, engine.Launched(), 2)
	assert.False(t, engine.Overlapped())
}

func TestShutdown_DrainsInFlight(t *testing.T) {
	started := make(chan struct{}, 3)
	release := make(chan struct{})
	engine := browsermocks.NewMockEngine()
	engine.NavigateFunc = blockingNavigation(started, release)
	cfg := testConfig()
	cfg.Pool.MaxSessions = 3
	h := newHarness(t, cfg, engine)

	for i := 0; i < 3; i++ {
		h.say("u1", "/fetch-title http://example.test")
	}
	for i := 0; i < 3; i++ {
		<-started
	}

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- h.orch.Shutdown(context.Background()) }()
	waitForState(t, h.orch, StateDraining)

	// Arrives after drain began: rejected, never queued.
	h.say("u2", "/fetch-title http://late.test")
	late := h.transport.WaitForMessages(1, waitLimit)
	require.Len(t, late, 1)
	assert.Contains(t, late[0].Text, "Shutting down")

	close(release)
	require.NoError(t, <-shutdownErr)

	assert.Equal(t, StateStopped, h.orch.State())
	sent := h.transport.Sent()
	require.Len(t, sent, 4)
	successes := 0
	for _, m := range sent {
		if strings.HasPrefix(m.Text, "✅") {
			successes++
		}
	}
	assert.Equal(t, 3, successes)
	assert.Equal(t, 3, engine.Calls(browser.OpNavigate), "late command never reached the browser")
	assert.True(t, h.transport.Stopped())
	assert.Equal(t, engine.Launched(), engine.ClosedInstances())
}

func TestShutdown_GraceExpiryCancelsTasks(t *testing.T) {
	started := make(chan struct{}, 1)
	engine := browsermocks.NewMockEngine()
	engine.NavigateFunc = blockingNavigation(started, make(chan struct{}))
	cfg := testConfig()
	cfg.Orchestrator.DrainGracePeriod = 50 * time.Millisecond
	h := newHarness(t, cfg, engine)

	h.say("u1", "/fetch-title http://example.test")
	<-started

	require.NoError(t, h.orch.Shutdown(context.Background()))

	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "cancelled")
	assert.Equal(t, uint64(1), h.orch.Stats().Outcomes[taskstypes.OutcomeCancelled])
	assert.Equal(t, StateStopped, h.orch.State())
}

func TestShutdown_Twice(t *testing.T) {
	h := newHarness(t, testConfig(), browsermocks.NewMockEngine())
	require.NoError(t, h.orch.Shutdown(context.Background()))
	assert.ErrorIs(t, h.orch.Shutdown(context.Background()), ErrNotRunning)
}

func TestCancelCommand(t *testing.T) {
	started := make(chan struct{}, 2)
	engine := browsermocks.NewMockEngine()
	engine.NavigateFunc = blockingNavigation(started, make(chan struct{}))
	h := newHarness(t, testConfig(), engine)

	h.say("u1", "/fetch-title http://example.test")
	h.say("u2", "/fetch-title http://other.test")
	<-started
	<-started

	h.say("u1", "/cancel")

	sent := h.transport.WaitForMessages(2, waitLimit)
	require.Len(t, sent, 2)
	texts := []string{sent[0].Text, sent[1].Text}
	assert.Contains(t, strings.Join(texts, "\n"), "Cancelling 1")
	assert.Contains(t, strings.Join(texts, "\n"), "was cancelled")
	assert.Equal(t, 1, h.orch.Stats().InFlight, "other requester's task keeps running")
}

func TestHelpAndStats(t *testing.T) {
	h := newHarness(t, testConfig(), browsermocks.NewMockEngine())

	h.say("u1", "/help")
	help := h.transport.WaitForMessages(1, waitLimit)
	require.Len(t, help, 1)
	assert.Contains(t, help[0].Text, "/fetch-title <url>")
	assert.Contains(t, help[0].Text, "order is not guaranteed")
	assert.Contains(t, help[0].Text, "/recycle")

	h.say("u1", "!stats")
	all := h.transport.WaitForMessages(2, waitLimit)
	require.Len(t, all, 2)
	assert.Contains(t, all[1].Text, "Browser sessions: 0/2")
	assert.Zero(t, h.pool.Stats().Created, "control commands never touch the browser")
}

func TestRecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.WarmSessions = 2
	engine := browsermocks.NewMockEngine()
	h := newHarness(t, cfg, engine)

	h.say("intruder", "/recycle 123456")
	refused := h.transport.WaitForMessages(1, waitLimit)
	require.Len(t, refused, 1)
	assert.Contains(t, refused[0].Text, "Not allowed")
	assert.Equal(t, 2, h.pool.Stats().Idle)

	code, err := totp.GenerateCode(ownerTOTP, time.Now())
	require.NoError(t, err)
	h.say(ownerID, "/recycle "+code)

	all := h.transport.WaitForMessages(2, waitLimit)
	require.Len(t, all, 2)
	assert.Contains(t, all[1].Text, "Recycled 2")
	assert.Zero(t, h.pool.Stats().Idle)
	assert.Equal(t, 2, engine.ClosedInstances())
}

func TestSchedules(t *testing.T) {
	cfg := testConfig()
	cfg.Schedules = []config.ScheduleConfig{
		{Name: "heartbeat", Spec: "@every 1s", Channel: "ops", Command: "/stats"},
	}
	h := newHarness(t, cfg, browsermocks.NewMockEngine())

	sent := h.transport.WaitForMessages(1, waitLimit)
	require.NotEmpty(t, sent)
	assert.Equal(t, "ops", sent[0].ChannelID)
	assert.Contains(t, sent[0].Text, "📊")
}

func TestSchedules_InvalidSpec(t *testing.T) {
	cfg := testConfig()
	cfg.Schedules = []config.ScheduleConfig{
		{Name: "broken", Spec: "every tuesday", Channel: "ops", Command: "/stats"},
	}
	logger := zap.NewNop()
	registry := tasks.DefaultRegistry()
	p := pool.New(browsermocks.NewMockEngine(), cfg.Pool, time.Second, logger)
	orch := New(cfg, Deps{
		Pool:       p,
		Runner:     tasks.NewExecutor(p, registry, cfg.Executor, logger),
		Registry:   registry,
		Dispatcher: dispatch.New(registry, "/", cfg.Executor),
		Reporter:   report.New("/", logger),
		Transports: []chat.Transport{chatmocks.NewMockTransport("test")},
	}, logger)

	err := orch.Start(context.Background())
	assert.ErrorContains(t, err, "broken")
	require.NoError(t, orch.Shutdown(context.Background()))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
