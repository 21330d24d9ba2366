package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/copyleftdev/mercury/internal/browser"
	"github.com/copyleftdev/mercury/internal/browser/mocks"
	"github.com/copyleftdev/mercury/internal/config"
	"github.com/copyleftdev/mercury/internal/pool"
	"github.com/copyleftdev/mercury/internal/taskstypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestExecutor(t *testing.T, engine *mocks.MockEngine, maxSessions int, cfg config.ExecutorConfig) (*Executor, *pool.Pool) {
	t.Helper()
	p := pool.New(engine, config.PoolConfig{MaxSessions: maxSessions}, time.Second, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return NewExecutor(p, DefaultRegistry(), cfg, zap.NewNop()), p
}

func newTask(kind string, params taskstypes.Params, within time.Duration) *taskstypes.Task {
	return taskstypes.NewTask(kind, params, taskstypes.Origin{Transport: "test", ChannelID: "c1", RequesterID: "u1"}, time.Now(), within)
}

func titleTask(within time.Duration) *taskstypes.Task {
	return newTask("fetch-title", taskstypes.Params{"url": "http://example.test"}, within)
}

// flakyNavigation fails the first n navigations with a transient fault.
func flakyNavigation(n int) func(context.Context, *mocks.MockInstance, string) error {
	var mu sync.Mutex
	calls := 0
	return func(ctx context.Context, inst *mocks.MockInstance, url string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= n {
			return mocks.TransientFault("net::ERR_CONNECTION_RESET")
		}
		return nil
	}
}

func exampleTitle(ctx context.Context, inst *mocks.MockInstance) (string, error) {
	return "Example", nil
}

func TestExecute_TransientFaultThenSuccess(t *testing.T) {
	engine := mocks.NewMockEngine()
	engine.NavigateFunc = flakyNavigation(1)
	engine.TitleFunc = exampleTitle
	exec, p := newTestExecutor(t, engine, 1, config.ExecutorConfig{RetryLimit: 2})

	res := exec.Execute(context.Background(), titleTask(5*time.Second))

	assert.Equal(t, taskstypes.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "Example", res.Payload)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, engine.Launched(), "session passed its liveness probe and was reused")
	assert.Equal(t, 1, engine.Calls(browser.OpPing))
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestExecute_ReplacesSessionThatFailsProbe(t *testing.T) {
	engine := mocks.NewMockEngine()
	engine.NavigateFunc = flakyNavigation(1)
	engine.TitleFunc = exampleTitle
	engine.PingFunc = func(ctx context.Context, inst *mocks.MockInstance) error {
		return errors.New("target crashed")
	}
	exec, _ := newTestExecutor(t, engine, 1, config.ExecutorConfig{RetryLimit: 1})

	res := exec.Execute(context.Background(), titleTask(5*time.Second))

	assert.Equal(t, taskstypes.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	require.Equal(t, 2, engine.Launched())
	assert.True(t, engine.Instances()[0].IsClosed())
}

func TestExecute_RetriesExhausted(t *testing.T) {
	engine := mocks.NewMockEngine()
	engine.NavigateFunc = flakyNavigation(100)
	exec, p := newTestExecutor(t, engine, 1, config.ExecutorConfig{RetryLimit: 2})

	res := exec.Execute(context.Background(), titleTask(5*time.Second))

	assert.Equal(t, taskstypes.OutcomeFailure, res.Outcome)
	assert.Equal(t, taskstypes.FailureNavigation, res.FailureKind)
	assert.Equal(t, 3, res.Attempts)
	assert.Error(t, res.Err)
	// Last fault was transient, so the session went back to the idle set.
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestExecute_TerminalFaultIsNotRetried(t *testing.T) {
	engine := mocks.NewMockEngine()
	engine.WaitVisibleFunc = func(ctx context.Context, inst *mocks.MockInstance, selector string) error {
		return mocks.TerminalFault("no element matches #missing")
	}
	exec, p := newTestExecutor(t, engine, 1, config.ExecutorConfig{RetryLimit: 3})

	task := newTask("click", taskstypes.Params{"url": "http://example.test", "selector": "#missing"}, 5*time.Second)
	res := exec.Execute(context.Background(), task)

	assert.Equal(t, taskstypes.OutcomeFailure, res.Outcome)
	assert.Equal(t, taskstypes.FailureElement, res.FailureKind)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, engine.Calls(browser.OpClick))
	assert.Equal(t, uint64(1), p.Stats().Destroyed)
}

func TestExecute_ExpiredDeadlineSkipsBrowser(t *testing.T) {
	engine := mocks.NewMockEngine()
	exec, _ := newTestExecutor(t, engine, 1, config.ExecutorConfig{})

	task := titleTask(time.Second)
	task.Deadline = time.Now().Add(-time.Second)
	res := exec.Execute(context.Background(), task)

	assert.Equal(t, taskstypes.OutcomeTimeout, res.Outcome)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 0, engine.Launched())
	assert.Equal(t, 0, engine.Calls(browser.OpNavigate))
}

func TestExecute_UnknownKind(t *testing.T) {
	engine := mocks.NewMockEngine()
	exec, _ := newTestExecutor(t, engine, 1, config.ExecutorConfig{})

	res := exec.Execute(context.Background(), newTask("bogus", nil, time.Second))

	assert.Equal(t, taskstypes.OutcomeFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, taskstypes.ErrUnknownKind)
	assert.Equal(t, 0, engine.Launched())
}

func TestExecute_SecondTaskTimesOutWaitingForSession(t *testing.T) {
	const unit = 20 * time.Millisecond

	started := make(chan struct{}, 1)
	engine := mocks.NewMockEngine()
	engine.NavigateFunc = func(ctx context.Context, inst *mocks.MockInstance, url string) error {
		select {
		case started <- struct{}{}:
		default:
		}
		return mocks.Sleep(ctx, 5*unit)
	}
	engine.TitleFunc = exampleTitle
	exec, _ := newTestExecutor(t, engine, 1, config.ExecutorConfig{})

	var wg sync.WaitGroup
	var first taskstypes.Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = exec.Execute(context.Background(), titleTask(50*unit))
	}()
	<-started

	second := exec.Execute(context.Background(), titleTask(3*unit))
	wg.Wait()

	assert.Equal(t, taskstypes.OutcomeSuccess, first.Outcome)
	assert.Equal(t, "Example", first.Payload)
	assert.Equal(t, taskstypes.OutcomeTimeout, second.Outcome)
	assert.ErrorIs(t, second.Err, taskstypes.ErrPoolExhausted)
	assert.Equal(t, 0, second.Attempts)
	assert.Equal(t, 1, engine.Launched())
}

func TestExecute_BothTasksOverrunTheirDeadline(t *testing.T) {
	const unit = 20 * time.Millisecond

	engine := mocks.NewMockEngine()
	engine.NavigateFunc = func(ctx context.Context, inst *mocks.MockInstance, url string) error {
		return mocks.Sleep(ctx, 5*unit)
	}
	exec, p := newTestExecutor(t, engine, 1, config.ExecutorConfig{})

	results := make([]taskstypes.Result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = exec.Execute(context.Background(), titleTask(3*unit))
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		assert.Equal(t, taskstypes.OutcomeTimeout, res.Outcome)
		assert.Less(t, res.Duration, 5*unit)
	}
	assert.Equal(t, 0, p.Stats().Size, "session abandoned mid-action was destroyed")
}

func TestExecute_CancelledMidAction(t *testing.T) {
	started := make(chan struct{})
	engine := mocks.NewMockEngine()
	engine.NavigateFunc = func(ctx context.Context, inst *mocks.MockInstance, url string) error {
		close(started)
		return mocks.Sleep(ctx, time.Minute)
	}
	exec, p := newTestExecutor(t, engine, 1, config.ExecutorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res := exec.Execute(ctx, titleTask(time.Minute))

	assert.Equal(t, taskstypes.OutcomeCancelled, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, p.Stats().Size)
	assert.True(t, engine.Instances()[0].IsClosed())
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	engine := mocks.NewMockEngine()
	exec, _ := newTestExecutor(t, engine, 1, config.ExecutorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := exec.Execute(ctx, titleTask(time.Minute))

	assert.Equal(t, taskstypes.OutcomeCancelled, res.Outcome)
	assert.Equal(t, 0, engine.Launched())
}

func TestExecute_BackoffNeverPassesDeadline(t *testing.T) {
	engine := mocks.NewMockEngine()
	engine.NavigateFunc = flakyNavigation(100)
	exec, _ := newTestExecutor(t, engine, 1, config.ExecutorConfig{RetryLimit: 5, RetryBackoff: time.Hour})

	start := time.Now()
	res := exec.Execute(context.Background(), titleTask(100*time.Millisecond))

	assert.Equal(t, taskstypes.OutcomeTimeout, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecute_LaunchFailure(t *testing.T) {
	engine := mocks.NewMockEngine()
	engine.LaunchFunc = func(ctx context.Context) error {
		return errors.New("chrome not installed")
	}
	exec, _ := newTestExecutor(t, engine, 1, config.ExecutorConfig{})

	res := exec.Execute(context.Background(), titleTask(time.Second))

	assert.Equal(t, taskstypes.OutcomeFailure, res.Outcome)
	assert.Equal(t, taskstypes.FailureBrowser, res.FailureKind)
}
