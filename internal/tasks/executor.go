package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/copyleftdev/mercury/internal/browser"
	"github.com/copyleftdev/mercury/internal/config"
	"github.com/copyleftdev/mercury/internal/pool"
	"github.com/copyleftdev/mercury/internal/taskstypes"
	"go.uber.org/zap"
)

// Runner executes one task to a terminal result. The orchestrator depends
// on this rather than on Executor so chains can be tested in isolation.
type Runner interface {
	Execute(ctx context.Context, task *taskstypes.Task) taskstypes.Result
}

// SessionPool is the part of the session pool the executor borrows from.
type SessionPool interface {
	Acquire(ctx context.Context) (*pool.Session, error)
	Release(s *pool.Session, healthy bool)
}

var _ Runner = (*Executor)(nil)

// Executor runs a task's action sequence against a borrowed session under
// the task deadline, retrying transient faults.
type Executor struct {
	pool     SessionPool
	registry *Registry
	cfg      config.ExecutorConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewExecutor(p SessionPool, registry *Registry, cfg config.ExecutorConfig, logger *zap.Logger) *Executor {
	return &Executor{
		pool:     p,
		registry: registry,
		cfg:      cfg,
		logger:   logger.Named("executor"),
		now:      time.Now,
	}
}

// Execute always returns exactly one terminal Result. The deadline is a hard
// ceiling: retries never run past it.
func (e *Executor) Execute(ctx context.Context, task *taskstypes.Task) taskstypes.Result {
	start := e.now()
	log := e.logger.With(zap.String("task_id", task.ShortID()), zap.String("kind", task.Kind))

	res := e.execute(ctx, task, log)
	res.Duration = e.now().Sub(start)

	fields := []zap.Field{
		zap.String("outcome", string(res.Outcome)),
		zap.Int("attempts", res.Attempts),
		zap.Duration("duration", res.Duration),
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}
	if res.Outcome == taskstypes.OutcomeFailure {
		fields = append(fields, zap.String("failure_kind", string(res.FailureKind)))
		log.Warn("task failed", fields...)
	} else {
		log.Info("task finished", fields...)
	}
	return res
}

func (e *Executor) execute(ctx context.Context, task *taskstypes.Task, log *zap.Logger) taskstypes.Result {
	kind, ok := e.registry.Lookup(task.Kind)
	if !ok {
		return taskstypes.Failure(taskstypes.FailureUnknown, fmt.Errorf("%w: %s", taskstypes.ErrUnknownKind, task.Kind), 0)
	}
	if err := ctx.Err(); err != nil {
		return interrupted(ctx, err, 0)
	}
	if !e.now().Before(task.Deadline) {
		return taskstypes.Timeout(fmt.Errorf("deadline elapsed before start: %w", context.DeadlineExceeded), 0)
	}

	runCtx, cancel := context.WithDeadline(ctx, task.Deadline)
	defer cancel()

	var (
		session  *pool.Session
		attempts int
		lastErr  error
	)
	for {
		if err := runCtx.Err(); err != nil {
			if session != nil {
				e.pool.Release(session, true)
			}
			if lastErr != nil {
				err = fmt.Errorf("%w (last fault: %v)", err, lastErr)
			}
			return interrupted(ctx, err, attempts)
		}

		if session == nil {
			s, err := e.pool.Acquire(runCtx)
			if err != nil {
				return e.acquireFailed(ctx, err, attempts)
			}
			session = s
		}

		attempts++
		payload, err := kind.Run(runCtx, session.Page(), task.Params)
		if err == nil {
			e.pool.Release(session, true)
			return taskstypes.Success(payload, attempts)
		}
		lastErr = err

		if runCtx.Err() != nil {
			// The page was abandoned mid-action; its state is untrusted.
			e.pool.Release(session, false)
			return interrupted(ctx, err, attempts)
		}
		if !browser.IsTransient(err) {
			e.pool.Release(session, false)
			return taskstypes.Failure(browser.KindOf(err), err, attempts)
		}
		if attempts > e.cfg.RetryLimit {
			e.pool.Release(session, true)
			return taskstypes.Failure(browser.KindOf(err), fmt.Errorf("retries exhausted: %w", err), attempts)
		}

		log.Debug("retrying transient fault", zap.Int("attempt", attempts), zap.Error(err))
		if perr := session.Page().Ping(runCtx); perr != nil {
			log.Debug("session failed liveness probe, replacing", zap.Error(perr))
			e.pool.Release(session, false)
			session = nil
		}
		if e.cfg.RetryBackoff > 0 {
			sleep(runCtx, e.cfg.RetryBackoff)
		}
	}
}

func (e *Executor) acquireFailed(ctx context.Context, err error, attempts int) taskstypes.Result {
	switch {
	case errors.Is(err, taskstypes.ErrPoolClosed):
		return taskstypes.Cancelled(err, attempts)
	case errors.Is(ctx.Err(), context.Canceled):
		return taskstypes.Cancelled(err, attempts)
	case errors.Is(err, taskstypes.ErrPoolExhausted):
		return taskstypes.Timeout(err, attempts)
	default:
		return taskstypes.Failure(taskstypes.FailureBrowser, err, attempts)
	}
}

// interrupted maps an ended context to Cancelled when the caller cancelled
// and to Timeout when a deadline passed.
func interrupted(parent context.Context, err error, attempts int) taskstypes.Result {
	if errors.Is(parent.Err(), context.Canceled) {
		return taskstypes.Cancelled(err, attempts)
	}
	return taskstypes.Timeout(err, attempts)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
