package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/copyleftdev/mercury/internal/auth"
	"github.com/copyleftdev/mercury/internal/chat"
	"github.com/copyleftdev/mercury/internal/config"
	"github.com/copyleftdev/mercury/internal/dispatch"
	"github.com/copyleftdev/mercury/internal/pool"
	"github.com/copyleftdev/mercury/internal/report"
	"github.com/copyleftdev/mercury/internal/tasks"
	"github.com/copyleftdev/mercury/internal/taskstypes"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// State is the process lifecycle phase.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrNotRunning = errors.New("orchestrator is not running")

// SessionPool is the part of the session pool the facade manages directly.
type SessionPool interface {
	Warm(ctx context.Context, n int) error
	RecycleIdle() int
	Stats() pool.Stats
	Shutdown(ctx context.Context) error
}

// Deps are the collaborators the facade composes.
type Deps struct {
	Pool       SessionPool
	Runner     tasks.Runner
	Registry   *tasks.Registry
	Dispatcher *dispatch.Dispatcher
	Reporter   *report.Reporter
	Verifier   *auth.Verifier
	Transports []chat.Transport
}

// chain is one in-flight command: dispatch, execute, report.
type chain struct {
	task   *taskstypes.Task
	cancel context.CancelFunc
}

// Orchestrator is the single entry point wired to chat transports. Each
// accepted command runs as its own goroutine chain with its own context.
type Orchestrator struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger

	allowed    map[string]struct{}
	transports map[string]chat.Transport
	primary    string
	scheduler  *cron.Cron

	// chainsCtx parents every chain; cancelling it aborts whatever is left
	// when the drain grace period runs out.
	chainsCtx    context.Context
	cancelChains context.CancelFunc
	wg           sync.WaitGroup

	mu        sync.Mutex
	state     State
	startedAt time.Time
	inflight  map[uuid.UUID]*chain
	outcomes  map[taskstypes.Outcome]uint64
	rejected  uint64
}

func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Orchestrator {
	chainsCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:          cfg,
		deps:         deps,
		logger:       logger.Named("orchestrator"),
		allowed:      make(map[string]struct{}),
		transports:   make(map[string]chat.Transport),
		chainsCtx:    chainsCtx,
		cancelChains: cancel,
		state:        StateStarting,
		inflight:     make(map[uuid.UUID]*chain),
		outcomes:     make(map[taskstypes.Outcome]uint64),
	}
	for _, id := range cfg.Chat.AllowedChannels {
		o.allowed[id] = struct{}{}
	}
	for i, t := range deps.Transports {
		if i == 0 {
			o.primary = t.ID()
		}
		o.transports[t.ID()] = t
		deps.Reporter.Register(t)
	}
	return o
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start warms the pool, connects transports and starts schedules. Transports
// only begin delivering events once warm-up is done.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateStarting {
		o.mu.Unlock()
		return fmt.Errorf("cannot start from state %s", o.state)
	}
	o.startedAt = time.Now()
	o.mu.Unlock()

	if n := o.cfg.Pool.WarmSessions; n > 0 {
		o.logger.Info("warming browser sessions", zap.Int("count", n))
		if err := o.deps.Pool.Warm(ctx, n); err != nil {
			// A cold pool still works; sessions launch on demand.
			o.logger.Warn("session warm-up incomplete", zap.Error(err))
		}
	}

	if !o.transition(StateRunning, StateStarting) {
		return fmt.Errorf("shut down during warm-up: %w", ErrNotRunning)
	}

	for _, t := range o.deps.Transports {
		if err := t.Start(ctx, o.HandleEvent); err != nil {
			return fmt.Errorf("failed to start %s transport: %w", t.ID(), err)
		}
		o.logger.Info("chat transport connected", zap.String("transport", t.ID()))
	}

	if err := o.startSchedules(); err != nil {
		return err
	}

	o.logger.Info("orchestrator running", zap.Int("kinds", len(o.deps.Registry.Kinds())))
	return nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	o.logger.Info("state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
}

// transition moves to s only if the current state is one of from.
func (o *Orchestrator) transition(s State, from ...State) bool {
	o.mu.Lock()
	prev := o.state
	ok := false
	for _, f := range from {
		if prev == f {
			ok = true
			break
		}
	}
	if ok {
		o.state = s
	}
	o.mu.Unlock()
	if ok {
		o.logger.Info("state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
	return ok
}

// HandleEvent is the chat.Handler given to every transport. It never blocks:
// all work, including replies, happens on spawned goroutines.
func (o *Orchestrator) HandleEvent(ev chat.Event) {
	if !o.channelAllowed(ev.ChannelID) {
		o.logger.Debug("ignoring message from channel outside allow list", zap.String("channel_id", ev.ChannelID))
		return
	}
	o.handle(ev)
}

func (o *Orchestrator) handle(ev chat.Event) {
	cmd, ok := o.deps.Dispatcher.Parse(ev.Text)
	if !ok {
		return
	}

	if !o.admit() {
		o.countRejected()
		go o.deps.Reporter.Reject(context.Background(), ev, taskstypes.ErrDraining)
		return
	}

	if control, ok := o.controlCommand(cmd.Name); ok {
		go func() {
			defer o.wg.Done()
			defer func() {
				if p := recover(); p != nil {
					o.chainPanicked(ev, nil, p)
				}
			}()
			control(ev, cmd)
		}()
		return
	}
	go o.runChain(ev, cmd)
}

// admit registers a new chain if the facade is running. The state check and
// wg.Add share the lock Shutdown takes to leave Running, so no chain can
// slip in after draining begins.
func (o *Orchestrator) admit() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning {
		return false
	}
	o.wg.Add(1)
	return true
}

func (o *Orchestrator) runChain(ev chat.Event, cmd dispatch.Command) {
	defer o.wg.Done()

	var task *taskstypes.Task
	defer func() {
		if p := recover(); p != nil {
			o.chainPanicked(ev, task, p)
		}
	}()

	task, err := o.deps.Dispatcher.DispatchCommand(cmd, ev)
	if err != nil {
		o.countRejected()
		o.deps.Reporter.Reject(context.Background(), ev, err)
		return
	}

	ctx, cancel := context.WithCancel(o.chainsCtx)
	defer cancel()
	o.track(task, cancel)

	o.logger.Info("task accepted",
		zap.String("task_id", task.ShortID()),
		zap.String("kind", task.Kind),
		zap.String("transport", ev.Transport),
		zap.String("channel_id", ev.ChannelID),
		zap.String("requester_id", ev.RequesterID),
	)
	res := o.deps.Runner.Execute(ctx, task)
	o.finish(task, res)

	// Replies use their own context so a cancelled task still reports.
	o.deps.Reporter.Report(context.Background(), task, res)
}

// chainPanicked turns a panic inside a chain into a reported failure.
func (o *Orchestrator) chainPanicked(ev chat.Event, task *taskstypes.Task, p interface{}) {
	o.logger.Error("panic in command chain", zap.Any("panic", p), zap.String("text", ev.Text))
	if task == nil {
		o.deps.Reporter.Notice(context.Background(), ev, "⚠️ Something went wrong handling that command.")
		return
	}
	res := taskstypes.Failure(taskstypes.FailureUnknown, fmt.Errorf("panic: %v", p), 0)
	o.finish(task, res)
	o.deps.Reporter.Report(context.Background(), task, res)
}

func (o *Orchestrator) track(task *taskstypes.Task, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight[task.ID] = &chain{task: task, cancel: cancel}
}

// finish records the outcome. A task already finished is not counted twice.
func (o *Orchestrator) finish(task *taskstypes.Task, res taskstypes.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inflight[task.ID]; !ok {
		return
	}
	delete(o.inflight, task.ID)
	o.outcomes[res.Outcome]++
}

func (o *Orchestrator) countRejected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected++
}

// cancelRequester cancels every in-flight task submitted by requesterID on
// transport and returns how many were signalled.
func (o *Orchestrator) cancelRequester(transport, requesterID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.inflight {
		if c.task.Origin.Transport == transport && c.task.Origin.RequesterID == requesterID {
			c.cancel()
			n++
		}
	}
	return n
}

func (o *Orchestrator) channelAllowed(channelID string) bool {
	if len(o.allowed) == 0 {
		return true
	}
	_, ok := o.allowed[channelID]
	return ok
}

// Stats is a point-in-time view for /stats and the admin API.
type Stats struct {
	State    string                        `json:"state"`
	Uptime   time.Duration                 `json:"uptime"`
	InFlight int                           `json:"in_flight"`
	Outcomes map[taskstypes.Outcome]uint64 `json:"outcomes"`
	Rejected uint64                        `json:"rejected"`
	Pool     pool.Stats                    `json:"pool"`
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	s := Stats{
		State:    o.state.String(),
		InFlight: len(o.inflight),
		Outcomes: make(map[taskstypes.Outcome]uint64, len(o.outcomes)),
		Rejected: o.rejected,
	}
	if !o.startedAt.IsZero() {
		s.Uptime = time.Since(o.startedAt)
	}
	for k, v := range o.outcomes {
		s.Outcomes[k] = v
	}
	o.mu.Unlock()

	s.Pool = o.deps.Pool.Stats()
	return s
}

// Shutdown drains in-flight chains for up to the configured grace period,
// cancels whatever is still running, then shuts the pool and transports
// down. ctx bounds the whole sequence.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.transition(StateDraining, StateRunning, StateStarting) {
		return ErrNotRunning
	}

	if o.scheduler != nil {
		<-o.scheduler.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(o.cfg.Orchestrator.DrainGracePeriod)
	defer grace.Stop()

	select {
	case <-done:
		o.logger.Info("all in-flight commands finished")
	case <-grace.C:
		o.logger.Warn("drain grace period expired, cancelling remaining tasks", zap.Int("in_flight", o.Stats().InFlight))
		o.cancelChains()
	case <-ctx.Done():
		o.logger.Warn("shutdown deadline reached while draining", zap.Error(ctx.Err()))
		o.cancelChains()
	}

	var errs []error
	// Cancelled chains still report; give them until ctx ends.
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("chains still running at shutdown: %w", ctx.Err()))
	}
	o.cancelChains()

	if err := o.deps.Pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pool shutdown: %w", err))
	}
	for _, t := range o.deps.Transports {
		if err := t.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s transport: %w", t.ID(), err))
		}
	}

	o.setState(StateStopped)
	return errors.Join(errs...)
}
