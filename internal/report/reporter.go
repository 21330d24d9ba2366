package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/copyleftdev/mercury/internal/chat"
	"github.com/copyleftdev/mercury/internal/taskstypes"
	"go.uber.org/zap"
)

const (
	defaultSendTimeout = 10 * time.Second
	defaultRetryDelay  = time.Second
	ellipsis           = "…"
)

var failureSummaries = map[taskstypes.FailureKind]string{
	taskstypes.FailureNavigation: "the page could not be loaded",
	taskstypes.FailureElement:    "an expected element was missing or could not be used",
	taskstypes.FailureScript:     "the page content could not be read",
	taskstypes.FailureBrowser:    "the browser session stopped responding",
	taskstypes.FailureUnknown:    "something went wrong while automating the page",
}

// Reporter renders outcomes into chat messages. It sends exactly one message
// per call and never returns delivery errors; they are retried once and then
// logged.
type Reporter struct {
	mu          sync.RWMutex
	transports  map[string]chat.Transport
	prefix      string
	logger      *zap.Logger
	SendTimeout time.Duration
	RetryDelay  time.Duration
}

func New(prefix string, logger *zap.Logger, transports ...chat.Transport) *Reporter {
	r := &Reporter{
		transports:  make(map[string]chat.Transport),
		prefix:      prefix,
		logger:      logger.Named("reporter"),
		SendTimeout: defaultSendTimeout,
		RetryDelay:  defaultRetryDelay,
	}
	for _, t := range transports {
		r.Register(t)
	}
	return r
}

// Register makes t available as a reply target under its ID.
func (r *Reporter) Register(t chat.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.ID()] = t
}

// Report sends the rendered result of task to its originating channel.
func (r *Reporter) Report(ctx context.Context, task *taskstypes.Task, res taskstypes.Result) {
	r.deliver(ctx, task.Origin.Transport, task.Origin.ChannelID, Render(task, res),
		zap.String("task_id", task.ShortID()), zap.String("outcome", string(res.Outcome)))
}

// Reject answers a command that never became a task.
func (r *Reporter) Reject(ctx context.Context, ev chat.Event, err error) {
	var ve *taskstypes.ValidationError
	var text string
	switch {
	case errors.As(err, &ve):
		text = fmt.Sprintf("⚠️ %s. Send %shelp for usage.", ve.Error(), r.prefix)
	case errors.Is(err, taskstypes.ErrDraining):
		text = "🚧 Shutting down, not accepting new commands. Please try again shortly."
	default:
		r.logger.Warn("command rejected", zap.String("channel_id", ev.ChannelID), zap.Error(err))
		text = "⚠️ Your command could not be accepted."
	}
	r.deliver(ctx, ev.Transport, ev.ChannelID, text, zap.String("requester_id", ev.RequesterID))
}

// Notice sends a plain reply, used by control commands.
func (r *Reporter) Notice(ctx context.Context, ev chat.Event, text string) {
	r.deliver(ctx, ev.Transport, ev.ChannelID, text, zap.String("requester_id", ev.RequesterID))
}

// Render formats a result for chat. Internal error detail is never included.
func Render(task *taskstypes.Task, res taskstypes.Result) string {
	ref := fmt.Sprintf("%s (task %s)", task.Kind, task.ShortID())
	switch res.Outcome {
	case taskstypes.OutcomeSuccess:
		return fmt.Sprintf("✅ %s:\n%s", ref, res.Payload)
	case taskstypes.OutcomeFailure:
		summary, ok := failureSummaries[res.FailureKind]
		if !ok {
			summary = failureSummaries[taskstypes.FailureUnknown]
		}
		return fmt.Sprintf("❌ %s failed: %s.", ref, summary)
	case taskstypes.OutcomeTimeout:
		return fmt.Sprintf("⏱️ %s timed out before finishing. The site may just be slow, try again later.", ref)
	case taskstypes.OutcomeCancelled:
		return fmt.Sprintf("🛑 %s was cancelled.", ref)
	default:
		return fmt.Sprintf("❔ %s ended in an unknown state.", ref)
	}
}

// Truncate shortens s to at most limit runes, marking the cut with an
// ellipsis.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	keep := limit - utf8.RuneCountInString(ellipsis)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(s)
	return string(runes[:keep]) + ellipsis
}

func (r *Reporter) deliver(ctx context.Context, transportID, channelID, text string, fields ...zap.Field) {
	log := r.logger.With(append(fields, zap.String("transport", transportID), zap.String("channel_id", channelID))...)
	defer func() {
		if p := recover(); p != nil {
			log.Error("panic while sending chat message", zap.Any("panic", p))
		}
	}()

	r.mu.RLock()
	t, ok := r.transports[transportID]
	r.mu.RUnlock()
	if !ok {
		log.Error("no transport registered for reply")
		return
	}

	text = Truncate(text, t.MaxMessageLen())

	err := r.send(ctx, t, channelID, text)
	if err == nil {
		return
	}
	log.Debug("chat send failed, retrying once", zap.Error(err))

	timer := time.NewTimer(r.RetryDelay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		log.Error("chat message dropped", zap.Error(err), zap.NamedError("ctx_err", ctx.Err()))
		return
	}

	if err := r.send(ctx, t, channelID, text); err != nil {
		log.Error("chat message dropped after retry", zap.Error(err))
	}
}

func (r *Reporter) send(ctx context.Context, t chat.Transport, channelID, text string) error {
	sendCtx, cancel := context.WithTimeout(ctx, r.SendTimeout)
	defer cancel()
	return t.Send(sendCtx, channelID, text)
}
