package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/copyleftdev/mercury/internal/auth"
	"github.com/copyleftdev/mercury/internal/chat"
	"github.com/copyleftdev/mercury/internal/dispatch"
	"go.uber.org/zap"
)

type controlFunc func(ev chat.Event, cmd dispatch.Command)

// controlCommand returns the handler for facade commands that never touch
// the browser. They shadow task kinds of the same name.
func (o *Orchestrator) controlCommand(name string) (controlFunc, bool) {
	switch name {
	case "help":
		return o.help, true
	case "stats":
		return o.stats, true
	case "cancel":
		return o.cancel, true
	case "recycle":
		return o.recycle, true
	default:
		return nil, false
	}
}

func (o *Orchestrator) help(ev chat.Event, _ dispatch.Command) {
	prefix := o.deps.Dispatcher.Prefix()
	var b strings.Builder
	b.WriteString("🧭 Commands:\n")
	for _, k := range o.deps.Registry.Kinds() {
		fmt.Fprintf(&b, "• `%s`: %s\n", k.Usage(prefix), k.Description)
	}
	fmt.Fprintf(&b, "• `%sstats`: uptime and counters\n", prefix)
	fmt.Fprintf(&b, "• `%scancel`: cancel your running commands\n", prefix)
	if o.deps.Verifier != nil && o.deps.Verifier.Enabled() {
		fmt.Fprintf(&b, "• `%srecycle <code>`: owner only, restart idle browser sessions\n", prefix)
	}
	b.WriteString("Arguments are positional or name=value; quote values with spaces.\n")
	b.WriteString("Commands are fire-and-forget: each gets its own reply and order is not guaranteed.")
	o.deps.Reporter.Notice(context.Background(), ev, b.String())
}

func (o *Orchestrator) stats(ev chat.Event, _ dispatch.Command) {
	s := o.Stats()

	outcomes := make([]string, 0, len(s.Outcomes))
	for k, v := range s.Outcomes {
		outcomes = append(outcomes, fmt.Sprintf("%s %d", k, v))
	}
	sort.Strings(outcomes)
	summary := "none yet"
	if len(outcomes) > 0 {
		summary = strings.Join(outcomes, ", ")
	}

	text := fmt.Sprintf("📊 Up %s, %d running, %d rejected.\nResults: %s.\nBrowser sessions: %d/%d live (%d idle, %d busy), %d created, %d destroyed.",
		s.Uptime.Truncate(time.Second), s.InFlight, s.Rejected, summary,
		s.Pool.Size, s.Pool.Max, s.Pool.Idle, s.Pool.Busy, s.Pool.Created, s.Pool.Destroyed)
	o.deps.Reporter.Notice(context.Background(), ev, text)
}

func (o *Orchestrator) cancel(ev chat.Event, _ dispatch.Command) {
	n := o.cancelRequester(ev.Transport, ev.RequesterID)
	text := "Nothing of yours is running."
	if n > 0 {
		text = fmt.Sprintf("🛑 Cancelling %d running command(s).", n)
		o.logger.Info("requester cancelled tasks", zap.String("requester_id", ev.RequesterID), zap.Int("count", n))
	}
	o.deps.Reporter.Notice(context.Background(), ev, text)
}

func (o *Orchestrator) recycle(ev chat.Event, cmd dispatch.Command) {
	if o.deps.Verifier == nil {
		o.deps.Reporter.Notice(context.Background(), ev, "⛔ Admin commands are disabled.")
		return
	}
	code := ""
	if len(cmd.Args) > 0 {
		code = cmd.Args[0]
	}
	if err := o.deps.Verifier.Verify(ev.RequesterID, code); err != nil {
		o.logger.Warn("admin command refused", zap.String("requester_id", ev.RequesterID), zap.Error(err))
		text := "⛔ Not allowed."
		if errors.Is(err, auth.ErrAdminDisabled) {
			text = "⛔ Admin commands are disabled."
		}
		o.deps.Reporter.Notice(context.Background(), ev, text)
		return
	}
	n := o.deps.Pool.RecycleIdle()
	o.logger.Info("idle sessions recycled", zap.Int("count", n))
	o.deps.Reporter.Notice(context.Background(), ev, fmt.Sprintf("♻️ Recycled %d idle browser session(s).", n))
}
