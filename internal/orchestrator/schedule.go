package orchestrator

import (
	"fmt"
	"time"

	"github.com/copyleftdev/mercury/internal/chat"
	"github.com/copyleftdev/mercury/internal/config"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const scheduleRequester = "scheduler"

// cronLogger routes cron's own logging to zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// startSchedules registers every configured schedule. Each tick injects the
// command as if the scheduler had typed it in the channel; it then goes
// through the same admission, dispatch and reply path as a chat message.
func (o *Orchestrator) startSchedules() error {
	if len(o.cfg.Schedules) == 0 {
		return nil
	}

	logger := cronLogger{sugar: o.logger.Named("cron").Sugar()}
	o.scheduler = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)

	for _, sc := range o.cfg.Schedules {
		transportID := sc.Transport
		if transportID == "" {
			transportID = o.primary
		}
		if _, ok := o.transports[transportID]; !ok {
			return fmt.Errorf("schedule %q refers to unknown transport %q", sc.Name, transportID)
		}
		if _, ok := o.deps.Dispatcher.Parse(sc.Command); !ok {
			return fmt.Errorf("schedule %q command %q does not start with the command prefix", sc.Name, sc.Command)
		}

		ev := scheduledEvent(sc, transportID)
		_, err := o.scheduler.AddFunc(sc.Spec, func() {
			tick := ev
			tick.ReceivedAt = time.Now()
			o.logger.Debug("schedule fired", zap.String("schedule", sc.Name))
			o.handle(tick)
		})
		if err != nil {
			return fmt.Errorf("invalid cron spec for schedule %q: %w", sc.Name, err)
		}
		o.logger.Info("schedule registered",
			zap.String("schedule", sc.Name),
			zap.String("spec", sc.Spec),
		)
	}

	o.scheduler.Start()
	return nil
}

func scheduledEvent(sc config.ScheduleConfig, transportID string) chat.Event {
	return chat.Event{
		Transport:     transportID,
		ChannelID:     sc.Channel,
		RequesterID:   scheduleRequester,
		RequesterName: sc.Name,
		MessageID:     "schedule:" + sc.Name,
		Text:          sc.Command,
	}
}
