package taskstypes

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal state of a task.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// FailureKind classifies a failed automation for user-facing rendering.
type FailureKind string

const (
	FailureNavigation FailureKind = "navigation" // page could not be loaded
	FailureElement    FailureKind = "element"    // expected element missing or not interactable
	FailureScript     FailureKind = "script"     // in-page evaluation failed
	FailureBrowser    FailureKind = "browser"    // browser instance crashed or disconnected
	FailureUnknown    FailureKind = "unknown"
)

// Origin identifies where a command came from and where its reply goes.
type Origin struct {
	Transport   string `json:"transport"`
	ChannelID   string `json:"channel_id"`
	RequesterID string `json:"requester_id"`
	MessageID   string `json:"message_id,omitempty"`
}

// Params holds validated task arguments keyed by parameter name.
type Params map[string]string

// Get returns the named parameter or the empty string.
func (p Params) Get(name string) string {
	return p[name]
}

// Task is one requested automation unit derived from a chat command.
type Task struct {
	ID          uuid.UUID `json:"id"`
	Kind        string    `json:"kind"`
	Params      Params    `json:"params"`
	Origin      Origin    `json:"origin"`
	SubmittedAt time.Time `json:"submitted_at"`
	Deadline    time.Time `json:"deadline"`
}

func NewTask(kind string, params Params, origin Origin, submittedAt time.Time, maxDuration time.Duration) *Task {
	return &Task{
		ID:          uuid.New(),
		Kind:        kind,
		Params:      params,
		Origin:      origin,
		SubmittedAt: submittedAt,
		Deadline:    submittedAt.Add(maxDuration),
	}
}

// ShortID is the first segment of the task ID, used in logs and replies.
func (t *Task) ShortID() string {
	return t.ID.String()[:8]
}

// Remaining returns the time left until the deadline, never negative.
func (t *Task) Remaining(now time.Time) time.Duration {
	if d := t.Deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Result is the terminal outcome of a task. Err carries internal diagnostic
// detail and is never rendered to chat.
type Result struct {
	Outcome     Outcome       `json:"outcome"`
	Payload     string        `json:"payload,omitempty"`
	FailureKind FailureKind   `json:"failure_kind,omitempty"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
	Err         error         `json:"-"`
}

func Success(payload string, attempts int) Result {
	return Result{Outcome: OutcomeSuccess, Payload: payload, Attempts: attempts}
}

func Failure(kind FailureKind, err error, attempts int) Result {
	if kind == "" {
		kind = FailureUnknown
	}
	return Result{Outcome: OutcomeFailure, FailureKind: kind, Err: err, Attempts: attempts}
}

func Timeout(err error, attempts int) Result {
	return Result{Outcome: OutcomeTimeout, Err: err, Attempts: attempts}
}

func Cancelled(err error, attempts int) Result {
	return Result{Outcome: OutcomeCancelled, Err: err, Attempts: attempts}
}
