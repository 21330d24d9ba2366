package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/copyleftdev/mercury/internal/taskstypes"
)

// Fault is a failed browser action. Transient faults (network hiccups,
// slow loads, a crashed renderer) are worth retrying; the rest indicate a
// structural mismatch with the page.
type Fault struct {
	Op        Op
	Kind      taskstypes.FailureKind
	Transient bool
	Err       error
}

func (f *Fault) Error() string {
	mode := "terminal"
	if f.Transient {
		mode = "transient"
	}
	return fmt.Sprintf("%s failed (%s, %s): %v", f.Op, f.Kind, mode, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault builds a fault directly; mocks and task kinds use it to signal
// their own failures.
func NewFault(op Op, kind taskstypes.FailureKind, transient bool, err error) *Fault {
	return &Fault{Op: op, Kind: kind, Transient: transient, Err: err}
}

// IsTransient reports whether err wraps a transient Fault.
func IsTransient(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Transient
}

// KindOf returns the failure kind carried by err, or FailureUnknown.
func KindOf(err error) taskstypes.FailureKind {
	var f *Fault
	if errors.As(err, &f) && f.Kind != "" {
		return f.Kind
	}
	return taskstypes.FailureUnknown
}

var (
	// Network errors that will not go away by retrying.
	terminalNetErrors = []string{
		"net::ERR_NAME_NOT_RESOLVED",
		"net::ERR_INVALID_URL",
		"net::ERR_UNSAFE_PORT",
		"net::ERR_BLOCKED_BY_CLIENT",
		"net::ERR_BLOCKED_BY_RESPONSE",
		"net::ERR_CERT_",
	}
	browserGoneErrors = []string{
		"target closed",
		"target crashed",
		"browser has been closed",
		"connection closed",
		"websocket",
		"invalid context",
		"no such target",
	}
	elementErrors = []string{
		"could not find node",
		"no element",
		"not visible",
		"not attached",
		"strict mode violation",
		"element is not",
	}
	scriptErrors = []string{
		"exception",
		"evaluation failed",
		"syntaxerror",
		"referenceerror",
		"typeerror",
	}
)

// Classify wraps a raw driver error into a Fault for op. A deadline hit by
// the per-action timeout is transient for navigation and liveness probes and
// terminal for element operations, where it means the element never showed.
func Classify(op Op, err error) error {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	msg := strings.ToLower(err.Error())

	if errors.Is(err, context.DeadlineExceeded) {
		switch op {
		case OpLaunch, OpNavigate, OpReset, OpPing:
			return NewFault(op, kindForOp(op), true, err)
		default:
			return NewFault(op, taskstypes.FailureElement, false, err)
		}
	}

	if strings.Contains(msg, "net::err_") {
		for _, t := range terminalNetErrors {
			if strings.Contains(msg, strings.ToLower(t)) {
				return NewFault(op, taskstypes.FailureNavigation, false, err)
			}
		}
		return NewFault(op, taskstypes.FailureNavigation, true, err)
	}
	if containsAny(msg, browserGoneErrors) {
		return NewFault(op, taskstypes.FailureBrowser, true, err)
	}
	if containsAny(msg, elementErrors) {
		return NewFault(op, taskstypes.FailureElement, false, err)
	}
	if containsAny(msg, scriptErrors) {
		return NewFault(op, taskstypes.FailureScript, false, err)
	}
	return NewFault(op, kindForOp(op), false, err)
}

func kindForOp(op Op) taskstypes.FailureKind {
	switch op {
	case OpNavigate:
		return taskstypes.FailureNavigation
	case OpLaunch, OpReset, OpPing:
		return taskstypes.FailureBrowser
	case OpWaitVisible, OpClick, OpType, OpSubmit, OpText, OpOuterHTML, OpExists:
		return taskstypes.FailureElement
	case OpTitle:
		return taskstypes.FailureScript
	default:
		return taskstypes.FailureUnknown
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
