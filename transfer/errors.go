package transfer

import (
	"errors"
	"fmt"

	"github.com/adamwoolhether/hoist/transfer/engine"
)

// Domain identifies which native status-code space an [Error] belongs
// to. The engine, the scheduler, and the shared-state layer each have
// their own independent code space; DomainTransfer covers conditions
// raised by this package itself (cancellation, usage errors).
type Domain string

const (
	DomainEngine    Domain = "engine"
	DomainScheduler Domain = "scheduler"
	DomainShare     Domain = "share"
	DomainTransfer  Domain = "transfer"
)

// SchedCode is the scheduler's native status-code space.
type SchedCode int

const (
	SchedOK SchedCode = iota
	SchedBadHandle
	SchedShutdown
	SchedInternal
)

func (c SchedCode) String() string {
	switch c {
	case SchedOK:
		return "no error"
	case SchedBadHandle:
		return "handle is not in a startable state"
	case SchedShutdown:
		return "scheduler was closed"
	case SchedInternal:
		return "internal scheduler error"
	}
	return "unknown scheduler error"
}

// Transfer-domain codes.
const (
	codeCancelled = 1
	codeUsage     = 2
)

var (
	// ErrCancelled reports cooperative cancellation via [Handle.Cancel].
	ErrCancelled = errors.New("transfer cancelled")

	// ErrUsage reports invalid use of the API, such as constructing a
	// handle without a delegate.
	ErrUsage = errors.New("invalid transfer usage")

	// ErrSchedulerClosed reports work submitted to, or still active on,
	// a closed scheduler.
	ErrSchedulerClosed = errors.New("scheduler closed")
)

// Error is the unified reportable failure for a transfer. It preserves
// the native code of the domain that produced it, and carries the
// HTTP/FTP response code as auxiliary context when one was seen.
type Error struct {
	// Domain is the native code space Code belongs to.
	Domain Domain

	// Code is the native status code within Domain.
	Code int

	// Message is the human-readable description captured at the point
	// of failure.
	Message string

	// FailingURL is the transfer target, when known.
	FailingURL string

	// Err is the wrapped underlying error, if any.
	Err error

	responseCode int
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s error %d: %s", e.Domain, e.Code, e.Message)
	if e.FailingURL != "" {
		s += " (" + e.FailingURL + ")"
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// ResponseCode reports the HTTP/FTP status code attached to the error,
// 0 when none was observed before the failure.
func (e *Error) ResponseCode() int { return e.responseCode }

// newEngineError unifies a native engine code into an Error.
func newEngineError(code engine.Code, detail, failingURL string, responseCode int) *Error {
	msg := code.String()
	if detail != "" {
		msg = detail
	}
	return &Error{
		Domain:       DomainEngine,
		Code:         int(code),
		Message:      msg,
		FailingURL:   failingURL,
		responseCode: responseCode,
	}
}

// newSchedulerError unifies a scheduler-level code into an Error.
func newSchedulerError(code SchedCode, failingURL string) *Error {
	e := &Error{
		Domain:     DomainScheduler,
		Code:       int(code),
		Message:    code.String(),
		FailingURL: failingURL,
	}
	if code == SchedShutdown {
		e.Err = ErrSchedulerClosed
	}
	return e
}

// newShareError unifies a shared-state failure into an Error.
func newShareError(serr *engine.ShareError) *Error {
	return &Error{
		Domain:  DomainShare,
		Code:    int(serr.Code),
		Message: serr.Msg,
		Err:     serr,
	}
}

// newCancelledError builds the terminal error for a cancelled handle.
// Cancellation takes precedence over whatever the engine reported while
// unwinding, so callers always observe the same error kind.
func newCancelledError(failingURL string, responseCode int) *Error {
	return &Error{
		Domain:       DomainTransfer,
		Code:         codeCancelled,
		Message:      ErrCancelled.Error(),
		FailingURL:   failingURL,
		Err:          ErrCancelled,
		responseCode: responseCode,
	}
}

// newUsageError reports invalid construction or use of the API.
func newUsageError(format string, args ...any) *Error {
	return &Error{
		Domain:  DomainTransfer,
		Code:    codeUsage,
		Message: fmt.Sprintf(format, args...),
		Err:     ErrUsage,
	}
}

// ResponseCode extracts the HTTP/FTP status attached to err, walking
// the wrap chain. It reports 0 when err carries none.
func ResponseCode(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.ResponseCode()
	}
	return 0
}
