package transfer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/adamwoolhether/hoist/transfer/engine"
)

func TestEngineErrorUnification(t *testing.T) {
	err := newEngineError(engine.CodeConnectFailed, "connection refused", "http://example.com/a", 0)

	if err.Domain != DomainEngine {
		t.Errorf("domain = %q", err.Domain)
	}
	if err.Code != int(engine.CodeConnectFailed) {
		t.Errorf("code = %d", err.Code)
	}
	if err.Message != "connection refused" {
		t.Errorf("message = %q", err.Message)
	}
	if err.FailingURL != "http://example.com/a" {
		t.Errorf("failing url = %q", err.FailingURL)
	}
}

func TestEngineErrorDefaultsToCodeName(t *testing.T) {
	err := newEngineError(engine.CodeTimedOut, "", "", 0)
	if err.Message != engine.CodeTimedOut.String() {
		t.Errorf("message = %q, want code name", err.Message)
	}
}

func TestSchedulerErrorWrapsClosed(t *testing.T) {
	err := newSchedulerError(SchedShutdown, "http://example.com")
	if !errors.Is(err, ErrSchedulerClosed) {
		t.Error("shutdown error does not wrap ErrSchedulerClosed")
	}

	err = newSchedulerError(SchedBadHandle, "")
	if errors.Is(err, ErrSchedulerClosed) {
		t.Error("bad-handle error must not wrap ErrSchedulerClosed")
	}
	if err.Domain != DomainScheduler {
		t.Errorf("domain = %q", err.Domain)
	}
}

func TestShareErrorUnification(t *testing.T) {
	serr := &engine.ShareError{Code: engine.ShareBadOption, Msg: "bad ttl"}
	err := newShareError(serr)

	if err.Domain != DomainShare {
		t.Errorf("domain = %q", err.Domain)
	}
	var out *engine.ShareError
	if !errors.As(err, &out) || out.Code != engine.ShareBadOption {
		t.Error("underlying share error not reachable through the wrap chain")
	}
}

func TestCancelledError(t *testing.T) {
	err := newCancelledError("ftp://example.com/f", 150)

	if !errors.Is(err, ErrCancelled) {
		t.Error("cancelled error does not wrap ErrCancelled")
	}
	if err.Domain != DomainTransfer {
		t.Errorf("domain = %q", err.Domain)
	}
	if err.ResponseCode() != 150 {
		t.Errorf("response code = %d", err.ResponseCode())
	}
}

func TestUsageError(t *testing.T) {
	err := newUsageError("bad option %q", "x")
	if !errors.Is(err, ErrUsage) {
		t.Error("usage error does not wrap ErrUsage")
	}
	if err.Message != `bad option "x"` {
		t.Errorf("message = %q", err.Message)
	}
}

func TestResponseCodeAccessor(t *testing.T) {
	err := newEngineError(engine.CodePartialTransfer, "short body", "http://example.com", 206)

	if got := ResponseCode(err); got != 206 {
		t.Errorf("ResponseCode = %d, want 206", got)
	}

	// Walks wrap chains.
	wrapped := fmt.Errorf("running transfer: %w", err)
	if got := ResponseCode(wrapped); got != 206 {
		t.Errorf("ResponseCode(wrapped) = %d, want 206", got)
	}

	if got := ResponseCode(errors.New("plain")); got != 0 {
		t.Errorf("ResponseCode(plain) = %d, want 0", got)
	}
	if got := ResponseCode(nil); got != 0 {
		t.Errorf("ResponseCode(nil) = %d, want 0", got)
	}
}

func TestErrorString(t *testing.T) {
	err := newEngineError(engine.CodeResolveFailed, "no such host", "https://missing.example", 0)
	want := fmt.Sprintf("engine error %d: no such host (https://missing.example)", int(engine.CodeResolveFailed))
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
