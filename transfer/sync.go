package transfer

import (
	"time"

	"github.com/adamwoolhether/hoist/transfer/engine"
)

// performMarker claims a handle for Perform so it can never also be
// added to a scheduler.
var performMarker = &Scheduler{}

// Perform drives h to completion on the calling goroutine and returns
// only once the handle is completed. Delegate callbacks are delivered
// normally during the call, from the calling goroutine. Cancel the
// handle from another goroutine to make Perform return early.
//
// Prefer a [Scheduler]; this is the blocking convenience path.
func Perform(h *Handle) error {
	if h == nil {
		return newUsageError("handle must not be nil")
	}
	if !h.sched.CompareAndSwap(nil, performMarker) {
		return newUsageError("handle was already started")
	}

	for {
		if h.State() == StateCanceling {
			h.transfer.Close()
			terr := h.cancelError()
			h.complete(terr)
			return terr
		}

		switch h.step(time.Now()) {
		case engine.StatusDone:
			h.complete(nil)
			return nil

		case engine.StatusFailed:
			terr := h.unifiedError()
			if h.State() == StateCanceling {
				terr = h.cancelError()
			}
			h.complete(terr)
			return terr

		case engine.StatusBlocked:
			time.Sleep(pollIdle)
		}
	}
}
