// Package transfer is an asynchronous client-side transfer engine: it
// drives concurrent HTTP, HTTPS and FTP transfers to completion and
// reports everything through a delegate.
//
// # Building a Handle
//
// A [Handle] represents one transfer. Construct it with a target URL,
// a delegate, and functional options:
//
//	h, err := transfer.New("https://example.com/file.bin", delegate,
//		transfer.WithCredential("user", "secret"),
//		transfer.WithTimeout(time.Minute),
//	)
//
// The delegate implements [Delegate] (one required method) plus any of
// the optional capability interfaces it cares about: [ResponseReceiver],
// [CompletionReceiver], [HostKeyDecider], [BodySendObserver],
// [DebugReceiver].
//
// # Running Transfers
//
// A [Scheduler] services any number of handles on one background poll
// loop:
//
//	s := transfer.NewScheduler()
//	defer s.Close()
//	if err := s.Add(h); err != nil { ... }
//
// Delegate callbacks arrive on an arbitrary goroutine and must not
// block; a slow callback stalls every transfer sharing the scheduler.
// For each handle the callback order is fixed: every parsed response
// precedes the body data that belongs to it, and exactly one of
// Finished or Failed arrives last.
//
// [Perform] is the blocking alternative: it runs the same machinery to
// completion on the calling goroutine.
//
// # Cancellation
//
// [Handle.Cancel] is cooperative: it flips the handle into its
// canceling state and the scheduler unwinds the transfer at its next
// pass. The handle then fails with [ErrCancelled]. Cancelling twice,
// or after completion, is a no-op.
//
// # Errors
//
// Every failure surfaces through the delegate as a single [Error]
// value carrying the native code of whichever domain produced it
// (engine, scheduler, or shared state) and, when one was seen, the
// HTTP/FTP response code:
//
//	func (d *dl) Failed(h *transfer.Handle, err *transfer.Error) {
//		log.Printf("%s failed: %v (status %d)", h.URL(), err, err.ResponseCode())
//	}
//
// A response status of 400 or above is not by itself an error: the
// response is delivered normally and the caller decides what protocol
// statuses mean.
package transfer
