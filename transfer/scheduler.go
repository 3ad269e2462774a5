package transfer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/adamwoolhether/hoist/transfer/engine"
)

// pollIdle is how long the loop rests when no handle made progress.
const pollIdle = time.Millisecond

// Scheduler drives any number of handles to completion over one shared
// poll loop on a dedicated background goroutine. Handles are added with
// [Scheduler.Add] and removed automatically when they reach their
// terminal state, at which point the delegate's completion callback is
// the last callback delivered for that handle.
type Scheduler struct {
	logger *slog.Logger
	tracer trace.Tracer
	sem    *semaphore.Weighted

	mu      sync.Mutex
	pending []*Handle
	closed  bool

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	// active is touched only by the loop goroutine.
	active map[*Handle]trace.Span
}

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*schedOptions)

type schedOptions struct {
	logger    *slog.Logger
	tracer    trace.Tracer
	maxActive int64
}

// WithLogger injects a custom [slog.Logger] into the Scheduler and
// every handle it services.
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(o *schedOptions) {
		o.logger = logger
	}
}

// WithTracer records one span per transfer on the given tracer,
// started when the handle is admitted and ended at its terminal state.
func WithTracer(tracer trace.Tracer) SchedulerOption {
	return func(o *schedOptions) {
		o.tracer = tracer
	}
}

// WithMaxActive caps how many handles are serviced concurrently.
// Further handles wait in an admission queue. n <= 0 means unlimited.
func WithMaxActive(n int) SchedulerOption {
	return func(o *schedOptions) {
		o.maxActive = int64(n)
	}
}

// NewScheduler builds a Scheduler and starts its poll loop. The loop
// idles while no handles are active and resumes on the next Add.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	var o schedOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Scheduler{
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("no-op tracer"),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		active: make(map[*Handle]trace.Span),
	}
	if o.logger != nil {
		s.logger = o.logger
	}
	if o.tracer != nil {
		s.tracer = o.tracer
	}
	if o.maxActive > 0 {
		s.sem = semaphore.NewWeighted(o.maxActive)
	}

	go s.run()

	return s
}

// Add registers h and begins servicing it on subsequent poll passes.
// Safe to call from any goroutine. It fails when the scheduler is
// closed, or when h was already started elsewhere.
func (s *Scheduler) Add(h *Handle) error {
	if h == nil {
		return newUsageError("handle must not be nil")
	}
	if h.State() == StateCompleted {
		return newSchedulerError(SchedBadHandle, h.url)
	}
	if !h.sched.CompareAndSwap(nil, s) {
		return newSchedulerError(SchedBadHandle, h.url)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// Release the claim so the handle can still run elsewhere.
		h.sched.CompareAndSwap(s, nil)
		return newSchedulerError(SchedShutdown, h.url)
	}
	h.logger = s.logger
	s.pending = append(s.pending, h)
	s.mu.Unlock()

	s.wakeUp()
	return nil
}

// Close stops the poll loop. Handles still active or pending fail with
// a scheduler shutdown error. Close blocks until the loop has exited
// and is safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.quitOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Scheduler) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	idle := time.NewTimer(pollIdle)
	defer idle.Stop()

	for {
		s.admit()

		if len(s.active) == 0 {
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				s.shutdown()
				return
			}
		}

		progressed := false
		for h := range s.active {
			if s.service(h, time.Now()) {
				progressed = true
			}
		}

		select {
		case <-s.quit:
			s.shutdown()
			return
		default:
		}

		if !progressed {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(pollIdle)
			select {
			case <-idle.C:
			case <-s.wake:
			case <-s.quit:
				s.shutdown()
				return
			}
		}
	}
}

// admit moves pending handles into the active set, respecting the
// max-active limit. Handles cancelled while waiting complete without
// ever being serviced.
func (s *Scheduler) admit() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for i, h := range pending {
		if h.State() == StateCanceling {
			h.complete(h.cancelError())
			continue
		}
		if s.sem != nil && !s.sem.TryAcquire(1) {
			s.mu.Lock()
			s.pending = append(append([]*Handle{}, pending[i:]...), s.pending...)
			s.mu.Unlock()
			return
		}

		_, span := s.tracer.Start(context.Background(), "transfer",
			trace.WithAttributes(
				attribute.String("transfer.id", h.ID()),
				attribute.String("transfer.url", h.URL()),
			),
		)
		s.active[h] = span
		s.logger.Debug("transfer started", "id", h.ID(), "url", h.URL())
	}
}

// service runs one poll step for h and reports whether it progressed.
func (s *Scheduler) service(h *Handle, now time.Time) bool {
	if h.State() == StateCanceling {
		h.transfer.Close()
		s.finish(h, h.cancelError())
		return true
	}

	switch h.step(now) {
	case engine.StatusWorking:
		return true
	case engine.StatusDone:
		s.finish(h, nil)
		return true
	case engine.StatusFailed:
		terr := h.unifiedError()
		if h.State() == StateCanceling {
			// The cancel flag flipped mid-step; cancellation wins.
			terr = h.cancelError()
		}
		s.finish(h, terr)
		return true
	default: // blocked
		return false
	}
}

// finish transitions h to Completed, delivers the terminal callback,
// and releases its admission slot and span.
func (s *Scheduler) finish(h *Handle, terr *Error) {
	span := s.active[h]
	delete(s.active, h)
	if s.sem != nil {
		s.sem.Release(1)
	}

	span.SetAttributes(
		attribute.Int64("transfer.bytes_received", h.received),
		attribute.Int64("transfer.bytes_sent", h.sent),
		attribute.Int("transfer.response_code", h.transfer.ResponseCode()),
	)
	if terr != nil {
		span.SetStatus(codes.Error, terr.Message)
		s.logger.Debug("transfer failed", "id", h.ID(), "url", h.URL(), "error", terr)
	} else {
		span.SetStatus(codes.Ok, "")
		s.logger.Debug("transfer finished", "id", h.ID(), "url", h.URL(), "received", h.received)
	}
	span.End()

	h.complete(terr)
}

// shutdown fails everything still in flight with a scheduler error.
func (s *Scheduler) shutdown() {
	for h := range s.active {
		h.transfer.Close()
		s.finish(h, newSchedulerError(SchedShutdown, h.url))
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, h := range pending {
		h.complete(newSchedulerError(SchedShutdown, h.url))
	}
}
