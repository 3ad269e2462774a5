package transfer

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/adamwoolhether/hoist/transfer/engine"
)

// State is a handle's lifecycle position.
type State int32

const (
	// StateRunning is the initial state: the engine is actively
	// transferring and all callbacks are live.
	StateRunning State = iota

	// StateCanceling means Cancel was requested. No new body data or
	// upload bytes flow, but the engine may still be unwinding; the
	// terminal callback has not fired yet.
	StateCanceling

	// StateCompleted is terminal. The delegate has been notified
	// exactly once and released, along with the handle's resources.
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCanceling:
		return "canceling"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// Handle is one logical transfer. Build it with [New], hand it to a
// [Scheduler] (or [Perform] for the blocking path), and receive events
// through the delegate supplied at construction.
//
// A Handle is not restartable: once completed it is spent.
type Handle struct {
	id  uuid.UUID
	url string

	state atomic.Int32
	sched atomic.Pointer[Scheduler]
	err   atomic.Pointer[Error]

	// Written before the handle is started, then touched only by the
	// scheduler goroutine until completion releases them.
	delegate Delegate
	transfer engine.Transfer
	upload   *uploadSource
	logger   *slog.Logger

	sections     []string
	lastCode     int
	received     int64
	sent         int64
	entryPath    string
	start        time.Time
	lastProgress time.Time
	saidLast     bool
}

// New builds a Handle for url, reporting events to delegate. It fails
// fast with a usage error when the delegate is missing or the
// configuration is invalid. The transfer does not start until the
// handle is added to a [Scheduler] or run through [Perform].
func New(url string, delegate Delegate, opts ...Option) (*Handle, error) {
	if delegate == nil {
		return nil, newUsageError("delegate must not be nil")
	}

	var o options
	o.uploadSize = -1
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, newUsageError("applying option: %v", err)
		}
	}

	if err := checkSettings(settings{
		URL:         url,
		Method:      o.method,
		RangeSpec:   o.rangeSpec,
		ReceiveRate: o.receiveRate,
		UploadSize:  o.uploadSize,
	}); err != nil {
		return nil, newUsageError("invalid settings: %v", err)
	}

	h := &Handle{
		id:       uuid.New(),
		url:      url,
		delegate: delegate,
		logger:   slog.Default(),
	}

	if o.upload != nil {
		h.upload = &uploadSource{r: o.upload, size: o.uploadSize}
	}

	cfg := &engine.Config{
		URL:            url,
		Method:         o.method,
		NoBody:         o.noBody || o.method == "HEAD",
		Upload:         o.upload != nil,
		UploadSize:     o.uploadSize,
		Username:       o.username,
		Password:       o.password,
		Header:         o.header,
		Range:          o.rangeSpec,
		AcceptGzip:     o.acceptGzip,
		ReceiveRate:    o.receiveRate,
		ReceiveBurst:   o.receiveBurst,
		ConnectTimeout: o.connectTO,
		UserAgent:      o.userAgent,
	}
	if o.insecureTLS {
		cfg.InsecureSkipVerify = true
	}
	if o.timeout > 0 {
		cfg.Deadline = time.Now().Add(o.timeout)
	}

	// Proxy settings are consulted at construction time only.
	if purl, userpwd, ok := proxyFor(); ok {
		cfg.ProxyURL = purl
		cfg.ProxyUserPassword = userpwd
	}

	cb := engine.Callbacks{
		HeaderLine: h.onHeaderLine,
		BodyData:   h.onBodyData,
		PullUpload: h.onPullUpload,
		Debug:      h.onDebug,
	}
	if h.upload != nil {
		cb.RewindUpload = h.upload.rewind
	}
	if _, ok := delegate.(HostKeyDecider); ok {
		cb.HostKeyCheck = h.onHostKey
	}

	t, err := engine.New(cfg, o.share, cb)
	if err != nil {
		var serr *engine.ShareError
		if errors.As(err, &serr) {
			return nil, newShareError(serr)
		}
		return nil, newUsageError("building transfer: %v", err)
	}
	h.transfer = t

	return h, nil
}

// ID is the handle's unique transfer id, used in logs and spans.
func (h *Handle) ID() string { return h.id.String() }

// URL is the transfer target.
func (h *Handle) URL() string { return h.url }

// State reports the handle's current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Err reports the terminal error. It is nil until the handle completes,
// and stays nil when it completed successfully.
func (h *Handle) Err() *Error { return h.err.Load() }

// InitialFTPPath reports the working directory the FTP server announced
// at login, or "" for non-FTP transfers, servers without PWD, and
// handles that have not completed.
func (h *Handle) InitialFTPPath() string {
	if h.State() != StateCompleted {
		return ""
	}
	return h.entryPath
}

// Cancel requests the transfer stop as quickly as possible. The handle
// will complete with a cancellation error. Cancelling a handle that is
// already canceling or completed is a no-op. Safe to call from any
// goroutine; cancellation is cooperative and takes effect at the
// scheduler's next poll pass.
func (h *Handle) Cancel() {
	if !h.state.CompareAndSwap(int32(StateRunning), int32(StateCanceling)) {
		return
	}
	if s := h.sched.Load(); s != nil {
		s.wakeUp()
	}
}

// step advances the engine one unit. Only the scheduler goroutine (or
// Perform's loop) calls it.
func (h *Handle) step(now time.Time) engine.Status {
	if h.start.IsZero() {
		h.start = now
	}
	return h.transfer.Step(now)
}

// complete finalizes the handle: records the terminal error, delivers
// exactly one terminal callback, and releases the delegate and the
// handle's owned resources. Only the completing goroutine calls it, and
// only once.
func (h *Handle) complete(terr *Error) {
	h.transfer.Close()

	if terr != nil {
		h.err.Store(terr)
	}
	if ep, ok := h.transfer.(interface{ EntryPath() string }); ok {
		h.entryPath = ep.EntryPath()
	}
	h.state.Store(int32(StateCompleted))

	delegate := h.delegate
	h.delegate = nil
	h.upload = nil
	h.transfer = &completedTransfer{h.transfer}

	if cr, ok := delegate.(CompletionReceiver); ok {
		if terr != nil {
			cr.Failed(h, terr)
		} else {
			cr.Finished(h)
		}
	}
}

// unifiedError builds the reportable error for a terminal engine
// status, folding in the response code when one was seen.
func (h *Handle) unifiedError() *Error {
	code, detail := h.transfer.Result()
	if code == engine.CodeOK {
		return nil
	}
	return newEngineError(code, detail, h.url, h.transfer.ResponseCode())
}

// cancelError is the terminal error for a cancelled handle. It wins
// over whatever the engine observed during unwind.
func (h *Handle) cancelError() *Error {
	return newCancelledError(h.url, h.transfer.ResponseCode())
}

func (h *Handle) onHeaderLine(line string) error {
	if h.State() != StateRunning {
		return engine.ErrAborted
	}

	if line != "" {
		h.sections = append(h.sections, line)
		return nil
	}

	resp := buildResponse(h.sections, h.lastCode)
	h.lastCode = resp.StatusCode()
	h.sections = nil

	if rr, ok := h.delegate.(ResponseReceiver); ok {
		rr.ReceivedResponse(h, resp)
	}
	return nil
}

func (h *Handle) onBodyData(p []byte) error {
	if h.State() != StateRunning {
		return engine.ErrAborted
	}

	h.received += int64(len(p))
	h.logProgress()
	h.delegate.ReceivedData(h, p)
	return nil
}

func (h *Handle) onPullUpload(p []byte) (int, error) {
	if h.State() != StateRunning {
		return 0, engine.ErrAborted
	}
	if h.upload == nil {
		return 0, io.EOF
	}

	n, err := h.upload.pull(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}

	obs, watch := h.delegate.(BodySendObserver)
	if n > 0 {
		h.sent += int64(n)
		if watch {
			obs.WillSendBodyData(h, n)
		}
		return n, nil
	}

	if !h.saidLast {
		h.saidLast = true
		if watch {
			obs.WillSendBodyData(h, 0)
		}
	}
	return 0, io.EOF
}

func (h *Handle) onDebug(kind engine.InfoKind, text string) {
	if dr, ok := h.delegate.(DebugReceiver); ok {
		dr.ReceivedDebugInfo(h, text, kind)
	}
	h.logger.Debug("transfer debug", "id", h.id, "kind", kind.String(), "info", text)
}

func (h *Handle) onHostKey(found, known HostKey, match KeyMatch) KeyDisposition {
	return h.delegate.(HostKeyDecider).FoundHostFingerprint(h, found, known, match)
}

// logProgress reports transfer progress at most once per second.
func (h *Handle) logProgress() {
	now := time.Now()
	if now.Sub(h.lastProgress) < time.Second {
		return
	}
	h.lastProgress = now

	elapsed := now.Sub(h.start)
	rate := float64(h.received) / elapsed.Seconds()
	h.logger.Debug("transfer progress",
		"id", h.id,
		"url", h.url,
		"received", humanize.IBytes(uint64(h.received)),
		"elapsed", elapsed.Round(time.Millisecond),
		"rate", humanize.IBytes(uint64(rate))+"/s",
	)
}

// completedTransfer keeps ResponseCode queryable after the handle's
// engine resources were released.
type completedTransfer struct {
	engine.Transfer
}

func (c *completedTransfer) Step(time.Time) engine.Status { return engine.StatusDone }
