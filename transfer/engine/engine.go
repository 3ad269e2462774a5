// Package engine implements the per-transfer protocol state machines
// driven by the transfer scheduler.
//
// A [Transfer] makes progress in small, non-blocking increments: each
// call to [Transfer.Step] performs at most one unit of work (consume a
// received chunk, write a slice of the request, advance the protocol
// state) and reports whether it progressed, is waiting on the network,
// or reached a terminal status. Socket reads happen on a private pump
// goroutine per connection; Step only ever polls channels, so a caller
// multiplexing many transfers over one goroutine is never blocked by a
// slow peer.
//
// All delegate-facing events (header lines, body chunks, upload pulls,
// debug text, host key checks) are surfaced through [Callbacks] and are
// invoked synchronously from within Step.
package engine

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status is the result of a single Step call.
type Status int

const (
	// StatusWorking means the step made progress; call Step again soon.
	StatusWorking Status = iota
	// StatusBlocked means the transfer is waiting on network readiness.
	StatusBlocked
	// StatusDone is terminal: the transfer completed cleanly.
	StatusDone
	// StatusFailed is terminal: Result carries the native code and detail.
	StatusFailed
)

// InfoKind classifies debug information reported through Callbacks.Debug.
type InfoKind int

const (
	InfoText InfoKind = iota
	InfoHeaderIn
	InfoHeaderOut
	InfoDataIn
	InfoDataOut
	InfoTLSDataIn
	InfoTLSDataOut
)

func (k InfoKind) String() string {
	switch k {
	case InfoText:
		return "text"
	case InfoHeaderIn:
		return "header in"
	case InfoHeaderOut:
		return "header out"
	case InfoDataIn:
		return "data in"
	case InfoDataOut:
		return "data out"
	case InfoTLSDataIn:
		return "tls data in"
	case InfoTLSDataOut:
		return "tls data out"
	}
	return "unknown"
}

// KeyMatch classifies a presented host key against the known-hosts store.
type KeyMatch int

const (
	// KeyMatchOK means the presented key matches the stored key exactly.
	KeyMatchOK KeyMatch = iota
	// KeyMatchMismatch means a key is stored for the host but differs.
	KeyMatchMismatch
	// KeyMatchMissing means no key is stored for this host.
	KeyMatchMissing
	// KeyMatchNoStore means no known-hosts store is attached at all.
	KeyMatchNoStore
)

// KeyDisposition is the caller's verdict on a host key check.
type KeyDisposition int

const (
	// KeyReject aborts the transfer.
	KeyReject KeyDisposition = iota
	// KeyAccept allows this connection only.
	KeyAccept
	// KeyAcceptAndPersist allows the connection and records the key in
	// the attached store for future transfers.
	KeyAcceptAndPersist
)

// HostKey is a fingerprint of a remote host's public key.
type HostKey struct {
	// Fingerprint is the hex-encoded SHA-256 digest of the host's
	// public key, empty when no key is available.
	Fingerprint string
}

// ErrAborted is returned by a callback to stop the transfer. The
// transfer fails with CodeAbortedByCallback.
var ErrAborted = errors.New("transfer aborted by callback")

// Callbacks carries the event hooks a Transfer invokes from Step.
// HeaderLine, BodyData and PullUpload must be non-nil; the rest may be
// nil. Any callback may return an error to abort the transfer.
type Callbacks struct {
	// HeaderLine receives one raw header line without its line ending.
	// An empty line marks the end of a header section.
	HeaderLine func(line string) error

	// BodyData receives a chunk of decoded response body. The slice is
	// only valid for the duration of the call.
	BodyData func(p []byte) error

	// PullUpload fills p with the next outbound body bytes and returns
	// the count. io.EOF signals that the body is exhausted.
	PullUpload func(p []byte) (int, error)

	// RewindUpload asks the caller to reposition the upload body at its
	// start. Optional; a nil hook means rewinding is unsupported.
	RewindUpload func() error

	// Debug receives protocol-level trace information.
	Debug func(kind InfoKind, text string)

	// HostKeyCheck decides whether to trust the presented host key.
	// Optional; when nil only KeyMatchOK is accepted.
	HostKeyCheck func(found, known HostKey, match KeyMatch) KeyDisposition
}

// Transfer is one protocol transfer advanced by repeated Step calls.
type Transfer interface {
	// Step performs one non-blocking unit of work.
	Step(now time.Time) Status

	// Result reports the terminal code and captured detail. Only
	// meaningful after Step returned StatusDone or StatusFailed.
	Result() (Code, string)

	// ResponseCode reports the last HTTP/FTP status code seen, 0 if none.
	ResponseCode() int

	// Close releases the transfer's connections. Safe to call at any
	// point and more than once.
	Close() error
}

// New builds a Transfer for cfg's URL scheme. The share may be nil.
func New(cfg *Config, share *Share, cb Callbacks) (Transfer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CodeBadURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%s: missing host in %q", CodeBadURL, cfg.URL)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return newHTTPTransfer(cfg, u, share, cb), nil
	case "ftp":
		return newFTPTransfer(cfg, u, share, cb), nil
	default:
		return nil, fmt.Errorf("%s: %q", CodeUnsupportedScheme, u.Scheme)
	}
}
