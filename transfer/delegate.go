package transfer

import (
	"time"

	"github.com/adamwoolhether/hoist/transfer/engine"
)

// Delegate is the required callback surface for a [Handle]. The handle
// retains its delegate for the whole active lifetime of the transfer
// and releases it when the terminal callback has been delivered.
//
// Callbacks arrive on an arbitrary goroutine owned by the scheduler.
// They must not block: every transfer sharing the scheduler waits while
// a callback runs. Hand off to your own goroutine if you need to do
// real work or require goroutine affinity.
type Delegate interface {
	// ReceivedData is invoked for every chunk of response body. The
	// slice is only valid for the duration of the call.
	ReceivedData(h *Handle, data []byte)
}

// ResponseReceiver is implemented by delegates that want the parsed
// response for each completed header section. Interim sections (HTTP
// 1xx, FTP reply groups) each produce their own Response, always
// delivered before any body data that follows them.
type ResponseReceiver interface {
	ReceivedResponse(h *Handle, resp *Response)
}

// CompletionReceiver is implemented by delegates that want terminal
// notifications. Exactly one of Finished or Failed is called per
// handle, after which no further callbacks arrive.
type CompletionReceiver interface {
	Finished(h *Handle)
	Failed(h *Handle, err *Error)
}

// HostKeyDecider lets a delegate rule on host fingerprint checks. When
// a delegate does not implement it, only an exact key match is
// accepted; mismatching, unknown, and storeless hosts are rejected.
// That default is a security decision; it is never weakened silently.
type HostKeyDecider interface {
	FoundHostFingerprint(h *Handle, found, known HostKey, match KeyMatch) KeyDisposition
}

// BodySendObserver is implemented by delegates that want to watch
// outbound body progress. A length of zero reports that the final
// chunk is about to be sent, so an upload's completion can be
// anticipated.
type BodySendObserver interface {
	WillSendBodyData(h *Handle, length int)
}

// DebugReceiver is implemented by delegates that want protocol-level
// trace information.
type DebugReceiver interface {
	ReceivedDebugInfo(h *Handle, text string, kind InfoKind)
}

// ————————————————————————————————————————————————————————————————————
// Type aliases – re-export the engine's caller-facing types.
// ————————————————————————————————————————————————————————————————————

type (
	// HostKey is a fingerprint of a remote host's public key.
	HostKey = engine.HostKey

	// KeyMatch classifies a presented host key against the known-hosts store.
	KeyMatch = engine.KeyMatch

	// KeyDisposition is the verdict on a host key check.
	KeyDisposition = engine.KeyDisposition

	// InfoKind classifies debug information.
	InfoKind = engine.InfoKind

	// Share holds state reused across transfers: the resolved-address
	// cache and the known-hosts store.
	Share = engine.Share
)

const (
	KeyMatchOK       = engine.KeyMatchOK
	KeyMatchMismatch = engine.KeyMatchMismatch
	KeyMatchMissing  = engine.KeyMatchMissing
	KeyMatchNoStore  = engine.KeyMatchNoStore

	KeyReject           = engine.KeyReject
	KeyAccept           = engine.KeyAccept
	KeyAcceptAndPersist = engine.KeyAcceptAndPersist

	InfoText      = engine.InfoText
	InfoHeaderIn  = engine.InfoHeaderIn
	InfoHeaderOut = engine.InfoHeaderOut
	InfoDataIn    = engine.InfoDataIn
	InfoDataOut   = engine.InfoDataOut
)

// NewShare builds a Share for use with [WithShare].
func NewShare(opts ...engine.ShareOption) (*Share, error) {
	return engine.NewShare(opts...)
}

// WithDNSCacheTTL sets how long the share reuses resolved addresses.
func WithDNSCacheTTL(ttl time.Duration) engine.ShareOption {
	return engine.WithDNSCacheTTL(ttl)
}

// WithKnownHost seeds the share's known-hosts store with a trusted
// fingerprint (hex SHA-256 of the host's public key).
func WithKnownHost(host, fingerprint string) engine.ShareOption {
	return engine.WithKnownHost(host, fingerprint)
}
