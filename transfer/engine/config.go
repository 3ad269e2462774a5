package engine

import (
	"time"
)

// Version identifies the engine build, reported in the default
// User-Agent header.
const Version = "1.0.0"

const defaultUserAgent = "hoist/" + Version

// Config carries the per-transfer settings the engines act on. It is
// assembled and validated by the transfer package before New is called.
type Config struct {
	// URL is the fully qualified transfer target.
	URL string

	// Method overrides the protocol's default operation. For HTTP it is
	// the request method; for FTP anything other than the default
	// triggers the matching control verb (upload forces STOR).
	Method string

	// NoBody requests header/metadata only (HEAD for HTTP, no RETR for FTP).
	NoBody bool

	// Upload switches the transfer into sending mode. Body bytes are
	// pulled through Callbacks.PullUpload.
	Upload bool

	// UploadSize is the total outbound body length, -1 when unknown
	// (HTTP then uses chunked transfer encoding).
	UploadSize int64

	// Username and Password authenticate against the origin. FTP falls
	// back to anonymous when empty.
	Username string
	Password string

	// Header lines passed through to the request verbatim, in order.
	Header []string

	// Range restricts the transfer to a byte range, in HTTP range-spec
	// form without the "bytes=" prefix (e.g. "500-999").
	Range string

	// AcceptGzip advertises gzip support and transparently decodes a
	// gzip response body before delivery.
	AcceptGzip bool

	// ReceiveRate caps body delivery in bytes per second, 0 for
	// unlimited. ReceiveBurst defaults to one chunk worth of bytes.
	ReceiveRate  int
	ReceiveBurst int

	// ConnectTimeout bounds dialing (and TLS handshake); zero applies
	// a 30s default. Deadline, when set, bounds the whole transfer.
	ConnectTimeout time.Duration
	Deadline       time.Time

	// ProxyURL routes plain HTTP transfers through an HTTP proxy.
	// ProxyUserPassword is the "user:password" credential for it.
	ProxyURL          string
	ProxyUserPassword string

	// InsecureSkipVerify disables certificate chain verification for
	// TLS connections. The host key check still runs.
	InsecureSkipVerify bool

	// UserAgent overrides the default User-Agent header.
	UserAgent string
}

func (c *Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 30 * time.Second
}

func (c *Config) expired(now time.Time) bool {
	return !c.Deadline.IsZero() && now.After(c.Deadline)
}
