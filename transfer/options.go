package transfer

import (
	"errors"
	"io"
	"time"

	"github.com/adamwoolhether/hoist/transfer/engine"
)

// Option is a functional option for configuring a [Handle] via [New].
type Option func(*options) error

type options struct {
	username     string
	password     string
	method       string
	noBody       bool
	header       []string
	rangeSpec    string
	acceptGzip   bool
	upload       io.Reader
	uploadSize   int64
	receiveRate  int
	receiveBurst int
	timeout      time.Duration
	connectTO    time.Duration
	insecureTLS  bool
	userAgent    string
	share        *engine.Share
}

// WithCredential authenticates the transfer with the given username
// and password (HTTP basic auth, or FTP login).
func WithCredential(username, password string) Option {
	return func(o *options) error {
		if username == "" {
			return errors.New("username must not be empty")
		}
		o.username = username
		o.password = password
		return nil
	}
}

// WithMethod overrides the protocol's default operation, e.g. "POST".
// "HEAD" additionally implies [WithNoBody] for any protocol.
func WithMethod(method string) Option {
	return func(o *options) error {
		if method == "" {
			return errors.New("method must not be empty")
		}
		o.method = method
		return nil
	}
}

// WithNoBody requests headers/metadata only: HEAD for HTTP, a SIZE
// probe for FTP.
func WithNoBody() Option {
	return func(o *options) error {
		o.noBody = true
		return nil
	}
}

// WithHeader passes a header line through to the request verbatim.
func WithHeader(name, value string) Option {
	return func(o *options) error {
		if name == "" {
			return errors.New("header name must not be empty")
		}
		o.header = append(o.header, name+": "+value)
		return nil
	}
}

// WithRange restricts the transfer to a byte range, in HTTP range-spec
// form without the "bytes=" prefix (e.g. "500-999"). For FTP only an
// open-ended start offset ("500-") is honored, via REST.
func WithRange(spec string) Option {
	return func(o *options) error {
		if spec == "" {
			return errors.New("range spec must not be empty")
		}
		o.rangeSpec = spec
		return nil
	}
}

// WithUpload switches the transfer into sending mode, pulling body
// bytes from r on demand. size is the total body length, or -1 when
// unknown (HTTP then uses chunked encoding). If r implements
// [io.Seeker] the body can be rewound should the engine re-request it;
// otherwise a re-request fails the transfer with a usage error.
func WithUpload(r io.Reader, size int64) Option {
	return func(o *options) error {
		if r == nil {
			return errors.New("upload reader must not be nil")
		}
		if size < -1 {
			return errors.New("upload size must be -1 or non-negative")
		}
		o.upload = r
		o.uploadSize = size
		return nil
	}
}

// WithAcceptGzip advertises gzip support and transparently decodes a
// gzip-encoded response body before delivery.
func WithAcceptGzip() Option {
	return func(o *options) error {
		o.acceptGzip = true
		return nil
	}
}

// WithReceiveRate caps body delivery at rate bytes per second with the
// given burst. A burst of 0 uses the engine's chunk size.
func WithReceiveRate(bytesPerSecond, burst int) Option {
	return func(o *options) error {
		if bytesPerSecond <= 0 {
			return errors.New("receive rate must be positive")
		}
		o.receiveRate = bytesPerSecond
		o.receiveBurst = burst
		return nil
	}
}

// WithTimeout bounds the whole transfer. On expiry the handle fails
// with an engine-domain timeout error, like any other engine option.
func WithTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		o.timeout = d
		return nil
	}
}

// WithConnectTimeout bounds dialing and the TLS handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("connect timeout must be positive")
		}
		o.connectTO = d
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate chain verification.
// The host fingerprint check still runs.
func WithInsecureSkipVerify() Option {
	return func(o *options) error {
		o.insecureTLS = true
		return nil
	}
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(o *options) error {
		if ua == "" {
			return errors.New("user agent must not be empty")
		}
		o.userAgent = ua
		return nil
	}
}

// WithShare attaches shared state (DNS cache, known-hosts store) to
// the transfer. The same Share may back any number of handles.
func WithShare(s *Share) Option {
	return func(o *options) error {
		if s == nil {
			return errors.New("share must not be nil")
		}
		o.share = s
		return nil
	}
}
