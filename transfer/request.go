package transfer

import (
	"bytes"
	"io"
	"strings"
)

// Request is a generic request description translated into engine
// options by [NewFromRequest]. It mirrors the common request-object
// shape so callers can reuse one across protocols.
type Request struct {
	// Method maps to the protocol operation. "HEAD" requests metadata
	// only regardless of protocol; "PUT" (or any body) switches the
	// transfer into uploading mode.
	Method string

	// URL is the transfer target.
	URL string

	// Header fields, translated per field: "Range" (in "bytes=a-b"
	// form) becomes the engine's range option, "Accept-Encoding: gzip"
	// enables transparent decoding, everything else passes through.
	Header map[string][]string

	// Body is the outbound payload. BodyReader takes precedence when
	// both are set; give BodySize -1 when the reader's length is
	// unknown.
	Body       []byte
	BodyReader io.Reader
	BodySize   int64
}

// NewFromRequest translates req's fields into handle options and
// builds the handle. Extra opts apply after the translated ones, so
// they win on conflict.
func NewFromRequest(req *Request, delegate Delegate, opts ...Option) (*Handle, error) {
	if req == nil {
		return nil, newUsageError("request must not be nil")
	}

	var translated []Option

	switch {
	case req.BodyReader != nil:
		translated = append(translated, WithUpload(req.BodyReader, req.BodySize))
	case req.Body != nil:
		translated = append(translated, WithUpload(bytes.NewReader(req.Body), int64(len(req.Body))))
	}

	if req.Method != "" {
		translated = append(translated, WithMethod(req.Method))
		if strings.EqualFold(req.Method, "HEAD") {
			translated = append(translated, WithNoBody())
		}
	}

	for name, values := range req.Header {
		for _, value := range values {
			switch strings.ToLower(name) {
			case "range":
				spec := strings.TrimPrefix(strings.TrimSpace(value), "bytes=")
				translated = append(translated, WithRange(spec))
			case "accept-encoding":
				if strings.Contains(strings.ToLower(value), "gzip") {
					translated = append(translated, WithAcceptGzip())
				}
			default:
				translated = append(translated, WithHeader(name, value))
			}
		}
	}

	return New(req.URL, delegate, append(translated, opts...)...)
}
