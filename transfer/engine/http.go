package engine

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	httpStateDial = iota
	httpStateHostKey
	httpStateSendHead
	httpStateSendBody
	httpStateRecvHead
	httpStateRecvBody
	httpStateDone
	httpStateFailed
)

// httpTransfer drives one HTTP/1.1 exchange over a dedicated
// connection. Connections are not reused; the request always carries
// "Connection: close" so an unframed body is bounded by EOF.
type httpTransfer struct {
	cfg   *Config
	u     *url.URL
	share *Share
	cb    Callbacks

	state int
	stop  chan struct{}

	dialer  *dialer
	conn    net.Conn
	pmp     *pump
	peerKey string

	outBuf []byte

	// Response parsing.
	lines       lineBuffer
	sectionLine int
	statusCode  int
	contentLen  int64
	chunked     bool
	gzipped     bool
	chunkDec    *chunkedDecoder
	gz          *gunzipper
	gzDone      bool
	gzPending   []byte // deframed bytes the decoder queue refused
	leftover    []byte
	framed      int64 // raw body bytes consumed toward the framing
	received    int64 // body bytes delivered to the caller

	limiter   *rate.Limiter
	notBefore time.Time

	pullBuf    []byte
	uploadDone bool
	sent       int64

	code   Code
	detail string
	closed bool
}

func newHTTPTransfer(cfg *Config, u *url.URL, share *Share, cb Callbacks) *httpTransfer {
	t := &httpTransfer{
		cfg:        cfg,
		u:          u,
		share:      share,
		cb:         cb,
		stop:       make(chan struct{}),
		contentLen: -1,
	}
	if cfg.ReceiveRate > 0 {
		burst := cfg.ReceiveBurst
		if burst < readChunkSize {
			burst = readChunkSize
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.ReceiveRate), burst)
	}
	return t
}

func (t *httpTransfer) Step(now time.Time) Status {
	switch t.state {
	case httpStateDone:
		return StatusDone
	case httpStateFailed:
		return StatusFailed
	}

	if t.cfg.expired(now) {
		return t.fail(CodeTimedOut, fmt.Sprintf("transfer not complete after deadline %s", t.cfg.Deadline.Format(time.RFC3339)))
	}

	switch t.state {
	case httpStateDial:
		return t.stepDial()
	case httpStateHostKey:
		return t.stepHostKey()
	case httpStateSendHead, httpStateSendBody:
		return t.stepSend()
	case httpStateRecvHead:
		return t.stepRecvHead()
	case httpStateRecvBody:
		return t.stepRecvBody(now)
	}
	return t.fail(CodeBadResponse, "invalid engine state")
}

func (t *httpTransfer) Result() (Code, string) { return t.code, t.detail }

func (t *httpTransfer) ResponseCode() int { return t.statusCode }

func (t *httpTransfer) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.stop)
	if t.dialer != nil {
		t.dialer.abort()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *httpTransfer) fail(code Code, detail string) Status {
	t.state = httpStateFailed
	t.code = code
	t.detail = detail
	t.Close()
	return StatusFailed
}

func (t *httpTransfer) finish() Status {
	t.state = httpStateDone
	t.code = CodeOK
	return StatusDone
}

// failCallback maps a callback error onto the terminal status.
func (t *httpTransfer) failCallback(err error) Status {
	return t.fail(CodeAbortedByCallback, err.Error())
}

func (t *httpTransfer) stepDial() Status {
	if t.dialer == nil {
		addr, target := t.dialTarget()
		t.debugf(InfoText, "connecting to %s", addr)
		t.outBuf = t.buildHead(target)
		t.dialer = startDial(t.cfg, t.share, "tcp", addr, t.u.Hostname(), t.u.Scheme == "https")
		return StatusWorking
	}

	res, ok := t.dialer.poll()
	if !ok {
		return StatusBlocked
	}
	if res.err != nil {
		code := CodeConnectFailed
		if strings.Contains(res.err.Error(), CodeTLSHandshakeFailed.String()) {
			code = CodeTLSHandshakeFailed
		} else if strings.Contains(res.err.Error(), CodeResolveFailed.String()) {
			code = CodeResolveFailed
		}
		return t.fail(code, res.err.Error())
	}

	t.conn = res.conn
	t.peerKey = res.peerKey
	t.pmp = newPump(t.conn, t.stop)
	t.debugf(InfoText, "connected to %s", t.conn.RemoteAddr())

	if t.u.Scheme == "https" {
		t.state = httpStateHostKey
	} else {
		t.state = httpStateSendHead
	}
	return StatusWorking
}

// stepHostKey runs the host fingerprint decision for TLS connections.
// The check only applies when there is something to check against: a
// known-hosts store or a caller-supplied decision hook. Without either,
// certificate verification alone governs trust.
func (t *httpTransfer) stepHostKey() Status {
	if t.share != nil || t.cb.HostKeyCheck != nil {
		if accepted, detail := checkHostKey(t.share, t.u.Hostname(), t.peerKey, t.cb); !accepted {
			return t.fail(CodeHostKeyRejected, detail)
		}
	}
	t.state = httpStateSendHead
	return StatusWorking
}

func (t *httpTransfer) dialTarget() (addr, requestTarget string) {
	host := t.u.Host
	if t.u.Port() == "" {
		port := "80"
		if t.u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(t.u.Hostname(), port)
	}

	requestTarget = t.u.RequestURI()

	// Plain HTTP can route through a proxy using the absolute form.
	if t.cfg.ProxyURL != "" && t.u.Scheme == "http" {
		if pu, err := url.Parse(t.cfg.ProxyURL); err == nil && pu.Host != "" {
			proxyHost := pu.Host
			if pu.Port() == "" {
				proxyHost = net.JoinHostPort(pu.Hostname(), "80")
			}
			return proxyHost, t.u.String()
		}
	}

	return host, requestTarget
}

func (t *httpTransfer) method() string {
	if t.cfg.Method != "" {
		return strings.ToUpper(t.cfg.Method)
	}
	if t.cfg.NoBody {
		return "HEAD"
	}
	if t.cfg.Upload {
		return "PUT"
	}
	return "GET"
}

func (t *httpTransfer) buildHead(target string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s HTTP/1.1\r\n", t.method(), target)
	fmt.Fprintf(&sb, "Host: %s\r\n", t.u.Host)

	ua := t.cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	fmt.Fprintf(&sb, "User-Agent: %s\r\n", ua)
	sb.WriteString("Connection: close\r\n")

	if t.cfg.Username != "" || t.cfg.Password != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(t.cfg.Username + ":" + t.cfg.Password))
		fmt.Fprintf(&sb, "Authorization: Basic %s\r\n", cred)
	}
	if t.cfg.ProxyUserPassword != "" && t.cfg.ProxyURL != "" && t.u.Scheme == "http" {
		cred := base64.StdEncoding.EncodeToString([]byte(t.cfg.ProxyUserPassword))
		fmt.Fprintf(&sb, "Proxy-Authorization: Basic %s\r\n", cred)
	}
	if t.cfg.Range != "" {
		fmt.Fprintf(&sb, "Range: bytes=%s\r\n", t.cfg.Range)
	}
	if t.cfg.AcceptGzip {
		sb.WriteString("Accept-Encoding: gzip\r\n")
	}
	if t.cfg.Upload {
		if t.cfg.UploadSize >= 0 {
			fmt.Fprintf(&sb, "Content-Length: %d\r\n", t.cfg.UploadSize)
		} else {
			sb.WriteString("Transfer-Encoding: chunked\r\n")
		}
	}
	for _, line := range t.cfg.Header {
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")

	head := sb.String()
	t.debugf(InfoHeaderOut, "%s", head)
	return []byte(head)
}

func (t *httpTransfer) stepSend() Status {
	if len(t.outBuf) > 0 {
		n, blocked, err := writeSome(t.conn, t.outBuf)
		t.outBuf = t.outBuf[n:]
		if err != nil {
			return t.fail(CodeSendFailed, err.Error())
		}
		if blocked && len(t.outBuf) > 0 {
			return StatusBlocked
		}
		return StatusWorking
	}

	if t.state == httpStateSendHead {
		if t.cfg.Upload {
			t.state = httpStateSendBody
		} else {
			t.state = httpStateRecvHead
		}
		return StatusWorking
	}

	// Sending body.
	if t.uploadDone {
		t.state = httpStateRecvHead
		return StatusWorking
	}

	if t.pullBuf == nil {
		t.pullBuf = make([]byte, readChunkSize)
	}
	n, err := t.cb.PullUpload(t.pullBuf)
	switch {
	case err != nil && !errors.Is(err, io.EOF):
		return t.failCallback(err)
	case n > 0:
		t.sent += int64(n)
		t.debugf(InfoDataOut, "%d bytes", n)
		if t.cfg.UploadSize < 0 {
			frame := make([]byte, 0, n+16)
			frame = strconv.AppendInt(frame, int64(n), 16)
			frame = append(frame, '\r', '\n')
			frame = append(frame, t.pullBuf[:n]...)
			frame = append(frame, '\r', '\n')
			t.outBuf = frame
		} else {
			t.outBuf = append([]byte(nil), t.pullBuf[:n]...)
		}
	default: // n == 0: end of body
		t.uploadDone = true
		if t.cfg.UploadSize < 0 {
			t.outBuf = []byte("0\r\n\r\n")
		}
	}
	return StatusWorking
}

func (t *httpTransfer) stepRecvHead() Status {
	if !t.pmp.poll() {
		return StatusBlocked
	}
	if data := t.pmp.data(); len(data) > 0 {
		t.lines.add(data)
		t.pmp.consume(len(data))
	} else if t.pmp.eof {
		if t.pmp.err != nil && !errors.Is(t.pmp.err, io.EOF) {
			return t.fail(CodeRecvFailed, t.pmp.err.Error())
		}
		return t.fail(CodeRecvFailed, "connection closed before response headers completed")
	}

	for {
		line, ok := t.lines.popLine()
		if !ok {
			return StatusWorking
		}

		t.debugf(InfoHeaderIn, "%s", line)

		if line != "" {
			if t.sectionLine == 0 {
				t.statusCode = parseStatusCode(line, t.statusCode)
			} else {
				t.noteHeader(line)
			}
			t.sectionLine++
			if err := t.cb.HeaderLine(line); err != nil {
				return t.failCallback(err)
			}
			continue
		}

		// Blank line: the header section is complete.
		if err := t.cb.HeaderLine(""); err != nil {
			return t.failCallback(err)
		}

		if t.statusCode >= 100 && t.statusCode < 200 {
			// Interim response; the next section follows.
			t.sectionLine = 0
			t.contentLen = -1
			t.chunked = false
			t.gzipped = false
			continue
		}

		if t.cfg.NoBody || t.method() == "HEAD" || t.statusCode == 204 || t.statusCode == 304 {
			return t.finish()
		}

		if t.chunked {
			t.chunkDec = &chunkedDecoder{}
		}
		if t.gzipped {
			t.gz = newGunzipper(t.stop)
		}
		t.leftover = append([]byte(nil), t.lines.buf...)
		t.lines.buf = nil
		t.state = httpStateRecvBody
		return StatusWorking
	}
}

// noteHeader records the transport-relevant response headers while all
// lines flow through to the caller untouched.
func (t *httpTransfer) noteHeader(line string) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "content-length":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
			t.contentLen = n
		}
	case "transfer-encoding":
		if strings.Contains(strings.ToLower(value), "chunked") {
			t.chunked = true
		}
	case "content-encoding":
		if strings.EqualFold(value, "gzip") && t.cfg.AcceptGzip {
			t.gzipped = true
		}
	}
}

func (t *httpTransfer) stepRecvBody(now time.Time) Status {
	if t.limiter != nil && now.Before(t.notBefore) {
		return StatusBlocked
	}

	// Decoded gzip output takes priority so the decoder never backs up.
	if t.gz != nil {
		if c, ok := t.gz.poll(); ok {
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					return t.finish()
				}
				return t.fail(CodeContentDecodeFailed, c.err.Error())
			}
			return t.deliverBody(c.p, now)
		}
		if t.gzDone {
			return StatusBlocked
		}
		// Bytes already deframed but refused by the decoder queue go back
		// to the decoder, never through the framing again.
		if len(t.gzPending) > 0 {
			if !t.gz.feed(t.gzPending) {
				return StatusBlocked
			}
			t.gzPending = nil
			if t.frameDone() {
				t.gz.finish()
				t.gzDone = true
			}
			return StatusWorking
		}
	}

	// A zero-length or already-complete framed body needs no more input.
	if t.gz == nil && t.chunkDec == nil && t.contentLen >= 0 && t.framed >= t.contentLen {
		return t.finish()
	}

	in := t.leftover
	fromLeftover := true
	if len(in) == 0 {
		fromLeftover = false
		if !t.pmp.poll() {
			return StatusBlocked
		}
		in = t.pmp.data()
	}

	if len(in) == 0 && t.pmp.eof {
		return t.bodyEOF()
	}

	body, consumed, err := t.frameBody(in)
	if err != nil {
		return t.fail(CodeBadResponse, err.Error())
	}
	if fromLeftover {
		t.leftover = t.leftover[consumed:]
	} else {
		t.pmp.consume(consumed)
	}

	if t.gz != nil {
		if len(body) > 0 {
			p := append([]byte(nil), body...)
			if !t.gz.feed(p) {
				// Queue full; hold the deframed bytes for a later step.
				t.gzPending = p
				return StatusBlocked
			}
		}
		if t.frameDone() {
			t.gz.finish()
			t.gzDone = true
		}
		return StatusWorking
	}

	if len(body) > 0 {
		return t.deliverBody(body, now)
	}
	if t.frameDone() {
		return t.finish()
	}
	return StatusWorking
}

// frameBody extracts body bytes from raw input according to the
// response framing (chunked or length-delimited / EOF-bounded).
func (t *httpTransfer) frameBody(in []byte) (body []byte, consumed int, err error) {
	if t.chunkDec != nil {
		body, consumed, err = t.chunkDec.next(in)
		t.framed += int64(len(body))
		return body, consumed, err
	}

	n := len(in)
	if t.contentLen >= 0 {
		remaining := t.contentLen - t.framed
		if int64(n) > remaining {
			n = int(remaining)
		}
	}
	t.framed += int64(n)
	return in[:n], n, nil
}

// frameDone reports whether the framed body is fully consumed.
func (t *httpTransfer) frameDone() bool {
	if t.chunkDec != nil {
		return t.chunkDec.done
	}
	if t.contentLen >= 0 {
		return t.framed >= t.contentLen
	}
	return t.pmp.eof && len(t.leftover) == 0
}

func (t *httpTransfer) bodyEOF() Status {
	if t.pmp.err != nil && !errors.Is(t.pmp.err, io.EOF) {
		return t.fail(CodeRecvFailed, t.pmp.err.Error())
	}
	if t.chunkDec != nil && !t.chunkDec.done {
		return t.fail(CodePartialTransfer, "connection closed mid chunked body")
	}
	if t.contentLen >= 0 && t.framed < t.contentLen {
		return t.fail(CodePartialTransfer,
			fmt.Sprintf("connection closed with %d of %d body bytes", t.framed, t.contentLen))
	}
	if t.gz != nil && !t.gzDone {
		t.gz.finish()
		t.gzDone = true
		return StatusWorking
	}
	if t.gz != nil {
		// Wait for the decoder to flush its tail.
		return StatusWorking
	}
	return t.finish()
}

func (t *httpTransfer) deliverBody(p []byte, now time.Time) Status {
	t.received += int64(len(p))
	t.debugf(InfoDataIn, "%d bytes", len(p))
	if err := t.cb.BodyData(p); err != nil {
		return t.failCallback(err)
	}
	if t.limiter != nil {
		r := t.limiter.ReserveN(now, len(p))
		if r.OK() {
			t.notBefore = now.Add(r.Delay())
		}
	}
	if t.frameDone() && t.gz == nil {
		return t.finish()
	}
	return StatusWorking
}

func (t *httpTransfer) debugf(kind InfoKind, format string, args ...any) {
	if t.cb.Debug != nil {
		t.cb.Debug(kind, fmt.Sprintf(format, args...))
	}
}

// parseStatusCode leniently extracts the numeric status from a status
// line, keeping the previous code when the line is unparsable.
func parseStatusCode(line string, last int) int {
	fields := strings.Fields(line)
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if n, err := strconv.Atoi(f[:3]); err == nil && n >= 100 && n < 600 {
			return n
		}
	}
	return last
}

// checkHostKey classifies the presented key against the share's store
// and asks the callback (or the default-deny policy) for a verdict.
func checkHostKey(share *Share, host, presented string, cb Callbacks) (accepted bool, detail string) {
	found := HostKey{Fingerprint: presented}

	var known HostKey
	match := KeyMatchNoStore
	if share != nil {
		if fp, ok := share.KnownKey(host); ok {
			known = HostKey{Fingerprint: fp}
			if fp == presented {
				match = KeyMatchOK
			} else {
				match = KeyMatchMismatch
			}
		} else {
			match = KeyMatchMissing
		}
	}

	disposition := KeyReject
	if cb.HostKeyCheck != nil {
		disposition = cb.HostKeyCheck(found, known, match)
	} else if match == KeyMatchOK {
		disposition = KeyAccept
	}

	switch disposition {
	case KeyAccept:
		return true, ""
	case KeyAcceptAndPersist:
		if share != nil && presented != "" {
			share.PersistKey(host, presented)
		}
		return true, ""
	default:
		return false, fmt.Sprintf("host key for %s rejected (match=%d)", host, match)
	}
}
