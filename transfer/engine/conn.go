package engine

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// readChunkSize is the pump's read granularity, which also bounds the
// size of a single BodyData delivery.
const readChunkSize = 16 << 10

// writeSlice bounds how long a Step may sit in a socket write before
// reporting StatusBlocked back to the poll loop.
const writeSlice = 5 * time.Millisecond

type dialResult struct {
	conn    net.Conn
	peerKey string
	err     error
}

// dialer performs the blocking connect (and TLS handshake) on its own
// goroutine so Step can poll for the outcome. A dial whose result was
// never polled must be aborted on Close, or an established connection
// would sit in the channel forever.
type dialer struct {
	ch  chan dialResult
	got bool
}

func startDial(cfg *Config, share *Share, network, addr, serverName string, useTLS bool) *dialer {
	d := &dialer{ch: make(chan dialResult, 1)}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.connectTimeout())
		defer cancel()

		conn, err := dialAddr(ctx, share, network, addr)
		if err != nil {
			d.ch <- dialResult{err: err}
			return
		}

		var peerKey string
		if useTLS {
			tc := tls.Client(conn, &tls.Config{
				ServerName:         serverName,
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			})
			if err := tc.HandshakeContext(ctx); err != nil {
				conn.Close()
				d.ch <- dialResult{err: fmt.Errorf("%s: %w", CodeTLSHandshakeFailed, err)}
				return
			}
			if certs := tc.ConnectionState().PeerCertificates; len(certs) > 0 {
				peerKey = keyFingerprint(certs[0])
			}
			conn = tc
		}

		d.ch <- dialResult{conn: conn, peerKey: peerKey}
	}()

	return d
}

// poll reports the dial outcome without blocking.
func (d *dialer) poll() (dialResult, bool) {
	select {
	case res := <-d.ch:
		d.got = true
		return res, true
	default:
		return dialResult{}, false
	}
}

// abort discards an unconsumed dial result, closing the connection if
// the dial succeeds after the transfer stopped caring. Exactly one
// result is ever sent, so the drain goroutine is bounded by the
// connect timeout.
func (d *dialer) abort() {
	if d.got {
		return
	}
	go func() {
		if res := <-d.ch; res.conn != nil {
			res.conn.Close()
		}
	}()
}

// dialAddr resolves host through the share's cache when one is attached
// and connects to the first address that accepts.
func dialAddr(ctx context.Context, share *Share, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CodeBadURL, err)
	}

	var nd net.Dialer
	if share == nil {
		conn, err := nd.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", CodeConnectFailed, err)
		}
		return conn, nil
	}

	addrs, err := share.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CodeResolveFailed, err)
	}

	var lastErr error
	for _, a := range addrs {
		conn, err := nd.DialContext(ctx, network, net.JoinHostPort(a, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%s: %w", CodeConnectFailed, lastErr)
}

// keyFingerprint is the hex SHA-256 of the certificate's public key.
func keyFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:])
}

type pumpChunk struct {
	p   []byte
	err error
}

// pump reads a connection on a private goroutine and hands chunks over
// a channel, transferring buffer ownership to the consumer. The
// goroutine exits on the first read error, io.EOF included.
type pump struct {
	ch   chan pumpChunk
	stop chan struct{}
	cur  []byte
	err  error
	eof  bool
}

func newPump(conn net.Conn, stop chan struct{}) *pump {
	p := &pump{ch: make(chan pumpChunk, 1), stop: stop}

	go func() {
		for {
			buf := make([]byte, readChunkSize)
			n, err := conn.Read(buf)
			if n > 0 {
				select {
				case p.ch <- pumpChunk{p: buf[:n]}:
				case <-stop:
					return
				}
			}
			if err != nil {
				select {
				case p.ch <- pumpChunk{err: err}:
				case <-stop:
				}
				return
			}
		}
	}()

	return p
}

// poll pulls the next chunk if one is ready. It reports true when new
// data or a terminal condition arrived.
func (p *pump) poll() bool {
	if len(p.cur) > 0 || p.eof {
		return true
	}
	select {
	case c := <-p.ch:
		if c.err != nil {
			p.eof = true
			if !errors.Is(c.err, net.ErrClosed) {
				p.err = c.err
			}
			return true
		}
		p.cur = c.p
		return true
	default:
		return false
	}
}

// data is the unconsumed portion of the current chunk.
func (p *pump) data() []byte { return p.cur }

func (p *pump) consume(n int) {
	p.cur = p.cur[n:]
	if len(p.cur) == 0 {
		p.cur = nil
	}
}

// writeSome writes as much of p as the socket accepts within writeSlice.
// blocked is true when the deadline cut the write short.
func writeSome(conn net.Conn, p []byte) (n int, blocked bool, err error) {
	if err := conn.SetWriteDeadline(time.Now().Add(writeSlice)); err != nil {
		return 0, false, err
	}
	n, err = conn.Write(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, true, nil
	}
	return n, false, err
}

// lineBuffer accumulates raw bytes and splits them into lines,
// tolerating both CRLF and bare LF endings.
type lineBuffer struct {
	buf []byte
}

func (lb *lineBuffer) add(p []byte) {
	lb.buf = append(lb.buf, p...)
}

// popLine removes and returns the next complete line, without its
// ending. ok is false when no full line is buffered yet.
func (lb *lineBuffer) popLine() (line string, ok bool) {
	for i, b := range lb.buf {
		if b != '\n' {
			continue
		}
		end := i
		if end > 0 && lb.buf[end-1] == '\r' {
			end--
		}
		line = string(lb.buf[:end])
		lb.buf = lb.buf[i+1:]
		return line, true
	}
	return "", false
}
