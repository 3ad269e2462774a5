package engine

import (
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
	ftpStateDialControl = iota
	ftpStateControl
	ftpStateData
	ftpStateDone
	ftpStateFailed
)

const (
	ftpPhaseGreeting = iota
	ftpPhaseUser
	ftpPhasePass
	ftpPhasePwd
	ftpPhaseType
	ftpPhaseSize
	ftpPhasePasv
	ftpPhaseRest
	ftpPhaseXfer
	ftpPhaseFinal
)

// ftpTransfer drives one FTP download or upload: control-connection
// login, passive-mode data connection, RETR or STOR. Every control
// reply line is surfaced as a header line and each complete reply forms
// its own header section, so the caller sees the full reply sequence.
type ftpTransfer struct {
	cfg   *Config
	u     *url.URL
	share *Share
	cb    Callbacks

	state int
	phase int
	stop  chan struct{}

	ctrlDialer *dialer
	ctrl       net.Conn
	ctrlPump   *pump
	lines      lineBuffer
	replyCode  int
	replyMulti bool

	dataDialer *dialer
	data       net.Conn
	dataPump   *pump

	outBuf      []byte
	dataOut     []byte
	pullBuf     []byte
	restAt      int64
	received    int64
	statusCode  int
	triedEPSV   bool
	retriedStor bool
	entryPath   string

	limiter   *rate.Limiter
	notBefore time.Time

	code   Code
	detail string
	closed bool
}

func newFTPTransfer(cfg *Config, u *url.URL, share *Share, cb Callbacks) *ftpTransfer {
	t := &ftpTransfer{
		cfg:   cfg,
		u:     u,
		share: share,
		cb:    cb,
		stop:  make(chan struct{}),
	}
	if cfg.ReceiveRate > 0 {
		burst := cfg.ReceiveBurst
		if burst < readChunkSize {
			burst = readChunkSize
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.ReceiveRate), burst)
	}
	if cfg.Range != "" {
		if n, err := strconv.ParseInt(strings.TrimSuffix(cfg.Range, "-"), 10, 64); err == nil && n > 0 {
			t.restAt = n
		}
	}
	return t
}

func (t *ftpTransfer) Step(now time.Time) Status {
	switch t.state {
	case ftpStateDone:
		return StatusDone
	case ftpStateFailed:
		return StatusFailed
	}

	if t.cfg.expired(now) {
		return t.fail(CodeTimedOut, "transfer deadline exceeded")
	}

	if len(t.outBuf) > 0 {
		n, blocked, err := writeSome(t.ctrl, t.outBuf)
		t.outBuf = t.outBuf[n:]
		if err != nil {
			return t.fail(CodeSendFailed, err.Error())
		}
		if blocked && len(t.outBuf) > 0 {
			return StatusBlocked
		}
		return StatusWorking
	}

	switch t.state {
	case ftpStateDialControl:
		return t.stepDialControl()
	case ftpStateControl:
		return t.stepControl()
	case ftpStateData:
		return t.stepData(now)
	}
	return t.fail(CodeBadResponse, "invalid engine state")
}

func (t *ftpTransfer) Result() (Code, string) { return t.code, t.detail }

func (t *ftpTransfer) ResponseCode() int { return t.statusCode }

func (t *ftpTransfer) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.stop)
	if t.ctrlDialer != nil {
		t.ctrlDialer.abort()
	}
	if t.dataDialer != nil {
		t.dataDialer.abort()
	}
	if t.data != nil {
		t.data.Close()
	}
	if t.ctrl != nil {
		return t.ctrl.Close()
	}
	return nil
}

func (t *ftpTransfer) fail(code Code, detail string) Status {
	t.state = ftpStateFailed
	t.code = code
	t.detail = detail
	t.Close()
	return StatusFailed
}

func (t *ftpTransfer) finish() Status {
	if t.ctrl != nil {
		// Best effort; the server's 221 is not awaited.
		t.debugf(InfoHeaderOut, "QUIT")
		writeSome(t.ctrl, []byte("QUIT\r\n"))
	}
	t.state = ftpStateDone
	t.code = CodeOK
	return StatusDone
}

func (t *ftpTransfer) stepDialControl() Status {
	if t.ctrlDialer == nil {
		addr := t.u.Host
		if t.u.Port() == "" {
			addr = net.JoinHostPort(t.u.Hostname(), "21")
		}
		t.debugf(InfoText, "connecting to %s", addr)
		t.ctrlDialer = startDial(t.cfg, t.share, "tcp", addr, t.u.Hostname(), false)
		return StatusWorking
	}

	res, ok := t.ctrlDialer.poll()
	if !ok {
		return StatusBlocked
	}
	if res.err != nil {
		code := CodeConnectFailed
		if strings.Contains(res.err.Error(), CodeResolveFailed.String()) {
			code = CodeResolveFailed
		}
		return t.fail(code, res.err.Error())
	}

	t.ctrl = res.conn
	t.ctrlPump = newPump(t.ctrl, t.stop)
	t.state = ftpStateControl
	t.phase = ftpPhaseGreeting
	return StatusWorking
}

// stepControl advances the command sequence one complete reply at a
// time. Buffered reply lines are consumed before the connection is
// polled: a reply that arrived coalesced with an earlier one (226 in
// the same segment as 150, say) is already sitting in the line buffer
// when the data phase hands control back.
func (t *ftpTransfer) stepControl() Status {
	for {
		line, ok := t.lines.popLine()
		if !ok {
			break
		}

		t.debugf(InfoHeaderIn, "%s", line)
		if err := t.cb.HeaderLine(line); err != nil {
			return t.fail(CodeAbortedByCallback, err.Error())
		}

		final, code := t.noteReplyLine(line)
		if !final {
			continue
		}

		// A completed reply closes its header section.
		t.statusCode = code
		if err := t.cb.HeaderLine(""); err != nil {
			return t.fail(CodeAbortedByCallback, err.Error())
		}
		if st := t.handleReply(code, line); st != StatusWorking {
			return st
		}
		if t.state != ftpStateControl {
			return StatusWorking
		}
	}

	if !t.ctrlPump.poll() {
		return StatusBlocked
	}
	if data := t.ctrlPump.data(); len(data) > 0 {
		t.lines.add(data)
		t.ctrlPump.consume(len(data))
		return StatusWorking
	}
	if t.ctrlPump.eof {
		if t.ctrlPump.err != nil && !errors.Is(t.ctrlPump.err, io.EOF) {
			return t.fail(CodeRecvFailed, t.ctrlPump.err.Error())
		}
		return t.fail(CodeRecvFailed, "control connection closed unexpectedly")
	}
	return StatusBlocked
}

// noteReplyLine tracks multi-line replies: "nnn-" opens one, and it
// ends at a "nnn " line carrying the same code.
func (t *ftpTransfer) noteReplyLine(line string) (final bool, code int) {
	if len(line) < 3 {
		return false, 0
	}
	n, err := strconv.Atoi(line[:3])
	if err != nil {
		return false, 0
	}

	if !t.replyMulti {
		if len(line) > 3 && line[3] == '-' {
			t.replyMulti = true
			t.replyCode = n
			return false, 0
		}
		return true, n
	}

	if n == t.replyCode && (len(line) == 3 || line[3] == ' ') {
		t.replyMulti = false
		return true, n
	}
	return false, 0
}

func (t *ftpTransfer) handleReply(code int, line string) Status {
	switch t.phase {
	case ftpPhaseGreeting:
		if code != 220 {
			return t.fail(CodeConnectFailed, line)
		}
		user := t.cfg.Username
		if user == "" {
			user = "anonymous"
		}
		return t.command(ftpPhaseUser, "USER %s", user)

	case ftpPhaseUser:
		switch code {
		case 331:
			pass := t.cfg.Password
			if pass == "" && t.cfg.Username == "" {
				pass = "anonymous@"
			}
			return t.command(ftpPhasePass, "PASS %s", pass)
		case 230:
			return t.command(ftpPhasePwd, "PWD")
		default:
			return t.fail(CodeLoginDenied, line)
		}

	case ftpPhasePass:
		if code != 230 {
			return t.fail(CodeLoginDenied, line)
		}
		return t.command(ftpPhasePwd, "PWD")

	case ftpPhasePwd:
		// The entry directory is informational; servers that refuse PWD
		// still get the transfer.
		if code == 257 {
			t.entryPath = parsePWDReply(line)
		}
		return t.command(ftpPhaseType, "TYPE I")

	case ftpPhaseType:
		if code != 200 {
			return t.fail(CodeBadResponse, line)
		}
		if t.cfg.Upload {
			return t.command(ftpPhasePasv, "EPSV")
		}
		return t.command(ftpPhaseSize, "SIZE %s", t.remotePath())

	case ftpPhaseSize:
		if t.cfg.NoBody {
			if code == 213 {
				return t.finish()
			}
			return t.fail(CodeRemoteFileNotFound, line)
		}
		// Size is informational for downloads; missing SIZE support is fine.
		return t.command(ftpPhasePasv, "EPSV")

	case ftpPhasePasv:
		return t.handlePasvReply(code, line)

	case ftpPhaseRest:
		if code != 350 {
			return t.fail(CodeBadDownloadResume, line)
		}
		return t.sendXferCommand()

	case ftpPhaseXfer:
		switch code {
		case 150, 125:
			t.state = ftpStateData
			return StatusWorking
		case 550:
			return t.fail(CodeRemoteFileNotFound, line)
		default:
			return t.fail(CodeBadResponse, line)
		}

	case ftpPhaseFinal:
		if code != 226 && code != 250 {
			if t.cfg.Upload && !t.retriedStor && t.cb.RewindUpload != nil {
				// One retry: rewind the body and open a fresh data
				// connection for a second STOR.
				if err := t.cb.RewindUpload(); err != nil {
					return t.fail(CodeUploadRewindFailed, err.Error())
				}
				t.retriedStor = true
				t.dataDialer = nil
				t.data = nil
				t.dataPump = nil
				t.dataOut = nil
				if t.triedEPSV {
					return t.command(ftpPhasePasv, "PASV")
				}
				return t.command(ftpPhasePasv, "EPSV")
			}
			return t.fail(CodePartialTransfer, line)
		}
		return t.finish()
	}
	return t.fail(CodeBadResponse, line)
}

func (t *ftpTransfer) handlePasvReply(code int, line string) Status {
	if code >= 500 && !t.triedEPSV {
		// Server without EPSV support; fall back once to PASV.
		t.triedEPSV = true
		return t.command(ftpPhasePasv, "PASV")
	}

	var addr string
	switch code {
	case 229:
		port, err := parseEPSVReply(line)
		if err != nil {
			return t.fail(CodeBadResponse, err.Error())
		}
		addr = net.JoinHostPort(t.u.Hostname(), strconv.Itoa(port))
	case 227:
		host, port, err := parsePASVReply(line)
		if err != nil {
			return t.fail(CodeBadResponse, err.Error())
		}
		addr = net.JoinHostPort(host, strconv.Itoa(port))
	default:
		return t.fail(CodeBadResponse, line)
	}

	t.dataDialer = startDial(t.cfg, t.share, "tcp", addr, t.u.Hostname(), false)

	if t.restAt > 0 && !t.cfg.Upload {
		return t.command(ftpPhaseRest, "REST %d", t.restAt)
	}
	return t.sendXferCommand()
}

func (t *ftpTransfer) sendXferCommand() Status {
	if t.cfg.Upload {
		return t.command(ftpPhaseXfer, "STOR %s", t.remotePath())
	}
	return t.command(ftpPhaseXfer, "RETR %s", t.remotePath())
}

// stepData moves the payload over the data connection.
func (t *ftpTransfer) stepData(now time.Time) Status {
	if t.data == nil {
		if t.dataDialer == nil {
			return t.fail(CodeBadResponse, "no data connection negotiated")
		}
		res, ok := t.dataDialer.poll()
		if !ok {
			return StatusBlocked
		}
		if res.err != nil {
			return t.fail(CodeConnectFailed, res.err.Error())
		}
		t.data = res.conn
		if !t.cfg.Upload {
			t.dataPump = newPump(t.data, t.stop)
		}
		return StatusWorking
	}

	if t.cfg.Upload {
		return t.stepUpload()
	}
	return t.stepDownload(now)
}

func (t *ftpTransfer) stepDownload(now time.Time) Status {
	if t.limiter != nil && now.Before(t.notBefore) {
		return StatusBlocked
	}
	if !t.dataPump.poll() {
		return StatusBlocked
	}

	if p := t.dataPump.data(); len(p) > 0 {
		t.received += int64(len(p))
		t.debugf(InfoDataIn, "%d bytes", len(p))
		if err := t.cb.BodyData(p); err != nil {
			return t.fail(CodeAbortedByCallback, err.Error())
		}
		if t.limiter != nil {
			if r := t.limiter.ReserveN(now, len(p)); r.OK() {
				t.notBefore = now.Add(r.Delay())
			}
		}
		t.dataPump.consume(len(p))
		return StatusWorking
	}

	if t.dataPump.eof {
		if t.dataPump.err != nil && !errors.Is(t.dataPump.err, io.EOF) {
			return t.fail(CodeRecvFailed, t.dataPump.err.Error())
		}
		t.data.Close()
		t.state = ftpStateControl
		t.phase = ftpPhaseFinal
		return StatusWorking
	}
	return StatusBlocked
}

func (t *ftpTransfer) stepUpload() Status {
	if len(t.dataOut) > 0 {
		w, blocked, err := writeSome(t.data, t.dataOut)
		t.dataOut = t.dataOut[w:]
		if err != nil {
			return t.fail(CodeSendFailed, err.Error())
		}
		if blocked && len(t.dataOut) > 0 {
			return StatusBlocked
		}
		return StatusWorking
	}

	if t.pullBuf == nil {
		t.pullBuf = make([]byte, readChunkSize)
	}

	n, err := t.cb.PullUpload(t.pullBuf)
	switch {
	case err != nil && !errors.Is(err, io.EOF):
		return t.fail(CodeAbortedByCallback, err.Error())
	case n > 0:
		t.debugf(InfoDataOut, "%d bytes", n)
		t.dataOut = append([]byte(nil), t.pullBuf[:n]...)
		return StatusWorking
	default:
		// Body exhausted; closing the data connection ends the STOR.
		t.data.Close()
		t.state = ftpStateControl
		t.phase = ftpPhaseFinal
		return StatusWorking
	}
}

func (t *ftpTransfer) command(phase int, format string, args ...any) Status {
	cmd := fmt.Sprintf(format, args...)
	t.debugf(InfoHeaderOut, "%s", cmd)
	t.outBuf = []byte(cmd + "\r\n")
	t.phase = phase
	return StatusWorking
}

func (t *ftpTransfer) remotePath() string {
	p := strings.TrimPrefix(t.u.Path, "/")
	if p == "" {
		p = "/"
	}
	return p
}

func (t *ftpTransfer) debugf(kind InfoKind, format string, args ...any) {
	if t.cb.Debug != nil {
		t.cb.Debug(kind, fmt.Sprintf(format, args...))
	}
}

// EntryPath reports the server's working directory at login time, as
// reported by PWD, or "" when the server never said.
func (t *ftpTransfer) EntryPath() string { return t.entryPath }

// parsePWDReply extracts the quoted directory from a 257 reply such as
// `257 "/home/ftp" is the current directory`. A quote inside the path
// arrives doubled.
func parsePWDReply(line string) string {
	start := strings.Index(line, `"`)
	if start < 0 {
		return ""
	}
	var b strings.Builder
	rest := line[start+1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] != '"' {
			b.WriteByte(rest[i])
			continue
		}
		if i+1 < len(rest) && rest[i+1] == '"' {
			b.WriteByte('"')
			i++
			continue
		}
		return b.String()
	}
	return ""
}

// parseEPSVReply extracts the port from "229 Entering Extended Passive
// Mode (|||6446|)".
func parseEPSVReply(line string) (int, error) {
	start := strings.Index(line, "(")
	end := strings.LastIndex(line, ")")
	if start < 0 || end <= start {
		return 0, fmt.Errorf("malformed EPSV reply %q", line)
	}
	fields := strings.Split(line[start+1:end], "|")
	if len(fields) < 5 {
		return 0, fmt.Errorf("malformed EPSV reply %q", line)
	}
	port, err := strconv.Atoi(fields[3])
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("bad EPSV port in %q", line)
	}
	return port, nil
}

// parsePASVReply extracts host and port from "227 Entering Passive Mode
// (h1,h2,h3,h4,p1,p2)".
func parsePASVReply(line string) (string, int, error) {
	start := strings.Index(line, "(")
	end := strings.LastIndex(line, ")")
	if start < 0 || end <= start {
		return "", 0, fmt.Errorf("malformed PASV reply %q", line)
	}
	parts := strings.Split(line[start+1:end], ",")
	if len(parts) != 6 {
		return "", 0, fmt.Errorf("malformed PASV reply %q", line)
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return "", 0, fmt.Errorf("bad PASV address in %q", line)
		}
		nums[i] = n
	}
	host := fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	return host, nums[4]<<8 | nums[5], nil
}
