package engine

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// ftpServer is a minimal scripted FTP server for exercising the control
// and data connection flow against a real listener.
type ftpServer struct {
	t        *testing.T
	ln       net.Listener
	dataLn   net.Listener
	greeting string
	content  string // payload served on RETR
	sizeCode int    // reply code for SIZE, 213 by default
	pwd      string // 257 reply directory; empty means PWD unsupported

	// coalesceFinal writes the 150 and 226 replies in a single segment
	// before serving the data connection.
	coalesceFinal bool
	// storRejects makes that many STORs fail with 426 after draining
	// the data connection.
	storRejects int

	stored chan []byte
	quit   chan struct{}
}

func newFTPServer(t *testing.T) *ftpServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen control: %v", err)
	}
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen data: %v", err)
	}
	s := &ftpServer{
		t:        t,
		ln:       ln,
		dataLn:   dataLn,
		greeting: "220 ready\r\n",
		sizeCode: 213,
		stored:   make(chan []byte, 2),
		quit:     make(chan struct{}),
	}
	t.Cleanup(func() {
		ln.Close()
		dataLn.Close()
	})
	go s.serve()
	return s
}

func (s *ftpServer) url(path string) string {
	return "ftp://" + s.ln.Addr().String() + path
}

func (s *ftpServer) dataPort() int {
	return s.dataLn.Addr().(*net.TCPAddr).Port
}

func (s *ftpServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	io.WriteString(conn, s.greeting)
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		verb, _, _ := strings.Cut(cmd, " ")

		switch verb {
		case "USER":
			io.WriteString(conn, "331 need password\r\n")
		case "PASS":
			io.WriteString(conn, "230 logged in\r\n")
		case "TYPE":
			io.WriteString(conn, "200 binary\r\n")
		case "SIZE":
			if s.sizeCode == 213 {
				fmt.Fprintf(conn, "213 %d\r\n", len(s.content))
			} else {
				fmt.Fprintf(conn, "%d no such file\r\n", s.sizeCode)
			}
		case "EPSV":
			fmt.Fprintf(conn, "229 Entering Extended Passive Mode (|||%d|)\r\n", s.dataPort())
		case "PWD":
			if s.pwd != "" {
				fmt.Fprintf(conn, "257 %q is the current directory\r\n", s.pwd)
			} else {
				io.WriteString(conn, "502 not implemented\r\n")
			}
		case "RETR":
			if s.coalesceFinal {
				io.WriteString(conn, "150 opening data connection\r\n226 transfer complete\r\n")
				dc, err := s.dataLn.Accept()
				if err != nil {
					return
				}
				io.WriteString(dc, s.content)
				dc.Close()
				break
			}
			io.WriteString(conn, "150 opening data connection\r\n")
			dc, err := s.dataLn.Accept()
			if err != nil {
				return
			}
			io.WriteString(dc, s.content)
			dc.Close()
			io.WriteString(conn, "226 transfer complete\r\n")
		case "STOR":
			io.WriteString(conn, "150 opening data connection\r\n")
			dc, err := s.dataLn.Accept()
			if err != nil {
				return
			}
			body, _ := io.ReadAll(dc)
			dc.Close()
			s.stored <- body
			if s.storRejects > 0 {
				s.storRejects--
				io.WriteString(conn, "426 transfer aborted\r\n")
				break
			}
			io.WriteString(conn, "226 transfer complete\r\n")
		case "QUIT":
			io.WriteString(conn, "221 bye\r\n")
			close(s.quit)
			return
		default:
			io.WriteString(conn, "502 not implemented\r\n")
		}
	}
}

func TestFTPTransfer_Download(t *testing.T) {
	srv := newFTPServer(t)
	srv.content = "file payload over ftp"

	rec := &recorder{}
	tr, err := New(&Config{URL: srv.url("/pub/file.bin")}, nil, rec.callbacks())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if st := drive(t, tr); st != StatusDone {
		code, detail := tr.Result()
		t.Fatalf("status = %v, code = %v (%s)", st, code, detail)
	}
	if got := rec.body.String(); got != srv.content {
		t.Errorf("body = %q", got)
	}
	if tr.ResponseCode() != 226 {
		t.Errorf("response code = %d, want 226", tr.ResponseCode())
	}

	// Each complete reply closes its own header section.
	var sections int
	for _, l := range rec.headerLines {
		if l == "" {
			sections++
		}
	}
	if sections < 6 {
		t.Errorf("reply sections = %d, want at least 6", sections)
	}
	if !strings.HasPrefix(rec.headerLines[0], "220") {
		t.Errorf("first reply line = %q", rec.headerLines[0])
	}
}

func TestFTPTransfer_Upload(t *testing.T) {
	srv := newFTPServer(t)

	payload := strings.Repeat("stored bytes ", 64)
	rec := &recorder{upload: strings.NewReader(payload)}
	tr, err := New(&Config{
		URL:        srv.url("/incoming/out.bin"),
		Upload:     true,
		UploadSize: int64(len(payload)),
	}, nil, rec.callbacks())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if st := drive(t, tr); st != StatusDone {
		code, detail := tr.Result()
		t.Fatalf("status = %v, code = %v (%s)", st, code, detail)
	}
	if got := <-srv.stored; string(got) != payload {
		t.Errorf("server stored %d bytes, want %d", len(got), len(payload))
	}
}

func TestFTPTransfer_SizeOnly(t *testing.T) {
	srv := newFTPServer(t)
	srv.content = "abcdef"

	rec := &recorder{}
	tr, err := New(&Config{URL: srv.url("/f"), NoBody: true}, nil, rec.callbacks())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if st := drive(t, tr); st != StatusDone {
		t.Fatalf("status = %v", st)
	}
	if rec.body.Len() != 0 {
		t.Errorf("unexpected body: %q", rec.body.String())
	}
	if tr.ResponseCode() != 213 {
		t.Errorf("response code = %d, want 213", tr.ResponseCode())
	}
}

func TestFTPTransfer_MissingFile(t *testing.T) {
	srv := newFTPServer(t)
	srv.sizeCode = 550

	rec := &recorder{}
	tr, err := New(&Config{URL: srv.url("/absent"), NoBody: true}, nil, rec.callbacks())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if st := drive(t, tr); st != StatusFailed {
		t.Fatalf("status = %v, want failed", st)
	}
	if code, _ := tr.Result(); code != CodeRemoteFileNotFound {
		t.Errorf("code = %v, want CodeRemoteFileNotFound", code)
	}
}

func TestFTPTransfer_MultiLineGreeting(t *testing.T) {
	srv := newFTPServer(t)
	srv.greeting = "220-welcome\r\n220-second line\r\n220 ready\r\n"
	srv.content = "x"

	rec := &recorder{}
	tr, err := New(&Config{URL: srv.url("/f")}, nil, rec.callbacks())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if st := drive(t, tr); st != StatusDone {
		code, detail := tr.Result()
		t.Fatalf("status = %v, code = %v (%s)", st, code, detail)
	}

	// The three greeting lines form a single section.
	if rec.headerLines[0] != "220-welcome" ||
		rec.headerLines[1] != "220-second line" ||
		rec.headerLines[2] != "220 ready" ||
		rec.headerLines[3] != "" {
		t.Errorf("greeting section = %q", rec.headerLines[:4])
	}
}

func TestFTPTransfer_CoalescedFinalReply(t *testing.T) {
	// The 150 and 226 replies arrive in one segment, so the final reply
	// is already buffered when the data phase hands control back.
	srv := newFTPServer(t)
	srv.coalesceFinal = true
	srv.content = "payload behind coalesced replies"

	rec := &recorder{}
	tr, err := New(&Config{URL: srv.url("/f")}, nil, rec.callbacks())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if st := drive(t, tr); st != StatusDone {
		code, detail := tr.Result()
		t.Fatalf("status = %v, code = %v (%s)", st, code, detail)
	}
	if got := rec.body.String(); got != srv.content {
		t.Errorf("body = %q", got)
	}
	if tr.ResponseCode() != 226 {
		t.Errorf("response code = %d, want 226", tr.ResponseCode())
	}
}

func TestFTPTransfer_QuitOnCompletion(t *testing.T) {
	srv := newFTPServer(t)
	srv.content = "x"

	rec := &recorder{}
	tr, err := New(&Config{URL: srv.url("/f")}, nil, rec.callbacks())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if st := drive(t, tr); st != StatusDone {
		t.Fatalf("status = %v", st)
	}

	select {
	case <-srv.quit:
	case <-time.After(5 * time.Second):
		t.Error("server never received QUIT")
	}
}

func TestFTPTransfer_UploadRetriesAfterAbort(t *testing.T) {
	srv := newFTPServer(t)
	srv.storRejects = 1

	payload := strings.Repeat("try again ", 32)
	sr := strings.NewReader(payload)
	rec := &recorder{upload: sr}
	cb := rec.callbacks()
	cb.RewindUpload = func() error {
		_, err := sr.Seek(0, io.SeekStart)
		return err
	}

	tr, err := New(&Config{
		URL:        srv.url("/incoming/out.bin"),
		Upload:     true,
		UploadSize: int64(len(payload)),
	}, nil, cb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if st := drive(t, tr); st != StatusDone {
		code, detail := tr.Result()
		t.Fatalf("status = %v, code = %v (%s)", st, code, detail)
	}

	// First attempt was aborted by the server; the retry carries the
	// full body again.
	if got := <-srv.stored; string(got) != payload {
		t.Errorf("first attempt stored %d bytes, want %d", len(got), len(payload))
	}
	if got := <-srv.stored; string(got) != payload {
		t.Errorf("retry stored %d bytes, want %d", len(got), len(payload))
	}
}

func TestFTPTransfer_EntryPath(t *testing.T) {
	srv := newFTPServer(t)
	srv.pwd = "/home/ftp"
	srv.content = "x"

	rec := &recorder{}
	tr, err := New(&Config{URL: srv.url("/f")}, nil, rec.callbacks())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if st := drive(t, tr); st != StatusDone {
		t.Fatalf("status = %v", st)
	}

	ep, ok := tr.(interface{ EntryPath() string })
	if !ok {
		t.Fatal("transfer does not report an entry path")
	}
	if got := ep.EntryPath(); got != "/home/ftp" {
		t.Errorf("entry path = %q, want %q", got, "/home/ftp")
	}
}

func TestParsePWDReply(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{`257 "/home/ftp" is the current directory`, "/home/ftp"},
		{`257 "/"`, "/"},
		{`257 "/odd""name" created`, `/odd"name`},
		{`257 no quotes here`, ""},
		{`257 "unterminated`, ""},
	}
	for _, c := range cases {
		if got := parsePWDReply(c.line); got != c.want {
			t.Errorf("parsePWDReply(%q) = %q, want %q", c.line, got, c.want)
		}
	}
}

func TestParseEPSVReply(t *testing.T) {
	port, err := parseEPSVReply("229 Entering Extended Passive Mode (|||6446|)")
	if err != nil {
		t.Fatalf("parseEPSVReply: %v", err)
	}
	if port != 6446 {
		t.Errorf("port = %d, want 6446", port)
	}

	if _, err := parseEPSVReply("229 nonsense"); err == nil {
		t.Error("expected error for malformed reply")
	}
}

func TestParsePASVReply(t *testing.T) {
	host, port, err := parsePASVReply("227 Entering Passive Mode (192,168,1,2,19,137)")
	if err != nil {
		t.Fatalf("parsePASVReply: %v", err)
	}
	if host != "192.168.1.2" {
		t.Errorf("host = %q", host)
	}
	if port != 19<<8|137 {
		t.Errorf("port = %d, want %d", port, 19<<8|137)
	}

	if _, _, err := parsePASVReply("227 ()"); err == nil {
		t.Error("expected error for malformed reply")
	}
}
