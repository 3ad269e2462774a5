package engine

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDialerAbortClosesUnclaimedConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	tr, err := New(&Config{URL: "http://" + ln.Addr().String()}, nil, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// One step starts the dial; closing before the result is polled must
	// still close the connection once it lands.
	tr.Step(time.Now())
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()
	tr.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read after close = %v, want EOF", err)
	}
}

func TestLineBuffer(t *testing.T) {
	var lb lineBuffer

	lb.add([]byte("HTTP/1.1 200 OK\r\nContent-Len"))

	line, ok := lb.popLine()
	if !ok || line != "HTTP/1.1 200 OK" {
		t.Fatalf("popLine = %q, %v", line, ok)
	}
	if _, ok := lb.popLine(); ok {
		t.Fatal("partial line popped")
	}

	lb.add([]byte("gth: 3\r\n\r\n"))

	var lines []string
	for {
		line, ok := lb.popLine()
		if !ok {
			break
		}
		lines = append(lines, line)
	}
	want := []string{"Content-Length: 3", ""}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestLineBuffer_BareLF(t *testing.T) {
	var lb lineBuffer
	lb.add([]byte("first\nsecond\r\n"))

	line, ok := lb.popLine()
	if !ok || line != "first" {
		t.Errorf("popLine = %q, %v", line, ok)
	}
	line, ok = lb.popLine()
	if !ok || line != "second" {
		t.Errorf("popLine = %q, %v", line, ok)
	}
}
