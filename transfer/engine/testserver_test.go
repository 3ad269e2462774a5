package engine

import (
	"bufio"
	"net"
	"testing"
)

// newRawServer listens on a loopback port and answers the first connection
// with a canned byte sequence after consuming the request head. It returns
// the host:port to dial.
func newRawServer(t *testing.T, response string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" || line == "\n" {
				break
			}
		}
		conn.Write([]byte(response))
	}()

	return ln.Addr().String()
}
