package engine

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

// gunzipper decompresses a gzip body incrementally. Compressed bytes go
// in through feed; decoded chunks come back out of poll. Two goroutines
// bridge the push-style engine to gzip.Reader's pull-style io.Reader: a
// feeder moving queued input into a pipe, and the decoder itself. Step
// never blocks on either: feed refuses input when the queue is full and
// poll is a channel select.
type gunzipper struct {
	feedCh chan []byte
	out    chan pumpChunk
	stop   chan struct{}
}

func newGunzipper(stop chan struct{}) *gunzipper {
	pr, pw := io.Pipe()
	g := &gunzipper{
		feedCh: make(chan []byte, 16),
		out:    make(chan pumpChunk, 1),
		stop:   stop,
	}

	go func() { // feeder
		for {
			select {
			case p, ok := <-g.feedCh:
				if !ok {
					pw.Close()
					return
				}
				if _, err := pw.Write(p); err != nil {
					return
				}
			case <-stop:
				pw.CloseWithError(io.ErrClosedPipe)
				return
			}
		}
	}()

	go func() { // decoder
		zr, err := gzip.NewReader(pr)
		if err != nil {
			g.emit(pumpChunk{err: err})
			pr.CloseWithError(err)
			return
		}
		for {
			buf := make([]byte, readChunkSize)
			n, err := zr.Read(buf)
			if n > 0 {
				if !g.emit(pumpChunk{p: buf[:n]}) {
					return
				}
			}
			if err != nil {
				g.emit(pumpChunk{err: err})
				pr.CloseWithError(err)
				return
			}
		}
	}()

	return g
}

func (g *gunzipper) emit(c pumpChunk) bool {
	select {
	case g.out <- c:
		return true
	case <-g.stop:
		return false
	}
}

// feed queues compressed bytes for decoding. It reports false when the
// queue is full; the caller retries on a later step without consuming
// the input.
func (g *gunzipper) feed(p []byte) bool {
	select {
	case g.feedCh <- p:
		return true
	default:
		return false
	}
}

// finish signals that all compressed input was fed.
func (g *gunzipper) finish() {
	close(g.feedCh)
}

// poll returns the next decoded chunk if one is ready. A chunk carrying
// io.EOF marks clean end of stream.
func (g *gunzipper) poll() (pumpChunk, bool) {
	select {
	case c := <-g.out:
		return c, true
	default:
		return pumpChunk{}, false
	}
}
