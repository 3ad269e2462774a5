package engine

import (
	"errors"
	"strconv"
	"strings"
)

var errBadChunk = errors.New("malformed chunked encoding")

// chunkedDecoder is an incremental HTTP/1.1 chunked transfer decoder.
// It is push-based: the engine hands it whatever bytes arrived and it
// reports how many it consumed and the body segment they contained, so
// no call ever waits for more input.
type chunkedDecoder struct {
	state     int
	line      []byte
	remaining int64
	done      bool
}

const (
	chunkStateSize = iota
	chunkStateData
	chunkStateDataEnd
	chunkStateTrailer
)

// next consumes a prefix of in and returns any decoded body bytes.
// done reports the end of the final chunk and trailers.
func (d *chunkedDecoder) next(in []byte) (body []byte, consumed int, err error) {
	for consumed < len(in) && !d.done {
		switch d.state {
		case chunkStateSize:
			line, n, ok := d.takeLine(in[consumed:])
			consumed += n
			if !ok {
				return body, consumed, nil
			}
			size, perr := parseChunkSize(line)
			if perr != nil {
				return body, consumed, perr
			}
			if size == 0 {
				d.state = chunkStateTrailer
				continue
			}
			d.remaining = size
			d.state = chunkStateData

		case chunkStateData:
			if body != nil {
				// One body segment per call; the caller loops.
				return body, consumed, nil
			}
			m := int64(len(in) - consumed)
			if m > d.remaining {
				m = d.remaining
			}
			body = in[consumed : consumed+int(m)]
			consumed += int(m)
			d.remaining -= m
			if d.remaining == 0 {
				d.state = chunkStateDataEnd
			}

		case chunkStateDataEnd:
			line, n, ok := d.takeLine(in[consumed:])
			consumed += n
			if !ok {
				return body, consumed, nil
			}
			if line != "" {
				return body, consumed, errBadChunk
			}
			d.state = chunkStateSize

		case chunkStateTrailer:
			line, n, ok := d.takeLine(in[consumed:])
			consumed += n
			if !ok {
				return body, consumed, nil
			}
			if line == "" {
				d.done = true
			}
		}
	}
	return body, consumed, nil
}

// takeLine buffers bytes until a full line is available.
func (d *chunkedDecoder) takeLine(in []byte) (line string, consumed int, ok bool) {
	for i, b := range in {
		if b != '\n' {
			continue
		}
		d.line = append(d.line, in[:i]...)
		s := strings.TrimSuffix(string(d.line), "\r")
		d.line = d.line[:0]
		return s, i + 1, true
	}
	d.line = append(d.line, in...)
	return "", len(in), false
}

func parseChunkSize(line string) (int64, error) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, errBadChunk
	}
	size, err := strconv.ParseInt(line, 16, 64)
	if err != nil || size < 0 {
		return 0, errBadChunk
	}
	return size, nil
}
