package transfer

import (
	"strings"
)

// Response is the parsed result of one header section: the status code
// from the section's status line and its header fields. It is built
// once at the header/body boundary and immutable afterwards.
type Response struct {
	statusCode int
	headers    map[string]string
}

// StatusCode reports the numeric HTTP/FTP status of the section, 0
// when no status line could be parsed.
func (r *Response) StatusCode() int { return r.statusCode }

// Header reports the value for name, matched case-insensitively.
// Values of repeated fields are folded with ", ".
func (r *Response) Header(name string) string {
	return r.headers[strings.ToLower(name)]
}

// Headers returns a copy of all header fields, keyed by lowercased name.
func (r *Response) Headers() map[string]string {
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

// buildResponse parses the accumulated raw header lines of one section.
// It is a pure function: no I/O, no retained references to lines.
//
// The status line is parsed leniently; when no code can be extracted
// the last-known code is kept (0 if none). Repeated field names fold
// into one value joined with ", ". Obsolete line folding (continuation
// lines starting with SP or HTAB) appends to the previous field with a
// single space.
func buildResponse(lines []string, lastCode int) *Response {
	resp := &Response{
		statusCode: lastCode,
		headers:    make(map[string]string),
	}
	if len(lines) == 0 {
		return resp
	}

	resp.statusCode = parseLenientStatus(lines[0], lastCode)

	var lastName string
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if lastName != "" {
				resp.headers[lastName] += " " + strings.TrimSpace(line)
			}
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if prev, dup := resp.headers[key]; dup {
			resp.headers[key] = prev + ", " + value
		} else {
			resp.headers[key] = value
		}
		lastName = key
	}

	return resp
}

// parseLenientStatus extracts a plausible 3-digit status code from an
// HTTP status line ("HTTP/1.1 200 OK") or an FTP reply ("226 Transfer
// complete").
func parseLenientStatus(line string, last int) int {
	for _, f := range strings.Fields(line) {
		if len(f) < 3 {
			continue
		}
		code := 0
		ok := true
		for _, c := range f[:3] {
			if c < '0' || c > '9' {
				ok = false
				break
			}
			code = code*10 + int(c-'0')
		}
		if ok && code >= 100 && code < 600 {
			return code
		}
	}
	return last
}
