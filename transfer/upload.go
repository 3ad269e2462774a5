package transfer

import (
	"errors"
	"io"
)

// uploadSource adapts an arbitrary byte source to the engine's
// pull-based upload model. The handle owns it exclusively; only the
// scheduler goroutine touches it while the transfer runs.
type uploadSource struct {
	r         io.Reader
	size      int64
	exhausted bool
}

// pull fills p with the next body bytes. It reports io.EOF exactly
// once, after the source runs dry. A 0-byte read with a nil error is
// treated as end of body as well, matching the "zero length is the
// last chunk" contract.
func (u *uploadSource) pull(p []byte) (int, error) {
	if u.exhausted {
		return 0, io.EOF
	}

	n, err := u.r.Read(p)
	if n > 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			return n, err
		}
		if errors.Is(err, io.EOF) {
			u.exhausted = true
		}
		return n, nil
	}

	switch {
	case err == nil, errors.Is(err, io.EOF):
		u.exhausted = true
		return 0, io.EOF
	default:
		return 0, err
	}
}

// rewind repositions the source at its start. It only works when the
// underlying reader can seek; a transfer whose body is re-requested
// over a one-shot reader is a usage error, not silently corrected.
func (u *uploadSource) rewind() error {
	s, ok := u.r.(io.Seeker)
	if !ok {
		return newUsageError("upload body re-requested but the source is not rewindable (does not implement io.Seeker)")
	}
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return err
	}
	u.exhausted = false
	return nil
}
