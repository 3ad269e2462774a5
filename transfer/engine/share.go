package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// ShareCode is the native status code domain for shared-state failures.
type ShareCode int

const (
	ShareOK ShareCode = iota
	ShareBadOption
	ShareInUse
	ShareInvalid
	ShareNotBuilt
)

func (c ShareCode) String() string {
	switch c {
	case ShareOK:
		return "no error"
	case ShareBadOption:
		return "unknown share option"
	case ShareInUse:
		return "share currently in use"
	case ShareInvalid:
		return "invalid share handle"
	case ShareNotBuilt:
		return "share was not built"
	}
	return "unknown share error"
}

// ShareError reports a shared-state failure with its native code.
type ShareError struct {
	Code ShareCode
	Msg  string
}

func (e *ShareError) Error() string {
	return fmt.Sprintf("share: %s: %s", e.Code, e.Msg)
}

// Share holds state reused across transfers: a resolved-address cache
// and the known-hosts store consulted by the TLS host key check. All
// methods are safe for concurrent use.
type Share struct {
	dnsTTL time.Duration

	mu    sync.RWMutex
	dns   map[string]dnsEntry
	hosts map[string]string // host -> hex fingerprint
}

type dnsEntry struct {
	addrs   []string
	expires time.Time
}

// ShareOption configures a Share.
type ShareOption func(*Share) error

// WithDNSCacheTTL sets how long resolved addresses are reused.
func WithDNSCacheTTL(ttl time.Duration) ShareOption {
	return func(s *Share) error {
		if ttl <= 0 {
			return &ShareError{Code: ShareBadOption, Msg: "dns cache ttl must be positive"}
		}
		s.dnsTTL = ttl
		return nil
	}
}

// WithKnownHost seeds the known-hosts store with a trusted fingerprint.
func WithKnownHost(host, fingerprint string) ShareOption {
	return func(s *Share) error {
		if host == "" || fingerprint == "" {
			return &ShareError{Code: ShareBadOption, Msg: "known host requires host and fingerprint"}
		}
		s.hosts[host] = fingerprint
		return nil
	}
}

// NewShare builds a Share with a 60s DNS cache by default.
func NewShare(opts ...ShareOption) (*Share, error) {
	s := &Share{
		dnsTTL: time.Minute,
		dns:    make(map[string]dnsEntry),
		hosts:  make(map[string]string),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LookupHost resolves host, serving from the cache when fresh.
func (s *Share) LookupHost(ctx context.Context, host string) ([]string, error) {
	now := time.Now()

	s.mu.RLock()
	e, ok := s.dns[host]
	s.mu.RUnlock()
	if ok && now.Before(e.expires) {
		return e.addrs, nil
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.dns[host] = dnsEntry{addrs: addrs, expires: now.Add(s.dnsTTL)}
	s.mu.Unlock()

	return addrs, nil
}

// KnownKey reports the stored fingerprint for host, if any.
func (s *Share) KnownKey(host string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.hosts[host]
	return fp, ok
}

// PersistKey records host's fingerprint for future transfers.
func (s *Share) PersistKey(host, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[host] = fingerprint
}
