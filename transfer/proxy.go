package transfer

import (
	"fmt"
	"sync"

	"github.com/kelseyhightower/envconfig"
)

// ProxyConfig is the process-wide proxy policy. It is consulted once,
// at handle construction time; changing it never affects transfers
// already built.
type ProxyConfig struct {
	// URL of the HTTP proxy, empty for direct connections.
	URL string `envconfig:"URL"`

	// UserPassword is the "user:password" proxy credential.
	UserPassword string `envconfig:"USERPWD"`

	// Allow gates proxy use entirely.
	Allow bool `envconfig:"ALLOW" default:"true"`
}

var (
	proxyMu  sync.RWMutex
	proxyCfg = ProxyConfig{Allow: true}
)

// SetProxy replaces the process-wide proxy configuration.
func SetProxy(cfg ProxyConfig) {
	proxyMu.Lock()
	defer proxyMu.Unlock()
	proxyCfg = cfg
}

// SetProxyUserPassword sets the global "user:password" proxy credential.
func SetProxyUserPassword(userpwd string) {
	proxyMu.Lock()
	defer proxyMu.Unlock()
	proxyCfg.UserPassword = userpwd
}

// SetAllowsProxy gates proxy use for handles built afterwards.
func SetAllowsProxy(allow bool) {
	proxyMu.Lock()
	defer proxyMu.Unlock()
	proxyCfg.Allow = allow
}

// LoadProxyFromEnv populates the proxy configuration from
// HOIST_PROXY_URL, HOIST_PROXY_USERPWD and HOIST_PROXY_ALLOW.
func LoadProxyFromEnv() error {
	var cfg ProxyConfig
	if err := envconfig.Process("hoist_proxy", &cfg); err != nil {
		return fmt.Errorf("loading proxy config: %w", err)
	}
	SetProxy(cfg)
	return nil
}

// proxyFor snapshots the proxy settings for a new handle.
func proxyFor() (url, userpwd string, ok bool) {
	proxyMu.RLock()
	defer proxyMu.RUnlock()
	if !proxyCfg.Allow || proxyCfg.URL == "" {
		return "", "", false
	}
	return proxyCfg.URL, proxyCfg.UserPassword, true
}
