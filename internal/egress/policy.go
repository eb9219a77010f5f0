package egress

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

const (
	defaultMaxRedirects        = 5000
	defaultDialTimeout         = 10 * time.Second
	defaultTLSHandshakeTimeout = 15 * time.Second
)

// Policy governs how outbound connections are routed and which targets are
// permitted.
type Policy struct {
	ProxyURL            string
	ProxyUsername       string
	ProxyPassword       string
	SkipTLSVerify       bool
	MaxRedirects        int
	AllowPrivateTargets bool
	PerHostRPS          float64
	PerHostBurst        int
	// BlockedHosts lists hostnames refused on every hop. "*.example.com"
	// and ".example.com" also match subdomains.
	BlockedHosts        []string
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxRedirects <= 0 {
		p.MaxRedirects = defaultMaxRedirects
	}
	if p.DialTimeout <= 0 {
		p.DialTimeout = defaultDialTimeout
	}
	if p.TLSHandshakeTimeout <= 0 {
		p.TLSHandshakeTimeout = defaultTLSHandshakeTimeout
	}
	return p
}

// proxy returns the normalized proxy URL with credentials attached, or nil
// when no proxy is configured.
func (p Policy) proxy() (*url.URL, error) {
	raw := strings.TrimSpace(p.ProxyURL)
	if raw == "" {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy url %q has no host", p.ProxyURL)
	}
	if p.ProxyUsername != "" {
		u.User = url.UserPassword(p.ProxyUsername, p.ProxyPassword)
	}
	return u, nil
}

// proxyDialAddr mirrors the host:port net/http dials for a proxy URL.
func proxyDialAddr(u *url.URL) string {
	if u == nil {
		return ""
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "socks5", "socks5h":
			port = "1080"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}
