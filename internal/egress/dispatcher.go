// Package egress performs outbound fetches under an egress security policy.
//
// Every connection the transport opens, including those created while
// following redirects, passes through a dialer hook that inspects the
// resolved remote address before any request bytes are written. Targets
// outside global unicast space are refused unless the policy allows them,
// which closes the SSRF holes left by redirects and DNS rebinding.
package egress

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/netip"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/scrapeguard/internal/metrics"
	"github.com/JakeFAU/scrapeguard/internal/policy/ratelimit"
)

// Dispatcher owns one pooled transport per TLS-verify variant and hands out
// HTTP clients bound to them. Build it once at startup and share it.
type Dispatcher struct {
	policy   Policy
	logger   *zap.Logger
	proxy    *url.URL
	secure   *variant
	insecure *variant
	limiter  *ratelimit.Limiter
	hosts    *hostBlocklist

	// blocked decides whether a dialed remote address must be refused.
	blocked func(netip.AddrPort) bool
}

type variant struct {
	transport *http.Transport
	client    *http.Client
}

// New builds a Dispatcher for policy.
func New(policy Policy, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy = policy.withDefaults()
	proxy, err := policy.proxy()
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		policy: policy,
		logger: logger,
		proxy:  proxy,
		hosts:  newHostBlocklist(policy.BlockedHosts),
	}
	d.blocked = d.defaultBlocked
	if policy.PerHostRPS > 0 {
		d.limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   policy.PerHostRPS,
			DefaultBurst: policy.PerHostBurst,
		})
	}

	if d.secure, err = d.newVariant(false); err != nil {
		return nil, err
	}
	if d.insecure, err = d.newVariant(true); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dispatcher) newVariant(skipTLSVerify bool) (*variant, error) {
	transport := d.newTransport(skipTLSVerify)
	jar, err := newJar()
	if err != nil {
		return nil, err
	}
	return &variant{
		transport: transport,
		client:    d.newClient(transport, jar),
	}, nil
}

func (d *Dispatcher) newTransport(skipTLSVerify bool) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   d.policy.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           d.guardedDial(dialer),
		TLSHandshakeTimeout:   d.policy.TLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: skipTLSVerify, //nolint:gosec // only when the caller explicitly opts out
			MinVersion:         tls.VersionTLS12,
		},
	}
	if d.proxy != nil {
		transport.Proxy = http.ProxyURL(d.proxy)
	}
	return transport
}

func (d *Dispatcher) newClient(transport *http.Transport, jar http.CookieJar) *http.Client {
	return &http.Client{
		Transport:     d.wrap(transport),
		Jar:           jar,
		CheckRedirect: d.checkRedirect,
	}
}

// wrap layers host blocking and pacing over transport when configured.
func (d *Dispatcher) wrap(transport *http.Transport) http.RoundTripper {
	if d.limiter == nil && d.hosts == nil {
		return transport
	}
	return &guardTransport{base: transport, limiter: d.limiter, hosts: d.hosts, logger: d.logger}
}

// guardedDial wraps dialer so each established connection is inspected
// before it is handed to the transport.
func (d *Dispatcher) guardedDial(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyAddr := proxyDialAddr(d.proxy)
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		if proxyAddr != "" && addr == proxyAddr {
			return conn, nil
		}
		if err := d.inspect(conn, network, addr); err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// inspect closes conn and returns a SecurityViolationError when its remote
// address is blocked by the policy.
func (d *Dispatcher) inspect(conn net.Conn, network, addr string) error {
	remote := conn.RemoteAddr()
	if remote == nil {
		return nil
	}
	addrPort, err := netip.ParseAddrPort(remote.String())
	if err != nil {
		return nil
	}
	if !d.blocked(addrPort) {
		return nil
	}

	_ = conn.Close()
	metrics.ObserveSecurityViolation(addr)
	d.logger.Warn("egress connection terminated",
		zap.String("addr", addr),
		zap.String("remote", addrPort.String()),
	)
	return &SecurityViolationError{Network: network, Addr: addr, Remote: addrPort.String()}
}

func (d *Dispatcher) defaultBlocked(addrPort netip.AddrPort) bool {
	return !d.policy.AllowPrivateTargets && isPrivateAddr(addrPort.Addr())
}

func (d *Dispatcher) checkRedirect(_ *http.Request, via []*http.Request) error {
	if len(via) >= d.policy.MaxRedirects {
		return fmt.Errorf("stopped after %d redirects: %w", len(via), ErrTooManyRedirects)
	}
	return nil
}

func (d *Dispatcher) variant(skipTLSVerify bool) *variant {
	if skipTLSVerify || d.policy.SkipTLSVerify {
		return d.insecure
	}
	return d.secure
}

// Client returns the shared client for the requested TLS variant. Its cookie
// jar is shared by every caller of the same variant.
func (d *Dispatcher) Client(skipTLSVerify bool) *http.Client {
	return d.variant(skipTLSVerify).client
}

// Session returns a client with a fresh cookie jar over the shared
// connection pool.
func (d *Dispatcher) Session(skipTLSVerify bool) (*http.Client, error) {
	jar, err := newJar()
	if err != nil {
		return nil, err
	}
	return d.newClient(d.variant(skipTLSVerify).transport, jar), nil
}

// Transport exposes the guarded round tripper for libraries that manage
// their own client.
func (d *Dispatcher) Transport(skipTLSVerify bool) http.RoundTripper {
	return d.wrap(d.variant(skipTLSVerify).transport)
}

// Do sends req bound to ctx through the shared client.
func (d *Dispatcher) Do(ctx context.Context, req *http.Request, skipTLSVerify bool) (*http.Response, error) {
	ctx, span := otel.Tracer("scrapeguard/egress").Start(ctx, "egress.fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.url", req.URL.String()),
		attribute.Bool("tls.skip_verify", skipTLSVerify),
	)

	resp, err := d.Client(skipTLSVerify).Do(req.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("egress fetch %s: %w", req.URL.Redacted(), err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

// Close drops idle pooled connections of both variants.
func (d *Dispatcher) Close() {
	d.secure.transport.CloseIdleConnections()
	d.insecure.transport.CloseIdleConnections()
}

// guardTransport runs once per hop, redirects included.
type guardTransport struct {
	base    http.RoundTripper
	limiter *ratelimit.Limiter
	hosts   *hostBlocklist
	logger  *zap.Logger
}

func (t *guardTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if host := req.URL.Hostname(); t.hosts.blocked(host) {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		metrics.ObserveSecurityViolation(host)
		t.logger.Warn("egress request to blocked host refused", zap.String("host", host))
		return nil, &BlockedHostError{Host: host}
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context(), req.URL.String()); err != nil {
			return nil, err
		}
	}
	return t.base.RoundTrip(req)
}

func newJar() (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return jar, nil
}
