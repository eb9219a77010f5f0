// Package collyfetcher implements a scrape engine on top of gocolly whose
// network access goes through the guarded egress transport.
package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scrapeguard/internal/crawler"
	"github.com/JakeFAU/scrapeguard/internal/egress"
)

// EngineName identifies this engine in job parameters and metrics.
const EngineName = "colly"

// TransportSource hands out round trippers per TLS variant.
type TransportSource interface {
	Transport(skipTLSVerify bool) http.RoundTripper
}

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	MaxRedirects int
	MaxBodyBytes int64
}

// Fetcher implements crawler.Engine using the Colly collector.
type Fetcher struct {
	cfg        Config
	transports TransportSource
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher whose requests use transports.
func New(cfg Config, transports TransportSource) *Fetcher {
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5000
	}
	return &Fetcher{
		cfg:        cfg,
		transports: transports,
	}
}

// Name implements crawler.Engine.
func (f *Fetcher) Name() string {
	return EngineName
}

// Fetch executes a single HTTP GET using Colly. The request is bound to ctx,
// so cancelling ctx aborts an in-flight transfer.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &result, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	return result, nil
}

// buildCollector creates a collector per fetch; collectors share their
// backend client with clones, so per-request transports cannot be set on
// a shared base.
func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.StdlibContext(ctx),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(int(f.cfg.MaxBodyBytes)))
	}
	collector := colly.NewCollector(opts...)
	collector.IgnoreRobotsTxt = !request.RespectRobots

	var transport http.RoundTripper = http.DefaultTransport
	if f.transports != nil {
		transport = f.transports.Transport(request.SkipTLSVerify)
	}
	if request.RespectRobots {
		transport = &robotsAwareTransport{base: transport, state: newRobotsProbeState()}
	}
	collector.WithTransport(transport)

	maxRedirects := f.cfg.MaxRedirects
	collector.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects: %w", len(via), egress.ErrTooManyRedirects)
		}
		return nil
	})

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			Engine:     EngineName,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	url string,
	result *crawler.FetchResponse,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", context.Cause(ctx))
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if result.StatusCode == 0 {
			return fmt.Errorf("colly visit produced no response for %s", url)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}
