// Package httpfetch implements the plain HTTP scrape engine on top of the
// egress dispatcher.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/scrapeguard/internal/crawler"
)

// EngineName identifies this engine in job parameters and metrics.
const EngineName = "http"

// Doer sends a request through the guarded egress path.
type Doer interface {
	Do(ctx context.Context, req *http.Request, skipTLSVerify bool) (*http.Response, error)
}

// Config controls request defaults.
type Config struct {
	UserAgent    string
	MaxBodyBytes int64
}

// Fetcher implements crawler.Engine with a single GET per URL.
type Fetcher struct {
	cfg    Config
	client Doer
}

// New builds a Fetcher that sends requests through client.
func New(cfg Config, client Doer) *Fetcher {
	return &Fetcher{cfg: cfg, client: client}
}

// Name implements crawler.Engine.
func (f *Fetcher) Name() string {
	return EngineName
}

// Fetch issues a GET for request.URL. Non-2xx statuses are returned as
// responses; only transport failures are errors. Bodies beyond
// MaxBodyBytes are truncated.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, request.URL, nil)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("build request: %w", err)
	}
	for key, values := range request.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if req.Header.Get("User-Agent") == "" && f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := f.client.Do(ctx, req, request.SkipTLSVerify)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return crawler.FetchResponse{}, fmt.Errorf("http fetch canceled: %w", cause)
		}
		return crawler.FetchResponse{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var reader io.Reader = resp.Body
	if f.cfg.MaxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, f.cfg.MaxBodyBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return crawler.FetchResponse{}, fmt.Errorf("http fetch canceled: %w", cause)
		}
		return crawler.FetchResponse{}, fmt.Errorf("read body: %w", err)
	}

	finalURL := request.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return crawler.FetchResponse{
		URL:        finalURL,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		Duration:   time.Since(start),
		Engine:     EngineName,
	}, nil
}
