package httpfetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeguard/internal/crawler"
	"github.com/JakeFAU/scrapeguard/internal/egress"
)

func newDispatcher(t *testing.T, policy egress.Policy) *egress.Dispatcher {
	t.Helper()
	d, err := egress.New(policy, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func TestFetchFollowsRedirectsAndCopiesHeaders(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Agent", r.UserAgent())
		w.Header().Set("X-Trace", r.Header.Get("X-Trace"))
		_, _ = io.WriteString(w, "hello")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Config{UserAgent: "scrapeguard-test"}, newDispatcher(t, egress.Policy{AllowPrivateTargets: true}))
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL + "/start",
		Headers: http.Header{"X-Trace": {"abc"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, srv.URL+"/final", resp.URL)
	require.Equal(t, "hello", string(resp.Body))
	require.Equal(t, "scrapeguard-test", resp.Headers.Get("X-Agent"))
	require.Equal(t, "abc", resp.Headers.Get("X-Trace"))
	require.Equal(t, EngineName, resp.Engine)
}

func TestFetchRequestUserAgentWins(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.UserAgent())
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "default"}, newDispatcher(t, egress.Policy{AllowPrivateTargets: true}))
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL,
		Headers: http.Header{"User-Agent": {"custom"}},
	})
	require.NoError(t, err)
	require.Equal(t, "custom", string(resp.Body))
}

func TestFetchTruncatesBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer srv.Close()

	f := New(Config{MaxBodyBytes: 10}, newDispatcher(t, egress.Policy{AllowPrivateTargets: true}))
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Len(t, resp.Body, 10)
}

func TestFetchReturnsErrorStatuses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := New(Config{}, newDispatcher(t, egress.Policy{AllowPrivateTargets: true}))
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFetchRefusesPrivateTarget(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "secret")
	}))
	defer srv.Close()

	f := New(Config{}, newDispatcher(t, egress.Policy{}))
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.True(t, egress.IsSecurityViolation(err), "got %v", err)
}

func TestFetchReportsCancellationCause(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cause := errors.New("scrape budget spent")
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(50*time.Millisecond, func() { cancel(cause) })

	f := New(Config{}, newDispatcher(t, egress.Policy{AllowPrivateTargets: true}))
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, cause)
}

func TestFetchRejectsBadURL(t *testing.T) {
	t.Parallel()

	f := New(Config{}, newDispatcher(t, egress.Policy{}))
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "://bad"})
	require.Error(t, err)
}
