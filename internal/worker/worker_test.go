package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeguard/internal/abort"
	"github.com/JakeFAU/scrapeguard/internal/crawler"
	"github.com/JakeFAU/scrapeguard/internal/egress"
	"github.com/JakeFAU/scrapeguard/internal/metrics"
	"github.com/JakeFAU/scrapeguard/internal/webhook"
)

func init() {
	metrics.Init()
}

type harness struct {
	queue     *fakeQueue
	store     *fakeJobStore
	publisher *fakePublisher
	worker    *Worker
}

func newHarness(cfg Config, engines ...crawler.Engine) *harness {
	h := &harness{
		queue:     &fakeQueue{},
		store:     newFakeJobStore(),
		publisher: &fakePublisher{},
	}
	h.worker = New(
		h.queue,
		h.store,
		h.publisher,
		&fakeHasher{hash: "abc123"},
		&fakeClock{now: time.Unix(100, 0)},
		&fakeIDGen{},
		engines,
		cfg,
		zap.NewNop(),
	)
	h.worker.retry = &RetryPolicy{maxAttempts: cfg.PublishRetries, baseDelay: time.Millisecond, maxDelay: time.Millisecond}
	return h
}

func item(urls ...string) crawler.QueueItem {
	return crawler.QueueItem{
		JobID: "job-1",
		Params: crawler.JobParameters{
			URLs:    urls,
			TeamID:  "team-1",
			Webhook: &crawler.WebhookTarget{URL: "https://hooks.example.com/in"},
		},
	}
}

func TestWorker_ProcessJob_SuccessFlow(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{name: "http", fetch: okFetch("<html>ok</html>")}
	h := newHarness(Config{}, engine)

	job := item("https://example.com")
	job.Params.Headers = map[string]string{"X-Trace": "abc"}
	h.worker.processJob(context.Background(), job)

	require.Equal(t, crawler.JobStatusSucceeded, h.store.lastStatus())
	require.Equal(t, 1, h.store.lastCounters().PagesSucceeded)

	pages := h.store.recordedPages()
	require.Len(t, pages, 1)
	require.Equal(t, "https://example.com", pages[0].URL)
	require.Equal(t, "abc123", pages[0].ContentHash)
	require.Equal(t, "http", pages[0].Engine)
	require.Equal(t, len("<html>ok</html>"), pages[0].ContentLength)
	require.Equal(t, time.Unix(100, 0), pages[0].FetchedAt)
	require.Equal(t, "abc", engine.lastRequest().Headers.Get("X-Trace"))

	msgs := h.publisher.messages()
	require.Equal(t, []webhook.Event{
		webhook.EventCrawlStarted,
		webhook.EventCrawlPage,
		webhook.EventCrawlCompleted,
	}, events(msgs))

	page := msgs[1]
	require.True(t, page.Payload.Success)
	require.NotNil(t, page.ScrapeID)
	require.Equal(t, pages[0].ScrapeID, *page.ScrapeID)
	require.Equal(t, "job-1", page.JobID)
	require.Equal(t, "team-1", page.TeamID)
	require.Equal(t, "https://hooks.example.com/in", page.WebhookURL)
	require.Len(t, page.Payload.Data, 1)
	require.Nil(t, msgs[0].ScrapeID)
}

func TestWorker_FallsBackOnEngineError(t *testing.T) {
	t.Parallel()

	first := &fakeEngine{name: "http", fetch: func(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{}, errors.New("connection reset")
	}}
	second := &fakeEngine{name: "colly", fetch: okFetch("fallback")}
	h := newHarness(Config{}, first, second)

	h.worker.processJob(context.Background(), item("https://example.com"))

	require.Equal(t, crawler.JobStatusSucceeded, h.store.lastStatus())
	require.Equal(t, 1, h.store.lastCounters().EngineFallbacks)
	require.Equal(t, "colly", h.store.recordedPages()[0].Engine)
	require.EqualValues(t, 1, first.calls.Load())
	require.EqualValues(t, 1, second.calls.Load())
}

func TestWorker_FallsBackOnEngineTimeout(t *testing.T) {
	t.Parallel()

	slow := &fakeEngine{name: "http", fetch: blockingFetch}
	fast := &fakeEngine{name: "colly", fetch: okFetch("fast")}
	h := newHarness(Config{EngineTimeout: 20 * time.Millisecond, ScrapeTimeout: 5 * time.Second}, slow, fast)

	h.worker.processJob(context.Background(), item("https://example.com"))

	require.Equal(t, crawler.JobStatusSucceeded, h.store.lastStatus())
	require.Equal(t, 1, h.store.lastCounters().EngineFallbacks)
	require.EqualValues(t, 1, fast.calls.Load())
}

func TestWorker_JobOrderOverridesDefault(t *testing.T) {
	t.Parallel()

	httpEngine := &fakeEngine{name: "http", fetch: okFetch("http")}
	collyEngine := &fakeEngine{name: "colly", fetch: okFetch("colly")}
	h := newHarness(Config{}, httpEngine, collyEngine)

	job := item("https://example.com")
	job.Params.Engines = []string{"colly", "http"}
	h.worker.processJob(context.Background(), job)

	require.Equal(t, "colly", h.store.recordedPages()[0].Engine)
	require.Zero(t, httpEngine.calls.Load())
}

func TestWorker_SecurityViolationEndsJob(t *testing.T) {
	t.Parallel()

	guarded := &fakeEngine{name: "http", fetch: func(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{}, fmt.Errorf("egress fetch: %w", &egress.SecurityViolationError{
			Network: "tcp", Addr: "internal:80", Remote: "10.0.0.1:80",
		})
	}}
	other := &fakeEngine{name: "colly", fetch: okFetch("never")}
	h := newHarness(Config{}, guarded, other)

	h.worker.processJob(context.Background(), item("https://internal/", "https://example.com"))

	require.Equal(t, crawler.JobStatusFailed, h.store.lastStatus())
	require.Zero(t, other.calls.Load(), "no fallback after a security violation")
	require.EqualValues(t, 1, guarded.calls.Load(), "remaining URLs are skipped")
	require.Equal(t, 1, h.store.lastCounters().PagesFailed)
	require.Equal(t, []webhook.Event{
		webhook.EventCrawlStarted,
		webhook.EventCrawlPage,
		webhook.EventCrawlFailed,
	}, events(h.publisher.messages()))
}

func TestWorker_ScrapeTimeoutIsTerminal(t *testing.T) {
	t.Parallel()

	slow := &fakeEngine{name: "http", fetch: blockingFetch}
	other := &fakeEngine{name: "colly", fetch: okFetch("never")}
	h := newHarness(Config{EngineTimeout: 5 * time.Second}, slow, other)

	job := item("https://example.com")
	job.Params.TimeoutMS = 30
	h.worker.processJob(context.Background(), job)

	require.Equal(t, crawler.JobStatusFailed, h.store.lastStatus())
	require.Contains(t, h.store.lastErrText(), "scrape")
	require.Zero(t, other.calls.Load())

	msgs := h.publisher.messages()
	last := msgs[len(msgs)-1]
	require.Equal(t, webhook.EventCrawlFailed, last.Event)
	require.False(t, last.Payload.Success)
	require.NotEmpty(t, last.Payload.Error)
}

func TestWorker_ExternalDeadlineFailsJob(t *testing.T) {
	t.Parallel()

	slow := &fakeEngine{name: "http", fetch: blockingFetch}
	h := newHarness(Config{EngineTimeout: 5 * time.Second, ScrapeTimeout: 5 * time.Second}, slow)

	job := item("https://example.com")
	job.Deadline = time.Now().Add(30 * time.Millisecond)
	h.worker.processJob(context.Background(), job)

	require.Equal(t, crawler.JobStatusFailed, h.store.lastStatus(), "a caller deadline is a timeout, not a cancel")
	require.Contains(t, h.store.lastErrText(), "external")
}

func TestWorker_ShutdownCancelsJob(t *testing.T) {
	t.Parallel()

	slow := &fakeEngine{name: "http", fetch: blockingFetch}
	other := &fakeEngine{name: "colly", fetch: okFetch("never")}
	h := newHarness(Config{EngineTimeout: 5 * time.Second, ScrapeTimeout: 5 * time.Second}, slow, other)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.worker.processJob(ctx, item("https://example.com"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after shutdown")
	}

	require.Equal(t, crawler.JobStatusCanceled, h.store.lastStatus())
	require.Contains(t, h.store.lastErrText(), "worker stopped")
	require.Zero(t, other.calls.Load(), "shutdown does not fall back")
}

func TestWorker_AbortReportedOnce(t *testing.T) {
	t.Parallel()

	slow := &fakeEngine{name: "http", fetch: blockingFetch}
	h := newHarness(Config{EngineTimeout: 5 * time.Second}, slow)

	job := item("https://example.com")
	job.Params.TimeoutMS = 30
	h.worker.processJob(context.Background(), job)

	require.Equal(t, 1, strings.Count(h.store.lastErrText(), "aborted:"), h.store.lastErrText())
	for _, msg := range h.publisher.messages() {
		if msg.Event == webhook.EventCrawlPage {
			require.Equal(t, 1, strings.Count(msg.Payload.Error, "aborted:"), msg.Payload.Error)
		}
	}
}

func TestTagAbort(t *testing.T) {
	t.Parallel()

	src := abort.NewSource(abort.TierEngine, time.Time{}, nil)
	aborts := abort.New(src)
	defer aborts.Dispose()

	plain := errors.New("connection reset")
	require.Same(t, plain, tagAbort(aborts, plain), "nothing fired yet")

	src.Cancel()
	tagged := tagAbort(aborts, plain)
	require.True(t, abort.IsTier(tagged, abort.TierEngine))
	require.ErrorIs(t, tagged, plain)

	ctx, cancel := aborts.Context(context.Background())
	defer cancel()
	<-ctx.Done()
	reported := fmt.Errorf("fetch canceled: %w", context.Cause(ctx))
	require.Equal(t, reported, tagAbort(aborts, reported), "an engine that reports the abort is not wrapped again")
	require.Equal(t, 1, strings.Count(tagAbort(aborts, reported).Error(), "aborted:"))
}

func TestWorker_UnknownEngineFails(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Engines: []string{"missing"}}, &fakeEngine{name: "http", fetch: okFetch("x")})
	h.worker.processJob(context.Background(), item("https://example.com"))

	require.Equal(t, crawler.JobStatusFailed, h.store.lastStatus())
	require.Equal(t, 1, h.store.lastCounters().PagesFailed)
}

func TestWorker_EventFilter(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, &fakeEngine{name: "http", fetch: okFetch("ok")})
	job := item("https://example.com")
	job.Params.Webhook.Events = []string{string(webhook.EventCrawlCompleted)}
	h.worker.processJob(context.Background(), job)

	require.Equal(t, []webhook.Event{webhook.EventCrawlCompleted}, events(h.publisher.messages()))
}

func TestWorker_NoWebhookTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, &fakeEngine{name: "http", fetch: okFetch("ok")})
	job := item("https://example.com")
	job.Params.Webhook = nil
	h.worker.processJob(context.Background(), job)

	require.Equal(t, crawler.JobStatusSucceeded, h.store.lastStatus())
	require.Empty(t, h.publisher.messages())
}

func TestWorker_PublishRetriesTransportErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{PublishRetries: 3}, &fakeEngine{name: "http", fetch: okFetch("ok")})
	h.publisher.failures = 2
	h.publisher.failWith = &webhook.TransportError{Kind: webhook.KindPublish, Err: errors.New("nack")}

	job := item("https://example.com")
	job.Params.Webhook.Events = []string{string(webhook.EventCrawlStarted)}
	h.worker.processJob(context.Background(), job)

	require.EqualValues(t, 3, h.publisher.attempts.Load())
	require.Len(t, h.publisher.messages(), 1)
}

func TestWorker_PublishDoesNotRetryConfigurationErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{PublishRetries: 3}, &fakeEngine{name: "http", fetch: okFetch("ok")})
	h.publisher.failures = 10
	h.publisher.failWith = webhook.ErrBrokerURLMissing

	job := item("https://example.com")
	job.Params.Webhook.Events = []string{string(webhook.EventCrawlStarted)}
	h.worker.processJob(context.Background(), job)

	require.EqualValues(t, 1, h.publisher.attempts.Load())
	require.Equal(t, crawler.JobStatusSucceeded, h.store.lastStatus(), "publish failures do not fail the job")
}

func TestWorker_RunConsumesQueue(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(Config{}, &fakeEngine{name: "http", fetch: okFetch("ok")})
	require.NoError(t, h.queue.Enqueue(ctx, item("https://example.com")))

	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.store.lastStatus() == crawler.JobStatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestDeriveFinalStatus(t *testing.T) {
	t.Parallel()

	status, text := deriveFinalStatus(crawler.JobCounters{}, nil)
	require.Equal(t, crawler.JobStatusFailed, status)
	require.Equal(t, "no pages were fetched", text)

	status, text = deriveFinalStatus(crawler.JobCounters{PagesSucceeded: 1}, nil)
	require.Equal(t, crawler.JobStatusSucceeded, status)
	require.Empty(t, text)

	stopped := &abort.Error{Tier: abort.TierExternal, Inner: fmt.Errorf("%w: %w", errWorkerStopped, context.Canceled)}
	status, text = deriveFinalStatus(crawler.JobCounters{PagesSucceeded: 1}, stopped)
	require.Equal(t, crawler.JobStatusCanceled, status)
	require.Equal(t, stopped.Error(), text)

	deadline := &abort.Error{Tier: abort.TierExternal, Inner: context.DeadlineExceeded}
	status, _ = deriveFinalStatus(crawler.JobCounters{PagesSucceeded: 1}, deadline)
	require.Equal(t, crawler.JobStatusFailed, status)

	status, _ = deriveFinalStatus(crawler.JobCounters{}, &abort.Error{Tier: abort.TierScrape})
	require.Equal(t, crawler.JobStatusFailed, status)
}

func events(msgs []webhook.Message) []webhook.Event {
	out := make([]webhook.Event, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Event)
	}
	return out
}

func okFetch(body string) func(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error) {
	return func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{
			URL:        req.URL,
			StatusCode: http.StatusOK,
			Body:       []byte(body),
			Duration:   10 * time.Millisecond,
		}, nil
	}
}

func blockingFetch(ctx context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
	<-ctx.Done()
	return crawler.FetchResponse{}, fmt.Errorf("fetch canceled: %w", context.Cause(ctx))
}

type fakeEngine struct {
	name  string
	fetch func(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error)
	calls atomic.Int32

	mu   sync.Mutex
	last crawler.FetchRequest
}

func (e *fakeEngine) Name() string {
	return e.name
}

func (e *fakeEngine) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	e.calls.Add(1)
	e.mu.Lock()
	e.last = req
	e.mu.Unlock()
	resp, err := e.fetch(ctx, req)
	if err == nil {
		resp.Engine = e.name
	}
	return resp, err
}

func (e *fakeEngine) lastRequest() crawler.FetchRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

type fakeQueue struct {
	mu    sync.Mutex
	items []crawler.QueueItem
}

func (q *fakeQueue) Enqueue(_ context.Context, job crawler.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, job)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.QueueItem{}, fmt.Errorf("queue dequeue context done: %w", ctx.Err())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

type fakeJobStore struct {
	mu       sync.Mutex
	statuses []statusUpdate
	pages    []crawler.PageRecord
}

type statusUpdate struct {
	status   crawler.JobStatus
	errText  string
	counters crawler.JobCounters
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{}
}

func (f *fakeJobStore) CreateJob(context.Context, crawler.Job) error {
	return nil
}

func (f *fakeJobStore) UpdateJobStatus(
	_ context.Context,
	_ string,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusUpdate{status: status, errText: errText, counters: counters})
	return nil
}

func (f *fakeJobStore) RecordPage(_ context.Context, page crawler.PageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, page)
	return nil
}

func (f *fakeJobStore) GetJob(context.Context, string) (crawler.Job, error) {
	return crawler.Job{}, nil
}

func (f *fakeJobStore) ListPages(context.Context, string) ([]crawler.PageRecord, error) {
	return nil, nil
}

func (f *fakeJobStore) last() statusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return statusUpdate{}
	}
	return f.statuses[len(f.statuses)-1]
}

func (f *fakeJobStore) lastStatus() crawler.JobStatus {
	return f.last().status
}

func (f *fakeJobStore) lastCounters() crawler.JobCounters {
	return f.last().counters
}

func (f *fakeJobStore) lastErrText() string {
	return f.last().errText
}

func (f *fakeJobStore) recordedPages() []crawler.PageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.PageRecord(nil), f.pages...)
}

type fakePublisher struct {
	attempts atomic.Int32
	failures int32
	failWith error

	mu   sync.Mutex
	sent []webhook.Message
}

func (p *fakePublisher) Publish(_ context.Context, msg webhook.Message) error {
	if n := p.attempts.Add(1); n <= p.failures {
		return p.failWith
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePublisher) messages() []webhook.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webhook.Message(nil), p.sent...)
}

type fakeHasher struct {
	hash string
	err  error
}

func (h *fakeHasher) Hash([]byte) (string, error) {
	return h.hash, h.err
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakeIDGen struct {
	next atomic.Int64
}

func (g *fakeIDGen) NewID() (string, error) {
	return fmt.Sprintf("id-%03d", g.next.Add(1)), nil
}
