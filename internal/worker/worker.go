// Package worker implements the scrape pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeguard/internal/abort"
	"github.com/JakeFAU/scrapeguard/internal/crawler"
	"github.com/JakeFAU/scrapeguard/internal/egress"
	"github.com/JakeFAU/scrapeguard/internal/metrics"
	"github.com/JakeFAU/scrapeguard/internal/webhook"
)

// errWorkerStopped marks external aborts caused by the worker shutting down.
var errWorkerStopped = errors.New("worker stopped")

// Config controls Worker behavior.
type Config struct {
	// Engines is the default engine order when a job names none.
	Engines         []string
	ScrapeTimeout   time.Duration
	EngineTimeout   time.Duration
	PublishRetries  int
	DeliveryTimeout time.Duration
}

// Worker consumes queue items and executes the fetch pipeline.
type Worker struct {
	queue     crawler.Queue
	jobStore  crawler.JobStore
	publisher crawler.Publisher
	hasher    crawler.Hasher
	clock     crawler.Clock
	ids       crawler.IDGenerator
	engines   map[string]crawler.Engine
	retry     *RetryPolicy
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher may be nil, in which case no webhook
// events are emitted.
func New(
	queue crawler.Queue,
	jobStore crawler.JobStore,
	publisher crawler.Publisher,
	hasher crawler.Hasher,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	engines []crawler.Engine,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = time.Minute
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 30 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	byName := make(map[string]crawler.Engine, len(engines))
	for _, engine := range engines {
		byName[engine.Name()] = engine
	}
	if len(cfg.Engines) == 0 {
		for _, engine := range engines {
			cfg.Engines = append(cfg.Engines, engine.Name())
		}
	}
	return &Worker{
		queue:     queue,
		jobStore:  jobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		engines:   byName,
		retry:     NewRetryPolicy(cfg.PublishRetries),
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

// jobRun carries the per-job state threaded through the pipeline.
type jobRun struct {
	item     crawler.QueueItem
	aborts   *abort.Manager
	counters crawler.JobCounters
	logger   *zap.Logger
}

func (w *Worker) processJob(ctx context.Context, item crawler.QueueItem) {
	run := &jobRun{item: item, logger: w.logger.With(zap.String("job_id", item.JobID))}

	sources := w.jobSources(ctx, item)
	run.aborts = abort.New(sources...)
	defer func() {
		run.aborts.Dispose()
		for _, src := range sources {
			src.Stop()
		}
	}()

	if err := w.jobStore.UpdateJobStatus(ctx, item.JobID, crawler.JobStatusRunning, "", run.counters); err != nil {
		run.logger.Error("update job status failed", zap.Error(err))
		return
	}
	w.emit(ctx, run, webhook.EventCrawlStarted, nil, true, nil, "")

	var terminal error
	for _, url := range item.Params.URLs {
		if err := run.aborts.Err(); err != nil {
			terminal = err
			break
		}
		if err := w.handleURL(ctx, run, url); err != nil {
			run.logger.Warn("scrape aborted", zap.String("url", url), zap.Error(err))
			terminal = err
			break
		}
	}

	status, errText := deriveFinalStatus(run.counters, terminal)
	metrics.ObserveJob(string(status))
	if tier, ok := abort.TierOf(terminal); ok {
		metrics.ObserveCancellation(string(tier))
	}

	if err := w.jobStore.UpdateJobStatus(context.WithoutCancel(ctx), item.JobID, status, errText, run.counters); err != nil {
		run.logger.Error("final job status update failed", zap.Error(err))
	}

	if status == crawler.JobStatusSucceeded {
		w.emit(ctx, run, webhook.EventCrawlCompleted, nil, true, nil, "")
	} else {
		w.emit(ctx, run, webhook.EventCrawlFailed, nil, false, nil, errText)
	}
	run.logger.Info("job finished",
		zap.String("status", string(status)),
		zap.Int("pages_succeeded", run.counters.PagesSucceeded),
		zap.Int("pages_failed", run.counters.PagesFailed),
	)
}

// jobSources builds the external and scrape tiers for one job. The worker
// context counts as external, and its payload carries errWorkerStopped so the
// job ends canceled rather than failed.
func (w *Worker) jobSources(ctx context.Context, item crawler.QueueItem) []*abort.Source {
	sources := []*abort.Source{
		abort.FromContext(ctx, abort.TierExternal, func() error {
			return fmt.Errorf("%w: %w", errWorkerStopped, context.Cause(ctx))
		}),
	}
	if !item.Deadline.IsZero() {
		sources = append(sources, abort.AfterDeadline(abort.TierExternal, item.Deadline, nil))
	}
	scrapeTimeout := w.cfg.ScrapeTimeout
	if item.Params.TimeoutMS > 0 {
		scrapeTimeout = time.Duration(item.Params.TimeoutMS) * time.Millisecond
	}
	return append(sources, abort.AfterTimeout(abort.TierScrape, scrapeTimeout, nil))
}

// handleURL scrapes one URL. A nil return means the job may continue, even
// when this URL failed; a non-nil return ends the job.
func (w *Worker) handleURL(ctx context.Context, run *jobRun, url string) error {
	scrapeID, err := w.ids.NewID()
	if err != nil {
		run.counters.PagesFailed++
		return fmt.Errorf("generate scrape id: %w", err)
	}

	resp, err := w.fetchWithFallback(ctx, run, url)
	if err != nil {
		run.counters.PagesFailed++
		w.emit(ctx, run, webhook.EventCrawlPage, &scrapeID, false, nil, err.Error())
		if isTerminal(err) {
			return err
		}
		run.logger.Warn("all engines failed", zap.String("url", url), zap.Error(err))
		return nil
	}

	page, err := w.persist(ctx, run.item.JobID, scrapeID, url, resp)
	if err != nil {
		run.counters.PagesFailed++
		run.logger.Error("persist page failed", zap.String("url", url), zap.Error(err))
		w.emit(ctx, run, webhook.EventCrawlPage, &scrapeID, false, nil, err.Error())
		return nil
	}

	run.counters.PagesSucceeded++
	w.emit(ctx, run, webhook.EventCrawlPage, &scrapeID, true, []any{pageData(page, resp)}, "")
	run.logger.Debug("page processed", zap.String("url", url), zap.String("engine", resp.Engine))
	return nil
}

// fetchWithFallback tries each engine in order under its own engine-tier
// deadline. Engine timeouts and ordinary errors move on to the next engine.
func (w *Worker) fetchWithFallback(ctx context.Context, run *jobRun, url string) (crawler.FetchResponse, error) {
	order := run.item.Params.Engines
	if len(order) == 0 {
		order = w.cfg.Engines
	}
	request := crawler.FetchRequest{
		JobID:         run.item.JobID,
		URL:           url,
		Headers:       toHeader(run.item.Params.Headers),
		SkipTLSVerify: run.item.Params.SkipTLSVerification,
		RespectRobots: run.item.Params.RespectRobots,
	}

	var lastErr error
	for i, name := range order {
		engine, ok := w.engines[name]
		if !ok {
			lastErr = fmt.Errorf("unknown engine %q", name)
			continue
		}
		if i > 0 && lastErr != nil {
			run.counters.EngineFallbacks++
		}

		resp, err := w.attempt(ctx, run, engine, request)
		if err == nil {
			metrics.ObserveEngineAttempt(name, "success")
			return resp, nil
		}
		metrics.ObserveEngineAttempt(name, attemptOutcome(err))
		if isTerminal(err) {
			return crawler.FetchResponse{}, err
		}
		run.logger.Info("engine attempt failed",
			zap.String("engine", name),
			zap.String("url", url),
			zap.Error(err),
		)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no engines configured")
	}
	return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", url, lastErr)
}

func (w *Worker) attempt(
	ctx context.Context,
	run *jobRun,
	engine crawler.Engine,
	request crawler.FetchRequest,
) (crawler.FetchResponse, error) {
	engineSrc := abort.AfterTimeout(abort.TierEngine, w.cfg.EngineTimeout, nil)
	defer engineSrc.Stop()
	aborts := run.aborts.Child(engineSrc)
	defer aborts.Dispose()

	// ctx reaches the engine only through its external source, so a shutdown
	// always surfaces as a tagged abort.
	engineCtx, cancel := aborts.Context(context.WithoutCancel(ctx))
	defer cancel()

	resp, err := engine.Fetch(engineCtx, request)
	if err != nil {
		return crawler.FetchResponse{}, tagAbort(aborts, err)
	}
	return resp, nil
}

// tagAbort prefixes err with the manager's abort when the engine failed
// because of it but did not report the cause itself.
func tagAbort(aborts *abort.Manager, err error) error {
	if _, tagged := abort.TierOf(err); tagged {
		return err
	}
	if abortErr := aborts.Err(); abortErr != nil {
		return fmt.Errorf("%w: %w", abortErr, err)
	}
	return err
}

// isTerminal reports errors that end the job instead of falling back.
func isTerminal(err error) bool {
	if egress.IsSecurityViolation(err) {
		return true
	}
	tier, ok := abort.TierOf(err)
	return ok && tier != abort.TierEngine
}

func attemptOutcome(err error) string {
	switch {
	case egress.IsSecurityViolation(err):
		return "blocked"
	case abort.IsTier(err, abort.TierEngine):
		return "timeout"
	case isTerminal(err):
		return "aborted"
	default:
		return "error"
	}
}

func (w *Worker) persist(
	ctx context.Context,
	jobID string,
	scrapeID string,
	url string,
	resp crawler.FetchResponse,
) (crawler.PageRecord, error) {
	hash, err := w.hasher.Hash(resp.Body)
	if err != nil {
		return crawler.PageRecord{}, fmt.Errorf("hash body: %w", err)
	}
	page := crawler.PageRecord{
		JobID:         jobID,
		ScrapeID:      scrapeID,
		URL:           url,
		FinalURL:      resp.URL,
		StatusCode:    resp.StatusCode,
		Engine:        resp.Engine,
		FetchedAt:     w.clock.Now(),
		DurationMs:    resp.Duration.Milliseconds(),
		ContentHash:   hash,
		ContentLength: len(resp.Body),
		Headers:       resp.Headers,
	}
	if err := w.jobStore.RecordPage(ctx, page); err != nil {
		return crawler.PageRecord{}, fmt.Errorf("record page: %w", err)
	}
	return page, nil
}

func pageData(page crawler.PageRecord, resp crawler.FetchResponse) map[string]any {
	return map[string]any{
		"url":          page.URL,
		"final_url":    page.FinalURL,
		"status_code":  page.StatusCode,
		"engine":       page.Engine,
		"content_hash": page.ContentHash,
		"content":      string(resp.Body),
	}
}

// emit publishes one lifecycle event when the job asked for webhooks and
// the event passes its filter. Delivery runs on a context detached from the
// job so failure events still go out after an abort.
func (w *Worker) emit(
	ctx context.Context,
	run *jobRun,
	event webhook.Event,
	scrapeID *string,
	success bool,
	data []any,
	errText string,
) {
	target := run.item.Params.Webhook
	if w.publisher == nil || target == nil || target.URL == "" || !wantsEvent(target, event) {
		return
	}
	webhookID, err := w.ids.NewID()
	if err != nil {
		run.logger.Error("generate webhook id failed", zap.Error(err))
		return
	}
	msg := webhook.Message{
		WebhookURL: target.URL,
		Headers:    target.Headers,
		TeamID:     run.item.Params.TeamID,
		JobID:      run.item.JobID,
		ScrapeID:   scrapeID,
		Event:      event,
		TimeoutMS:  w.cfg.DeliveryTimeout.Milliseconds(),
		Payload: webhook.Payload{
			Success:   success,
			Type:      event,
			WebhookID: webhookID,
			ID:        run.item.JobID,
			Data:      data,
			Error:     errText,
			Metadata:  target.Metadata,
		},
	}
	if scrapeID != nil {
		msg.Payload.JobID = *scrapeID
	}

	deliveryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DeliveryTimeout)
	defer cancel()
	if err := w.publishWithRetry(deliveryCtx, msg); err != nil {
		run.logger.Error("webhook publish failed",
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}

func (w *Worker) publishWithRetry(ctx context.Context, msg webhook.Message) error {
	for attempt := 0; ; attempt++ {
		err := w.publisher.Publish(ctx, msg)
		if err == nil {
			return nil
		}
		if !w.retry.ShouldRetry(err, attempt) {
			return err
		}
		if err := sleepContext(ctx, w.retry.Backoff(attempt)); err != nil {
			return fmt.Errorf("publish backoff: %w", err)
		}
	}
}

func wantsEvent(target *crawler.WebhookTarget, event webhook.Event) bool {
	if len(target.Events) == 0 {
		return true
	}
	for _, name := range target.Events {
		if name == string(event) {
			return true
		}
	}
	return false
}

func toHeader(headers map[string]string) http.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make(http.Header, len(headers))
	for k, v := range headers {
		out.Set(k, v)
	}
	return out
}

// deriveFinalStatus maps a finished run to its job status. Only a worker
// shutdown cancels a job; deadlines and every other abort fail it.
func deriveFinalStatus(counters crawler.JobCounters, terminal error) (crawler.JobStatus, string) {
	switch {
	case abort.IsTier(terminal, abort.TierExternal) && errors.Is(terminal, errWorkerStopped):
		return crawler.JobStatusCanceled, terminal.Error()
	case terminal != nil:
		return crawler.JobStatusFailed, terminal.Error()
	case counters.PagesSucceeded == 0:
		return crawler.JobStatusFailed, "no pages were fetched"
	default:
		return crawler.JobStatusSucceeded, ""
	}
}
