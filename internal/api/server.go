// Package api exposes the HTTP interface for the scrape service.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeguard/internal/config"
	"github.com/JakeFAU/scrapeguard/internal/crawler"
	"github.com/JakeFAU/scrapeguard/internal/dispatcher"
	"github.com/JakeFAU/scrapeguard/internal/metrics"
	"github.com/JakeFAU/scrapeguard/internal/webhook"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxRequestBytes = 1 << 20

// Submitter accepts jobs for asynchronous processing.
type Submitter interface {
	Submit(ctx context.Context, item crawler.QueueItem) error
}

// StateReporter exposes the webhook publisher connection state.
type StateReporter interface {
	State() webhook.State
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router    chi.Router
	jobStore  crawler.JobStore
	submitter Submitter
	publisher StateReporter
	idGen     crawler.IDGenerator
	clock     crawler.Clock
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. publisher may be
// nil when webhooks are disabled.
func NewServer(
	jobStore crawler.JobStore,
	submitter Submitter,
	publisher StateReporter,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobStore:  jobStore,
		submitter: submitter,
		publisher: publisher,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(60 * time.Second))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/scrape", s.submitScrape)
		r.Get("/jobs/{job_id}", s.getJob)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz fails once the publisher has been closed for shutdown.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.publisher != nil {
		state := s.publisher.State()
		if state == webhook.StateClosing {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":    "shutting down",
				"publisher": state.String(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "publisher": state.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, deadline, err := s.toJobParameters(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.enqueueJob(r.Context(), params, deadline)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, dispatcher.ErrBusy):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusRequestTimeout
		}
		s.logger.Warn("job submission failed", zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	pages, err := s.jobStore.ListPages(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch job pages")
		return
	}
	if pages == nil {
		pages = []crawler.PageRecord{}
	}
	writeJSON(w, http.StatusOK, crawler.JobResult{Job: job, Pages: pages})
}

func (s *Server) enqueueJob(
	ctx context.Context,
	params crawler.JobParameters,
	deadline time.Duration,
) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := crawler.Job{
		ID:         jobID,
		Status:     crawler.JobStatusQueued,
		Submitted:  now,
		Parameters: params,
	}
	if err := s.jobStore.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	item := crawler.QueueItem{
		JobID:     jobID,
		Params:    params,
		Submitted: now.Unix(),
	}
	if deadline > 0 {
		item.Deadline = now.Add(deadline)
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.submitter.Submit(queueCtx, item); err != nil {
		if uerr := s.jobStore.UpdateJobStatus(
			context.WithoutCancel(ctx),
			jobID,
			crawler.JobStatusFailed,
			"rejected: "+err.Error(),
			crawler.JobCounters{},
		); uerr != nil {
			s.logger.Warn("mark rejected job failed", zap.String("job_id", jobID), zap.Error(uerr))
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.Info("job accepted", zap.String("job_id", jobID), zap.Int("urls", len(params.URLs)))
	return jobID, nil
}

func (s *Server) toJobParameters(req scrapeRequest) (crawler.JobParameters, time.Duration, error) {
	raw := req.URLs
	if req.URL != "" {
		raw = append([]string{req.URL}, raw...)
	}
	if len(raw) == 0 {
		return crawler.JobParameters{}, 0, errors.New("urls required")
	}
	urls := make([]string, 0, len(raw))
	for _, u := range raw {
		normalized, err := crawler.NormalizeTarget(u)
		if err != nil {
			return crawler.JobParameters{}, 0, err
		}
		urls = append(urls, normalized)
	}

	engines := cloneStringSlice(req.Engines)
	for _, name := range engines {
		if !s.engineEnabled(name) {
			return crawler.JobParameters{}, 0, fmt.Errorf("engine %q is not enabled", name)
		}
	}

	params := crawler.JobParameters{
		URLs:                urls,
		TeamID:              req.TeamID,
		Engines:             engines,
		TimeoutMS:           valueOrDefault(req.TimeoutMS, s.cfg.Scrape.Timeout.Milliseconds()),
		SkipTLSVerification: boolOrDefault(req.SkipTLSVerification, s.cfg.Egress.SkipTLSVerify),
		RespectRobots:       boolOrDefault(req.RespectRobots, s.cfg.Scrape.RespectRobots),
		Headers:             cloneStringMap(req.Headers),
	}
	if params.TimeoutMS <= 0 {
		return crawler.JobParameters{}, 0, errors.New("timeout_ms must be > 0")
	}

	if req.Webhook != nil {
		target, err := validateWebhook(*req.Webhook)
		if err != nil {
			return crawler.JobParameters{}, 0, err
		}
		params.Webhook = &target
	}

	var deadline time.Duration
	if req.DeadlineMS != nil {
		if *req.DeadlineMS <= 0 {
			return crawler.JobParameters{}, 0, errors.New("deadline_ms must be > 0")
		}
		deadline = time.Duration(*req.DeadlineMS) * time.Millisecond
	}
	return params, deadline, nil
}

func (s *Server) engineEnabled(name string) bool {
	for _, enabled := range s.cfg.Scrape.Engines {
		if enabled == name {
			return true
		}
	}
	return false
}

func validateWebhook(target crawler.WebhookTarget) (crawler.WebhookTarget, error) {
	normalized, err := crawler.NormalizeTarget(target.URL)
	if err != nil {
		return crawler.WebhookTarget{}, fmt.Errorf("webhook: %w", err)
	}
	for _, name := range target.Events {
		if !webhook.Event(name).Valid() {
			return crawler.WebhookTarget{}, fmt.Errorf("webhook: unknown event %q", name)
		}
	}
	return crawler.WebhookTarget{
		URL:      normalized,
		Headers:  cloneStringMap(target.Headers),
		Metadata: cloneStringMap(target.Metadata),
		Events:   cloneStringSlice(target.Events),
	}, nil
}

type scrapeRequest struct {
	URL                 string                 `json:"url"`
	URLs                []string               `json:"urls"`
	TeamID              string                 `json:"team_id"`
	Engines             []string               `json:"engines"`
	TimeoutMS           *int64                 `json:"timeout_ms"`
	DeadlineMS          *int64                 `json:"deadline_ms"`
	SkipTLSVerification *bool                  `json:"skip_tls_verification"`
	RespectRobots       *bool                  `json:"respect_robots"`
	Headers             map[string]string      `json:"headers"`
	Webhook             *crawler.WebhookTarget `json:"webhook"`
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func boolOrDefault(ptr *bool, def bool) bool {
	if ptr == nil {
		return def
	}
	return *ptr
}

func cloneStringSlice(src []string) []string {
	if len(src) == 0 {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

func cloneStringMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
