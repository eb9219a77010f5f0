package crawler

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// JobParameters captures per-job knobs requested by the client.
type JobParameters struct {
	URLs                []string          `json:"urls"`
	TeamID              string            `json:"team_id"`
	Engines             []string          `json:"engines,omitempty"`
	TimeoutMS           int64             `json:"timeout_ms,omitempty"`
	SkipTLSVerification bool              `json:"skip_tls_verification"`
	RespectRobots       bool              `json:"respect_robots"`
	Headers             map[string]string `json:"headers,omitempty"`
	Webhook             *WebhookTarget    `json:"webhook,omitempty"`
}

// WebhookTarget describes where lifecycle events for a job are delivered.
type WebhookTarget struct {
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// Events restricts delivery to the named event kinds; empty means all.
	Events []string `json:"events,omitempty"`
}

// Job represents the metadata persisted for each submitted scrape request.
type Job struct {
	ID         string        `json:"id"`
	Status     JobStatus     `json:"status"`
	Submitted  time.Time     `json:"submitted_at"`
	Started    *time.Time    `json:"started_at,omitempty"`
	Finished   *time.Time    `json:"finished_at,omitempty"`
	ErrorText  string        `json:"error_text,omitempty"`
	Parameters JobParameters `json:"parameters"`
	Counters   JobCounters   `json:"counters"`
}

// JobCounters tracks success/failure stats per job.
type JobCounters struct {
	PagesSucceeded  int `json:"pages_succeeded"`
	PagesFailed     int `json:"pages_failed"`
	EngineFallbacks int `json:"engine_fallbacks"`
}

// PageRecord is persisted for each scraped URL.
type PageRecord struct {
	JobID         string      `json:"job_id"`
	ScrapeID      string      `json:"scrape_id"`
	URL           string      `json:"url"`
	FinalURL      string      `json:"final_url"`
	StatusCode    int         `json:"status_code"`
	Engine        string      `json:"engine"`
	FetchedAt     time.Time   `json:"fetched_at"`
	DurationMs    int64       `json:"duration_ms"`
	ContentHash   string      `json:"content_hash"`
	ContentLength int         `json:"content_length"`
	Headers       http.Header `json:"headers"`
}

// FetchRequest captures everything an engine needs to fetch a URL.
type FetchRequest struct {
	JobID         string
	URL           string
	Headers       http.Header
	SkipTLSVerify bool
	RespectRobots bool
}

// FetchResponse is the result returned by an Engine.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Engine     string
}

// JobResult is returned by the API job endpoint.
type JobResult struct {
	Job   Job          `json:"job"`
	Pages []PageRecord `json:"pages"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Params    JobParameters
	Submitted int64
	// Deadline is the absolute external request deadline; zero means none.
	Deadline time.Time
}
