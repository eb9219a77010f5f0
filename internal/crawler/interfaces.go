package crawler

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/scrapeguard/internal/webhook"
)

// Store lookup errors.
var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

// JobStore persists job and page metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counters JobCounters) error
	RecordPage(ctx context.Context, page PageRecord) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListPages(ctx context.Context, jobID string) ([]PageRecord, error)
}

// Publisher hands webhook events to the delivery queue.
type Publisher interface {
	Publish(ctx context.Context, msg webhook.Message) error
}

// Engine fetches a URL and returns the body plus metadata. Engines are
// tried in order until one succeeds.
type Engine interface {
	Name() string
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Queue provides enqueue/dequeue semantics for scrape jobs.
type Queue interface {
	Enqueue(ctx context.Context, job QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and scrape IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
