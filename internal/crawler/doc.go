// Package crawler defines the job, engine and storage contracts shared by the
// scrape pipeline: the API enqueues jobs, workers run them through engines
// under tiered cancellation, and lifecycle events leave through a publisher.
package crawler
