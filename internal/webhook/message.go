package webhook

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event names a webhook delivery kind.
type Event string

// Webhook event kinds.
const (
	EventCrawlStarted        Event = "crawl.started"
	EventCrawlPage           Event = "crawl.page"
	EventCrawlCompleted      Event = "crawl.completed"
	EventCrawlFailed         Event = "crawl.failed"
	EventBatchScrapeStarted  Event = "batch_scrape.started"
	EventBatchScrapePage     Event = "batch_scrape.page"
	EventBatchScrapeComplete Event = "batch_scrape.completed"
	EventBatchScrapeFailed   Event = "batch_scrape.failed"
)

// Valid reports whether e is a known event kind.
func (e Event) Valid() bool {
	switch e {
	case EventCrawlStarted, EventCrawlPage, EventCrawlCompleted, EventCrawlFailed,
		EventBatchScrapeStarted, EventBatchScrapePage, EventBatchScrapeComplete, EventBatchScrapeFailed:
		return true
	}
	return false
}

// Message is the queue envelope consumed by the webhook delivery service.
type Message struct {
	WebhookURL string            `json:"webhook_url"`
	Payload    Payload           `json:"payload"`
	Headers    map[string]string `json:"headers"`
	TeamID     string            `json:"team_id"`
	JobID      string            `json:"job_id"`
	ScrapeID   *string           `json:"scrape_id"`
	Event      Event             `json:"event"`
	TimeoutMS  int64             `json:"timeout_ms"`
}

// Payload is the body eventually POSTed to the subscriber.
type Payload struct {
	Success   bool              `json:"success"`
	Type      Event             `json:"type"`
	WebhookID string            `json:"webhookId"`
	ID        string            `json:"id,omitempty"`
	JobID     string            `json:"jobId,omitempty"`
	Data      []any             `json:"data"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// encode serializes msg, signing the payload into the delivery headers when
// secret is set. msg is not modified.
func encode(msg Message, secret string) ([]byte, error) {
	if msg.Payload.Data == nil {
		msg.Payload.Data = []any{}
	}
	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if secret != "" {
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal webhook payload: %w", err)
		}
		headers[SignatureHeader] = Sign(secret, payload)
	}
	msg.Headers = headers

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook message: %w", err)
	}
	return body, nil
}
