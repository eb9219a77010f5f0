package webhook

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokerURLMissing is returned on first use when no broker URL is configured.
	ErrBrokerURLMissing = errors.New("webhook broker url is not configured")
	// ErrDrainTimeout is returned when the channel stays saturated past the drain timeout.
	ErrDrainTimeout = errors.New("timed out waiting for broker channel to drain")
	// ErrPublisherClosed is returned after Close.
	ErrPublisherClosed = errors.New("webhook publisher is closed")
)

// TransportKind classifies broker transport failures.
type TransportKind string

// Transport failure kinds.
const (
	KindConnect            TransportKind = "connect"
	KindChannelUnavailable TransportKind = "channel_unavailable"
	KindPublish            TransportKind = "publish"
	KindChannelClosed      TransportKind = "channel_closed"
	KindChannelError       TransportKind = "channel_error"
)

// TransportError reports a broker-side failure.
type TransportError struct {
	Kind TransportKind
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("webhook transport %s", e.Kind)
	}
	return fmt.Sprintf("webhook transport %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a TransportError of kind.
func IsTransport(err error, kind TransportKind) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == kind
}

// Retryable reports whether a failed publish may succeed on a later attempt.
// Configuration errors and a closed publisher never do.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrBrokerURLMissing) && !errors.Is(err, ErrPublisherClosed)
}
