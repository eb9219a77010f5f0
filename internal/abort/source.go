package abort

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Tier identifies the scope a cancellation source bounds.
type Tier string

// Tiers, outermost first.
const (
	TierExternal Tier = "external"
	TierScrape   Tier = "scrape"
	TierEngine   Tier = "engine"
)

// ErrTimeout is matched by the default payload of every tier.
var ErrTimeout = errors.New("timeout")

// Error is the payload of a composed token and of Manager.Err.
type Error struct {
	Tier  Tier
	Inner error
}

func (e *Error) Error() string {
	if e.Inner == nil {
		return fmt.Sprintf("aborted: %s", e.Tier)
	}
	return fmt.Sprintf("aborted: %s: %v", e.Tier, e.Inner)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// TierOf extracts the originating tier from err.
func TierOf(err error) (Tier, bool) {
	var abortErr *Error
	if errors.As(err, &abortErr) {
		return abortErr.Tier, true
	}
	return "", false
}

// IsTier reports whether err was caused by a source of the given tier.
func IsTier(err error, tier Tier) bool {
	got, ok := TierOf(err)
	return ok && got == tier
}

// TimeoutError builds the tier-specific payload returned by default.
func TimeoutError(tier Tier) func() error {
	return func() error {
		return fmt.Errorf("%s %w", tier, ErrTimeout)
	}
}

// Source is one cancellation input: a token, an optional absolute deadline,
// the tier it bounds, and a factory for the payload reported when it fires.
// The source token itself fires with a bare tier marker; ErrFunc runs at most
// once, when a Manager first reports the source.
type Source struct {
	Token    *Token
	Deadline time.Time
	Tier     Tier
	ErrFunc  func() error

	stop        func() bool
	payloadOnce sync.Once
	payloadErr  error
}

// NewSource builds a manually fired source. errFn may be nil.
func NewSource(tier Tier, deadline time.Time, errFn func() error) *Source {
	if errFn == nil {
		errFn = TimeoutError(tier)
	}
	return &Source{
		Token:    NewToken(),
		Deadline: deadline,
		Tier:     tier,
		ErrFunc:  errFn,
	}
}

// AfterDeadline builds a source that fires on its own when at is reached.
// Call Stop once the scope ends to release the timer.
func AfterDeadline(tier Tier, at time.Time, errFn func() error) *Source {
	src := NewSource(tier, at, errFn)
	timer := time.AfterFunc(time.Until(at), src.fire)
	src.stop = timer.Stop
	return src
}

// AfterTimeout is AfterDeadline relative to now.
func AfterTimeout(tier Tier, d time.Duration, errFn func() error) *Source {
	return AfterDeadline(tier, time.Now().Add(d), errFn)
}

// FromContext builds a source that fires when ctx is done. The deadline of
// ctx, if any, becomes the source deadline. A nil errFn reports the cause of
// ctx.
func FromContext(ctx context.Context, tier Tier, errFn func() error) *Source {
	deadline, _ := ctx.Deadline()
	if errFn == nil {
		errFn = func() error { return context.Cause(ctx) }
	}
	src := NewSource(tier, deadline, errFn)
	src.stop = context.AfterFunc(ctx, func() {
		src.Token.Fire(context.Cause(ctx))
	})
	return src
}

// Cancel fires the source. Cancelling a fired source is a no-op.
func (s *Source) Cancel() {
	if s.Token.Fired() {
		return
	}
	s.fire()
}

func (s *Source) fire() {
	s.Token.Fire(&Error{Tier: s.Tier})
}

// Stop releases the timer or context hook behind the source without firing
// it. Manual sources ignore Stop.
func (s *Source) Stop() {
	if s.stop != nil {
		s.stop()
	}
}

func (s *Source) payload() error {
	s.payloadOnce.Do(func() {
		if s.ErrFunc == nil {
			s.payloadErr = TimeoutError(s.Tier)()
			return
		}
		s.payloadErr = s.ErrFunc()
	})
	return s.payloadErr
}

func (s *Source) abortError() *Error {
	return &Error{Tier: s.Tier, Inner: s.payload()}
}
