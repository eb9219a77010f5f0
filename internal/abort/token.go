// Package abort composes tiered cancellation sources into a single token.
//
// A scrape runs inside three nested scopes: the inbound request (external),
// the job (scrape) and one engine attempt (engine). Each scope contributes a
// Source; a Manager derives one composed Token that fires as soon as any of
// its sources fires and carries the tier of whichever source fired first.
package abort

import "sync"

// Token is a one-shot cancellation cell. It fires at most once; listeners
// registered before firing run exactly once when it fires, listeners
// registered afterwards run immediately.
type Token struct {
	mu        sync.Mutex
	done      chan struct{}
	fired     bool
	cause     error
	listeners []listener
	nextID    uint64
}

type listener struct {
	id uint64
	fn func(cause error)
}

// NewToken returns an unfired token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Fire marks the token as fired with cause. It reports whether this call
// fired the token; later calls are no-ops.
func (t *Token) Fire(cause error) bool {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	t.cause = cause
	close(t.done)
	pending := t.listeners
	t.listeners = nil
	t.mu.Unlock()

	for _, l := range pending {
		l.fn(cause)
	}
	return true
}

// Fired reports whether the token has fired.
func (t *Token) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Done is closed when the token fires.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Cause returns the payload the token fired with, or nil.
func (t *Token) Cause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// OnFire registers fn and returns a function that detaches it. If the token
// already fired, fn runs synchronously before OnFire returns.
func (t *Token) OnFire(fn func(cause error)) (remove func()) {
	t.mu.Lock()
	if t.fired {
		cause := t.cause
		t.mu.Unlock()
		fn(cause)
		return func() {}
	}
	t.nextID++
	id := t.nextID
	t.listeners = append(t.listeners, listener{id: id, fn: fn})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, l := range t.listeners {
			if l.id == id {
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

func (t *Token) listenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}
