package abort

import (
	"context"
	"sync"
	"time"
)

// Manager owns an ordered set of sources and lazily derives one composed
// token from them.
type Manager struct {
	mu       sync.Mutex
	sources  []*Source
	token    *Token
	detach   []func()
	disposed bool
	now      func() time.Time
}

// New builds a Manager over the non-nil sources.
func New(sources ...*Source) *Manager {
	return &Manager{
		sources: compact(sources),
		now:     time.Now,
	}
}

// Add appends sources. If the composed token was already handed out the new
// sources are wired into it directly. Add on a disposed Manager is a no-op.
func (m *Manager) Add(sources ...*Source) {
	added := compact(sources)
	if len(added) == 0 {
		return
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.sources = append(m.sources, added...)
	token := m.token
	m.mu.Unlock()

	if token != nil {
		for _, src := range added {
			m.register(token, src)
		}
	}
}

// Child returns a new Manager over a snapshot of the current sources plus
// extra. Sources added to m later are not seen by the child.
func (m *Manager) Child(extra ...*Source) *Manager {
	m.mu.Lock()
	snapshot := make([]*Source, 0, len(m.sources)+len(extra))
	snapshot = append(snapshot, m.sources...)
	m.mu.Unlock()

	child := New(append(snapshot, extra...)...)
	child.now = m.now
	return child
}

// IsCancelled reports whether any owned source has fired.
func (m *Manager) IsCancelled() bool {
	m.mu.Lock()
	sources := m.sources
	m.mu.Unlock()

	for _, src := range sources {
		if src.Token.Fired() {
			return true
		}
	}
	return false
}

// Err returns the payload of the first fired source in source order, or nil.
// Callers check it at their own checkpoints; nothing polls on their behalf.
func (m *Manager) Err() error {
	m.mu.Lock()
	sources := m.sources
	m.mu.Unlock()

	for _, src := range sources {
		if src.Token.Fired() {
			return src.abortError()
		}
	}
	return nil
}

// AsToken returns the composed token, building it on first use. The token's
// cause is the *Error of whichever source fired first. A disposed Manager
// returns a token that never fires.
func (m *Manager) AsToken() *Token {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return NewToken()
	}
	if m.token != nil {
		token := m.token
		m.mu.Unlock()
		return token
	}
	token := NewToken()
	m.token = token
	snapshot := append([]*Source(nil), m.sources...)
	m.mu.Unlock()

	for _, src := range snapshot {
		m.register(token, src)
	}
	return token
}

// register attaches one listener on src that fires token. Registration runs
// outside m.mu because an already fired source invokes the listener inline.
func (m *Manager) register(token *Token, src *Source) {
	remove := src.Token.OnFire(func(error) {
		token.Fire(src.abortError())
	})

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		remove()
		return
	}
	m.detach = append(m.detach, remove)
	m.mu.Unlock()
}

// DeadlineFor returns the smallest time remaining until a deadline among
// sources of tier, measured from now. ok is false when no source of that tier
// carries a deadline.
func (m *Manager) DeadlineFor(tier Tier) (remaining time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var earliest time.Time
	for _, src := range m.sources {
		if src.Tier != tier || src.Deadline.IsZero() {
			continue
		}
		if !ok || src.Deadline.Before(earliest) {
			earliest = src.Deadline
			ok = true
		}
	}
	if !ok {
		return 0, false
	}
	return earliest.Sub(m.now()), true
}

// Context derives a context from parent that is cancelled, with the composed
// token's cause, when any source fires. The returned CancelFunc detaches the
// bridge and must be called when the scope ends.
func (m *Manager) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	remove := m.AsToken().OnFire(func(cause error) {
		cancel(cause)
	})
	return ctx, func() {
		remove()
		cancel(context.Canceled)
	}
}

// Dispose detaches every listener and clears all state. The Manager stays
// inert afterwards.
func (m *Manager) Dispose() {
	m.mu.Lock()
	detach := m.detach
	m.detach = nil
	m.sources = nil
	m.token = nil
	m.disposed = true
	m.mu.Unlock()

	for _, remove := range detach {
		remove()
	}
}

func compact(sources []*Source) []*Source {
	out := make([]*Source, 0, len(sources))
	for _, src := range sources {
		if src != nil && src.Token != nil {
			out = append(out, src)
		}
	}
	return out
}
