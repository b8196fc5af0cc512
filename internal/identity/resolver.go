package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/habitsync/internal/eventsrc"
)

// ErrClosed is returned by Resolve after Close.
var ErrClosed = errors.New("identity resolver closed")

// Resolver determines the active identity.
//
// Resolve answers immediately from the local store and, on first use,
// subscribes to the auth provider. The subscription is made exactly once
// and kept until Close. The first provider event is authoritative:
//
//   - an identity replaces any provisional local one
//   - an empty event triggers one more local read; only if that is empty
//     too does the resolver settle on nil
//
// Later events replace the identity or sign out. Every change of the active
// identity after the provider has spoken is published to OnChange handlers.
type Resolver struct {
	local LocalStore
	auth  AuthProvider

	changes *eventsrc.Source[*Identity]

	subscribeOnce sync.Once
	settled       chan struct{}

	// eventMu serializes provider callbacks so the first-event check and
	// the settled close happen once.
	eventMu sync.Mutex

	mu            sync.Mutex
	current       *Identity
	authoritative bool
	closed        bool
	unsubscribe   func()

	onLocalError func(error)
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLocalErrorHandler observes local store read failures, which the
// resolver otherwise absorbs as "no local identity".
func WithLocalErrorHandler(fn func(error)) ResolverOption {
	return func(r *Resolver) { r.onLocalError = fn }
}

// NewResolver creates a resolver. local may be nil, in which case there is
// never a provisional identity.
func NewResolver(local LocalStore, auth AuthProvider, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		local:   local,
		auth:    auth,
		changes: eventsrc.New[*Identity]("identity.changes"),
		settled: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the active identity without waiting on the auth provider.
//
// Before the provider's first event this is the provisional local identity,
// if any. The provider subscription is created on the first call.
func (r *Resolver) Resolve(ctx context.Context) (*Identity, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	needLocal := !r.authoritative && r.current == nil
	r.mu.Unlock()

	if needLocal {
		if local := r.readLocal(ctx); local != nil {
			r.mu.Lock()
			// The provider may have answered while we were reading.
			if !r.authoritative && r.current == nil {
				r.current = local
			}
			r.mu.Unlock()
		}
	}

	r.ensureSubscribed()
	return r.Current(), nil
}

// Current returns the active identity, provisional or authoritative.
func (r *Resolver) Current() *Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Settled reports whether the provider's first event has been processed.
func (r *Resolver) Settled() bool {
	select {
	case <-r.settled:
		return true
	default:
		return false
	}
}

// Authoritative waits until the provider's first event has been processed
// and returns the resulting identity. If ctx ends first it returns the
// current provisional identity together with ctx.Err().
func (r *Resolver) Authoritative(ctx context.Context) (*Identity, error) {
	r.ensureSubscribed()
	select {
	case <-r.settled:
		return r.Current(), nil
	case <-ctx.Done():
		return r.Current(), ctx.Err()
	}
}

// OnChange registers handler for authoritative identity changes. A nil
// value means signed out.
func (r *Resolver) OnChange(handler func(*Identity)) (dispose func()) {
	return r.changes.Subscribe(handler)
}

// Close releases the provider subscription. Pending and later provider
// events are ignored.
func (r *Resolver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (r *Resolver) ensureSubscribed() {
	r.subscribeOnce.Do(func() {
		if r.auth == nil {
			slog.Warn("identity resolver has no auth provider")
			return
		}
		unsub := r.auth.Subscribe(r.handleAuthEvent)
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			unsub()
			return
		}
		r.unsubscribe = unsub
		r.mu.Unlock()
	})
}

func (r *Resolver) handleAuthEvent(id *Identity) {
	r.eventMu.Lock()
	defer r.eventMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	first := !r.authoritative
	r.mu.Unlock()

	next := id
	if next != nil && next.Kind != KindRemote {
		cp := *next
		cp.Kind = KindRemote
		next = &cp
	}
	if next == nil && first {
		// Local state may have been written after the provisional check.
		next = r.readLocal(context.Background())
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	prev := r.current
	r.current = next
	r.authoritative = true
	r.mu.Unlock()

	if first {
		close(r.settled)
	}

	slog.Debug("identity provider event",
		"first", first,
		"previous", prev.String(),
		"current", next.String(),
	)

	if !Same(prev, next) {
		r.changes.Publish(next)
	}
}

func (r *Resolver) readLocal(ctx context.Context) *Identity {
	if r.local == nil {
		return nil
	}
	blob, err := r.local.Get(ctx)
	if err != nil {
		slog.Debug("local identity read failed", "error", err)
		if r.onLocalError != nil {
			r.onLocalError(err)
		}
		return nil
	}
	if len(blob) == 0 {
		return nil
	}
	id, err := DecodeCredential(blob)
	if err != nil {
		slog.Debug("local identity blob unreadable", "error", err)
		return nil
	}
	return id
}
