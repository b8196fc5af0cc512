package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/habitsync/internal/cache"
	"github.com/roach88/habitsync/internal/costmeter"
	"github.com/roach88/habitsync/internal/docstore"
	"github.com/roach88/habitsync/internal/document"
)

// DefaultReadTimeout bounds one shared read-through fetch.
const DefaultReadTimeout = 10 * time.Second

// subscription is the one live subscription a Registry holds.
type subscription struct {
	identityID  string
	ref         document.Ref
	onUpdate    func(*document.Document)
	unsubscribe func()
	// live turns false the moment the subscription is torn down or
	// revoked; pushes arriving afterwards are ignored.
	live atomic.Bool
}

// Registry owns the single live subscription and the read-through path.
//
// INVARIANTS:
//   - at most one subscription is live at any time
//   - a subscription for a new identity is established only after the
//     previous one has been unsubscribed
//   - server-confirmed pushes are forwarded to onUpdate; cache echoes are
//     only stored
type Registry struct {
	store docstore.Store
	cache *cache.Cache
	meter *costmeter.Meter
	reads singleflight.Group

	readTimeout time.Duration

	mu     sync.Mutex
	active *subscription
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithReadTimeout bounds each shared read-through fetch. Non-positive
// values keep DefaultReadTimeout.
func WithReadTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.readTimeout = d
		}
	}
}

// NewRegistry creates a registry over store, caching into c. meter may be
// nil.
func NewRegistry(store docstore.Store, c *cache.Cache, meter *costmeter.Meter, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, cache: c, meter: meter, readTimeout: DefaultReadTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ensure makes sure the profile subscription for identityID is live.
//
// A second call for the same identity is a no-op and keeps the original
// onUpdate. A call for a different identity tears the previous subscription
// down first.
//
// onUpdate may run before Ensure returns and must not call back into the
// registry synchronously.
func (r *Registry) Ensure(ctx context.Context, identityID string, onUpdate func(*document.Document)) error {
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("ensure subscription: identity id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && r.active.identityID == identityID {
		return nil
	}
	if r.active != nil {
		slog.Debug("replacing subscription",
			"previous", r.active.identityID,
			"next", identityID,
		)
		r.stopLocked()
	}

	sub := &subscription{
		identityID: identityID,
		ref:        document.UserRef(identityID),
		onUpdate:   onUpdate,
	}
	sub.live.Store(true)

	unsub, err := r.store.Subscribe(ctx, sub.ref, func(s docstore.Snapshot) {
		r.handle(sub, s)
	})
	if err != nil {
		sub.live.Store(false)
		serr := newSyncError(classifyStoreError(err), identityID, "subscribe failed", err)
		slog.Warn("subscription failed", "identity", identityID, "error", serr)
		return serr
	}
	sub.unsubscribe = unsub
	r.active = sub

	slog.Debug("subscription established", "identity", identityID, "ref", sub.ref.String())
	return nil
}

// Active returns the identity of the live subscription.
func (r *Registry) Active() (identityID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", false
	}
	return r.active.identityID, true
}

// Teardown stops the subscription for identityID, if it is the live one,
// and drops that identity's cache entries. Returns whether a subscription
// was stopped.
func (r *Registry) Teardown(identityID string) bool {
	r.mu.Lock()
	stopped := false
	if r.active != nil && r.active.identityID == identityID {
		r.stopLocked()
		stopped = true
	}
	r.mu.Unlock()

	dropped := r.cache.DropIdentity(identityID)
	slog.Debug("registry teardown",
		"identity", identityID,
		"subscription_stopped", stopped,
		"cache_entries_dropped", dropped,
	)
	return stopped
}

// Close stops any live subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		r.stopLocked()
	}
}

// ReadThrough returns the document at ref as seen by identityID.
//
// A fresh cache entry is returned without touching the store. Otherwise one
// remote read is made; concurrent misses for the same key share it. The
// shared fetch is detached from every caller's ctx and bounded by the read
// timeout, so one caller giving up does not fail the others. A failed or
// abandoned read is logged and reported as (nil, nil). The error result is
// reserved for invalid arguments.
//
// A push cached while the fetch was in flight wins over the fetched value.
func (r *Registry) ReadThrough(ctx context.Context, identityID string, ref document.Ref) (*document.Document, error) {
	if strings.TrimSpace(identityID) == "" {
		return nil, fmt.Errorf("read through: identity id is required")
	}
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("read through: %w", err)
	}

	key := cache.Key{IdentityID: identityID, DocID: ref.String()}
	if doc, ok := r.cache.Get(key); ok {
		return doc, nil
	}

	ch := r.reads.DoChan(identityID+"\x00"+key.DocID, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.readTimeout)
		defer cancel()

		start := r.cache.Now()
		doc, err := r.store.Get(readCtx, ref)
		if err != nil {
			return nil, err
		}
		if r.meter != nil {
			r.meter.RecordRead(costmeter.SourceOneShot, 1)
		}
		if cached, stored := r.cache.PutIfNotNewer(key, doc, start); !stored {
			slog.Debug("read-through superseded by push", "ref", ref.String(), "identity", identityID)
			return cached, nil
		}
		return doc, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		slog.Debug("read-through abandoned", "ref", ref.String(), "identity", identityID, "error", ctx.Err())
		return nil, nil
	}
	v, err, shared := res.Val, res.Err, res.Shared
	if err != nil {
		serr := newSyncError(classifyStoreError(err), identityID, "read "+ref.String()+" failed", err)
		if IsPermissionRevoked(serr) {
			slog.Debug("read-through denied", "error", serr)
		} else {
			slog.Warn("read-through failed", "error", serr)
		}
		return nil, nil
	}
	doc, _ := v.(*document.Document)
	if shared {
		doc = doc.Clone()
	}
	return doc, nil
}

// handle processes one push for sub. It runs on the store's delivery
// goroutine and never takes r.mu, so stores may deliver synchronously
// from Subscribe.
func (r *Registry) handle(sub *subscription, s docstore.Snapshot) {
	if !sub.live.Load() {
		return
	}

	if s.Err != nil {
		if errors.Is(s.Err, docstore.ErrPermissionDenied) {
			sub.live.Store(false)
			slog.Debug("subscription permission revoked",
				"identity", sub.identityID,
				"error", newSyncError(CodePermissionRevoked, sub.identityID, "subscription revoked", s.Err),
			)
			go r.revoke(sub)
			return
		}
		slog.Warn("subscription push error",
			"identity", sub.identityID,
			"error", newSyncError(classifyStoreError(s.Err), sub.identityID, "push failed", s.Err),
		)
		return
	}

	r.cache.Put(cache.Key{IdentityID: sub.identityID, DocID: sub.ref.String()}, s.Document)
	if s.FromCache {
		return
	}
	if r.meter != nil {
		r.meter.RecordRead(costmeter.SourceSubscription, 1)
	}
	if sub.onUpdate != nil {
		sub.onUpdate(s.Document)
	}
}

// revoke tears sub down if it is still the live subscription.
func (r *Registry) revoke(sub *subscription) {
	r.mu.Lock()
	current := r.active == sub
	if current {
		r.stopLocked()
	}
	r.mu.Unlock()

	if current {
		r.cache.DropIdentity(sub.identityID)
	}
}

func (r *Registry) stopLocked() {
	sub := r.active
	r.active = nil
	sub.live.Store(false)
	if sub.unsubscribe != nil {
		sub.unsubscribe()
	}
}
