package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/habitsync/internal/cache"
	"github.com/roach88/habitsync/internal/costmeter"
	"github.com/roach88/habitsync/internal/docstore"
	"github.com/roach88/habitsync/internal/document"
	"github.com/roach88/habitsync/internal/identity"
	"github.com/roach88/habitsync/internal/onboarding"
)

// Config holds the engine's tunables.
type Config struct {
	Gate          onboarding.Config
	CacheTTL      time.Duration
	WriteDebounce time.Duration
	Pricing       costmeter.Pricing
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Gate:          onboarding.DefaultConfig(),
		CacheTTL:      cache.DefaultTTL,
		WriteDebounce: DefaultWriteDebounce,
		Pricing:       costmeter.DefaultPricing(),
	}
}

type options struct {
	cfg            Config
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
	now            func() time.Time
	tokens         TokenGenerator
}

// Option configures an Engine.
type Option func(*options)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithRegisterer registers the cost counters on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTracerProvider sets the provider for onboarding spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithNow injects the wall clock used by the cache and write stamps.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTokenGenerator sets the session token source.
// Default: UUIDv7Generator.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(o *options) { o.tokens = g }
}

// Engine is the session context: one per app launch, or one per test.
//
// Thread-safety model:
//   - every exported method is safe from any goroutine
//   - Bootstrap runs once; later calls return the first landing
//   - background failures are logged, never returned
type Engine struct {
	local     identity.LocalStore
	resolver  *identity.Resolver
	gate      *onboarding.Gate
	cache     *cache.Cache
	meter     *costmeter.Meter
	registry  *Registry
	coalescer *Coalescer
	tokens    TokenGenerator
	cfg       Config

	bootOnce  sync.Once
	closeOnce sync.Once

	disposeChange func()

	mu       sync.Mutex
	session  string
	decision onboarding.Decision
	activeID string
	closed   bool
}

// New wires an engine over its three external collaborators. local may be
// nil when the device has no credential storage.
func New(local identity.LocalStore, auth identity.AuthProvider, store docstore.Store, opts ...Option) *Engine {
	o := options{
		cfg:    DefaultConfig(),
		now:    time.Now,
		tokens: UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	meter := costmeter.New(o.cfg.Pricing, o.registerer)
	c := cache.New(o.cfg.CacheTTL, cache.WithNow(o.now))

	gateOpts := []onboarding.Option{onboarding.WithMeter(meter)}
	if o.tracerProvider != nil {
		gateOpts = append(gateOpts, onboarding.WithTracerProvider(o.tracerProvider))
	}

	gate := onboarding.NewGate(store, o.cfg.Gate, gateOpts...)
	e := &Engine{
		local:    local,
		gate:     gate,
		cache:    c,
		meter:    meter,
		registry: NewRegistry(store, c, meter, WithReadTimeout(gate.Config().AttemptTimeout)),
		coalescer: NewCoalescer(store, meter, o.cfg.WriteDebounce,
			WithWallClock(o.now),
			WithFlushTimeout(gate.Config().AttemptTimeout),
		),
		tokens: o.tokens,
		cfg:    o.cfg,
	}
	e.cfg.Gate = e.gate.Config()
	e.resolver = identity.NewResolver(local, auth, identity.WithLocalErrorHandler(func(err error) {
		slog.Debug("local identity unavailable",
			"error", newSyncError(CodeLocalStoreReadFailure, "", "local identity read failed", err),
		)
	}))
	e.disposeChange = e.resolver.OnChange(e.handleIdentityChange)
	return e
}

// Bootstrap resolves the identity and decides the landing screen. It runs
// once; later calls return the first result. It always returns within the
// landing ceiling.
func (e *Engine) Bootstrap(ctx context.Context) onboarding.Landing {
	e.bootOnce.Do(func() {
		d := e.bootstrap(ctx)
		e.mu.Lock()
		e.decision = d
		e.mu.Unlock()
	})
	return e.Decision().Landing
}

func (e *Engine) bootstrap(ctx context.Context) onboarding.Decision {
	session := e.tokens.Generate()
	e.mu.Lock()
	e.session = session
	e.mu.Unlock()
	log := slog.With("session", session)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Gate.Ceiling)
	defer cancel()

	id, err := e.resolver.Resolve(ctx)
	if err != nil {
		log.Warn("identity resolution failed", "error", err)
		id = nil
	}
	if id == nil {
		// Nothing stored locally: the provider's first answer decides.
		id, err = e.resolver.Authoritative(ctx)
		if err != nil {
			log.Debug("auth provider silent",
				"error", newSyncError(CodeRemoteAuthTimeout, "", "no authoritative identity before deadline", err),
			)
		}
	}

	e.mu.Lock()
	if e.activeID == "" {
		e.activeID = identity.ID(id)
	}
	e.mu.Unlock()

	d := e.gate.DecideWithTrace(ctx, id)
	log.Info("bootstrap complete",
		"landing", d.Landing.String(),
		"identity", id.String(),
		"state", string(d.State),
		"attempts", d.Attempts,
		"ceiling_hit", d.CeilingHit,
	)
	return d
}

// Decision returns the bootstrap decision, or the zero Decision before
// Bootstrap has run.
func (e *Engine) Decision() onboarding.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decision
}

// Session returns the session token minted by Bootstrap.
func (e *Engine) Session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Identity returns the resolver's current identity.
func (e *Engine) Identity() *identity.Identity {
	return e.resolver.Current()
}

// GetUser returns uid's profile through the cache. A missing document or a
// failed read yields (nil, nil).
func (e *Engine) GetUser(ctx context.Context, uid string) (*document.UserProfile, error) {
	doc, err := e.registry.ReadThrough(ctx, uid, document.UserRef(uid))
	if err != nil {
		return nil, err
	}
	return document.ProfileFromDocument(doc), nil
}

// UpdateUser queues a merge of partial into uid's profile. The write is
// committed when the debounce window closes.
func (e *Engine) UpdateUser(uid string, partial document.Partial) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.coalescer.Enqueue(document.UserRef(uid), partial)
}

// SubscribeUser makes uid's profile subscription the live one. onUpdate
// receives server-confirmed profiles; nil means the document was deleted.
func (e *Engine) SubscribeUser(ctx context.Context, uid string, onUpdate func(*document.UserProfile)) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.registry.Ensure(ctx, uid, func(doc *document.Document) {
		if onUpdate != nil {
			onUpdate(document.ProfileFromDocument(doc))
		}
	})
}

// Flush commits pending writes now.
func (e *Engine) Flush(ctx context.Context) FlushResult {
	return e.coalescer.Flush(ctx)
}

// PendingWrites returns the number of queued writes.
func (e *Engine) PendingWrites() int {
	return e.coalescer.Pending()
}

// CostSnapshot returns the read/write counters.
func (e *Engine) CostSnapshot() costmeter.Snapshot {
	return e.meter.Snapshot()
}

// ResetCost zeroes the cost counters.
func (e *Engine) ResetCost() {
	e.meter.Reset()
}

// ActiveSubscription returns the identity of the live subscription.
func (e *Engine) ActiveSubscription() (string, bool) {
	return e.registry.Active()
}

// Logout flushes pending writes, tears down the subscription and cached
// documents of the active identity, and clears the local credential.
func (e *Engine) Logout(ctx context.Context) error {
	e.mu.Lock()
	id := e.activeID
	e.activeID = ""
	e.mu.Unlock()

	res := e.coalescer.Flush(ctx)
	if id != "" {
		e.registry.Teardown(id)
	}
	if e.local != nil {
		if err := e.local.Clear(ctx); err != nil {
			return fmt.Errorf("logout: clear local identity: %w", err)
		}
	}
	slog.Info("logged out",
		"identity", id,
		"flushed", res.Batched+res.Individual,
		"dropped", res.Dropped,
		"deferred", res.Deferred,
	)
	return nil
}

// Close flushes pending writes and releases every subscription. It returns
// an error if writes were dropped during the final flush.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.disposeChange()
		res := e.coalescer.Close(ctx)
		e.registry.Close()
		e.resolver.Close()

		switch {
		case res.Dropped > 0:
			err = fmt.Errorf("close: %d pending writes dropped: %w", res.Dropped, res.BatchErr)
		case res.Deferred > 0:
			err = fmt.Errorf("close: %d pending writes not flushed: %w", res.Deferred, context.Cause(ctx))
		}
	})
	return err
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// handleIdentityChange reacts to authoritative identity changes: a switch
// to a different identity flushes and tears down the previous one's state,
// and the local credential follows the provider.
func (e *Engine) handleIdentityChange(id *identity.Identity) {
	next := identity.ID(id)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	prev := e.activeID
	e.activeID = next
	e.mu.Unlock()

	if prev != "" && prev != next {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Gate.AttemptTimeout)
		e.coalescer.Flush(ctx)
		cancel()
		e.registry.Teardown(prev)
		slog.Info("active identity changed", "previous", prev, "current", id.String())
	}

	e.persistIdentity(id)
}

func (e *Engine) persistIdentity(id *identity.Identity) {
	if e.local == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Gate.AttemptTimeout)
	defer cancel()

	switch {
	case id == nil:
		if err := e.local.Clear(ctx); err != nil {
			slog.Warn("clear local identity failed", "error", err)
		}
	case id.Kind == identity.KindRemote:
		blob, err := identity.EncodeCredential(id)
		if err != nil {
			slog.Warn("encode local identity failed", "error", err)
			return
		}
		if err := e.local.Set(ctx, blob); err != nil {
			slog.Warn("persist local identity failed", "identity", id.ID, "error", err)
		}
	}
}
