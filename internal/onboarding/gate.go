package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/habitsync/internal/costmeter"
	"github.com/roach88/habitsync/internal/docstore"
	"github.com/roach88/habitsync/internal/document"
	"github.com/roach88/habitsync/internal/identity"
)

// Default budgets.
const (
	DefaultAttemptTimeout = 5 * time.Second
	DefaultRetryDelay     = 500 * time.Millisecond
	DefaultMaxAttempts    = 2
	DefaultCeiling        = 15 * time.Second
)

// errAttemptTimeout marks a fetch attempt that lost its race.
var errAttemptTimeout = errors.New("fetch attempt timed out")

// Store is the subset of docstore.Store the gate needs.
type Store interface {
	Get(ctx context.Context, ref document.Ref) (*document.Document, error)
	Update(ctx context.Context, ref document.Ref, partial document.Partial) error
}

// Config holds the gate's time budgets.
type Config struct {
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
	MaxAttempts    int
	Ceiling        time.Duration
}

// DefaultConfig returns the production budgets.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: DefaultAttemptTimeout,
		RetryDelay:     DefaultRetryDelay,
		MaxAttempts:    DefaultMaxAttempts,
		Ceiling:        DefaultCeiling,
	}
}

// Decision is the outcome of one gate run.
type Decision struct {
	Landing Landing                  `json:"landing"`
	State   document.OnboardingState `json:"state"`
	// Attempts is how many fetches were started.
	Attempts  int  `json:"attempts"`
	Corrected bool `json:"corrected"`
	// CeilingHit is set when the outer ceiling decided the outcome.
	CeilingHit bool     `json:"ceilingHit"`
	Trace      []string `json:"trace"`
}

// outcome is what the decision worker hands back to DecideWithTrace.
type outcome struct {
	d  Decision
	ok bool
}

// Gate maps an identity to a landing screen.
type Gate struct {
	store  Store
	cfg    Config
	tracer trace.Tracer
	meter  *costmeter.Meter
}

// Option configures a Gate.
type Option func(*Gate)

// WithTracerProvider sets the provider used for decision spans. Defaults
// to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gate) { g.tracer = tp.Tracer("habitsync/onboarding") }
}

// WithMeter records the profile read and the corrective write.
func WithMeter(m *costmeter.Meter) Option {
	return func(g *Gate) { g.meter = m }
}

// NewGate creates a gate. Zero fields of cfg take their defaults.
func NewGate(store Store, cfg Config, opts ...Option) *Gate {
	def := DefaultConfig()
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	g := &Gate{
		store:  store,
		cfg:    cfg,
		tracer: otel.GetTracerProvider().Tracer("habitsync/onboarding"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the effective budgets.
func (g *Gate) Config() Config {
	return g.cfg
}

// Decide returns the landing for id. It always returns within the ceiling
// or when ctx ends, whichever is first.
func (g *Gate) Decide(ctx context.Context, id *identity.Identity) Landing {
	return g.DecideWithTrace(ctx, id).Landing
}

// DecideWithTrace is Decide plus the ordered steps taken.
func (g *Gate) DecideWithTrace(ctx context.Context, id *identity.Identity) Decision {
	ctx, span := g.tracer.Start(ctx, "onboarding.decide",
		trace.WithAttributes(attribute.Bool("identity.present", id != nil)))
	defer span.End()

	rec := &recorder{}
	if id == nil {
		rec.add("identity: none")
		d := rec.finish(Decision{Landing: LandingLogin, State: document.OnboardingUnknown})
		span.SetAttributes(attribute.String("landing", d.Landing.String()))
		return d
	}
	rec.add("identity: " + id.String())

	ceilingCtx, cancel := context.WithTimeout(ctx, g.cfg.Ceiling)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		d, ok := g.decide(ceilingCtx, id, rec)
		done <- outcome{d: d, ok: ok}
	}()

	var d Decision
	select {
	case o := <-done:
		if o.ok {
			d = o.d
			break
		}
		// The worker gave up because the ceiling fired.
		<-ceilingCtx.Done()
		d = g.ceilingDecision(id, rec, done)
	case <-ceilingCtx.Done():
		d = g.ceilingDecision(id, rec, done)
	}

	span.SetAttributes(
		attribute.String("landing", d.Landing.String()),
		attribute.String("onboarding.state", string(d.State)),
		attribute.Int("fetch.attempts", d.Attempts),
		attribute.Bool("ceiling.hit", d.CeilingHit),
	)
	return d
}

// ceilingDecision seals the ceiling outcome unless the worker sealed its
// own decision first, in which case that decision is taken from done.
func (g *Gate) ceilingDecision(id *identity.Identity, rec *recorder, done <-chan outcome) Decision {
	d, won := rec.finishWith(Decision{
		Landing:    LandingDashboard,
		State:      document.OnboardingUnknown,
		Attempts:   rec.attemptCount(),
		CeilingHit: true,
	}, "ceiling: expired")
	if !won {
		return (<-done).d
	}
	slog.Warn("landing ceiling expired",
		"identity", id.ID,
		"ceiling", g.cfg.Ceiling,
	)
	return d
}

// decide runs the fetch loop and the decision table under ctx. ok is false
// when ctx ended first; the caller then owns the outcome.
func (g *Gate) decide(ctx context.Context, id *identity.Identity, rec *recorder) (_ Decision, ok bool) {
	ref := document.UserRef(id.ID)

	doc, fetched := g.fetch(ctx, ref, rec)
	if ctx.Err() != nil {
		return Decision{}, false
	}
	if !fetched {
		rec.add("fetch: exhausted")
		slog.Info("profile fetch failed, defaulting to dashboard", "identity", id.ID)
		return rec.finish(Decision{
			Landing:  LandingDashboard,
			State:    document.OnboardingUnknown,
			Attempts: rec.attemptCount(),
		}), true
	}

	profile := document.ProfileFromDocument(doc)
	state := profile.State()
	d := Decision{State: state, Attempts: rec.attemptCount()}

	switch {
	case doc == nil:
		rec.add("document: missing")
		d.Landing = LandingDashboard
	case state == document.OnboardingComplete:
		rec.add("document: " + string(state))
		d.Landing = LandingDashboard
	case state == document.OnboardingIncompleteProgress:
		rec.add("document: " + string(state))
		if err := g.correct(ctx, ref); err != nil {
			if ctx.Err() != nil {
				return Decision{}, false
			}
			rec.add("corrective write: " + classify(err))
			slog.Warn("corrective onboarding write failed",
				"identity", id.ID,
				"error", err,
			)
			d.Landing = LandingOnboarding
		} else {
			rec.add("corrective write: ok")
			d.Corrected = true
			d.Landing = LandingDashboard
		}
	default:
		rec.add("document: " + string(state))
		d.Landing = LandingOnboarding
	}
	return rec.finish(d), true
}

// fetch makes up to MaxAttempts attempts. fetched is false when none
// succeeded.
func (g *Gate) fetch(ctx context.Context, ref document.Ref, rec *recorder) (doc *document.Document, fetched bool) {
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			rec.add("retry: wait " + g.cfg.RetryDelay.String())
			timer := time.NewTimer(g.cfg.RetryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, false
			}
		}

		rec.startAttempt()
		doc, err := g.fetchAttempt(ctx, ref, attempt)
		if err == nil {
			rec.add(fmt.Sprintf("fetch %d: ok", attempt))
			return doc, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		rec.add(fmt.Sprintf("fetch %d: %s", attempt, classify(err)))
		slog.Debug("profile fetch attempt failed",
			"ref", ref.String(),
			"attempt", attempt,
			"error", err,
		)
	}
	return nil, false
}

// fetchAttempt races one Get against AttemptTimeout. The losing Get is
// cancelled through its context; its late result lands in a buffered
// channel and is dropped.
func (g *Gate) fetchAttempt(ctx context.Context, ref document.Ref, attempt int) (*document.Document, error) {
	ctx, span := g.tracer.Start(ctx, "onboarding.fetch_attempt",
		trace.WithAttributes(
			attribute.String("document.ref", ref.String()),
			attribute.Int("attempt", attempt),
		))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
	defer cancel()

	type result struct {
		doc *document.Document
		err error
	}
	ch := make(chan result, 1)
	go func() {
		doc, err := g.store.Get(attemptCtx, ref)
		ch <- result{doc: doc, err: err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-attemptCtx.Done():
		r.err = fmt.Errorf("%w: %w", errAttemptTimeout, attemptCtx.Err())
	}
	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
		return nil, r.err
	}
	if g.meter != nil {
		g.meter.RecordRead(costmeter.SourceOneShot, 1)
	}
	return r.doc, nil
}

// correct marks onboarding complete, bounded by AttemptTimeout.
func (g *Gate) correct(ctx context.Context, ref document.Ref) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
	defer cancel()

	ch := make(chan error, 1)
	go func() {
		ch <- g.store.Update(ctx, ref, document.Partial{document.FieldOnboardingCompleted: true})
	}()

	select {
	case err := <-ch:
		if err != nil {
			return err
		}
		if g.meter != nil {
			g.meter.RecordWrite(costmeter.SourceCorrective, 1)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("corrective write: %w: %w", errAttemptTimeout, ctx.Err())
	}
}

// classify renders err as a stable trace word.
func classify(err error) string {
	switch {
	case errors.Is(err, errAttemptTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, docstore.ErrPermissionDenied):
		return "permission-denied"
	case errors.Is(err, docstore.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// recorder collects trace steps from the worker goroutine. Once sealed it
// ignores further steps so a late worker cannot alter a returned trace.
type recorder struct {
	mu       sync.Mutex
	steps    []string
	attempts int
	sealed   bool
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.steps = append(r.steps, step)
}

func (r *recorder) startAttempt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.attempts++
}

func (r *recorder) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// finish seals the recorder and stamps d with the landing step and trace.
func (r *recorder) finish(d Decision) Decision {
	d, _ = r.finishWith(d)
	return d
}

// finishWith appends steps and the landing step, then seals. won is false
// if the recorder was already sealed, in which case d is returned with the
// earlier trace.
func (r *recorder) finishWith(d Decision, steps ...string) (_ Decision, won bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sealed {
		r.steps = append(r.steps, steps...)
		r.steps = append(r.steps, "landing: "+d.Landing.String())
		r.sealed = true
		won = true
	}
	d.Trace = append([]string(nil), r.steps...)
	return d, won
}
