package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/habitsync/internal/docstore"
	"github.com/roach88/habitsync/internal/document"
	"github.com/roach88/habitsync/internal/engine"
	"github.com/roach88/habitsync/internal/eventsrc"
	"github.com/roach88/habitsync/internal/identity"
	"github.com/roach88/habitsync/internal/onboarding"
	"github.com/roach88/habitsync/internal/testutil"
)

// Harness defaults. Short enough that a scenario finishes in well under a
// second, far enough apart that scheduling jitter does not change traces.
const (
	DefaultAttemptTimeout = 100 * time.Millisecond
	DefaultRetryDelay     = 10 * time.Millisecond
	DefaultMaxAttempts    = 2
	DefaultCeiling        = time.Second

	// Writes are flushed explicitly, never by the debounce timer.
	harnessDebounce = time.Hour
)

// errLocalRead is what a failing local store returns.
var errLocalRead = errors.New("keychain unavailable")

// Harness holds the fakes for one scenario run.
type Harness struct {
	scenario *Scenario
	store    *docstore.Memory
	local    *identity.MemoryStore
	auth     *eventsrc.Source[*identity.Identity]
	clock    *testutil.FakeClock
	tokens   *testutil.FixedTokenGenerator
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against fresh fakes. Execution flow:
//  1. Seed the local credential, profile document and store faults
//  2. Publish auth events due at launch, schedule the rest
//  3. Bootstrap the engine
//  4. Wait for scheduled auth events, then queue and flush writes
//  5. Capture the result and evaluate expectations
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	h := newHarness(scenario)
	eng := engine.New(h.local, h.auth, h.store,
		engine.WithConfig(h.engineConfig()),
		engine.WithTokenGenerator(h.tokens),
		engine.WithNow(h.clock.Now),
	)

	var wg sync.WaitGroup
	h.scheduleAuth(&wg)

	eng.Bootstrap(ctx)
	wg.Wait()

	result := NewResult()
	result.Decision = eng.Decision()
	result.Session = eng.Session()

	if len(scenario.Writes) > 0 {
		for i, w := range scenario.Writes {
			if err := eng.UpdateUser(w.UID, document.Partial(w.Fields)); err != nil {
				return nil, fmt.Errorf("writes[%d]: %w", i, err)
			}
		}
		res := eng.Flush(ctx)
		result.Flush = &res
	}

	current := eng.Identity()
	result.FinalIdentity = current.String()
	result.Cost = eng.CostSnapshot()
	if current != nil {
		if doc := h.store.Peek(document.UserRef(current.ID)); doc != nil {
			result.Document = doc.Fields
		}
	}

	if err := eng.Close(ctx); err != nil {
		return nil, fmt.Errorf("close engine: %w", err)
	}

	for _, msg := range EvaluateExpectations(result, &scenario.Expect) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(s *Scenario) *Harness {
	h := &Harness{
		scenario: s,
		store:    docstore.NewMemory(),
		auth: eventsrc.New[*identity.Identity]("harness.auth",
			eventsrc.WithReplay(), eventsrc.WithSingleSubscriber()),
		clock:  testutil.NewFakeClock(time.Time{}),
		tokens: testutil.NewFixedTokenGenerator(s.SessionToken),
	}
	h.store.SetNow(h.clock.Now)

	var blob []byte
	if s.Local != nil && s.Local.UID != "" {
		// Encoding a non-empty uid cannot fail.
		blob, _ = identity.EncodeCredential(identity.Local(s.Local.UID, s.Local.Email))
	}
	h.local = identity.NewMemoryStore(blob)
	if s.Local != nil && s.Local.Fail {
		h.local.FailReads(errLocalRead)
	}

	if s.Document != nil {
		for _, uid := range s.uids() {
			h.store.Seed(document.UserRef(uid), s.Document)
		}
	}
	h.store.ScriptGets(storeSteps(s.Gets)...)
	h.store.ScriptUpdates(storeSteps(s.Updates)...)
	if s.FailCommits != "" {
		h.store.FailCommits(storeError(s.FailCommits))
	}
	return h
}

func (h *Harness) engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.WriteDebounce = harnessDebounce
	cfg.Gate = onboarding.Config{
		AttemptTimeout: orDefault(h.scenario.Config.AttemptTimeout.Std(), DefaultAttemptTimeout),
		RetryDelay:     orDefault(h.scenario.Config.RetryDelay.Std(), DefaultRetryDelay),
		MaxAttempts:    h.scenario.Config.MaxAttempts,
		Ceiling:        orDefault(h.scenario.Config.Ceiling.Std(), DefaultCeiling),
	}
	if cfg.Gate.MaxAttempts == 0 {
		cfg.Gate.MaxAttempts = DefaultMaxAttempts
	}
	return cfg
}

// scheduleAuth publishes launch-time events now and delivers the rest
// from one goroutine in order.
func (h *Harness) scheduleAuth(wg *sync.WaitGroup) {
	var later []AuthEvent
	for _, ev := range h.scenario.Auth {
		if ev.After > 0 {
			later = append(later, ev)
			continue
		}
		h.auth.Publish(ev.identity())
	}
	if len(later) == 0 {
		return
	}

	start := time.Now()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, ev := range later {
			if wait := time.Until(start.Add(ev.After.Std())); wait > 0 {
				time.Sleep(wait)
			}
			h.auth.Publish(ev.identity())
		}
	}()
}

func (ev AuthEvent) identity() *identity.Identity {
	if ev.SignedOut {
		return nil
	}
	return identity.Remote(ev.UID, ev.Email)
}

// uids returns every uid the scenario mentions, in first-seen order.
func (s *Scenario) uids() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(uid string) {
		if uid == "" || seen[uid] {
			return
		}
		seen[uid] = true
		out = append(out, uid)
	}
	if s.Local != nil {
		add(s.Local.UID)
	}
	for _, ev := range s.Auth {
		add(ev.UID)
	}
	for _, w := range s.Writes {
		add(w.UID)
	}
	return out
}

func storeSteps(steps []StoreStep) []docstore.Step {
	out := make([]docstore.Step, len(steps))
	for i, s := range steps {
		out[i] = docstore.Step{Delay: s.Delay.Std(), Err: storeError(s.Error)}
	}
	return out
}

func storeError(kind string) error {
	switch kind {
	case "":
		return nil
	case ErrorUnavailable:
		return fmt.Errorf("scripted: %w", docstore.ErrUnavailable)
	case ErrorPermissionDenied:
		return fmt.Errorf("scripted: %w", docstore.ErrPermissionDenied)
	default:
		return errors.New("scripted: store error")
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
