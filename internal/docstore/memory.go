package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/habitsync/internal/document"
)

// Step scripts the outcome of one Get or Update call on a Memory store.
// Delay is waited out (or cut short by ctx) before Err is returned; a nil
// Err after the delay lets the call proceed normally.
type Step struct {
	Delay time.Duration
	Err   error
}

// Calls counts operations performed against a Memory store.
type Calls struct {
	Gets         int
	Updates      int
	Commits      int
	Subscribes   int
	Unsubscribes int
}

type memSub struct {
	id     int
	ref    document.Ref
	fn     func(Snapshot)
	active bool
}

// Memory is an in-process Store with scriptable faults. Subscription
// handlers run synchronously on the writing goroutine, outside the store's
// lock. Subscribe delivers the current state before returning.
type Memory struct {
	now func() time.Time

	mu        sync.Mutex
	docs      map[document.Ref]*document.Document
	subs      map[int]*memSub
	nextSubID int
	calls     Calls
	commits   [][]document.Write

	getSteps    []Step
	updateSteps []Step
	commitSteps []Step
	updateErrs  map[document.Ref]error
	commitErr   error
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		now:        time.Now,
		docs:       make(map[document.Ref]*document.Document),
		subs:       make(map[int]*memSub),
		updateErrs: make(map[document.Ref]error),
	}
}

// SetNow replaces the clock used to stamp UpdatedAt.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Seed stores doc without notifying subscribers or counting a write.
func (m *Memory) Seed(ref document.Ref, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[ref] = &document.Document{Ref: ref, Fields: document.Partial(fields).Clone(), UpdatedAt: m.now()}
}

// Peek returns the stored document without counting a read.
func (m *Memory) Peek(ref document.Ref) *document.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[ref].Clone()
}

// ScriptGets queues outcomes for the next Get calls, one per call.
func (m *Memory) ScriptGets(steps ...Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getSteps = append(m.getSteps, steps...)
}

// ScriptUpdates queues outcomes for the next Update calls, one per call.
func (m *Memory) ScriptUpdates(steps ...Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateSteps = append(m.updateSteps, steps...)
}

// ScriptCommits queues outcomes for the next CommitBatch calls, one per
// call. A step's error takes precedence over FailCommits.
func (m *Memory) ScriptCommits(steps ...Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitSteps = append(m.commitSteps, steps...)
}

// FailUpdatesFor makes every Update on ref return err. nil clears it.
func (m *Memory) FailUpdatesFor(ref document.Ref, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.updateErrs, ref)
		return
	}
	m.updateErrs[ref] = err
}

// FailCommits makes every CommitBatch return err. nil clears it.
func (m *Memory) FailCommits(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErr = err
}

// Calls returns the operation counters.
func (m *Memory) Calls() Calls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Commits returns every CommitBatch payload received, including failed
// ones, in call order.
func (m *Memory) Commits() [][]document.Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]document.Write, len(m.commits))
	copy(out, m.commits)
	return out
}

// Subscribers returns the number of active subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if s.active {
			n++
		}
	}
	return n
}

func (m *Memory) Get(ctx context.Context, ref document.Ref) (*document.Document, error) {
	m.mu.Lock()
	m.calls.Gets++
	step, scripted := popStep(&m.getSteps)
	m.mu.Unlock()

	if scripted {
		if err := waitStep(ctx, step); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[ref].Clone(), nil
}

func (m *Memory) Update(ctx context.Context, ref document.Ref, partial document.Partial) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("update: %w", err)
	}

	m.mu.Lock()
	m.calls.Updates++
	step, scripted := popStep(&m.updateSteps)
	refErr := m.updateErrs[ref]
	m.mu.Unlock()

	if scripted {
		if err := waitStep(ctx, step); err != nil {
			return err
		}
	}
	if refErr != nil {
		return refErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	snap := m.applyLocked(ref, partial)
	subs := m.subscribersLocked(ref)
	m.mu.Unlock()

	m.deliver(subs, snap)
	return nil
}

func (m *Memory) CommitBatch(ctx context.Context, writes []document.Write) error {
	for _, w := range writes {
		if err := w.Ref.Validate(); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
	}

	m.mu.Lock()
	step, scripted := popStep(&m.commitSteps)
	m.mu.Unlock()
	if scripted {
		if err := waitStep(ctx, step); err != nil {
			m.mu.Lock()
			m.calls.Commits++
			m.mu.Unlock()
			return err
		}
	}

	m.mu.Lock()
	m.calls.Commits++
	recorded := make([]document.Write, len(writes))
	for i, w := range writes {
		recorded[i] = document.Write{Ref: w.Ref, Payload: w.Payload.Clone()}
	}
	m.commits = append(m.commits, recorded)
	if m.commitErr != nil {
		err := m.commitErr
		m.mu.Unlock()
		return err
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return err
	}

	type pending struct {
		subs []*memSub
		snap Snapshot
	}
	var out []pending
	for _, w := range writes {
		snap := m.applyLocked(w.Ref, w.Payload)
		out = append(out, pending{subs: m.subscribersLocked(w.Ref), snap: snap})
	}
	m.mu.Unlock()

	for _, p := range out {
		m.deliver(p.subs, p.snap)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, ref document.Ref, fn func(Snapshot)) (func(), error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls.Subscribes++
	m.nextSubID++
	sub := &memSub{id: m.nextSubID, ref: ref, fn: fn, active: true}
	m.subs[sub.id] = sub
	initial := Snapshot{Ref: ref, Document: m.docs[ref].Clone()}
	m.mu.Unlock()

	m.deliver([]*memSub{sub}, initial)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			sub.active = false
			delete(m.subs, sub.id)
			m.calls.Unsubscribes++
		})
	}, nil
}

// Push delivers an arbitrary snapshot to ref's subscribers. Tests use it to
// simulate local echoes (FromCache) and channel errors.
func (m *Memory) Push(snap Snapshot) {
	m.mu.Lock()
	subs := m.subscribersLocked(snap.Ref)
	m.mu.Unlock()
	m.deliver(subs, snap)
}

// Revoke pushes ErrPermissionDenied to ref's subscribers.
func (m *Memory) Revoke(ref document.Ref) {
	m.Push(Snapshot{Ref: ref, Err: fmt.Errorf("subscribe %s: %w", ref, ErrPermissionDenied)})
}

func (m *Memory) applyLocked(ref document.Ref, partial document.Partial) Snapshot {
	doc := m.docs[ref]
	if doc == nil {
		doc = &document.Document{Ref: ref, Fields: map[string]any{}}
		m.docs[ref] = doc
	}
	doc.Merge(partial)
	doc.UpdatedAt = m.now()
	return Snapshot{Ref: ref, Document: doc.Clone()}
}

func (m *Memory) subscribersLocked(ref document.Ref) []*memSub {
	var out []*memSub
	for _, s := range m.subs {
		if s.active && s.ref == ref {
			out = append(out, s)
		}
	}
	return out
}

func (m *Memory) isActive(s *memSub) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.active
}

func (m *Memory) deliver(subs []*memSub, snap Snapshot) {
	for _, s := range subs {
		if !m.isActive(s) {
			continue
		}
		s.fn(Snapshot{Ref: snap.Ref, Document: snap.Document.Clone(), FromCache: snap.FromCache, Err: snap.Err})
	}
}

func popStep(steps *[]Step) (Step, bool) {
	if len(*steps) == 0 {
		return Step{}, false
	}
	s := (*steps)[0]
	*steps = (*steps)[1:]
	return s, true
}

func waitStep(ctx context.Context, s Step) error {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Err
}
