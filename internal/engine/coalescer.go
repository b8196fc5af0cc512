package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/habitsync/internal/costmeter"
	"github.com/roach88/habitsync/internal/docstore"
	"github.com/roach88/habitsync/internal/document"
)

// DefaultWriteDebounce is the quiet period that closes a batch window.
const DefaultWriteDebounce = 2 * time.Second

// DefaultFlushTimeout bounds a timer-driven flush, fallback included.
const DefaultFlushTimeout = 10 * time.Second

// FlushResult summarizes one flush.
type FlushResult struct {
	// Batched is the number of writes committed in one batch.
	Batched int
	// Individual is the number of writes that landed via the per-item
	// fallback.
	Individual int
	// Dropped is the number of writes lost after the fallback failed.
	Dropped int
	// BatchErr is the batch commit failure, if any.
	BatchErr error
	// Deferred is the number of writes left queued because ctx ended
	// while another commit held the flush slot.
	Deferred int
}

// Coalescer debounces writes into batch commits.
//
// Every Enqueue re-arms a single timer, so a steady stream of writes keeps
// deferring the flush; there is no maximum wait. When the timer fires the
// queue is drained and committed as one batch. If that fails, each drained
// write is retried once on its own with Update and then forgotten.
//
// Commits are serialized by a one-slot channel; a flush whose ctx ends
// while waiting for the slot returns with its writes still queued. The
// queue is drained before the commit starts, so writes enqueued during an
// in-flight commit open a new window. Timer-driven flushes are bounded by
// the flush timeout.
type Coalescer struct {
	store    docstore.Store
	meter    *costmeter.Meter
	debounce time.Duration
	timeout  time.Duration
	now      func() time.Time

	queue *writeQueue
	// seq stamps each write so writes have a total order that does not
	// depend on wall time.
	seq atomic.Int64

	timerMu sync.Mutex
	timer   *time.Timer

	slot chan struct{}

	// onFlush, when set, observes every non-empty flush.
	onFlush func(FlushResult)
}

// CoalescerOption configures a Coalescer.
type CoalescerOption func(*Coalescer)

// WithStartSeq positions the write sequence so the first write is stamped
// start+1.
func WithStartSeq(start int64) CoalescerOption {
	return func(co *Coalescer) { co.seq.Store(start) }
}

// WithWallClock sets the time source for EnqueuedAt.
func WithWallClock(now func() time.Time) CoalescerOption {
	return func(co *Coalescer) { co.now = now }
}

// WithFlushTimeout bounds each timer-driven flush. Non-positive values keep
// DefaultFlushTimeout.
func WithFlushTimeout(d time.Duration) CoalescerOption {
	return func(co *Coalescer) {
		if d > 0 {
			co.timeout = d
		}
	}
}

// WithFlushObserver registers fn to receive every non-empty flush result.
func WithFlushObserver(fn func(FlushResult)) CoalescerOption {
	return func(co *Coalescer) { co.onFlush = fn }
}

// NewCoalescer creates a coalescer. A non-positive debounce falls back to
// DefaultWriteDebounce. meter may be nil.
func NewCoalescer(store docstore.Store, meter *costmeter.Meter, debounce time.Duration, opts ...CoalescerOption) *Coalescer {
	if debounce <= 0 {
		debounce = DefaultWriteDebounce
	}
	c := &Coalescer{
		store:    store,
		meter:    meter,
		debounce: debounce,
		timeout:  DefaultFlushTimeout,
		now:      time.Now,
		queue:    newWriteQueue(),
		slot:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue queues a write and re-arms the debounce timer. It never blocks on
// the network. Returns ErrClosed after Close.
func (c *Coalescer) Enqueue(ref document.Ref, payload document.Partial) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	w := PendingWrite{
		Ref:        ref,
		Payload:    payload.Clone(),
		EnqueuedAt: c.now(),
		Seq:        c.seq.Add(1),
	}
	token, err := document.WriteToken(ref, w.Payload, w.Seq)
	if err != nil {
		// Tokens are diagnostic only; an unhashable payload still queues.
		slog.Debug("write token unavailable", "ref", ref.String(), "error", err)
	}
	w.Token = token

	if !c.queue.Enqueue(w) {
		return ErrClosed
	}
	c.arm()
	return nil
}

// Pending returns the number of queued writes.
func (c *Coalescer) Pending() int {
	return c.queue.Len()
}

// Flush cancels the timer and commits the queue now. It returns once the
// commit and any fallback have finished.
func (c *Coalescer) Flush(ctx context.Context) FlushResult {
	c.disarm()
	return c.flush(ctx)
}

// Close refuses further writes and flushes what is queued.
func (c *Coalescer) Close(ctx context.Context) FlushResult {
	c.queue.Close()
	return c.Flush(ctx)
}

func (c *Coalescer) arm() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		c.flush(ctx)
	})
}

func (c *Coalescer) disarm() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coalescer) flush(ctx context.Context) FlushResult {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		res := FlushResult{Deferred: c.queue.Len()}
		if res.Deferred > 0 {
			slog.Warn("flush abandoned while another commit is in flight",
				"pending", res.Deferred,
				"error", ctx.Err(),
			)
		}
		return res
	}
	defer func() { <-c.slot }()

	items := c.queue.Drain()
	if len(items) == 0 {
		return FlushResult{}
	}

	writes := make([]document.Write, len(items))
	for i, it := range items {
		writes[i] = document.Write{Ref: it.Ref, Payload: it.Payload}
	}

	var res FlushResult
	err := c.store.CommitBatch(ctx, writes)
	if err == nil {
		res.Batched = len(items)
		if c.meter != nil {
			c.meter.RecordWrite(costmeter.SourceBatch, len(items))
		}
		slog.Debug("batch committed",
			"writes", len(items),
			"first_seq", items[0].Seq,
			"last_seq", items[len(items)-1].Seq,
		)
		c.observe(res)
		return res
	}

	res.BatchErr = newSyncError(CodeBatchCommitFailure, "", fmt.Sprintf("batch of %d writes failed", len(items)), err)
	slog.Warn("batch commit failed, retrying writes individually",
		"writes", len(items),
		"error", res.BatchErr,
	)

	for _, it := range items {
		if err := c.store.Update(ctx, it.Ref, it.Payload); err != nil {
			res.Dropped++
			slog.Error("write dropped after individual retry",
				"ref", it.Ref.String(),
				"seq", it.Seq,
				"token", it.Token,
				"enqueued_at", it.EnqueuedAt,
				"error", newSyncError(classifyStoreError(err), "", "individual write failed", err),
			)
			continue
		}
		res.Individual++
		if c.meter != nil {
			c.meter.RecordWrite(costmeter.SourceFallback, 1)
		}
	}
	c.observe(res)
	return res
}

func (c *Coalescer) observe(res FlushResult) {
	if c.onFlush != nil {
		c.onFlush(res)
	}
}
