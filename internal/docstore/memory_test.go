package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/habitsync/internal/document"
)

func TestMemoryGetMissingReturnsNil(t *testing.T) {
	m := NewMemory()
	doc, err := m.Get(context.Background(), document.UserRef("u1"))
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.Equal(t, 1, m.Calls().Gets)
}

func TestMemoryUpdateMergesAndCreates(t *testing.T) {
	m := NewMemory()
	ref := document.UserRef("u1")
	ctx := context.Background()

	require.NoError(t, m.Update(ctx, ref, document.Partial{"xp": int64(10), "streak": int64(2)}))
	require.NoError(t, m.Update(ctx, ref, document.Partial{"xp": int64(20), "streak": nil}))

	doc, err := m.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"xp": int64(20)}, doc.Fields)
}

func TestMemoryScriptedGetTimesOutWithContext(t *testing.T) {
	m := NewMemory()
	m.ScriptGets(Step{Delay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Get(ctx, document.UserRef("u1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Script consumed; the next call succeeds.
	_, err = m.Get(context.Background(), document.UserRef("u1"))
	require.NoError(t, err)
}

func TestMemoryScriptedGetError(t *testing.T) {
	m := NewMemory()
	m.ScriptGets(Step{Err: ErrUnavailable})
	_, err := m.Get(context.Background(), document.UserRef("u1"))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestMemoryCommitBatchIsAtomic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.FailCommits(ErrUnavailable)

	writes := []document.Write{
		{Ref: document.UserRef("u1"), Payload: document.Partial{"xp": int64(1)}},
		{Ref: document.UserRef("u2"), Payload: document.Partial{"xp": int64(2)}},
	}
	require.ErrorIs(t, m.CommitBatch(ctx, writes), ErrUnavailable)
	assert.Nil(t, m.Peek(document.UserRef("u1")))
	assert.Nil(t, m.Peek(document.UserRef("u2")))

	m.FailCommits(nil)
	require.NoError(t, m.CommitBatch(ctx, writes))
	assert.Equal(t, int64(2), m.Peek(document.UserRef("u2")).Fields["xp"])
	assert.Len(t, m.Commits(), 2)
}

func TestMemoryScriptedCommitHonorsContext(t *testing.T) {
	m := NewMemory()
	m.ScriptCommits(Step{Delay: time.Hour}, Step{Err: ErrPermissionDenied})
	writes := []document.Write{{Ref: document.UserRef("u1"), Payload: document.Partial{"xp": int64(1)}}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.CommitBatch(ctx, writes), context.DeadlineExceeded)
	require.ErrorIs(t, m.CommitBatch(context.Background(), writes), ErrPermissionDenied)
	assert.Nil(t, m.Peek(document.UserRef("u1")))

	require.NoError(t, m.CommitBatch(context.Background(), writes))
	assert.Equal(t, 3, m.Calls().Commits)
}

func TestMemoryFailUpdatesFor(t *testing.T) {
	m := NewMemory()
	bad := document.UserRef("bad")
	m.FailUpdatesFor(bad, errors.New("boom"))

	require.Error(t, m.Update(context.Background(), bad, document.Partial{"x": "y"}))
	require.NoError(t, m.Update(context.Background(), document.UserRef("ok"), document.Partial{"x": "y"}))
}

func TestMemorySubscribeDeliversInitialAndUpdates(t *testing.T) {
	m := NewMemory()
	ref := document.UserRef("u1")
	m.Seed(ref, map[string]any{"xp": int64(5)})

	var got []Snapshot
	unsub, err := m.Subscribe(context.Background(), ref, func(s Snapshot) { got = append(got, s) })
	require.NoError(t, err)

	require.NoError(t, m.Update(context.Background(), ref, document.Partial{"xp": int64(6)}))
	m.Push(Snapshot{Ref: ref, Document: &document.Document{Ref: ref}, FromCache: true})

	require.Len(t, got, 3)
	assert.Equal(t, int64(5), got[0].Document.Fields["xp"])
	assert.Equal(t, int64(6), got[1].Document.Fields["xp"])
	assert.True(t, got[2].FromCache)

	unsub()
	unsub()
	require.NoError(t, m.Update(context.Background(), ref, document.Partial{"xp": int64(7)}))
	assert.Len(t, got, 3)
	assert.Equal(t, 1, m.Calls().Unsubscribes)
	assert.Equal(t, 0, m.Subscribers())
}

func TestMemoryRevokeSendsPermissionDenied(t *testing.T) {
	m := NewMemory()
	ref := document.UserRef("u1")

	var last Snapshot
	_, err := m.Subscribe(context.Background(), ref, func(s Snapshot) { last = s })
	require.NoError(t, err)

	m.Revoke(ref)
	assert.ErrorIs(t, last.Err, ErrPermissionDenied)
}
