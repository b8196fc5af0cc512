package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/habitsync/internal/docstore"
	"github.com/roach88/habitsync/internal/document"
	"github.com/roach88/habitsync/internal/eventsrc"
)

// DocumentStore is a docstore.Store over the documents table. Live
// subscriptions are served in-process: every commit made through this
// DocumentStore is pushed to the subscribers of the refs it touched.
type DocumentStore struct {
	store *Store

	mu      sync.Mutex
	sources map[document.Ref]*eventsrc.Source[docstore.Snapshot]
}

var _ docstore.Store = (*DocumentStore)(nil)

func newDocumentStore(s *Store) *DocumentStore {
	return &DocumentStore{
		store:   s,
		sources: make(map[document.Ref]*eventsrc.Source[docstore.Snapshot]),
	}
}

// Get returns the document at ref, or (nil, nil) when it does not exist.
func (d *DocumentStore) Get(ctx context.Context, ref document.Ref) (*document.Document, error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	doc, err := getDocument(ctx, d.store.db, ref)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref, wrapDBError(ctx, err))
	}
	return doc, nil
}

// Update merges partial into the document at ref, creating it if absent.
func (d *DocumentStore) Update(ctx context.Context, ref document.Ref, partial document.Partial) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	docs, err := d.commit(ctx, []document.Write{{Ref: ref, Payload: partial}})
	if err != nil {
		return fmt.Errorf("update %s: %w", ref, err)
	}
	d.publish(docs)
	return nil
}

// CommitBatch applies every write in one transaction.
func (d *DocumentStore) CommitBatch(ctx context.Context, writes []document.Write) error {
	for _, w := range writes {
		if err := w.Ref.Validate(); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
	}
	if len(writes) == 0 {
		return nil
	}
	docs, err := d.commit(ctx, writes)
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	d.publish(docs)
	return nil
}

// Subscribe delivers the current state of ref to fn before returning, then
// every later commit to ref.
func (d *DocumentStore) Subscribe(ctx context.Context, ref document.Ref, fn func(docstore.Snapshot)) (func(), error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	doc, err := getDocument(ctx, d.store.db, ref)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", ref, wrapDBError(ctx, err))
	}

	d.mu.Lock()
	src, ok := d.sources[ref]
	if !ok {
		src = eventsrc.New[docstore.Snapshot]("store.documents/" + ref.String())
		d.sources[ref] = src
	}
	d.mu.Unlock()

	fn(docstore.Snapshot{Ref: ref, Document: doc})
	return src.Subscribe(fn), nil
}

// WriteCount returns how many writes to ref have been committed.
func (d *DocumentStore) WriteCount(ctx context.Context, ref document.Ref) (int, error) {
	var n int
	err := d.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_writes WHERE collection = ? AND id = ?`,
		ref.Collection, ref.ID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count writes %s: %w", ref, err)
	}
	return n, nil
}

// commit applies writes in one transaction and returns the resulting
// documents in write order.
func (d *DocumentStore) commit(ctx context.Context, writes []document.Write) ([]*document.Document, error) {
	tx, err := d.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDBError(ctx, err)
	}
	defer tx.Rollback()

	now := d.store.now()
	docs := make([]*document.Document, 0, len(writes))
	for _, w := range writes {
		doc, err := getDocument(ctx, tx, w.Ref)
		if err != nil {
			return nil, wrapDBError(ctx, err)
		}
		if doc == nil {
			doc = &document.Document{Ref: w.Ref, Fields: map[string]any{}}
		}
		doc.Merge(w.Payload)
		doc.UpdatedAt = now

		fieldsJSON, err := marshalFields(doc.Fields)
		if err != nil {
			return nil, err
		}
		payloadJSON, err := marshalFields(w.Payload)
		if err != nil {
			return nil, err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, fields, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(collection, id) DO UPDATE SET
				fields = excluded.fields,
				version = documents.version + 1,
				updated_at = excluded.updated_at
		`, w.Ref.Collection, w.Ref.ID, fieldsJSON, now.UnixMilli()); err != nil {
			return nil, wrapDBError(ctx, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_writes (collection, id, payload, batch_size, committed_at)
			VALUES (?, ?, ?, ?, ?)
		`, w.Ref.Collection, w.Ref.ID, payloadJSON, len(writes), now.UnixMilli()); err != nil {
			return nil, wrapDBError(ctx, err)
		}

		docs = append(docs, doc.Clone())
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapDBError(ctx, err)
	}
	return docs, nil
}

func (d *DocumentStore) publish(docs []*document.Document) {
	for _, doc := range docs {
		d.mu.Lock()
		src := d.sources[doc.Ref]
		d.mu.Unlock()
		if src == nil {
			continue
		}
		src.Publish(docstore.Snapshot{Ref: doc.Ref, Document: doc.Clone()})
	}
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDocument(ctx context.Context, q queryRower, ref document.Ref) (*document.Document, error) {
	var fieldsJSON string
	var updatedAt int64
	err := q.QueryRowContext(ctx, `
		SELECT fields, updated_at FROM documents WHERE collection = ? AND id = ?
	`, ref.Collection, ref.ID).Scan(&fieldsJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fields, err := unmarshalFields(fieldsJSON)
	if err != nil {
		return nil, err
	}
	return &document.Document{
		Ref:       ref,
		Fields:    fields,
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}, nil
}

// wrapDBError keeps context errors as they are and marks everything else
// as the store being unavailable.
func wrapDBError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", docstore.ErrUnavailable, err)
}
