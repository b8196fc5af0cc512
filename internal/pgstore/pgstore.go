// Package pgstore implements docstore.Store on PostgreSQL. Live
// subscriptions ride on LISTEN/NOTIFY: every commit notifies the refs it
// touched, and each Store keeps one listener connection that re-reads
// notified documents for its subscribers.
package pgstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/roach88/habitsync/internal/docstore"
	"github.com/roach88/habitsync/internal/document"
	"github.com/roach88/habitsync/internal/eventsrc"
)

const (
	DefaultTableName = "habitsync_documents"
	// DefaultChannel is the NOTIFY channel commits announce refs on.
	DefaultChannel = "habitsync_documents"

	operationTimeout     = 5 * time.Second
	minReconnectInterval = 100 * time.Millisecond
	maxReconnectInterval = 10 * time.Second
)

// ErrInvalidInput is returned for an empty DSN.
var ErrInvalidInput = errors.New("pgstore: invalid input")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Store is a PostgreSQL-backed document store.
type Store struct {
	dsn       string
	tableName string
	channel   string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu       sync.Mutex
	sources  map[document.Ref]*eventsrc.Source[docstore.Snapshot]
	listener *pq.Listener
	done     chan struct{}
	closed   bool
}

var _ docstore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTableName overrides the documents table.
func WithTableName(name string) Option {
	return func(s *Store) { s.tableName = name }
}

// WithChannel overrides the NOTIFY channel.
func WithChannel(channel string) Option {
	return func(s *Store) { s.channel = channel }
}

// New returns a Store for dsn. The connection is opened lazily on first use.
func New(dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	s := &Store{
		dsn:       dsn,
		tableName: DefaultTableName,
		channel:   DefaultChannel,
		openDB:    sql.Open,
		sources:   make(map[document.Ref]*eventsrc.Source[docstore.Snapshot]),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns the document at ref, or (nil, nil) when it does not exist.
func (s *Store) Get(ctx context.Context, ref document.Ref) (*document.Document, error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	if err := s.ensureReady(); err != nil {
		return nil, fmt.Errorf("get %s: %w", ref, classify(ctx, err))
	}
	doc, err := s.getDocument(ctx, s.db, ref, false)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref, classify(ctx, err))
	}
	return doc, nil
}

// Update merges partial into the document at ref, creating it if absent.
func (s *Store) Update(ctx context.Context, ref document.Ref, partial document.Partial) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if err := s.commit(ctx, []document.Write{{Ref: ref, Payload: partial}}); err != nil {
		return fmt.Errorf("update %s: %w", ref, err)
	}
	return nil
}

// CommitBatch applies every write in one transaction.
func (s *Store) CommitBatch(ctx context.Context, writes []document.Write) error {
	for _, w := range writes {
		if err := w.Ref.Validate(); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
	}
	if len(writes) == 0 {
		return nil
	}
	if err := s.commit(ctx, writes); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Subscribe delivers the current state of ref to fn before returning, then
// a fresh read after every notification for ref.
func (s *Store) Subscribe(ctx context.Context, ref document.Ref, fn func(docstore.Snapshot)) (func(), error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if err := s.ensureReady(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", ref, classify(ctx, err))
	}
	if err := s.ensureListener(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", ref, classify(ctx, err))
	}
	doc, err := s.getDocument(ctx, s.db, ref, false)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", ref, classify(ctx, err))
	}

	s.mu.Lock()
	src, ok := s.sources[ref]
	if !ok {
		src = eventsrc.New[docstore.Snapshot]("pgstore/" + ref.String())
		s.sources[ref] = src
	}
	s.mu.Unlock()

	fn(docstore.Snapshot{Ref: ref, Document: doc})
	return src.Subscribe(fn), nil
}

// Close stops the listener and closes the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	listener := s.listener
	s.mu.Unlock()

	var errs []error
	if listener != nil {
		errs = append(errs, listener.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

func (s *Store) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				collection TEXT NOT NULL,
				id TEXT NOT NULL,
				fields TEXT NOT NULL,
				version BIGINT NOT NULL DEFAULT 1,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (collection, id)
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *Store) ensureListener() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store closed")
	}
	if s.listener != nil {
		return nil
	}
	l := pq.NewListener(s.dsn, minReconnectInterval, maxReconnectInterval, s.listenerEvent)
	if err := l.Listen(s.channel); err != nil {
		_ = l.Close()
		return err
	}
	s.listener = l
	go s.listen(l)
	return nil
}

func (s *Store) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		slog.Warn("document listener disconnected", "channel", s.channel, "error", err)
	case pq.ListenerEventReconnected:
		slog.Info("document listener reconnected", "channel", s.channel)
	case pq.ListenerEventConnectionAttemptFailed:
		slog.Debug("document listener reconnect failed", "channel", s.channel, "error", err)
	}
}

// listen fans notifications out until Close. A nil notification follows a
// reconnect, after which every subscribed ref is re-read since pushes may
// have been missed.
func (s *Store) listen(l *pq.Listener) {
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-l.Notify:
			if !ok {
				return
			}
			if n == nil {
				for _, ref := range s.subscribedRefs() {
					s.refresh(ref)
				}
				continue
			}
			ref, err := document.ParseRef(n.Extra)
			if err != nil {
				slog.Debug("ignoring malformed document notification", "payload", n.Extra, "error", err)
				continue
			}
			s.refresh(ref)
		}
	}
}

func (s *Store) subscribedRefs() []document.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]document.Ref, 0, len(s.sources))
	for ref, src := range s.sources {
		if src.Subscribers() > 0 {
			refs = append(refs, ref)
		}
	}
	return refs
}

func (s *Store) refresh(ref document.Ref) {
	s.mu.Lock()
	src := s.sources[ref]
	s.mu.Unlock()
	if src == nil || src.Subscribers() == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	doc, err := s.getDocument(ctx, s.db, ref, false)
	if err != nil {
		src.Publish(docstore.Snapshot{Ref: ref, Err: classify(ctx, err)})
		return
	}
	src.Publish(docstore.Snapshot{Ref: ref, Document: doc})
}

func (s *Store) commit(ctx context.Context, writes []document.Write) error {
	if err := s.ensureReady(); err != nil {
		return classify(ctx, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(ctx, err)
	}
	defer tx.Rollback()

	upsert := fmt.Sprintf(`
		INSERT INTO %s (collection, id, fields, version, updated_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (collection, id)
		DO UPDATE SET fields = EXCLUDED.fields, version = %s.version + 1, updated_at = NOW()`,
		quoteIdentifier(s.tableName), quoteIdentifier(s.tableName))

	notified := make(map[document.Ref]bool, len(writes))
	for _, w := range writes {
		doc, err := s.getDocument(ctx, tx, w.Ref, true)
		if err != nil {
			return classify(ctx, err)
		}
		if doc == nil {
			doc = &document.Document{Ref: w.Ref, Fields: map[string]any{}}
		}
		doc.Merge(w.Payload)

		fields, err := document.MarshalCanonical(doc.Fields)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", w.Ref, err)
		}
		if _, err := tx.ExecContext(ctx, upsert, w.Ref.Collection, w.Ref.ID, string(fields)); err != nil {
			return classify(ctx, err)
		}
		if notified[w.Ref] {
			continue
		}
		notified[w.Ref] = true
		// Delivered by the server only if the transaction commits.
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", s.channel, w.Ref.String()); err != nil {
			return classify(ctx, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(ctx, err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getDocument(ctx context.Context, q queryRower, ref document.Ref, forUpdate bool) (*document.Document, error) {
	query := fmt.Sprintf("SELECT fields, updated_at FROM %s WHERE collection = $1 AND id = $2", quoteIdentifier(s.tableName))
	if forUpdate {
		query += " FOR UPDATE"
	}
	var payload string
	var updatedAt time.Time
	err := q.QueryRowContext(ctx, query, ref.Collection, ref.ID).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fields, err := decodeFields(payload)
	if err != nil {
		return nil, err
	}
	return &document.Document{Ref: ref, Fields: fields, UpdatedAt: updatedAt.UTC()}, nil
}

func decodeFields(payload string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// classify maps driver errors onto the docstore sentinels. Context errors
// pass through so callers can tell a timeout from an outage.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "42501", pqErr.Code.Class() == "28":
			return fmt.Errorf("%w: %w", docstore.ErrPermissionDenied, err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "53", pqErr.Code.Class() == "57":
			return fmt.Errorf("%w: %w", docstore.ErrUnavailable, err)
		}
		return err
	}
	return fmt.Errorf("%w: %w", docstore.ErrUnavailable, err)
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
