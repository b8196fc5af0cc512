// Package docstore defines the remote document store contract consumed by
// the sync engine, along with an in-memory implementation.
package docstore

import (
	"context"
	"errors"

	"github.com/roach88/habitsync/internal/document"
)

// Sentinel errors a Store reports. Implementations wrap them so callers can
// match with errors.Is.
var (
	// ErrPermissionDenied means the caller is no longer authorized for the
	// document. On a subscription channel it is expected after sign-out.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnavailable means the store could not be reached.
	ErrUnavailable = errors.New("document store unavailable")
)

// Snapshot is one value pushed on a subscription. Exactly one of Document
// or Err is meaningful; a nil Document with nil Err means the document does
// not exist.
//
// FromCache marks local or optimistic echoes that the server has not
// confirmed.
type Snapshot struct {
	Ref       document.Ref
	Document  *document.Document
	FromCache bool
	Err       error
}

// Store is the remote document store.
type Store interface {
	// Get returns the document, or (nil, nil) when it does not exist.
	Get(ctx context.Context, ref document.Ref) (*document.Document, error)
	// Update merges partial into the document, creating it if absent.
	Update(ctx context.Context, ref document.Ref, partial document.Partial) error
	// CommitBatch applies all writes atomically: either every write lands
	// or none does.
	CommitBatch(ctx context.Context, writes []document.Write) error
	// Subscribe registers fn for pushes on ref. The returned function
	// stops delivery; calling it more than once is a no-op.
	Subscribe(ctx context.Context, ref document.Ref, fn func(Snapshot)) (unsubscribe func(), err error)
}
