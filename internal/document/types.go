package document

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// UsersCollection holds one profile document per identity, keyed by uid.
const UsersCollection = "users"

// Ref addresses a single document.
type Ref struct {
	Collection string `json:"collection" yaml:"collection"`
	ID         string `json:"id" yaml:"id"`
}

// UserRef returns the profile document reference for uid.
func UserRef(uid string) Ref {
	return Ref{Collection: UsersCollection, ID: uid}
}

// String renders the ref as collection/id.
func (r Ref) String() string {
	return r.Collection + "/" + r.ID
}

// Validate reports whether both parts of the ref are present and free of
// path separators.
func (r Ref) Validate() error {
	if strings.TrimSpace(r.Collection) == "" {
		return fmt.Errorf("ref collection is required")
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("ref id is required")
	}
	if strings.Contains(r.Collection, "/") || strings.Contains(r.ID, "/") {
		return fmt.Errorf("ref %q must not contain '/'", r.String())
	}
	return nil
}

// ParseRef parses "collection/id".
func ParseRef(s string) (Ref, error) {
	collection, id, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Ref{}, fmt.Errorf("invalid ref %q: expected collection/id", s)
	}
	ref := Ref{Collection: collection, ID: id}
	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// Partial is a set of top-level fields to merge into a document.
type Partial map[string]any

// Clone returns a shallow copy of the partial.
func (p Partial) Clone() Partial {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Write is one (ref, partial) pair of a batch commit.
type Write struct {
	Ref     Ref
	Payload Partial
}

// Document is a snapshot of a remote document.
type Document struct {
	Ref       Ref
	Fields    map[string]any
	UpdatedAt time.Time
}

// Clone returns a copy whose top-level field map can be mutated freely.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Fields = maps.Clone(d.Fields)
	if out.Fields == nil {
		out.Fields = map[string]any{}
	}
	return &out
}

// Merge applies a partial on top of the document's fields. Keys mapped to
// nil are removed.
func (d *Document) Merge(p Partial) {
	if d.Fields == nil {
		d.Fields = make(map[string]any, len(p))
	}
	for k, v := range p {
		if v == nil {
			delete(d.Fields, k)
			continue
		}
		d.Fields[k] = v
	}
}
