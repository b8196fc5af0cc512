// Package identity resolves who is using the app at startup.
//
// Two sources compete: a credential blob in the local key-value store,
// available almost instantly, and the remote auth provider, which pushes
// the authoritative session asynchronously. The local value is only a
// placeholder; the first provider event always wins.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind tags which source produced an Identity.
type Kind int

const (
	// KindLocal is a provisional identity decoded from the local store.
	KindLocal Kind = iota + 1
	// KindRemote is an authoritative session from the auth provider.
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Identity is the tagged union of local and remote identities. A nil
// *Identity means nobody is signed in.
type Identity struct {
	Kind  Kind
	ID    string
	Email string
}

// Local builds a provisional identity.
func Local(id, email string) *Identity {
	return &Identity{Kind: KindLocal, ID: id, Email: email}
}

// Remote builds an authoritative identity.
func Remote(id, email string) *Identity {
	return &Identity{Kind: KindRemote, ID: id, Email: email}
}

func (i *Identity) String() string {
	if i == nil {
		return "none"
	}
	return i.Kind.String() + ":" + i.ID
}

// Same reports whether a and b are the same identity from the same source.
func Same(a, b *Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Kind == b.Kind && a.ID == b.ID
}

// ID returns the identity id, or "" for nil.
func ID(i *Identity) string {
	if i == nil {
		return ""
	}
	return i.ID
}

// credential is the JSON shape of the local credential blob.
type credential struct {
	UID   string `json:"uid"`
	Email string `json:"email,omitempty"`
}

// EncodeCredential serializes an identity into the blob persisted by a
// LocalStore.
func EncodeCredential(id *Identity) ([]byte, error) {
	if id == nil || strings.TrimSpace(id.ID) == "" {
		return nil, fmt.Errorf("encode credential: identity id is required")
	}
	return json.Marshal(credential{UID: id.ID, Email: id.Email})
}

// DecodeCredential parses a local credential blob into a provisional
// identity.
func DecodeCredential(blob []byte) (*Identity, error) {
	var c credential
	if err := json.Unmarshal(blob, &c); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	if strings.TrimSpace(c.UID) == "" {
		return nil, fmt.Errorf("decode credential: uid is empty")
	}
	return Local(c.UID, c.Email), nil
}

// LocalStore persists the opaque credential blob on the device.
// Get returns (nil, nil) when nothing is stored.
type LocalStore interface {
	Get(ctx context.Context) ([]byte, error)
	Set(ctx context.Context, blob []byte) error
	Clear(ctx context.Context) error
}

// AuthProvider is the remote authority. Subscribe must deliver at least one
// event after subscription and one more on every sign-in or sign-out. A nil
// identity means signed out.
//
// *eventsrc.Source[*Identity] satisfies this interface.
type AuthProvider interface {
	Subscribe(handler func(*Identity)) (unsubscribe func())
}
