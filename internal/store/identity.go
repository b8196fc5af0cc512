package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LocalIdentityStore keeps the device's credential blob in a single-row
// table.
type LocalIdentityStore struct {
	store *Store
}

// Get returns the stored blob, or (nil, nil) when none is stored.
func (l *LocalIdentityStore) Get(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := l.store.db.QueryRowContext(ctx,
		`SELECT blob FROM local_identity WHERE slot = 'current'`,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read local identity: %w", err)
	}
	return blob, nil
}

// Set replaces the stored blob.
func (l *LocalIdentityStore) Set(ctx context.Context, blob []byte) error {
	if len(blob) == 0 {
		return fmt.Errorf("write local identity: empty blob")
	}
	_, err := l.store.db.ExecContext(ctx, `
		INSERT INTO local_identity (slot, blob, updated_at)
		VALUES ('current', ?, ?)
		ON CONFLICT(slot) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at
	`, blob, l.store.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write local identity: %w", err)
	}
	return nil
}

// Clear removes the stored blob. Clearing an empty store is not an error.
func (l *LocalIdentityStore) Clear(ctx context.Context) error {
	if _, err := l.store.db.ExecContext(ctx, `DELETE FROM local_identity`); err != nil {
		return fmt.Errorf("clear local identity: %w", err)
	}
	return nil
}
