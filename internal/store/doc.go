// Package store provides SQLite-backed persistence for habitsync.
//
// A single database file holds two things:
//   - local_identity: the credential blob that gives bootstrap a
//     provisional identity before the auth provider answers
//   - documents: a document store with the same contract as the remote
//     one, used for offline runs and by the CLI
//
// Every committed document write is also appended to document_writes so
// batch and individual commits can be audited.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Document fields are stored as canonical JSON (document.MarshalCanonical),
// so identical documents are byte-identical on disk.
package store
