// Package document defines the remote document model shared by the
// bootstrap gate and the sync engine.
//
// Documents are schemaless field maps addressed by a Ref (collection + id).
// The user profile lives at users/{uid}; UserProfile is the typed view the
// onboarding gate reads progress signals from.
//
// # Canonical Form
//
// Write payloads are hashed into content-addressed write tokens so batch
// fallbacks can be correlated in logs. Hashing uses RFC 8785 style canonical
// JSON:
//   - Object keys sorted by UTF-16 code units
//   - Strings NFC normalized, no HTML escaping
//   - Integral floats (as produced by encoding/json) rendered as integers
package document
