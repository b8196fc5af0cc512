// Package engine is the session and data-sync engine that sits between the
// UI layer and the remote document store.
//
// One Engine owns everything that used to be process-wide state: the
// identity resolver, the single live subscription, the TTL cache, the
// pending-write queue and the cost meter. Multiple engines can coexist, for
// example one per test.
//
// ARCHITECTURE:
//
// Bootstrap:
// Bootstrap resolves an identity (provisional local, or the provider's
// authoritative answer when nothing is stored locally), hands it to the
// onboarding gate and returns the landing screen. It runs once per engine
// and always returns within the landing ceiling.
//
// Reads:
// Registry keeps at most one live subscription, keyed by identity id.
// Every server push lands in the cache; one-shot reads go through the cache
// and collapse concurrent misses into a single remote read.
//
// Writes:
// Coalescer queues writes behind a debounce timer that is re-armed on every
// enqueue. When it fires, the queue is drained and committed as one batch;
// if the batch fails each write is retried once on its own and then
// dropped.
//
// Errors:
// Nothing in this package surfaces background failures to callers. They
// are classified as SyncError values and logged.
//
// Every pending write is stamped with a sequence number and a
// content-addressed token, so a dropped or duplicated write can be traced
// in the logs.
package engine
