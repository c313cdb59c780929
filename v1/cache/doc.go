// Package cache implements named cache families on top of a shared kv.Store.
//
// A family stores JSON (or gob) encoded values under
// "cache:{<family>}::<key>" with a fixed TTL that can optionally be re-armed
// on every hit. Families support fine invalidation of a single key and coarse
// invalidation of every key they hold. Each invalidation also bumps a
// per-family epoch kept at "cache-epoch:{<family>}"; a fill only lands if the
// epoch it observed before loading is still current, so a value read before a
// committed mutation is never written back after the mutation invalidated it.
//
// An optional ristretto near cache can sit in front of the store.
// Invalidations clear it locally and are broadcast to peer instances over a
// syncbus Bus; peers that miss the broadcast serve stale entries for at most
// the near cache TTL.
package cache
