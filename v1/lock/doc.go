// Package lock implements non-blocking, token-based lease locks over a shared
// kv.Store. A lease is taken with a single SET-if-absent carrying a random
// token and a TTL, and released only by whoever presents the same token.
// Expiry of the TTL is the only recovery path for a crashed holder; there is
// no queueing, no fairness and no reentrancy.
//
// Lock and unlock events are announced on a syncbus Bus when one is
// configured, so other instances can observe contention.
package lock
