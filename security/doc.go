// Package security provides security primitives for the authorization
// server: secret hashing for client secrets and API keys, per-identifier
// rate limiting, shared fixed-window counters, audit logging with PII
// hashing, security response headers, request IDs, and client IP
// extraction behind trusted proxies.
//
// The rate limiter is a token bucket per identifier with LRU eviction to
// bound memory under distributed attacks. The window limiter counts events
// per identity in a shared counter store (in-process or Redis) so limits
// hold across multiple server instances.
package security
