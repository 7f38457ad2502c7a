// Package storage provides the persistence layer contracts for the
// authorization server.
//
// All entities are owned by the store; the flow layer holds no long-lived
// references and performs a fresh read or write per operation, keyed by an
// opaque identifier. Expiry is advisory-checked at read time (lazy
// expiration); backends may additionally sweep expired records as a hygiene
// job, but correctness never depends on the sweep.
//
// Two operations carry hard concurrency invariants and must be implemented
// as atomic conditional updates:
//
//   - FlowStore.MarkAuthorizationCodeUsed: the used flag transitions
//     false→true exactly once; concurrent exchanges of one code produce
//     exactly one winner.
//   - TokenStore.RevokeTokenPairByRefreshToken: the revoked flag
//     transitions false→true exactly once per pair; concurrent refreshes
//     of one refresh token produce exactly one rotation.
//
// Three implementations are provided:
//
//   - memory: mutex-guarded maps, suitable for development, testing, and
//     single-instance deployments.
//   - redis: Redis/Valkey-backed with Lua scripts for the conditional
//     updates; suitable for multi-instance deployments.
//   - postgres: pgx-backed with conditional UPDATE ... RETURNING; suitable
//     for durable multi-instance deployments.
package storage
