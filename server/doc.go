// Package server implements the authorization server's flow logic:
// authorization requests, email identity verification, consent, token
// issuance and refresh rotation, introspection, revocation, and dynamic
// registration of clients and protected resources.
//
// The package is transport-free. The HTTP layer in the root package parses
// requests, calls one flow operation, and renders the result; everything
// protocol-relevant happens here against the storage interfaces.
//
// Three operations are synchronization points with exactly-one-winner
// semantics under concurrency, delegated to atomic conditional updates in
// storage: completing an authorization request (one code per consent),
// exchanging an authorization code (single use), and rotating a refresh
// token (no replay after rotation).
package server
