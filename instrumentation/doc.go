// Package instrumentation provides OpenTelemetry instrumentation for
// the authorization server.
//
// It covers:
//   - Metrics: counters, histograms, and gauges for authorization flows
//   - Traces: spans for request flows across components
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "mcp-auth",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// HTTP layer:
//   - auth.http.requests.total{method, endpoint, status}
//   - auth.http.request.duration{endpoint}
//
// Authorization flows:
//   - auth.authorization.started{client_id}
//   - auth.otp.sent / auth.otp.verified{success}
//   - auth.consent.decided{client_id, approved}
//   - auth.code.exchanged{client_id}
//   - auth.token.refreshed{client_id} / auth.token.revoked{client_id}
//   - auth.token.introspected{active}
//   - auth.client.registered{client_type} / auth.resource.registered
//
// Security:
//   - auth.rate_limit.exceeded{limiter_type}
//   - auth.pkce.validation_failed
//   - auth.code.reuse_detected / auth.refresh.reuse_detected
//   - auth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.requests.size / storage.pairs.size / storage.clients.size
//
// # Performance
//
// When disabled, no-op providers are installed and recording has zero
// overhead. All operations are safe for concurrent use.
//
// # Security Considerations
//
// This package collects observability data, never credentials. When
// instrumenting flows:
//   - NEVER record token values, authorization codes, client secrets,
//     API keys, PKCE verifiers, or verification codes
//   - ONLY record metadata (token types, expiry times, validation
//     results)
//
// Client IP addresses may be PII in some jurisdictions; set
// Config.LogClientIPs to false to omit them.
//
// Label cardinality: client_id labels produce one series per registered
// client. At large client counts, pre-aggregate in your monitoring
// system or drop the label.
package instrumentation
