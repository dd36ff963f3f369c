// Package observability provides the logging, metrics and tracing used by the
// bridge and relay.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler masks bot tokens, JWTs and
// secret-looking values before records reach the output.
//
// # Metrics
//
// Metrics are Prometheus collectors registered on a caller-supplied
// registerer, so tests can use an isolated prometheus.Registry:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.BridgeOperation("start", "ok")
//
// # Tracing
//
// NewTracer wires an OTLP/gRPC exporter when an endpoint is configured and
// falls back to a no-op tracer otherwise.
package observability
