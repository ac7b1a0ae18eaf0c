// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the reconciliation engine. Disabled metrics and
// tracing degrade to no-ops so library callers pay nothing.
package telemetry
