// Package observability builds the zap logger, the Prometheus collectors
// and the OTLP trace exporter used by authd.
package observability
