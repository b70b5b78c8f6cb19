// Package telemetry implements workflow.Telemetry sinks.
//
// Prometheus exposes counters and histograms for scraping at /metrics.
// OTel records the same measurements through an OpenTelemetry meter so
// they flow to whatever exporter the process configures. Multi fans out
// to several sinks.
package telemetry
