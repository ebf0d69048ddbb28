// Package sinks holds the events.Sink implementations wired by the server:
// structured logs, Prometheus counters, aggregate stats in the shared store,
// and Pub/Sub publication of completions and alerts.
package sinks
