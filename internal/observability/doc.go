// Package observability provides structured logging and Prometheus metrics
// for the audit pipeline.
//
// Every pipeline stage reports through a single Metrics value so that
// dropped broadcasts, dead-lettered indexing tasks and evicted rows can be
// observed from one /metrics endpoint.
package observability
