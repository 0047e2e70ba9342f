// Package stats aggregates telemetry records into per-session statistics for
// post-session reporting.
//
// For every session the Aggregator keeps running count/sum/min/max of attention
// and relaxation per producer and for the session as a whole, low/medium/high
// attention bucket counts and fixed-width timelines keyed by
// floor(timestamp / window). Finalize freezes a session; later records are
// rejected and counted.
package stats
