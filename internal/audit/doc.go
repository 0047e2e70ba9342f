// Package audit records session actions (joins, leaves, evictions, finalize,
// threshold changes) to an append-only JSONL trail.
//
// The trail is separate from operational logs. Files are rotated by
// lumberjack according to the audit configuration.
package audit
