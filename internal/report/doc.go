// Package report persists finalized session statistics.
//
// Three stores implement Store: Memory (process lifetime, driver "none"),
// SQLite (an embedded file via modernc.org/sqlite) and Redis (shared between
// instances, with an optional TTL). All of them keep the report CBOR-encoded.
package report
