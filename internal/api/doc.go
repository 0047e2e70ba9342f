// Package api implements the HTTP API for classroom sessions.
//
// It serves live telemetry as Server-Sent Events, session statistics as JSON or
// CBOR, finalization into the report store, threshold changes and a streaming
// ingest endpoint for devices that cannot hold a raw TCP connection. Every JSON
// response uses the envelope {result, data, code, message, details,
// correlationId}.
package api
