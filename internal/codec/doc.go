// Package codec holds the shared CBOR configuration.
//
// JSON is used on the HTTP API by default. CBOR is the compact encoding for
// stored session reports and for clients that send Accept: application/cbor.
// Types carry json tags only; fxamacker/cbor falls back to them for field
// names and omitempty, so one tag set drives both encodings.
package codec
