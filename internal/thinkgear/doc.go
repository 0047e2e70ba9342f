// Package thinkgear decodes the ThinkGear serial stream emitted by consumer EEG
// headsets.
//
// A frame is two 0xAA sync bytes, a payload length (0-169), the payload and a
// one-byte checksum (inverted low byte of the payload sum). The payload is a
// sequence of data rows: single-byte codes below 0x80 carry one value byte, codes
// at or above 0x80 carry a length byte followed by that many value bytes.
//
// Decode is stateless and never fails: garbage is skipped, corrupt frames are
// counted and dropped, and an incomplete trailing frame is left unconsumed so the
// caller can retry once more bytes arrive.
//
// References:
//   - NeuroSky ThinkGear Serial Stream Guide: packet structure and data row codes
package thinkgear
