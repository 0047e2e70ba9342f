// Package ingest carries raw headset streams over TCP.
//
// A device opens a connection and sends one JSON handshake line:
//
//	{"sessionId":"room-12","producerId":"student-7","token":"<jwt>"}
//
// The server answers {"status":"ok"} or {"status":"error","code":...} and,
// on success, treats every following byte as ThinkGear packet data for a
// device.Session. Connections are filtered by source CIDR and capped in
// number. A (session, producer) pair may have one live stream at a time,
// counted across transports through a shared device.Registry.
//
// Client is the producer side. It drives a Reconnector, which retries with
// exponential backoff and gives up after a bounded number of consecutive
// failures.
package ingest
