// Package rudp implements the reliable datagram protocol engine: packet
// sequencing and acknowledgement, retransmission with RTT-driven timeouts,
// congestion control with pacing, fragmentation and reassembly, the
// connection handshake and graceful shutdown.
//
// The engine of one connection is owned by a single network worker goroutine;
// the application reaches it only through the rings of the embedded conn.Base.
package rudp
