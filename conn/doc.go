// Package conn contains the transport-agnostic connection core: the
// connection states and API surface, the outbound message scheduler with
// priority ordering and content-ID coalescing, the inbound pipeline with
// duplicate suppression and in-order delivery, per-connection statistics and
// the send simulator.
//
// The concrete protocol engines live in the subpackages: rudp implements the
// reliable datagram protocol, stream the length-prefixed TCP mode.
package conn
