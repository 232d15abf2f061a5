package conn

import "errors"

// Error kinds surfaced to the application. Worker-detected fatal failures are
// never raised across the API boundary; they become a transition to
// StateClosed with one of these values attached as the close reason.
var (
	// ErrConnectionRefused means the remote endpoint rejected the connection.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrHandshakeTimeout means no handshake answer arrived in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrPeerUnreachable means a reliable message exhausted its retries.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrPeerDisconnected means the peer performed a clean shutdown.
	ErrPeerDisconnected = errors.New("peer disconnected")

	// ErrMalformedPacket means the rate of unparseable packets from the peer
	// exceeded the configured threshold.
	ErrMalformedPacket = errors.New("sustained malformed packets")

	// ErrOutboundQueueFull means the application-to-worker ring had no room
	// and the queue policy forbids growing.
	ErrOutboundQueueFull = errors.New("outbound queue full")

	// ErrMessageTooLarge means a message exceeds the configured maximum even
	// after fragmentation.
	ErrMessageTooLarge = errors.New("message too large after fragmentation")

	// ErrConnectionClosed means an operation was attempted on a closed
	// connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrMessageExpired means a reliable message's send deadline passed
	// before it was serialized onto the wire.
	ErrMessageExpired = errors.New("message send deadline exceeded")
)
