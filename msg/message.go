package msg

import (
	"fmt"
	"time"
)

// ID is the application-level type tag of a Message. Values below
// IDFirstFree are reserved for the engine's control traffic.
type ID uint32

const (
	// IDConnect opens a connection, carrying the client's challenge.
	IDConnect ID = 1

	// IDConnectAck answers IDConnect, echoing the client's challenge and
	// carrying the server's challenge and protocol version.
	IDConnectAck ID = 2

	// IDDisconnect initiates a graceful shutdown.
	IDDisconnect ID = 3

	// IDDisconnectAck confirms a graceful shutdown.
	IDDisconnectAck ID = 4

	// IDPing probes the peer, carrying a nonce.
	IDPing ID = 5

	// IDPong echoes an IDPing nonce.
	IDPong ID = 6

	// IDFlowControl advertises the receiver's inbound window.
	IDFlowControl ID = 7

	// IDFirstFree is the first ID available to applications.
	IDFirstFree ID = 8
)

// IsControl reports whether this ID belongs to the engine.
func (id ID) IsControl() bool {
	return id < IDFirstFree
}

func (id ID) String() string {
	switch id {
	case IDConnect:
		return "Connect"
	case IDConnectAck:
		return "ConnectAck"
	case IDDisconnect:
		return "Disconnect"
	case IDDisconnectAck:
		return "DisconnectAck"
	case IDPing:
		return "Ping"
	case IDPong:
		return "Pong"
	case IDFlowControl:
		return "FlowControl"
	default:
		return fmt.Sprintf("Message(%d)", uint32(id))
	}
}

// Message is the atomic unit exchanged with the application. A Message is
// obtained from a connection's pool via StartNewMessage, filled in, and handed
// back through EndAndQueueMessage.
type Message struct {
	// ID is the application-level type tag.
	ID ID

	// Payload is the opaque application data.
	Payload []byte

	// Priority orders outbound messages; higher is sent first.
	Priority uint32

	// Reliable messages are retransmitted until acknowledged.
	Reliable bool

	// InOrder messages are delivered only after all prior in-order messages
	// on the same ContentID chain.
	InOrder bool

	// ContentID groups messages for coalescing and ordering. Zero disables
	// coalescing; in-order messages with ContentID zero still share one
	// chain.
	ContentID uint32

	// SendDeadline, if non-zero, drops the message if it has not been
	// serialized onto the wire by this time.
	SendDeadline time.Time

	// CreationTime is the enqueue time, used as the priority tie-break.
	CreationTime time.Time
}

// Reset clears a Message for reuse from a pool.
func (m *Message) Reset() {
	m.ID = 0
	m.Payload = m.Payload[:0]
	m.Priority = 0
	m.Reliable = false
	m.InOrder = false
	m.ContentID = 0
	m.SendDeadline = time.Time{}
	m.CreationTime = time.Time{}
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(id=%v, len=%d, prio=%d, reliable=%t, inOrder=%t, contentID=%d)",
		m.ID, len(m.Payload), m.Priority, m.Reliable, m.InOrder, m.ContentID)
}
