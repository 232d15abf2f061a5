package conn

import (
	"net"

	"github.com/google/uuid"

	"github.com/msgnet/msgnet-go/msg"
)

// MessageHandler receives inbound application messages. HandleMessage runs on
// the goroutine calling Connection.Process, never on the network worker. The
// payload slice is only valid for the duration of the call.
type MessageHandler interface {
	HandleMessage(source Connection, packetID uint16, messageID msg.ID, payload []byte)
}

// ContentIDComputer may additionally be implemented by a MessageHandler to
// derive content IDs for inbound messages. Messages mapping to the same
// non-zero content ID coalesce in the dispatch queue ahead of delivery, so
// the handler only observes the newest one.
type ContentIDComputer interface {
	ComputeContentID(messageID msg.ID, payload []byte) uint32
}

// ServerListener is notified about connections a server accepted. The
// callback runs on the goroutine pumping the server, never on the network
// worker.
type ServerListener interface {
	NewConnectionEstablished(connection Connection)
}

// Connection is the application-facing surface of one message connection,
// independent of the underlying transport.
type Connection interface {
	// StartNewMessage returns a writable message slot drawn from the
	// connection's pool. Fails with ErrConnectionClosed after shutdown.
	StartNewMessage(id msg.ID, sizeHint int) (*msg.Message, error)

	// EndAndQueueMessage hands a message obtained from StartNewMessage to
	// the outbound scheduler. May fail with ErrOutboundQueueFull or
	// ErrConnectionClosed.
	EndAndQueueMessage(message *msg.Message) error

	// Process drains the inbound queue, invoking the registered handler for
	// every delivered message, and flushes connection notifications. It must
	// be called regularly from the application.
	Process()

	// Disconnect initiates a graceful shutdown. Idempotent.
	Disconnect()

	// RegisterInboundHandler sets the handler invoked by Process.
	RegisterInboundHandler(handler MessageHandler)

	// NumOutboundMessagesPending counts messages accepted but not yet
	// serialized onto the wire.
	NumOutboundMessagesPending() int

	// State returns the connection's lifecycle state.
	State() State

	// CloseReason returns the error attached to the transition to
	// StateClosed, or nil for a locally requested clean shutdown.
	CloseReason() error

	// Stats returns a snapshot of the connection's statistics.
	Stats() Stats

	// Simulator returns the connection's send simulator.
	Simulator() *Simulator

	// UUID identifies this connection in the host registry and the logs.
	UUID() uuid.UUID

	// RemoteAddr returns the remote endpoint.
	RemoteAddr() net.Addr

	String() string
}
