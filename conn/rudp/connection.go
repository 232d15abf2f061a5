package rudp

import (
	"fmt"
	"net"

	"github.com/msgnet/msgnet-go/conn"
)

// MessageConnection is a reliable datagram connection: the application
// surface of the embedded core plus the protocol engine driven by the
// network worker.
type MessageConnection struct {
	*conn.Base

	engine *Engine
}

// NewMessageConnection assembles a connection towards remote. The writer
// sends raw datagrams; wake nudges the owning worker; isServer selects the
// passive handshake side.
func NewMessageConnection(remote net.Addr, writer PacketWriter, settings conn.Settings, isServer bool, seed int64, wake func()) *MessageConnection {
	base := conn.NewBase(remote, settings, seed)
	engine := NewEngine(base, writer, isServer, seed)

	mc := &MessageConnection{
		Base:   base,
		engine: engine,
	}

	base.Bind(mc, func() {
		engine.RequestDisconnect()
		if wake != nil {
			wake()
		}
	}, wake)

	return mc
}

// Engine exposes the protocol engine to the owning worker.
func (mc *MessageConnection) Engine() *Engine {
	return mc.engine
}

func (mc *MessageConnection) String() string {
	return fmt.Sprintf("rudp://%v (%v)", mc.RemoteAddr(), mc.State())
}
