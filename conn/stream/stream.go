// Package stream implements the TCP mode of a message connection. Every
// message frame is preceded by a two-byte big-endian length; ordering and
// reliability come from the transport, so sequence numbers and
// acknowledgements are omitted. The outbound scheduler and the inbound
// pipeline are shared with the datagram mode, which keeps priorities,
// content-ID coalescing and in-order chains working identically.
package stream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/msgnet/msgnet-go/conn"
	"github.com/msgnet/msgnet-go/msg"
)

// maxFrameLen is the largest encoded frame the two-byte length prefix can
// carry.
const maxFrameLen = 1<<16 - 1

// MessageConnection is a stream-transported message connection.
type MessageConnection struct {
	*conn.Base

	engine *Engine
}

// NewMessageConnection assembles a connection over an established stream
// socket. The wake callback nudges the owning worker.
func NewMessageConnection(socket net.Conn, settings conn.Settings, seed int64, wake func()) *MessageConnection {
	base := conn.NewBase(socket.RemoteAddr(), settings, seed)
	engine := NewEngine(base, socket)

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

	// The transport performs the handshake for us.
	base.TransitionState(conn.StateOK, nil)

	return mc
}

// Engine exposes the stream engine to the owning worker.
func (mc *MessageConnection) Engine() *Engine {
	return mc.engine
}

func (mc *MessageConnection) String() string {
	return fmt.Sprintf("tcp://%v (%v)", mc.RemoteAddr(), mc.State())
}

// Engine drives the stream side of one connection. All methods except
// RequestDisconnect belong to the network worker.
type Engine struct {
	base     *conn.Base
	settings conn.Settings
	sched    *conn.Scheduler
	inbound  *conn.Inbound

	socket net.Conn
	out    *bufio.Writer

	disconnectRequested atomic.Bool
	disconnectStarted   bool
	disconnectSent      bool
	disconnectDeadline  time.Time
	peerDisconnected    bool

	lastReap time.Time
	closed   bool
}

// NewEngine wires a stream engine to the shared connection core and socket.
func NewEngine(base *conn.Base, socket net.Conn) *Engine {
	e := &Engine{
		base:     base,
		settings: base.Settings(),
		inbound:  conn.NewInbound(),
		socket:   socket,
		out:      bufio.NewWriterSize(socket, 64<<10),
	}
	e.sched = conn.NewScheduler(e.releaseMessage, e.reportExpired)

	return e
}

// Inbound exposes the pipeline, e.g. to install a ContentIDComputer.
func (e *Engine) Inbound() *conn.Inbound {
	return e.inbound
}

// RequestDisconnect asks the worker to start a graceful shutdown. Safe from
// any goroutine.
func (e *Engine) RequestDisconnect() {
	e.disconnectRequested.Store(true)
}

// Closed reports whether the engine reached its final state.
func (e *Engine) Closed() bool {
	return e.closed
}

// ReadLoop blocks on the socket, handing every length-prefixed frame to
// deliver. It returns on socket close or error. Runs on its own goroutine,
// not the worker; deliver must hand the bytes over to the worker.
func ReadLoop(socket net.Conn, deliver func(frame []byte), done func(err error)) {
	reader := bufio.NewReader(socket)

	for {
		var lengthBuf [2]byte
		if _, err := io.ReadFull(reader, lengthBuf[:]); err != nil {
			done(err)
			return
		}

		body := make([]byte, binary.BigEndian.Uint16(lengthBuf[:]))
		if _, err := io.ReadFull(reader, body); err != nil {
			done(err)
			return
		}

		deliver(body)
	}
}

// HandleFrame feeds one received frame body into the engine.
func (e *Engine) HandleFrame(data []byte, now time.Time) {
	if e.closed {
		return
	}

	frame, err := msg.DecodeFrame(msg.NewDeserializer(data))
	if err != nil {
		e.base.Recorder().CountMalformed()
		return
	}
	e.base.Recorder().CountPacketIn()

	if frame.ID.IsControl() {
		e.handleControl(frame, now)
		return
	}

	if e.inbound.Accept(frame, 0, now) {
		e.base.Recorder().CountMessageIn()
	}
}

// HandleEOF reacts to the read loop ending: a clean shutdown if one was in
// progress, a peer loss otherwise.
func (e *Engine) HandleEOF(err error, now time.Time) {
	if e.closed {
		return
	}

	if e.disconnectStarted {
		// Our own shutdown; the peer hanging up completes it.
		e.teardown(nil)
		return
	}

	e.logger().WithError(err).Info("Stream closed by peer")
	e.teardown(conn.ErrPeerDisconnected)
}

func (e *Engine) handleControl(frame msg.Frame, now time.Time) {
	switch frame.ID {
	case msg.IDDisconnect:
		e.peerDisconnected = true
		e.writeFrame(msg.Frame{ID: msg.IDDisconnectAck})
		_ = e.out.Flush()
		e.teardown(conn.ErrPeerDisconnected)

	case msg.IDDisconnectAck:
		if e.disconnectStarted {
			e.teardown(nil)
		}

	case msg.IDPing:
		e.writeFrame(msg.Frame{ID: msg.IDPong, Payload: frame.Payload})

	case msg.IDPong, msg.IDFlowControl:
		// The stream transport needs neither; tolerated for symmetry.
	}
}

// Tick runs one maintenance round: drain the application ring, serialize
// everything sendable, progress shutdown.
func (e *Engine) Tick(now time.Time) {
	if e.closed {
		return
	}

	if computer, ok := e.base.Handler().(conn.ContentIDComputer); ok {
		e.inbound.SetContentIDComputer(computer)
	}

	if e.disconnectRequested.Load() && !e.disconnectStarted {
		e.disconnectStarted = true
		e.disconnectDeadline = now.Add(e.settings.DisconnectGrace)
		e.base.TransitionState(conn.StateDisconnecting, nil)
	}

	e.base.DrainOutbound(func(m *msg.Message) {
		if e.closed {
			e.releaseMessage(m)
			return
		}
		e.sched.Queue(m)
	})

	e.sendPending(now)

	if e.disconnectStarted && !e.closed {
		if !e.disconnectSent && e.sched.Len() == 0 {
			e.disconnectSent = true
			e.writeFrame(msg.Frame{ID: msg.IDDisconnect})
			if err := e.out.Flush(); err != nil {
				e.teardown(conn.ErrPeerDisconnected)
			}
			// Leave the socket open for the peer's DisconnectAck; the
			// grace deadline bounds the wait.
		}
		if !e.closed && now.After(e.disconnectDeadline) {
			e.teardown(nil)
		}
	}

	if now.Sub(e.lastReap) >= time.Second {
		e.lastReap = now
		e.sched.ReapIdleChains(now, e.settings.ChainIdleGrace)
		e.inbound.ReapIdleChains(now, e.settings.ChainIdleGrace)
	}

	e.inbound.Flush(e.base.PushEvent)
}

func (e *Engine) sendPending(now time.Time) {
	wrote := false

	for {
		top, ok := e.sched.Peek(now)
		if !ok {
			break
		}

		if top.IsFrame {
			frame, _ := e.sched.PopFrame()
			e.writeFrame(frame)
			wrote = true
			continue
		}

		m := e.sched.PopMessage()

		frame := msg.Frame{ID: m.ID, Payload: m.Payload}
		if m.InOrder {
			frame.ChainID = m.ContentID + 1
			frame.OrderIndex = e.sched.StampChain(frame.ChainID, now)
		}
		if m.Reliable {
			frame.ReliableNumber = e.sched.NextReliableNumber()
		}

		if frame.EncodedLen() > maxFrameLen {
			e.base.PushDropped(m.ID, conn.ErrMessageTooLarge)
			e.releaseMessage(m)
			continue
		}

		e.writeFrame(frame)
		e.base.Recorder().CountMessageOut()
		wrote = true

		m.Payload = nil
		e.releaseMessage(m)
	}

	if wrote {
		// Bound the flush so a stalled peer cannot block the worker.
		_ = e.socket.SetWriteDeadline(time.Now().Add(time.Second))
		if err := e.out.Flush(); err != nil {
			e.logger().WithError(err).Warn("Flushing the stream errored")
			e.teardown(conn.ErrPeerDisconnected)
		}
	}
}

func (e *Engine) writeFrame(frame msg.Frame) {
	s := msg.NewSerializer(frame.EncodedLen())
	frame.Encode(s)

	body := s.Bytes()
	if len(body) > maxFrameLen {
		return
	}

	var lengthBuf [2]byte
	binary.BigEndian.PutUint16(lengthBuf[:], uint16(len(body)))

	if _, err := e.out.Write(lengthBuf[:]); err != nil {
		return
	}
	if _, err := e.out.Write(body); err != nil {
		return
	}

	e.base.Recorder().CountPacketOut()
}

func (e *Engine) teardown(reason error) {
	if e.closed {
		return
	}
	e.closed = true

	if dropped := e.sched.Drain(); dropped > 0 && reason != nil {
		e.logger().WithFields(log.Fields{
			"reason":  reason,
			"dropped": dropped,
		}).Warn("Connection closed with unsent reliable messages")
	}

	e.inbound.Flush(e.base.PushEvent)
	e.base.TransitionState(conn.StateClosed, reason)
	_ = e.socket.Close()
}

func (e *Engine) releaseMessage(m *msg.Message) {
	if !m.ID.IsControl() {
		e.base.MessageSerialized()
	}
	e.base.ReleaseMessage(m)
}

func (e *Engine) reportExpired(m *msg.Message) {
	e.base.PushExpired(m.ID)
}

func (e *Engine) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"connection": e.base.UUID().String()[:8],
		"remote":     e.socket.RemoteAddr(),
	})
}
