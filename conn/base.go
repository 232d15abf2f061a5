package conn

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/msgnet/msgnet-go/msg"
	"github.com/msgnet/msgnet-go/ringbuf"
)

// Base carries the application-facing half of a message connection: the two
// rings between the application and the network worker, the message pool,
// state and statistics. The protocol engines embed it and add the
// worker-facing half.
//
// The application goroutine and the worker goroutine never share mutable
// state directly; everything crosses through the rings or atomics.
type Base struct {
	id       uuid.UUID
	remote   net.Addr
	settings Settings

	stats StatsRecorder
	sim   *Simulator

	state       atomic.Int32
	closeReason atomic.Value // error

	handler atomic.Value // MessageHandler

	// outRing carries messages from the application to the worker. outMu is
	// only taken under the QueueGrow and QueueBlock policies, where the
	// producer may resize or wait.
	outRing *ringbuf.Ring[*msg.Message]
	outMu   sync.Mutex

	// inRing carries events from the worker to the application.
	inRing *ringbuf.Ring[Event]

	pool sync.Pool

	// pendingOut counts messages accepted but not yet serialized onto the
	// wire (or dropped).
	pendingOut atomic.Int64

	// self is the outer Connection handed to handlers; disconnect and wake
	// are narrow callbacks into the engine and the host.
	self       Connection
	disconnect func()
	wake       func()
}

// NewBase creates the shared connection core for the given remote endpoint.
func NewBase(remote net.Addr, settings Settings, simSeed int64) *Base {
	b := &Base{
		id:       uuid.New(),
		remote:   remote,
		settings: settings,
		sim:      NewSimulator(simSeed),
		outRing:  ringbuf.New[*msg.Message](settings.OutboundRingSize),
		inRing:   ringbuf.New[Event](settings.InboundRingSize),
	}
	b.pool.New = func() any { return new(msg.Message) }

	return b
}

// Bind attaches the outer Connection and the engine callbacks. Must be
// called before the connection is handed to the application.
func (b *Base) Bind(self Connection, disconnect, wake func()) {
	b.self = self
	b.disconnect = disconnect
	b.wake = wake
}

func (b *Base) UUID() uuid.UUID          { return b.id }
func (b *Base) RemoteAddr() net.Addr     { return b.remote }
func (b *Base) Settings() Settings       { return b.settings }
func (b *Base) Simulator() *Simulator    { return b.sim }
func (b *Base) Stats() Stats             { return b.stats.Snapshot() }
func (b *Base) Recorder() *StatsRecorder { return &b.stats }

// State returns the connection's current lifecycle state.
func (b *Base) State() State {
	return State(b.state.Load())
}

// CloseReason returns the error attached to the close, if any.
func (b *Base) CloseReason() error {
	if err, ok := b.closeReason.Load().(error); ok {
		return err
	}
	return nil
}

// RegisterInboundHandler sets the handler invoked by Process.
func (b *Base) RegisterInboundHandler(handler MessageHandler) {
	b.handler.Store(&handler)
}

// Handler returns the registered handler, or nil.
func (b *Base) Handler() MessageHandler {
	if h, ok := b.handler.Load().(*MessageHandler); ok {
		return *h
	}
	return nil
}

// StartNewMessage returns a writable message slot from the pool.
func (b *Base) StartNewMessage(id msg.ID, sizeHint int) (*msg.Message, error) {
	if state := b.State(); state == StateClosed || state == StateDisconnecting {
		return nil, ErrConnectionClosed
	}

	m := b.pool.Get().(*msg.Message)
	m.Reset()
	m.ID = id
	if cap(m.Payload) < sizeHint {
		m.Payload = make([]byte, 0, sizeHint)
	}

	return m, nil
}

// NewPooledMessage returns a slot without the lifecycle check. Used by the
// engines for control traffic, which must flow even while disconnecting.
func (b *Base) NewPooledMessage(id msg.ID) *msg.Message {
	m := b.pool.Get().(*msg.Message)
	m.Reset()
	m.ID = id
	return m
}

// ReleaseMessage returns a slot to the pool.
func (b *Base) ReleaseMessage(m *msg.Message) {
	b.pool.Put(m)
}

// EndAndQueueMessage hands a message to the worker. On error the slot is
// reclaimed; the caller must not touch the message afterwards either way.
func (b *Base) EndAndQueueMessage(m *msg.Message) error {
	if state := b.State(); state == StateClosed || state == StateDisconnecting {
		b.ReleaseMessage(m)
		return ErrConnectionClosed
	}

	m.CreationTime = time.Now()

	switch b.settings.QueuePolicy {
	case QueueGrow:
		b.outMu.Lock()
		b.outRing.InsertWithResize(m)
		b.outMu.Unlock()

	case QueueBlock:
		for {
			b.outMu.Lock()
			ok := b.outRing.Insert(m)
			b.outMu.Unlock()
			if ok {
				break
			}
			if b.State() == StateClosed {
				b.ReleaseMessage(m)
				return ErrConnectionClosed
			}
			time.Sleep(time.Millisecond)
		}

	default:
		if !b.outRing.Insert(m) {
			b.ReleaseMessage(m)
			return ErrOutboundQueueFull
		}
	}

	b.pendingOut.Add(1)
	if b.wake != nil {
		b.wake()
	}

	return nil
}

// NumOutboundMessagesPending counts messages accepted but not yet serialized.
func (b *Base) NumOutboundMessagesPending() int {
	return int(b.pendingOut.Load())
}

// Disconnect initiates a graceful shutdown. Idempotent.
func (b *Base) Disconnect() {
	if b.disconnect != nil {
		b.disconnect()
	}
}

// Process drains the inbound ring on the caller's goroutine, invoking the
// registered handler for delivered messages.
func (b *Base) Process() {
	handler := b.Handler()

	for {
		event, ok := b.inRing.TakeFront()
		if !ok {
			return
		}

		switch event.Kind {
		case EventMessage:
			if handler != nil {
				handler.HandleMessage(b.self, event.PacketID, event.MessageID, event.Payload)
			}

		case EventStateChange:
			b.logger().WithFields(log.Fields{
				"state":  event.State,
				"reason": event.Reason,
			}).Debug("Connection state changed")

		case EventMessageExpired:
			b.logger().WithFields(log.Fields{
				"message": event.MessageID,
				"reason":  event.Reason,
			}).Debug("Message dropped before it was sent")
		}
	}
}

// The worker-facing half below is called only from the network worker.

// DrainOutbound pops every queued application message into sink.
func (b *Base) DrainOutbound(sink func(*msg.Message)) {
	locked := b.settings.QueuePolicy != QueueDrop
	if locked {
		b.outMu.Lock()
		defer b.outMu.Unlock()
	}

	for {
		m, ok := b.outRing.TakeFront()
		if !ok {
			return
		}
		sink(m)
	}
}

// MessageSerialized marks one pending message as done, either sent or
// dropped.
func (b *Base) MessageSerialized() {
	b.pendingOut.Add(-1)
}

// PushEvent inserts an event into the application ring. Returns false if the
// ring is full; the caller keeps the event staged.
func (b *Base) PushEvent(event Event) bool {
	return b.inRing.Insert(event)
}

// InboundHeadroom returns the free slots of the application ring, used for
// the flow-control advertisement.
func (b *Base) InboundHeadroom() int {
	return b.inRing.CapacityLeft()
}

// TransitionState moves the connection to next and queues a notification.
// The reason is recorded on the transition to StateClosed.
func (b *Base) TransitionState(next State, reason error) {
	prev := State(b.state.Swap(int32(next)))
	if prev == next {
		return
	}

	if next == StateClosed && reason != nil {
		b.closeReason.Store(reason)
	}

	b.logger().WithFields(log.Fields{
		"from":   prev,
		"to":     next,
		"reason": reason,
	}).Info("Connection transitioned")

	// Best effort: a full ring only loses the notification, the state
	// itself is read atomically.
	b.PushEvent(Event{Kind: EventStateChange, State: next, Reason: reason})
}

// PushExpired queues a stale-message notification.
func (b *Base) PushExpired(id msg.ID) {
	b.PushEvent(Event{Kind: EventMessageExpired, MessageID: id, Reason: ErrMessageExpired})
}

// PushDropped queues a notification for a message the engine refused, e.g.
// one exceeding the size limit.
func (b *Base) PushDropped(id msg.ID, reason error) {
	b.PushEvent(Event{Kind: EventMessageExpired, MessageID: id, Reason: reason})
}

func (b *Base) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"connection": b.id.String()[:8],
		"remote":     fmt.Sprint(b.remote),
	})
}

func (b *Base) String() string {
	return fmt.Sprintf("%v (%v)", b.remote, b.State())
}
