package conn

import (
	"net"
	"testing"

	"github.com/msgnet/msgnet-go/msg"
)

func newTestBase(policy QueuePolicy) *Base {
	settings := DefaultSettings()
	settings.OutboundRingSize = 8
	settings.InboundRingSize = 8
	settings.QueuePolicy = policy

	b := NewBase(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, settings, 1)
	b.Bind(nil, nil, nil)
	return b
}

func TestBaseQueueAndDrain(t *testing.T) {
	b := newTestBase(QueueDrop)

	m, err := b.StartNewMessage(191, 16)
	if err != nil {
		t.Fatal(err)
	}
	m.Payload = append(m.Payload, 1, 2, 3)
	m.Reliable = true

	if err := b.EndAndQueueMessage(m); err != nil {
		t.Fatal(err)
	}
	if b.NumOutboundMessagesPending() != 1 {
		t.Errorf("pending = %d", b.NumOutboundMessagesPending())
	}

	var drained []*msg.Message
	b.DrainOutbound(func(m *msg.Message) { drained = append(drained, m) })

	if len(drained) != 1 || drained[0] != m {
		t.Fatalf("drained %v", drained)
	}

	// The worker reports the message done once serialized.
	b.MessageSerialized()
	if b.NumOutboundMessagesPending() != 0 {
		t.Errorf("pending = %d after serialization", b.NumOutboundMessagesPending())
	}
}

func TestBaseQueueFullDropPolicy(t *testing.T) {
	b := newTestBase(QueueDrop)

	queued := 0
	for i := 0; i < 20; i++ {
		m, err := b.StartNewMessage(191, 0)
		if err != nil {
			t.Fatal(err)
		}
		if err := b.EndAndQueueMessage(m); err == nil {
			queued++
		} else if err != ErrOutboundQueueFull {
			t.Fatalf("unexpected error %v", err)
		}
	}

	// Ring of 8 slots holds 7 messages.
	if queued != 7 {
		t.Errorf("queued %d messages into a 7-slot ring", queued)
	}
}

func TestBaseQueueGrowPolicy(t *testing.T) {
	b := newTestBase(QueueGrow)

	for i := 0; i < 100; i++ {
		m, err := b.StartNewMessage(191, 0)
		if err != nil {
			t.Fatal(err)
		}
		if err := b.EndAndQueueMessage(m); err != nil {
			t.Fatalf("grow policy rejected message %d: %v", i, err)
		}
	}

	if b.NumOutboundMessagesPending() != 100 {
		t.Errorf("pending = %d", b.NumOutboundMessagesPending())
	}
}

func TestBaseClosedRejectsMessages(t *testing.T) {
	b := newTestBase(QueueDrop)
	b.TransitionState(StateClosed, ErrPeerUnreachable)

	if _, err := b.StartNewMessage(191, 0); err != ErrConnectionClosed {
		t.Errorf("StartNewMessage on a closed connection returned %v", err)
	}
	if b.CloseReason() != ErrPeerUnreachable {
		t.Errorf("CloseReason() = %v", b.CloseReason())
	}
}

type recordingHandler struct {
	messages [][]byte
}

func (h *recordingHandler) HandleMessage(source Connection, packetID uint16, messageID msg.ID, payload []byte) {
	h.messages = append(h.messages, append([]byte(nil), payload...))
}

func TestBaseProcessDispatches(t *testing.T) {
	b := newTestBase(QueueDrop)
	handler := &recordingHandler{}
	b.RegisterInboundHandler(handler)

	b.PushEvent(Event{Kind: EventMessage, MessageID: 191, Payload: []byte("hello")})
	b.PushEvent(Event{Kind: EventStateChange, State: StateOK})
	b.PushEvent(Event{Kind: EventMessage, MessageID: 191, Payload: []byte("world")})

	b.Process()

	if len(handler.messages) != 2 {
		t.Fatalf("handler saw %d messages", len(handler.messages))
	}
	if string(handler.messages[0]) != "hello" || string(handler.messages[1]) != "world" {
		t.Errorf("handler saw %q", handler.messages)
	}
}

func TestBaseStateTransitionIdempotent(t *testing.T) {
	b := newTestBase(QueueDrop)

	b.TransitionState(StateOK, nil)
	b.TransitionState(StateOK, nil)

	events := 0
	for {
		if _, ok := b.inRing.TakeFront(); !ok {
			break
		}
		events++
	}

	if events != 1 {
		t.Errorf("%d state-change events for one transition", events)
	}
}
