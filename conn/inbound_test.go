package conn

import (
	"testing"
	"time"

	"github.com/msgnet/msgnet-go/msg"
)

func drainStaged(in *Inbound) (events []Event) {
	in.Flush(func(e Event) bool {
		events = append(events, e)
		return true
	})
	return
}

func TestInboundDuplicateSuppression(t *testing.T) {
	in := NewInbound()
	now := time.Now()

	frame := msg.Frame{ID: 191, ReliableNumber: 42, Payload: []byte("x")}

	if !in.Accept(frame, 1, now) {
		t.Fatal("first delivery was suppressed")
	}
	if in.Accept(frame, 2, now) {
		t.Error("replay within the window was not suppressed")
	}

	// Unreliable frames carry no number and are never deduplicated.
	unreliable := msg.Frame{ID: 191, Payload: []byte("y")}
	if !in.Accept(unreliable, 3, now) || !in.Accept(unreliable, 4, now) {
		t.Error("unreliable frames must pass through")
	}

	if got := len(drainStaged(in)); got != 3 {
		t.Errorf("%d events staged, expected 3", got)
	}
}

func TestInboundDuplicateWindowSlides(t *testing.T) {
	in := NewInbound()
	now := time.Now()

	for n := uint32(1); n <= 2000; n++ {
		if !in.Accept(msg.Frame{ID: 191, ReliableNumber: n}, 0, now) {
			t.Fatalf("number %d suppressed on first delivery", n)
		}
	}

	// Anything older than the window is treated as a duplicate.
	if in.Accept(msg.Frame{ID: 191, ReliableNumber: 1}, 0, now) {
		t.Error("number far below the window was accepted")
	}
	// A replay inside the window is caught by its bit.
	if in.Accept(msg.Frame{ID: 191, ReliableNumber: 1500}, 0, now) {
		t.Error("replay inside the window was accepted")
	}
}

func TestInboundOrdering(t *testing.T) {
	in := NewInbound()
	now := time.Now()

	accept := func(reliable uint32, index uint64) {
		in.Accept(msg.Frame{
			ID: 191, ReliableNumber: reliable,
			ChainID: 1, OrderIndex: index,
			Payload: []byte{byte(index)},
		}, 0, now)
	}

	// Arrival order 2, 4, 1, 3: delivery must be 1, 2, 3, 4.
	accept(2, 2)
	accept(4, 4)

	if got := len(drainStaged(in)); got != 0 {
		t.Fatalf("%d events staged before the chain head arrived", got)
	}

	accept(1, 1)
	if got := drainStaged(in); len(got) != 2 || got[0].Payload[0] != 1 || got[1].Payload[0] != 2 {
		t.Fatalf("after index 1: staged %v", got)
	}

	accept(3, 3)
	if got := drainStaged(in); len(got) != 2 || got[0].Payload[0] != 3 || got[1].Payload[0] != 4 {
		t.Fatalf("after index 3: staged %v", got)
	}
}

func TestInboundChainsIndependent(t *testing.T) {
	in := NewInbound()
	now := time.Now()

	in.Accept(msg.Frame{ID: 191, ReliableNumber: 1, ChainID: 2, OrderIndex: 1}, 0, now)
	in.Accept(msg.Frame{ID: 191, ReliableNumber: 2, ChainID: 1, OrderIndex: 2}, 0, now)
	in.Accept(msg.Frame{ID: 191, ReliableNumber: 3, ChainID: 2, OrderIndex: 2}, 0, now)

	// Chain 2 flows; chain 1 waits for its first index.
	if got := len(drainStaged(in)); got != 2 {
		t.Errorf("%d events staged, expected chain 2's two messages", got)
	}
}

func TestInboundChainReap(t *testing.T) {
	in := NewInbound()
	now := time.Now()

	in.Accept(msg.Frame{ID: 191, ReliableNumber: 1, ChainID: 1, OrderIndex: 1}, 0, now)
	drainStaged(in)

	in.ReapIdleChains(now.Add(time.Minute), 30*time.Second)

	// After both sides reaped, the chain restarts at index 1.
	if !in.Accept(msg.Frame{ID: 191, ReliableNumber: 2, ChainID: 1, OrderIndex: 1}, 0, now.Add(time.Minute)) {
		t.Error("restarted chain did not accept index 1")
	}
	if got := len(drainStaged(in)); got != 1 {
		t.Errorf("%d events staged after restart, expected 1", got)
	}
}

type contentByFirstByte struct{}

func (contentByFirstByte) ComputeContentID(id msg.ID, payload []byte) uint32 {
	if len(payload) > 0 {
		return uint32(payload[0])
	}
	return 0
}

func TestInboundContentCoalescing(t *testing.T) {
	in := NewInbound()
	in.SetContentIDComputer(contentByFirstByte{})
	now := time.Now()

	in.Accept(msg.Frame{ID: 191, Payload: []byte{7, 1}}, 0, now)
	in.Accept(msg.Frame{ID: 191, Payload: []byte{9, 1}}, 0, now)
	in.Accept(msg.Frame{ID: 191, Payload: []byte{7, 2}}, 0, now)

	got := drainStaged(in)
	if len(got) != 2 {
		t.Fatalf("%d events staged, expected 2 after coalescing", len(got))
	}
	if got[0].Payload[0] != 7 || got[0].Payload[1] != 2 {
		t.Errorf("coalesced event holds %v, expected the newest payload", got[0].Payload)
	}
}

func TestInboundFlushBackpressure(t *testing.T) {
	in := NewInbound()
	now := time.Now()

	for i := 0; i < 5; i++ {
		in.Accept(msg.Frame{ID: 191, Payload: []byte{byte(i)}}, 0, now)
	}

	var got []Event
	budget := 2
	in.Flush(func(e Event) bool {
		if budget == 0 {
			return false
		}
		budget--
		got = append(got, e)
		return true
	})

	if len(got) != 2 || in.StagedLen() != 3 {
		t.Fatalf("flushed %d, %d left staged", len(got), in.StagedLen())
	}

	// The remainder flushes later, in order.
	got = append(got, drainStaged(in)...)
	for i, e := range got {
		if e.Payload[0] != byte(i) {
			t.Fatalf("event %d carries payload %d", i, e.Payload[0])
		}
	}
}
