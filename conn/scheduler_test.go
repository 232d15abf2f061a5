package conn

import (
	"testing"
	"time"

	"github.com/msgnet/msgnet-go/msg"
)

func newTestScheduler() (*Scheduler, *[]*msg.Message, *[]*msg.Message) {
	var released, expired []*msg.Message

	s := NewScheduler(
		func(m *msg.Message) { released = append(released, m) },
		func(m *msg.Message) { expired = append(expired, m) },
	)
	return s, &released, &expired
}

func queueMessage(s *Scheduler, id msg.ID, priority uint32, contentID uint32, payload string, at time.Time) *msg.Message {
	m := &msg.Message{
		ID:           id,
		Payload:      []byte(payload),
		Priority:     priority,
		Reliable:     true,
		ContentID:    contentID,
		CreationTime: at,
	}
	s.Queue(m)
	return m
}

func TestSchedulerPriorityOrder(t *testing.T) {
	s, _, _ := newTestScheduler()
	base := time.Now()

	queueMessage(s, 10, 1, 0, "low", base)
	queueMessage(s, 11, 100, 0, "high", base.Add(time.Millisecond))
	queueMessage(s, 12, 100, 0, "high, but later", base.Add(2*time.Millisecond))
	queueMessage(s, 13, 50, 0, "middle", base)

	var got []msg.ID
	for {
		top, ok := s.Peek(base)
		if !ok {
			break
		}
		got = append(got, top.Message.ID)
		s.PopMessage()
	}

	want := []msg.ID{11, 12, 13, 10}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("selection order %v, expected %v", got, want)
		}
	}
}

func TestSchedulerContentIDCoalescing(t *testing.T) {
	s, released, _ := newTestScheduler()
	base := time.Now()

	old := queueMessage(s, 191, 100, 1, "old state", base)
	queueMessage(s, 191, 100, 7, "other chain", base)
	queueMessage(s, 191, 100, 1, "new state", base.Add(time.Millisecond))

	if s.Len() != 2 {
		t.Fatalf("Len() = %d after coalescing, expected 2", s.Len())
	}
	if len(*released) != 1 || (*released)[0] != old {
		t.Fatalf("coalescing released %v, expected the older entry", *released)
	}

	seen := make(map[string]bool)
	for {
		top, ok := s.Peek(base)
		if !ok {
			break
		}
		seen[string(top.Message.Payload)] = true
		s.PopMessage()
	}

	if seen["old state"] || !seen["new state"] || !seen["other chain"] {
		t.Errorf("wrong payloads survived coalescing: %v", seen)
	}
}

func TestSchedulerCoalescingStopsAfterPop(t *testing.T) {
	s, _, _ := newTestScheduler()
	base := time.Now()

	queueMessage(s, 191, 100, 1, "first", base)

	top, _ := s.Peek(base)
	if top.Message == nil {
		t.Fatal("Peek returned no message")
	}
	s.PopMessage()

	// The first message was handed to the engine; the same content ID must
	// now queue a fresh entry instead of coalescing into thin air.
	queueMessage(s, 191, 100, 1, "second", base.Add(time.Millisecond))
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, expected 1", s.Len())
	}
}

func TestSchedulerExpiry(t *testing.T) {
	s, released, expiredList := newTestScheduler()
	base := time.Now()

	m := queueMessage(s, 191, 100, 0, "stale", base)
	m.SendDeadline = base.Add(10 * time.Millisecond)
	queueMessage(s, 192, 1, 0, "fresh", base)

	top, ok := s.Peek(base.Add(time.Second))
	if !ok {
		t.Fatal("Peek found nothing")
	}
	if top.Message.ID != 192 {
		t.Errorf("Peek returned %v, expected the fresh message", top.Message.ID)
	}

	if len(*expiredList) != 1 || (*expiredList)[0] != m {
		t.Errorf("expired callback saw %v", *expiredList)
	}
	if len(*released) != 1 {
		t.Errorf("release callback saw %d messages, expected 1", len(*released))
	}
}

func TestSchedulerRequeueFrameFirst(t *testing.T) {
	s, _, _ := newTestScheduler()
	base := time.Now()

	queueMessage(s, 191, 1000, 0, "important", base)
	s.RequeueFrame(msg.Frame{ID: 50, ReliableNumber: 9}, 3)
	s.RequeueFrame(msg.Frame{ID: 51, ReliableNumber: 10}, 1)

	top, _ := s.Peek(base)
	if !top.IsFrame || top.Frame.ReliableNumber != 9 || top.Retries != 3 {
		t.Fatalf("first entry = %+v, expected requeued frame 9", top)
	}
	s.PopFrame()

	top, _ = s.Peek(base)
	if !top.IsFrame || top.Frame.ReliableNumber != 10 {
		t.Fatalf("second entry = %+v, expected requeued frame 10", top)
	}
	s.PopFrame()

	top, _ = s.Peek(base)
	if top.IsFrame {
		t.Fatal("regular message did not surface after the requeued frames")
	}
}

func TestSchedulerChainStamping(t *testing.T) {
	s, _, _ := newTestScheduler()
	now := time.Now()

	for want := uint64(1); want <= 3; want++ {
		if got := s.StampChain(1, now); got != want {
			t.Errorf("StampChain(1) = %d, expected %d", got, want)
		}
	}
	if got := s.StampChain(2, now); got != 1 {
		t.Errorf("StampChain(2) = %d, chains must be independent", got)
	}

	s.ReapIdleChains(now.Add(time.Hour), 30*time.Second)
	if got := s.StampChain(1, now.Add(time.Hour)); got != 1 {
		t.Errorf("StampChain(1) = %d after reap, expected a restart at 1", got)
	}
}

func TestSchedulerReliableNumbers(t *testing.T) {
	s, _, _ := newTestScheduler()

	if n := s.NextReliableNumber(); n != 1 {
		t.Errorf("first reliable number = %d", n)
	}
	if n := s.NextReliableNumber(); n != 2 {
		t.Errorf("second reliable number = %d", n)
	}
}
