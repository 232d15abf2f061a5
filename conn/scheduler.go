package conn

import (
	"container/heap"
	"time"

	"github.com/msgnet/msgnet-go/msg"
)

// outboundEntry is one element of the scheduler's priority structure: either
// an application message awaiting serialization, or an already stamped frame
// that was re-queued for retransmission.
type outboundEntry struct {
	message *msg.Message

	frame   msg.Frame
	isFrame bool

	// retries counts how often the carried reliable data was retransmitted.
	retries int

	// urgent is non-zero for re-queued frames; they sort before every
	// regular message, among themselves in requeue order.
	urgent uint64

	// order is the insertion counter, the final tie-break.
	order uint64

	index int
}

// outboundHeap orders entries by (urgent, -priority, creation time, order).
type outboundHeap []*outboundEntry

func (h outboundHeap) Len() int { return len(h) }

func (h outboundHeap) Less(i, j int) bool {
	a, b := h[i], h[j]

	if (a.urgent != 0) != (b.urgent != 0) {
		return a.urgent != 0
	}
	if a.urgent != 0 {
		return a.urgent < b.urgent
	}

	if a.message.Priority != b.message.Priority {
		return a.message.Priority > b.message.Priority
	}
	if !a.message.CreationTime.Equal(b.message.CreationTime) {
		return a.message.CreationTime.Before(b.message.CreationTime)
	}
	return a.order < b.order
}

func (h outboundHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *outboundHeap) Push(x any) {
	entry := x.(*outboundEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *outboundHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// Scheduler is the per-connection outbound priority queue. It is owned by
// the network worker; none of its methods are safe for concurrent use.
type Scheduler struct {
	heap      outboundHeap
	byContent map[uint32]*outboundEntry

	// chainNext holds the next ordering index and last use per in-order
	// chain.
	chainNext map[uint32]*chainCounter

	nextReliable uint32
	nextUrgent   uint64
	nextOrder    uint64

	// release returns a message slot to its pool, expired additionally
	// reports a reliable message dropped by the stale-message policy.
	release func(*msg.Message)
	expired func(*msg.Message)
}

// NewScheduler creates a Scheduler. release is called for every message the
// scheduler is done with; expired is called before release for reliable
// messages dropped because their send deadline passed.
func NewScheduler(release, expired func(*msg.Message)) *Scheduler {
	return &Scheduler{
		byContent:    make(map[uint32]*outboundEntry),
		chainNext:    make(map[uint32]*chainCounter),
		nextReliable: 1,
		release:      release,
		expired:      expired,
	}
}

// chainCounter is the sender side of one in-order chain.
type chainCounter struct {
	next     uint64
	lastUsed time.Time
}

// Queue adds an application message. If an unstamped message with the same
// non-zero content ID is still queued, the older entry is replaced in place:
// payload, priority and creation time are refreshed and the old slot is
// released. In-order messages never coalesce; their chain must deliver every
// element.
func (s *Scheduler) Queue(message *msg.Message) {
	coalescable := message.ContentID != 0 && !message.InOrder

	if coalescable {
		if old, ok := s.byContent[message.ContentID]; ok {
			replaced := old.message
			old.message = message
			heap.Fix(&s.heap, old.index)
			s.release(replaced)
			return
		}
	}

	s.nextOrder++
	entry := &outboundEntry{message: message, order: s.nextOrder}
	heap.Push(&s.heap, entry)

	if coalescable {
		s.byContent[message.ContentID] = entry
	}
}

// RequeueFrame puts an already stamped frame back at the head of the queue,
// ahead of all regular messages. Used by the retransmission path.
func (s *Scheduler) RequeueFrame(frame msg.Frame, retries int) {
	s.nextUrgent++
	s.nextOrder++
	heap.Push(&s.heap, &outboundEntry{
		frame:   frame,
		isFrame: true,
		retries: retries,
		urgent:  s.nextUrgent,
		order:   s.nextOrder,
	})
}

// Len returns the number of queued entries.
func (s *Scheduler) Len() int {
	return len(s.heap)
}

// Head describes the scheduler's top entry without removing it.
type Head struct {
	// Message is set for unstamped application messages, Frame plus Retries
	// for re-queued frames.
	Message *msg.Message
	Frame   msg.Frame
	IsFrame bool
	Retries int
}

// Peek returns the top entry, dropping expired messages on the way. The
// second return value is false if the queue is empty.
func (s *Scheduler) Peek(now time.Time) (Head, bool) {
	for len(s.heap) > 0 {
		top := s.heap[0]

		if top.isFrame {
			return Head{Frame: top.frame, IsFrame: true, Retries: top.retries}, true
		}

		m := top.message
		if m.SendDeadline.IsZero() || now.Before(m.SendDeadline) {
			return Head{Message: m}, true
		}

		// Stale-message policy: never send, report if reliable.
		heap.Pop(&s.heap)
		s.forgetContent(top)
		if m.Reliable {
			s.expired(m)
		}
		s.release(m)
	}

	return Head{}, false
}

// PopMessage removes the top entry, which must be the message returned by the
// preceding Peek. The caller takes ownership of the message slot.
func (s *Scheduler) PopMessage() *msg.Message {
	entry := heap.Pop(&s.heap).(*outboundEntry)
	s.forgetContent(entry)
	return entry.message
}

// PopFrame removes the top entry, which must be the frame returned by the
// preceding Peek.
func (s *Scheduler) PopFrame() (msg.Frame, int) {
	entry := heap.Pop(&s.heap).(*outboundEntry)
	return entry.frame, entry.retries
}

// NextReliableNumber hands out the next reliable message number.
func (s *Scheduler) NextReliableNumber() uint32 {
	n := s.nextReliable
	s.nextReliable++
	return n
}

// StampChain hands out the next ordering index for the given chain. The
// first index on every chain is one.
func (s *Scheduler) StampChain(chainID uint32, now time.Time) uint64 {
	counter, ok := s.chainNext[chainID]
	if !ok {
		counter = &chainCounter{}
		s.chainNext[chainID] = counter
	}

	counter.next++
	counter.lastUsed = now
	return counter.next
}

// ReapIdleChains forgets the counters of chains without traffic for the
// given grace period, mirroring the receiver's reclamation.
func (s *Scheduler) ReapIdleChains(now time.Time, grace time.Duration) {
	for id, counter := range s.chainNext {
		if now.Sub(counter.lastUsed) > grace {
			delete(s.chainNext, id)
		}
	}
}

// Drain releases every queued message. Returns the count of dropped reliable
// messages.
func (s *Scheduler) Drain() (droppedReliable int) {
	for _, entry := range s.heap {
		if entry.isFrame {
			droppedReliable++
			continue
		}

		if entry.message.Reliable {
			droppedReliable++
		}
		s.release(entry.message)
	}

	s.heap = nil
	s.byContent = make(map[uint32]*outboundEntry)
	return
}

func (s *Scheduler) forgetContent(entry *outboundEntry) {
	if entry.message != nil && entry.message.ContentID != 0 {
		if s.byContent[entry.message.ContentID] == entry {
			delete(s.byContent, entry.message.ContentID)
		}
	}
}
