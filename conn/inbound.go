package conn

import (
	"time"

	"github.com/msgnet/msgnet-go/msg"
)

// EventKind discriminates the notifications flowing from the worker to the
// application.
type EventKind int

const (
	// EventMessage delivers an application message.
	EventMessage EventKind = iota

	// EventStateChange reports a connection state transition.
	EventStateChange

	// EventMessageExpired reports a message dropped before it was sent:
	// a reliable message dropped by the stale-message policy, or a message
	// refused by the engine, e.g. for exceeding the size limit. Reason
	// tells which.
	EventMessageExpired
)

// Event is one element of the worker-to-application ring.
type Event struct {
	Kind EventKind

	// For EventMessage and EventMessageExpired.
	PacketID  uint16
	MessageID msg.ID
	Payload   []byte

	// For EventStateChange.
	State  State
	Reason error

	// contentID groups staged events for inbound coalescing.
	contentID uint32
}

// dupWindowSize is the number of recently delivered reliable message numbers
// remembered for duplicate suppression.
const dupWindowSize = 1024

// dupWindow records the last dupWindowSize delivered reliable message
// numbers as a sliding bitset.
type dupWindow struct {
	highest uint32
	bits    [dupWindowSize / 64]uint64
}

func (w *dupWindow) bit(n uint32) (word, mask uint64) {
	idx := n % dupWindowSize
	return uint64(idx / 64), 1 << (idx % 64)
}

// checkAndMark returns true exactly once per reliable message number; any
// repetition within the window, and anything older than the window, is
// reported as a duplicate.
func (w *dupWindow) checkAndMark(n uint32) (fresh bool) {
	diff := int32(n - w.highest)

	switch {
	case diff > 0:
		// Clear the slots between the old and the new highest.
		if diff >= dupWindowSize {
			for i := range w.bits {
				w.bits[i] = 0
			}
		} else {
			for k := w.highest + 1; k != n; k++ {
				word, mask := w.bit(k)
				w.bits[word] &^= mask
			}
		}

		word, mask := w.bit(n)
		w.bits[word] |= mask
		w.highest = n
		return true

	case diff <= -dupWindowSize:
		return false

	default:
		word, mask := w.bit(n)
		if w.bits[word]&mask != 0 {
			return false
		}
		w.bits[word] |= mask
		return true
	}
}

// chainState is the receiver side of one in-order chain: the next expected
// ordering index and the waiting room for frames that arrived early.
type chainState struct {
	nextExpected uint64
	waiting      map[uint64]Event
	lastActivity time.Time
}

// Inbound is the per-connection receive pipeline: duplicate suppression by
// reliable message number, per-chain in-order delivery, and a dispatch stage
// feeding the application ring. Owned by the network worker.
type Inbound struct {
	dups   dupWindow
	chains map[uint32]*chainState

	// staged are dispatchable events awaiting the next Flush.
	staged []Event

	// computer optionally derives content IDs for inbound coalescing.
	computer ContentIDComputer
}

// NewInbound creates an empty pipeline.
func NewInbound() *Inbound {
	return &Inbound{
		chains: make(map[uint32]*chainState),
	}
}

// SetContentIDComputer enables inbound coalescing through the given hook.
func (in *Inbound) SetContentIDComputer(computer ContentIDComputer) {
	in.computer = computer
}

// MarkReliable runs just the duplicate suppression for the given reliable
// message number. Used by the engines for fragment frames, which are
// deduplicated individually before reassembly.
func (in *Inbound) MarkReliable(n uint32) (fresh bool) {
	return in.dups.checkAndMark(n)
}

// Accept runs one decoded frame through the pipeline. Control frames must be
// filtered out by the engine beforehand. Returns false if the frame was
// suppressed as a duplicate.
func (in *Inbound) Accept(frame msg.Frame, packetSeq uint16, now time.Time) bool {
	if frame.IsReliable() && !in.dups.checkAndMark(frame.ReliableNumber) {
		return false
	}

	event := Event{
		Kind:      EventMessage,
		PacketID:  packetSeq,
		MessageID: frame.ID,
		Payload:   frame.Payload,
	}

	if frame.ChainID == 0 {
		in.stage(event)
		return true
	}

	chain, ok := in.chains[frame.ChainID]
	if !ok {
		chain = &chainState{nextExpected: 1, waiting: make(map[uint64]Event)}
		in.chains[frame.ChainID] = chain
	}
	chain.lastActivity = now

	switch {
	case frame.OrderIndex < chain.nextExpected:
		// Already delivered on this chain.
		return false

	case frame.OrderIndex == chain.nextExpected:
		in.stage(event)
		chain.nextExpected++

		// Drain the waiting room while the run is contiguous.
		for {
			waiting, ok := chain.waiting[chain.nextExpected]
			if !ok {
				break
			}
			delete(chain.waiting, chain.nextExpected)
			in.stage(waiting)
			chain.nextExpected++
		}

	default:
		chain.waiting[frame.OrderIndex] = event
	}

	return true
}

// stage appends an event to the dispatch queue, coalescing it against a
// staged event with the same non-zero content ID.
func (in *Inbound) stage(event Event) {
	if in.computer != nil {
		event.contentID = in.computer.ComputeContentID(event.MessageID, event.Payload)

		if event.contentID != 0 {
			for i := range in.staged {
				if in.staged[i].contentID == event.contentID {
					in.staged[i] = event
					return
				}
			}
		}
	}

	in.staged = append(in.staged, event)
}

// Flush hands the staged events to push, stopping early if push reports a
// full ring. Returns the number of flushed events.
func (in *Inbound) Flush(push func(Event) bool) int {
	flushed := 0
	for _, event := range in.staged {
		if !push(event) {
			break
		}
		flushed++
	}

	in.staged = in.staged[:copy(in.staged, in.staged[flushed:])]
	return flushed
}

// StagedLen returns the number of events awaiting Flush.
func (in *Inbound) StagedLen() int {
	return len(in.staged)
}

// ReapIdleChains drops the receiver state of chains without traffic for the
// given grace period, parked frames included. The sender reclaims its chain
// counters after the same grace, so a chain coming back later restarts at
// index one on both sides.
func (in *Inbound) ReapIdleChains(now time.Time, grace time.Duration) {
	for id, chain := range in.chains {
		if now.Sub(chain.lastActivity) > grace {
			delete(in.chains, id)
		}
	}
}
