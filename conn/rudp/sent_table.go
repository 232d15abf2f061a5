package rudp

import (
	"time"

	"github.com/msgnet/msgnet-go/msg"
)

// frameRecord is one reliable frame inside a sent datagram, together with how
// often its message was retransmitted so far.
type frameRecord struct {
	frame   msg.Frame
	retries int
}

// sentEntry is one reliable datagram awaiting acknowledgement.
type sentEntry struct {
	seq    uint16
	frames []frameRecord

	sentAt  time.Time
	timeout time.Duration

	// retransmission holds for datagrams carrying re-queued frames; their
	// acks are excluded from RTT sampling.
	retransmission bool
}

// sentTable is the per-connection mapping from outgoing datagram sequence to
// the reliable frames it carried. Owned by the network worker.
type sentTable struct {
	entries map[uint16]*sentEntry
}

func newSentTable() sentTable {
	return sentTable{entries: make(map[uint16]*sentEntry)}
}

// Add records a freshly sent reliable datagram.
func (t *sentTable) Add(entry *sentEntry) {
	t.entries[entry.seq] = entry
}

// AckCovered removes every entry covered by ack and hands it to acked.
func (t *sentTable) AckCovered(ack msg.AckSection, acked func(*sentEntry)) {
	for seq, entry := range t.entries {
		if ack.Covers(seq) {
			delete(t.entries, seq)
			acked(entry)
		}
	}
}

// TimedOut removes every entry whose retransmission timeout has elapsed and
// hands it to expired.
func (t *sentTable) TimedOut(now time.Time, expired func(*sentEntry)) {
	for seq, entry := range t.entries {
		if now.Sub(entry.sentAt) >= entry.timeout {
			delete(t.entries, seq)
			expired(entry)
		}
	}
}

// Len returns the number of datagrams in flight.
func (t *sentTable) Len() int {
	return len(t.entries)
}

// Clear drops every entry.
func (t *sentTable) Clear() {
	t.entries = make(map[uint16]*sentEntry)
}
