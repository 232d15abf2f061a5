package conn

import (
	"sync/atomic"
	"time"
)

// Stats is a snapshot of a connection's counters and estimates.
type Stats struct {
	// RTT is the smoothed round-trip estimate, RTTVar its smoothed mean
	// deviation.
	RTT    time.Duration
	RTTVar time.Duration

	// Cwnd is the congestion window in datagrams, InFlight the number of
	// reliable datagrams currently awaiting acknowledgement.
	Cwnd     float64
	InFlight int

	// PeerWindow is the last inbound-headroom advertisement received from
	// the peer, in messages. Zero means no advertisement yet.
	PeerWindow int

	PacketsIn   uint64
	PacketsOut  uint64
	MessagesIn  uint64
	MessagesOut uint64

	// Resends counts retransmitted datagrams, Malformed dropped unparseable
	// packets.
	Resends   uint64
	Malformed uint64

	// LossRate is the fraction of sent datagrams believed lost, derived
	// from resends over sent.
	LossRate float64
}

// StatsRecorder is the engine-side accumulator behind Stats. The worker
// updates it, the application reads consistent snapshots. Every field is
// atomic, so a snapshot is cheap and never blocks the worker.
type StatsRecorder struct {
	rttNanos    atomic.Int64
	rttVarNanos atomic.Int64
	cwndMilli   atomic.Int64
	inFlight    atomic.Int64
	peerWindow  atomic.Int64

	packetsIn   atomic.Uint64
	packetsOut  atomic.Uint64
	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
	resends     atomic.Uint64
	malformed   atomic.Uint64
}

func (r *StatsRecorder) SetRTT(rtt, rttVar time.Duration) {
	r.rttNanos.Store(int64(rtt))
	r.rttVarNanos.Store(int64(rttVar))
}

func (r *StatsRecorder) SetCwnd(cwnd float64) {
	r.cwndMilli.Store(int64(cwnd * 1000))
}

func (r *StatsRecorder) SetInFlight(n int)   { r.inFlight.Store(int64(n)) }
func (r *StatsRecorder) SetPeerWindow(n int) { r.peerWindow.Store(int64(n)) }

func (r *StatsRecorder) CountPacketIn()   { r.packetsIn.Add(1) }
func (r *StatsRecorder) CountPacketOut()  { r.packetsOut.Add(1) }
func (r *StatsRecorder) CountMessageIn()  { r.messagesIn.Add(1) }
func (r *StatsRecorder) CountMessageOut() { r.messagesOut.Add(1) }
func (r *StatsRecorder) CountResend()     { r.resends.Add(1) }
func (r *StatsRecorder) CountMalformed()  { r.malformed.Add(1) }

// Snapshot assembles a Stats value from the current counters.
func (r *StatsRecorder) Snapshot() Stats {
	s := Stats{
		RTT:        time.Duration(r.rttNanos.Load()),
		RTTVar:     time.Duration(r.rttVarNanos.Load()),
		Cwnd:       float64(r.cwndMilli.Load()) / 1000,
		InFlight:   int(r.inFlight.Load()),
		PeerWindow: int(r.peerWindow.Load()),

		PacketsIn:   r.packetsIn.Load(),
		PacketsOut:  r.packetsOut.Load(),
		MessagesIn:  r.messagesIn.Load(),
		MessagesOut: r.messagesOut.Load(),
		Resends:     r.resends.Load(),
		Malformed:   r.malformed.Load(),
	}

	if s.PacketsOut > 0 {
		s.LossRate = float64(s.Resends) / float64(s.PacketsOut)
	}

	return s
}
