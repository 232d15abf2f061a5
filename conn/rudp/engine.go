package rudp

import (
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/msgnet/msgnet-go/conn"
	"github.com/msgnet/msgnet-go/msg"
)

// PacketWriter sends one datagram towards the peer. Implementations wrap a
// connected UDP socket or a shared server socket plus a remote address.
type PacketWriter interface {
	WritePacket(data []byte) error
}

// protocolVersion travels in the ConnectAck frame.
const protocolVersion = 1

// controlPriority puts engine control frames ahead of all application
// traffic.
const controlPriority = math.MaxUint32

// fragmentOverhead is a conservative bound on a fragment frame's header.
const fragmentOverhead = 48

// Engine is the reliable datagram protocol state machine of one connection.
// Every method except RequestDisconnect must be called from the network
// worker that owns the engine.
type Engine struct {
	base     *conn.Base
	settings conn.Settings
	sched    *conn.Scheduler
	inbound  *conn.Inbound
	writer   PacketWriter

	isServer bool

	nextSeq uint16
	recv    recvWindow

	ackPending    bool
	oldestUnacked time.Time

	sent   sentTable
	rtt    rttEstimator
	cwnd   congestion
	pacing pacer

	peerWindow int

	nextTransferID uint16
	reassembly     reassemblyTable

	localChallenge    uint32
	peerChallenge     uint32
	connectAckQueued  bool
	handshakeDeadline time.Time

	disconnectRequested atomic.Bool
	disconnectStarted   bool
	disconnectFrameSent bool
	disconnectDeadline  time.Time
	peerDisconnected    bool
	peerAckedDisconnect bool

	lastPingSent    time.Time
	lastRecv        time.Time
	lastSend        time.Time
	pingNonce       uint64
	unansweredPings int

	lastFlowAdvert time.Time
	lastReap       time.Time

	malformedTimes []time.Time

	rng    *rand.Rand
	closed bool
}

// NewEngine wires an engine to the shared connection core and a packet sink.
func NewEngine(base *conn.Base, writer PacketWriter, isServer bool, seed int64) *Engine {
	e := &Engine{
		base:       base,
		settings:   base.Settings(),
		inbound:    conn.NewInbound(),
		writer:     writer,
		isServer:   isServer,
		sent:       newSentTable(),
		cwnd:       newCongestion(),
		reassembly: newReassemblyTable(),
		rng:        rand.New(rand.NewSource(seed)),
	}
	e.sched = conn.NewScheduler(e.releaseMessage, e.reportExpired)
	e.localChallenge = e.rng.Uint32()

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

// StartClient begins the handshake: a reliable Connect frame carrying the
// local challenge.
func (e *Engine) StartClient(now time.Time) {
	s := msg.NewSerializer(4)
	s.WriteU32(e.localChallenge)
	e.queueControl(msg.IDConnect, s.Bytes(), true)
	e.handshakeDeadline = now.Add(e.settings.HandshakeTimeout)
}

// StartServer begins the passive side; the deadline bounds the wait for the
// handshake to complete.
func (e *Engine) StartServer(now time.Time) {
	e.handshakeDeadline = now.Add(e.settings.HandshakeTimeout)
}

// HandleDatagram feeds one received datagram into the engine.
func (e *Engine) HandleDatagram(data []byte, now time.Time) {
	if e.closed {
		return
	}

	packet, err := msg.DecodePacket(data)
	if err != nil {
		e.countMalformed(now)
		return
	}

	e.base.Recorder().CountPacketIn()
	e.lastRecv = now

	// Acknowledgements are idempotent; process them even off duplicates.
	if packet.Ack != nil {
		e.processAck(*packet.Ack, now)
	}

	if !e.recv.Mark(packet.Seq) {
		return
	}

	if packet.HasReliable {
		if !e.ackPending {
			e.ackPending = true
			e.oldestUnacked = now
		}
	}

	for _, frame := range packet.Frames {
		e.handleFrame(frame, packet.Seq, now)
	}
}

func (e *Engine) handleFrame(frame msg.Frame, packetSeq uint16, now time.Time) {
	// Control and fragment frames bypass the inbound pipeline, so their
	// duplicate suppression happens here.
	if frame.IsReliable() && (frame.ID.IsControl() || frame.IsFragment()) {
		if !e.inbound.MarkReliable(frame.ReliableNumber) {
			return
		}
	}

	switch {
	case frame.ID.IsControl():
		e.handleControl(frame, now)

	case frame.IsFragment():
		whole, done := e.reassembly.Add(frame, now, e.settings.FragmentTimeout)
		if done {
			e.base.Recorder().CountMessageIn()
			e.confirmHandshake()
			e.inbound.Accept(whole, packetSeq, now)
		}

	default:
		e.confirmHandshake()
		if e.inbound.Accept(frame, packetSeq, now) {
			e.base.Recorder().CountMessageIn()
		}
	}
}

// confirmHandshake completes the server side of the handshake: any traffic
// past the client's Connect proves the peer saw our ConnectAck.
func (e *Engine) confirmHandshake() {
	if e.isServer && e.base.State() == conn.StatePending {
		e.base.TransitionState(conn.StateOK, nil)
	}
}

func (e *Engine) handleControl(frame msg.Frame, now time.Time) {
	d := msg.NewDeserializer(frame.Payload)

	switch frame.ID {
	case msg.IDConnect:
		challenge, err := d.ReadU32()
		if err != nil {
			e.countMalformed(now)
			return
		}
		e.peerChallenge = challenge

		if e.isServer && !e.connectAckQueued {
			e.connectAckQueued = true

			s := msg.NewSerializer(12)
			s.WriteU32(challenge)
			s.WriteU32(e.localChallenge)
			s.WriteVarInt(protocolVersion)
			e.queueControl(msg.IDConnectAck, s.Bytes(), true)
		}

	case msg.IDConnectAck:
		echo, err := d.ReadU32()
		if err != nil {
			e.countMalformed(now)
			return
		}
		if echo != e.localChallenge {
			e.teardown(conn.ErrConnectionRefused, now)
			return
		}

		if challenge, err := d.ReadU32(); err == nil {
			e.peerChallenge = challenge
		}

		if e.base.State() == conn.StatePending {
			e.base.TransitionState(conn.StateOK, nil)
		}

	case msg.IDDisconnect:
		e.peerDisconnected = true
		e.queueControl(msg.IDDisconnectAck, nil, false)

		if !e.disconnectStarted {
			e.disconnectStarted = true
			e.disconnectDeadline = now.Add(e.settings.DisconnectGrace)
			e.base.TransitionState(conn.StateDisconnecting, nil)
		}

	case msg.IDDisconnectAck:
		e.peerAckedDisconnect = true

	case msg.IDPing:
		if nonce, err := d.ReadVarInt(); err == nil {
			e.queueControl(msg.IDPong, msg.AppendVarInt(nil, nonce), false)
		}

	case msg.IDPong:
		if nonce, err := d.ReadVarInt(); err == nil && nonce == e.pingNonce {
			e.unansweredPings = 0
			if !e.lastPingSent.IsZero() {
				e.rtt.Sample(now.Sub(e.lastPingSent))
				e.base.Recorder().SetRTT(e.rtt.SRTT(), e.rtt.RTTVar())
			}
		}

	case msg.IDFlowControl:
		if window, err := d.ReadVarInt(); err == nil {
			e.peerWindow = int(window)
			e.base.Recorder().SetPeerWindow(e.peerWindow)
		}
	}
}

func (e *Engine) processAck(ack msg.AckSection, now time.Time) {
	acked := 0

	e.sent.AckCovered(ack, func(entry *sentEntry) {
		acked++
		e.cwnd.OnAck()

		if !entry.retransmission {
			e.rtt.Sample(now.Sub(entry.sentAt))
			e.base.Recorder().SetRTT(e.rtt.SRTT(), e.rtt.RTTVar())
		}
	})

	if acked > 0 {
		e.confirmHandshake()
		e.base.Recorder().SetInFlight(e.sent.Len())
		e.base.Recorder().SetCwnd(e.cwnd.cwnd)
	}
}

// Tick runs one maintenance round: drain the application ring, retransmit,
// send, emit acknowledgements and probes, progress shutdown.
func (e *Engine) Tick(now time.Time) {
	if e.closed {
		return
	}

	for _, data := range e.base.Simulator().Due(now) {
		e.write(data, now)
	}

	// Pick up a handler-provided content ID hook for inbound coalescing.
	if computer, ok := e.base.Handler().(conn.ContentIDComputer); ok {
		e.inbound.SetContentIDComputer(computer)
	}

	e.progressDisconnectRequest(now)
	e.drainApplication(now)
	e.retransmitTimedOut(now)
	if e.closed {
		return
	}

	if e.base.State() == conn.StatePending && !e.handshakeDeadline.IsZero() && now.After(e.handshakeDeadline) {
		e.teardown(conn.ErrHandshakeTimeout, now)
		return
	}

	e.sendPending(now)
	e.maybeAckOnly(now)
	e.maybePing(now)
	e.maybeAdvertiseWindow(now)
	e.reap(now)
	e.progressDisconnectCompletion(now)

	e.inbound.Flush(e.base.PushEvent)
}

func (e *Engine) progressDisconnectRequest(now time.Time) {
	if !e.disconnectRequested.Load() || e.disconnectStarted || e.closed {
		return
	}

	// No new messages from here on; the already queued ones drain first,
	// the Disconnect frame follows them.
	e.disconnectStarted = true
	e.disconnectDeadline = now.Add(e.settings.DisconnectGrace)
	e.base.TransitionState(conn.StateDisconnecting, nil)
}

func (e *Engine) progressDisconnectCompletion(now time.Time) {
	if !e.disconnectStarted || e.closed {
		return
	}

	drained := e.sent.Len() == 0 && e.sched.Len() == 0

	// The local side announces the shutdown only once everything it ever
	// accepted is acknowledged, so the peer never sees a Disconnect ahead
	// of data that is still in flight.
	if drained && !e.disconnectFrameSent && !e.peerDisconnected {
		e.disconnectFrameSent = true
		e.queueControl(msg.IDDisconnect, nil, true)
		return
	}

	var reason error
	if e.peerDisconnected {
		reason = conn.ErrPeerDisconnected
	}

	announced := e.disconnectFrameSent || e.peerDisconnected
	if e.peerAckedDisconnect || (drained && announced) || now.After(e.disconnectDeadline) {
		e.teardown(reason, now)
	}
}

func (e *Engine) drainApplication(now time.Time) {
	e.base.DrainOutbound(func(m *msg.Message) {
		if e.closed {
			e.releaseMessage(m)
			return
		}

		if len(m.Payload) > e.settings.MaxMessageSize {
			e.base.PushDropped(m.ID, conn.ErrMessageTooLarge)
			e.releaseMessage(m)
			return
		}

		e.sched.Queue(m)
	})
}

func (e *Engine) retransmitTimedOut(now time.Time) {
	var exhausted bool

	e.sent.TimedOut(now, func(entry *sentEntry) {
		e.cwnd.OnLoss()
		e.base.Recorder().CountResend()

		for _, record := range entry.frames {
			if record.retries+1 > e.settings.MaxRetries {
				exhausted = true
				return
			}
			e.sched.RequeueFrame(record.frame, record.retries+1)
		}
	})

	if exhausted {
		e.teardown(conn.ErrPeerUnreachable, now)
		return
	}

	e.base.Recorder().SetInFlight(e.sent.Len())
	e.base.Recorder().SetCwnd(e.cwnd.cwnd)
}

// effectiveWindow caps the reliable datagrams in flight by the congestion
// window and the peer's advertised headroom.
func (e *Engine) effectiveWindow() int {
	window := e.cwnd.Window()
	if e.peerWindow > 0 && e.peerWindow < window {
		window = e.peerWindow
	}
	if window < 1 {
		window = 1
	}
	return window
}

// sendPending builds and transmits datagrams while the scheduler has data
// and the window and pacing allow.
func (e *Engine) sendPending(now time.Time) {
	for e.sched.Len() > 0 {
		if !e.pacing.Allow(now, &e.cwnd, e.rtt.SRTT()) {
			return
		}
		if !e.buildAndSendDatagram(now) {
			return
		}
	}
}

// buildAndSendDatagram assembles one datagram from the scheduler. Returns
// false once there is nothing (more) to send.
func (e *Engine) buildAndSendDatagram(now time.Time) bool {
	budget := e.settings.MaxDatagramPayload - msg.PacketHeaderLen - msg.AckSectionLen

	var frames []msg.Frame
	var records []frameRecord
	retransmission := false

	windowOpen := e.sent.Len() < e.effectiveWindow()

	for {
		top, ok := e.sched.Peek(now)
		if !ok {
			break
		}

		if top.IsFrame {
			if !windowOpen {
				break
			}
			if top.Frame.EncodedLen() > budget {
				if len(frames) == 0 {
					// A frame that fit once always fits an empty datagram.
					e.logger().WithField("frame", top.Frame.String()).
						Error("Re-queued frame exceeds an empty datagram, dropping")
					e.sched.PopFrame()
					continue
				}
				break
			}

			frame, retries := e.sched.PopFrame()
			frames = append(frames, frame)
			records = append(records, frameRecord{frame: frame, retries: retries})
			budget -= frame.EncodedLen()
			if retries > 0 {
				retransmission = true
			}
			continue
		}

		if top.Message.Reliable && !windowOpen {
			break
		}

		frame, fits := e.frameForMessage(top.Message, budget, now)
		if !fits {
			break
		}
		if frame == nil {
			// Consumed without producing a frame here: dropped or
			// fragmented into re-queued frames.
			continue
		}

		frames = append(frames, *frame)
		if frame.IsReliable() {
			records = append(records, frameRecord{frame: *frame})
		}
		budget -= frame.EncodedLen()
	}

	if len(frames) == 0 {
		return false
	}

	e.sendDatagram(frames, records, retransmission, now)
	return true
}

// estimateFrameLen bounds the encoded size of m's frame before any stamps
// are committed: the reliable number, chain index and the zero fragment
// marker are taken at their worst case.
func estimateFrameLen(m *msg.Message) int {
	n := msg.VarIntLen(uint64(m.ID)) + 5 + 1
	if m.InOrder {
		n += msg.VarIntLen(uint64(m.ContentID+1)) + 10
	} else {
		n++
	}
	return n + msg.VarIntLen(uint64(len(m.Payload))) + len(m.Payload)
}

// frameForMessage converts the scheduler's top message into a frame. fits is
// false if the datagram has no room and the message should wait; a nil frame
// with fits true means the message was consumed another way, as fragments or
// not at all.
func (e *Engine) frameForMessage(m *msg.Message, budget int, now time.Time) (*msg.Frame, bool) {
	needed := estimateFrameLen(m)
	emptyBudget := e.settings.MaxDatagramPayload - msg.PacketHeaderLen - msg.AckSectionLen

	if needed > emptyBudget {
		// Too large for any datagram: split into reliable fragments.
		e.sched.PopMessage()

		frame := msg.Frame{ID: m.ID, Payload: m.Payload}
		if m.InOrder {
			frame.ChainID = m.ContentID + 1
			frame.OrderIndex = e.sched.StampChain(frame.ChainID, now)
		}

		chunk := emptyBudget - fragmentOverhead
		fragments := splitIntoFragments(frame, e.nextTransferID, chunk, e.sched.NextReliableNumber)
		e.nextTransferID++

		for _, fragment := range fragments {
			e.sched.RequeueFrame(fragment, 0)
		}

		// The payload now lives in the fragment frames; detach it before
		// the slot returns to the pool.
		e.detachAndRelease(m)
		return nil, true
	}

	if needed > budget {
		return nil, false
	}

	e.sched.PopMessage()

	frame := msg.Frame{ID: m.ID, Payload: m.Payload}
	if m.InOrder {
		frame.ChainID = m.ContentID + 1
		frame.OrderIndex = e.sched.StampChain(frame.ChainID, now)
	}
	if m.Reliable {
		frame.ReliableNumber = e.sched.NextReliableNumber()
	}

	// Detach the payload: the frame may outlive the pooled slot in the
	// sent table.
	e.detachAndRelease(m)

	return &frame, true
}

// detachAndRelease returns the slot to the pool while leaving the payload
// bytes to whatever frame references them.
func (e *Engine) detachAndRelease(m *msg.Message) {
	m.Payload = nil
	e.releaseMessage(m)
}

func (e *Engine) sendDatagram(frames []msg.Frame, records []frameRecord, retransmission bool, now time.Time) {
	packet := msg.Packet{
		Seq:         e.nextSeq,
		HasReliable: len(records) > 0,
		Frames:      frames,
	}

	if ack, ok := e.recv.Ack(); ok {
		packet.Ack = &ack
		e.ackPending = false
	}

	s := msg.NewSerializer(e.settings.MaxDatagramPayload)
	packet.Encode(s)

	if len(records) > 0 {
		e.sent.Add(&sentEntry{
			seq:            e.nextSeq,
			frames:         records,
			sentAt:         now,
			timeout:        e.rtt.RTO(e.settings.MinRTO, e.settings.MaxRTO),
			retransmission: retransmission,
		})
		e.base.Recorder().SetInFlight(e.sent.Len())
	}

	e.nextSeq = msg.SeqNext(e.nextSeq)

	for range frames {
		e.base.Recorder().CountMessageOut()
	}

	e.transmit(s.Bytes(), now)
}

// transmit pushes raw datagram bytes through the simulator to the socket.
func (e *Engine) transmit(data []byte, now time.Time) {
	if !e.base.Simulator().Offer(data, now) {
		return
	}
	e.write(data, now)
}

// write puts raw datagram bytes on the socket, bypassing the simulator.
func (e *Engine) write(data []byte, now time.Time) {
	if err := e.writer.WritePacket(data); err != nil {
		e.logger().WithError(err).Debug("Sending datagram errored")
		return
	}

	e.base.Recorder().CountPacketOut()
	e.lastSend = now
}

// maybeAckOnly emits a dedicated acknowledgement datagram once received
// reliable data has waited longer than the ack delay.
func (e *Engine) maybeAckOnly(now time.Time) {
	if !e.ackPending || now.Sub(e.oldestUnacked) < e.settings.AckDelay {
		return
	}

	ack, ok := e.recv.Ack()
	if !ok {
		return
	}

	packet := msg.Packet{Seq: e.nextSeq, Ack: &ack}
	e.nextSeq = msg.SeqNext(e.nextSeq)
	e.ackPending = false

	s := msg.NewSerializer(msg.PacketHeaderLen + msg.AckSectionLen)
	packet.Encode(s)
	e.transmit(s.Bytes(), now)
}

// maybePing probes an idle connection and tears it down when the peer stays
// silent past the probe budget.
func (e *Engine) maybePing(now time.Time) {
	if e.settings.PingInterval <= 0 || e.base.State() != conn.StateOK {
		return
	}

	// Idle means the peer went silent; our own sends do not reset the
	// probe, otherwise chatty one-way traffic would mask a dead peer.
	if e.lastRecv.IsZero() || now.Sub(e.lastRecv) < e.settings.PingInterval {
		return
	}
	if !e.lastPingSent.IsZero() && now.Sub(e.lastPingSent) < e.settings.PingInterval {
		return
	}

	if e.unansweredPings >= e.settings.PingsBeforeTimeout {
		e.teardown(conn.ErrPeerUnreachable, now)
		return
	}

	e.pingNonce = e.rng.Uint64()
	e.lastPingSent = now
	e.unansweredPings++
	e.queueControl(msg.IDPing, msg.AppendVarInt(nil, e.pingNonce), false)
}

// maybeAdvertiseWindow sends a FlowControl frame with the inbound ring's
// headroom, once per second.
func (e *Engine) maybeAdvertiseWindow(now time.Time) {
	if e.base.State() != conn.StateOK || now.Sub(e.lastFlowAdvert) < time.Second {
		return
	}

	e.lastFlowAdvert = now
	headroom := uint64(e.base.InboundHeadroom())
	e.queueControl(msg.IDFlowControl, msg.AppendVarInt(nil, headroom), false)
}

func (e *Engine) reap(now time.Time) {
	if now.Sub(e.lastReap) < time.Second {
		return
	}
	e.lastReap = now

	e.sched.ReapIdleChains(now, e.settings.ChainIdleGrace)
	e.inbound.ReapIdleChains(now, e.settings.ChainIdleGrace)

	if dropped := e.reassembly.ReapExpired(now); dropped > 0 {
		e.logger().WithField("transfers", dropped).Warn("Discarded incomplete fragment transfers")
	}

	// Prune the malformed-packet accounting window.
	cutoff := now.Add(-e.settings.MalformedWindow)
	keep := e.malformedTimes[:0]
	for _, when := range e.malformedTimes {
		if when.After(cutoff) {
			keep = append(keep, when)
		}
	}
	e.malformedTimes = keep
}

func (e *Engine) countMalformed(now time.Time) {
	e.base.Recorder().CountMalformed()
	e.malformedTimes = append(e.malformedTimes, now)

	cutoff := now.Add(-e.settings.MalformedWindow)
	count := 0
	for _, when := range e.malformedTimes {
		if when.After(cutoff) {
			count++
		}
	}

	if float64(count) > e.settings.MalformedRate*e.settings.MalformedWindow.Seconds() {
		e.teardown(conn.ErrMalformedPacket, now)
	}
}

// teardown moves the connection to Closed with the given reason and drops
// all engine state.
func (e *Engine) teardown(reason error, now time.Time) {
	if e.closed {
		return
	}
	e.closed = true

	dropped := e.sched.Drain() + e.sent.Len()
	e.sent.Clear()

	if dropped > 0 && reason != nil {
		e.logger().WithFields(log.Fields{
			"reason":  reason,
			"dropped": dropped,
		}).Warn("Connection closed with undelivered reliable messages")
	}

	e.inbound.Flush(e.base.PushEvent)
	e.base.TransitionState(conn.StateClosed, reason)
}

func (e *Engine) queueControl(id msg.ID, payload []byte, reliable bool) {
	m := e.base.NewPooledMessage(id)
	m.Payload = append(m.Payload[:0], payload...)
	m.Priority = controlPriority
	m.Reliable = reliable
	m.CreationTime = time.Now()
	e.sched.Queue(m)
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
		"remote":     e.base.RemoteAddr(),
	})
}
