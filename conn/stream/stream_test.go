package stream

import (
	"net"
	"testing"
	"time"

	"github.com/msgnet/msgnet-go/conn"
	"github.com/msgnet/msgnet-go/msg"
)

type recordingHandler struct {
	payloads [][]byte
}

func (h *recordingHandler) HandleMessage(source conn.Connection, packetID uint16, messageID msg.ID, payload []byte) {
	h.payloads = append(h.payloads, append([]byte(nil), payload...))
}

func TestStreamFrameExchange(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	mc := NewMessageConnection(local, conn.DefaultSettings(), 1, nil)
	if mc.State() != conn.StateOK {
		t.Fatalf("stream connection state = %v, the transport needs no handshake", mc.State())
	}

	frames := make(chan []byte, 16)
	go ReadLoop(remote, func(frame []byte) { frames <- frame }, func(error) { close(frames) })

	m, err := mc.StartNewMessage(191, 4)
	if err != nil {
		t.Fatal(err)
	}
	m.Reliable = true
	m.InOrder = true
	m.ContentID = 1
	s := msg.NewSerializer(4)
	s.WriteU32(23)
	m.Payload = append(m.Payload[:0], s.Bytes()...)

	if err := mc.EndAndQueueMessage(m); err != nil {
		t.Fatal(err)
	}

	// net.Pipe writes block until the peer reads, so the engine must tick
	// off the test goroutine's critical path.
	done := make(chan struct{})
	go func() {
		mc.Engine().Tick(time.Now())
		close(done)
	}()

	select {
	case body := <-frames:
		frame, err := msg.DecodeFrame(msg.NewDeserializer(body))
		if err != nil {
			t.Fatalf("decoding the sent frame errored: %v", err)
		}
		if frame.ID != 191 || !frame.IsReliable() || frame.ChainID == 0 {
			t.Errorf("frame lost its stamps: %v", &frame)
		}
		if number, _ := msg.NewDeserializer(frame.Payload).ReadU32(); number != 23 {
			t.Errorf("frame payload = %d", number)
		}

	case <-time.After(5 * time.Second):
		t.Fatal("no frame arrived on the wire")
	}

	<-done
}

func TestStreamInboundDispatch(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	defer local.Close()

	mc := NewMessageConnection(local, conn.DefaultSettings(), 1, nil)
	handler := &recordingHandler{}
	mc.RegisterInboundHandler(handler)

	// Frames arrive pre-parsed from the read loop.
	frame := msg.Frame{ID: 191, ReliableNumber: 1, Payload: []byte("via tcp")}
	s := msg.NewSerializer(frame.EncodedLen())
	frame.Encode(s)

	now := time.Now()
	mc.Engine().HandleFrame(s.Bytes(), now)
	mc.Engine().Tick(now)
	mc.Process()

	if len(handler.payloads) != 1 || string(handler.payloads[0]) != "via tcp" {
		t.Fatalf("handler saw %q", handler.payloads)
	}

	// A replay of the same reliable frame is suppressed.
	mc.Engine().HandleFrame(s.Bytes(), now)
	mc.Engine().Tick(now)
	mc.Process()

	if len(handler.payloads) != 1 {
		t.Error("replayed reliable frame was delivered twice")
	}
}

func TestStreamOversizedMessageRejected(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	mc := NewMessageConnection(local, conn.DefaultSettings(), 1, nil)

	m, err := mc.StartNewMessage(200, maxFrameLen+1)
	if err != nil {
		t.Fatal(err)
	}
	m.Reliable = true
	m.Payload = append(m.Payload[:0], make([]byte, maxFrameLen+1)...)
	if err := mc.EndAndQueueMessage(m); err != nil {
		t.Fatal(err)
	}

	go func() {
		buf := make([]byte, 1<<16)
		for {
			if _, err := remote.Read(buf); err != nil {
				return
			}
		}
	}()

	mc.Engine().Tick(time.Now())

	if mc.NumOutboundMessagesPending() != 0 {
		t.Error("oversized message still counts as pending")
	}
}
