// Package network contains the process-wide Host: it owns the network
// worker, the sockets and the registry of message connections, and it
// accepts incoming connections for the server side.
package network

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/msgnet/msgnet-go/conn"
	"github.com/msgnet/msgnet-go/conn/rudp"
	"github.com/msgnet/msgnet-go/conn/stream"
)

// workerTick bounds the worker's poll timeout.
const workerTick = 5 * time.Millisecond

// engineRunner is the worker-facing surface shared by the protocol engines.
type engineRunner interface {
	Tick(now time.Time)
	Closed() bool
}

// workerEntry couples a connection with its engine and its cleanup.
type workerEntry struct {
	connection conn.Connection
	engine     engineRunner
	cleanup    func()
}

// Host owns the network worker goroutine and every socket and connection of
// the process. Create one with New, hand out connections with Connect and
// StartServer, and end it with Shutdown.
type Host struct {
	settings conn.Settings

	// registry guards the endpoint bookkeeping; it is locked on connect,
	// accept and close only, never on the data plane.
	registryMu  sync.RWMutex
	connections map[uuid.UUID]conn.Connection

	// intake serializes all work onto the worker goroutine.
	intake   chan func(now time.Time)
	wakeChan chan struct{}

	stopSyn  chan struct{}
	stopAck  chan struct{}
	stopOnce sync.Once

	// entries is the worker-owned connection view.
	entries map[uuid.UUID]*workerEntry

	seedMu sync.Mutex
	seeds  *rand.Rand
}

// New creates a Host and starts its worker.
func New(settings conn.Settings) *Host {
	h := &Host{
		settings:    settings,
		connections: make(map[uuid.UUID]conn.Connection),
		intake:      make(chan func(now time.Time), 1024),
		wakeChan:    make(chan struct{}, 1),
		stopSyn:     make(chan struct{}),
		stopAck:     make(chan struct{}),
		entries:     make(map[uuid.UUID]*workerEntry),
		seeds:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	go h.worker()

	return h
}

// seed hands out seeds for per-connection randomness.
func (h *Host) seed() int64 {
	h.seedMu.Lock()
	defer h.seedMu.Unlock()
	return h.seeds.Int63()
}

// wake nudges the worker out of its poll.
func (h *Host) wake() {
	select {
	case h.wakeChan <- struct{}{}:
	default:
	}
}

// post hands fn to the worker. Returns false after shutdown.
func (h *Host) post(fn func(now time.Time)) bool {
	select {
	case h.intake <- fn:
		return true
	case <-h.stopSyn:
		return false
	}
}

// worker is the single goroutine multiplexing every connection: it drains
// the intake, ticks the engines and reaps closed connections. It never
// holds the registry lock across a poll.
func (h *Host) worker() {
	ticker := time.NewTicker(workerTick)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopSyn:
			for _, entry := range h.entries {
				entry.cleanup()
			}
			h.entries = nil
			close(h.stopAck)
			return

		case fn := <-h.intake:
			fn(time.Now())

			// Drain whatever else queued up before the tick pass.
			draining := true
			for draining {
				select {
				case fn := <-h.intake:
					fn(time.Now())
				default:
					draining = false
				}
			}

		case <-h.wakeChan:

		case <-ticker.C:
		}

		now := time.Now()
		for id, entry := range h.entries {
			entry.engine.Tick(now)

			if entry.engine.Closed() {
				entry.cleanup()
				delete(h.entries, id)

				h.registryMu.Lock()
				delete(h.connections, id)
				h.registryMu.Unlock()
			}
		}
	}
}

// register publishes a connection in the registry and hands its engine to
// the worker.
func (h *Host) register(c conn.Connection, engine engineRunner, cleanup func()) {
	h.registryMu.Lock()
	h.connections[c.UUID()] = c
	h.registryMu.Unlock()

	h.post(func(time.Time) {
		h.entries[c.UUID()] = &workerEntry{
			connection: c,
			engine:     engine,
			cleanup:    cleanup,
		}
	})
}

// Connections snapshots the registry, e.g. for diagnostics.
func (h *Host) Connections() []conn.Connection {
	h.registryMu.RLock()
	defer h.registryMu.RUnlock()

	connections := make([]conn.Connection, 0, len(h.connections))
	for _, c := range h.connections {
		connections = append(connections, c)
	}
	return connections
}

// Connection looks one connection up by its UUID.
func (h *Host) Connection(id uuid.UUID) (conn.Connection, bool) {
	h.registryMu.RLock()
	defer h.registryMu.RUnlock()

	c, ok := h.connections[id]
	return c, ok
}

// Connect dials a remote endpoint and returns the pending connection. The
// handshake completes asynchronously; poll Connection.State for the
// transition away from StatePending.
func (h *Host) Connect(transport Transport, address string, handler conn.MessageHandler) (conn.Connection, error) {
	switch transport {
	case UDP:
		return h.connectUDP(address, handler)
	case TCP:
		return h.connectTCP(address, handler)
	default:
		return nil, errors.Errorf("cannot connect over transport %v", transport)
	}
}

func (h *Host) connectUDP(address string, handler conn.MessageHandler) (conn.Connection, error) {
	remote, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrap(err, "resolving remote address")
	}

	socket, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, errors.Wrap(err, "dialing")
	}

	mc := rudp.NewMessageConnection(remote, connectedWriter{socket}, h.settings, false, h.seed(), h.wake)
	mc.RegisterInboundHandler(handler)
	engine := mc.Engine()

	h.register(mc, engine, func() { _ = socket.Close() })
	h.post(func(now time.Time) { engine.StartClient(now) })

	go h.clientReadLoop(socket, engine)

	log.WithFields(log.Fields{
		"remote":     remote,
		"connection": mc.UUID().String()[:8],
	}).Info("Dialed UDP peer")

	return mc, nil
}

// clientReadLoop pulls datagrams off a connected client socket and hands
// them to the worker.
func (h *Host) clientReadLoop(socket *net.UDPConn, engine *rudp.Engine) {
	for {
		buf := make([]byte, 64<<10)
		n, err := socket.Read(buf)
		if err != nil {
			return
		}

		data := buf[:n]
		if !h.post(func(now time.Time) { engine.HandleDatagram(data, now) }) {
			return
		}
	}
}

func (h *Host) connectTCP(address string, handler conn.MessageHandler) (conn.Connection, error) {
	socket, err := net.DialTimeout("tcp", address, time.Second)
	if err != nil {
		return nil, errors.Wrap(err, "dialing")
	}

	mc := stream.NewMessageConnection(socket, h.settings, h.seed(), h.wake)
	mc.RegisterInboundHandler(handler)
	engine := mc.Engine()

	h.register(mc, engine, func() { _ = socket.Close() })
	h.startStreamReader(socket, engine)

	log.WithFields(log.Fields{
		"remote":     socket.RemoteAddr(),
		"connection": mc.UUID().String()[:8],
	}).Info("Dialed TCP peer")

	return mc, nil
}

// startStreamReader runs the stream read loop, delivering into the worker.
func (h *Host) startStreamReader(socket net.Conn, engine *stream.Engine) {
	go stream.ReadLoop(socket,
		func(frame []byte) {
			h.post(func(now time.Time) { engine.HandleFrame(frame, now) })
		},
		func(err error) {
			h.post(func(now time.Time) { engine.HandleEOF(err, now) })
		})
}

// Shutdown disconnects every connection, waits for the drains to finish or
// time out, and stops the worker. Server listeners are not closed here;
// Server.Close does that.
func (h *Host) Shutdown() error {
	var errs error

	h.registryMu.Lock()
	connections := make([]conn.Connection, 0, len(h.connections))
	for _, c := range h.connections {
		connections = append(connections, c)
	}
	h.registryMu.Unlock()

	for _, c := range connections {
		c.Disconnect()
	}

	deadline := time.Now().Add(h.settings.DisconnectGrace + time.Second)
	for time.Now().Before(deadline) {
		open := false
		for _, c := range connections {
			if c.State() != conn.StateClosed {
				open = true
				break
			}
		}
		if !open {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, c := range connections {
		if c.State() != conn.StateClosed {
			errs = multierror.Append(errs, errors.Errorf("connection %v did not drain", c))
		}
	}

	h.stopOnce.Do(func() { close(h.stopSyn) })
	<-h.stopAck

	return errs
}

// connectedWriter sends datagrams over a connected client socket.
type connectedWriter struct {
	socket *net.UDPConn
}

func (w connectedWriter) WritePacket(data []byte) error {
	_, err := w.socket.Write(data)
	return err
}

// addressedWriter sends datagrams over a shared server socket.
type addressedWriter struct {
	socket *net.UDPConn
	remote *net.UDPAddr
}

func (w addressedWriter) WritePacket(data []byte) error {
	_, err := w.socket.WriteToUDP(data, w.remote)
	return err
}
