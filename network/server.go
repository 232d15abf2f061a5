package network

import (
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/msgnet/msgnet-go/conn"
	"github.com/msgnet/msgnet-go/conn/rudp"
	"github.com/msgnet/msgnet-go/conn/stream"
	"github.com/msgnet/msgnet-go/msg"
)

// Server accepts incoming connections on one listen address. Accepted
// connections surface through the ServerListener callback when the
// application pumps Process or RunModalServer; the network worker never
// calls into application code.
type Server struct {
	host      *Host
	transport Transport
	address   string
	listener  conn.ServerListener

	// pending holds accepted connections until the next pump.
	pending  chan conn.Connection
	accepted []conn.Connection

	stopSyn chan struct{}
	stopAck chan struct{}
	closer  func() error
}

// StartServer opens a listener on the given address and starts accepting.
func (h *Host) StartServer(transport Transport, address string, listener conn.ServerListener) (*Server, error) {
	server := &Server{
		host:      h,
		transport: transport,
		address:   address,
		listener:  listener,
		pending:   make(chan conn.Connection, 64),
		stopSyn:   make(chan struct{}),
		stopAck:   make(chan struct{}),
	}

	var err error
	switch transport {
	case UDP:
		err = server.startUDP()
	case TCP:
		err = server.startTCP()
	default:
		err = errors.Errorf("cannot listen on transport %v", transport)
	}
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"transport": transport,
		"address":   address,
	}).Info("Server listening")

	return server, nil
}

// publish queues an accepted connection for the next pump.
func (s *Server) publish(c conn.Connection) {
	select {
	case s.pending <- c:
	default:
		log.WithField("connection", c).Warn("Accept queue overflow, dropping connection")
		c.Disconnect()
	}
}

// Process pumps the server on the caller's goroutine: it announces freshly
// accepted connections to the listener and processes every live connection.
func (s *Server) Process() {
	for {
		select {
		case c := <-s.pending:
			s.accepted = append(s.accepted, c)
			if s.listener != nil {
				s.listener.NewConnectionEstablished(c)
			}
			continue
		default:
		}
		break
	}

	live := s.accepted[:0]
	for _, c := range s.accepted {
		c.Process()
		if c.State() != conn.StateClosed {
			live = append(live, c)
		}
	}
	s.accepted = live
}

// RunModalServer pumps until Close is called.
func (s *Server) RunModalServer() {
	for {
		select {
		case <-s.stopSyn:
			return
		default:
		}

		s.Process()
		time.Sleep(10 * time.Millisecond)
	}
}

// Connections returns the connections accepted so far and still live.
func (s *Server) Connections() []conn.Connection {
	return s.accepted
}

// Close stops accepting and closes the listen socket. Established TCP
// connections keep their own sockets and live on until disconnected; UDP
// connections share the listen socket, so after Close they can neither send
// nor receive.
func (s *Server) Close() {
	select {
	case <-s.stopSyn:
		return
	default:
	}

	close(s.stopSyn)
	if s.closer != nil {
		_ = s.closer()
	}
	<-s.stopAck
}

// startTCP runs an accept loop with a bounded accept deadline, so the loop
// notices Close within one round.
func (s *Server) startTCP() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", s.address)
	if err != nil {
		return errors.Wrap(err, "resolving listen address")
	}

	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return errors.Wrap(err, "listening")
	}

	s.closer = ln.Close

	go func() {
		defer close(s.stopAck)

		for {
			select {
			case <-s.stopSyn:
				return
			default:
			}

			_ = ln.SetDeadline(time.Now().Add(50 * time.Millisecond))
			socket, err := ln.Accept()
			if err != nil {
				continue
			}

			s.acceptTCP(socket)
		}
	}()

	return nil
}

func (s *Server) acceptTCP(socket net.Conn) {
	h := s.host

	mc := stream.NewMessageConnection(socket, h.settings, h.seed(), h.wake)
	engine := mc.Engine()

	h.register(mc, engine, func() { _ = socket.Close() })
	h.startStreamReader(socket, engine)
	s.publish(mc)

	log.WithField("remote", socket.RemoteAddr()).Info("Accepted TCP connection")
}

// startUDP opens the shared datagram socket. One read loop feeds the
// worker; the endpoint map deciding which engine owns a datagram lives on
// the worker alone.
func (s *Server) startUDP() error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.address)
	if err != nil {
		return errors.Wrap(err, "resolving listen address")
	}

	socket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrap(err, "listening")
	}

	s.closer = socket.Close

	// Worker-owned endpoint association.
	endpoints := make(map[string]*rudp.Engine)

	go func() {
		defer close(s.stopAck)

		for {
			buf := make([]byte, 64<<10)
			n, remote, err := socket.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-s.stopSyn:
				default:
					log.WithError(err).Debug("UDP server read errored")
				}
				return
			}

			data := buf[:n]
			delivered := s.host.post(func(now time.Time) {
				s.dispatchDatagram(socket, endpoints, remote, data, now)
			})
			if !delivered {
				return
			}
		}
	}()

	return nil
}

// dispatchDatagram routes one datagram to its engine, accepting a new
// endpoint when it opens with a well-formed Connect frame. Worker side only.
func (s *Server) dispatchDatagram(socket *net.UDPConn, endpoints map[string]*rudp.Engine, remote *net.UDPAddr, data []byte, now time.Time) {
	key := remote.String()

	if engine, ok := endpoints[key]; ok {
		if engine.Closed() {
			delete(endpoints, key)
		} else {
			engine.HandleDatagram(data, now)
			return
		}
	}

	if !opensConnection(data) {
		log.WithField("remote", remote).Debug("Datagram from unknown endpoint without Connect, dropping")
		return
	}

	h := s.host
	mc := rudp.NewMessageConnection(remote, addressedWriter{socket, remote}, h.settings, true, h.seed(), h.wake)
	engine := mc.Engine()
	engine.StartServer(now)

	endpoints[key] = engine
	h.register(mc, engine, func() { delete(endpoints, key) })

	engine.HandleDatagram(data, now)
	s.publish(mc)

	log.WithField("remote", remote).Info("Accepted UDP connection")
}

// opensConnection checks whether a datagram from an unknown endpoint carries
// a Connect control frame.
func opensConnection(data []byte) bool {
	packet, err := msg.DecodePacket(data)
	if err != nil {
		return false
	}

	for _, frame := range packet.Frames {
		if frame.ID == msg.IDConnect {
			return true
		}
	}
	return false
}
