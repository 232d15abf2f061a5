// msgnet-harness is the reference test program: a server that checks the
// ordering of received counters, and a client that floods it with reliable
// in-order messages through the loss simulator.
//
//	msgnet-harness [-config file.toml] server {tcp|udp} <port>
//	msgnet-harness [-config file.toml] client {tcp|udp} <host> <port>
package main

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/msgnet/msgnet-go/conn"
	"github.com/msgnet/msgnet-go/diag"
	"github.com/msgnet/msgnet-go/discover"
	"github.com/msgnet/msgnet-go/msg"
	"github.com/msgnet/msgnet-go/network"
)

func printUsage() {
	fmt.Println("Usage:")
	fmt.Printf("       %s [-config file.toml] server tcp|udp port\n", os.Args[0])
	fmt.Printf("       %s [-config file.toml] client tcp|udp hostname port\n", os.Args[0])
}

// harness carries the shared state of both roles.
type harness struct {
	conf tomlConfig

	// lastMessageNumber is the most recently sent counter on the client,
	// the most recently received one on the server.
	lastMessageNumber uint32
	outOfOrder        int

	// active is the client's connection, the target of simulator
	// hot-reloads.
	active conn.Connection
}

// HandleMessage checks that the counters of the test message arrive in
// strictly increasing order.
func (h *harness) HandleMessage(source conn.Connection, packetID uint16, messageID msg.ID, payload []byte) {
	if messageID != msg.ID(h.conf.Client.MessageID) {
		return
	}

	number, err := msg.NewDeserializer(payload).ReadU32()
	if err != nil {
		log.WithError(err).Warn("Test message carried no counter")
		return
	}

	if number <= h.lastMessageNumber {
		h.outOfOrder++
		log.WithFields(log.Fields{
			"got":      number,
			"previous": h.lastMessageNumber,
		}).Error("Message received out of order")
	} else if number%10000 == 0 {
		log.WithFields(log.Fields{
			"previous": h.lastMessageNumber,
			"now":      number,
		}).Info("Progress")
	}

	h.lastMessageNumber = number
}

// ComputeContentID implements the inbound coalescing hook. It returns zero
// for every message, so no inbound message coalesces.
func (h *harness) ComputeContentID(messageID msg.ID, payload []byte) uint32 {
	return 0
}

// NewConnectionEstablished registers the harness as the handler of every
// accepted connection.
func (h *harness) NewConnectionEstablished(connection conn.Connection) {
	log.WithField("connection", connection).Info("New connection established")
	connection.RegisterInboundHandler(h)
}

// sendMessage queues the next counter as a reliable in-order message.
func (h *harness) sendMessage(connection conn.Connection) {
	m, err := connection.StartNewMessage(msg.ID(h.conf.Client.MessageID), 4)
	if err != nil {
		return
	}

	m.Priority = h.conf.Client.Priority
	m.Reliable = true
	m.InOrder = true
	m.ContentID = 1

	h.lastMessageNumber++
	s := msg.NewSerializer(4)
	s.WriteU32(h.lastMessageNumber)
	m.Payload = append(m.Payload[:0], s.Bytes()...)

	if err := connection.EndAndQueueMessage(m); err != nil {
		h.lastMessageNumber--
	}
}

func (h *harness) runServer(transport network.Transport, port string) int {
	host := network.New(h.conf.settings())

	server, err := host.StartServer(transport, ":"+port, h)
	if err != nil {
		log.WithError(err).Error("Unable to start server")
		return 2
	}

	if h.conf.Core.DiagAddress != "" {
		if d, err := diag.New(h.conf.Core.DiagAddress, host); err == nil {
			defer d.Close()
		} else {
			log.WithError(err).Warn("Starting diagnostics errored")
		}
	}

	if h.conf.Discovery.Announce && transport == network.UDP {
		stopBeacon := make(chan struct{})
		defer close(stopBeacon)

		var portNumber int
		fmt.Sscanf(port, "%d", &portNumber)
		discover.Announce(transport, portNumber, stopBeacon)
	}

	log.WithField("port", port).Info("Server waiting for connections")
	server.RunModalServer()
	return 0
}

func (h *harness) runClient(transport network.Transport, hostname, port string) int {
	address := hostname + ":" + port

	// "discover" as the hostname finds a server on the local network.
	if hostname == "discover" {
		ads, err := discover.Locate(5 * time.Second)
		if err != nil || len(ads) == 0 {
			log.WithError(err).Error("No server discovered on the local network")
			return 2
		}
		address = ads[0].Address
		log.WithField("address", address).Info("Discovered server")
	}

	host := network.New(h.conf.settings())
	defer host.Shutdown()

	connection, err := host.Connect(transport, address, h)
	if err != nil {
		log.WithError(err).Error("Unable to connect")
		return 2
	}

	log.Info("Waiting for connection..")
	for connection.State() == conn.StatePending {
		time.Sleep(100 * time.Millisecond)
	}

	if connection.State() != conn.StateOK {
		log.WithField("reason", connection.CloseReason()).Error("Failed to connect to server")
		return 2
	}

	log.WithField("connection", connection).Info("Connected")

	h.active = connection
	h.conf.Simulator.apply(connection)

	for i := 0; i < h.conf.Client.Messages; i++ {
		connection.Process()
		if connection.State() == conn.StateClosed {
			log.WithField("reason", connection.CloseReason()).Error("Connection lost")
			return 2
		}

		if connection.NumOutboundMessagesPending() < h.conf.Client.MaxPending {
			h.sendMessage(connection)
		} else {
			i--
		}

		time.Sleep(time.Millisecond)
	}

	connection.Disconnect()
	for connection.State() != conn.StateClosed {
		connection.Process()
		time.Sleep(10 * time.Millisecond)
	}

	log.WithField("sent", h.lastMessageNumber).Info("Client done")
	return 0
}

func main() {
	args := os.Args[1:]

	configFile := ""
	if len(args) >= 2 && args[0] == "-config" {
		configFile = args[1]
		args = args[2:]
	}

	conf, err := parseConfig(configFile)
	if err != nil {
		log.WithError(err).Error("Failed to parse config")
		os.Exit(1)
	}

	h := &harness{conf: conf}

	if configFile != "" {
		stop, watchErr := watchConfig(configFile, func(sc simulatorConf) {
			h.conf.Simulator = sc
			if h.active != nil {
				sc.apply(h.active)
			}
		})
		if watchErr != nil {
			log.WithError(watchErr).Warn("Watching the configuration errored")
		} else {
			defer stop()
		}
	}

	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "server":
		if len(args) != 3 {
			printUsage()
			os.Exit(1)
		}
		transport, err := network.ParseTransport(args[1])
		if err != nil {
			fmt.Println("The second parameter is either 'tcp' or 'udp'!")
			os.Exit(1)
		}
		os.Exit(h.runServer(transport, args[2]))

	case "client":
		if len(args) != 4 {
			printUsage()
			os.Exit(1)
		}
		transport, err := network.ParseTransport(args[1])
		if err != nil {
			fmt.Println("The second parameter is either 'tcp' or 'udp'!")
			os.Exit(1)
		}
		os.Exit(h.runClient(transport, args[2], args[3]))

	default:
		printUsage()
		os.Exit(0)
	}
}
