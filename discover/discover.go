// Package discover announces servers on the local network and finds them
// again, through UDP multicast beacons.
package discover

import (
	"fmt"
	"net"
	"time"

	"github.com/schollz/peerdiscovery"
	log "github.com/sirupsen/logrus"

	"github.com/msgnet/msgnet-go/msg"
	"github.com/msgnet/msgnet-go/network"
)

const (
	// beaconMagic opens every announcement payload.
	beaconMagic = "msgnet"

	// beaconVersion allows incompatible announcement changes later.
	beaconVersion = 1

	// BeaconPort is the multicast port used for announcements.
	BeaconPort = 35917

	// beaconDelay is the pause between two announcements.
	beaconDelay = 2 * time.Second
)

// Advertisement describes one discovered server.
type Advertisement struct {
	Transport network.Transport
	Address   string
}

func (a Advertisement) String() string {
	return fmt.Sprintf("Advertisement(%v://%s)", a.Transport, a.Address)
}

// encodeBeacon packs a server's transport and port into a beacon payload.
func encodeBeacon(transport network.Transport, port int) []byte {
	s := msg.NewSerializer(16)
	s.WriteString(beaconMagic)
	s.WriteVarInt(beaconVersion)
	s.WriteU8(uint8(transport))
	s.WriteU16(uint16(port))
	return s.Bytes()
}

// decodeBeacon unpacks a beacon payload; ok is false for foreign traffic.
func decodeBeacon(payload []byte) (transport network.Transport, port int, ok bool) {
	d := msg.NewDeserializer(payload)

	magic, err := d.ReadString()
	if err != nil || magic != beaconMagic {
		return
	}
	if version, err := d.ReadVarInt(); err != nil || version != beaconVersion {
		return
	}

	rawTransport, err := d.ReadU8()
	if err != nil {
		return
	}
	rawPort, err := d.ReadU16()
	if err != nil {
		return
	}

	return network.Transport(rawTransport), int(rawPort), true
}

// Announce beacons the given server until stop is closed.
func Announce(transport network.Transport, port int, stop chan struct{}) {
	settings := peerdiscovery.Settings{
		Limit:     -1,
		Port:      fmt.Sprintf("%d", BeaconPort),
		Payload:   encodeBeacon(transport, port),
		Delay:     beaconDelay,
		TimeLimit: -1,
		StopChan:  stop,
		AllowSelf: true,
	}

	log.WithFields(log.Fields{
		"transport": transport,
		"port":      port,
	}).Info("Announcing server on the local network")

	go func() {
		if _, err := peerdiscovery.Discover(settings); err != nil {
			log.WithError(err).Warn("Server announcement errored")
		}
	}()
}

// Locate listens for server beacons until the time limit and returns every
// distinct advertisement heard.
func Locate(timeLimit time.Duration) ([]Advertisement, error) {
	discovered, err := peerdiscovery.Discover(peerdiscovery.Settings{
		Limit:     -1,
		Port:      fmt.Sprintf("%d", BeaconPort),
		Payload:   []byte{},
		Delay:     beaconDelay,
		TimeLimit: timeLimit,
		AllowSelf: true,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ads []Advertisement

	for _, peer := range discovered {
		transport, port, ok := decodeBeacon(peer.Payload)
		if !ok {
			continue
		}

		ad := Advertisement{
			Transport: transport,
			Address:   net.JoinHostPort(peer.Address, fmt.Sprintf("%d", port)),
		}

		if !seen[ad.Address] {
			seen[ad.Address] = true
			ads = append(ads, ad)
		}
	}

	return ads, nil
}
