package discover

import (
	"testing"

	"github.com/msgnet/msgnet-go/network"
)

func TestBeaconRoundtrip(t *testing.T) {
	tests := []struct {
		transport network.Transport
		port      int
	}{
		{network.UDP, 2345},
		{network.TCP, 80},
		{network.UDP, 65535},
	}

	for _, test := range tests {
		payload := encodeBeacon(test.transport, test.port)

		transport, port, ok := decodeBeacon(payload)
		if !ok {
			t.Fatalf("decodeBeacon rejected its own encoding for %v:%d", test.transport, test.port)
		}
		if transport != test.transport || port != test.port {
			t.Errorf("decodeBeacon = (%v, %d), expected (%v, %d)",
				transport, port, test.transport, test.port)
		}
	}
}

func TestBeaconRejectsForeignTraffic(t *testing.T) {
	tests := [][]byte{
		nil,
		{},
		[]byte("not a beacon"),
		encodeBeacon(network.UDP, 1)[:3],
	}

	for _, payload := range tests {
		if _, _, ok := decodeBeacon(payload); ok {
			t.Errorf("decodeBeacon accepted %q", payload)
		}
	}
}
