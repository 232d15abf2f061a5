package network

import "fmt"

// Transport selects the socket mode of a connection or server.
type Transport int

const (
	// InvalidTransport is the zero value of a failed parse.
	InvalidTransport Transport = iota

	// TCP carries length-prefixed frames over a stream socket.
	TCP

	// UDP carries packets through the reliable datagram engine.
	UDP
)

// ParseTransport maps "tcp" and "udp" onto their Transport.
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	default:
		return InvalidTransport, fmt.Errorf("unknown transport %q, expected \"tcp\" or \"udp\"", s)
	}
}

func (t Transport) String() string {
	switch t {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "invalid"
	}
}
