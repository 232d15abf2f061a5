// Package msg defines the message data model and the wire serialization
// primitives shared by all transports: variable-length integers, the
// bounds-checked byte reader and writer, message frames and datagram packets.
package msg
