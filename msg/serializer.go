package msg

import (
	"encoding/binary"
	"errors"
)

// ErrMalformedPayload is returned whenever a declared length or a field
// exceeds the remaining buffer during deserialization.
var ErrMalformedPayload = errors.New("malformed payload")

// Serializer writes primitive values into a growing byte buffer. All
// fixed-width integers are little-endian.
type Serializer struct {
	buf []byte
}

// NewSerializer creates a Serializer with the given capacity hint.
func NewSerializer(sizeHint int) *Serializer {
	return &Serializer{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated buffer. The slice is owned by the Serializer
// until the next write.
func (s *Serializer) Bytes() []byte {
	return s.buf
}

// Len returns the number of bytes written so far.
func (s *Serializer) Len() int {
	return len(s.buf)
}

func (s *Serializer) WriteU8(v uint8) {
	s.buf = append(s.buf, v)
}

func (s *Serializer) WriteU16(v uint16) {
	s.buf = binary.LittleEndian.AppendUint16(s.buf, v)
}

func (s *Serializer) WriteU32(v uint32) {
	s.buf = binary.LittleEndian.AppendUint32(s.buf, v)
}

func (s *Serializer) WriteU64(v uint64) {
	s.buf = binary.LittleEndian.AppendUint64(s.buf, v)
}

// WriteVarInt writes v in the continuation-bit encoding.
func (s *Serializer) WriteVarInt(v uint64) {
	s.buf = AppendVarInt(s.buf, v)
}

// WriteBytes writes raw bytes without a length prefix.
func (s *Serializer) WriteBytes(p []byte) {
	s.buf = append(s.buf, p...)
}

// WriteString writes a var-int length prefix followed by the raw bytes of v.
// There is no terminator.
func (s *Serializer) WriteString(v string) {
	s.buf = AppendVarInt(s.buf, uint64(len(v)))
	s.buf = append(s.buf, v...)
}

// Deserializer reads primitive values from a byte buffer. Every read is
// bounds-checked; reads beyond the buffer fail with ErrMalformedPayload.
type Deserializer struct {
	buf []byte
	pos int
}

// NewDeserializer creates a Deserializer over buf. The buffer is not copied.
func NewDeserializer(buf []byte) *Deserializer {
	return &Deserializer{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *Deserializer) Remaining() int {
	return len(d.buf) - d.pos
}

func (d *Deserializer) ReadU8() (uint8, error) {
	if d.Remaining() < 1 {
		return 0, ErrMalformedPayload
	}

	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *Deserializer) ReadU16() (uint16, error) {
	if d.Remaining() < 2 {
		return 0, ErrMalformedPayload
	}

	v := binary.LittleEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *Deserializer) ReadU32() (uint32, error) {
	if d.Remaining() < 4 {
		return 0, ErrMalformedPayload
	}

	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Deserializer) ReadU64() (uint64, error) {
	if d.Remaining() < 8 {
		return 0, ErrMalformedPayload
	}

	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

// ReadVarInt reads a continuation-bit encoded integer.
func (d *Deserializer) ReadVarInt() (uint64, error) {
	v, n, err := ParseVarInt(d.buf[d.pos:])
	if err != nil {
		return 0, err
	}

	d.pos += n
	return v, nil
}

// ReadBytes reads exactly n raw bytes. The returned slice aliases the
// underlying buffer.
func (d *Deserializer) ReadBytes(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, ErrMalformedPayload
	}

	p := d.buf[d.pos : d.pos+n]
	d.pos += n
	return p, nil
}

// ReadString reads a var-int length prefix followed by that many bytes.
func (d *Deserializer) ReadString() (string, error) {
	n, err := d.ReadVarInt()
	if err != nil {
		return "", err
	}

	p, err := d.ReadBytes(int(n))
	if err != nil {
		return "", err
	}

	return string(p), nil
}
