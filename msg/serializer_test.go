package msg

import (
	"bytes"
	"testing"
)

func TestSerializerRoundtrip(t *testing.T) {
	s := NewSerializer(64)
	s.WriteU8(0x23)
	s.WriteU16(0xBEEF)
	s.WriteU32(0xDEADBEEF)
	s.WriteU64(0x0123456789ABCDEF)
	s.WriteVarInt(1337)
	s.WriteString("hello world")
	s.WriteBytes([]byte{1, 2, 3})

	d := NewDeserializer(s.Bytes())

	if v, err := d.ReadU8(); err != nil || v != 0x23 {
		t.Errorf("ReadU8 = (%x, %v)", v, err)
	}
	if v, err := d.ReadU16(); err != nil || v != 0xBEEF {
		t.Errorf("ReadU16 = (%x, %v)", v, err)
	}
	if v, err := d.ReadU32(); err != nil || v != 0xDEADBEEF {
		t.Errorf("ReadU32 = (%x, %v)", v, err)
	}
	if v, err := d.ReadU64(); err != nil || v != 0x0123456789ABCDEF {
		t.Errorf("ReadU64 = (%x, %v)", v, err)
	}
	if v, err := d.ReadVarInt(); err != nil || v != 1337 {
		t.Errorf("ReadVarInt = (%d, %v)", v, err)
	}
	if v, err := d.ReadString(); err != nil || v != "hello world" {
		t.Errorf("ReadString = (%q, %v)", v, err)
	}
	if v, err := d.ReadBytes(3); err != nil || !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Errorf("ReadBytes = (%x, %v)", v, err)
	}
	if d.Remaining() != 0 {
		t.Errorf("%d bytes left over", d.Remaining())
	}
}

func TestDeserializerBounds(t *testing.T) {
	d := NewDeserializer([]byte{0x01})

	if _, err := d.ReadU32(); err != ErrMalformedPayload {
		t.Errorf("ReadU32 on a short buffer returned %v", err)
	}
	if _, err := d.ReadBytes(2); err != ErrMalformedPayload {
		t.Errorf("ReadBytes(2) on a short buffer returned %v", err)
	}

	// A declared string length beyond the buffer must not be trusted.
	d = NewDeserializer(AppendVarInt(nil, 1000))
	if _, err := d.ReadString(); err != ErrMalformedPayload {
		t.Errorf("ReadString with an oversized length returned %v", err)
	}
}
