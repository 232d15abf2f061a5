package msg

import (
	"testing"
)

func TestVarIntRoundtrip(t *testing.T) {
	tests := []uint64{
		0, 1, 42, 127, 128, 129, 300, 16383, 16384,
		1<<21 - 1, 1 << 21, 1<<32 - 1, 1 << 32, 1<<64 - 1,
	}

	for _, v := range tests {
		buf := AppendVarInt(nil, v)
		if len(buf) != VarIntLen(v) {
			t.Errorf("VarIntLen(%d) = %d, encoded %d bytes", v, VarIntLen(v), len(buf))
		}

		got, n, err := ParseVarInt(buf)
		if err != nil {
			t.Fatalf("ParseVarInt(%d) errored: %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Errorf("ParseVarInt(%d) = (%d, %d), expected (%d, %d)", v, got, n, v, len(buf))
		}
	}
}

func TestVarIntTruncated(t *testing.T) {
	for _, v := range []uint64{128, 300, 1 << 21, 1<<64 - 1} {
		buf := AppendVarInt(nil, v)

		for cut := 0; cut < len(buf); cut++ {
			if _, _, err := ParseVarInt(buf[:cut]); err == nil {
				t.Errorf("ParseVarInt accepted a %d byte prefix of the encoding of %d", cut, v)
			}
		}
	}
}

func TestVarIntOverlong(t *testing.T) {
	buf := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01}
	if _, _, err := ParseVarInt(buf); err == nil {
		t.Error("ParseVarInt accepted an eleven byte encoding")
	}
}
