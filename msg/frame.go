package msg

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// FragmentInfo describes one piece of a fragmented message. A frame whose
// TotalFragments is zero is not fragmented.
//
// All fragments of one message share a TransferID and a TotalFragments count;
// the Index is zero-based.
type FragmentInfo struct {
	TotalFragments uint32
	Index          uint32
	TransferID     uint16
}

// Frame is the length-prefixed envelope of one message inside a packet.
//
//	message id        var-int
//	reliable number   var-int, 0 for unreliable frames
//	chain id          var-int, 0 for unordered frames
//	order index       var-int, only if chain id != 0
//	total fragments   var-int, 0 for whole messages
//	fragment index    var-int, only if fragmented
//	transfer id       var-int, only if fragmented
//	payload length    var-int
//	payload           raw bytes
type Frame struct {
	ID ID

	// ReliableNumber is the per-connection monotonically increasing counter
	// attached to every reliable message; zero marks an unreliable frame.
	ReliableNumber uint32

	// ChainID is the in-order chain this frame belongs to; zero marks an
	// unordered frame. OrderIndex is the frame's position on that chain,
	// starting at one.
	ChainID    uint32
	OrderIndex uint64

	Fragment FragmentInfo

	Payload []byte
}

// IsReliable reports whether this frame carries a reliable message.
func (f *Frame) IsReliable() bool {
	return f.ReliableNumber != 0
}

// IsFragment reports whether this frame is one piece of a larger message.
func (f *Frame) IsFragment() bool {
	return f.Fragment.TotalFragments != 0
}

// CheckValid returns an error for inconsistent field combinations.
func (f *Frame) CheckValid() (errs error) {
	if f.ChainID != 0 && f.OrderIndex == 0 {
		errs = multierror.Append(errs, fmt.Errorf("frame on chain %d has no order index", f.ChainID))
	}
	if f.IsFragment() && f.Fragment.Index >= f.Fragment.TotalFragments {
		errs = multierror.Append(errs, fmt.Errorf(
			"fragment index %d exceeds total of %d", f.Fragment.Index, f.Fragment.TotalFragments))
	}
	if f.IsFragment() && !f.IsReliable() {
		errs = multierror.Append(errs, fmt.Errorf("fragmented frames must be reliable"))
	}

	return
}

// EncodedLen returns the exact number of bytes Encode will emit.
func (f *Frame) EncodedLen() int {
	n := VarIntLen(uint64(f.ID)) +
		VarIntLen(uint64(f.ReliableNumber)) +
		VarIntLen(uint64(f.ChainID))

	if f.ChainID != 0 {
		n += VarIntLen(f.OrderIndex)
	}

	n += VarIntLen(uint64(f.Fragment.TotalFragments))
	if f.IsFragment() {
		n += VarIntLen(uint64(f.Fragment.Index)) + VarIntLen(uint64(f.Fragment.TransferID))
	}

	return n + VarIntLen(uint64(len(f.Payload))) + len(f.Payload)
}

// Encode appends this frame's wire representation to s.
func (f *Frame) Encode(s *Serializer) {
	s.WriteVarInt(uint64(f.ID))
	s.WriteVarInt(uint64(f.ReliableNumber))
	s.WriteVarInt(uint64(f.ChainID))

	if f.ChainID != 0 {
		s.WriteVarInt(f.OrderIndex)
	}

	s.WriteVarInt(uint64(f.Fragment.TotalFragments))
	if f.IsFragment() {
		s.WriteVarInt(uint64(f.Fragment.Index))
		s.WriteVarInt(uint64(f.Fragment.TransferID))
	}

	s.WriteVarInt(uint64(len(f.Payload)))
	s.WriteBytes(f.Payload)
}

// DecodeFrame reads one frame from d. On failure the Deserializer is left in
// an undefined position and the packet should be discarded.
func DecodeFrame(d *Deserializer) (f Frame, err error) {
	var v uint64

	if v, err = d.ReadVarInt(); err != nil {
		return
	}
	f.ID = ID(v)

	if v, err = d.ReadVarInt(); err != nil {
		return
	}
	f.ReliableNumber = uint32(v)

	if v, err = d.ReadVarInt(); err != nil {
		return
	}
	f.ChainID = uint32(v)

	if f.ChainID != 0 {
		if f.OrderIndex, err = d.ReadVarInt(); err != nil {
			return
		}
	}

	if v, err = d.ReadVarInt(); err != nil {
		return
	}
	f.Fragment.TotalFragments = uint32(v)

	if f.IsFragment() {
		if v, err = d.ReadVarInt(); err != nil {
			return
		}
		f.Fragment.Index = uint32(v)

		if v, err = d.ReadVarInt(); err != nil {
			return
		}
		f.Fragment.TransferID = uint16(v)
	}

	if v, err = d.ReadVarInt(); err != nil {
		return
	}

	var payload []byte
	if payload, err = d.ReadBytes(int(v)); err != nil {
		return
	}
	f.Payload = payload

	err = f.CheckValid()
	return
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame(id=%v, rel=%d, chain=%d/%d, frag=%d/%d, len=%d)",
		f.ID, f.ReliableNumber, f.ChainID, f.OrderIndex,
		f.Fragment.Index, f.Fragment.TotalFragments, len(f.Payload))
}
