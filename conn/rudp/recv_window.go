package rudp

import (
	"github.com/msgnet/msgnet-go/msg"
)

// recvWindowBits is how many sequences below the highest received one the
// window remembers for duplicate detection.
const recvWindowBits = 128

// recvWindow records the recently received datagram sequences: the highest
// sequence seen and a bitset of the recvWindowBits sequences before it. It
// answers duplicate checks and produces the acknowledgement section.
type recvWindow struct {
	highest     uint16
	initialized bool

	// bits[0] bit 0 is highest-1, bit 1 is highest-2, and so on.
	bits [recvWindowBits / 64]uint64
}

// Mark records seq. Returns false for duplicates and for sequences older
// than the window.
func (w *recvWindow) Mark(seq uint16) (fresh bool) {
	if !w.initialized {
		w.initialized = true
		w.highest = seq
		return true
	}

	if seq == w.highest {
		return false
	}

	if msg.SeqLess(w.highest, seq) {
		// Newer: shift the window forward; the old highest becomes the bit
		// at its new distance.
		dist := uint(msg.SeqDistance(w.highest, seq))
		w.shiftLeft(dist)
		if dist-1 < recvWindowBits {
			w.setBit(dist - 1)
		}
		w.highest = seq
		return true
	}

	back := msg.SeqDistance(seq, w.highest)
	if back > recvWindowBits {
		return false
	}

	if w.getBit(uint(back - 1)) {
		return false
	}
	w.setBit(uint(back - 1))
	return true
}

// Ack returns the acknowledgement section for the current window state: the
// highest received sequence plus the mask of the 32 sequences before it.
func (w *recvWindow) Ack() (msg.AckSection, bool) {
	if !w.initialized {
		return msg.AckSection{}, false
	}

	return msg.AckSection{
		Latest: w.highest,
		Mask:   uint32(w.bits[0]),
	}, true
}

func (w *recvWindow) getBit(i uint) bool {
	return w.bits[i/64]&(1<<(i%64)) != 0
}

func (w *recvWindow) setBit(i uint) {
	w.bits[i/64] |= 1 << (i % 64)
}

// shiftLeft moves the whole bitset towards older positions by n, dropping
// what falls off the far end.
func (w *recvWindow) shiftLeft(n uint) {
	for n >= 64 {
		w.bits[1] = w.bits[0]
		w.bits[0] = 0
		n -= 64
	}
	if n == 0 {
		return
	}

	w.bits[1] = w.bits[1]<<n | w.bits[0]>>(64-n)
	w.bits[0] <<= n
}