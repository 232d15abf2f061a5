package rudp

import (
	"time"

	"github.com/msgnet/msgnet-go/msg"
)

// splitIntoFragments turns an oversized frame into fragment frames of at
// most chunkSize payload bytes each. The chain stamp travels on the first
// fragment; every fragment receives its own reliable number through
// nextReliable.
func splitIntoFragments(frame msg.Frame, transferID uint16, chunkSize int, nextReliable func() uint32) []msg.Frame {
	payload := frame.Payload
	total := (len(payload) + chunkSize - 1) / chunkSize

	fragments := make([]msg.Frame, 0, total)
	for index := 0; index < total; index++ {
		begin := index * chunkSize
		end := begin + chunkSize
		if end > len(payload) {
			end = len(payload)
		}

		fragment := msg.Frame{
			ID:             frame.ID,
			ReliableNumber: nextReliable(),
			Fragment: msg.FragmentInfo{
				TotalFragments: uint32(total),
				Index:          uint32(index),
				TransferID:     transferID,
			},
			Payload: payload[begin:end],
		}

		if index == 0 {
			fragment.ChainID = frame.ChainID
			fragment.OrderIndex = frame.OrderIndex
		}

		fragments = append(fragments, fragment)
	}

	return fragments
}

// reassembly is the receive state of one fragmented message.
type reassembly struct {
	total    uint32
	pieces   map[uint32][]byte
	first    msg.Frame
	deadline time.Time
}

// reassemblyTable collects fragments by transfer ID until each message is
// complete or its deadline passes.
type reassemblyTable struct {
	transfers map[uint16]*reassembly
}

func newReassemblyTable() reassemblyTable {
	return reassemblyTable{transfers: make(map[uint16]*reassembly)}
}

// Add feeds one fragment in. When the transfer completes, the reassembled
// frame is returned: the first fragment's identity and chain stamp with the
// concatenated payload, carrying no reliable number since each fragment was
// already deduplicated on its own.
func (t *reassemblyTable) Add(fragment msg.Frame, now time.Time, timeout time.Duration) (whole msg.Frame, done bool) {
	id := fragment.Fragment.TransferID

	transfer, ok := t.transfers[id]
	if !ok {
		transfer = &reassembly{
			total:    fragment.Fragment.TotalFragments,
			pieces:   make(map[uint32][]byte),
			deadline: now.Add(timeout),
		}
		t.transfers[id] = transfer
	}

	if fragment.Fragment.TotalFragments != transfer.total {
		// Conflicting totals: the transfer is corrupt, start over with the
		// newer announcement.
		delete(t.transfers, id)
		return t.Add(fragment, now, timeout)
	}

	if fragment.Fragment.Index == 0 {
		transfer.first = fragment
	}
	transfer.pieces[fragment.Fragment.Index] = fragment.Payload

	if uint32(len(transfer.pieces)) < transfer.total {
		return msg.Frame{}, false
	}

	size := 0
	for _, piece := range transfer.pieces {
		size += len(piece)
	}

	payload := make([]byte, 0, size)
	for index := uint32(0); index < transfer.total; index++ {
		payload = append(payload, transfer.pieces[index]...)
	}

	delete(t.transfers, id)

	return msg.Frame{
		ID:         transfer.first.ID,
		ChainID:    transfer.first.ChainID,
		OrderIndex: transfer.first.OrderIndex,
		Payload:    payload,
	}, true
}

// ReapExpired discards transfers whose deadline passed. Their fragments were
// deduplicated already, but the sender keeps retransmitting unacknowledged
// ones, so a discarded transfer only completes again if every piece arrives
// anew under fresh reliable numbers; in practice an expired transfer is lost
// and the connection usually is too.
func (t *reassemblyTable) ReapExpired(now time.Time) (dropped int) {
	for id, transfer := range t.transfers {
		if now.After(transfer.deadline) {
			delete(t.transfers, id)
			dropped++
		}
	}
	return
}

// Len returns the number of transfers in progress.
func (t *reassemblyTable) Len() int {
	return len(t.transfers)
}
