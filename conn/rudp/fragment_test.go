package rudp

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/msgnet/msgnet-go/msg"
)

func TestFragmentSplitRoundtrip(t *testing.T) {
	rng := rand.New(rand.NewSource(0x42))
	payload := make([]byte, 40000)
	rng.Read(payload)

	nextReliable := uint32(0)
	counter := func() uint32 { nextReliable++; return nextReliable }

	whole := msg.Frame{ID: 200, ChainID: 3, OrderIndex: 7, Payload: payload}
	fragments := splitIntoFragments(whole, 9, 1300, counter)

	wantCount := (len(payload) + 1299) / 1300
	if len(fragments) != wantCount {
		t.Fatalf("%d fragments, expected %d", len(fragments), wantCount)
	}

	for i, fragment := range fragments {
		if !fragment.IsReliable() {
			t.Fatalf("fragment %d is unreliable", i)
		}
		if err := fragment.CheckValid(); err != nil {
			t.Fatalf("fragment %d invalid: %v", i, err)
		}
	}
	if fragments[0].ChainID != 3 || fragments[0].OrderIndex != 7 {
		t.Error("chain stamp missing from the first fragment")
	}
	if fragments[1].ChainID != 0 {
		t.Error("chain stamp duplicated onto later fragments")
	}

	// Reassemble in a shuffled order.
	table := newReassemblyTable()
	now := time.Now()

	order := rng.Perm(len(fragments))
	var got msg.Frame
	done := false

	for _, i := range order {
		var finished bool
		got, finished = table.Add(fragments[i], now, 15*time.Second)
		if finished && !done {
			done = true
		} else if finished {
			t.Fatal("transfer completed twice")
		}
	}

	if !done {
		t.Fatal("transfer never completed")
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Error("reassembled payload differs")
	}
	if got.ID != 200 || got.ChainID != 3 || got.OrderIndex != 7 {
		t.Errorf("reassembled identity lost: %v", &got)
	}
	if table.Len() != 0 {
		t.Errorf("%d transfers left in the table", table.Len())
	}
}

func TestFragmentTimeout(t *testing.T) {
	table := newReassemblyTable()
	now := time.Now()

	counter := uint32(0)
	next := func() uint32 { counter++; return counter }

	fragments := splitIntoFragments(msg.Frame{ID: 200, Payload: make([]byte, 5000)}, 1, 1300, next)
	for _, fragment := range fragments[:2] {
		table.Add(fragment, now, time.Second)
	}

	if dropped := table.ReapExpired(now.Add(500 * time.Millisecond)); dropped != 0 {
		t.Error("transfer reaped before its deadline")
	}
	if dropped := table.ReapExpired(now.Add(2 * time.Second)); dropped != 1 {
		t.Errorf("ReapExpired dropped %d transfers, expected 1", dropped)
	}
}

func TestFragmentConflictingTotals(t *testing.T) {
	table := newReassemblyTable()
	now := time.Now()

	table.Add(msg.Frame{
		ID: 200, ReliableNumber: 1,
		Fragment: msg.FragmentInfo{TotalFragments: 3, Index: 0, TransferID: 5},
		Payload:  []byte("abc"),
	}, now, time.Second)

	// A conflicting total restarts the transfer with the new announcement.
	_, done := table.Add(msg.Frame{
		ID: 200, ReliableNumber: 2,
		Fragment: msg.FragmentInfo{TotalFragments: 2, Index: 0, TransferID: 5},
		Payload:  []byte("ab"),
	}, now, time.Second)
	if done {
		t.Fatal("incomplete transfer reported done")
	}

	whole, done := table.Add(msg.Frame{
		ID: 200, ReliableNumber: 3,
		Fragment: msg.FragmentInfo{TotalFragments: 2, Index: 1, TransferID: 5},
		Payload:  []byte("cd"),
	}, now, time.Second)
	if !done || string(whole.Payload) != "abcd" {
		t.Fatalf("restarted transfer yielded (%q, %t)", whole.Payload, done)
	}
}
