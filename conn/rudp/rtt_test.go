package rudp

import (
	"testing"
	"time"
)

func TestRTTFirstSample(t *testing.T) {
	var e rttEstimator

	if e.RTO(200*time.Millisecond, 3*time.Second) != initialRTO {
		t.Error("RTO before any sample must be the initial one")
	}

	e.Sample(100 * time.Millisecond)

	if e.SRTT() != 100*time.Millisecond {
		t.Errorf("SRTT = %v after the first sample", e.SRTT())
	}
	if e.RTTVar() != 50*time.Millisecond {
		t.Errorf("RTTVar = %v after the first sample", e.RTTVar())
	}
}

func TestRTTSmoothing(t *testing.T) {
	var e rttEstimator
	e.Sample(100 * time.Millisecond)
	e.Sample(200 * time.Millisecond)

	// srtt = 7/8*100 + 1/8*200 = 112.5ms
	if got := e.SRTT(); got != 112500*time.Microsecond {
		t.Errorf("SRTT = %v, expected 112.5ms", got)
	}

	// rttvar = 3/4*50 + 1/4*|200-100| = 62.5ms
	if got := e.RTTVar(); got != 62500*time.Microsecond {
		t.Errorf("RTTVar = %v, expected 62.5ms", got)
	}
}

func TestRTOClamping(t *testing.T) {
	var e rttEstimator

	e.Sample(time.Millisecond)
	if got := e.RTO(200*time.Millisecond, 3*time.Second); got != 200*time.Millisecond {
		t.Errorf("RTO = %v, expected the lower bound", got)
	}

	e = rttEstimator{}
	e.Sample(10 * time.Second)
	if got := e.RTO(200*time.Millisecond, 3*time.Second); got != 3*time.Second {
		t.Errorf("RTO = %v, expected the upper bound", got)
	}
}
