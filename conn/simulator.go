package conn

import (
	"container/heap"
	"math/rand"
	"sync"
	"time"
)

// Simulator injects artificial loss and latency into a connection's send
// path for testing. When enabled, every outgoing datagram is dropped with
// probability LossRate, or held in a time-sorted delay queue for
// ConstantDelay plus a uniformly random share of Jitter. Only the local send
// side is affected; the peer sees the effect as network jitter.
//
// The parameters may be changed from any goroutine at any time; the delay
// queue itself is owned by the network worker.
type Simulator struct {
	mu            sync.Mutex
	enabled       bool
	constantDelay time.Duration
	jitter        time.Duration
	lossRate      float64

	rng   *rand.Rand
	queue delayQueue
}

// NewSimulator creates a disabled Simulator with the given random seed.
func NewSimulator(seed int64) *Simulator {
	return &Simulator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Configure sets all parameters at once. A lossRate of one swallows every
// datagram.
func (s *Simulator) Configure(enabled bool, constantDelay, jitter time.Duration, lossRate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enabled = enabled
	s.constantDelay = constantDelay
	s.jitter = jitter
	s.lossRate = lossRate
}

// Enabled reports whether the simulator currently intercepts sends.
func (s *Simulator) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// delayedDatagram is one held datagram with its release time.
type delayedDatagram struct {
	releaseAt time.Time
	data      []byte
}

type delayQueue []delayedDatagram

func (q delayQueue) Len() int           { return len(q) }
func (q delayQueue) Less(i, j int) bool { return q[i].releaseAt.Before(q[j].releaseAt) }
func (q delayQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *delayQueue) Push(x any)        { *q = append(*q, x.(delayedDatagram)) }

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = delayedDatagram{}
	*q = old[:n-1]
	return item
}

// Offer intercepts one outgoing datagram. If it returns true the caller
// sends the datagram immediately; otherwise the simulator consumed it,
// either dropping it or holding it until Due releases it. Worker side only.
func (s *Simulator) Offer(data []byte, now time.Time) (sendNow bool) {
	s.mu.Lock()
	enabled, constant, jitter, loss := s.enabled, s.constantDelay, s.jitter, s.lossRate
	s.mu.Unlock()

	if !enabled {
		return true
	}

	if s.rng.Float64() < loss {
		return false
	}

	delay := constant
	if jitter > 0 {
		delay += time.Duration(s.rng.Int63n(int64(jitter)))
	}

	heap.Push(&s.queue, delayedDatagram{
		releaseAt: now.Add(delay),
		data:      data,
	})
	return false
}

// Due removes and returns every held datagram whose release time has come.
// Worker side only.
func (s *Simulator) Due(now time.Time) (due [][]byte) {
	for len(s.queue) > 0 && !s.queue[0].releaseAt.After(now) {
		item := heap.Pop(&s.queue).(delayedDatagram)
		due = append(due, item.data)
	}
	return
}

// Pending returns the number of held datagrams. Worker side only.
func (s *Simulator) Pending() int {
	return len(s.queue)
}
