package rudp

import "time"

// congestion is a slow-start/congestion-avoidance window counted in
// datagrams. Below the threshold every acknowledged datagram grows the
// window by one; above it the growth is one per window per round trip. Loss
// halves the window and pulls the threshold down with it.
type congestion struct {
	cwnd     float64
	ssthresh float64
}

const (
	initialCwnd     = 1
	initialSsthresh = 64
	minCwnd         = 1
)

func newCongestion() congestion {
	return congestion{cwnd: initialCwnd, ssthresh: initialSsthresh}
}

// OnAck grows the window for one acknowledged datagram.
func (c *congestion) OnAck() {
	if c.cwnd < c.ssthresh {
		c.cwnd++
	} else {
		c.cwnd += 1 / c.cwnd
	}
}

// OnLoss halves the window.
func (c *congestion) OnLoss() {
	c.cwnd /= 2
	if c.cwnd < minCwnd {
		c.cwnd = minCwnd
	}
	c.ssthresh = c.cwnd
}

// Window returns the current window size in whole datagrams.
func (c *congestion) Window() int {
	return int(c.cwnd)
}

// pacer is a token bucket capping the datagram send rate at cwnd/srtt, with
// a burst of one window.
type pacer struct {
	tokens float64
	last   time.Time
}

// Allow takes one send token if available. Without an RTT estimate the rate
// is uncapped and Allow always succeeds.
func (p *pacer) Allow(now time.Time, c *congestion, srtt time.Duration) bool {
	if srtt <= 0 {
		return true
	}

	if p.last.IsZero() {
		p.tokens = c.cwnd
	} else {
		rate := c.cwnd / srtt.Seconds()
		p.tokens += rate * now.Sub(p.last).Seconds()
	}
	p.last = now

	if p.tokens > c.cwnd {
		p.tokens = c.cwnd
	}

	if p.tokens < 1 {
		return false
	}
	p.tokens--
	return true
}
