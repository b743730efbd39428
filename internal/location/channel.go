package location

import (
	"sync/atomic"
	"time"
)

// Channel is the last-value-wins cell between the ingest session (writer) and
// the drive loop (reader).
//
// Each Write swaps one immutable snapshot pointer, so readers always see the
// five fields of a single write together. There is no queue: a write that is
// never read is simply replaced.
type Channel struct {
	cur atomic.Pointer[snapshot]
}

type snapshot struct {
	sample Sample
	seq    uint64
	at     time.Time
}

// NewChannel returns a Channel holding initial until the first Write.
func NewChannel(initial Sample) *Channel {
	c := &Channel{}
	c.cur.Store(&snapshot{sample: initial})
	return c
}

// Write publishes s. Only one goroutine should write.
func (c *Channel) Write(s Sample) {
	prev := c.cur.Load()
	c.cur.Store(&snapshot{sample: s, seq: prev.seq + 1, at: time.Now().UTC()})
}

// Read returns the most recent sample.
func (c *Channel) Read() Sample {
	return c.cur.Load().sample
}

// Updated reports how many writes happened and when the last one did. at is
// zero while the initial defaults are still in place.
func (c *Channel) Updated() (writes uint64, at time.Time) {
	s := c.cur.Load()
	return s.seq, s.at
}

// Current returns the sample together with its write count and time, all
// from the same write.
func (c *Channel) Current() (s Sample, writes uint64, at time.Time) {
	cur := c.cur.Load()
	return cur.sample, cur.seq, cur.at
}
