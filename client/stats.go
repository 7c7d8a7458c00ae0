package client

import (
	"sync"
	"time"

	"edo/edoerr"
)

// SelectorStats aggregates the calls of one selector.
type SelectorStats struct {
	Calls   uint64
	Errors  uint64
	Total   time.Duration
	Longest time.Duration
}

// Mean returns the average call latency.
func (s SelectorStats) Mean() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Calls)
}

// Stats is a snapshot of a Service's counters.
type Stats struct {
	Requests    uint64
	Errors      uint64
	Releases    uint64
	Dials       uint64
	Connections int
	ErrorKinds  map[edoerr.Kind]uint64
	Selectors   map[string]SelectorStats
}

type collector struct {
	mu    sync.Mutex
	stats Stats
}

func newCollector() *collector {
	return &collector{stats: Stats{
		ErrorKinds: make(map[edoerr.Kind]uint64),
		Selectors:  make(map[string]SelectorStats),
	}}
}

func (c *collector) call(selector string, d time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Requests++
	s := c.stats.Selectors[selector]
	s.Calls++
	s.Total += d
	s.Longest = max(s.Longest, d)
	if err != nil {
		c.stats.Errors++
		c.stats.ErrorKinds[edoerr.KindOf(err)]++
		s.Errors++
	}
	c.stats.Selectors[selector] = s
}

func (c *collector) release(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Releases += uint64(n)
}

func (c *collector) dial() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Dials++
}

func (c *collector) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.stats
	out.ErrorKinds = make(map[edoerr.Kind]uint64, len(c.stats.ErrorKinds))
	for k, v := range c.stats.ErrorKinds {
		out.ErrorKinds[k] = v
	}
	out.Selectors = make(map[string]SelectorStats, len(c.stats.Selectors))
	for k, v := range c.stats.Selectors {
		out.Selectors[k] = v
	}
	return out
}
