package consumer

import "sync/atomic"

// Stats counts what the consumer did with its deliveries.
type Stats struct {
	received    atomic.Uint64
	applied     atomic.Uint64
	merged      atomic.Uint64
	ignored     atomic.Uint64
	dropped     atomic.Uint64
	ackFailures atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Received    uint64 `json:"received"`
	Applied     uint64 `json:"applied"`
	Merged      uint64 `json:"merged"`
	Ignored     uint64 `json:"ignored"`
	Dropped     uint64 `json:"dropped"`
	AckFailures uint64 `json:"ackFailures"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Received:    s.received.Load(),
		Applied:     s.applied.Load(),
		Merged:      s.merged.Load(),
		Ignored:     s.ignored.Load(),
		Dropped:     s.dropped.Load(),
		AckFailures: s.ackFailures.Load(),
	}
}
