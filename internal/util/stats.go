package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide relay counter set.
var Stats = &stats{}

type stats struct {
	Joined     atomic.Int64 // participants admitted since process start
	Rejected   atomic.Int64 // connections refused because the call was full
	Left       atomic.Int64 // participants removed
	Relayed    atomic.Int64 // frames handed to a participant outbox
	Dropped    atomic.Int64 // frames discarded because an outbox was full or closed
	Violations atomic.Int64 // protocol precondition violations
}

func (s *stats) AddJoin()      { s.Joined.Add(1) }
func (s *stats) AddReject()    { s.Rejected.Add(1) }
func (s *stats) AddLeave()     { s.Left.Add(1) }
func (s *stats) AddRelayed()   { s.Relayed.Add(1) }
func (s *stats) AddDropped()   { s.Dropped.Add(1) }
func (s *stats) AddViolation() { s.Violations.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Joined, Rejected, Left, Relayed, Dropped, Violations int64
}

func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		Joined:     s.Joined.Load(),
		Rejected:   s.Rejected.Load(),
		Left:       s.Left.Load(),
		Relayed:    s.Relayed.Load(),
		Dropped:    s.Dropped.Load(),
		Violations: s.Violations.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics every
// interval, skipping intervals with no activity. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns the per-interval deltas in a fixed-width line.
func formatStats(prev, cur Snapshot) string {
	return fmt.Sprintf("Peers: %2d↑ %2d↓ %2d✗ | Frames: %5d relayed %4d dropped | Violations: %d",
		cur.Joined-prev.Joined,
		cur.Left-prev.Left,
		cur.Rejected-prev.Rejected,
		cur.Relayed-prev.Relayed,
		cur.Dropped-prev.Dropped,
		cur.Violations-prev.Violations,
	)
}
