// Package perf tracks in-memory ingestion counters: per-exchange totals, a
// rolling 60-second throughput window, and a bounded tail of end-to-end
// latency samples (indexedAt − sourceTimestamp). The tracker is a pure
// observer of the trade bus and never blocks the hot path.
package perf

import (
	"math"
	"sort"
	"sync"
	"time"

	"pmfeed/internal/model"
)

const (
	windowSeconds = 60
	sampleCap     = 1000
)

// exchangeStats holds counters for one exchange. Guarded by Tracker.mu.
type exchangeStats struct {
	total int64

	// Rolling window: one count per second, indexed by unix second mod 60.
	windowCounts [windowSeconds]int64
	windowSecs   [windowSeconds]int64

	// Latency circular buffer, milliseconds.
	samples [sampleCap]float64
	pos     int
	count   int
}

// Tracker aggregates per-exchange ingestion stats.
type Tracker struct {
	mu    sync.Mutex
	stats map[model.Exchange]*exchangeStats
	now   func() time.Time // test hook
}

// New creates a Tracker.
func New() *Tracker {
	return &Tracker{
		stats: make(map[model.Exchange]*exchangeStats),
		now:   time.Now,
	}
}

// Observe records one indexed trade. latency is indexedAt − trade.Timestamp.
func (tr *Tracker) Observe(t model.Trade) {
	now := tr.now()
	latencyMs := float64(now.Sub(t.Timestamp).Microseconds()) / 1000.0

	tr.mu.Lock()
	defer tr.mu.Unlock()

	st, ok := tr.stats[t.Exchange]
	if !ok {
		st = &exchangeStats{}
		tr.stats[t.Exchange] = st
	}
	st.total++

	sec := now.Unix()
	idx := sec % windowSeconds
	if st.windowSecs[idx] != sec {
		st.windowSecs[idx] = sec
		st.windowCounts[idx] = 0
	}
	st.windowCounts[idx]++

	if latencyMs >= 0 {
		st.samples[st.pos] = latencyMs
		st.pos = (st.pos + 1) % sampleCap
		if st.count < sampleCap {
			st.count++
		}
	}
}

// ExchangeSnapshot is the per-exchange view in a Snapshot.
type ExchangeSnapshot struct {
	Total        int64   `json:"totalTrades"`
	LastMinute   int64   `json:"tradesLastMinute"`
	LatencyP50Ms float64 `json:"latencyP50Ms"`
	LatencyP95Ms float64 `json:"latencyP95Ms"`
	LatencyP99Ms float64 `json:"latencyP99Ms"`
}

// Snapshot is the stats payload for the operational endpoint.
type Snapshot struct {
	Exchanges map[model.Exchange]ExchangeSnapshot `json:"exchanges"`
}

// Snapshot returns a copy of the current counters.
func (tr *Tracker) Snapshot() Snapshot {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	now := tr.now().Unix()
	snap := Snapshot{Exchanges: make(map[model.Exchange]ExchangeSnapshot, len(tr.stats))}
	for ex, st := range tr.stats {
		var lastMinute int64
		for i := 0; i < windowSeconds; i++ {
			if now-st.windowSecs[i] < windowSeconds {
				lastMinute += st.windowCounts[i]
			}
		}

		sorted := make([]float64, st.count)
		if st.count == sampleCap {
			copy(sorted, st.samples[st.pos:])
			copy(sorted[sampleCap-st.pos:], st.samples[:st.pos])
		} else {
			copy(sorted, st.samples[:st.count])
		}
		sort.Float64s(sorted)

		snap.Exchanges[ex] = ExchangeSnapshot{
			Total:        st.total,
			LastMinute:   lastMinute,
			LatencyP50Ms: percentile(sorted, 0.50),
			LatencyP95Ms: percentile(sorted, 0.95),
			LatencyP99Ms: percentile(sorted, 0.99),
		}
	}
	return snap
}

// percentile computes the p-th percentile (0.0–1.0) of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
