// Package telemetry is the side-channel latency histogram. It never sits on
// the decision path; a stage that forgets to record loses a metric, nothing
// else.
package telemetry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Stage names one measured pipeline segment.
type Stage string

const (
	StageIngress   Stage = "ingress"
	StageRiskCheck Stage = "risk_check"
	StageWALAppend Stage = "wal_append"
	StageMatch     Stage = "match"
	StageSettle    Stage = "settle"
	StageTotal     Stage = "total"
)

// spikeThreshold flags any single observation above it immediately.
const spikeThreshold = 500 * time.Microsecond

// buckets is a fixed logarithmic histogram plus the usual aggregates.
type buckets struct {
	count uint64
	minNs uint64
	maxNs uint64
	sumNs uint64

	// <1µs, <10µs, <100µs, <1ms, >=1ms
	under1us   uint64
	under10us  uint64
	under100us uint64
	under1ms   uint64
	slow       uint64
}

func (b *buckets) record(ns uint64) {
	b.count++
	b.sumNs += ns
	if b.minNs == 0 || ns < b.minNs {
		b.minNs = ns
	}
	if ns > b.maxNs {
		b.maxNs = ns
	}
	switch {
	case ns < 1_000:
		b.under1us++
	case ns < 10_000:
		b.under10us++
	case ns < 100_000:
		b.under100us++
	case ns < 1_000_000:
		b.under1ms++
	default:
		b.slow++
	}
}

// Tracker accumulates per-stage histograms. All stages are registered up
// front so the hot-path update allocates nothing; the lock is held only for
// the bucket update.
type Tracker struct {
	mu    sync.Mutex
	stats map[Stage]*buckets
}

func NewTracker(stages ...Stage) *Tracker {
	if len(stages) == 0 {
		stages = []Stage{
			StageIngress, StageRiskCheck, StageWALAppend,
			StageMatch, StageSettle, StageTotal,
		}
	}
	stats := make(map[Stage]*buckets, len(stages))
	for _, s := range stages {
		stats[s] = &buckets{}
	}
	return &Tracker{stats: stats}
}

// Record adds one observation.
func (t *Tracker) Record(stage Stage, d time.Duration) {
	ns := uint64(d.Nanoseconds())
	if d > spikeThreshold {
		log.Warn().
			Str("stage", string(stage)).
			Dur("took", d).
			Msg("latency spike")
	}

	t.mu.Lock()
	b, ok := t.stats[stage]
	if !ok {
		// Unregistered stage: first touch pays the allocation.
		b = &buckets{}
		t.stats[stage] = b
	}
	b.record(ns)
	t.mu.Unlock()
}

// Timer measures one scoped span; Stop records it.
type Timer struct {
	tracker *Tracker
	stage   Stage
	start   time.Time
}

// Start begins a scoped measurement: t.Start(stage) paired with a deferred
// Stop.
func (t *Tracker) Start(stage Stage) *Timer {
	if t == nil {
		return nil
	}
	return &Timer{tracker: t, stage: stage, start: time.Now()}
}

func (tm *Timer) Stop() {
	if tm == nil {
		return
	}
	tm.tracker.Record(tm.stage, time.Since(tm.start))
}

// StageStats is the exported view of one histogram.
type StageStats struct {
	Count uint64
	MinNs uint64
	MaxNs uint64
	AvgNs uint64

	Under1us   uint64
	Under10us  uint64
	Under100us uint64
	Under1ms   uint64
	Slow       uint64
}

// Stats returns a copy of the histogram for one stage.
func (t *Tracker) Stats(stage Stage) StageStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.stats[stage]
	if !ok || b.count == 0 {
		return StageStats{}
	}
	return StageStats{
		Count:      b.count,
		MinNs:      b.minNs,
		MaxNs:      b.maxNs,
		AvgNs:      b.sumNs / b.count,
		Under1us:   b.under1us,
		Under10us:  b.under10us,
		Under100us: b.under100us,
		Under1ms:   b.under1ms,
		Slow:       b.slow,
	}
}

// Report renders a human-readable latency summary.
func (t *Tracker) Report() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("--- latency report (ns) ---\n")
	for stage, b := range t.stats {
		if b.count == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%s: count=%d avg=%d min=%d max=%d [<1µs:%d <10µs:%d <100µs:%d <1ms:%d slow:%d]\n",
			stage, b.count, b.sumNs/b.count, b.minNs, b.maxNs,
			b.under1us, b.under10us, b.under100us, b.under1ms, b.slow)
	}
	return sb.String()
}
