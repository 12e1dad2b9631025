// Package sentinel watches long-running components for silence. Each loop
// registers a name and a silence budget, beats a lightweight handle, and the
// watchdog classifies everything on a fixed tick. An unresponsive component
// engages the global kill switch.
package sentinel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"gleipnir/internal/risk"
)

const watchdogTick = 500 * time.Millisecond

// Health grades one component.
type Health int

const (
	Healthy Health = iota
	// Lagging: silent for more than half the budget.
	Lagging
	// Unresponsive: silent past the budget; treated as dead or stuck.
	Unresponsive
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "HEALTHY"
	case Lagging:
		return "LAGGING"
	case Unresponsive:
		return "UNRESPONSIVE"
	}
	return "UNKNOWN"
}

// Handle is carried by each watched component. Beat is a single relaxed
// atomic store; call it from the component's main loop.
type Handle struct {
	name     string
	lastBeat *atomic.Int64
}

func (h *Handle) Beat() {
	h.lastBeat.Store(time.Now().UnixMilli())
}

type entry struct {
	lastBeat     *atomic.Int64
	maxSilenceMs int64
}

// Report is one watchdog finding.
type Report struct {
	Component string
	Health    Health
	SilenceMs int64
}

// Monitor is the central watchdog.
type Monitor struct {
	kill *risk.KillSwitch
	now  func() int64 // ms; swappable in tests

	mu       sync.RWMutex
	registry map[string]entry
}

func NewMonitor(kill *risk.KillSwitch) *Monitor {
	return &Monitor{
		kill:     kill,
		now:      func() int64 { return time.Now().UnixMilli() },
		registry: make(map[string]entry),
	}
}

// Register adds a component and returns its beat handle.
func (m *Monitor) Register(name string, maxSilence time.Duration) *Handle {
	beat := &atomic.Int64{}
	beat.Store(m.now())

	m.mu.Lock()
	m.registry[name] = entry{lastBeat: beat, maxSilenceMs: maxSilence.Milliseconds()}
	m.mu.Unlock()

	log.Info().
		Str("component", name).
		Dur("maxSilence", maxSilence).
		Msg("pulse registered")
	return &Handle{name: name, lastBeat: beat}
}

// Check classifies every registered component. Healthy components are not
// reported.
func (m *Monitor) Check() []Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var reports []Report
	for name, e := range m.registry {
		last := e.lastBeat.Load()
		if now < last {
			// Clock stepped backwards; skip rather than false-alarm.
			continue
		}
		silence := now - last
		switch {
		case silence > e.maxSilenceMs:
			log.Error().
				Str("component", name).
				Int64("silenceMs", silence).
				Int64("limitMs", e.maxSilenceMs).
				Msg("pulse: component unresponsive")
			reports = append(reports, Report{Component: name, Health: Unresponsive, SilenceMs: silence})
		case silence > e.maxSilenceMs/2:
			log.Warn().
				Str("component", name).
				Int64("silenceMs", silence).
				Msg("pulse: component lagging")
			reports = append(reports, Report{Component: name, Health: Lagging, SilenceMs: silence})
		}
	}
	return reports
}

// Run drives the watchdog until the tomb dies. The first unresponsive
// component engages the kill switch; the watchdog keeps running so operators
// still get lag reports while halted.
func (m *Monitor) Run(t *tomb.Tomb) error {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()

	log.Info().Msg("pulse watchdog started")
	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			for _, r := range m.Check() {
				if r.Health == Unresponsive && m.kill != nil {
					m.kill.Engage("pulse: " + r.Component + " unresponsive")
				}
			}
		}
	}
}
