package sentinel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"

	"gleipnir/internal/risk"
)

func TestCheckClassifiesSilence(t *testing.T) {
	m := NewMonitor(nil)
	base := time.Now().UnixMilli()
	now := base
	m.now = func() int64 { return now }

	h := m.Register("executor", 100*time.Millisecond)
	h.lastBeat.Store(base)

	// Fresh beat: healthy, nothing reported.
	assert.Empty(t, m.Check())

	// Past half the budget: lagging.
	now = base + 60
	reports := m.Check()
	require.Len(t, reports, 1)
	assert.Equal(t, Lagging, reports[0].Health)
	assert.Equal(t, "executor", reports[0].Component)

	// Past the budget: unresponsive.
	now = base + 150
	reports = m.Check()
	require.Len(t, reports, 1)
	assert.Equal(t, Unresponsive, reports[0].Health)

	// A beat recovers it.
	h.lastBeat.Store(now)
	assert.Empty(t, m.Check())
}

func TestCheckIgnoresClockStepBack(t *testing.T) {
	m := NewMonitor(nil)
	base := time.Now().UnixMilli()
	now := base
	m.now = func() int64 { return now }

	m.Register("feed", time.Millisecond)
	now = base - 10_000
	assert.Empty(t, m.Check(), "backwards clock must not false-alarm")
}

func TestUnresponsiveEngagesKillSwitch(t *testing.T) {
	kill := risk.NewKillSwitch()
	m := NewMonitor(kill)
	base := time.Now().UnixMilli()
	now := base
	m.now = func() int64 { return now }

	m.Register("executor", time.Millisecond)
	now = base + 100

	var tb tomb.Tomb
	tb.Go(func() error { return m.Run(&tb) })
	require.Eventually(t, kill.Engaged, 2*time.Second, 10*time.Millisecond)
	tb.Kill(nil)
	require.NoError(t, tb.Wait())

	assert.True(t, kill.Engaged())
	assert.Contains(t, kill.Reason(), "executor")
}
