package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gleipnir/internal/num"
)

// fakeClock lets tests step breaker time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg BreakerConfig, equity string) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewCircuitBreaker(cfg, num.MustParse(equity))
	b.clock(clk.now)
	return b, clk
}

func TestBreaker_ConsecutiveErrorsTrip(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxConsecutiveErrors: 3}, "0")

	b.RecordError("reject one")
	b.RecordError("reject two")
	assert.False(t, b.IsTripped())

	b.RecordError("reject three")
	assert.True(t, b.IsTripped())
	assert.Equal(t, Open, b.State())
	assert.Equal(t, "ERROR_STORM", b.LastIncident().Reason)

	b.Reset()
	assert.False(t, b.IsTripped())
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_RollingWindowDrawdown(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{
		MaxDrawdownPerMinute: num.MustParse("100"),
	}, "0")

	b.RecordPnL(num.MustParse("-60"))
	assert.False(t, b.IsTripped())

	// Window rolls over after 60s; the earlier loss is forgotten.
	clk.advance(61 * time.Second)
	b.RecordPnL(num.MustParse("-60"))
	assert.False(t, b.IsTripped())

	// Two losses inside one window cross the cap.
	b.RecordPnL(num.MustParse("-50"))
	assert.True(t, b.IsTripped())
	assert.Equal(t, "RAPID_DRAWDOWN", b.LastIncident().Reason)
}

func TestBreaker_DailyDrawdownFraction(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{
		MaxDrawdownPerMinute: num.MustParse("1000000"),
		MaxDailyDrawdown:     num.MustParse("0.10"),
	}, "1000")

	// Session losses accumulate across windows: 10% of 1000 = 100.
	b.RecordPnL(num.MustParse("-60"))
	clk.advance(2 * time.Minute)
	b.RecordPnL(num.MustParse("-50"))
	assert.True(t, b.IsTripped())
	assert.Equal(t, "DAILY_DRAWDOWN", b.LastIncident().Reason)
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{
		MaxConsecutiveErrors: 1,
		Cooldown:             time.Second,
	}, "0")

	b.RecordError("boom")
	require.True(t, b.IsTripped())

	// Cooldown expires: next hot-path check transitions to half-open and
	// admits the probe.
	clk.advance(2 * time.Second)
	assert.False(t, b.IsTripped())
	assert.Equal(t, HalfOpen, b.State())

	// One success closes.
	b.RecordPnL(decimal.Zero)
	assert.Equal(t, Closed, b.State())
	assert.False(t, b.IsTripped())
}

func TestBreaker_HalfOpenReopensOnLoss(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{
		MaxConsecutiveErrors: 1,
		Cooldown:             time.Second,
	}, "0")

	b.RecordError("boom")
	clk.advance(2 * time.Second)
	require.False(t, b.IsTripped())
	require.Equal(t, HalfOpen, b.State())

	b.RecordPnL(num.MustParse("-1"))
	assert.True(t, b.IsTripped())
	assert.Equal(t, "HALF_OPEN_LOSS", b.LastIncident().Reason)
}

func TestBreaker_TripLatency(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxDrawdownPerMinute: num.MustParse("10")}, "0")

	// The very next check after the threshold crossing observes the trip.
	b.RecordPnL(num.MustParse("-11"))
	assert.True(t, b.IsTripped())
}
