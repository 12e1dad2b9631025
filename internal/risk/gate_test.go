package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gleipnir/internal/book"
	"gleipnir/internal/num"
)

func testLimits() Limits {
	return Limits{
		MinQty:            num.MustParse("0.001"),
		MaxQty:            num.MustParse("100"),
		MinNotional:       num.MustParse("10"),
		MaxNotional:       num.MustParse("50000"),
		MaxPriceDeviation: num.MustParse("0.10"),
		MaxLeverage:       num.MustParse("5"),
	}
}

func richPortfolio() PortfolioSnapshot {
	return PortfolioSnapshot{
		AvailableBase:  num.MustParse("1000"),
		AvailableQuote: num.MustParse("10000000"),
		Equity:         num.MustParse("10000000"),
		OpenNotional:   decimal.Zero,
	}
}

func bid(price, qty string) *book.Order {
	return &book.Order{
		ID:       1,
		Owner:    "tester",
		Side:     book.Bid,
		Type:     book.Limit,
		TIF:      book.GTC,
		Price:    num.MustParse(price),
		Quantity: num.MustParse(qty),
	}
}

func newTestGate() (*Gate, *KillSwitch, *CircuitBreaker) {
	kill := NewKillSwitch()
	breaker := NewCircuitBreaker(BreakerConfig{MaxConsecutiveErrors: 3}, decimal.Zero)
	return NewGate(testLimits(), kill, breaker), kill, breaker
}

func TestGate_AcceptsSaneOrder(t *testing.T) {
	g, _, _ := newTestGate()
	v := g.Check(bid("2000", "1"), num.MustParse("2000"), richPortfolio())
	assert.Nil(t, v)
}

func TestGate_KillSwitchShortCircuits(t *testing.T) {
	g, kill, _ := newTestGate()
	kill.Engage("test")

	// Even a nonsense order reports CIRCUIT_TRIPPED first.
	v := g.Check(bid("0", "0"), decimal.Zero, PortfolioSnapshot{})
	require.NotNil(t, v)
	assert.Equal(t, RuleCircuitTripped, v.Rule)
}

func TestGate_Validation(t *testing.T) {
	g, _, _ := newTestGate()

	v := g.Check(bid("2000", "0"), num.MustParse("2000"), richPortfolio())
	require.NotNil(t, v)
	assert.Equal(t, RuleValidation, v.Rule)
}

func TestGate_QuantityBand(t *testing.T) {
	g, _, _ := newTestGate()

	v := g.Check(bid("2000", "0.0001"), num.MustParse("2000"), richPortfolio())
	require.NotNil(t, v)
	assert.Equal(t, RuleQtyBand, v.Rule)

	v = g.Check(bid("2000", "500"), num.MustParse("2000"), richPortfolio())
	require.NotNil(t, v)
	assert.Equal(t, RuleQtyBand, v.Rule)
}

func TestGate_FatFinger(t *testing.T) {
	limits := testLimits()
	limits.MaxQty = num.MustParse("100000")
	g := NewGate(limits, NewKillSwitch(), nil)

	// Spec scenario 4: price 50000 x qty 1000 = 50,000,000 over the 50,000
	// cap.
	v := g.Check(bid("50000", "1000"), num.MustParse("50000"), richPortfolio())
	require.NotNil(t, v)
	assert.Equal(t, RuleFatFinger, v.Rule)
	assert.Equal(t, "50000", v.Limit)
	assert.Equal(t, "50000000", v.Actual)
}

func TestGate_PriceBandDeviation(t *testing.T) {
	g, _, _ := newTestGate()

	// 2500 vs ref 2000 is 25% deviation, over the 10% band.
	v := g.Check(bid("2500", "1"), num.MustParse("2000"), richPortfolio())
	require.NotNil(t, v)
	assert.Equal(t, RulePriceBand, v.Rule)

	// Within band passes.
	v = g.Check(bid("2100", "1"), num.MustParse("2000"), richPortfolio())
	assert.Nil(t, v)

	// No reference price: deviation check is skipped.
	v = g.Check(bid("2500", "1"), decimal.Zero, richPortfolio())
	assert.Nil(t, v)
}

func TestGate_InsufficientFunds(t *testing.T) {
	g, _, _ := newTestGate()

	poor := richPortfolio()
	poor.AvailableQuote = num.MustParse("100")
	v := g.Check(bid("2000", "1"), num.MustParse("2000"), poor)
	require.NotNil(t, v)
	assert.Equal(t, RuleInsufficient, v.Rule)

	// Ask locks base quantity instead.
	ask := bid("2000", "1")
	ask.Side = book.Ask
	broke := richPortfolio()
	broke.AvailableBase = num.MustParse("0.5")
	v = g.Check(ask, num.MustParse("2000"), broke)
	require.NotNil(t, v)
	assert.Equal(t, RuleInsufficient, v.Rule)
}

func TestGate_Leverage(t *testing.T) {
	g, _, _ := newTestGate()

	leveraged := richPortfolio()
	leveraged.Equity = num.MustParse("1000")
	leveraged.OpenNotional = num.MustParse("4000")
	// 4000 existing + 2000 new over 1000 equity = 6x > 5x.
	v := g.Check(bid("2000", "1"), num.MustParse("2000"), leveraged)
	require.NotNil(t, v)
	assert.Equal(t, RuleLeverage, v.Rule)
}

func TestLockAmount(t *testing.T) {
	o := bid("2000", "2")
	assert.True(t, LockAmount(o, decimal.Zero).Equal(num.MustParse("4000")))

	mkt := &book.Order{Side: book.Bid, Type: book.Market, Quantity: num.MustParse("2")}
	assert.True(t, LockAmount(mkt, num.MustParse("1500")).Equal(num.MustParse("3000")))

	ask := bid("2000", "2")
	ask.Side = book.Ask
	assert.True(t, LockAmount(ask, decimal.Zero).Equal(num.MustParse("2")))
}
