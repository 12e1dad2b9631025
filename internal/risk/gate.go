package risk

import (
	"github.com/shopspring/decimal"

	"gleipnir/internal/book"
	"gleipnir/internal/num"
)

// Limits are the per-instrument trading constraints the gate enforces.
type Limits struct {
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal

	MinQty decimal.Decimal
	MaxQty decimal.Decimal

	// Notional bounds. MinNotional is the dust limit, MaxNotional the
	// fat-finger limit.
	MinNotional decimal.Decimal
	MaxNotional decimal.Decimal

	// MaxPriceDeviation is a fraction versus the reference price, e.g. 0.10
	// allows limit prices within 10% of reference.
	MaxPriceDeviation decimal.Decimal

	// MaxLeverage bounds total notional over equity.
	MaxLeverage decimal.Decimal
}

// PortfolioSnapshot is the point-in-time funds view the gate evaluates
// against. The executor builds it from the inventory before each check.
type PortfolioSnapshot struct {
	AvailableBase  decimal.Decimal
	AvailableQuote decimal.Decimal
	Equity         decimal.Decimal
	OpenNotional   decimal.Decimal
}

// Gate is the synchronous pre-trade filter. Pure with respect to
// (order, reference price, portfolio snapshot, limits); the only ambient
// inputs are the kill switch and breaker flags consulted first.
type Gate struct {
	limits  Limits
	kill    *KillSwitch
	breaker *CircuitBreaker
}

func NewGate(limits Limits, kill *KillSwitch, breaker *CircuitBreaker) *Gate {
	return &Gate{limits: limits, kill: kill, breaker: breaker}
}

// LockAmount returns the funds a submitted order must lock: quote notional
// for a bid, base quantity for an ask. Market bids are estimated at the
// reference price.
func LockAmount(o *book.Order, ref decimal.Decimal) decimal.Decimal {
	if o.Side == book.Ask {
		return o.Quantity
	}
	price := o.Price
	if !num.IsPositive(price) {
		price = ref
	}
	return num.Notional(price, o.Quantity)
}

// Check runs every gate rule in order and short-circuits on the first
// failure. A nil return means the order may proceed.
func (g *Gate) Check(o *book.Order, ref decimal.Decimal, pf PortfolioSnapshot) *Violation {
	// 1. Emergency halt.
	if g.kill.Engaged() || (g.breaker != nil && g.breaker.IsTripped()) {
		return &Violation{Rule: RuleCircuitTripped, Limit: "0", Actual: "1"}
	}

	// 2. Sanity.
	if err := o.Validate(); err != nil {
		return &Violation{Rule: RuleValidation, Limit: err.Error(), Actual: o.Quantity.String()}
	}

	// 3. Quantity band.
	if num.IsPositive(g.limits.MinQty) && o.Quantity.LessThan(g.limits.MinQty) {
		return &Violation{Rule: RuleQtyBand, Limit: g.limits.MinQty.String(), Actual: o.Quantity.String()}
	}
	if num.IsPositive(g.limits.MaxQty) && o.Quantity.GreaterThan(g.limits.MaxQty) {
		return &Violation{Rule: RuleQtyBand, Limit: g.limits.MaxQty.String(), Actual: o.Quantity.String()}
	}

	// 4. Notional band, using the limit price or the reference for market
	// orders.
	price := o.Price
	if !num.IsPositive(price) {
		price = ref
	}
	if num.IsPositive(price) {
		notional := num.Notional(price, o.Quantity)
		if num.IsPositive(g.limits.MinNotional) && notional.LessThan(g.limits.MinNotional) {
			return &Violation{Rule: RuleFatFinger, Limit: g.limits.MinNotional.String(), Actual: notional.String()}
		}
		if num.IsPositive(g.limits.MaxNotional) && notional.GreaterThan(g.limits.MaxNotional) {
			return &Violation{Rule: RuleFatFinger, Limit: g.limits.MaxNotional.String(), Actual: notional.String()}
		}
	}

	// 5. Price band: absolute bounds, then deviation versus reference.
	if o.Type != book.Market {
		if num.IsPositive(g.limits.MinPrice) && o.Price.LessThan(g.limits.MinPrice) {
			return &Violation{Rule: RulePriceBand, Limit: g.limits.MinPrice.String(), Actual: o.Price.String()}
		}
		if num.IsPositive(g.limits.MaxPrice) && o.Price.GreaterThan(g.limits.MaxPrice) {
			return &Violation{Rule: RulePriceBand, Limit: g.limits.MaxPrice.String(), Actual: o.Price.String()}
		}
		if num.IsPositive(ref) && num.IsPositive(g.limits.MaxPriceDeviation) {
			deviation := num.DivBank(o.Price.Sub(ref).Abs(), ref, num.PriceScale)
			if deviation.GreaterThan(g.limits.MaxPriceDeviation) {
				return &Violation{
					Rule:   RulePriceBand,
					Limit:  g.limits.MaxPriceDeviation.String(),
					Actual: deviation.String(),
				}
			}
		}
	}

	// 6. Funds: the lock amount must be available in the paying asset.
	lock := LockAmount(o, ref)
	available := pf.AvailableBase
	if o.Side == book.Bid {
		available = pf.AvailableQuote
	}
	if available.LessThan(lock) {
		return &Violation{Rule: RuleInsufficient, Limit: available.String(), Actual: lock.String()}
	}

	// 7. Leverage on projected notional.
	if num.IsPositive(g.limits.MaxLeverage) {
		if !num.IsPositive(pf.Equity) {
			return &Violation{Rule: RuleLeverage, Limit: g.limits.MaxLeverage.String(), Actual: "inf"}
		}
		newNotional := decimal.Zero
		if num.IsPositive(price) {
			newNotional = num.Notional(price, o.Quantity)
		}
		projected := num.DivBank(pf.OpenNotional.Add(newNotional), pf.Equity, num.PriceScale)
		if projected.GreaterThan(g.limits.MaxLeverage) {
			return &Violation{Rule: RuleLeverage, Limit: g.limits.MaxLeverage.String(), Actual: projected.String()}
		}
	}

	return nil
}
