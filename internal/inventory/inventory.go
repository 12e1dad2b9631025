// Package inventory is the in-process asset ledger: every unit is either
// free or locked, and trade settlement moves both legs atomically. Realized
// P&L is computed against the weighted average entry price of the base asset.
package inventory

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"gleipnir/internal/book"
	"gleipnir/internal/num"
)

var ErrUnknownAsset = errors.New("unknown asset")

// Insufficient is returned when an operation needs more than the available
// balance.
type Insufficient struct {
	Asset     string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *Insufficient) Error() string {
	return "insufficient " + e.Asset + ": available " + e.Available.String() +
		", requested " + e.Requested.String()
}

// Balance is the state of one asset.
type Balance struct {
	Asset string

	// Total is free plus locked.
	Total decimal.Decimal
	// Locked is reserved by active orders.
	Locked decimal.Decimal
	// AvgEntryPrice is the weighted average acquisition price, used for
	// realized P&L.
	AvgEntryPrice decimal.Decimal
}

// Available is the balance free to lock or withdraw.
func (b Balance) Available() decimal.Decimal {
	return b.Total.Sub(b.Locked)
}

// Manager tracks balances for one base/quote pair. It is not internally
// synchronized; only the command executor mutates it.
type Manager struct {
	base  string
	quote string

	balances map[string]*Balance
}

func NewManager(base, quote string) *Manager {
	return &Manager{
		base:     base,
		quote:    quote,
		balances: make(map[string]*Balance),
	}
}

func (m *Manager) BaseAsset() string  { return m.base }
func (m *Manager) QuoteAsset() string { return m.quote }

func (m *Manager) balance(asset string) *Balance {
	b, ok := m.balances[asset]
	if !ok {
		b = &Balance{Asset: asset}
		m.balances[asset] = b
	}
	return b
}

// Get returns a copy of the balance for an asset.
func (m *Manager) Get(asset string) Balance {
	if b, ok := m.balances[asset]; ok {
		return *b
	}
	return Balance{Asset: asset}
}

// Deposit credits free balance.
func (m *Manager) Deposit(asset string, amount decimal.Decimal) {
	b := m.balance(asset)
	b.Total = b.Total.Add(amount)
	log.Info().
		Str("asset", asset).
		Str("amount", amount.String()).
		Str("total", b.Total.String()).
		Msg("deposit")
}

// Withdraw debits free balance.
func (m *Manager) Withdraw(asset string, amount decimal.Decimal) error {
	b, ok := m.balances[asset]
	if !ok {
		return ErrUnknownAsset
	}
	if b.Available().LessThan(amount) {
		return &Insufficient{Asset: asset, Available: b.Available(), Requested: amount}
	}
	b.Total = b.Total.Sub(amount)
	log.Info().
		Str("asset", asset).
		Str("amount", amount.String()).
		Str("remaining", b.Total.String()).
		Msg("withdraw")
	return nil
}

// Lock reserves funds for a new order. Locking happens often, so it does not
// log on success.
func (m *Manager) Lock(asset string, amount decimal.Decimal) error {
	b := m.balance(asset)
	if b.Available().LessThan(amount) {
		return &Insufficient{Asset: asset, Available: b.Available(), Requested: amount}
	}
	b.Locked = b.Locked.Add(amount)
	return nil
}

// Unlock releases a reservation on cancel, rejection or residual refund.
// Unlocking more than is locked indicates a settlement bug: the ledger is
// clamped to zero so the process survives, and the caller is told so it can
// raise a fatal alert.
func (m *Manager) Unlock(asset string, amount decimal.Decimal) (clamped bool) {
	b := m.balance(asset)
	if b.Locked.LessThan(amount) {
		log.Error().
			Str("asset", asset).
			Str("locked", b.Locked.String()).
			Str("requested", amount.String()).
			Msg("CRITICAL: unlock exceeds locked, clamping to zero")
		b.Locked = decimal.Zero
		return true
	}
	b.Locked = b.Locked.Sub(amount)
	return false
}

// Settlement is the result of committing one trade leg pair.
type Settlement struct {
	// RealizedPnL is nonzero only when the trade reduced base inventory
	// (a sell): (price - avg entry) * qty.
	RealizedPnL decimal.Decimal
	// Clamped reports that the locked balance had to be force-corrected.
	Clamped bool
}

// Settle commits one trade against the ledger from this portfolio's side.
// Both legs move atomically: a bid consumes locked quote and credits base; an
// ask consumes locked base and credits quote.
func (m *Manager) Settle(side book.Side, price, qty decimal.Decimal) Settlement {
	cost := num.Notional(price, qty)
	var out Settlement

	switch side {
	case book.Bid:
		quote := m.balance(m.quote)
		quote.Total = quote.Total.Sub(cost)
		out.Clamped = m.Unlock(m.quote, cost)

		base := m.balance(m.base)
		// Weighted average entry: ((old total * old avg) + (qty * price)) /
		// (old total + qty).
		oldValue := base.Total.Mul(base.AvgEntryPrice)
		newTotal := base.Total.Add(qty)
		if num.IsPositive(newTotal) {
			base.AvgEntryPrice = num.DivBank(oldValue.Add(cost), newTotal, num.PriceScale)
		}
		base.Total = newTotal

	case book.Ask:
		base := m.balance(m.base)
		out.RealizedPnL = price.Sub(base.AvgEntryPrice).Mul(qty)
		base.Total = base.Total.Sub(qty)
		out.Clamped = m.Unlock(m.base, qty)

		quote := m.balance(m.quote)
		quote.Total = quote.Total.Add(cost)
	}

	return out
}

// Equity values the portfolio in quote terms at the given reference price.
func (m *Manager) Equity(ref decimal.Decimal) decimal.Decimal {
	quote := m.Get(m.quote).Total
	base := m.Get(m.base).Total
	return quote.Add(base.Mul(ref))
}

// PortfolioSnapshot returns the total balance of every asset the ledger has
// seen.
func (m *Manager) PortfolioSnapshot() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m.balances))
	for asset, b := range m.balances {
		out[asset] = b.Total
	}
	return out
}
