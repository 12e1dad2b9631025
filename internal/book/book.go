package book

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// Ladder is one side of the book: price levels kept sorted so that Min() is
// always the best price for that side.
type Ladder = btree.BTreeG[*Level]

// location pins a resting order to its side and price so a cancel never has
// to search the ladder.
type location struct {
	side  Side
	price decimal.Decimal
}

// Book owns the resting liquidity for a single symbol. It is not internally
// synchronized; the matching core serializes all access.
type Book struct {
	symbol string

	// Bids iterate highest price first, asks lowest first. Both ladders use
	// Min() for best via inverse comparators.
	Bids *Ladder
	Asks *Ladder

	// id -> (side, price), the O(1) cancel index.
	index map[uint64]location
}

func NewBook(symbol string) *Book {
	bids := btree.NewBTreeG(func(a, b *Level) bool {
		return a.Price.GreaterThan(b.Price)
	})
	asks := btree.NewBTreeG(func(a, b *Level) bool {
		return a.Price.LessThan(b.Price)
	})
	return &Book{
		symbol: symbol,
		Bids:   bids,
		Asks:   asks,
		index:  make(map[uint64]location),
	}
}

func (b *Book) Symbol() string {
	return b.symbol
}

// Resting returns the live resting order with the given id, if any.
func (b *Book) Resting(id uint64) (*Order, bool) {
	loc, ok := b.index[id]
	if !ok {
		return nil, false
	}
	level, ok := b.ladder(loc.side).GetMut(&Level{Price: loc.price})
	if !ok {
		return nil, false
	}
	for _, o := range level.Orders {
		if o.ID == id {
			return o, true
		}
	}
	return nil, false
}

// OrderCount returns the number of resting orders.
func (b *Book) OrderCount() int {
	return len(b.index)
}

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	level, ok := b.Bids.Min()
	if !ok {
		return decimal.Zero, false
	}
	return level.Price, true
}

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	level, ok := b.Asks.Min()
	if !ok {
		return decimal.Zero, false
	}
	return level.Price, true
}

// AddOrder crosses the incoming order against the opposite side under strict
// price-time priority and rests any residual the type allows. Invalid orders
// are rejected by the risk gate before this point, so AddOrder itself is not
// fallible; the final disposition is on the order's status.
//
// Trades are returned in execution order, together with each maker touched
// (in first-touch order) so the caller can settle and report both legs. The
// match price is always the maker's resting price.
func (b *Book) AddOrder(order *Order, nowNs uint64) ([]Trade, []*Order) {
	if order.Type == PostOnly && b.wouldCross(order) {
		order.Status = Rejected
		order.UpdatedNs = nowNs
		return nil, nil
	}

	var journal *fokJournal
	if order.Type == FillOrKill || order.TIF == FOK {
		journal = &fokJournal{taker: *order}
	}

	trades, makers := b.match(order, nowNs, journal)

	switch {
	case order.Remaining().Sign() == 0:
		// Fully consumed; fill() already set Filled.

	case order.Type == Market:
		// Market residual is dropped, an empty book is not an error.
		order.Status = Canceled
		order.UpdatedNs = nowNs

	case order.Type == ImmediateOrCancel || order.TIF == IOC:
		order.Status = Canceled
		order.UpdatedNs = nowNs

	case journal != nil:
		// FOK with residual: un-apply every trade from this call.
		b.rollback(order, journal)
		order.Status = Rejected
		order.UpdatedNs = nowNs
		return nil, nil

	default:
		b.rest(order)
		if len(trades) == 0 {
			order.Status = New
		}
		order.UpdatedNs = nowNs
	}

	return trades, makers
}

// Cancel removes a resting order. Returns true iff the id resolved to an
// active resting order; a second cancel of the same id is a no-op.
func (b *Book) Cancel(id uint64) bool {
	return b.remove(id, Canceled)
}

// ExpiredOrders returns, in book order, the resting GTD orders whose expiry
// is at or before nowNs. Read-only; pair with Expire so each removal can be
// logged as its own command.
func (b *Book) ExpiredOrders(nowNs uint64) []*Order {
	var expired []*Order
	collect := func(level *Level) bool {
		for _, o := range level.Orders {
			if o.TIF == GTD && o.ExpiresNs != 0 && o.ExpiresNs <= nowNs {
				expired = append(expired, o)
			}
		}
		return true
	}
	b.Bids.Scan(collect)
	b.Asks.Scan(collect)
	return expired
}

// Expire removes one resting order with terminal status Expired.
func (b *Book) Expire(id uint64) bool {
	return b.remove(id, Expired)
}

// SweepExpired expires every resting GTD order at or past its expiry and
// returns them in book order.
func (b *Book) SweepExpired(nowNs uint64) []*Order {
	expired := b.ExpiredOrders(nowNs)
	for _, o := range expired {
		b.remove(o.ID, Expired)
		o.UpdatedNs = nowNs
	}
	return expired
}

// Restore re-inserts resting orders from a snapshot. The slices must be in
// book order (best price first, insertion order within a level); appending in
// that order reproduces both the ladder and every level FIFO.
func (b *Book) Restore(bids, asks []*Order) {
	for _, o := range bids {
		b.rest(o)
	}
	for _, o := range asks {
		b.rest(o)
	}
}

// Snapshot returns the top depth aggregated levels per side. Read-only; the
// caller must serialize against mutation.
func (b *Book) Snapshot(depth int) (bids, asks []LevelView) {
	take := func(ladder *Ladder) []LevelView {
		views := make([]LevelView, 0, depth)
		ladder.Scan(func(level *Level) bool {
			views = append(views, LevelView{
				Price: level.Price,
				Qty:   level.TotalRemaining(),
			})
			return depth <= 0 || len(views) < depth
		})
		return views
	}
	return take(b.Bids), take(b.Asks)
}

// TotalRemaining sums the open quantity resting on one side.
func (b *Book) TotalRemaining(side Side) decimal.Decimal {
	total := decimal.Zero
	b.ladder(side).Scan(func(level *Level) bool {
		total = total.Add(level.TotalRemaining())
		return true
	})
	return total
}

// RestingOrders returns the resting orders on one side in book order: best
// price first, insertion order within a level. The snapshot file layout
// depends on this ordering for re-insertion.
func (b *Book) RestingOrders(side Side) []*Order {
	var out []*Order
	b.ladder(side).Scan(func(level *Level) bool {
		out = append(out, level.Orders...)
		return true
	})
	return out
}

// ----------------------------------------------------------------------------
// matching internals
// ----------------------------------------------------------------------------

func (b *Book) ladder(side Side) *Ladder {
	if side == Bid {
		return b.Bids
	}
	return b.Asks
}

// wouldCross reports whether the order would take liquidity at its price.
func (b *Book) wouldCross(order *Order) bool {
	best, ok := b.ladder(order.Side.Opposite()).Min()
	if !ok {
		return false
	}
	if order.Side == Bid {
		return best.Price.LessThanOrEqual(order.Price)
	}
	return best.Price.GreaterThanOrEqual(order.Price)
}

// crosses reports whether the aggressor's limit admits the given resting
// price. Market orders cross everything.
func crosses(order *Order, restingPrice decimal.Decimal) bool {
	if order.Type == Market {
		return true
	}
	if order.Side == Bid {
		return restingPrice.LessThanOrEqual(order.Price)
	}
	return restingPrice.GreaterThanOrEqual(order.Price)
}

// match consumes the opposite side while the aggressor has quantity and the
// prices cross. Each step is the pure transition
// (maker, taker, level price) -> (maker', taker', trade).
func (b *Book) match(order *Order, nowNs uint64, journal *fokJournal) ([]Trade, []*Order) {
	var (
		trades []Trade
		makers []*Order
	)
	opposite := b.ladder(order.Side.Opposite())

	for order.Remaining().Sign() > 0 {
		best, ok := opposite.MinMut()
		if !ok || !crosses(order, best.Price) {
			break
		}

		for order.Remaining().Sign() > 0 && !best.empty() {
			maker := best.head()
			if journal != nil {
				journal.record(maker)
			}

			trade := matchStep(order, maker, best.Price, nowNs)
			trades = append(trades, trade)
			makers = append(makers, maker)

			if maker.Remaining().Sign() == 0 {
				best.popHead()
				delete(b.index, maker.ID)
				if journal != nil {
					journal.popped(maker)
				}
			}
		}

		if best.empty() {
			opposite.Delete(best)
		}
	}
	return trades, makers
}

// matchStep executes one fill of the smaller remaining quantity at the
// maker's resting price and mutates both orders.
func matchStep(taker, maker *Order, levelPrice decimal.Decimal, nowNs uint64) Trade {
	qty := decimal.Min(taker.Remaining(), maker.Remaining())
	maker.fill(levelPrice, qty, nowNs)
	taker.fill(levelPrice, qty, nowNs)
	return Trade{
		TakerID:    taker.ID,
		MakerID:    maker.ID,
		Price:      levelPrice,
		Qty:        qty,
		TakerSide:  taker.Side,
		ExecutedNs: nowNs,
		TakerOwner: taker.Owner,
		MakerOwner: maker.Owner,
	}
}

// rest appends the order at its price level, creating the level if missing,
// and records it in the cancel index.
func (b *Book) rest(order *Order) {
	ladder := b.ladder(order.Side)
	if level, ok := ladder.GetMut(&Level{Price: order.Price}); ok {
		level.append(order)
	} else {
		ladder.Set(&Level{Price: order.Price, Orders: []*Order{order}})
	}
	b.index[order.ID] = location{side: order.Side, price: order.Price}
}

// remove takes a resting order out of the book and marks it with the given
// terminal status.
func (b *Book) remove(id uint64, status OrderStatus) bool {
	loc, ok := b.index[id]
	if !ok {
		return false
	}
	ladder := b.ladder(loc.side)
	level, ok := ladder.GetMut(&Level{Price: loc.price})
	if !ok {
		return false
	}
	var removed *Order
	for _, o := range level.Orders {
		if o.ID == id {
			removed = o
			break
		}
	}
	if removed == nil || !level.remove(id) {
		return false
	}
	removed.Status = status
	delete(b.index, id)
	if level.empty() {
		ladder.Delete(level)
	}
	return true
}

// ----------------------------------------------------------------------------
// FOK rollback
// ----------------------------------------------------------------------------

// fokJournal captures enough maker and taker state during a FOK match to
// un-apply every trade if the order cannot fill completely. The WAL record
// for a rejected FOK carries only the final decision, so the rollback leaves
// no observable state change.
type fokJournal struct {
	taker   Order // taker pre-state by value
	entries []fokEntry
}

type fokEntry struct {
	maker     *Order
	preState  Order // maker pre-state by value
	wasPopped bool
}

func (j *fokJournal) record(maker *Order) {
	j.entries = append(j.entries, fokEntry{maker: maker, preState: *maker})
}

func (j *fokJournal) popped(maker *Order) {
	for i := len(j.entries) - 1; i >= 0; i-- {
		if j.entries[i].maker == maker {
			j.entries[i].wasPopped = true
			return
		}
	}
}

// rollback restores maker remainings, statuses and the id index, re-inserting
// popped makers at the front of their level in reverse journal order so the
// original FIFO order is reproduced exactly.
func (b *Book) rollback(order *Order, journal *fokJournal) {
	for i := len(journal.entries) - 1; i >= 0; i-- {
		entry := journal.entries[i]
		*entry.maker = entry.preState

		if !entry.wasPopped {
			continue
		}
		ladder := b.ladder(entry.maker.Side)
		if level, ok := ladder.GetMut(&Level{Price: entry.maker.Price}); ok {
			level.pushFront(entry.maker)
		} else {
			ladder.Set(&Level{Price: entry.maker.Price, Orders: []*Order{entry.maker}})
		}
		b.index[entry.maker.ID] = location{side: entry.maker.Side, price: entry.maker.Price}
	}

	// Restore the taker's execution fields from its pre-state.
	order.Executed = journal.taker.Executed
	order.AvgFillPrice = journal.taker.AvgFillPrice
	order.Status = journal.taker.Status
	order.UpdatedNs = journal.taker.UpdatedNs
}
