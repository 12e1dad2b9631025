package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"gleipnir/internal/book"
	"gleipnir/internal/inventory"
	"gleipnir/internal/num"
	"gleipnir/internal/risk"
	"gleipnir/internal/telemetry"
	"gleipnir/internal/wal"
)

// ErrHalted is returned once a fatal condition has stopped command intake.
var ErrHalted = errors.New("engine: command intake halted")

// Config carries the executor's own knobs; risk limits and breaker
// thresholds live with their components.
type Config struct {
	Symbol       string
	SnapshotPath string
	EventBuffer  int
	EmitWait     time.Duration
}

// SubmitRequest is the command surface's order shape. The core assigns the
// id and timestamps.
type SubmitRequest struct {
	Side        book.Side
	Type        book.OrderType
	TIF         book.TimeInForce
	Price       decimal.Decimal
	StopPrice   decimal.Decimal
	Quantity    decimal.Decimal
	Owner       string
	ClientTag   string
	StrategyTag string
	ExpiresNs   uint64
}

// SubmitResult reports an accepted order's outcome.
type SubmitResult struct {
	OrderID     uint64
	Seq         uint64
	Trades      []book.Trade
	FinalStatus book.OrderStatus
}

// CancelResult reports a cancel's outcome.
type CancelResult struct {
	Seq     uint64
	Removed bool
}

// lockState tracks how much of an order's original reservation is still
// held, so residuals and price improvement are refunded exactly once.
type lockState struct {
	asset     string
	remaining decimal.Decimal
}

// Core is the matching core: the one place the book, WAL, inventory and
// breaker observation meet. Commands take the write lock; snapshot readers
// take the read lock and copy structurally.
type Core struct {
	mu  sync.RWMutex
	cfg Config

	bk      *book.Book
	gate    *risk.Gate
	kill    *risk.KillSwitch
	breaker *risk.CircuitBreaker
	inv     *inventory.Manager
	wlog    *wal.Log
	emitter *Emitter
	lat     *telemetry.Tracker

	nowNs func() uint64

	nextID   uint64
	refPrice decimal.Decimal
	halted   bool
	locks    map[uint64]*lockState
}

// Deps are the collaborators injected into a core.
type Deps struct {
	Gate    *risk.Gate
	Kill    *risk.KillSwitch
	Breaker *risk.CircuitBreaker
	Inv     *inventory.Manager
	WAL     *wal.Log
	Latency *telemetry.Tracker // optional
}

func NewCore(cfg Config, d Deps) *Core {
	return &Core{
		cfg:     cfg,
		bk:      book.NewBook(cfg.Symbol),
		gate:    d.Gate,
		kill:    d.Kill,
		breaker: d.Breaker,
		inv:     d.Inv,
		wlog:    d.WAL,
		emitter: NewEmitter(cfg.EventBuffer, cfg.EmitWait),
		lat:     d.Latency,
		nowNs:   func() uint64 { return uint64(time.Now().UnixNano()) },
		nextID:  0,
		locks:   make(map[uint64]*lockState),
	}
}

// Events exposes the emission stream.
func (c *Core) Events() <-chan Event {
	return c.emitter.Events()
}

// DroppedEvents returns the backpressure drop count.
func (c *Core) DroppedEvents() uint64 {
	return c.emitter.Dropped()
}

// ReferencePrice returns the current externally supplied reference.
func (c *Core) ReferencePrice() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refPrice
}

// Snapshot returns the top depth aggregated levels. Readers copy; the book
// may advance immediately after.
func (c *Core) Snapshot(depth int) (bids, asks []book.LevelView) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bk.Snapshot(depth)
}

// Submit runs the full hot path: risk gate, funds lock, WAL append, match,
// settlement, emission, breaker observation. Rejections come back as a
// *risk.Violation error with no WAL record and no state change.
func (c *Core) Submit(req SubmitRequest) (SubmitResult, error) {
	total := c.lat.Start(telemetry.StageTotal)
	defer total.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted {
		return SubmitResult{}, ErrHalted
	}

	tNs := c.nowNs()
	c.nextID++
	order := &book.Order{
		ID:          c.nextID,
		Owner:       req.Owner,
		ClientTag:   req.ClientTag,
		StrategyTag: req.StrategyTag,
		Side:        req.Side,
		Type:        req.Type,
		TIF:         normalizeTIF(req.Type, req.TIF),
		Price:       req.Price,
		StopPrice:   req.StopPrice,
		Quantity:    req.Quantity,
		Status:      book.PendingNew,
		CreatedNs:   tNs,
		UpdatedNs:   tNs,
		ExpiresNs:   req.ExpiresNs,
	}

	// 1. Risk gate: pure over (order, reference, portfolio, limits).
	riskTimer := c.lat.Start(telemetry.StageRiskCheck)
	violation := c.gate.Check(order, c.refPrice, c.portfolio())
	riskTimer.Stop()
	if violation != nil {
		order.Status = book.Rejected
		c.emitRejection(order, violation, tNs)
		return SubmitResult{OrderID: order.ID, FinalStatus: book.Rejected}, violation
	}

	// 2. Lock funds. The gate already checked availability against the same
	// snapshot, so a failure here is a bookkeeping bug, not a user error.
	lockAsset := c.inv.QuoteAsset()
	if order.Side == book.Ask {
		lockAsset = c.inv.BaseAsset()
	}
	lockAmount := risk.LockAmount(order, c.refPrice)
	if err := c.inv.Lock(lockAsset, lockAmount); err != nil {
		violation := &risk.Violation{Rule: risk.RuleInsufficient, Limit: lockAsset, Actual: lockAmount.String()}
		order.Status = book.Rejected
		c.emitRejection(order, violation, tNs)
		return SubmitResult{OrderID: order.ID, FinalStatus: book.Rejected}, violation
	}
	c.locks[order.ID] = &lockState{asset: lockAsset, remaining: lockAmount}

	// 3. Durable before applied.
	walTimer := c.lat.Start(telemetry.StageWALAppend)
	seq, err := c.wlog.Append(tNs, wal.KindPlaceOrder, wal.EncodePlaceOrder(wal.PlaceOrderPayload{
		ID:          order.ID,
		Side:        order.Side,
		Type:        order.Type,
		TIF:         order.TIF,
		Price:       order.Price,
		StopPrice:   order.StopPrice,
		Quantity:    order.Quantity,
		ExpiresNs:   order.ExpiresNs,
		Owner:       order.Owner,
		ClientTag:   order.ClientTag,
		StrategyTag: order.StrategyTag,
	}))
	walTimer.Stop()
	if err != nil {
		c.releaseLock(order.ID)
		c.fatal("WAL_APPEND", err, tNs)
		return SubmitResult{}, fmt.Errorf("wal append: %w", err)
	}

	intra := 0
	c.emitter.emit(OrderStatusUpdate{
		Seq: seq, Intra: intra,
		OrderID: order.ID, Status: book.PendingNew,
		FilledQty: decimal.Zero, AvgPrice: decimal.Zero,
	})
	intra++

	// 4. Match.
	matchTimer := c.lat.Start(telemetry.StageMatch)
	trades, makers := c.bk.AddOrder(order, tNs)
	matchTimer.Stop()

	// 5. Settle each trade on both legs, emit in execution order, observe
	// realized P&L.
	settleTimer := c.lat.Start(telemetry.StageSettle)
	for i, trade := range trades {
		realized := c.settle(trade, seq, tNs, &intra)

		c.emitter.emit(TradeEvent{Seq: seq, Intra: intra, Trade: trade})
		intra++

		if trade.SelfMatch() {
			c.emitter.emit(RiskAlert{
				Seq: seq, Intra: intra,
				Level: risk.Warning, Rule: "SELF_MATCH",
				Limit: "0", Actual: trade.Qty.String(), TNs: tNs,
			})
			intra++
		}

		maker := makers[i]
		c.emitter.emit(OrderStatusUpdate{
			Seq: seq, Intra: intra,
			OrderID: maker.ID, Status: maker.Status,
			FilledQty: maker.Executed, AvgPrice: maker.AvgFillPrice,
		})
		intra++
		if maker.Status == book.Filled {
			c.releaseLock(maker.ID)
		}

		c.breaker.RecordPnL(realized)
	}
	settleTimer.Stop()

	// 6. Refund reservations: everything for a terminal taker, and the price
	// improvement a resting bid no longer needs (it locked at its limit but
	// filled better).
	if order.Status.Terminal() {
		c.releaseLock(order.ID)
	} else if order.Side == book.Bid && len(trades) > 0 {
		if ls, ok := c.locks[order.ID]; ok {
			needed := num.Notional(order.Price, order.Remaining())
			if ls.remaining.GreaterThan(needed) {
				c.inv.Unlock(ls.asset, ls.remaining.Sub(needed))
				ls.remaining = needed
			}
		}
	}

	c.emitter.emit(OrderStatusUpdate{
		Seq: seq, Intra: intra,
		OrderID: order.ID, Status: order.Status,
		FilledQty: order.Executed, AvgPrice: order.AvgFillPrice,
	})

	return SubmitResult{
		OrderID:     order.ID,
		Seq:         seq,
		Trades:      trades,
		FinalStatus: order.Status,
	}, nil
}

// Cancel logs and removes one resting order. Cancelling an unknown or
// already-terminal id returns Removed=false and leaves the book unchanged;
// the cancel record is still appended to the log.
func (c *Core) Cancel(id uint64) (CancelResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted {
		return CancelResult{}, ErrHalted
	}

	tNs := c.nowNs()
	seq, err := c.wlog.Append(tNs, wal.KindCancelOrder, wal.EncodeCancelOrder(id))
	if err != nil {
		c.fatal("WAL_APPEND", err, tNs)
		return CancelResult{}, fmt.Errorf("wal append: %w", err)
	}

	order, _ := c.bk.Resting(id)
	removed := c.bk.Cancel(id)
	if removed {
		c.releaseLock(id)
		c.emitter.emit(OrderStatusUpdate{
			Seq: seq, Intra: 0,
			OrderID: id, Status: book.Canceled,
			FilledQty: order.Executed, AvgPrice: order.AvgFillPrice,
		})
	} else {
		log.Warn().Uint64("orderId", id).Msg("cancel for unknown order")
	}

	return CancelResult{Seq: seq, Removed: removed}, nil
}

// SetReferencePrice records and applies a new reference for the price-band
// check and liquidation estimators.
func (c *Core) SetReferencePrice(p decimal.Decimal) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted {
		return 0, ErrHalted
	}

	tNs := c.nowNs()
	seq, err := c.wlog.Append(tNs, wal.KindSetReferencePrice, wal.EncodeReferencePrice(p))
	if err != nil {
		c.fatal("WAL_APPEND", err, tNs)
		return 0, fmt.Errorf("wal append: %w", err)
	}
	c.refPrice = p
	return seq, nil
}

// SweepExpired cancels every GTD order at or past expiry. Each expiry is
// logged as its own cancel so replay reproduces the book without a clock.
func (c *Core) SweepExpired() ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.halted {
		return nil, ErrHalted
	}

	tNs := c.nowNs()
	var swept []uint64
	for _, o := range c.bk.ExpiredOrders(tNs) {
		seq, err := c.wlog.Append(tNs, wal.KindCancelOrder, wal.EncodeCancelOrder(o.ID))
		if err != nil {
			c.fatal("WAL_APPEND", err, tNs)
			return swept, fmt.Errorf("wal append: %w", err)
		}
		c.bk.Expire(o.ID)
		c.releaseLock(o.ID)
		c.emitter.emit(OrderStatusUpdate{
			Seq: seq, Intra: 0,
			OrderID: o.ID, Status: book.Expired,
			FilledQty: o.Executed, AvgPrice: o.AvgFillPrice,
		})
		swept = append(swept, o.ID)
	}
	return swept, nil
}

// WriteCheckpoint persists the resting book and marks the log, letting the
// next recovery start from the snapshot instead of genesis.
func (c *Core) WriteCheckpoint() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeCheckpointLocked()
}

func (c *Core) writeCheckpointLocked() error {
	if c.cfg.SnapshotPath == "" {
		return nil
	}
	tNs := c.nowNs()
	snap := wal.Snapshot{
		Seq:  c.wlog.LastSeq(),
		TNs:  tNs,
		Bids: c.bk.RestingOrders(book.Bid),
		Asks: c.bk.RestingOrders(book.Ask),
	}
	if err := wal.WriteSnapshot(c.cfg.SnapshotPath, snap); err != nil {
		return err
	}
	_, err := c.wlog.Append(tNs, wal.KindCheckpoint, wal.EncodeCheckpoint(wal.CheckpointPayload{
		SnapshotSeq:  snap.Seq,
		SnapshotFile: c.cfg.SnapshotPath,
	}))
	return err
}

// Shutdown drains: writes a final checkpoint, closes the event stream and
// the log. The core accepts no commands afterwards.
func (c *Core) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.halted {
		if err := c.writeCheckpointLocked(); err != nil {
			log.Error().Err(err).Msg("checkpoint on shutdown failed")
		}
	}
	c.halted = true
	c.emitter.Close()
	if c.wlog == nil {
		return nil
	}
	return c.wlog.Close()
}

// ----------------------------------------------------------------------------
// recovery
// ----------------------------------------------------------------------------

// LoadSnapshot seeds an empty core from a snapshot. Must run before Replay.
func (c *Core) LoadSnapshot(snap wal.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bk.Restore(snap.Bids, snap.Asks)
	for _, o := range append(append([]*book.Order{}, snap.Bids...), snap.Asks...) {
		if o.ID > c.nextID {
			c.nextID = o.ID
		}
	}
}

// Replay applies logged records through the same matching path the live
// engine uses. The gate is skipped: the log is authoritative for past
// decisions, even ones present configuration would reject. Timestamps and
// ids come from the records, never the clock, so the resulting book and
// trade list are identical to the original execution.
func (c *Core) Replay(records []wal.Record) ([]book.Trade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var trades []book.Trade
	for _, rec := range records {
		switch rec.Kind {
		case wal.KindPlaceOrder:
			p, err := wal.DecodePlaceOrder(rec.Payload)
			if err != nil {
				return trades, fmt.Errorf("replay seq %d: %w", rec.Seq, err)
			}
			order := p.Order(rec.TNs)
			produced, _ := c.bk.AddOrder(order, rec.TNs)
			trades = append(trades, produced...)
			if p.ID > c.nextID {
				c.nextID = p.ID
			}

		case wal.KindCancelOrder:
			id, err := wal.DecodeCancelOrder(rec.Payload)
			if err != nil {
				return trades, fmt.Errorf("replay seq %d: %w", rec.Seq, err)
			}
			if !c.bk.Cancel(id) {
				// Tolerated: the order may have filled between log write and
				// cancel in the original run, or the id was never known.
				log.Debug().Uint64("orderId", id).Uint64("seq", rec.Seq).Msg("replay: cancel no-op")
			}

		case wal.KindSetReferencePrice:
			p, err := wal.DecodeReferencePrice(rec.Payload)
			if err != nil {
				return trades, fmt.Errorf("replay seq %d: %w", rec.Seq, err)
			}
			c.refPrice = p

		case wal.KindCheckpoint:
			// Markers carry no state of their own.

		default:
			return trades, fmt.Errorf("replay seq %d: unknown kind %d", rec.Seq, rec.Kind)
		}
	}

	log.Info().
		Int("records", len(records)).
		Int("trades", len(trades)).
		Uint64("nextId", c.nextID).
		Msg("replay complete")
	return trades, nil
}

// ----------------------------------------------------------------------------
// internals
// ----------------------------------------------------------------------------

func normalizeTIF(t book.OrderType, tif book.TimeInForce) book.TimeInForce {
	switch t {
	case book.Market, book.ImmediateOrCancel:
		return book.IOC
	case book.FillOrKill:
		return book.FOK
	}
	return tif
}

// portfolio builds the gate's funds view from the ledger and reference.
func (c *Core) portfolio() risk.PortfolioSnapshot {
	base := c.inv.Get(c.inv.BaseAsset())
	quote := c.inv.Get(c.inv.QuoteAsset())
	open := decimal.Zero
	if num.IsPositive(c.refPrice) {
		open = base.Total.Mul(c.refPrice)
	}
	return risk.PortfolioSnapshot{
		AvailableBase:  base.Available(),
		AvailableQuote: quote.Available(),
		Equity:         c.inv.Equity(c.refPrice),
		OpenNotional:   open,
	}
}

// settle commits both legs of one trade, maintains per-order lock
// accounting, and returns the realized P&L delta. A clamp during unlock is a
// ledger bug: logged CRITICAL and surfaced as a Fatal alert, but never a
// crash.
func (c *Core) settle(trade book.Trade, seq uint64, tNs uint64, intra *int) decimal.Decimal {
	taker := c.inv.Settle(trade.TakerSide, trade.Price, trade.Qty)
	maker := c.inv.Settle(trade.TakerSide.Opposite(), trade.Price, trade.Qty)

	cost := num.Notional(trade.Price, trade.Qty)
	if trade.TakerSide == book.Bid {
		c.consumeLock(trade.TakerID, cost)
		c.consumeLock(trade.MakerID, trade.Qty)
	} else {
		c.consumeLock(trade.TakerID, trade.Qty)
		c.consumeLock(trade.MakerID, cost)
	}

	if taker.Clamped || maker.Clamped {
		c.emitter.emit(RiskAlert{
			Seq: seq, Intra: *intra,
			Level: risk.Fatal, Rule: "LOCK_UNDERFLOW",
			Limit: "0", Actual: cost.String(), TNs: tNs,
		})
		*intra++
	}

	return taker.RealizedPnL.Add(maker.RealizedPnL)
}

// consumeLock reduces an order's outstanding reservation as fills spend it.
func (c *Core) consumeLock(orderID uint64, amount decimal.Decimal) {
	ls, ok := c.locks[orderID]
	if !ok {
		return
	}
	ls.remaining = ls.remaining.Sub(amount)
	if ls.remaining.Sign() <= 0 {
		ls.remaining = decimal.Zero
	}
}

// releaseLock refunds whatever reservation an order still holds.
func (c *Core) releaseLock(orderID uint64) {
	ls, ok := c.locks[orderID]
	if !ok {
		return
	}
	delete(c.locks, orderID)
	if ls.remaining.Sign() > 0 {
		c.inv.Unlock(ls.asset, ls.remaining)
	}
}

func (c *Core) emitRejection(order *book.Order, v *risk.Violation, tNs uint64) {
	seq := c.wlog.LastSeq()
	c.emitter.emit(OrderStatusUpdate{
		Seq: seq, Intra: 0,
		OrderID: order.ID, Status: book.Rejected,
		FilledQty: decimal.Zero, AvgPrice: decimal.Zero,
		Reason: v,
	})
	c.emitter.emit(RiskAlert{
		Seq: seq, Intra: 1,
		Level: risk.Rejection, Rule: v.Rule,
		Limit: v.Limit, Actual: v.Actual, TNs: tNs,
	})
}

// fatal halts command intake, trips the breaker and engages the kill switch,
// preserving in-memory state for forensic extraction.
func (c *Core) fatal(rule string, err error, tNs uint64) {
	c.halted = true
	c.breaker.Trip(rule, err.Error())
	c.kill.Engage(rule + ": " + err.Error())
	c.emitter.emit(RiskAlert{
		Seq: c.wlog.LastSeq(), Intra: 0,
		Level: risk.Fatal, Rule: rule,
		Limit: "", Actual: err.Error(), TNs: tNs,
	})
	log.Error().Err(err).Str("rule", rule).Msg("fatal: command intake halted")
}
