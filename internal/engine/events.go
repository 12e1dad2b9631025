// Package engine is the single serialization point for book-mutating
// commands: risk-check, log, apply, settle, emit. One executor owns one
// book, its WAL, its inventory and the breaker's observation channel.
package engine

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"gleipnir/internal/book"
	"gleipnir/internal/risk"
)

// Event is anything the core emits downstream. (Seq, Intra) is a total order
// over the trades of one symbol. Rejection and fatal events carry the last
// logged sequence with intra 0/1, so they can share a pair with events of the
// previous command.
type Event interface {
	Ordering() (seq uint64, intra int)
}

// TradeEvent announces one execution.
type TradeEvent struct {
	Seq   uint64
	Intra int
	Trade book.Trade
}

func (e TradeEvent) Ordering() (uint64, int) { return e.Seq, e.Intra }

// OrderStatusUpdate announces a lifecycle transition. Reason is set only on
// rejections.
type OrderStatusUpdate struct {
	Seq   uint64
	Intra int

	OrderID   uint64
	Status    book.OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Reason    *risk.Violation
}

func (e OrderStatusUpdate) Ordering() (uint64, int) { return e.Seq, e.Intra }

// RiskAlert surfaces a warning or failure outside the order lifecycle.
type RiskAlert struct {
	Seq   uint64
	Intra int

	Level  risk.AlertLevel
	Rule   string
	Limit  string
	Actual string
	TNs    uint64
}

func (e RiskAlert) Ordering() (uint64, int) { return e.Seq, e.Intra }

// defaultEmitWait bounds how long a command may block on a full downstream
// queue before the event is dropped and counted.
const defaultEmitWait = 100 * time.Millisecond

// Emitter fans events out over a bounded channel. The executor must never be
// blocked indefinitely by a slow consumer: after the bounded wait the event
// is dropped and the drop counted.
type Emitter struct {
	ch      chan Event
	wait    time.Duration
	dropped atomic.Uint64
}

func NewEmitter(buffer int, wait time.Duration) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	if wait <= 0 {
		wait = defaultEmitWait
	}
	return &Emitter{ch: make(chan Event, buffer), wait: wait}
}

// Events is the consumer side.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Dropped returns how many events were lost to backpressure.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

func (e *Emitter) emit(ev Event) {
	select {
	case e.ch <- ev:
		return
	default:
	}

	timer := time.NewTimer(e.wait)
	defer timer.Stop()
	select {
	case e.ch <- ev:
	case <-timer.C:
		e.dropped.Add(1)
		seq, intra := ev.Ordering()
		log.Warn().
			Uint64("seq", seq).
			Int("intra", intra).
			Uint64("totalDropped", e.dropped.Load()).
			Msg("event queue full, dropped")
	}
}

// Close ends the stream; consumers see the channel close after the last
// emitted event.
func (e *Emitter) Close() {
	close(e.ch)
}
