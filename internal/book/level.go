package book

import (
	"github.com/shopspring/decimal"
)

// Level is the FIFO of resting orders at one price. Orders are appended on
// arrival and consumed from the front, which is what gives time priority at
// equal price.
type Level struct {
	Price  decimal.Decimal
	Orders []*Order
}

// TotalRemaining sums the open quantity at this level.
func (l *Level) TotalRemaining() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.Orders {
		total = total.Add(o.Remaining())
	}
	return total
}

func (l *Level) empty() bool {
	return len(l.Orders) == 0
}

// head returns the first (oldest) resting order.
func (l *Level) head() *Order {
	return l.Orders[0]
}

func (l *Level) popHead() *Order {
	o := l.Orders[0]
	l.Orders = l.Orders[1:]
	return o
}

func (l *Level) pushFront(o *Order) {
	l.Orders = append([]*Order{o}, l.Orders...)
}

func (l *Level) append(o *Order) {
	l.Orders = append(l.Orders, o)
}

// remove deletes the order with the given id, preserving the FIFO order of
// the rest. Returns false if the id is not at this level.
func (l *Level) remove(id uint64) bool {
	for i, o := range l.Orders {
		if o.ID == id {
			l.Orders = append(l.Orders[:i], l.Orders[i+1:]...)
			return true
		}
	}
	return false
}

// LevelView is one aggregated price level as returned by Snapshot.
type LevelView struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}
