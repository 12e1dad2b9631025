package book

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"gleipnir/internal/num"
)

var (
	ErrZeroQuantity = errors.New("order quantity must be positive")
	ErrZeroPrice    = errors.New("limit order price must be positive")
	ErrUnknownSide  = errors.New("unknown order side")
	ErrTypeMismatch = errors.New("order type and time-in-force disagree")
)

type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

func (s Side) String() string {
	switch s {
	case Bid:
		return "BID"
	case Ask:
		return "ASK"
	}
	return "UNKNOWN"
}

type OrderType int

const (
	// Limit orders rest on the book at their price until filled or cancelled.
	Limit OrderType = iota
	// Market orders execute immediately against resting liquidity and never
	// rest. Whatever cannot be filled is dropped.
	Market
	// ImmediateOrCancel matches like a limit, then drops any residual.
	ImmediateOrCancel
	// FillOrKill executes completely or not at all.
	FillOrKill
	// PostOnly rests or is rejected; it never takes liquidity.
	PostOnly
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "LIMIT"
	case Market:
		return "MARKET"
	case ImmediateOrCancel:
		return "IOC"
	case FillOrKill:
		return "FOK"
	case PostOnly:
		return "POST_ONLY"
	}
	return "UNKNOWN"
}

type TimeInForce int

const (
	GTC TimeInForce = iota
	IOC
	FOK
	GTD
)

func (t TimeInForce) String() string {
	switch t {
	case GTC:
		return "GTC"
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	case GTD:
		return "GTD"
	}
	return "UNKNOWN"
}

type OrderStatus int

const (
	Created OrderStatus = iota
	PendingNew
	New
	PartiallyFilled
	Filled
	Canceled
	Rejected
	Expired
)

func (s OrderStatus) String() string {
	switch s {
	case Created:
		return "CREATED"
	case PendingNew:
		return "PENDING_NEW"
	case New:
		return "NEW"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	case Canceled:
		return "CANCELED"
	case Rejected:
		return "REJECTED"
	case Expired:
		return "EXPIRED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case Filled, Canceled, Rejected, Expired:
		return true
	}
	return false
}

// Active reports whether the order may still trade or rest.
func (s OrderStatus) Active() bool {
	switch s {
	case PendingNew, New, PartiallyFilled:
		return true
	}
	return false
}

// Order is the atomic input and state unit of the matching core. It is
// constructed at command entry and mutated only by the book under the
// executor's exclusive access.
type Order struct {
	ID          uint64
	ClientTag   string
	StrategyTag string
	Owner       string

	Side Side
	Type OrderType
	TIF  TimeInForce

	Price     decimal.Decimal // zero for market orders
	StopPrice decimal.Decimal // carried, not triggered by the core
	Quantity  decimal.Decimal // original quantity, immutable after entry

	Executed     decimal.Decimal
	AvgFillPrice decimal.Decimal
	Status       OrderStatus

	CreatedNs uint64
	UpdatedNs uint64
	ExpiresNs uint64 // GTD only; zero means no expiry
}

// Remaining is the quantity still open.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Executed)
}

// Active reports whether the order may still trade or rest.
func (o *Order) Active() bool {
	return o.Status.Active()
}

// Validate performs the sanity checks that hold for every order regardless of
// configured risk limits.
func (o *Order) Validate() error {
	if !num.IsPositive(o.Quantity) {
		return ErrZeroQuantity
	}
	needsPrice := o.Type == Limit || o.Type == FillOrKill ||
		o.Type == ImmediateOrCancel || o.Type == PostOnly
	if needsPrice && !num.IsPositive(o.Price) {
		return ErrZeroPrice
	}
	if o.Side != Bid && o.Side != Ask {
		return ErrUnknownSide
	}
	if o.Type == Market && o.TIF == GTC {
		return ErrTypeMismatch
	}
	return nil
}

// fill applies one execution of qty at price and advances the lifecycle.
// The average fill price is the quantity-weighted mean over all fills.
func (o *Order) fill(price, qty decimal.Decimal, tNs uint64) {
	filledValue := o.AvgFillPrice.Mul(o.Executed).Add(price.Mul(qty))
	o.Executed = o.Executed.Add(qty)
	o.AvgFillPrice = num.DivBank(filledValue, o.Executed, num.PriceScale)
	if o.Remaining().Sign() == 0 {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
	o.UpdatedNs = tNs
}

func (o *Order) String() string {
	return fmt.Sprintf("order{id=%d %s %s %s px=%s qty=%s exec=%s status=%s owner=%s}",
		o.ID, o.Side, o.Type, o.TIF,
		o.Price, o.Quantity, o.Executed, o.Status, o.Owner)
}
