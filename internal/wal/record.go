// Package wal is the write-ahead log: an append-only, monotonically
// sequenced record of accepted commands. Every state-mutating command is
// durable here before the book is touched, and replaying the log through the
// same code path reproduces the book bit-for-bit.
package wal

import (
	"encoding/binary"
	"errors"

	"github.com/shopspring/decimal"

	"gleipnir/internal/book"
)

// Kind discriminates record payloads.
type Kind uint8

const (
	KindPlaceOrder Kind = iota + 1
	KindCancelOrder
	KindSetReferencePrice
	KindCheckpoint
)

func (k Kind) String() string {
	switch k {
	case KindPlaceOrder:
		return "PLACE_ORDER"
	case KindCancelOrder:
		return "CANCEL_ORDER"
	case KindSetReferencePrice:
		return "SET_REFERENCE_PRICE"
	case KindCheckpoint:
		return "CHECKPOINT"
	}
	return "UNKNOWN"
}

var (
	ErrShortPayload = errors.New("wal: payload too short")
	ErrBadDecimal   = errors.New("wal: malformed decimal field")
)

// Record is one decoded log entry.
type Record struct {
	Seq     uint64
	TNs     uint64
	Kind    Kind
	Payload []byte
}

// ----------------------------------------------------------------------------
// payload encoding
//
// All integers are big-endian. Decimals are written as length-prefixed
// canonical strings: exact, scale-preserving, and independent of the in-memory
// representation.
// ----------------------------------------------------------------------------

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func appendDecimal(b []byte, d decimal.Decimal) []byte {
	return appendString(b, d.String())
}

// cursor walks a payload, latching the first error.
type cursor struct {
	b   []byte
	err error
}

func (c *cursor) u8() uint8 {
	if c.err != nil || len(c.b) < 1 {
		c.err = ErrShortPayload
		return 0
	}
	v := c.b[0]
	c.b = c.b[1:]
	return v
}

func (c *cursor) u64() uint64 {
	if c.err != nil || len(c.b) < 8 {
		c.err = ErrShortPayload
		return 0
	}
	v := binary.BigEndian.Uint64(c.b)
	c.b = c.b[8:]
	return v
}

func (c *cursor) str() string {
	if c.err != nil || len(c.b) < 2 {
		c.err = ErrShortPayload
		return ""
	}
	n := int(binary.BigEndian.Uint16(c.b))
	c.b = c.b[2:]
	if len(c.b) < n {
		c.err = ErrShortPayload
		return ""
	}
	s := string(c.b[:n])
	c.b = c.b[n:]
	return s
}

func (c *cursor) dec() decimal.Decimal {
	s := c.str()
	if c.err != nil {
		return decimal.Zero
	}
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		c.err = ErrBadDecimal
		return decimal.Zero
	}
	return d
}

// ----------------------------------------------------------------------------
// PlaceOrder
// ----------------------------------------------------------------------------

// PlaceOrderPayload carries everything replay needs to reconstruct the
// command, including the assigned id; nothing about the order may be derived
// from ambient state at replay time.
type PlaceOrderPayload struct {
	ID          uint64
	Side        book.Side
	Type        book.OrderType
	TIF         book.TimeInForce
	Price       decimal.Decimal
	StopPrice   decimal.Decimal
	Quantity    decimal.Decimal
	ExpiresNs   uint64
	Owner       string
	ClientTag   string
	StrategyTag string
}

func EncodePlaceOrder(p PlaceOrderPayload) []byte {
	b := make([]byte, 0, 64)
	b = binary.BigEndian.AppendUint64(b, p.ID)
	b = append(b, uint8(p.Side), uint8(p.Type), uint8(p.TIF))
	b = appendDecimal(b, p.Price)
	b = appendDecimal(b, p.StopPrice)
	b = appendDecimal(b, p.Quantity)
	b = binary.BigEndian.AppendUint64(b, p.ExpiresNs)
	b = appendString(b, p.Owner)
	b = appendString(b, p.ClientTag)
	b = appendString(b, p.StrategyTag)
	return b
}

func DecodePlaceOrder(payload []byte) (PlaceOrderPayload, error) {
	c := &cursor{b: payload}
	p := PlaceOrderPayload{
		ID:   c.u64(),
		Side: book.Side(c.u8()),
	}
	p.Type = book.OrderType(c.u8())
	p.TIF = book.TimeInForce(c.u8())
	p.Price = c.dec()
	p.StopPrice = c.dec()
	p.Quantity = c.dec()
	p.ExpiresNs = c.u64()
	p.Owner = c.str()
	p.ClientTag = c.str()
	p.StrategyTag = c.str()
	return p, c.err
}

// Order materializes the payload as a fresh order stamped with the record
// timestamp.
func (p PlaceOrderPayload) Order(tNs uint64) *book.Order {
	return &book.Order{
		ID:          p.ID,
		Owner:       p.Owner,
		ClientTag:   p.ClientTag,
		StrategyTag: p.StrategyTag,
		Side:        p.Side,
		Type:        p.Type,
		TIF:         p.TIF,
		Price:       p.Price,
		StopPrice:   p.StopPrice,
		Quantity:    p.Quantity,
		Status:      book.PendingNew,
		CreatedNs:   tNs,
		UpdatedNs:   tNs,
		ExpiresNs:   p.ExpiresNs,
	}
}

// ----------------------------------------------------------------------------
// CancelOrder
// ----------------------------------------------------------------------------

func EncodeCancelOrder(id uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, id)
}

func DecodeCancelOrder(payload []byte) (uint64, error) {
	c := &cursor{b: payload}
	id := c.u64()
	return id, c.err
}

// ----------------------------------------------------------------------------
// SetReferencePrice
// ----------------------------------------------------------------------------

func EncodeReferencePrice(p decimal.Decimal) []byte {
	return appendDecimal(nil, p)
}

func DecodeReferencePrice(payload []byte) (decimal.Decimal, error) {
	c := &cursor{b: payload}
	d := c.dec()
	return d, c.err
}

// ----------------------------------------------------------------------------
// Checkpoint
// ----------------------------------------------------------------------------

// CheckpointPayload points replay at a snapshot file; records with
// seq <= SnapshotSeq are already folded into that snapshot.
type CheckpointPayload struct {
	SnapshotSeq  uint64
	SnapshotFile string
}

func EncodeCheckpoint(p CheckpointPayload) []byte {
	b := binary.BigEndian.AppendUint64(nil, p.SnapshotSeq)
	return appendString(b, p.SnapshotFile)
}

func DecodeCheckpoint(payload []byte) (CheckpointPayload, error) {
	c := &cursor{b: payload}
	p := CheckpointPayload{
		SnapshotSeq:  c.u64(),
		SnapshotFile: c.str(),
	}
	return p, c.err
}
