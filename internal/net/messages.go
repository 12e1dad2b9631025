package net

import (
	"encoding/binary"
	"errors"

	"github.com/shopspring/decimal"

	"gleipnir/internal/book"
	"gleipnir/internal/engine"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooShort    = errors.New("message too short")
	ErrBadDecimalField    = errors.New("malformed decimal field")
)

type MessageType int

const (
	Heartbeat MessageType = iota
	NewOrder
	CancelOrder
	SetReference
	QueryBook
)

type ReportMessageType int

const (
	ExecutionReport ReportMessageType = iota
	ErrorReport
	BookReport
)

type Message interface {
	GetType() MessageType
}

// BaseMessage carries the 2-byte type header every message starts with.
type BaseMessage struct {
	TypeOf MessageType // 2 bytes
}

func (m BaseMessage) GetType() MessageType {
	return m.TypeOf
}

// Decimals travel as length-prefixed canonical strings: exact, and the
// client never has to agree with us on a binary float layout.
func appendDecimal(b []byte, d decimal.Decimal) []byte {
	return appendString(b, d.String())
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func readString(msg []byte) (string, []byte, error) {
	if len(msg) < 2 {
		return "", nil, ErrMessageTooShort
	}
	n := int(binary.BigEndian.Uint16(msg))
	msg = msg[2:]
	if len(msg) < n {
		return "", nil, ErrMessageTooShort
	}
	return string(msg[:n]), msg[n:], nil
}

func readDecimal(msg []byte) (decimal.Decimal, []byte, error) {
	s, rest, err := readString(msg)
	if err != nil {
		return decimal.Zero, nil, err
	}
	if s == "" {
		return decimal.Zero, rest, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, nil, ErrBadDecimalField
	}
	return d, rest, nil
}

func parseMessage(msg []byte) (Message, error) {
	if len(msg) < 2 {
		return BaseMessage{}, ErrMessageTooShort
	}

	typeOf := MessageType(binary.BigEndian.Uint16(msg[0:2]))
	msg = msg[2:]
	switch typeOf {
	case Heartbeat:
		return BaseMessage{TypeOf: Heartbeat}, nil
	case NewOrder:
		return parseNewOrder(msg)
	case CancelOrder:
		return parseCancelOrder(msg)
	case SetReference:
		return parseSetReference(msg)
	case QueryBook:
		return parseQueryBook(msg)
	default:
		return BaseMessage{}, ErrInvalidMessageType
	}
}

// ----------------------------------------------------------------------------
// NewOrder
// ----------------------------------------------------------------------------

type NewOrderMessage struct {
	BaseMessage
	Side        book.Side        // 1 byte
	OrderType   book.OrderType   // 1 byte
	TIF         book.TimeInForce // 1 byte
	Price       decimal.Decimal  // length-prefixed string
	StopPrice   decimal.Decimal  // length-prefixed string
	Quantity    decimal.Decimal  // length-prefixed string
	ExpiresNs   uint64           // 8 bytes
	Owner       string           // length-prefixed string
	ClientTag   string           // length-prefixed string
	StrategyTag string           // length-prefixed string
}

// Request converts the wire message into the engine's command shape.
func (o *NewOrderMessage) Request() engine.SubmitRequest {
	return engine.SubmitRequest{
		Side:        o.Side,
		Type:        o.OrderType,
		TIF:         o.TIF,
		Price:       o.Price,
		StopPrice:   o.StopPrice,
		Quantity:    o.Quantity,
		ExpiresNs:   o.ExpiresNs,
		Owner:       o.Owner,
		ClientTag:   o.ClientTag,
		StrategyTag: o.StrategyTag,
	}
}

// EncodeNewOrder builds the client-side wire form.
func EncodeNewOrder(m NewOrderMessage) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(NewOrder))
	b = append(b, uint8(m.Side), uint8(m.OrderType), uint8(m.TIF))
	b = appendDecimal(b, m.Price)
	b = appendDecimal(b, m.StopPrice)
	b = appendDecimal(b, m.Quantity)
	b = binary.BigEndian.AppendUint64(b, m.ExpiresNs)
	b = appendString(b, m.Owner)
	b = appendString(b, m.ClientTag)
	b = appendString(b, m.StrategyTag)
	return b
}

func parseNewOrder(msg []byte) (NewOrderMessage, error) {
	m := NewOrderMessage{BaseMessage: BaseMessage{TypeOf: NewOrder}}
	if len(msg) < 3 {
		return m, ErrMessageTooShort
	}
	m.Side = book.Side(msg[0])
	m.OrderType = book.OrderType(msg[1])
	m.TIF = book.TimeInForce(msg[2])
	msg = msg[3:]

	var err error
	if m.Price, msg, err = readDecimal(msg); err != nil {
		return m, err
	}
	if m.StopPrice, msg, err = readDecimal(msg); err != nil {
		return m, err
	}
	if m.Quantity, msg, err = readDecimal(msg); err != nil {
		return m, err
	}
	if len(msg) < 8 {
		return m, ErrMessageTooShort
	}
	m.ExpiresNs = binary.BigEndian.Uint64(msg)
	msg = msg[8:]
	if m.Owner, msg, err = readString(msg); err != nil {
		return m, err
	}
	if m.ClientTag, msg, err = readString(msg); err != nil {
		return m, err
	}
	if m.StrategyTag, _, err = readString(msg); err != nil {
		return m, err
	}
	return m, nil
}

// ----------------------------------------------------------------------------
// CancelOrder
// ----------------------------------------------------------------------------

type CancelOrderMessage struct {
	BaseMessage
	OrderID uint64 // 8 bytes
}

func EncodeCancelOrder(id uint64) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(CancelOrder))
	return binary.BigEndian.AppendUint64(b, id)
}

func parseCancelOrder(msg []byte) (CancelOrderMessage, error) {
	m := CancelOrderMessage{BaseMessage: BaseMessage{TypeOf: CancelOrder}}
	if len(msg) < 8 {
		return m, ErrMessageTooShort
	}
	m.OrderID = binary.BigEndian.Uint64(msg)
	return m, nil
}

// ----------------------------------------------------------------------------
// SetReference
// ----------------------------------------------------------------------------

type SetReferenceMessage struct {
	BaseMessage
	Price decimal.Decimal
}

func EncodeSetReference(p decimal.Decimal) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(SetReference))
	return appendDecimal(b, p)
}

func parseSetReference(msg []byte) (SetReferenceMessage, error) {
	m := SetReferenceMessage{BaseMessage: BaseMessage{TypeOf: SetReference}}
	var err error
	m.Price, _, err = readDecimal(msg)
	return m, err
}

// ----------------------------------------------------------------------------
// QueryBook
// ----------------------------------------------------------------------------

type QueryBookMessage struct {
	BaseMessage
	Depth uint16
}

func EncodeQueryBook(depth uint16) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(QueryBook))
	return binary.BigEndian.AppendUint16(b, depth)
}

func parseQueryBook(msg []byte) (QueryBookMessage, error) {
	m := QueryBookMessage{BaseMessage: BaseMessage{TypeOf: QueryBook}}
	if len(msg) < 2 {
		return m, ErrMessageTooShort
	}
	m.Depth = binary.BigEndian.Uint16(msg)
	return m, nil
}

// ----------------------------------------------------------------------------
// Reports (server -> client)
// ----------------------------------------------------------------------------

// Report is the wire form sent back to clients: execution results and errors
// share the header; book snapshots have their own layout.
type Report struct {
	MessageType ReportMessageType // 1 byte
	Seq         uint64            // 8 bytes
	OrderID     uint64            // 8 bytes
	Status      book.OrderStatus  // 1 byte
	NumTrades   uint16            // 2 bytes
	FilledQty   decimal.Decimal
	AvgPrice    decimal.Decimal
	Err         string
}

// Serialize converts the report to be sent on the wire.
func (r *Report) Serialize() []byte {
	b := []byte{byte(r.MessageType)}
	b = binary.BigEndian.AppendUint64(b, r.Seq)
	b = binary.BigEndian.AppendUint64(b, r.OrderID)
	b = append(b, byte(r.Status))
	b = binary.BigEndian.AppendUint16(b, r.NumTrades)
	b = appendDecimal(b, r.FilledQty)
	b = appendDecimal(b, r.AvgPrice)
	b = appendString(b, r.Err)
	return b
}

// ParseReport decodes a report on the client side.
func ParseReport(msg []byte) (Report, error) {
	var r Report
	if len(msg) < 1+8+8+1+2 {
		return r, ErrMessageTooShort
	}
	r.MessageType = ReportMessageType(msg[0])
	r.Seq = binary.BigEndian.Uint64(msg[1:9])
	r.OrderID = binary.BigEndian.Uint64(msg[9:17])
	r.Status = book.OrderStatus(msg[17])
	r.NumTrades = binary.BigEndian.Uint16(msg[18:20])
	msg = msg[20:]

	var err error
	if r.FilledQty, msg, err = readDecimal(msg); err != nil {
		return r, err
	}
	if r.AvgPrice, msg, err = readDecimal(msg); err != nil {
		return r, err
	}
	if r.Err, _, err = readString(msg); err != nil {
		return r, err
	}
	return r, nil
}

// BookLevelWire is one aggregated level in a BookReport.
type BookLevelWire struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// SerializeBookReport flattens a depth snapshot for the wire.
func SerializeBookReport(bids, asks []book.LevelView) []byte {
	b := []byte{byte(BookReport)}
	b = binary.BigEndian.AppendUint16(b, uint16(len(bids)))
	for _, lv := range bids {
		b = appendDecimal(b, lv.Price)
		b = appendDecimal(b, lv.Qty)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(asks)))
	for _, lv := range asks {
		b = appendDecimal(b, lv.Price)
		b = appendDecimal(b, lv.Qty)
	}
	return b
}

// ParseBookReport decodes a BookReport frame.
func ParseBookReport(msg []byte) (bids, asks []BookLevelWire, err error) {
	if len(msg) < 1 || ReportMessageType(msg[0]) != BookReport {
		return nil, nil, ErrInvalidMessageType
	}
	msg = msg[1:]

	readSide := func(msg []byte) ([]BookLevelWire, []byte, error) {
		if len(msg) < 2 {
			return nil, nil, ErrMessageTooShort
		}
		n := int(binary.BigEndian.Uint16(msg))
		msg = msg[2:]
		levels := make([]BookLevelWire, 0, n)
		for i := 0; i < n; i++ {
			var lv BookLevelWire
			var err error
			if lv.Price, msg, err = readDecimal(msg); err != nil {
				return nil, nil, err
			}
			if lv.Qty, msg, err = readDecimal(msg); err != nil {
				return nil, nil, err
			}
			levels = append(levels, lv)
		}
		return levels, msg, nil
	}

	if bids, msg, err = readSide(msg); err != nil {
		return nil, nil, err
	}
	if asks, _, err = readSide(msg); err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}
