package net

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gleipnir/internal/book"
	"gleipnir/internal/num"
)

func TestNewOrderWireRoundTrip(t *testing.T) {
	in := NewOrderMessage{
		BaseMessage: BaseMessage{TypeOf: NewOrder},
		Side:        book.Bid,
		OrderType:   book.Limit,
		TIF:         book.GTD,
		Price:       num.MustParse("1999.50"),
		Quantity:    num.MustParse("2.5"),
		ExpiresNs:   12345,
		Owner:       "desk-a",
		ClientTag:   "c-1",
		StrategyTag: "mm",
	}

	parsed, err := parseMessage(EncodeNewOrder(in))
	require.NoError(t, err)
	out, ok := parsed.(NewOrderMessage)
	require.True(t, ok)

	assert.Equal(t, book.Bid, out.Side)
	assert.Equal(t, book.Limit, out.OrderType)
	assert.Equal(t, book.GTD, out.TIF)
	assert.True(t, out.Price.Equal(in.Price))
	assert.True(t, out.StopPrice.IsZero())
	assert.True(t, out.Quantity.Equal(in.Quantity))
	assert.Equal(t, uint64(12345), out.ExpiresNs)
	assert.Equal(t, "desk-a", out.Owner)
	assert.Equal(t, "c-1", out.ClientTag)
	assert.Equal(t, "mm", out.StrategyTag)

	req := out.Request()
	assert.Equal(t, "desk-a", req.Owner)
	assert.True(t, req.Quantity.Equal(in.Quantity))
}

func TestCancelAndReferenceRoundTrip(t *testing.T) {
	parsed, err := parseMessage(EncodeCancelOrder(77))
	require.NoError(t, err)
	cancel, ok := parsed.(CancelOrderMessage)
	require.True(t, ok)
	assert.Equal(t, uint64(77), cancel.OrderID)

	parsed, err = parseMessage(EncodeSetReference(num.MustParse("2010.25")))
	require.NoError(t, err)
	ref, ok := parsed.(SetReferenceMessage)
	require.True(t, ok)
	assert.True(t, ref.Price.Equal(num.MustParse("2010.25")))
}

func TestReportRoundTrip(t *testing.T) {
	in := Report{
		MessageType: ExecutionReport,
		Seq:         9,
		OrderID:     4,
		Status:      book.PartiallyFilled,
		NumTrades:   2,
		FilledQty:   num.MustParse("3.5"),
		AvgPrice:    num.MustParse("100.25"),
	}
	out, err := ParseReport(in.Serialize())
	require.NoError(t, err)
	assert.Equal(t, in.MessageType, out.MessageType)
	assert.Equal(t, in.Seq, out.Seq)
	assert.Equal(t, in.OrderID, out.OrderID)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.NumTrades, out.NumTrades)
	assert.True(t, out.FilledQty.Equal(in.FilledQty))
	assert.True(t, out.AvgPrice.Equal(in.AvgPrice))
	assert.Empty(t, out.Err)
}

func TestBookReportRoundTrip(t *testing.T) {
	bids := []book.LevelView{
		{Price: num.MustParse("99"), Qty: num.MustParse("5")},
		{Price: num.MustParse("98"), Qty: num.MustParse("1")},
	}
	asks := []book.LevelView{
		{Price: num.MustParse("101"), Qty: num.MustParse("2")},
	}

	gotBids, gotAsks, err := ParseBookReport(SerializeBookReport(bids, asks))
	require.NoError(t, err)
	require.Len(t, gotBids, 2)
	require.Len(t, gotAsks, 1)
	assert.True(t, gotBids[0].Price.Equal(num.MustParse("99")))
	assert.True(t, gotAsks[0].Qty.Equal(num.MustParse("2")))
}

func TestParseMessage_Garbage(t *testing.T) {
	_, err := parseMessage([]byte{0xFF})
	assert.ErrorIs(t, err, ErrMessageTooShort)

	_, err = parseMessage([]byte{0xFF, 0xFF, 1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidMessageType)
}
