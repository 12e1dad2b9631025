package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gleipnir/internal/book"
	"gleipnir/internal/num"
)

func restingOrder(id uint64, side book.Side, price, qty string) *book.Order {
	return &book.Order{
		ID:        id,
		Owner:     "desk-a",
		Side:      side,
		Type:      book.Limit,
		TIF:       book.GTC,
		Price:     num.MustParse(price),
		Quantity:  num.MustParse(qty),
		Status:    book.New,
		CreatedNs: 10,
		UpdatedNs: 10,
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.snap")

	partial := restingOrder(3, book.Ask, "101.00", "5")
	partial.Executed = num.MustParse("2")
	partial.AvgFillPrice = num.MustParse("101.00")
	partial.Status = book.PartiallyFilled

	in := Snapshot{
		Seq: 42,
		TNs: 777,
		Bids: []*book.Order{
			restingOrder(1, book.Bid, "100.00", "1"),
			restingOrder(2, book.Bid, "99.00", "2"),
		},
		Asks: []*book.Order{partial},
	}
	require.NoError(t, WriteSnapshot(path, in))

	out, err := ReadSnapshot(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(42), out.Seq)
	assert.Equal(t, uint64(777), out.TNs)
	require.Len(t, out.Bids, 2)
	require.Len(t, out.Asks, 1)

	assert.Equal(t, uint64(1), out.Bids[0].ID, "bid order preserved best-first")
	assert.True(t, out.Bids[0].Price.Equal(num.MustParse("100.00")))
	assert.Equal(t, book.PartiallyFilled, out.Asks[0].Status)
	assert.True(t, out.Asks[0].Executed.Equal(num.MustParse("2")))
	assert.True(t, out.Asks[0].Remaining().Equal(num.MustParse("3")))
	assert.Equal(t, "desk-a", out.Asks[0].Owner)
}

func TestSnapshotCorruptionDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.snap")
	require.NoError(t, WriteSnapshot(path, Snapshot{Seq: 1, TNs: 2}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[3] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = ReadSnapshot(path)
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)
}
