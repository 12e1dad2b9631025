package engine

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gleipnir/internal/book"
	"gleipnir/internal/inventory"
	"gleipnir/internal/num"
	"gleipnir/internal/risk"
	"gleipnir/internal/wal"
)

func newReplayCore(t *testing.T) *Core {
	t.Helper()
	wlog, err := wal.Open(wal.Options{Path: filepath.Join(t.TempDir(), "replay.wal")})
	require.NoError(t, err)

	kill := risk.NewKillSwitch()
	inv := inventory.NewManager("BTC", "USD")
	core := NewCore(Config{Symbol: "BTC-USD", EventBuffer: 64}, Deps{
		Gate:    risk.NewGate(risk.Limits{}, kill, nil),
		Kill:    kill,
		Breaker: risk.NewCircuitBreaker(risk.BreakerConfig{}, decimal.Zero),
		Inv:     inv,
		WAL:     wlog,
	})
	t.Cleanup(func() { core.Shutdown() })
	return core
}

func sideViews(c *Core) ([]book.LevelView, []book.LevelView) {
	return c.Snapshot(0)
}

func assertSameViews(t *testing.T, got, want []book.LevelView) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, got[i].Price.Equal(want[i].Price),
			"level %d price %s != %s", i, got[i].Price, want[i].Price)
		assert.True(t, got[i].Qty.Equal(want[i].Qty),
			"level %d qty %s != %s", i, got[i].Qty, want[i].Qty)
	}
}

func TestReplay_ReproducesBookAndTrades(t *testing.T) {
	h := newHarness(t, openLimits())

	// Place two asks, one bid (partial fill), cancel one ask, place another
	// bid.
	a1 := submitLimit(t, h, book.Ask, "2000", "5")
	a2 := submitLimit(t, h, book.Ask, "2010", "5")
	var liveTrades []book.Trade
	b1 := submitLimit(t, h, book.Bid, "2000", "3")
	liveTrades = append(liveTrades, b1.Trades...)
	_, err := h.core.Cancel(a2.OrderID)
	require.NoError(t, err)
	b2 := submitLimit(t, h, book.Bid, "1990", "2")
	liveTrades = append(liveTrades, b2.Trades...)
	_ = a1

	require.NoError(t, h.core.wlog.Sync())
	records, err := wal.ReadSegment(h.walPath)
	require.NoError(t, err)
	require.Len(t, records, 5)

	// Fresh book, same code path.
	replayed := newReplayCore(t)
	replayTrades, err := replayed.Replay(records)
	require.NoError(t, err)

	// The trade streams are identical, timestamps included.
	require.Len(t, replayTrades, len(liveTrades))
	for i := range liveTrades {
		assert.Equal(t, liveTrades[i].TakerID, replayTrades[i].TakerID)
		assert.Equal(t, liveTrades[i].MakerID, replayTrades[i].MakerID)
		assert.True(t, liveTrades[i].Price.Equal(replayTrades[i].Price))
		assert.True(t, liveTrades[i].Qty.Equal(replayTrades[i].Qty))
		assert.Equal(t, liveTrades[i].TakerSide, replayTrades[i].TakerSide)
		assert.Equal(t, liveTrades[i].ExecutedNs, replayTrades[i].ExecutedNs)
	}

	// Aggregated (price, qty) per side matches, and the id index holds the
	// same set of ids.
	liveBids, liveAsks := sideViews(h.core)
	gotBids, gotAsks := sideViews(replayed)
	assertSameViews(t, gotBids, liveBids)
	assertSameViews(t, gotAsks, liveAsks)
	assert.Equal(t, h.core.bk.OrderCount(), replayed.bk.OrderCount())
	for _, o := range h.core.bk.RestingOrders(book.Bid) {
		_, ok := replayed.bk.Resting(o.ID)
		assert.True(t, ok, "bid %d missing after replay", o.ID)
	}
	for _, o := range h.core.bk.RestingOrders(book.Ask) {
		_, ok := replayed.bk.Resting(o.ID)
		assert.True(t, ok, "ask %d missing after replay", o.ID)
	}

	// Id assignment continues where the log left off.
	assert.Equal(t, h.core.nextID, replayed.nextID)
}

func TestReplay_UnknownCancelIsNoOp(t *testing.T) {
	replayed := newReplayCore(t)

	records := []wal.Record{
		{Seq: 1, TNs: 1, Kind: wal.KindCancelOrder, Payload: wal.EncodeCancelOrder(999)},
	}
	trades, err := replayed.Replay(records)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestReplay_GateNotConsulted(t *testing.T) {
	// An order that present configuration would reject is still applied: the
	// log is authoritative for past decisions.
	replayed := newReplayCore(t)

	records := []wal.Record{
		{Seq: 1, TNs: 1, Kind: wal.KindPlaceOrder, Payload: wal.EncodePlaceOrder(wal.PlaceOrderPayload{
			ID: 1, Side: book.Bid, Type: book.Limit, TIF: book.GTC,
			Price: num.MustParse("1000000"), Quantity: num.MustParse("1000000"),
			Owner: "desk-a",
		})},
	}
	_, err := replayed.Replay(records)
	require.NoError(t, err)

	bids, _ := replayed.Snapshot(0)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Qty.Equal(num.MustParse("1000000")))
}

func TestCheckpointAndSnapshotRecovery(t *testing.T) {
	h := newHarness(t, openLimits())

	submitLimit(t, h, book.Ask, "2000", "5")
	submitLimit(t, h, book.Bid, "1990", "2")
	require.NoError(t, h.core.WriteCheckpoint())

	// Commands after the checkpoint.
	submitLimit(t, h, book.Bid, "1995", "1")

	require.NoError(t, h.core.wlog.Sync())
	records, err := wal.ReadSegment(h.walPath)
	require.NoError(t, err)

	// Find the checkpoint and resume from its snapshot.
	var cp wal.CheckpointPayload
	var after []wal.Record
	for _, rec := range records {
		if rec.Kind == wal.KindCheckpoint {
			cp, err = wal.DecodeCheckpoint(rec.Payload)
			require.NoError(t, err)
			after = nil
			continue
		}
		if cp.SnapshotFile != "" {
			after = append(after, rec)
		}
	}
	require.NotEmpty(t, cp.SnapshotFile)

	snap, err := wal.ReadSnapshot(cp.SnapshotFile)
	require.NoError(t, err)

	recovered := newReplayCore(t)
	recovered.LoadSnapshot(snap)
	_, err = recovered.Replay(after)
	require.NoError(t, err)

	liveBids, liveAsks := sideViews(h.core)
	gotBids, gotAsks := sideViews(recovered)
	assertSameViews(t, gotBids, liveBids)
	assertSameViews(t, gotAsks, liveAsks)
}
