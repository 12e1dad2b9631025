package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"gleipnir/internal/book"
)

// Snapshot file layout:
//
//	u64 seq | u64 t_ns | u32 nbids | orders... | u32 nasks | orders... | u32 crc32c
//
// Orders are written in book order: best price first, insertion order within
// a level. Loading re-inserts in exactly this order, which reproduces both
// the ladder and every level's FIFO.

var ErrSnapshotCorrupt = errors.New("wal: snapshot checksum mismatch")

// Snapshot is the decoded form.
type Snapshot struct {
	Seq  uint64
	TNs  uint64
	Bids []*book.Order
	Asks []*book.Order
}

func appendOrder(b []byte, o *book.Order) []byte {
	b = binary.BigEndian.AppendUint64(b, o.ID)
	b = append(b, uint8(o.Side), uint8(o.Type), uint8(o.TIF), uint8(o.Status))
	b = appendDecimal(b, o.Price)
	b = appendDecimal(b, o.StopPrice)
	b = appendDecimal(b, o.Quantity)
	b = appendDecimal(b, o.Executed)
	b = appendDecimal(b, o.AvgFillPrice)
	b = binary.BigEndian.AppendUint64(b, o.CreatedNs)
	b = binary.BigEndian.AppendUint64(b, o.UpdatedNs)
	b = binary.BigEndian.AppendUint64(b, o.ExpiresNs)
	b = appendString(b, o.Owner)
	b = appendString(b, o.ClientTag)
	b = appendString(b, o.StrategyTag)
	return b
}

func (c *cursor) order() *book.Order {
	o := &book.Order{ID: c.u64()}
	o.Side = book.Side(c.u8())
	o.Type = book.OrderType(c.u8())
	o.TIF = book.TimeInForce(c.u8())
	o.Status = book.OrderStatus(c.u8())
	o.Price = c.dec()
	o.StopPrice = c.dec()
	o.Quantity = c.dec()
	o.Executed = c.dec()
	o.AvgFillPrice = c.dec()
	o.CreatedNs = c.u64()
	o.UpdatedNs = c.u64()
	o.ExpiresNs = c.u64()
	o.Owner = c.str()
	o.ClientTag = c.str()
	o.StrategyTag = c.str()
	return o
}

func (c *cursor) u32() uint32 {
	if c.err != nil || len(c.b) < 4 {
		c.err = ErrShortPayload
		return 0
	}
	v := binary.BigEndian.Uint32(c.b)
	c.b = c.b[4:]
	return v
}

// WriteSnapshot encodes and atomically writes a snapshot: written to a temp
// file, synced, then renamed into place.
func WriteSnapshot(path string, snap Snapshot) error {
	body := binary.BigEndian.AppendUint64(nil, snap.Seq)
	body = binary.BigEndian.AppendUint64(body, snap.TNs)

	body = binary.BigEndian.AppendUint32(body, uint32(len(snap.Bids)))
	for _, o := range snap.Bids {
		body = appendOrder(body, o)
	}
	body = binary.BigEndian.AppendUint32(body, uint32(len(snap.Asks)))
	for _, o := range snap.Asks {
		body = appendOrder(body, o)
	}
	body = binary.BigEndian.AppendUint32(body, crc32.Checksum(body, castagnoli))

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("snapshot mkdir: %w", err)
		}
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("snapshot create: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return fmt.Errorf("snapshot write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("snapshot sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("snapshot rename: %w", err)
	}

	log.Info().
		Str("path", path).
		Uint64("seq", snap.Seq).
		Int("bids", len(snap.Bids)).
		Int("asks", len(snap.Asks)).
		Msg("snapshot written")
	return nil
}

// ReadSnapshot loads and verifies a snapshot. Corruption here is fatal to
// recovery: the caller must fall back to genesis replay or halt.
func ReadSnapshot(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	if len(raw) < 8+8+4+4+4 {
		return Snapshot{}, ErrSnapshotCorrupt
	}

	body := raw[:len(raw)-4]
	sum := binary.BigEndian.Uint32(raw[len(raw)-4:])
	if crc32.Checksum(body, castagnoli) != sum {
		return Snapshot{}, ErrSnapshotCorrupt
	}

	c := &cursor{b: body}
	snap := Snapshot{
		Seq: c.u64(),
		TNs: c.u64(),
	}
	nbids := c.u32()
	for i := uint32(0); i < nbids && c.err == nil; i++ {
		snap.Bids = append(snap.Bids, c.order())
	}
	nasks := c.u32()
	for i := uint32(0); i < nasks && c.err == nil; i++ {
		snap.Asks = append(snap.Asks, c.order())
	}
	if c.err != nil {
		return Snapshot{}, ErrSnapshotCorrupt
	}
	return snap, nil
}
