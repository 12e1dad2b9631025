package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// On-disk framing per record:
//
//	u32 length | u64 seq | u64 t_ns | u8 kind | payload | u32 crc32c
//
// length counts everything after itself. The CRC (Castagnoli) covers
// seq through payload. The log never rewrites; rotation renames the active
// file to a sealed suffix and opens a fresh one.

const (
	headerLen     = 8 + 8 + 1 // seq + t_ns + kind
	maxRecordLen  = 1 << 20   // sanity cap on a single record
	sealedSuffix  = ".sealed"
	sealedZstdExt = ".zst"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrClosed     = errors.New("wal: closed")
	ErrRecordSize = errors.New("wal: record exceeds size cap")
)

// Options configure the log.
type Options struct {
	Path string
	// Fsync forces a durability barrier after every append. Slower, but an
	// accepted command can never be lost.
	Fsync bool
	// CompressSealed zstd-compresses segments at rotation.
	CompressSealed bool
}

// Log is the append-only writer. Appends from multiple executors go through
// one small critical section that claims the sequence number and writes.
type Log struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	seq    uint64
	opts   Options
	closed bool
}

// Open opens or creates the log at opts.Path and recovers the last sequence
// number by scanning existing records. A torn tail is truncated away.
func Open(opts Options) (*Log, error) {
	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal mkdir: %w", err)
		}
	}

	lastSeq, validLen, err := scan(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("wal scan: %w", err)
	}

	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal open: %w", err)
	}
	if err := f.Truncate(validLen); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal truncate torn tail: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal seek: %w", err)
	}

	log.Info().
		Str("path", opts.Path).
		Uint64("lastSeq", lastSeq).
		Bool("fsync", opts.Fsync).
		Msg("wal opened")

	return &Log{
		f:    f,
		w:    bufio.NewWriter(f),
		seq:  lastSeq,
		opts: opts,
	}, nil
}

// LastSeq returns the sequence number of the most recent record.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Append claims the next sequence number, frames and writes the record, and
// applies the durability policy. An I/O failure here is fatal to command
// intake; the caller halts and trips the breaker.
func (l *Log) Append(tNs uint64, kind Kind, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if headerLen+len(payload) > maxRecordLen {
		return 0, ErrRecordSize
	}

	seq := l.seq + 1

	body := make([]byte, 0, headerLen+len(payload))
	body = binary.BigEndian.AppendUint64(body, seq)
	body = binary.BigEndian.AppendUint64(body, tNs)
	body = append(body, byte(kind))
	body = append(body, payload...)
	sum := crc32.Checksum(body, castagnoli)

	frame := make([]byte, 0, 4+len(body)+4)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)+4))
	frame = append(frame, body...)
	frame = binary.BigEndian.AppendUint32(frame, sum)

	if _, err := l.w.Write(frame); err != nil {
		return 0, fmt.Errorf("wal write: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return 0, fmt.Errorf("wal flush: %w", err)
	}
	if l.opts.Fsync {
		if err := l.f.Sync(); err != nil {
			return 0, fmt.Errorf("wal fsync: %w", err)
		}
	}

	l.seq = seq
	return seq, nil
}

// Sync forces a durability barrier.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Sync()
}

// Rotate seals the active file under a suffix carrying its last sequence and
// opens a fresh log at the same path. Sealed segments are optionally
// zstd-compressed; either way the original is never rewritten in place.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("wal rotate flush: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("wal rotate sync: %w", err)
	}
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("wal rotate close: %w", err)
	}

	sealed := fmt.Sprintf("%s%s-%d", l.opts.Path, sealedSuffix, l.seq)
	if err := os.Rename(l.opts.Path, sealed); err != nil {
		return fmt.Errorf("wal rotate rename: %w", err)
	}

	if l.opts.CompressSealed {
		if err := compressSegment(sealed); err != nil {
			// The uncompressed seal is still valid history.
			log.Warn().Err(err).Str("segment", sealed).Msg("sealed segment compression failed")
		}
	}

	f, err := os.OpenFile(l.opts.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal rotate reopen: %w", err)
	}
	l.f = f
	l.w = bufio.NewWriter(f)
	log.Info().Str("sealed", sealed).Uint64("lastSeq", l.seq).Msg("wal rotated")
	return nil
}

// Close flushes and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.w.Flush(); err != nil {
		return err
	}
	if err := l.f.Sync(); err != nil {
		return err
	}
	return l.f.Close()
}

func compressSegment(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + sealedZstdExt)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// scan walks an existing log, returning the last valid sequence number and
// the byte offset where valid data ends.
func scan(path string) (lastSeq uint64, validLen int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer f.Close()

	records, clean, err := decodeStream(bufio.NewReader(f))
	if err != nil {
		// A torn or corrupt tail is expected after a crash; everything past
		// the last valid record is discarded on open.
		log.Warn().
			Str("path", path).
			Int64("validBytes", clean).
			Msg("wal: discarding invalid tail")
	}
	if len(records) > 0 {
		lastSeq = records[len(records)-1].Seq
	}
	return lastSeq, clean, nil
}
