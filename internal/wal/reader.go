package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// ErrTruncated reports that the stream ended at a corrupt or torn record.
// Everything before the truncation point was returned; the tail is invalid
// history and must be discarded.
var ErrTruncated = errors.New("wal: truncated at corrupt record")

// ReadAll decodes every valid record from r. On a CRC failure or torn frame
// it stops and returns the records read so far together with ErrTruncated;
// corruption invalidates that record and all that follow.
func ReadAll(r io.Reader) ([]Record, error) {
	records, _, err := decodeStream(bufio.NewReader(r))
	return records, err
}

// ReadSegment reads a log file from disk, transparently decompressing
// zstd-sealed segments.
func ReadSegment(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.HasSuffix(path, sealedZstdExt) {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return ReadAll(dec)
	}
	return ReadAll(f)
}

// decodeStream is the shared frame walker. It returns the decoded records,
// the byte offset where the valid prefix ends, and ErrTruncated if the
// stream ended mid-record or failed its checksum.
func decodeStream(r *bufio.Reader) ([]Record, int64, error) {
	var (
		records []Record
		valid   int64
		lastSeq uint64
	)

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				return records, valid, nil
			}
			// A torn length prefix: truncation point.
			return records, valid, ErrTruncated
		}
		frameLen := binary.BigEndian.Uint32(lenBuf[:])
		if frameLen < headerLen+4 || frameLen > maxRecordLen {
			log.Warn().Uint32("len", frameLen).Msg("wal: implausible record length, truncating")
			return records, valid, ErrTruncated
		}

		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(r, frame); err != nil {
			return records, valid, ErrTruncated
		}

		body := frame[:frameLen-4]
		sum := binary.BigEndian.Uint32(frame[frameLen-4:])
		if crc32.Checksum(body, castagnoli) != sum {
			log.Warn().Int64("offset", valid).Msg("wal: crc mismatch, truncating")
			return records, valid, ErrTruncated
		}

		rec := Record{
			Seq:  binary.BigEndian.Uint64(body[0:8]),
			TNs:  binary.BigEndian.Uint64(body[8:16]),
			Kind: Kind(body[16]),
		}
		rec.Payload = append([]byte(nil), body[headerLen:]...)

		// Sequence numbers are dense; a gap means the file was assembled
		// wrong and nothing after it can be trusted.
		if lastSeq > 0 && rec.Seq != lastSeq+1 {
			log.Warn().
				Uint64("expected", lastSeq+1).
				Uint64("got", rec.Seq).
				Msg("wal: sequence gap, truncating")
			return records, valid, ErrTruncated
		}
		lastSeq = rec.Seq

		records = append(records, rec)
		valid += int64(4 + frameLen)
	}
}
