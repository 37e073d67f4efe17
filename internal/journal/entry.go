// Package journal implements the append-only, memory-mapped operation
// log each symbol's order book writes to: a fixed binary header per
// entry, single-writer append, torn-write-tolerant replay, and
// temp-file-then-rename compaction.
package journal

import (
	"encoding/binary"
	"fmt"
)

// OpTag identifies the kind of mutation a journal entry records.
type OpTag uint8

const (
	OpAdd OpTag = iota + 1
	OpCancel
	OpExecute
	OpMarket
)

// headerSize is FixedHeader's on-disk size: sequence(8) + timestamp(8)
// + opTag(1) + entrySize(4) + 3 bytes padding, rounding the header up
// to 24 bytes.
const headerSize = 8 + 8 + 1 + 4 + 3

// Entry is one decoded journal record. Payload is the op-specific
// serialized body, exactly Header.entrySize bytes.
type Entry struct {
	Sequence  uint64
	Timestamp int64
	Op        OpTag
	Payload   []byte
}

// encode serializes a FixedHeader||Payload record.
func encode(sequence uint64, timestamp int64, op OpTag, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	return encodeInto(buf, sequence, timestamp, op, payload)
}

// encodeInto serializes into buf (which must have length
// headerSize+len(payload)) and returns it, letting callers reuse a
// pooled buffer instead of allocating per append.
func encodeInto(buf []byte, sequence uint64, timestamp int64, op OpTag, payload []byte) []byte {
	binary.LittleEndian.PutUint64(buf[0:8], sequence)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(timestamp))
	buf[16] = byte(op)
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

// decodeHeader reads the fixed header at the front of buf. buf must be
// at least headerSize bytes.
func decodeHeader(buf []byte) (sequence uint64, timestamp int64, op OpTag, entrySize uint32) {
	sequence = binary.LittleEndian.Uint64(buf[0:8])
	timestamp = int64(binary.LittleEndian.Uint64(buf[8:16]))
	op = OpTag(buf[16])
	entrySize = binary.LittleEndian.Uint32(buf[17:21])
	return
}

func (e Entry) String() string {
	return fmt.Sprintf("entry{seq=%d op=%d len=%d}", e.Sequence, e.Op, len(e.Payload))
}
