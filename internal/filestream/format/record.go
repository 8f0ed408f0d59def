package format

import (
	"encoding/binary"
	"hash/crc32"
	"time"
	"unicode/utf8"

	"github.com/alxayo/streamfile/internal/bufpool"
	ferr "github.com/alxayo/streamfile/internal/errors"
)

// MaxRecordPayloadLen bounds a single record's payload so a corrupted
// frame_len field can never make the decoder attempt to read gigabytes
// into memory.
const MaxRecordPayloadLen = 64 << 20 // 64 MiB

const (
	frameLenFieldLen   = 4
	keyLenFieldLen     = 1
	shardIDFieldLen    = 8
	seqNoFieldLen      = 8
	tsMillisFieldLen   = 8
	tsNanoRemFieldLen  = 4
	payloadLenFieldLen = 4
	recordCRCFieldLen  = 4
)

// MessageHeader identifies one record within a file: the stream it belongs
// to, its shard, its per-(stream,shard) sequence number, and the timestamp
// the writer task assigned when the record was enqueued.
type MessageHeader struct {
	StreamKey StreamKey
	ShardID   uint64
	SeqNo     uint64
	TSMillis  int64
	TSNanoRem uint32 // nanosecond remainder within TSMillis
}

// Timestamp reconstructs the full-precision instant from TSMillis/TSNanoRem.
func (h MessageHeader) Timestamp() time.Time {
	return time.UnixMilli(h.TSMillis).UTC().Add(time.Duration(h.TSNanoRem) * time.Nanosecond)
}

// Record is a decoded (MessageHeader, payload) pair.
type Record struct {
	Header  MessageHeader
	Payload []byte
}

// PayloadString validates the payload as UTF-8 and returns it as a string.
// Payload bytes are arbitrary on the wire; this check is opt-in for callers
// that expect text.
func (r Record) PayloadString() (string, error) {
	if !utf8.Valid(r.Payload) {
		return "", ferr.NewUtf8Error("record.payloadString", nil)
	}
	return string(r.Payload), nil
}

func headerBlockLen(keyLen int) int {
	return keyLenFieldLen + keyLen + shardIDFieldLen + seqNoFieldLen + tsMillisFieldLen + tsNanoRemFieldLen
}

// EncodeRecord serializes h and payload into one on-disk frame:
// u32 frame_len | header_block | u32 payload_len | payload | u32 crc32c.
func EncodeRecord(h MessageHeader, payload []byte) ([]byte, error) {
	if len(payload) > MaxRecordPayloadLen {
		return nil, ferr.NewFormatErr("format.encodeRecord", ferr.FormatOversizeRecord, -1)
	}
	if err := ValidateStreamKey(string(h.StreamKey)); err != nil {
		return nil, err
	}
	keyBytes := []byte(h.StreamKey)
	hbLen := headerBlockLen(len(keyBytes))
	frameLen := hbLen + payloadLenFieldLen + len(payload)
	total := frameLenFieldLen + frameLen + recordCRCFieldLen

	// Pulled from the shared pool rather than allocated fresh: this runs
	// once per record on the writer task's hot path, and the sink returns
	// the buffer once the frame has been appended to the file (sink.handleWrite).
	buf := bufpool.Get(total)
	pos := 0
	binary.BigEndian.PutUint32(buf[pos:], uint32(frameLen))
	pos += frameLenFieldLen

	buf[pos] = byte(len(keyBytes))
	pos += keyLenFieldLen
	pos += copy(buf[pos:], keyBytes)

	binary.BigEndian.PutUint64(buf[pos:], h.ShardID)
	pos += shardIDFieldLen
	binary.BigEndian.PutUint64(buf[pos:], h.SeqNo)
	pos += seqNoFieldLen
	binary.BigEndian.PutUint64(buf[pos:], uint64(h.TSMillis))
	pos += tsMillisFieldLen
	binary.BigEndian.PutUint32(buf[pos:], h.TSNanoRem)
	pos += tsNanoRemFieldLen

	binary.BigEndian.PutUint32(buf[pos:], uint32(len(payload)))
	pos += payloadLenFieldLen
	pos += copy(buf[pos:], payload)

	crc := crc32.Checksum(buf[:pos], castagnoli)
	binary.BigEndian.PutUint32(buf[pos:], crc)

	return buf, nil
}

// DecodeRecord parses one record frame starting at buf[0], which represents
// file bytes at the given absolute offset. It returns the number of bytes
// consumed on success. If buf does not yet contain a complete frame, it
// returns ferr.NewNotEnoughBytes and consumed == 0; this is not necessarily
// corruption, the writer may simply not have flushed the rest yet.
func DecodeRecord(buf []byte, offset int64) (*Record, int, error) {
	const op = "format.decodeRecord"
	if len(buf) < frameLenFieldLen {
		return nil, 0, ferr.NewNotEnoughBytes(op, offset)
	}
	frameLen := binary.BigEndian.Uint32(buf[:frameLenFieldLen])
	if frameLen > MaxRecordPayloadLen+uint32(headerBlockLen(int(MaxStreamKeyLen))+payloadLenFieldLen) {
		return nil, 0, ferr.NewFormatErr(op, ferr.FormatOversizeRecord, offset)
	}
	total := frameLenFieldLen + int(frameLen) + recordCRCFieldLen
	if len(buf) < total {
		return nil, 0, ferr.NewNotEnoughBytes(op, offset)
	}

	pos := frameLenFieldLen
	if pos+keyLenFieldLen > total-recordCRCFieldLen {
		return nil, 0, ferr.NewFormatErr(op, ferr.FormatTruncated, offset)
	}
	keyLen := int(buf[pos])
	pos += keyLenFieldLen
	fixedTail := shardIDFieldLen + seqNoFieldLen + tsMillisFieldLen + tsNanoRemFieldLen + payloadLenFieldLen
	if pos+keyLen+fixedTail > total-recordCRCFieldLen {
		return nil, 0, ferr.NewFormatErr(op, ferr.FormatTruncated, offset)
	}
	key := string(buf[pos : pos+keyLen])
	pos += keyLen

	shardID := binary.BigEndian.Uint64(buf[pos:])
	pos += shardIDFieldLen
	seqNo := binary.BigEndian.Uint64(buf[pos:])
	pos += seqNoFieldLen
	tsMillis := int64(binary.BigEndian.Uint64(buf[pos:]))
	pos += tsMillisFieldLen
	tsNanoRem := binary.BigEndian.Uint32(buf[pos:])
	pos += tsNanoRemFieldLen

	payloadLen := binary.BigEndian.Uint32(buf[pos:])
	pos += payloadLenFieldLen
	if pos+int(payloadLen) > total-recordCRCFieldLen {
		return nil, 0, ferr.NewFormatErr(op, ferr.FormatTruncated, offset)
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[pos:pos+int(payloadLen)])
	pos += int(payloadLen)

	gotCRC := crc32.Checksum(buf[:pos], castagnoli)
	wantCRC := binary.BigEndian.Uint32(buf[pos:])
	if gotCRC != wantCRC {
		return nil, 0, ferr.NewFormatErr(op, ferr.FormatChecksumMismatch, offset)
	}

	if err := ValidateStreamKey(key); err != nil {
		return nil, 0, ferr.NewFormatErr(op, ferr.FormatInvalidStreamKey, offset)
	}

	rec := &Record{
		Header: MessageHeader{
			StreamKey: StreamKey(key),
			ShardID:   shardID,
			SeqNo:     seqNo,
			TSMillis:  tsMillis,
			TSNanoRem: tsNanoRem,
		},
		Payload: payload,
	}
	return rec, total, nil
}
