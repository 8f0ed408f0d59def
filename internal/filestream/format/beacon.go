package format

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/alxayo/streamfile/internal/bufpool"
	ferr "github.com/alxayo/streamfile/internal/errors"
)

const beaconMagic = "BCN0"

const (
	beaconMagicLen = 4
	beaconCountLen = 2
)

// BeaconEntry records the last sequence number observed for a stream at the
// point a beacon was emitted, so a reader that resyncs after corruption
// knows where each stream's sequence space had reached.
type BeaconEntry struct {
	StreamKey StreamKey
	LastSeqNo uint64
}

// EncodeBeacon serializes a resync marker: magic, entry count, then each
// entry as u8 key_len | key_bytes | u64 seq_no, trailed by a crc32c over
// everything preceding it.
func EncodeBeacon(entries []BeaconEntry) ([]byte, error) {
	size := beaconMagicLen + beaconCountLen
	for _, e := range entries {
		if err := ValidateStreamKey(string(e.StreamKey)); err != nil {
			return nil, err
		}
		size += keyLenFieldLen + len(e.StreamKey) + seqNoFieldLen
	}
	buf := bufpool.Get(size + recordCRCFieldLen)
	copy(buf[0:beaconMagicLen], beaconMagic)
	binary.BigEndian.PutUint16(buf[beaconMagicLen:], uint16(len(entries)))
	pos := beaconMagicLen + beaconCountLen
	for _, e := range entries {
		buf[pos] = byte(len(e.StreamKey))
		pos += keyLenFieldLen
		pos += copy(buf[pos:], []byte(e.StreamKey))
		binary.BigEndian.PutUint64(buf[pos:], e.LastSeqNo)
		pos += seqNoFieldLen
	}
	crc := crc32.Checksum(buf[:pos], castagnoli)
	binary.BigEndian.PutUint32(buf[pos:], crc)
	return buf, nil
}

// DecodeBeacon parses a beacon frame at buf[0], representing absolute file
// offset. Returns NotEnoughBytes if buf does not yet hold a complete frame.
func DecodeBeacon(buf []byte, offset int64) ([]BeaconEntry, int, error) {
	const op = "format.decodeBeacon"
	if len(buf) < beaconMagicLen+beaconCountLen {
		return nil, 0, ferr.NewNotEnoughBytes(op, offset)
	}
	if string(buf[:beaconMagicLen]) != beaconMagic {
		return nil, 0, ferr.NewFormatErr(op, ferr.FormatTruncated, offset)
	}
	count := int(binary.BigEndian.Uint16(buf[beaconMagicLen:]))
	pos := beaconMagicLen + beaconCountLen
	entries := make([]BeaconEntry, 0, count)
	for i := 0; i < count; i++ {
		if pos+keyLenFieldLen > len(buf) {
			return nil, 0, ferr.NewNotEnoughBytes(op, offset)
		}
		keyLen := int(buf[pos])
		pos += keyLenFieldLen
		if pos+keyLen+seqNoFieldLen > len(buf) {
			return nil, 0, ferr.NewNotEnoughBytes(op, offset)
		}
		key := string(buf[pos : pos+keyLen])
		pos += keyLen
		seqNo := binary.BigEndian.Uint64(buf[pos:])
		pos += seqNoFieldLen
		entries = append(entries, BeaconEntry{StreamKey: StreamKey(key), LastSeqNo: seqNo})
	}
	if pos+recordCRCFieldLen > len(buf) {
		return nil, 0, ferr.NewNotEnoughBytes(op, offset)
	}
	gotCRC := crc32.Checksum(buf[:pos], castagnoli)
	wantCRC := binary.BigEndian.Uint32(buf[pos:])
	if gotCRC != wantCRC {
		return nil, 0, ferr.NewFormatErr(op, ferr.FormatChecksumMismatch, offset)
	}
	pos += recordCRCFieldLen
	return entries, pos, nil
}

// PeekMagic reports whether buf begins with the beacon magic, letting a
// reader that has just finished a record decide whether the next frame is a
// Beacon or another Record before committing to either decode path.
func PeekMagic(buf []byte) bool {
	return len(buf) >= beaconMagicLen && string(buf[:beaconMagicLen]) == beaconMagic
}
