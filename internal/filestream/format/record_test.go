package format

import (
	stdErrors "errors"
	"testing"
	"time"

	ferr "github.com/alxayo/streamfile/internal/errors"
)

func TestRecordRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		header  MessageHeader
		payload []byte
	}{
		{"empty payload", MessageHeader{StreamKey: "live.a", ShardID: 1, SeqNo: 0, TSMillis: 1000, TSNanoRem: 123}, nil},
		{"small payload", MessageHeader{StreamKey: "live.b-2", ShardID: 9, SeqNo: 42, TSMillis: 99999, TSNanoRem: 0}, []byte("hello world")},
		{"binary payload", MessageHeader{StreamKey: "x", ShardID: 0, SeqNo: 7, TSMillis: 1, TSNanoRem: 999999}, []byte{0x00, 0xFF, 0x10, 0x00, 0x01}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf, err := EncodeRecord(c.header, c.payload)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			rec, n, err := DecodeRecord(buf, 0)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if n != len(buf) {
				t.Fatalf("expected to consume %d bytes, consumed %d", len(buf), n)
			}
			if rec.Header != c.header {
				t.Fatalf("header mismatch: got %+v, want %+v", rec.Header, c.header)
			}
			if len(c.payload) == 0 {
				if len(rec.Payload) != 0 {
					t.Fatalf("expected empty payload, got %v", rec.Payload)
				}
			} else if string(rec.Payload) != string(c.payload) {
				t.Fatalf("payload mismatch: got %v, want %v", rec.Payload, c.payload)
			}
		})
	}
}

func TestRecordTimestampRoundTrip(t *testing.T) {
	h := MessageHeader{StreamKey: "s", ShardID: 1, SeqNo: 1, TSMillis: 1700000000000, TSNanoRem: 500}
	want := time.UnixMilli(h.TSMillis).UTC().Add(500 * time.Nanosecond)
	if !h.Timestamp().Equal(want) {
		t.Fatalf("Timestamp() = %v, want %v", h.Timestamp(), want)
	}
}

func TestDecodeRecordNotEnoughBytesOnShortBuffer(t *testing.T) {
	h := MessageHeader{StreamKey: "live", ShardID: 1, SeqNo: 1, TSMillis: 1, TSNanoRem: 1}
	full, err := EncodeRecord(h, []byte("some payload bytes"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for cut := 0; cut < len(full); cut++ {
		_, _, err := DecodeRecord(full[:cut], 0)
		if err == nil {
			t.Fatalf("expected error decoding %d of %d bytes", cut, len(full))
		}
		var fe *ferr.FileErr
		if !stdErrors.As(err, &fe) {
			t.Fatalf("expected *ferr.FileErr, got %T", err)
		}
		if fe.Kind != ferr.KindNotEnoughBytes && fe.Kind != ferr.KindFormat {
			t.Fatalf("cut=%d: unexpected kind %v", cut, fe.Kind)
		}
	}
}

func TestDecodeRecordChecksumMismatch(t *testing.T) {
	h := MessageHeader{StreamKey: "live", ShardID: 1, SeqNo: 1, TSMillis: 1, TSNanoRem: 1}
	buf, err := EncodeRecord(h, []byte("payload"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	buf[len(buf)-5] ^= 0xFF // corrupt last payload byte, leaving trailing CRC stale
	_, _, err = DecodeRecord(buf, 0)
	assertFormatVariant(t, err, ferr.FormatChecksumMismatch)
}

func TestDecodeRecordOversizeFrameLen(t *testing.T) {
	h := MessageHeader{StreamKey: "live", ShardID: 1, SeqNo: 1, TSMillis: 1, TSNanoRem: 1}
	buf, err := EncodeRecord(h, []byte("payload"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Corrupt frame_len to an impossibly large value.
	buf[0], buf[1], buf[2], buf[3] = 0x7F, 0xFF, 0xFF, 0xFF
	_, _, err = DecodeRecord(buf, 0)
	assertFormatVariant(t, err, ferr.FormatOversizeRecord)
}

func TestEncodeRecordRejectsOversizePayload(t *testing.T) {
	h := MessageHeader{StreamKey: "live", ShardID: 1, SeqNo: 1, TSMillis: 1}
	_, err := EncodeRecord(h, make([]byte, MaxRecordPayloadLen+1))
	assertFormatVariant(t, err, ferr.FormatOversizeRecord)
}

func TestEncodeRecordRejectsInvalidStreamKey(t *testing.T) {
	h := MessageHeader{StreamKey: "bad key with spaces", ShardID: 0, SeqNo: 0, TSMillis: 0}
	if _, err := EncodeRecord(h, []byte("x")); err == nil {
		t.Fatalf("expected invalid stream key to be rejected")
	}
}

// TestRecordTruncationTolerance exercises the truncation-tolerance contract:
// reading a prefix of a valid stream of records either yields all complete
// records before the cut and then NotEnoughBytes, or a FormatErr — it never
// panics or silently returns wrong data.
func TestRecordTruncationTolerance(t *testing.T) {
	var frames [][]byte
	for i := 0; i < 5; i++ {
		h := MessageHeader{StreamKey: "live.truncate", ShardID: 0, SeqNo: uint64(i), TSMillis: int64(i), TSNanoRem: 0}
		buf, err := EncodeRecord(h, []byte("payload-data"))
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		frames = append(frames, buf)
	}
	var full []byte
	for _, f := range frames {
		full = append(full, f...)
	}

	for cut := 0; cut <= len(full); cut++ {
		buf := full[:cut]
		var offset int64
		decoded := 0
		for {
			rec, n, err := DecodeRecord(buf, offset)
			if err != nil {
				var fe *ferr.FileErr
				if !stdErrors.As(err, &fe) {
					t.Fatalf("cut=%d: expected *ferr.FileErr, got %T", cut, err)
				}
				if fe.Kind != ferr.KindNotEnoughBytes && fe.Kind != ferr.KindFormat {
					t.Fatalf("cut=%d: unexpected error kind %v", cut, fe.Kind)
				}
				break
			}
			if rec.Header.SeqNo != uint64(decoded) {
				t.Fatalf("cut=%d: expected seq %d, got %d", cut, decoded, rec.Header.SeqNo)
			}
			buf = buf[n:]
			offset += int64(n)
			decoded++
		}
		if decoded > len(frames) {
			t.Fatalf("cut=%d: decoded more records (%d) than were ever written (%d)", cut, decoded, len(frames))
		}
	}
}

func assertFormatVariant(t *testing.T, err error, want ferr.FormatVariant) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with variant %v, got nil", want)
	}
	var fe *ferr.FileErr
	if !stdErrors.As(err, &fe) {
		t.Fatalf("expected *ferr.FileErr, got %T", err)
	}
	if fe.Kind != ferr.KindFormat {
		t.Fatalf("expected KindFormat, got %v", fe.Kind)
	}
	if fe.FormatVariant != want {
		t.Fatalf("expected variant %v, got %v", want, fe.FormatVariant)
	}
}
