package format

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/alxayo/streamfile/internal/bufpool"
	ferr "github.com/alxayo/streamfile/internal/errors"
)

// HeaderSize is the fixed on-disk size of a FileHeader.
const HeaderSize = 128

const (
	fileMagic      = "SEAS"
	fileVersion    = 1
	magicLen       = 4
	versionLen     = 1
	beaconLen      = 4
	createdLen     = 8
	crcLen         = 4
	reservedLen    = HeaderSize - magicLen - versionLen - beaconLen - createdLen - crcLen
	headerCRCSpan  = HeaderSize - crcLen
	beaconDisabled = 0
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FileHeader is the file-scope metadata written once at offset 0.
type FileHeader struct {
	Version        uint8
	BeaconInterval uint32 // 0 disables beacons
	CreatedAt      time.Time
}

// BeaconEnabled reports whether this header requests periodic beacon frames.
func (h FileHeader) BeaconEnabled() bool { return h.BeaconInterval != beaconDisabled }

// NewFileHeader builds a header for a freshly created file.
func NewFileHeader(beaconInterval uint32, createdAt time.Time) FileHeader {
	return FileHeader{Version: fileVersion, BeaconInterval: beaconInterval, CreatedAt: createdAt}
}

// EncodeFileHeader serializes h into a HeaderSize-byte buffer, pulled from
// the shared pool like EncodeRecord (HeaderSize fits the pool's smallest
// size class exactly).
func EncodeFileHeader(h FileHeader) []byte {
	buf := bufpool.Get(HeaderSize)
	copy(buf[0:magicLen], fileMagic)
	buf[magicLen] = h.Version
	binary.BigEndian.PutUint32(buf[magicLen+versionLen:], h.BeaconInterval)
	binary.BigEndian.PutUint64(buf[magicLen+versionLen+beaconLen:], uint64(h.CreatedAt.UnixMilli()))
	// reserved bytes are left zero.
	crc := crc32.Checksum(buf[:headerCRCSpan], castagnoli)
	binary.BigEndian.PutUint32(buf[headerCRCSpan:], crc)
	return buf
}

// DecodeFileHeader parses a HeaderSize-byte buffer into a FileHeader,
// validating magic, version, and checksum in that order.
func DecodeFileHeader(buf []byte) (FileHeader, error) {
	const op = "format.decodeFileHeader"
	if len(buf) < HeaderSize {
		return FileHeader{}, ferr.NewHeaderErr(op, ferr.HeaderTruncated, int64(len(buf)))
	}
	if string(buf[0:magicLen]) != fileMagic {
		return FileHeader{}, ferr.NewHeaderErr(op, ferr.HeaderBadMagic, 0)
	}
	version := buf[magicLen]
	if version != fileVersion {
		return FileHeader{}, ferr.NewHeaderErr(op, ferr.HeaderUnsupportedVersion, int64(magicLen))
	}
	wantCRC := binary.BigEndian.Uint32(buf[headerCRCSpan:HeaderSize])
	gotCRC := crc32.Checksum(buf[:headerCRCSpan], castagnoli)
	if wantCRC != gotCRC {
		return FileHeader{}, ferr.NewHeaderErr(op, ferr.HeaderChecksumMismatch, int64(headerCRCSpan))
	}
	beacon := binary.BigEndian.Uint32(buf[magicLen+versionLen : magicLen+versionLen+beaconLen])
	createdMs := int64(binary.BigEndian.Uint64(buf[magicLen+versionLen+beaconLen : magicLen+versionLen+beaconLen+createdLen]))
	return FileHeader{
		Version:        version,
		BeaconInterval: beacon,
		CreatedAt:      time.UnixMilli(createdMs).UTC(),
	}, nil
}

// DescribeHeader decodes a header and reports its creation time and beacon
// interval, for diagnostic tooling that only needs to identify a file
// without streaming it.
func DescribeHeader(buf []byte) (createdAt time.Time, beaconInterval uint32, err error) {
	h, err := DecodeFileHeader(buf)
	if err != nil {
		return time.Time{}, 0, err
	}
	return h.CreatedAt, h.BeaconInterval, nil
}
