// Package blobmeta reads and writes the BlobMetadata sidecar that sits
// beside every stored blob: the original key (to verify the on-disk path),
// optional application metadata, the payload size, and an optional
// expiration timestamp.
//
// The on-disk format is a fixed magic, a version byte, a fixed header of
// flags, lengths, size and expiration, a CRC32 (Castagnoli) covering that
// header and the variable-length key and metadata, then those fields. Sidecars
// are small and variable-length, so the header is just long enough to
// describe what follows rather than a fixed-size block.
package blobmeta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

var (
	magic = [4]byte{'D', 'D', 'C', '1'}

	// ErrCorrupt indicates the sidecar failed its CRC check or is truncated.
	ErrCorrupt = errors.New("blobmeta: corrupt sidecar")

	// ErrIncompatible indicates the sidecar was written by an incompatible version.
	ErrIncompatible = errors.New("blobmeta: incompatible sidecar version")

	// ErrTooLarge indicates a field exceeds the caller-supplied limit.
	ErrTooLarge = errors.New("blobmeta: field too large")
)

const version = 1

const (
	flagHasMetadata byte = 1 << 0
	flagHasExpireAt byte = 1 << 1
)

// fixed header: magic(4) version(1) flags(1) keyLen(4) metadataLen(4) size(8) expireAtUnixNano(8) crc32(4)
const fixedHeaderSize = 4 + 1 + 1 + 4 + 4 + 8 + 8 + 4

// Metadata is the decoded contents of a sidecar.
type Metadata struct {
	Key      []byte
	Metadata []byte // nil if absent
	Size     uint64
	ExpireAt *time.Time // nil if the blob never expires
}

// Limits bounds the sizes accepted by [Encode] and [Decode], matching
// the daemon's max_key_size / max_metadata_size configuration options.
type Limits struct {
	MaxKeySize      int
	MaxMetadataSize int
}

// Encode serializes m into the sidecar wire format.
func Encode(m Metadata, limits Limits) ([]byte, error) {
	if limits.MaxKeySize > 0 && len(m.Key) > limits.MaxKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, limit %d", ErrTooLarge, len(m.Key), limits.MaxKeySize)
	}

	if limits.MaxMetadataSize > 0 && len(m.Metadata) > limits.MaxMetadataSize {
		return nil, fmt.Errorf("%w: metadata is %d bytes, limit %d", ErrTooLarge, len(m.Metadata), limits.MaxMetadataSize)
	}

	var flags byte

	var expireAtNano int64

	if m.Metadata != nil {
		flags |= flagHasMetadata
	}

	if m.ExpireAt != nil {
		flags |= flagHasExpireAt
		expireAtNano = m.ExpireAt.UnixNano()
	}

	body := make([]byte, 0, fixedHeaderSize+len(m.Key)+len(m.Metadata))
	body = append(body, magic[:]...)
	body = append(body, version, flags)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(m.Key)))
	body = binary.LittleEndian.AppendUint32(body, uint32(len(m.Metadata)))
	body = binary.LittleEndian.AppendUint64(body, m.Size)
	body = binary.LittleEndian.AppendUint64(body, uint64(expireAtNano))

	table := crc32.MakeTable(crc32.Castagnoli)
	crc := crc32.Checksum(body[len(magic)+2:], table)
	crc = crc32.Update(crc, table, m.Key)
	crc = crc32.Update(crc, table, m.Metadata)
	body = binary.LittleEndian.AppendUint32(body, crc)

	body = append(body, m.Key...)
	body = append(body, m.Metadata...)

	return body, nil
}

// Decode parses a sidecar previously produced by [Encode].
func Decode(b []byte, limits Limits) (Metadata, error) {
	if len(b) < fixedHeaderSize {
		return Metadata{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(b))
	}

	if !bytes.Equal(b[:4], magic[:]) {
		return Metadata{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	ver := b[4]
	if ver != version {
		return Metadata{}, fmt.Errorf("%w: got version %d, want %d", ErrIncompatible, ver, version)
	}

	flags := b[5]
	keyLen := binary.LittleEndian.Uint32(b[6:10])
	metaLen := binary.LittleEndian.Uint32(b[10:14])
	size := binary.LittleEndian.Uint64(b[14:22])
	expireAtNano := int64(binary.LittleEndian.Uint64(b[22:30]))
	wantCRC := binary.LittleEndian.Uint32(b[30:34])

	table := crc32.MakeTable(crc32.Castagnoli)
	gotCRC := crc32.Checksum(b[6:30], table)
	gotCRC = crc32.Update(gotCRC, table, b[fixedHeaderSize:])
	if gotCRC != wantCRC {
		return Metadata{}, fmt.Errorf("%w: crc mismatch", ErrCorrupt)
	}

	if limits.MaxKeySize > 0 && int(keyLen) > limits.MaxKeySize {
		return Metadata{}, fmt.Errorf("%w: key length %d exceeds limit %d", ErrCorrupt, keyLen, limits.MaxKeySize)
	}

	if limits.MaxMetadataSize > 0 && int(metaLen) > limits.MaxMetadataSize {
		return Metadata{}, fmt.Errorf("%w: metadata length %d exceeds limit %d", ErrCorrupt, metaLen, limits.MaxMetadataSize)
	}

	rest := b[fixedHeaderSize:]
	if uint64(len(rest)) != uint64(keyLen)+uint64(metaLen) {
		return Metadata{}, fmt.Errorf("%w: trailing length mismatch", ErrCorrupt)
	}

	key := make([]byte, keyLen)
	copy(key, rest[:keyLen])

	m := Metadata{Key: key, Size: size}

	if flags&flagHasMetadata != 0 {
		md := make([]byte, metaLen)
		copy(md, rest[keyLen:])
		m.Metadata = md
	}

	if flags&flagHasExpireAt != 0 {
		t := time.Unix(0, expireAtNano).UTC()
		m.ExpireAt = &t
	}

	return m, nil
}

// ReadFrom decodes a sidecar from r.
func ReadFrom(r io.Reader, limits Limits) (Metadata, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Metadata{}, fmt.Errorf("blobmeta: read sidecar: %w", err)
	}

	return Decode(b, limits)
}
