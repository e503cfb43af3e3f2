package protocol

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/multiformats/go-varint"
)

// DefaultBufferSize is the receive window of one connection.
const DefaultBufferSize = 64 * 1024

// maxVarIntLen is the longest minimal encoding of a 32-bit value.
const maxVarIntLen = 5

var (
	ErrShortRead       = errors.New("protocol: not enough buffered bytes")
	ErrMalformedVarInt = errors.New("protocol: malformed varint")
	ErrBufferFull      = errors.New("protocol: buffer full")
	ErrStringTooLong   = errors.New("protocol: string length exceeds buffer")
)

// Buffer is a bounded byte queue with a speculative read cursor.
//
// Reads advance the read cursor only. CommitRead discards everything before
// it; ResetRead rewinds it to the last commit so a partial packet can be
// re-parsed once more bytes arrive. Every Read* either consumes exactly the
// bytes of its field or fails without moving the cursor.
type Buffer struct {
	data     []byte
	read     int
	capacity int
}

// NewBuffer returns an empty buffer that holds at most capacity bytes.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		data:     make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// wrapBuffer exposes p as a read-only packet body.
func wrapBuffer(p []byte) *Buffer {
	return &Buffer{data: p, capacity: len(p)}
}

// Cap returns the maximum number of bytes the buffer holds.
func (b *Buffer) Cap() int { return b.capacity }

// Used returns the number of bytes held, read or not.
func (b *Buffer) Used() int { return len(b.data) }

// Free returns how many more bytes Write accepts.
func (b *Buffer) Free() int { return b.capacity - len(b.data) }

// Readable returns the bytes between the read cursor and the end.
func (b *Buffer) Readable() int { return len(b.data) - b.read }

// Clear drops all bytes and cursors.
func (b *Buffer) Clear() {
	b.data = b.data[:0]
	b.read = 0
}

// Write appends p in full or not at all.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.Free() {
		return 0, ErrBufferFull
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// CommitRead drops the bytes before the read cursor.
func (b *Buffer) CommitRead() {
	if b.read == 0 {
		return
	}
	n := copy(b.data, b.data[b.read:])
	b.data = b.data[:n]
	b.read = 0
}

// ResetRead rewinds the read cursor to the last commit.
func (b *Buffer) ResetRead() { b.read = 0 }

// CanReadBytes reports whether n unread bytes are available.
func (b *Buffer) CanReadBytes(n int) bool {
	return n >= 0 && b.Readable() >= n
}

// ReadBytes returns a copy of the next n bytes.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if !b.CanReadBytes(n) {
		return nil, ErrShortRead
	}
	out := make([]byte, n)
	copy(out, b.data[b.read:])
	b.read += n
	return out, nil
}

// ReadAll returns a copy of every unread byte.
func (b *Buffer) ReadAll() []byte {
	out, _ := b.ReadBytes(b.Readable())
	return out
}

// ReadVarInt decodes an unsigned LEB128 value in the 32-bit range.
// Non-minimal encodings are rejected.
func (b *Buffer) ReadVarInt() (uint32, error) {
	avail := b.data[b.read:]
	v, n, err := varint.FromUvarint(avail)
	switch {
	case errors.Is(err, varint.ErrUnderflow):
		if len(avail) >= maxVarIntLen {
			return 0, ErrMalformedVarInt
		}
		return 0, ErrShortRead
	case err != nil:
		return 0, ErrMalformedVarInt
	case v > math.MaxUint32:
		return 0, ErrMalformedVarInt
	}
	b.read += n
	return uint32(v), nil
}

// ReadBEUInt32 reads a big-endian uint32.
func (b *Buffer) ReadBEUInt32() (uint32, error) {
	if !b.CanReadBytes(4) {
		return 0, ErrShortRead
	}
	v := binary.BigEndian.Uint32(b.data[b.read:])
	b.read += 4
	return v, nil
}

// ReadBEInt32 reads a big-endian int32.
func (b *Buffer) ReadBEInt32() (int32, error) {
	v, err := b.ReadBEUInt32()
	return int32(v), err
}

// ReadBEInt64 reads a big-endian int64.
func (b *Buffer) ReadBEInt64() (int64, error) {
	if !b.CanReadBytes(8) {
		return 0, ErrShortRead
	}
	v := binary.BigEndian.Uint64(b.data[b.read:])
	b.read += 8
	return int64(v), nil
}

// ReadString reads a varint length followed by that many bytes.
func (b *Buffer) ReadString() (string, error) {
	start := b.read
	n, err := b.ReadVarInt()
	if err != nil {
		return "", err
	}
	if int64(n) > int64(b.capacity) {
		b.read = start
		return "", ErrStringTooLong
	}
	if !b.CanReadBytes(int(n)) {
		b.read = start
		return "", ErrShortRead
	}
	s := string(b.data[b.read : b.read+int(n)])
	b.read += int(n)
	return s, nil
}

// WriteVarInt appends the minimal LEB128 encoding of v.
func (b *Buffer) WriteVarInt(v uint32) error {
	_, err := b.Write(varint.ToUvarint(uint64(v)))
	return err
}

// WriteBEUInt32 appends v big-endian.
func (b *Buffer) WriteBEUInt32(v uint32) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	_, err := b.Write(tmp[:])
	return err
}

// WriteBEInt32 appends v big-endian.
func (b *Buffer) WriteBEInt32(v int32) error {
	return b.WriteBEUInt32(uint32(v))
}

// WriteBEInt64 appends v big-endian.
func (b *Buffer) WriteBEInt64(v int64) error {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	_, err := b.Write(tmp[:])
	return err
}

// WriteString appends a varint length and the bytes of s.
func (b *Buffer) WriteString(s string) error {
	size := varint.UvarintSize(uint64(len(s))) + len(s)
	if size > b.Free() || uint64(len(s)) > math.MaxUint32 {
		return ErrBufferFull
	}
	b.data = append(b.data, varint.ToUvarint(uint64(len(s)))...)
	b.data = append(b.data, s...)
	return nil
}

// WriteBytes appends p without a length prefix.
func (b *Buffer) WriteBytes(p []byte) error {
	_, err := b.Write(p)
	return err
}

// Bytes returns the unread bytes without copying.
func (b *Buffer) Bytes() []byte { return b.data[b.read:] }
