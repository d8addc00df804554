package identity

import (
	"encoding/binary"

	"roundtable/api/internal/fault"
)

// wireReader walks an SSH wire-format buffer: each field is a 4-byte
// big-endian length followed by that many bytes. A failed read leaves the
// offset where it was.
type wireReader struct {
	buf []byte
	off int
}

func newWireReader(buf []byte) *wireReader {
	return &wireReader{buf: buf}
}

func (r *wireReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *wireReader) readString() ([]byte, error) {
	if r.remaining() < 4 {
		return nil, fault.Newf(fault.KindInvalidKeyFormat, "truncated length prefix at offset %d", r.off)
	}
	n := binary.BigEndian.Uint32(r.buf[r.off : r.off+4])
	if uint64(n) > uint64(r.remaining()-4) {
		return nil, fault.Newf(fault.KindInvalidKeyFormat, "field length %d overruns buffer at offset %d", n, r.off)
	}
	start := r.off + 4
	end := start + int(n)
	r.off = end
	return r.buf[start:end], nil
}

// appendString is the inverse of readString.
func appendString(dst, field []byte) []byte {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(field)))
	dst = append(dst, size[:]...)
	return append(dst, field...)
}
