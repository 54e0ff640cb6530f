package wire

import (
	"bytes"
	"encoding/binary"
)

/*
Record identity hashes are computed over a canonical binary layout: integers
little-endian, byte strings prefixed with the Bitcoin compact size encoding,
fields in declared order. The layout must be preserved bit-exactly; two nodes
disagreeing on a single byte here will disagree on every inventory hash.
*/

func putUint32(buf *bytes.Buffer, v uint32) {
	binary.Write(buf, binary.LittleEndian, v)
}

func putInt32(buf *bytes.Buffer, v int32) {
	binary.Write(buf, binary.LittleEndian, v)
}

func putInt64(buf *bytes.Buffer, v int64) {
	binary.Write(buf, binary.LittleEndian, v)
}

// PutCompactSize writes n in the Bitcoin variable-length integer encoding.
func PutCompactSize(buf *bytes.Buffer, n uint64) {
	switch {
	case n < 253:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(253)
		binary.Write(buf, binary.LittleEndian, uint16(n))
	case n <= 0xffffffff:
		buf.WriteByte(254)
		binary.Write(buf, binary.LittleEndian, uint32(n))
	default:
		buf.WriteByte(255)
		binary.Write(buf, binary.LittleEndian, n)
	}
}

func putBytes(buf *bytes.Buffer, b []byte) {
	PutCompactSize(buf, uint64(len(b)))
	buf.Write(b)
}

func putString(buf *bytes.Buffer, s string) {
	putBytes(buf, []byte(s))
}
