package store

import (
	"encoding/binary"
	"time"
)

// roomKey encodes a room id as 8 bytes, BIG endian, so keys sort by id.
func roomKey(room int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(room))
	return b
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func uidKey(uid int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(uid))
	return b
}

func keyUid(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}

func encodeTime(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func decodeTime(b []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}

func boolByte(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}
