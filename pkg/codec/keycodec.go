package codec

import (
	"encoding/binary"
	"fmt"
)

// LenSize is the width, in bytes, of every length prefix this codec emits.
const LenSize = 2

// Sentinel is the value stored under index keys (the index only needs a
// key to exist, not a value). Tombstone reuses the same empty-byte
// representation for deleted data values.
var (
	Sentinel  = []byte{}
	Tombstone = []byte{}
)

func encodeLen(n int) []byte {
	b := make([]byte, LenSize)
	binary.BigEndian.PutUint16(b, uint16(n))
	return b
}

// DataPrefix returns keyspace || u16(len(userKey)) || userKey, the prefix
// shared by every version of userKey in the data keyspace.
func DataPrefix(keyspace, userKey []byte) []byte {
	out := make([]byte, 0, len(keyspace)+LenSize+len(userKey))
	out = append(out, keyspace...)
	out = append(out, encodeLen(len(userKey))...)
	out = append(out, userKey...)
	return out
}

// IndexPrefix returns keyspace || u16(len(hlcBytes)) || hlcBytes, the
// prefix identifying a starting point in the temporal index.
func IndexPrefix(keyspace, hlcBytes []byte) []byte {
	out := make([]byte, 0, len(keyspace)+LenSize+len(hlcBytes))
	out = append(out, keyspace...)
	out = append(out, encodeLen(len(hlcBytes))...)
	out = append(out, hlcBytes...)
	return out
}

// DataKey returns DataPrefix(keyspace,userKey) || u16(len(hlcBytes)) || hlcBytes.
func DataKey(keyspace, userKey, hlcBytes []byte) []byte {
	prefix := DataPrefix(keyspace, userKey)
	out := make([]byte, 0, len(prefix)+LenSize+len(hlcBytes))
	out = append(out, prefix...)
	out = append(out, encodeLen(len(hlcBytes))...)
	out = append(out, hlcBytes...)
	return out
}

// IndexKey returns IndexPrefix(keyspace,hlcBytes) || u16(len(userKey)) || userKey.
func IndexKey(keyspace, hlcBytes, userKey []byte) []byte {
	prefix := IndexPrefix(keyspace, hlcBytes)
	out := make([]byte, 0, len(prefix)+LenSize+len(userKey))
	out = append(out, prefix...)
	out = append(out, encodeLen(len(userKey))...)
	out = append(out, userKey...)
	return out
}

// ParseDataKey splits a data key (with its keyspace prefix already
// stripped by the caller's cursor scope, i.e. key starts right after
// keyspace) into (userKey, hlcBytes). Returns an error on truncation so
// the caller can skip the corrupted entry rather than panic.
func ParseDataKey(key []byte) (userKey, hlcBytes []byte, err error) {
	if len(key) < LenSize {
		return nil, nil, fmt.Errorf("codec: data key too short for user_len")
	}
	userLen := int(binary.BigEndian.Uint16(key[:LenSize]))
	rest := key[LenSize:]
	if len(rest) < userLen+LenSize {
		return nil, nil, fmt.Errorf("codec: data key truncated at user_key/hlc_len")
	}
	userKey = rest[:userLen]
	rest = rest[userLen:]
	hlcLen := int(binary.BigEndian.Uint16(rest[:LenSize]))
	rest = rest[LenSize:]
	if len(rest) < hlcLen {
		return nil, nil, fmt.Errorf("codec: data key truncated at hlc_bytes")
	}
	hlcBytes = rest[:hlcLen]
	return userKey, hlcBytes, nil
}

// ParseIndexKey splits an index key (keyspace prefix already stripped)
// into (hlcBytes, userKey).
func ParseIndexKey(key []byte) (hlcBytes, userKey []byte, err error) {
	if len(key) < LenSize {
		return nil, nil, fmt.Errorf("codec: index key too short for hlc_len")
	}
	hlcLen := int(binary.BigEndian.Uint16(key[:LenSize]))
	rest := key[LenSize:]
	if len(rest) < hlcLen+LenSize {
		return nil, nil, fmt.Errorf("codec: index key truncated at hlc_bytes/user_len")
	}
	hlcBytes = rest[:hlcLen]
	rest = rest[hlcLen:]
	userLen := int(binary.BigEndian.Uint16(rest[:LenSize]))
	rest = rest[LenSize:]
	if len(rest) < userLen {
		return nil, nil, fmt.Errorf("codec: index key truncated at user_key")
	}
	userKey = rest[:userLen]
	return hlcBytes, userKey, nil
}

// IncrementKey adds one to key read as a big-endian number, carrying into
// higher bytes, used to compute an exclusive upper bound for a prefix scan.
// An all-0xff key has no same-length successor: it becomes a longer
// all-zero key, which sorts before key and is not an upper bound for it.
func IncrementKey(key []byte) []byte {
	out := make([]byte, len(key))
	copy(out, key)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out
		}
		out[i] = 0x00
	}
	// all bytes were 0xff: no same-length successor exists, so grow by one
	return append(out, 0x00)
}

// DecrementKey subtracts one from key read as a big-endian number,
// borrowing from higher bytes, the mirror operation of IncrementKey. An
// all-0x00 key wraps to all 0xff of the same length, which sorts after key.
func DecrementKey(key []byte) []byte {
	out := make([]byte, len(key))
	copy(out, key)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0x00 {
			out[i]--
			return out
		}
		out[i] = 0xff
	}
	// all bytes were 0x00: no same-length predecessor exists
	return out
}
