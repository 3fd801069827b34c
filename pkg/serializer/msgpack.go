package serializer

import (
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPackSerializer is the canonical Serializer: MsgPack with binary
// values distinguished from text, matching the Python original's
// `msgpack.packb(msg, use_bin_type=True)`. vmihailenco/msgpack encodes
// Go []byte as bin type and string as str type by default, which is the
// Go-side equivalent of use_bin_type=True.
type MsgPackSerializer struct{}

var _ Serializer = MsgPackSerializer{}

// Serialize encodes v as MsgPack bytes.
func (MsgPackSerializer) Serialize(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Deserialize decodes data into a generic interface{} (map[string]interface{},
// []interface{}, or a scalar, mirroring msgpack.unpackb(data, raw=False)).
func (MsgPackSerializer) Deserialize(data []byte) (interface{}, error) {
	var v interface{}
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DeserializeInto decodes data directly into out.
func (MsgPackSerializer) DeserializeInto(data []byte, out interface{}) error {
	return msgpack.Unmarshal(data, out)
}
