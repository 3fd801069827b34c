// Package serializer defines the Serializer port and its MsgPack
// implementation, the canonical wire and persisted-state encoding used
// throughout the module.
package serializer

// Serializer is the encoding port every wire message and every persisted
// value goes through. Modeled as an interface (rather than free
// functions) so storage and transport code can be tested against a fake.
type Serializer interface {
	Serialize(v interface{}) ([]byte, error)
	// Deserialize decodes into a generic map/slice/scalar shape (the same
	// shape Serialize's input would have produced for map/slice/scalar
	// input); callers that need a concrete struct decode via DeserializeInto.
	Deserialize(data []byte) (interface{}, error)
	// DeserializeInto decodes directly into out, the same way
	// encoding/json.Unmarshal does.
	DeserializeInto(data []byte, out interface{}) error
}
