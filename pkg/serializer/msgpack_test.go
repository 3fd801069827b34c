package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMsgPackRoundTripMap(t *testing.T) {
	s := MsgPackSerializer{}
	in := map[string]interface{}{
		"type": "get",
		"data": map[string]interface{}{
			"key":   []byte("k1"),
			"value": []byte("v1"),
		},
	}
	b, err := s.Serialize(in)
	require.NoError(t, err)

	out, err := s.Deserialize(b)
	require.NoError(t, err)

	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "get", m["type"])
}

func TestMsgPackDeserializeInto(t *testing.T) {
	type payload struct {
		Key   []byte `msgpack:"key"`
		Value []byte `msgpack:"value"`
	}
	s := MsgPackSerializer{}
	b, err := s.Serialize(payload{Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)

	var out payload
	require.NoError(t, s.DeserializeInto(b, &out))
	assert.Equal(t, []byte("k"), out.Key)
	assert.Equal(t, []byte("v"), out.Value)
}

func TestMsgPackPreservesBinaryDistinctFromText(t *testing.T) {
	s := MsgPackSerializer{}
	b, err := s.Serialize(map[string]interface{}{"a": []byte{0x00, 0xff}, "b": "text"})
	require.NoError(t, err)

	out, err := s.Deserialize(b)
	require.NoError(t, err)
	m := out.(map[string]interface{})
	assert.IsType(t, []byte{}, m["a"])
	assert.IsType(t, "", m["b"])
}
