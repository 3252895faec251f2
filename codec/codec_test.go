package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-ctrl/message"
)

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	original := &message.Packet{
		Op:        "move_single_servo",
		Seq:       "3",
		Timestamp: "2024-05-01 10:00:00.000000 UTC",
		Contents:  map[string]any{"args": []any{"FL_ELBOW", json.Number("1900")}},
	}

	data, err := jsonCodec.Encode(original)
	require.NoError(t, err)

	decoded, err := jsonCodec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestJSONCodecStampsTimestamp(t *testing.T) {
	jsonCodec := &JSONCodec{}
	p := message.New(message.OpPing, nil)

	data, err := jsonCodec.Encode(p)
	require.NoError(t, err)
	assert.Empty(t, p.Timestamp, "encode must not mutate the packet")

	decoded, err := jsonCodec.Decode(data)
	require.NoError(t, err)
	_, err = decoded.Time()
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{}, decoded.Contents)
}

func TestJSONCodecKeepsIntegersApart(t *testing.T) {
	decoded, err := (&JSONCodec{}).Decode([]byte(`{"op":"x","seq":"1","timestamp":"t","contents":{"args":[1,1.5]}}`))
	require.NoError(t, err)

	args, _ := decoded.Field("args")
	assert.Equal(t, []any{json.Number("1"), json.Number("1.5")}, args)
}

func TestJSONCodecDecodeErrors(t *testing.T) {
	cases := []struct {
		name, body, msg string
	}{
		{"syntax", `{"op":`, "Invalid JSON"},
		{"not an object", `[1,2]`, "Invalid JSON"},
		{"null", `null`, "Invalid JSON"},
		{"trailing data", `{"op":"a","seq":"","timestamp":"","contents":{}} {}`, "Invalid JSON"},
		{"missing op", `{"seq":"1","timestamp":"t","contents":{}}`, "Missing op value"},
		{"missing contents", `{"op":"a","seq":"1","timestamp":"t"}`, "Missing contents value"},
		{"seq not a string", `{"op":"a","seq":1,"timestamp":"t","contents":{}}`, "Invalid seq value"},
		{"bad utf-8", "{\"op\":\"\xff\"}", "Invalid UTF-8"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := (&JSONCodec{}).Decode([]byte(tc.body))
			require.Error(t, err)
			assert.Equal(t, tc.msg, err.Error())
		})
	}
}
