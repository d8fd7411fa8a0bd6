package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	B string `cbor:"b"`
	A int    `cbor:"a"`
}

func TestDeterministic(t *testing.T) {
	first, err := Marshal(map[string]int{"z": 1, "a": 2, "m": 3})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(map[string]int{"m": 3, "z": 1, "a": 2})
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestAnyTargetsDecodeToStringMaps(t *testing.T) {
	data, err := Marshal(sample{A: 1, B: "x"})
	require.NoError(t, err)

	var out any
	require.NoError(t, Unmarshal(data, &out))
	m, ok := out.(map[string]any)
	require.True(t, ok, "expected map[string]any, got %T", out)
	require.Equal(t, "x", m["b"])
}

func TestStreamAndRawMessage(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(sample{A: 1}))
	require.NoError(t, enc.Encode(sample{A: 2}))

	dec := NewDecoder(&buf)
	for want := 1; want <= 2; want++ {
		var raw RawMessage
		require.NoError(t, dec.Decode(&raw))
		var s sample
		require.NoError(t, Unmarshal(raw, &s))
		require.Equal(t, want, s.A)
	}
}

func TestDiagnoseInvalid(t *testing.T) {
	require.Equal(t, "<invalid cbor>", Diagnose([]byte{0xff, 0xff}))
}
