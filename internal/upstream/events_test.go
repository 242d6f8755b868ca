package upstream

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"progress","data":{"value":3,"max":20}}`))
	require.NoError(t, err)
	assert.Equal(t, EventProgress, env.Type)
	assert.JSONEq(t, `{"value":3,"max":20}`, string(env.Data))
}

func TestParseEnvelope_Malformed(t *testing.T) {
	_, err := ParseEnvelope([]byte(`not json`))
	require.Error(t, err)

	_, err = ParseEnvelope([]byte(`{"data":{}}`))
	require.Error(t, err)
}

func TestSplitBinaryFrame(t *testing.T) {
	frame := make([]byte, 8+3)
	binary.LittleEndian.PutUint64(frame[:8], 1)
	copy(frame[8:], []byte{0xFF, 0xD8, 0xFF})

	code, image, err := SplitBinaryFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), code)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, image)
}

func TestSplitBinaryFrame_Short(t *testing.T) {
	_, _, err := SplitBinaryFrame([]byte{1, 2, 3})
	require.Error(t, err)
}
