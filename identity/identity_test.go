package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polistern/pboted/pkg/utils"
)

func makeRaw(ext int) []byte {
	raw := make([]byte, MinLen+ext)
	for i := 0; i < BaseKeyLen; i++ {
		raw[i] = byte(i * 7)
	}
	if ext > 0 {
		raw[BaseKeyLen] = 3
		raw[BaseKeyLen+1] = byte(ext >> 8)
		raw[BaseKeyLen+2] = byte(ext)
		for i := 0; i < ext; i++ {
			raw[MinLen+i] = byte(i)
		}
	}
	return raw
}

func TestFromBufferSelfDelimits(t *testing.T) {
	t.Parallel()

	raw := makeRaw(40)
	// Trailing garbage must not be consumed.
	id, n, err := FromBuffer(append(raw, 0xAA, 0xBB))
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, raw, id.Bytes())
	assert.Equal(t, byte(3), id.KeyType())
}

func TestFromBufferRejectsShort(t *testing.T) {
	t.Parallel()

	_, _, err := FromBuffer(make([]byte, MinLen-1))
	assert.ErrorIs(t, err, ErrMalformed)

	raw := makeRaw(100)
	_, _, err = FromBuffer(raw[:len(raw)-1])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBase64RoundTrip(t *testing.T) {
	t.Parallel()

	id, _, err := FromBuffer(makeRaw(0))
	require.NoError(t, err)

	decoded, err := FromBase64(id.ToBase64())
	require.NoError(t, err)
	assert.True(t, id.Equal(decoded))
}

func TestFromBase64RejectsTrailingBytes(t *testing.T) {
	t.Parallel()

	long := append(makeRaw(0), 1, 2, 3, 4)
	encoded := Identity{data: long}.ToBase64()

	_, err := FromBase64(encoded)
	assert.Error(t, err)
}

func TestHashIsPureFunctionOfBytes(t *testing.T) {
	t.Parallel()

	raw := makeRaw(8)
	a, _, err := FromBuffer(raw)
	require.NoError(t, err)
	b, _, err := FromBuffer(raw)
	require.NoError(t, err)

	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, utils.Sha256(raw), a.Hash())
}
