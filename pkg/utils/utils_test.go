package utils

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSha256Concat(t *testing.T) {
	t.Parallel()

	whole := sha256.Sum256([]byte("hello world"))
	assert.Equal(t, Hash(whole), Sha256Concat([]byte("hello"), []byte(" "), []byte("world")))
	assert.Equal(t, Sha256(nil), Sha256Concat())
}

func TestHashFromBytesCopies(t *testing.T) {
	t.Parallel()

	src := make([]byte, HashSize)
	for i := range src {
		src[i] = byte(i)
	}
	h := HashFromBytes(src)
	src[0] = 0xFF
	assert.Equal(t, byte(0), h[0])
}

func TestIsZero(t *testing.T) {
	t.Parallel()

	var zero Hash
	assert.True(t, zero.IsZero())
	assert.False(t, Sha256([]byte("x")).IsZero())
}
