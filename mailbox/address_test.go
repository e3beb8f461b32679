package mailbox

import (
	"encoding/base32"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polistern/pboted/identity"
)

func testIdentity(t *testing.T, seed byte) identity.Identity {
	t.Helper()

	raw := make([]byte, identity.MinLen)
	for i := 0; i < identity.BaseKeyLen; i++ {
		raw[i] = seed ^ byte(i%251)
	}
	id, _, err := identity.FromBuffer(raw)
	require.NoError(t, err)
	return id
}

func v1AddressBytes(id identity.Identity) []byte {
	raw := []byte{addressFormatV1, 2, 2, 1, 1}
	return append(raw, id.Bytes()...)
}

func encodeI2PBase64(raw []byte) string {
	s := base64.StdEncoding.EncodeToString(raw)
	return strings.NewReplacer("+", "-", "/", "~").Replace(s)
}

func TestParseAddressV0(t *testing.T) {
	t.Parallel()

	id := testIdentity(t, 1)
	parsed, err := ParseAddress(id.ToBase64())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))
}

func TestParseAddressV1Base64(t *testing.T) {
	t.Parallel()

	id := testIdentity(t, 2)
	address := "b64." + encodeI2PBase64(v1AddressBytes(id))
	parsed, err := ParseAddress(address)
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))
}

func TestParseAddressV1Base32(t *testing.T) {
	t.Parallel()

	id := testIdentity(t, 3)
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).
		EncodeToString(v1AddressBytes(id))
	address := "b32." + strings.ToLower(encoded)

	parsed, err := ParseAddress(address)
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))
}

func TestParseAddressRejectsWrongFormatByte(t *testing.T) {
	t.Parallel()

	raw := v1AddressBytes(testIdentity(t, 4))
	raw[0] = 9

	_, err := ParseAddress("b64." + encodeI2PBase64(raw))
	assert.Error(t, err)
}

func TestParseAddressRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := ParseAddress("not an address at all")
	assert.Error(t, err)
}
