package mailbox

import (
	"encoding/base32"
	"encoding/base64"
	"strings"

	"github.com/polistern/pboted/identity"
	"github.com/polistern/pboted/pkg/errors"
)

func decodeBase64(s string) ([]byte, error) {
	translated := strings.NewReplacer("-", "+", "~", "/").Replace(s)
	return base64.StdEncoding.DecodeString(translated)
}

func decodeBase32(s string) ([]byte, error) {
	return base32.StdEncoding.WithPadding(base32.NoPadding).
		DecodeString(strings.ToUpper(s))
}

// Address format prefixes of version-1 addresses. Version-0 addresses
// are the raw base64 identity with no prefix.
const (
	addressB32Prefix = "b32."
	addressB64Prefix = "b64."
)

// addressFormatV1 is the leading format byte of a decoded v1 address,
// followed by four suite descriptor bytes and the identity itself.
const addressFormatV1 byte = 1

const v1DescriptorLen = 5

// ParseAddress turns a mail address into the recipient's public
// identity. Version-1 addresses carry a "b32." or "b64." prefix and a
// five-byte descriptor; anything else is treated as a version-0 raw
// base64 identity.
func ParseAddress(address string) (identity.Identity, error) {
	address = strings.TrimSpace(address)

	switch {
	case strings.HasPrefix(address, addressB32Prefix):
		return parseAddressV1(address[len(addressB32Prefix):], true)
	case strings.HasPrefix(address, addressB64Prefix):
		return parseAddressV1(address[len(addressB64Prefix):], false)
	default:
		return identity.FromBase64(address)
	}
}

func parseAddressV1(encoded string, b32 bool) (identity.Identity, error) {
	var (
		raw []byte
		err error
	)
	if b32 {
		raw, err = decodeBase32(encoded)
	} else {
		raw, err = decodeBase64(encoded)
	}
	if err != nil {
		return identity.Identity{}, errors.Errorf("mailbox: malformed address: %w", err)
	}
	if len(raw) < v1DescriptorLen {
		return identity.Identity{}, errors.New("mailbox: malformed address")
	}
	if raw[0] != addressFormatV1 {
		return identity.Identity{}, errors.New("mailbox: unsupported address format")
	}

	id, n, err := identity.FromBuffer(raw[v1DescriptorLen:])
	if err != nil {
		return identity.Identity{}, err
	}
	if v1DescriptorLen+n != len(raw) {
		return identity.Identity{}, errors.New("mailbox: trailing bytes in address")
	}
	return id, nil
}

// ExtractAddress pulls the address out of a "Display Name <address>"
// header value; a bare value is returned as is.
func ExtractAddress(field string) string {
	if open := strings.Index(field, "<"); open >= 0 {
		if end := strings.Index(field[open:], ">"); end > 0 {
			return strings.TrimSpace(field[open+1 : open+end])
		}
	}
	return strings.TrimSpace(field)
}

// DisplayName returns the display-name part of a header value, or "".
func DisplayName(field string) string {
	if open := strings.Index(field, "<"); open > 0 {
		return strings.TrimSpace(field[:open])
	}
	return ""
}
