// Package wire implements the binary codec for the protocol's
// communication packets. Every packet starts with the 4-byte magic
// prefix, a one-letter type code, a protocol version, and a 32-byte
// correlation id; multi-byte integers are network byte order.
package wire

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/polistern/pboted/pkg/errors"
)

// Magic is the communication packet prefix.
var Magic = [4]byte{0x6D, 0x30, 0x52, 0xE9}

// Type is a packet type code, a single ASCII letter.
type Type byte

const (
	TypeRelayRequest   Type = 'R'
	TypeRelayReturn    Type = 'K'
	TypeResponse       Type = 'N'
	TypePeerListReq    Type = 'A'
	TypeRetrieve       Type = 'Q'
	TypeDeletionQuery  Type = 'Y'
	TypeStore          Type = 'S'
	TypeEmailDelete    Type = 'D'
	TypeIndexDelete    Type = 'X'
	TypeFindClosePeers Type = 'F'
)

// Supported protocol versions.
const (
	Version4 byte = 4
	Version5 byte = 5
)

// Data-type letters carried by retrieve requests and stored records.
const (
	DataIndex   byte = 'I'
	DataEmail   byte = 'E'
	DataContact byte = 'C'
)

// CIDLen is the correlation id length.
const CIDLen = 32

// HeaderLen is the fixed envelope size before the payload.
const HeaderLen = 4 + 1 + 1 + CIDLen

// CID is a correlation id matching a request to its response.
type CID [CIDLen]byte

// NewCID returns a fresh correlation id from the system CSPRNG.
func NewCID() CID {
	var cid CID
	if _, err := rand.Read(cid[:]); err != nil {
		// crypto/rand never fails on supported platforms; if it does the
		// correlator's uniqueness assumption is gone and nothing sane is
		// left to do.
		panic(err)
	}
	return cid
}

// Codec errors. All of them are non-fatal at the dispatcher: the
// offending packet is dropped.
var (
	ErrTruncated          = errors.New("wire: truncated packet")
	ErrBadMagic           = errors.New("wire: bad magic prefix")
	ErrUnknownType        = errors.New("wire: unknown type")
	ErrUnsupportedVersion = errors.New("wire: unsupported version")
	ErrMalformedIdentity  = errors.New("wire: malformed identity")
)

// Packet is the generic communication envelope.
type Packet struct {
	Type    Type
	Version byte
	CID     CID
	Payload []byte
}

func knownType(t Type) bool {
	switch t {
	case TypeRelayRequest, TypeRelayReturn, TypeResponse, TypePeerListReq,
		TypeRetrieve, TypeDeletionQuery, TypeStore, TypeEmailDelete,
		TypeIndexDelete, TypeFindClosePeers:
		return true
	}
	return false
}

// Encode serializes the packet.
func (p *Packet) Encode() []byte {
	buf := make([]byte, 0, HeaderLen+len(p.Payload))
	buf = append(buf, Magic[:]...)
	buf = append(buf, byte(p.Type), p.Version)
	buf = append(buf, p.CID[:]...)
	buf = append(buf, p.Payload...)
	return buf
}

// DecodePacket parses a communication envelope. The payload is copied so
// the caller may reuse buf.
func DecodePacket(buf []byte) (*Packet, error) {
	if len(buf) < HeaderLen {
		return nil, ErrTruncated
	}
	if [4]byte(buf[:4]) != Magic {
		return nil, ErrBadMagic
	}

	p := &Packet{
		Type:    Type(buf[4]),
		Version: buf[5],
	}
	if !knownType(p.Type) {
		return nil, ErrUnknownType
	}
	if p.Version != Version4 && p.Version != Version5 {
		return nil, ErrUnsupportedVersion
	}
	copy(p.CID[:], buf[6:6+CIDLen])
	p.Payload = append([]byte(nil), buf[HeaderLen:]...)
	return p, nil
}

func putUint16(buf []byte, v uint16) {
	binary.BigEndian.PutUint16(buf, v)
}

func uint16At(buf []byte, off int) uint16 {
	return binary.BigEndian.Uint16(buf[off:])
}
