// Package mailbox implements the workflow above the DHT: the bote record
// types (index packets, encrypted and plain email packets), address
// handling, and the periodic check-inbox and send-outbox loops.
package mailbox

import (
	"encoding/binary"

	"github.com/polistern/pboted/pkg/errors"
	"github.com/polistern/pboted/pkg/utils"
	"github.com/polistern/pboted/wire"
)

// packetVersion is the record format version written by this node.
const packetVersion byte = 4

// ErrMalformedPacket is returned when a record does not parse.
var ErrMalformedPacket = errors.New("mailbox: malformed packet")

// IndexEntry references one email packet stored for a recipient.
type IndexEntry struct {
	// Key is the DHT key of the email packet.
	Key utils.Hash
	// DeleteHash is SHA-256 of the packet's delete authorization.
	DeleteHash utils.Hash
	// Time is the store timestamp in unix seconds.
	Time uint32
}

// IndexPacket is the record stored under a recipient's identity hash,
// listing the DHT keys of email packets addressed to them.
type IndexPacket struct {
	// DestHash is the recipient's identity hash.
	DestHash utils.Hash
	Entries  []IndexEntry
}

const indexEntryLen = 2*utils.HashSize + 4

// Bytes serializes the index packet.
func (p *IndexPacket) Bytes() []byte {
	buf := make([]byte, 0, 2+utils.HashSize+4+len(p.Entries)*indexEntryLen)
	buf = append(buf, wire.DataIndex, packetVersion)
	buf = append(buf, p.DestHash[:]...)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(p.Entries)))
	buf = append(buf, u32[:]...)

	for _, e := range p.Entries {
		buf = append(buf, e.Key[:]...)
		buf = append(buf, e.DeleteHash[:]...)
		binary.BigEndian.PutUint32(u32[:], e.Time)
		buf = append(buf, u32[:]...)
	}
	return buf
}

// ParseIndexPacket parses a serialized index packet.
func ParseIndexPacket(data []byte) (*IndexPacket, error) {
	if len(data) < 2+utils.HashSize+4 || data[0] != wire.DataIndex {
		return nil, ErrMalformedPacket
	}

	p := &IndexPacket{DestHash: utils.HashFromBytes(data[2:])}
	off := 2 + utils.HashSize
	count := int(binary.BigEndian.Uint32(data[off:]))
	off += 4

	if off+count*indexEntryLen > len(data) {
		return nil, ErrMalformedPacket
	}
	for i := 0; i < count; i++ {
		entry := IndexEntry{
			Key:        utils.HashFromBytes(data[off:]),
			DeleteHash: utils.HashFromBytes(data[off+utils.HashSize:]),
			Time:       binary.BigEndian.Uint32(data[off+2*utils.HashSize:]),
		}
		p.Entries = append(p.Entries, entry)
		off += indexEntryLen
	}
	return p, nil
}

// EmailEncryptedPacket is the ciphertext record stored in the DHT under
// a content key.
type EmailEncryptedPacket struct {
	// Key is the DHT key: SHA-256 of the big-endian u16 ciphertext
	// length followed by the ciphertext.
	Key utils.Hash
	// DeleteHash is SHA-256 of the delete authorization inside the
	// plaintext.
	DeleteHash utils.Hash
	// Alg identifies the encryption suite (the recipient key type).
	Alg byte
	// StoredTime is set by storing nodes; senders write zero.
	StoredTime uint32
	// Data is the ciphertext.
	Data []byte
}

// Bytes serializes the encrypted email packet.
func (p *EmailEncryptedPacket) Bytes() []byte {
	buf := make([]byte, 0, 2+2*utils.HashSize+7+len(p.Data))
	buf = append(buf, wire.DataEmail, packetVersion)
	buf = append(buf, p.Key[:]...)
	buf = append(buf, p.DeleteHash[:]...)
	buf = append(buf, p.Alg)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], p.StoredTime)
	buf = append(buf, u32[:]...)

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(p.Data)))
	buf = append(buf, u16[:]...)
	buf = append(buf, p.Data...)
	return buf
}

// ParseEmailEncryptedPacket parses a serialized encrypted email packet.
func ParseEmailEncryptedPacket(data []byte) (*EmailEncryptedPacket, error) {
	headerLen := 2 + 2*utils.HashSize + 1 + 4 + 2
	if len(data) < headerLen || data[0] != wire.DataEmail {
		return nil, ErrMalformedPacket
	}

	p := &EmailEncryptedPacket{
		Key:        utils.HashFromBytes(data[2:]),
		DeleteHash: utils.HashFromBytes(data[2+utils.HashSize:]),
	}
	off := 2 + 2*utils.HashSize
	p.Alg = data[off]
	off++
	p.StoredTime = binary.BigEndian.Uint32(data[off:])
	off += 4
	dataLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2

	if off+dataLen > len(data) {
		return nil, ErrMalformedPacket
	}
	p.Data = append([]byte(nil), data[off:off+dataLen]...)
	return p, nil
}

// DHTKey computes the content key of a ciphertext: SHA-256 of the
// big-endian u16 length followed by the ciphertext itself.
func DHTKey(ciphertext []byte) utils.Hash {
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(ciphertext)))
	return utils.Sha256Concat(prefix[:], ciphertext)
}

// EmailUnencryptedPacket is the plaintext inside an encrypted email
// packet: the delete authorization and the mail content.
type EmailUnencryptedPacket struct {
	// MessageID ties fragments of one mail together.
	MessageID utils.Hash
	// DeleteAuth is the secret whose SHA-256 the sender published as the
	// ciphertext's delete hash.
	DeleteAuth utils.Hash
	// FragmentIndex and NumFragments support multipart mail; single-part
	// mail writes 0 and 1.
	FragmentIndex uint16
	NumFragments  uint16
	// Content is the RFC 822 mail text.
	Content []byte
}

// Bytes serializes the plaintext packet.
func (p *EmailUnencryptedPacket) Bytes() []byte {
	buf := make([]byte, 0, 2+2*utils.HashSize+6+len(p.Content))
	buf = append(buf, 'U', packetVersion)
	buf = append(buf, p.MessageID[:]...)
	buf = append(buf, p.DeleteAuth[:]...)

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], p.FragmentIndex)
	buf = append(buf, u16[:]...)
	binary.BigEndian.PutUint16(u16[:], p.NumFragments)
	buf = append(buf, u16[:]...)
	binary.BigEndian.PutUint16(u16[:], uint16(len(p.Content)))
	buf = append(buf, u16[:]...)
	buf = append(buf, p.Content...)
	return buf
}

// ParseEmailUnencryptedPacket parses a serialized plaintext packet.
func ParseEmailUnencryptedPacket(data []byte) (*EmailUnencryptedPacket, error) {
	headerLen := 2 + 2*utils.HashSize + 6
	if len(data) < headerLen || data[0] != 'U' {
		return nil, ErrMalformedPacket
	}

	p := &EmailUnencryptedPacket{
		MessageID:  utils.HashFromBytes(data[2:]),
		DeleteAuth: utils.HashFromBytes(data[2+utils.HashSize:]),
	}
	off := 2 + 2*utils.HashSize
	p.FragmentIndex = binary.BigEndian.Uint16(data[off:])
	p.NumFragments = binary.BigEndian.Uint16(data[off+2:])
	contentLen := int(binary.BigEndian.Uint16(data[off+4:]))
	off += 6

	if off+contentLen > len(data) {
		return nil, ErrMalformedPacket
	}
	p.Content = append([]byte(nil), data[off:off+contentLen]...)
	return p, nil
}

// VerifyDeleteAuth reports whether SHA-256 of the delete authorization
// matches the published delete hash.
func VerifyDeleteAuth(deleteAuth, deleteHash utils.Hash) bool {
	return utils.Sha256(deleteAuth.Bytes()) == deleteHash
}
