package wire

import (
	"github.com/polistern/pboted/pkg/utils"
)

// RetrieveRequest asks a peer for a stored record: a data-type letter and
// the 32-byte key.
type RetrieveRequest struct {
	DataType byte
	Key      utils.Hash
}

// NewRetrievePacket builds a version-4 retrieve request with a fresh CID.
func NewRetrievePacket(dataType byte, key utils.Hash) *Packet {
	payload := make([]byte, 1+utils.HashSize)
	payload[0] = dataType
	copy(payload[1:], key[:])
	return &Packet{Type: TypeRetrieve, Version: Version4, CID: NewCID(), Payload: payload}
}

// DecodeRetrieveRequest parses a retrieve request payload.
func DecodeRetrieveRequest(payload []byte) (*RetrieveRequest, error) {
	if len(payload) < 1+utils.HashSize {
		return nil, ErrTruncated
	}
	return &RetrieveRequest{
		DataType: payload[0],
		Key:      utils.HashFromBytes(payload[1:]),
	}, nil
}

// StoreRequest carries a hashcash token and a serialized record.
type StoreRequest struct {
	Hashcash []byte
	Data     []byte
}

// Encode serializes the store request payload.
func (r *StoreRequest) Encode() []byte {
	payload := make([]byte, 0, 4+len(r.Hashcash)+len(r.Data))
	var u16 [2]byte
	putUint16(u16[:], uint16(len(r.Hashcash)))
	payload = append(payload, u16[:]...)
	payload = append(payload, r.Hashcash...)
	putUint16(u16[:], uint16(len(r.Data)))
	payload = append(payload, u16[:]...)
	payload = append(payload, r.Data...)
	return payload
}

// NewStorePacket builds a version-4 store request with a fresh CID.
func NewStorePacket(r *StoreRequest) *Packet {
	return &Packet{Type: TypeStore, Version: Version4, CID: NewCID(), Payload: r.Encode()}
}

// DecodeStoreRequest parses a store request payload.
func DecodeStoreRequest(payload []byte) (*StoreRequest, error) {
	if len(payload) < 2 {
		return nil, ErrTruncated
	}
	hcLen := int(uint16At(payload, 0))
	off := 2
	if off+hcLen+2 > len(payload) {
		return nil, ErrTruncated
	}
	hashcash := append([]byte(nil), payload[off:off+hcLen]...)
	off += hcLen
	dataLen := int(uint16At(payload, off))
	off += 2
	if off+dataLen > len(payload) {
		return nil, ErrTruncated
	}
	return &StoreRequest{
		Hashcash: hashcash,
		Data:     append([]byte(nil), payload[off:off+dataLen]...),
	}, nil
}

// EmailDeleteRequest asks the holder of an email packet to drop it: the
// DHT key and the matching delete authorization.
type EmailDeleteRequest struct {
	Key        utils.Hash
	DeleteAuth utils.Hash
}

// NewEmailDeletePacket builds a version-4 email-delete request with a
// fresh CID.
func NewEmailDeletePacket(key, deleteAuth utils.Hash) *Packet {
	payload := make([]byte, 2*utils.HashSize)
	copy(payload, key[:])
	copy(payload[utils.HashSize:], deleteAuth[:])
	return &Packet{Type: TypeEmailDelete, Version: Version4, CID: NewCID(), Payload: payload}
}

// DecodeEmailDeleteRequest parses an email-delete request payload.
func DecodeEmailDeleteRequest(payload []byte) (*EmailDeleteRequest, error) {
	if len(payload) < 2*utils.HashSize {
		return nil, ErrTruncated
	}
	return &EmailDeleteRequest{
		Key:        utils.HashFromBytes(payload),
		DeleteAuth: utils.HashFromBytes(payload[utils.HashSize:]),
	}, nil
}

// IndexDeleteEntry is one (key, delete authorization) pair of an
// index-delete request.
type IndexDeleteEntry struct {
	Key        utils.Hash
	DeleteAuth utils.Hash
}

// IndexDeleteRequest removes entries from the index stored under a
// recipient's identity hash.
type IndexDeleteRequest struct {
	DestHash utils.Hash
	Entries  []IndexDeleteEntry
}

// NewIndexDeletePacket builds a version-4 index-delete request with a
// fresh CID.
func NewIndexDeletePacket(r *IndexDeleteRequest) *Packet {
	payload := make([]byte, 0, utils.HashSize+1+len(r.Entries)*2*utils.HashSize)
	payload = append(payload, r.DestHash[:]...)
	payload = append(payload, byte(len(r.Entries)))
	for _, e := range r.Entries {
		payload = append(payload, e.Key[:]...)
		payload = append(payload, e.DeleteAuth[:]...)
	}
	return &Packet{Type: TypeIndexDelete, Version: Version4, CID: NewCID(), Payload: payload}
}

// DecodeIndexDeleteRequest parses an index-delete request payload,
// iterating entries forward.
func DecodeIndexDeleteRequest(payload []byte) (*IndexDeleteRequest, error) {
	if len(payload) < utils.HashSize+1 {
		return nil, ErrTruncated
	}
	count := int(payload[utils.HashSize])
	off := utils.HashSize + 1
	if off+count*2*utils.HashSize > len(payload) {
		return nil, ErrTruncated
	}

	r := &IndexDeleteRequest{
		DestHash: utils.HashFromBytes(payload),
		Entries:  make([]IndexDeleteEntry, 0, count),
	}
	for i := 0; i < count; i++ {
		r.Entries = append(r.Entries, IndexDeleteEntry{
			Key:        utils.HashFromBytes(payload[off:]),
			DeleteAuth: utils.HashFromBytes(payload[off+utils.HashSize:]),
		})
		off += 2 * utils.HashSize
	}
	return r, nil
}

// FindClosePeersRequest asks a peer for the identities it knows closest
// to a key.
type FindClosePeersRequest struct {
	Key utils.Hash
}

// NewFindClosePeersPacket builds a version-5 find-close-peers request
// with a fresh CID. Request packets are never reused because the batch
// correlator rejects duplicate CIDs.
func NewFindClosePeersPacket(key utils.Hash) *Packet {
	payload := make([]byte, utils.HashSize)
	copy(payload, key[:])
	return &Packet{Type: TypeFindClosePeers, Version: Version5, CID: NewCID(), Payload: payload}
}

// DecodeFindClosePeersRequest parses a find-close-peers request payload.
func DecodeFindClosePeersRequest(payload []byte) (*FindClosePeersRequest, error) {
	if len(payload) < utils.HashSize {
		return nil, ErrTruncated
	}
	return &FindClosePeersRequest{Key: utils.HashFromBytes(payload)}, nil
}

// NewPeerListRequestPacket builds a peer-list request in the given
// version with a fresh CID.
func NewPeerListRequestPacket(version byte) *Packet {
	return &Packet{Type: TypePeerListReq, Version: version, CID: NewCID()}
}
