package wire

import "fmt"

// Status is the one-byte result code carried by response packets.
type Status byte

const (
	StatusOK Status = iota
	StatusGeneralError
	StatusNoDataFound
	StatusInvalidPacket
	StatusInvalidHashcash
	StatusInsufficientHashcash
	StatusNoDiskSpace
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusGeneralError:
		return "GENERAL_ERROR"
	case StatusNoDataFound:
		return "NO_DATA_FOUND"
	case StatusInvalidPacket:
		return "INVALID_PACKET"
	case StatusInvalidHashcash:
		return "INVALID_HASHCASH"
	case StatusInsufficientHashcash:
		return "INSUFFICIENT_HASHCASH"
	case StatusNoDiskSpace:
		return "NO_DISK_SPACE"
	}
	return fmt.Sprintf("STATUS_%d", byte(s))
}

// Response is the decoded payload of a TypeResponse packet: a status byte,
// a u16 data length, and the data.
type Response struct {
	Status Status
	Data   []byte
}

// EncodeResponse builds a full response packet reusing the request's CID,
// as server handlers must.
func EncodeResponse(cid CID, version byte, status Status, data []byte) *Packet {
	payload := make([]byte, 3+len(data))
	payload[0] = byte(status)
	putUint16(payload[1:], uint16(len(data)))
	copy(payload[3:], data)
	return &Packet{Type: TypeResponse, Version: version, CID: cid, Payload: payload}
}

// DecodeResponse parses a response payload. A declared data length that
// does not fit the buffer is a truncation.
func DecodeResponse(payload []byte) (*Response, error) {
	if len(payload) < 3 {
		return nil, ErrTruncated
	}
	dataLen := int(uint16At(payload, 1))
	if 3+dataLen > len(payload) {
		return nil, ErrTruncated
	}
	return &Response{
		Status: Status(payload[0]),
		Data:   append([]byte(nil), payload[3:3+dataLen]...),
	}, nil
}
