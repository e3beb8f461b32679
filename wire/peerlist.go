package wire

import (
	"context"

	"github.com/polistern/pboted/identity"
	"github.com/polistern/pboted/pkg/logtrace"
)

// Peer list markers. Historically 'L' and 'P' depending on the
// implementation; both are accepted, 'L' is emitted.
const (
	PeerListMarkerL byte = 'L'
	PeerListMarkerP byte = 'P'
)

// PeerList is the decoded payload of a find-close-peers or peer-list
// response.
type PeerList struct {
	Marker  byte
	Version byte
	Peers   []identity.Identity
}

// IsPeerListPayload reports whether data looks like a peer-list payload
// of a supported version.
func IsPeerListPayload(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] != PeerListMarkerL && data[0] != PeerListMarkerP {
		return false
	}
	return data[1] == Version4 || data[1] == Version5
}

// EncodePeerList serializes a peer list. Version 4 writes the legacy
// 384-byte prefix of each identity; version 5 writes identities whole.
func EncodePeerList(version byte, peers []identity.Identity) []byte {
	buf := make([]byte, 4, 4+len(peers)*identity.MinLen)
	buf[0] = PeerListMarkerL
	buf[1] = version
	putUint16(buf[2:], uint16(len(peers)))

	for _, p := range peers {
		raw := p.Bytes()
		if version == Version4 {
			buf = append(buf, raw[:identity.BaseKeyLen]...)
		} else {
			buf = append(buf, raw...)
		}
	}
	return buf
}

// DecodePeerList parses a peer-list payload of either version.
// Truncation is tolerated: the identities that fit are returned and the
// shortfall is logged, matching the behavior of existing nodes that emit
// short lists.
func DecodePeerList(ctx context.Context, data []byte) (*PeerList, error) {
	if len(data) < 4 {
		return nil, ErrTruncated
	}
	marker, version := data[0], data[1]
	if marker != PeerListMarkerL && marker != PeerListMarkerP {
		return nil, ErrUnknownType
	}
	if version != Version4 && version != Version5 {
		return nil, ErrUnsupportedVersion
	}

	count := int(uint16At(data, 2))
	list := &PeerList{Marker: marker, Version: version, Peers: make([]identity.Identity, 0, count)}
	off := 4

	for i := 0; i < count; i++ {
		if off >= len(data) {
			logtrace.Warn(ctx, "Peer list ends before declared count", logtrace.Fields{
				logtrace.FieldModule: "wire",
				"declared":           count,
				"decoded":            len(list.Peers),
			})
			break
		}

		if version == Version4 {
			if off+identity.BaseKeyLen > len(data) {
				logtrace.Warn(ctx, "Incomplete peer list entry", logtrace.Fields{
					logtrace.FieldModule: "wire",
					"declared":           count,
					"decoded":            len(list.Peers),
				})
				break
			}
			// Legacy entries lack the key-type descriptor; the reader pads
			// three zero bytes before identity parsing.
			padded := make([]byte, identity.MinLen)
			copy(padded, data[off:off+identity.BaseKeyLen])
			off += identity.BaseKeyLen

			id, _, err := identity.FromBuffer(padded)
			if err != nil {
				logtrace.Warn(ctx, "Skipping malformed peer list entry", logtrace.Fields{
					logtrace.FieldModule: "wire",
					logtrace.FieldError:  err.Error(),
				})
				continue
			}
			list.Peers = append(list.Peers, id)
			continue
		}

		id, n, err := identity.FromBuffer(data[off:])
		if err != nil {
			logtrace.Warn(ctx, "Peer list entry does not delimit", logtrace.Fields{
				logtrace.FieldModule: "wire",
				"declared":           count,
				"decoded":            len(list.Peers),
			})
			break
		}
		off += n
		list.Peers = append(list.Peers, id)
	}

	return list, nil
}
