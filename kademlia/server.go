package kademlia

import (
	"context"

	"github.com/polistern/pboted/identity"
	"github.com/polistern/pboted/pkg/errors"
	"github.com/polistern/pboted/pkg/logtrace"
	"github.com/polistern/pboted/storage"
	"github.com/polistern/pboted/wire"
)

// HandlePacket is the server dispatcher for inbound packets that did not
// match a live batch. Every handler first offers the requester's source
// destination to the routing table (free peer discovery) and replies
// with the request's CID. Handlers never retry; they reply once or not
// at all.
func (d *DHT) HandlePacket(ctx context.Context, from string, pkt *wire.Packet) {
	switch pkt.Type {
	case wire.TypeRetrieve:
		if pkt.Version == wire.Version4 {
			d.receiveRetrieveRequest(ctx, from, pkt)
			return
		}
	case wire.TypeDeletionQuery:
		if pkt.Version == wire.Version4 {
			d.receiveDeletionQuery(ctx, from, pkt)
			return
		}
	case wire.TypeStore:
		if pkt.Version == wire.Version4 {
			d.receiveStoreRequest(ctx, from, pkt)
			return
		}
	case wire.TypeEmailDelete:
		if pkt.Version == wire.Version4 {
			d.receiveEmailDeleteRequest(ctx, from, pkt)
			return
		}
	case wire.TypeIndexDelete:
		if pkt.Version == wire.Version4 {
			d.receiveIndexDeleteRequest(ctx, from, pkt)
			return
		}
	case wire.TypeFindClosePeers:
		d.receiveFindClosePeers(ctx, from, pkt)
		return
	case wire.TypePeerListReq:
		d.receivePeerListRequest(ctx, from, pkt)
		return
	case wire.TypeResponse:
		d.receiveUnexpectedResponse(ctx, from, pkt)
		return
	case wire.TypeRelayRequest, wire.TypeRelayReturn:
		// Relaying is not implemented.
		logtrace.Debug(ctx, "Relay packet ignored", logtrace.Fields{
			logtrace.FieldModule: "dht",
			"type":               string(pkt.Type),
		})
		return
	}

	logtrace.Warn(ctx, "Got unknown packet type or version", logtrace.Fields{
		logtrace.FieldModule:  "dht",
		"type":                string(pkt.Type),
		logtrace.FieldVersion: pkt.Version,
	})
}

func (d *DHT) discoverRequester(ctx context.Context, from string) {
	if d.rt.AddDestination(ctx, from) {
		logtrace.Debug(ctx, "Added requester to nodes list", logtrace.Fields{
			logtrace.FieldModule: "dht",
		})
	}
}

func (d *DHT) reply(ctx context.Context, from string, pkt *wire.Packet, status wire.Status, data []byte) {
	d.fabric.Send(ctx, from, wire.EncodeResponse(pkt.CID, pkt.Version, status, data))
}

func (d *DHT) receiveRetrieveRequest(ctx context.Context, from string, pkt *wire.Packet) {
	d.discoverRequester(ctx, from)

	request, err := wire.DecodeRetrieveRequest(pkt.Payload)
	if err != nil {
		d.reply(ctx, from, pkt, wire.StatusInvalidPacket, nil)
		return
	}

	var (
		data    []byte
		readErr error
	)
	switch request.DataType {
	case wire.DataIndex:
		data, readErr = d.store.GetIndex(request.Key)
	case wire.DataEmail:
		data, readErr = d.store.GetEmail(request.Key)
	case wire.DataContact:
		data, readErr = d.store.GetContact(request.Key)
	default:
		logtrace.Debug(ctx, "Retrieve for unknown data type", logtrace.Fields{
			logtrace.FieldModule:   "dht",
			logtrace.FieldDataType: string(request.DataType),
		})
		d.reply(ctx, from, pkt, wire.StatusInvalidPacket, nil)
		return
	}

	if readErr != nil {
		logtrace.Error(ctx, "Local store read failed", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldError:  readErr.Error(),
		})
		d.reply(ctx, from, pkt, wire.StatusGeneralError, nil)
		return
	}
	if len(data) == 0 {
		d.reply(ctx, from, pkt, wire.StatusNoDataFound, nil)
		return
	}
	d.reply(ctx, from, pkt, wire.StatusOK, data)
}

func (d *DHT) receiveDeletionQuery(ctx context.Context, from string, pkt *wire.Packet) {
	d.discoverRequester(ctx, from)

	if len(pkt.Payload) < 32 {
		d.reply(ctx, from, pkt, wire.StatusInvalidPacket, nil)
		return
	}

	// TODO: answer from the delete-authorization log once one exists;
	// until then the query is answered as if nothing were known.
	d.reply(ctx, from, pkt, wire.StatusNoDataFound, nil)
}

func (d *DHT) receiveStoreRequest(ctx context.Context, from string, pkt *wire.Packet) {
	d.discoverRequester(ctx, from)

	request, err := wire.DecodeStoreRequest(pkt.Payload)
	if err != nil {
		d.reply(ctx, from, pkt, wire.StatusInvalidPacket, nil)
		return
	}

	// TODO: validate the hashcash token once the required difficulty is
	// settled; peers currently do not check it either.
	_, err = d.store.Put(request.Data)
	switch {
	case err == nil:
		d.reply(ctx, from, pkt, wire.StatusOK, nil)
	case errors.Is(err, storage.ErrNoSpace):
		d.reply(ctx, from, pkt, wire.StatusNoDiskSpace, nil)
	case errors.Is(err, storage.ErrMalformedRecord):
		d.reply(ctx, from, pkt, wire.StatusInvalidPacket, nil)
	default:
		logtrace.Error(ctx, "Store failed", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldError:  err.Error(),
		})
		d.reply(ctx, from, pkt, wire.StatusGeneralError, nil)
	}
}

func (d *DHT) receiveEmailDeleteRequest(ctx context.Context, from string, pkt *wire.Packet) {
	d.discoverRequester(ctx, from)

	request, err := wire.DecodeEmailDeleteRequest(pkt.Payload)
	if err != nil {
		d.reply(ctx, from, pkt, wire.StatusInvalidPacket, nil)
		return
	}

	data, err := d.store.GetEmail(request.Key)
	if err != nil || len(data) == 0 {
		d.reply(ctx, from, pkt, wire.StatusNoDataFound, nil)
		return
	}

	// TODO: verify SHA-256(delete auth) against the stored delete hash
	// and actually drop the record; needs the authority model settled.
	d.reply(ctx, from, pkt, wire.StatusNoDataFound, nil)
}

func (d *DHT) receiveIndexDeleteRequest(ctx context.Context, from string, pkt *wire.Packet) {
	d.discoverRequester(ctx, from)

	request, err := wire.DecodeIndexDeleteRequest(pkt.Payload)
	if err != nil {
		d.reply(ctx, from, pkt, wire.StatusInvalidPacket, nil)
		return
	}
	logtrace.Debug(ctx, "Index delete request", logtrace.Fields{
		logtrace.FieldModule: "dht",
		logtrace.FieldKey:    request.DestHash.String(),
		logtrace.FieldCount:  len(request.Entries),
	})

	// TODO: verify each entry's delete authorization and rewrite the
	// stored index; needs the authority model settled.
	d.reply(ctx, from, pkt, wire.StatusNoDataFound, nil)
}

func (d *DHT) receiveFindClosePeers(ctx context.Context, from string, pkt *wire.Packet) {
	d.discoverRequester(ctx, from)

	request, err := wire.DecodeFindClosePeersRequest(pkt.Payload)
	if err != nil {
		d.reply(ctx, from, pkt, wire.StatusInvalidPacket, nil)
		return
	}

	closest := d.rt.KClosest(request.Key, d.cfg.K, false)
	if len(closest) == 0 {
		closest = d.rt.All()
	}
	if len(closest) == 0 {
		logtrace.Debug(ctx, "Can't find close nodes", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldKey:    request.Key.String(),
		})
		d.reply(ctx, from, pkt, wire.StatusGeneralError, nil)
		return
	}

	d.replyPeerList(ctx, from, pkt, closest)
}

func (d *DHT) receivePeerListRequest(ctx context.Context, from string, pkt *wire.Packet) {
	d.discoverRequester(ctx, from)

	known := d.rt.All()
	if len(known) == 0 {
		d.reply(ctx, from, pkt, wire.StatusGeneralError, nil)
		return
	}
	d.replyPeerList(ctx, from, pkt, known)
}

func (d *DHT) replyPeerList(ctx context.Context, from string, pkt *wire.Packet, nodes []*Node) {
	version := pkt.Version
	if version != wire.Version4 && version != wire.Version5 {
		version = wire.Version5
	}

	peers := make([]identity.Identity, 0, len(nodes))
	for _, node := range nodes {
		peers = append(peers, node.Identity())
	}

	data := wire.EncodePeerList(version, peers)
	logtrace.Debug(ctx, "Sending peer list", logtrace.Fields{
		logtrace.FieldModule:  "dht",
		logtrace.FieldVersion: version,
		logtrace.FieldCount:   len(peers),
	})
	d.reply(ctx, from, pkt, wire.StatusOK, data)
}

// receiveUnexpectedResponse handles a response whose batch is gone. The
// packet is still parsed: a peer list inside feeds the routing table,
// everything else is dropped.
func (d *DHT) receiveUnexpectedResponse(ctx context.Context, from string, pkt *wire.Packet) {
	logtrace.Warn(ctx, "Unexpected Response received", logtrace.Fields{
		logtrace.FieldModule: "dht",
	})

	response, err := wire.DecodeResponse(pkt.Payload)
	if err != nil {
		logtrace.Warn(ctx, "Can't parse unexpected response", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldError:  err.Error(),
		})
		return
	}
	logtrace.Warn(ctx, "Unexpected response status", logtrace.Fields{
		logtrace.FieldModule: "dht",
		logtrace.FieldStatus: response.Status.String(),
	})

	if wire.IsPeerListPayload(response.Data) {
		list, err := wire.DecodePeerList(ctx, response.Data)
		if err != nil {
			return
		}
		added := 0
		for _, peer := range list.Peers {
			if d.rt.Add(peer) {
				added++
			}
		}
		logtrace.Debug(ctx, "Stray peer list absorbed", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldCount:  added,
		})
	}
}
