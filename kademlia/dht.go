package kademlia

import (
	"context"
	"time"

	"github.com/polistern/pboted/identity"
	"github.com/polistern/pboted/pkg/logtrace"
	"github.com/polistern/pboted/pkg/utils"
	"github.com/polistern/pboted/storage"
	"github.com/polistern/pboted/wire"
)

// Engine defaults. K is the closest-peers target of the protocol;
// MinClosestNodes is the floor below which operations fall back to every
// known peer.
const (
	DefaultK               = 20
	DefaultAlpha           = 3
	DefaultMinClosestNodes = 5
	DefaultResponseTimeout = 10 * time.Second
	DefaultLookupTimeout   = 45 * time.Second

	// MaxRetries bounds the send+wait cycles of one batch after a
	// silent first round.
	MaxRetries = 5
)

// Config carries the tunables of the DHT engine.
type Config struct {
	K               int
	Alpha           int
	MinClosestNodes int
	ResponseTimeout time.Duration
	LookupTimeout   time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		K:               DefaultK,
		Alpha:           DefaultAlpha,
		MinClosestNodes: DefaultMinClosestNodes,
		ResponseTimeout: DefaultResponseTimeout,
		LookupTimeout:   DefaultLookupTimeout,
	}
}

// DHT drives the distributed hash table: the iterative lookup, the
// retrieve/store/delete client operations, and the server side in
// server.go.
type DHT struct {
	cfg    Config
	rt     *RoutingTable
	fabric *Fabric
	store  storage.Store
}

// NewDHT wires the engine together. The fabric's unmatched-packet
// handler is installed here.
func NewDHT(cfg Config, rt *RoutingTable, fabric *Fabric, store storage.Store) *DHT {
	if cfg.K <= 0 {
		cfg.K = DefaultK
	}
	if cfg.MinClosestNodes <= 0 {
		cfg.MinClosestNodes = DefaultMinClosestNodes
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}

	d := &DHT{cfg: cfg, rt: rt, fabric: fabric, store: store}
	fabric.SetHandler(d)
	return d
}

// RoutingTable exposes the peer table for the supervisor's persistence
// loop.
func (d *DHT) RoutingTable() *RoutingTable {
	return d.rt
}

// ClosestNodesLookup runs the iterative closest-peers search for key.
// The candidate set is seeded with every known peer rather than the K
// closest; responses prune it. That forfeits logarithmic convergence and
// is kept as the documented behavior of the current protocol contract.
// Every candidate is queried at once in a single batch; Config.Alpha does
// not bound the number of outstanding requests.
func (d *DHT) ClosestNodesLookup(ctx context.Context, key utils.Hash) []*Node {
	batch := NewBatch("DHT::closestNodesLookup")
	defer d.fabric.Unregister(batch)

	active := make(map[wire.CID]*Node)
	for _, node := range d.rt.All() {
		pkt := wire.NewFindClosePeersPacket(key)
		batch.Add(pkt.CID, node.Destination(), pkt.Encode())
		active[pkt.CID] = node
	}
	if batch.PacketCount() == 0 {
		logtrace.Warn(ctx, "Lookup without known nodes", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldKey:    key.String(),
		})
		return nil
	}

	deadline := time.Now().Add(d.cfg.LookupTimeout)
	for len(active) > 0 && time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}

		d.fabric.SendBatch(ctx, batch)
		batch.WaitAll(d.cfg.ResponseTimeout)

		responses := batch.Responses()
		if len(responses) == 0 {
			logtrace.Warn(ctx, "Lookup round without responses, resending batch", logtrace.Fields{
				logtrace.FieldModule: "dht",
				logtrace.FieldKey:    key.String(),
			})
			continue
		}

		for _, response := range responses {
			if node, ok := active[response.Packet.CID]; ok {
				node.GotResponse()
				delete(active, response.Packet.CID)
			}
		}
		if len(responses) >= d.cfg.MinClosestNodes {
			break
		}
	}

	// Whoever never answered earns a backoff lock.
	for _, node := range active {
		node.NoResponse()
	}

	closest := make([]*Node, 0, d.cfg.K)
	seen := make(map[utils.Hash]bool)
	for _, response := range batch.Responses() {
		for _, peer := range d.decodePeerListResponse(ctx, response) {
			if seen[peer.Hash()] {
				continue
			}
			seen[peer.Hash()] = true
			d.rt.Add(peer)
			if node := d.rt.Get(peer.Hash()); node != nil {
				closest = append(closest, node)
			}
		}
	}

	logtrace.Debug(ctx, "Lookup finished", logtrace.Fields{
		logtrace.FieldModule: "dht",
		logtrace.FieldKey:    key.String(),
		logtrace.FieldCount:  len(closest),
	})
	return closest
}

// decodePeerListResponse extracts the peers of one OK peer-list
// response. Non-response packets, non-OK statuses and short payloads are
// skipped; a parse failure aborts only this response.
func (d *DHT) decodePeerListResponse(ctx context.Context, response Response) []identity.Identity {
	if response.Packet.Type != wire.TypeResponse {
		logtrace.Warn(ctx, "Got non-response packet in batch", logtrace.Fields{
			logtrace.FieldModule:  "dht",
			"type":                string(response.Packet.Type),
			logtrace.FieldVersion: response.Packet.Version,
		})
		return nil
	}

	parsed, err := wire.DecodeResponse(response.Packet.Payload)
	if err != nil {
		logtrace.Warn(ctx, "Can't parse response payload", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldError:  err.Error(),
		})
		return nil
	}
	if parsed.Status != wire.StatusOK {
		logtrace.Warn(ctx, "Response status not OK", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldStatus: parsed.Status.String(),
		})
		return nil
	}
	if len(parsed.Data) < 4 {
		logtrace.Warn(ctx, "Response without payload, parsing skipped", logtrace.Fields{
			logtrace.FieldModule: "dht",
		})
		return nil
	}
	if !wire.IsPeerListPayload(parsed.Data) {
		logtrace.Warn(ctx, "Response carries no peer list", logtrace.Fields{
			logtrace.FieldModule: "dht",
		})
		return nil
	}

	list, err := wire.DecodePeerList(ctx, parsed.Data)
	if err != nil {
		logtrace.Warn(ctx, "Can't parse peer list", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldError:  err.Error(),
		})
		return nil
	}
	return list.Peers
}

// FindOne looks a record up, returning after the first reply of each
// retry round.
func (d *DHT) FindOne(ctx context.Context, key utils.Hash, dataType byte) []Response {
	return d.find(ctx, key, dataType, false)
}

// FindAll looks a record up on every close peer, waiting the full round.
func (d *DHT) FindAll(ctx context.Context, key utils.Hash, dataType byte) []Response {
	return d.find(ctx, key, dataType, true)
}

// targetNodes returns the peers an operation addresses: the lookup
// result, or every known peer when the lookup yielded fewer than
// MinClosestNodes. Nil means the operation cannot proceed.
func (d *DHT) targetNodes(ctx context.Context, key utils.Hash, op string) []*Node {
	closest := d.ClosestNodesLookup(ctx, key)
	if len(closest) >= d.cfg.MinClosestNodes {
		return closest
	}

	logtrace.Warn(ctx, "Not enough close nodes, using all known nodes", logtrace.Fields{
		logtrace.FieldModule: "dht",
		logtrace.FieldMethod: op,
		logtrace.FieldCount:  len(closest),
	})
	all := d.rt.All()
	if len(all) < d.cfg.MinClosestNodes {
		logtrace.Warn(ctx, "Not enough nodes", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldMethod: op,
			logtrace.FieldCount:  len(all),
		})
		return nil
	}
	return all
}

func (d *DHT) find(ctx context.Context, key utils.Hash, dataType byte, exhaustive bool) []Response {
	nodes := d.targetNodes(ctx, key, "find")
	if nodes == nil {
		return nil
	}

	batch := NewBatch("DHT::find")
	defer d.fabric.Unregister(batch)

	for _, node := range nodes {
		pkt := wire.NewRetrievePacket(dataType, key)
		batch.Add(pkt.CID, node.Destination(), pkt.Encode())
	}
	logtrace.Debug(ctx, "Start to find", logtrace.Fields{
		logtrace.FieldModule:   "dht",
		logtrace.FieldDataType: string(dataType),
		logtrace.FieldKey:      key.String(),
		logtrace.FieldCount:    batch.PacketCount(),
	})

	d.waitWithRetries(ctx, batch, exhaustive)

	responses := batch.Responses()
	logtrace.Debug(ctx, "Find finished", logtrace.Fields{
		logtrace.FieldModule: "dht",
		logtrace.FieldKey:    key.String(),
		logtrace.FieldCount:  len(responses),
	})
	return responses
}

// waitWithRetries sends the batch and waits; while no reply at all
// arrived it resends the still-unanswered requests, up to MaxRetries
// extra rounds.
func (d *DHT) waitWithRetries(ctx context.Context, batch *Batch, exhaustive bool) {
	wait := batch.WaitFirst
	if exhaustive {
		wait = batch.WaitAll
	}

	d.fabric.SendBatch(ctx, batch)
	wait(d.cfg.ResponseTimeout)

	for attempt := 0; batch.ResponseCount() < 1 && attempt < MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		logtrace.Warn(ctx, "No responses, resending batch", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldBatch:  batch.Owner,
			"attempt":            attempt,
		})
		d.fabric.SendBatch(ctx, batch)
		wait(d.cfg.ResponseTimeout)
	}
}

// Store sends the request to every close peer, cloning it with a fresh
// CID per peer, and returns the source destinations that acknowledged —
// with any status; interpretation is the caller's.
func (d *DHT) Store(ctx context.Context, key utils.Hash, request *wire.StoreRequest) []string {
	nodes := d.targetNodes(ctx, key, "store")
	if nodes == nil {
		return nil
	}

	batch := NewBatch("DHT::store")
	defer d.fabric.Unregister(batch)

	for _, node := range nodes {
		pkt := wire.NewStorePacket(request)
		batch.Add(pkt.CID, node.Destination(), pkt.Encode())
	}
	logtrace.Debug(ctx, "Start to store", logtrace.Fields{
		logtrace.FieldModule: "dht",
		logtrace.FieldKey:    key.String(),
		logtrace.FieldCount:  batch.PacketCount(),
	})

	d.waitWithRetries(ctx, batch, true)

	responses := batch.Responses()
	acks := make([]string, 0, len(responses))
	for _, response := range responses {
		acks = append(acks, response.From)
	}
	return acks
}

// DeleteEmail asks the peers close to key to drop the email packet,
// proving authority with the delete authorization.
func (d *DHT) DeleteEmail(ctx context.Context, key, deleteAuth utils.Hash) []Response {
	nodes := d.targetNodes(ctx, key, "deleteEmail")
	if nodes == nil {
		return nil
	}

	batch := NewBatch("DHT::deleteEmail")
	defer d.fabric.Unregister(batch)

	for _, node := range nodes {
		pkt := wire.NewEmailDeletePacket(key, deleteAuth)
		batch.Add(pkt.CID, node.Destination(), pkt.Encode())
	}

	d.waitWithRetries(ctx, batch, true)
	return batch.Responses()
}

// DeleteIndexEntry asks the peers close to the recipient's identity hash
// to remove one index entry.
func (d *DHT) DeleteIndexEntry(ctx context.Context, destHash, key, deleteAuth utils.Hash) []Response {
	nodes := d.targetNodes(ctx, destHash, "deleteIndexEntry")
	if nodes == nil {
		return nil
	}

	batch := NewBatch("DHT::deleteIndexEntry")
	defer d.fabric.Unregister(batch)

	request := &wire.IndexDeleteRequest{
		DestHash: destHash,
		Entries:  []wire.IndexDeleteEntry{{Key: key, DeleteAuth: deleteAuth}},
	}
	for _, node := range nodes {
		pkt := wire.NewIndexDeletePacket(request)
		batch.Add(pkt.CID, node.Destination(), pkt.Encode())
	}

	d.waitWithRetries(ctx, batch, true)
	return batch.Responses()
}

// Safe stores a record received from the network in the local packet
// store. Returns true when it was newly stored.
func (d *DHT) Safe(ctx context.Context, data []byte) bool {
	stored, err := d.store.Put(data)
	if err != nil {
		logtrace.Warn(ctx, "Can't save packet locally", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldError:  err.Error(),
		})
		return false
	}
	return stored
}

// GetIndex reads a locally stored index packet.
func (d *DHT) GetIndex(ctx context.Context, key utils.Hash) []byte {
	data, err := d.store.GetIndex(key)
	if err != nil {
		logtrace.Warn(ctx, "Local index read failed", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldError:  err.Error(),
		})
		return nil
	}
	return data
}

// GetEmail reads a locally stored encrypted email packet.
func (d *DHT) GetEmail(ctx context.Context, key utils.Hash) []byte {
	data, err := d.store.GetEmail(key)
	if err != nil {
		logtrace.Warn(ctx, "Local email read failed", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldError:  err.Error(),
		})
		return nil
	}
	return data
}
