package kademlia

import (
	"context"
	"sync"

	"github.com/polistern/pboted/pkg/logtrace"
	"github.com/polistern/pboted/transport"
	"github.com/polistern/pboted/wire"
)

// Handler consumes inbound packets that did not match a live batch.
type Handler interface {
	HandlePacket(ctx context.Context, from string, pkt *wire.Packet)
}

// Fabric owns the list of live batches and the single dispatch path for
// inbound datagrams: a parsed packet matching an outstanding (CID,
// source) pair of a registered batch is delivered there, everything else
// goes to the server handler.
type Fabric struct {
	sender transport.Sender

	mu      sync.Mutex
	batches []*Batch

	handler Handler
}

// NewFabric wraps a transport sender.
func NewFabric(sender transport.Sender) *Fabric {
	return &Fabric{sender: sender}
}

// SetHandler installs the server dispatcher for unmatched packets.
func (f *Fabric) SetHandler(h Handler) {
	f.handler = h
}

// Register adds a batch to the live set. A batch must be registered
// before its first send so replies racing ahead are not lost.
func (f *Fabric) Register(b *Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.batches {
		if existing == b {
			return
		}
	}
	f.batches = append(f.batches, b)
}

// Unregister removes a batch from the live set.
func (f *Fabric) Unregister(b *Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.batches {
		if existing == b {
			f.batches = append(f.batches[:i], f.batches[i+1:]...)
			return
		}
	}
}

// SendBatch registers the batch and transmits every still-unanswered
// request once. Answered CIDs are never retransmitted, which makes the
// call idempotent across retries.
func (f *Fabric) SendBatch(ctx context.Context, b *Batch) {
	f.Register(b)

	pending := b.unanswered()
	for _, req := range pending {
		if err := f.sender.Send(req.destination, req.data); err != nil {
			logtrace.Warn(ctx, "Batch send failed", logtrace.Fields{
				logtrace.FieldModule: "dht",
				logtrace.FieldBatch:  b.Owner,
				logtrace.FieldError:  err.Error(),
			})
		}
	}
	logtrace.Debug(ctx, "Batch sent", logtrace.Fields{
		logtrace.FieldModule: "dht",
		logtrace.FieldBatch:  b.Owner,
		logtrace.FieldCount:  len(pending),
	})
}

// Send transmits a single packet, used by server handlers for replies.
func (f *Fabric) Send(ctx context.Context, destination string, pkt *wire.Packet) {
	if err := f.sender.Send(destination, pkt.Encode()); err != nil {
		logtrace.Warn(ctx, "Reply send failed", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldError:  err.Error(),
		})
	}
}

// deliver offers the packet to the live batches. True when a batch
// accepted it.
func (f *Fabric) deliver(from string, pkt *wire.Packet) bool {
	f.mu.Lock()
	live := append([]*Batch(nil), f.batches...)
	f.mu.Unlock()

	for _, b := range live {
		if b.deliver(from, pkt) {
			return true
		}
	}
	return false
}

// Run drains the inbound queue until it closes or the context is
// canceled. Malformed packets are dropped with a warning; they never
// tear the loop down.
func (f *Fabric) Run(ctx context.Context, recv <-chan transport.Inbound) {
	logtrace.Info(ctx, "Packet dispatch loop started", logtrace.Fields{
		logtrace.FieldModule: "dht",
	})

	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-recv:
			if !ok {
				logtrace.Info(ctx, "Inbound queue closed", logtrace.Fields{
					logtrace.FieldModule: "dht",
				})
				return
			}
			f.dispatch(ctx, in)
		}
	}
}

func (f *Fabric) dispatch(ctx context.Context, in transport.Inbound) {
	pkt, err := wire.DecodePacket(in.Data)
	if err != nil {
		logtrace.Warn(ctx, "Can't parse packet", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldError:  err.Error(),
		})
		return
	}

	if f.deliver(in.From, pkt) {
		logtrace.Debug(ctx, "Packet passed to batch", logtrace.Fields{
			logtrace.FieldModule: "dht",
			"type":               string(pkt.Type),
		})
		return
	}

	if f.handler != nil {
		f.handler.HandlePacket(ctx, in.From, pkt)
	}
}
