package kademlia

import (
	"sync"
	"time"

	"github.com/polistern/pboted/wire"
)

// Response is one reply delivered into a batch: the source destination
// and the parsed packet.
type Response struct {
	From   string
	Packet *wire.Packet
}

type batchRequest struct {
	destination string
	data        []byte
}

// Batch correlates a set of outbound requests with their replies by CID.
// A reply is accepted only when its CID and source destination together
// match an outstanding request, and at most once per CID. Responses are
// kept in arrival order.
type Batch struct {
	// Owner tags the batch in logs.
	Owner string

	mu        sync.Mutex
	requests  map[wire.CID]batchRequest
	answered  map[wire.CID]bool
	responses []Response
	notify    chan struct{}
}

// NewBatch returns an empty batch with the given owner tag.
func NewBatch(owner string) *Batch {
	return &Batch{
		Owner:    owner,
		requests: make(map[wire.CID]batchRequest),
		answered: make(map[wire.CID]bool),
		notify:   make(chan struct{}, 1),
	}
}

// Add registers an outbound request under its CID before any send.
func (b *Batch) Add(cid wire.CID, destination string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.requests[cid]; ok {
		return
	}
	b.requests[cid] = batchRequest{destination: destination, data: data}
}

// Remove drops a request and any recorded answer state for the CID.
func (b *Batch) Remove(cid wire.CID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.requests, cid)
	delete(b.answered, cid)
}

// PacketCount returns the number of registered requests.
func (b *Batch) PacketCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// ResponseCount returns the number of accepted replies.
func (b *Batch) ResponseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.responses)
}

// Responses returns the accepted replies in arrival order.
func (b *Batch) Responses() []Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Response(nil), b.responses...)
}

// ClearResponses drops the accumulated replies but keeps the answered
// set, so answered CIDs are still not retransmitted.
func (b *Batch) ClearResponses() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses = nil
}

// unanswered returns the requests that still lack a reply.
func (b *Batch) unanswered() map[wire.CID]batchRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[wire.CID]batchRequest, len(b.requests))
	for cid, req := range b.requests {
		if !b.answered[cid] {
			out[cid] = req
		}
	}
	return out
}

// deliver hands an inbound packet to the batch. It returns false when
// the (CID, source) pair does not match an outstanding request or the
// CID was already answered.
func (b *Batch) deliver(from string, pkt *wire.Packet) bool {
	b.mu.Lock()
	req, ok := b.requests[pkt.CID]
	if !ok || b.answered[pkt.CID] || req.destination != from {
		b.mu.Unlock()
		return false
	}
	b.answered[pkt.CID] = true
	b.responses = append(b.responses, Response{From: from, Packet: pkt})
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

func (b *Batch) complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.requests) == 0 {
		return true
	}
	for cid := range b.requests {
		if !b.answered[cid] {
			return false
		}
	}
	return true
}

// WaitFirst blocks until at least one reply arrived or the timeout
// elapsed. Returns true when a reply is present.
func (b *Batch) WaitFirst(timeout time.Duration) bool {
	return b.wait(timeout, func() bool { return b.ResponseCount() > 0 })
}

// WaitAll blocks until every registered CID has a reply or the timeout
// elapsed. Returns true when the batch completed.
func (b *Batch) WaitAll(timeout time.Duration) bool {
	return b.wait(timeout, b.complete)
}

func (b *Batch) wait(timeout time.Duration, done func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if done() {
			return true
		}
		select {
		case <-b.notify:
		case <-deadline.C:
			return done()
		}
	}
}
