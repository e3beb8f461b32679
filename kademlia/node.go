// Package kademlia implements the DHT engine: the routing table of known
// peers, the batch correlator multiplexing requests over the overlay, the
// iterative closest-peers lookup, the client operations the mailbox
// workflow drives, and the server side answering other peers.
package kademlia

import (
	"sync"
	"time"

	"github.com/polistern/pboted/identity"
	"github.com/polistern/pboted/pkg/utils"
)

// nodeLockBase is the first backoff step applied to an unresponsive peer.
// Each further failure doubles it, capped at nodeLockMax.
const (
	nodeLockBase = 2 * time.Minute
	nodeLockMax  = 2 * time.Hour
)

// Node is one known peer. The routing table owns all nodes; callers get
// pointers but mutate only through the methods here.
type Node struct {
	id   identity.Identity
	hash utils.Hash

	mu          sync.Mutex
	lockedUntil time.Time
	failures    int
}

// NewNode wraps an identity as a peer record.
func NewNode(id identity.Identity) *Node {
	return &Node{id: id, hash: id.Hash()}
}

// Identity returns the peer's serialized public identity.
func (n *Node) Identity() identity.Identity {
	return n.id
}

// Hash returns the peer's 32-byte identity hash.
func (n *Node) Hash() utils.Hash {
	return n.hash
}

// Destination returns the base64 destination datagrams are addressed to.
func (n *Node) Destination() string {
	return n.id.ToBase64()
}

// Locked reports whether the peer is currently backed off. A lock time
// in the past counts as unlocked.
func (n *Node) Locked() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return time.Now().Before(n.lockedUntil)
}

// NoResponse records a missed reply and locks the peer for an
// exponentially growing interval.
func (n *Node) NoResponse() {
	n.mu.Lock()
	defer n.mu.Unlock()

	backoff := nodeLockBase << n.failures
	if backoff > nodeLockMax || backoff <= 0 {
		backoff = nodeLockMax
	}
	n.failures++
	n.lockedUntil = time.Now().Add(backoff)
}

// GotResponse records a successful reply, easing the backoff.
func (n *Node) GotResponse() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failures > 0 {
		n.failures--
	}
	n.lockedUntil = time.Time{}
}

// Failures returns the current failure counter.
func (n *Node) Failures() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failures
}

func (n *Node) String() string {
	return n.hash.String()
}
