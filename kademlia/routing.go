package kademlia

import (
	"bufio"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/polistern/pboted/identity"
	"github.com/polistern/pboted/pkg/logtrace"
	"github.com/polistern/pboted/pkg/utils"
	"github.com/polistern/pboted/wire"
)

// RoutingTable is the single source of truth for peer state: a mapping
// from identity hash to node. Insertion is first-writer-wins and the
// local identity is never admitted. Peers are not evicted on failure;
// they are locked with backoff instead.
type RoutingTable struct {
	localHash utils.Hash

	mu    sync.RWMutex
	nodes map[utils.Hash]*Node
	// order preserves insertion order for stable iteration and XOR
	// tie-breaking.
	order []*Node
}

// NewRoutingTable returns an empty table that rejects the given local
// identity hash.
func NewRoutingTable(localHash utils.Hash) *RoutingTable {
	return &RoutingTable{
		localHash: localHash,
		nodes:     make(map[utils.Hash]*Node),
	}
}

// Add inserts a peer if its hash is new and not our own. Returns true
// only on insert.
func (rt *RoutingTable) Add(id identity.Identity) bool {
	hash := id.Hash()
	if hash == rt.localHash {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, ok := rt.nodes[hash]; ok {
		return false
	}
	node := NewNode(id)
	rt.nodes[hash] = node
	rt.order = append(rt.order, node)
	return true
}

// AddDestination parses a base64 destination and inserts it.
func (rt *RoutingTable) AddDestination(ctx context.Context, dest string) bool {
	id, err := identity.FromBase64(dest)
	if err != nil {
		logtrace.Debug(ctx, "Can't create node from base64", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldError:  err.Error(),
		})
		return false
	}
	return rt.Add(id)
}

// Get returns the peer with the given hash, or nil.
func (rt *RoutingTable) Get(hash utils.Hash) *Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.nodes[hash]
}

// Len returns the number of known peers.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.nodes)
}

// All returns every known peer in insertion order.
func (rt *RoutingTable) All() []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]*Node(nil), rt.order...)
}

// Unlocked returns the peers that are not currently backed off.
func (rt *RoutingTable) Unlocked() []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	out := make([]*Node, 0, len(rt.order))
	for _, n := range rt.order {
		if !n.Locked() {
			out = append(out, n)
		}
	}
	return out
}

// KClosest returns up to n unlocked peers minimizing XOR distance to the
// routing key of key. When toUs is true only peers strictly closer to
// the key than the local node are admitted. Ties break by insertion
// order; the result is sorted nearest first.
func (rt *RoutingTable) KClosest(key utils.Hash, n int, toUs bool) []*Node {
	destKey := wire.RoutingKey(key)
	ourDistance := wire.XOR(destKey, rt.localHash)

	candidates := rt.Unlocked()
	type scored struct {
		node     *Node
		distance wire.Distance
		index    int
	}
	sorted := make([]scored, 0, len(candidates))
	for i, node := range candidates {
		d := wire.XOR(destKey, node.Hash())
		if toUs && !d.Less(ourDistance) {
			continue
		}
		sorted = append(sorted, scored{node: node, distance: d, index: i})
	}

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].distance == sorted[j].distance {
			return sorted[i].index < sorted[j].index
		}
		return sorted[i].distance.Less(sorted[j].distance)
	})

	if n > len(sorted) {
		n = len(sorted)
	}
	out := make([]*Node, 0, n)
	for _, s := range sorted[:n] {
		out = append(out, s.node)
	}
	return out
}

// WriteTo writes the peer list in nodes.txt format: a header comment and
// one base64 destination per line.
func (rt *RoutingTable) WriteTo(w io.Writer) (int64, error) {
	var written int64

	header := "# Each line is one Base64-encoded destination.\n" +
		"# Do not edit this file while the daemon is running as it will be overwritten.\n\n"
	n, err := io.WriteString(w, header)
	written += int64(n)
	if err != nil {
		return written, err
	}

	for _, node := range rt.All() {
		n, err := io.WriteString(w, node.Destination()+"\n")
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// ReadFrom loads peers from nodes.txt format, ignoring blank lines and
// comments. Returns the number of peers added.
func (rt *RoutingTable) ReadFrom(ctx context.Context, r io.Reader) int {
	added := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rt.AddDestination(ctx, line) {
			added++
		}
	}
	return added
}
