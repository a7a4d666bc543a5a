// Package ring implements the consistent-hash routing ring (spec.md §3,
// §4.1) that maps every dense/sparse table key to exactly one owning node.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dchest/siphash"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrEmptyRing is returned by Hit when the ring has no members yet
// (spec.md §13: recovered from Kraken's Router::Hit returning
// uint64_t(-1) on an empty ring rather than panicking).
var ErrEmptyRing = errors.New("ring: no nodes in the ring")

// VirtualNodeNum is the fixed number of virtual nodes contributed by every
// real node (spec.md §3's constant V).
const VirtualNodeNum = 3

const virtualNodeSep = "#"

// maxUint64 is 2^64-1; the math package has no untyped MaxUint64 constant.
const maxUint64 = 1<<64 - 1

// siphash key pair used for every hash in the ring: vnode placement and the
// (table_id, sparse_id) mixing function alike. Fixed and process-wide so
// that two Router values built from the same Add/Remove sequence on
// different processes are byte-identical, which spec.md §8.1 requires.
const (
	sipK0 = 0x6b7261656b5073
	sipK1 = 0x6b656e6b65
)

// Node is a real cluster member, as stored in the ring (spec.md §3).
type Node struct {
	ID         uint64
	Name       string
	VNodeHashes []uint64
}

// vnode is a ring position: the hash of one of a node's virtual nodes.
type vnode struct {
	hash   uint64
	nodeID uint64
	name   string
}

// Router is the versioned consistent-hash ring. Construct one with New; the
// zero value has no maps or random source allocated, so Add on it panics.
type Router struct {
	mu      sync.RWMutex
	version uint64
	nodes   map[uint64]*Node
	vnodes  map[uint64]*vnode // keyed by hash, kept for O(1) existence checks
	sorted  []uint64          // sorted vnode hashes, rebuilt on every mutation
	rng     *rand.Rand
}

// New returns an empty Router at version 0.
func New() *Router {
	return &Router{
		nodes:  make(map[uint64]*Node),
		vnodes: make(map[uint64]*vnode),
		rng:    rand.New(rand.NewSource(0xc0ffee)),
	}
}

// Version returns the current ring version. Version strictly increases on
// any mutation (spec.md §3 invariant).
func (r *Router) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Empty reports whether the ring has no members.
func (r *Router) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes) == 0
}

// Contains reports whether id is currently a member.
func (r *Router) Contains(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[id]
	return ok
}

// NodeByID returns a copy of the Node record for id.
func (r *Router) NodeByID(id uint64) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return cloneNode(n), true
}

func cloneNode(n *Node) Node {
	out := Node{ID: n.ID, Name: n.Name, VNodeHashes: make([]uint64, len(n.VNodeHashes))}
	copy(out.VNodeHashes, n.VNodeHashes)
	return out
}

// Nodes returns a copy of every member, sorted by ID.
func (r *Router) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := maps.Keys(r.nodes)
	slices.Sort(ids)
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneNode(r.nodes[id]))
	}
	return out
}

// siphashString hashes a string with the ring's fixed key pair.
func siphashString(s string) uint64 {
	return siphash.Hash(sipK0, sipK1, []byte(s))
}

// Mix combines a table id and a sparse id into a single ring key, per
// spec.md §3's "hash(table_id, sparse_id) combined with a fixed mixing
// function".
func Mix(tableID, sparseID uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], tableID)
	binary.LittleEndian.PutUint64(buf[8:16], sparseID)
	return siphash.Hash(sipK0, sipK1, buf[:])
}

// DenseKey returns the ring key for a dense table (spec.md §3: hash(table_id)).
func DenseKey(tableID uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], tableID)
	return siphash.Hash(sipK0, sipK1, buf[:])
}

// Add appends a new real node to the ring. The new node id must be strictly
// greater than every existing id (spec.md §13: monotone admission, mirrors
// Router::Add in the original source). Returns false if that invariant
// would be violated or id is already present.
func (r *Router) Add(id uint64, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.nodes) > 0 {
		maxID := uint64(0)
		for existing := range r.nodes {
			if existing > maxID {
				maxID = existing
			}
		}
		if maxID >= id {
			return false
		}
	}
	if _, ok := r.nodes[id]; ok {
		return false
	}

	interval := uint64(maxUint64)
	if len(r.vnodes) > 0 {
		interval = maxUint64 / uint64(len(r.vnodes))
	}

	node := &Node{ID: id, Name: name}
	for i := 0; i < VirtualNodeNum; i++ {
		vname := name + virtualNodeSep + strconv.Itoa(i)
		h := siphashString(vname)
		for {
			if _, exists := r.vnodes[h]; !exists {
				break
			}
			// collision: perturb by a bounded positive random stride,
			// matching Kraken's ThreadLocalRandom(1, interval) bound so
			// vnode placement quality doesn't degrade as the ring grows
			// (spec.md §13).
			stride := uint64(1)
			if interval > 1 {
				stride = uint64(1) + uint64(r.rng.Int63n(int64(interval-1)))
			}
			h += stride
		}
		r.vnodes[h] = &vnode{hash: h, nodeID: id, name: vname}
		node.VNodeHashes = append(node.VNodeHashes, h)
	}
	r.nodes[id] = node
	r.rebuildSorted()
	r.version++
	return true
}

// Remove removes id and all of its virtual nodes from the ring (spec.md
// §3 invariant: removing a node removes all its vnodes).
func (r *Router) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return false
	}
	for _, h := range node.VNodeHashes {
		delete(r.vnodes, h)
	}
	delete(r.nodes, id)
	r.rebuildSorted()
	r.version++
	return true
}

func (r *Router) rebuildSorted() {
	r.sorted = maps.Keys(r.vnodes)
	slices.Sort(r.sorted)
}

// lowerBound returns the index of the first element of sorted that is >= h,
// or len(sorted) if none is. This is the ring's `lower_bound` lookup
// (spec.md §3).
func lowerBound(sorted []uint64, h uint64) int {
	return sort.Search(len(sorted), func(i int) bool { return sorted[i] >= h })
}

// Hit returns the id of the node owning hash h: the ring entry with the
// smallest key >= h, wrapping to the first entry when h exceeds all keys
// (spec.md §3). A hash exactly equal to the largest ring position is owned
// by that last entry; only hashes above it wrap.
func (r *Router) Hit(h uint64) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sorted) == 0 {
		return 0, ErrEmptyRing
	}
	i := lowerBound(r.sorted, h)
	if i == len(r.sorted) {
		i = 0
	}
	return r.vnodes[r.sorted[i]].nodeID, nil
}

// HitKey hits the ring for a dense table key.
func (r *Router) HitKey(tableID uint64) (uint64, error) {
	return r.Hit(DenseKey(tableID))
}

// HitSparse hits the ring for a sparse row key.
func (r *Router) HitSparse(tableID, sparseID uint64) (uint64, error) {
	return r.Hit(Mix(tableID, sparseID))
}

// IntersectNodes returns the set of node ids whose ring ranges overlap any
// of the given hash values — used by the transfer protocol (spec.md §4.2)
// to compute which incumbents own keys that will migrate, and by the
// checkpoint engine (spec.md §4.7) to compute which old shards a loading
// node must read.
func (r *Router) IntersectNodes(hashes []uint64) map[uint64]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint64]bool)
	if len(r.sorted) == 0 {
		return out
	}
	for _, h := range hashes {
		i := lowerBound(r.sorted, h)
		if i == len(r.sorted) {
			i = 0
		}
		out[r.vnodes[r.sorted[i]].nodeID] = true
	}
	return out
}

// NodeHashRanges returns the sorted vnode hashes belonging to id, exposed so
// callers can compute IntersectNodes(router.NodeHashRanges(id)) against a
// different Router instance (e.g. the joiner's own vnodes against the old
// router, per spec.md §4.2's donor computation).
func (r *Router) NodeHashRanges(id uint64) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil
	}
	out := make([]uint64, len(n.VNodeHashes))
	copy(out, n.VNodeHashes)
	slices.Sort(out)
	return out
}

// Str returns a deterministic human-readable dump, used for logs and for
// equality checks after marshalling (spec.md §4.1).
func (r *Router) Str() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	fmt.Fprintf(&b, "Version:%d, Nodes:[", r.version)
	ids := maps.Keys(r.nodes)
	slices.Sort(ids)
	for _, id := range ids {
		n := r.nodes[id]
		fmt.Fprintf(&b, "(id:%d, name:%s, vnode_list:", n.ID, n.Name)
		for _, h := range n.VNodeHashes {
			fmt.Fprintf(&b, "%d, ", h)
		}
		b.WriteString(")")
	}
	b.WriteString("], Ring:[")
	for _, h := range r.sorted {
		fmt.Fprintf(&b, "%d, ", r.vnodes[h].nodeID)
	}
	b.WriteString("]")
	return b.String()
}

// Equal reports structural equality over (version, nodes, vnodes), per
// spec.md §4.1.
func (r *Router) Equal(o *Router) bool {
	r.mu.RLock()
	o.mu.RLock()
	defer r.mu.RUnlock()
	defer o.mu.RUnlock()

	if r.version != o.version || len(r.nodes) != len(o.nodes) || len(r.vnodes) != len(o.vnodes) {
		return false
	}
	for id, n := range r.nodes {
		on, ok := o.nodes[id]
		if !ok || n.Name != on.Name || len(n.VNodeHashes) != len(on.VNodeHashes) {
			return false
		}
		for i := range n.VNodeHashes {
			if n.VNodeHashes[i] != on.VNodeHashes[i] {
				return false
			}
		}
	}
	for h, v := range r.vnodes {
		ov, ok := o.vnodes[h]
		if !ok || v.nodeID != ov.nodeID || v.name != ov.name {
			return false
		}
	}
	return true
}

// Snapshot is the wire-friendly projection of a Router: enough to
// reconstruct an identical ring on the receiving side without exposing the
// private vnode map directly (spec.md §6: Router is sent whole on
// FetchRouter replies and join notifications).
type Snapshot struct {
	Version uint64
	Nodes   []Node
}

// Snapshot captures r's current state.
func (r *Router) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := maps.Keys(r.nodes)
	slices.Sort(ids)
	out := Snapshot{Version: r.version, Nodes: make([]Node, 0, len(ids))}
	for _, id := range ids {
		out.Nodes = append(out.Nodes, cloneNode(r.nodes[id]))
	}
	return out
}

// FromSnapshot rebuilds a Router from a Snapshot produced by Snapshot,
// reusing the node's own recorded vnode hashes rather than recomputing them
// from name+index, so the rebuilt ring is byte-identical to the original
// even if vnode placement ever stops being a pure function of the name.
func FromSnapshot(s Snapshot) *Router {
	r := New()
	r.version = s.Version
	for _, n := range s.Nodes {
		node := &Node{ID: n.ID, Name: n.Name, VNodeHashes: append([]uint64(nil), n.VNodeHashes...)}
		r.nodes[n.ID] = node
		for i, h := range n.VNodeHashes {
			vname := n.Name + virtualNodeSep + strconv.Itoa(i)
			r.vnodes[h] = &vnode{hash: h, nodeID: n.ID, name: vname}
		}
	}
	r.rebuildSorted()
	return r
}

// Clone returns a deep, independent copy of r.
func (r *Router) Clone() *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := New()
	out.version = r.version
	for id, n := range r.nodes {
		out.nodes[id] = &Node{ID: n.ID, Name: n.Name, VNodeHashes: append([]uint64(nil), n.VNodeHashes...)}
	}
	for h, v := range r.vnodes {
		out.vnodes[h] = &vnode{hash: v.hash, nodeID: v.nodeID, name: v.name}
	}
	out.rebuildSorted()
	return out
}
