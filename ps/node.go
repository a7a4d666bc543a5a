package ps

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/table"
	"github.com/kraken-ps/kraken/tensor"
)

// Node is one parameter-server process (spec.md §4 "Node (process-wide
// state)"). Lock hierarchy: psMu (identity/router) before modelMu (table
// registry) before a table's own lock (val_mu or a shardmap slot) — never
// the reverse (spec.md "Lock hierarchy").
type Node struct {
	Addr   string
	Logger *log.Logger

	psMu      sync.RWMutex
	nodeID    uint64
	status    Status
	router    *ring.Router
	schedAddr string

	// proxyRouter is the router in effect just before this node's own join
	// completed, kept only while StatusProxy is set so a local miss on a
	// key that hasn't transferred in yet can be forwarded to whichever
	// incumbent used to own it (spec.md §4.4).
	proxyRouter *ring.Router

	modelMu         sync.RWMutex
	modelName       string
	modelID         uint64
	modelInitialized bool
	optim           table.Optim
	optimKind       string
	optimParams     map[string]string
	tables          map[uint64]*table.Entry

	peers *peerPool

	eventMu       sync.Mutex
	pendingJoiner map[uint64]map[uint64]bool // joiner_id -> set of donor ids still owed ProxyFinishTransfer

	// saveHook/loadHook are set by the checkpoint package once it wraps
	// this Node, giving the scheduler's save/load fan-out (spec.md §4.7)
	// something to call without ps depending on checkpoint.
	saveHook func(ctx context.Context) error
	loadHook func(ctx context.Context, dir string) error
}

// SetSaveHook installs the function invoked on RPCNodeTriggerSave.
func (n *Node) SetSaveHook(f func(ctx context.Context) error) {
	n.modelMu.Lock()
	n.saveHook = f
	n.modelMu.Unlock()
}

// SetLoadHook installs the function invoked on RPCNodeTriggerLoad. dir is
// the checkpoint root the scheduler's TryLoadModel call specified.
func (n *Node) SetLoadHook(f func(ctx context.Context, dir string) error) {
	n.modelMu.Lock()
	n.loadHook = f
	n.modelMu.Unlock()
}

// NewNode creates a Node bound to addr, not yet joined to any cluster.
func NewNode(addr string, logger *log.Logger) *Node {
	return &Node{
		Addr:          addr,
		Logger:        logger,
		status:        StatusInit,
		router:        ring.New(),
		tables:        make(map[uint64]*table.Entry),
		peers:         newPeerPool(),
		pendingJoiner: make(map[uint64]map[uint64]bool),
	}
}

// ID returns this node's assigned id (valid only once past StatusInit).
func (n *Node) ID() uint64 {
	n.psMu.RLock()
	defer n.psMu.RUnlock()
	return n.nodeID
}

// Status returns the current lifecycle bitset.
func (n *Node) Status() Status {
	n.psMu.RLock()
	defer n.psMu.RUnlock()
	return n.status
}

func (n *Node) setStatus(s Status) {
	n.psMu.Lock()
	n.status = s
	n.psMu.Unlock()
}

func (n *Node) addStatus(bit Status) {
	n.psMu.Lock()
	n.status |= bit
	n.psMu.Unlock()
}

func (n *Node) dropStatus(bit Status) {
	n.psMu.Lock()
	n.status &^= bit
	n.psMu.Unlock()
}

// Router returns the node's current view of the cluster.
func (n *Node) Router() *ring.Router {
	n.psMu.RLock()
	defer n.psMu.RUnlock()
	return n.router
}

func (n *Node) setRouter(r *ring.Router) {
	n.psMu.Lock()
	n.router = r
	n.psMu.Unlock()
}

// proxyPredecessor returns the address of the incumbent that used to own
// hash under the pre-join router, for forwarding a local miss while this
// node still carries StatusProxy.
func (n *Node) proxyPredecessor(hash uint64) (string, bool) {
	n.psMu.RLock()
	defer n.psMu.RUnlock()
	if n.proxyRouter == nil {
		return "", false
	}
	id, err := n.proxyRouter.Hit(hash)
	if err != nil {
		return "", false
	}
	node, ok := n.proxyRouter.NodeByID(id)
	if !ok {
		return "", false
	}
	return node.Name, true
}

// ModelInitialized reports whether CreateModel has landed yet.
func (n *Node) ModelInitialized() bool {
	n.modelMu.RLock()
	defer n.modelMu.RUnlock()
	return n.modelInitialized
}

// CreateModel installs the model's metadata and optimizer (spec.md
// §4.6's CreateModel fan-out). Idempotent: a second call with the same
// name is a no-op success, matching InitModel's idempotence contract.
func (n *Node) CreateModel(id uint64, name, optimKind string, optimParams map[string]string) error {
	n.modelMu.Lock()
	defer n.modelMu.Unlock()
	if n.modelInitialized {
		if n.modelName == name {
			return nil
		}
		return fmt.Errorf("ps: model already created: %s", n.modelName)
	}
	optim, err := table.NewOptim(optimKind, optimParams)
	if err != nil {
		return err
	}
	n.modelID = id
	n.modelName = name
	n.optimKind = optimKind
	n.optimParams = optimParams
	n.optim = optim
	n.modelInitialized = true
	return nil
}

// CreateDenseTable installs a new dense table shell seeded with an
// all-zero value of the given shape (spec.md §4.6).
func (n *Node) CreateDenseTable(meta table.Meta) error {
	n.modelMu.Lock()
	defer n.modelMu.Unlock()
	if _, exists := n.tables[meta.ID]; exists {
		return fmt.Errorf("ps: table %d already exists", meta.ID)
	}
	val := tensor.NewDense(meta.Shape, meta.Elem)
	n.tables[meta.ID] = &table.Entry{Meta: meta, Dense: table.NewDenseTable(meta.Name, val)}
	return nil
}

// CreateSparseTable installs a new sparse table shell (spec.md §4.6:
// sparse tables are globally present, only rows are partitioned).
func (n *Node) CreateSparseTable(meta table.Meta) error {
	n.modelMu.Lock()
	defer n.modelMu.Unlock()
	if _, exists := n.tables[meta.ID]; exists {
		return fmt.Errorf("ps: table %d already exists", meta.ID)
	}
	init, err := tensor.NewInitializer(meta.InitSpec, nil)
	if err != nil {
		return err
	}
	n.tables[meta.ID] = &table.Entry{
		Meta:   meta,
		Sparse: table.NewSparseTable(meta.Name, meta.Dimension, meta.Elem, init),
	}
	return nil
}

func (n *Node) entry(tableID uint64) (*table.Entry, bool) {
	n.modelMu.RLock()
	defer n.modelMu.RUnlock()
	e, ok := n.tables[tableID]
	return e, ok
}

func (n *Node) insertDenseIfAbsent(meta table.Meta, val *tensor.Dense) {
	n.modelMu.Lock()
	defer n.modelMu.Unlock()
	if _, exists := n.tables[meta.ID]; exists {
		return
	}
	n.tables[meta.ID] = &table.Entry{Meta: meta, Dense: table.NewDenseTable(meta.Name, val)}
}

// insertDenseValueIfAbsent installs a full Value (including optimizer
// state) fetched through the proxy path, so a node doesn't have to
// rebuild optimizer state from scratch for every pull it proxies.
func (n *Node) insertDenseValueIfAbsent(meta table.Meta, v *table.Value) {
	n.modelMu.Lock()
	defer n.modelMu.Unlock()
	if _, exists := n.tables[meta.ID]; exists {
		return
	}
	dt := table.NewDenseTable(meta.Name, v.Val)
	dt.Restore(v)
	n.tables[meta.ID] = &table.Entry{Meta: meta, Dense: dt}
}

func (n *Node) insertSparseShellIfAbsent(meta table.Meta) error {
	n.modelMu.Lock()
	defer n.modelMu.Unlock()
	if _, exists := n.tables[meta.ID]; exists {
		return nil
	}
	init, err := tensor.NewInitializer(meta.InitSpec, nil)
	if err != nil {
		return err
	}
	n.tables[meta.ID] = &table.Entry{
		Meta:   meta,
		Sparse: table.NewSparseTable(meta.Name, meta.Dimension, meta.Elem, init),
	}
	return nil
}

func (n *Node) optimizer() table.Optim {
	n.modelMu.RLock()
	defer n.modelMu.RUnlock()
	return n.optim
}

// logf logs through Logger if set, otherwise discards.
func (n *Node) logf(format string, args ...interface{}) {
	if n.Logger != nil {
		n.Logger.Printf(format, args...)
	}
}
