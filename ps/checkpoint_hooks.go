package ps

import (
	"fmt"

	"github.com/kraken-ps/kraken/table"
)

// The methods in this file are the seam the checkpoint package's Save/Load
// use to reach into a Node's table registry without ps importing checkpoint
// (spec.md §4.7). Every method here takes the ordinary modelMu path; none
// of it is reachable from the serving RPCs in serve.go.

// Tables returns a snapshot of every table entry currently installed,
// keyed by table id. Entries themselves are shared, not copied — callers
// must go through the entry's own exported thread-safe methods (Snapshot,
// RangeSlot, Pull, ...) rather than mutate fields directly.
func (n *Node) Tables() map[uint64]*table.Entry {
	n.modelMu.RLock()
	defer n.modelMu.RUnlock()
	out := make(map[uint64]*table.Entry, len(n.tables))
	for id, e := range n.tables {
		out[id] = e
	}
	return out
}

// ModelSnapshot returns the running model's metadata, or ok=false if
// CreateModel/PrepareModel hasn't landed yet.
func (n *Node) ModelSnapshot() (meta ModelMetaSnapshot, ok bool) {
	n.modelMu.RLock()
	defer n.modelMu.RUnlock()
	if !n.modelInitialized {
		return ModelMetaSnapshot{}, false
	}
	tables := make(map[uint64]table.Meta, len(n.tables))
	for id, e := range n.tables {
		tables[id] = e.Meta
	}
	return ModelMetaSnapshot{
		ID: n.modelID, Name: n.modelName, OptimKind: n.optimKind,
		OptimParams: n.optimParams, Tables: tables,
	}, true
}

// PrepareModel installs the model's identity and optimizer without
// flipping modelInitialized, so the checkpoint loader can populate tables
// before the model is published to ordinary callers (spec.md §4.7:
// "model_initialized is flipped to true only after all shards have been
// processed").
func (n *Node) PrepareModel(id uint64, name, optimKind string, optimParams map[string]string) error {
	n.modelMu.Lock()
	defer n.modelMu.Unlock()
	optim, err := table.NewOptim(optimKind, optimParams)
	if err != nil {
		return err
	}
	n.modelID = id
	n.modelName = name
	n.optimKind = optimKind
	n.optimParams = optimParams
	n.optim = optim
	return nil
}

// FinishModelLoad flips modelInitialized, publishing whatever PrepareModel
// and the Restore/Ensure/Insert calls below have installed so far.
func (n *Node) FinishModelLoad() {
	n.modelMu.Lock()
	n.modelInitialized = true
	n.modelMu.Unlock()
}

// RestoreDenseTable installs meta/v as a dense table entry outright,
// overwriting any existing entry — used by the checkpoint loader, which
// has already decided (via the current router) that this node owns the
// table (spec.md §4.7 step 3).
func (n *Node) RestoreDenseTable(meta table.Meta, v *table.Value) {
	n.modelMu.Lock()
	defer n.modelMu.Unlock()
	dt := table.NewDenseTable(meta.Name, v.Val)
	dt.Restore(v)
	n.tables[meta.ID] = &table.Entry{Meta: meta, Dense: dt}
}

// EnsureSparseTable installs an empty sparse table shell for meta if one
// isn't already present (idempotent) — used by the checkpoint loader to
// recreate cluster-wide sparse shells before inserting rows (spec.md
// §4.7 step 2).
func (n *Node) EnsureSparseTable(meta table.Meta) error {
	return n.insertSparseShellIfAbsent(meta)
}

// InsertSparseRows bulk-inserts rows into an already-present sparse table,
// leaving any row already present untouched (table.SparseTable.Insert's
// contract) — used by the checkpoint loader after it has decided, row by
// row, that this node owns the id under the current router (spec.md §4.7
// step 3).
func (n *Node) InsertSparseRows(tableID uint64, ids []uint64, vals []*table.Value) error {
	e, ok := n.entry(tableID)
	if !ok || e.Sparse == nil {
		return fmt.Errorf("ps: sparse table %d not present", tableID)
	}
	return e.Sparse.Insert(ids, vals)
}
