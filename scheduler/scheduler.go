// Package scheduler implements the cluster's single coordination point:
// node admission, the canonical Router, model/table metadata, and the
// save/load triggers every node fans out to (spec.md §4.6, §4.7). It is
// never on the hot path — workers and nodes cache its Router and only come
// back on a version mismatch or at startup.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/kraken-ps/kraken/ps"
	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/table"
	"github.com/kraken-ps/kraken/tensor"
	"github.com/kraken-ps/kraken/wire"
)

// Scheduler owns the canonical Router and ModelMetaData (spec.md §4.6).
// Router identity doubles as node membership: every admitted ps node is a
// ring.Router entry, so there's no separate members map to keep in sync.
type Scheduler struct {
	Logger *log.Logger

	mu     sync.RWMutex
	router *ring.Router

	modelMu     sync.RWMutex
	initialized bool
	model       ps.ModelMetaSnapshot

	peers *peerPool

	epochMu sync.RWMutex
	epochs  map[uint64]uuid.UUID
}

// New returns a Scheduler with an empty ring and no model.
func New(logger *log.Logger) *Scheduler {
	return &Scheduler{
		Logger: logger,
		router: ring.New(),
		model:  ps.ModelMetaSnapshot{Tables: make(map[uint64]table.Meta)},
		peers:  newPeerPool(),
		epochs: make(map[uint64]uuid.UUID),
	}
}

// Epoch returns the join "epoch" id stamped for nodeID at admission time, if
// any. It exists purely for operator correlation between a join attempt and
// the logs it produced; it is not written to router.json, model.json or any
// other checkpoint file, and plays no role in admission or routing.
func (s *Scheduler) Epoch(nodeID uint64) (uuid.UUID, bool) {
	s.epochMu.RLock()
	defer s.epochMu.RUnlock()
	id, ok := s.epochs[nodeID]
	return id, ok
}

// Epochs returns a snapshot of every admitted node's join epoch id.
func (s *Scheduler) Epochs() map[uint64]uuid.UUID {
	s.epochMu.RLock()
	defer s.epochMu.RUnlock()
	out := make(map[uint64]uuid.UUID, len(s.epochs))
	for id, e := range s.epochs {
		out[id] = e
	}
	return out
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// Router returns the current canonical ring.
func (s *Scheduler) Router() *ring.Router {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.router
}

// heartbeatAll polls every current member's status, returning an error if
// any member is unreachable. It does not itself decide admission — callers
// compare the returned statuses against whatever they need (spec.md §4.2's
// "refuses if any is not in Work", §4.7's "only when every node is in exact
// status Work").
func (s *Scheduler) heartbeatAll(ctx context.Context) (map[uint64]ps.Status, error) {
	nodes := s.Router().Nodes()
	out := make(map[uint64]ps.Status, len(nodes))
	for _, n := range nodes {
		body, err := s.peers.call(ctx, n.Name, wire.RPCHeartbeat, nil)
		if err != nil {
			return nil, fmt.Errorf("scheduler: heartbeat %s (node %d): %w", n.Name, n.ID, err)
		}
		reply, err := ps.DecodeHeartbeatReply(body)
		if err != nil {
			return nil, err
		}
		out[n.ID] = reply.Status
	}
	return out, nil
}

// allExactlyWorking reports whether every current member answered Heartbeat
// with exactly StatusWork (no Proxy/Transfer/Save/Load bit set).
func (s *Scheduler) allExactlyWorking(ctx context.Context) bool {
	statuses, err := s.heartbeatAll(ctx)
	if err != nil {
		return false
	}
	for _, st := range statuses {
		if st != ps.StatusWork {
			return false
		}
	}
	return true
}

// nextFreeID returns the smallest id >= len(used) not already in used,
// matching the original's "size(); while contains(id) id++" allocation
// (spec.md §4.2/§4.6: "smallest non-used id >= current size").
func nextFreeID(size int, used func(uint64) bool) uint64 {
	id := uint64(size)
	for used(id) {
		id++
	}
	return id
}

// TryJoin admits addr as a new ps node (spec.md §4.2). It refuses if any
// current member isn't in Work, then allocates the next free node id,
// updates the Router, and broadcasts NotifyNodeJoin to every other member.
func (s *Scheduler) TryJoin(ctx context.Context, addr string) (ps.TryJoinReply, error) {
	s.logf("scheduler: %s trying to join", addr)

	if !s.allExactlyWorking(ctx) {
		s.logf("scheduler: refusing join from %s, not all nodes are Work", addr)
		return ps.TryJoinReply{Allow: false}, nil
	}

	s.mu.Lock()
	oldRouter := s.router
	newRouter := oldRouter.Clone()
	nodeID := nextFreeID(len(newRouter.Nodes()), newRouter.Contains)
	if !newRouter.Add(nodeID, addr) {
		s.mu.Unlock()
		return ps.TryJoinReply{}, fmt.Errorf("scheduler: router add failed for node %d (%s)", nodeID, addr)
	}
	s.router = newRouter
	s.mu.Unlock()

	epoch := uuid.New()
	s.epochMu.Lock()
	s.epochs[nodeID] = epoch
	s.epochMu.Unlock()

	s.logf("scheduler: admitted %s as node %d (epoch %s)", addr, nodeID, epoch)

	s.modelMu.RLock()
	reply := ps.TryJoinReply{
		Allow: true, NodeID: nodeID, OldRouter: oldRouter, NewRouter: newRouter,
		ModelInitialized: s.initialized,
	}
	if s.initialized {
		// Table registration can add entries to s.model.Tables concurrently
		// with this reply being encoded after the lock is released below,
		// so the snapshot gets its own top-level map rather than aliasing
		// the live one.
		model := s.model
		model.Tables = make(map[uint64]table.Meta, len(s.model.Tables))
		for id, m := range s.model.Tables {
			model.Tables[id] = m
		}
		reply.Model = &model
	}
	s.modelMu.RUnlock()

	notifyReq := ps.NotifyNodeJoinRequest{JoinedID: nodeID, OldRouter: oldRouter, NewRouter: newRouter}
	for _, n := range newRouter.Nodes() {
		if n.ID == nodeID {
			continue
		}
		if _, err := s.peers.call(ctx, n.Name, wire.RPCNotifyNodeJoin, notifyReq.Encode()); err != nil {
			// A stuck incumbent doesn't roll back the join: the joiner is
			// already in the router and will proxy-read through whichever
			// incumbents did get notified, exactly as spec.md §4.2's
			// failure model expects for an unreachable peer.
			s.logf("scheduler: NotifyNodeJoin to %s (node %d) failed: %v", n.Name, n.ID, err)
		}
	}

	return reply, nil
}

// InitModel latches the model's identity and optimizer, fanning CreateModel
// out to every currently admitted node. A second call with the same name is
// a no-op success (spec.md §4.6).
func (s *Scheduler) InitModel(ctx context.Context, name, optimKind string, optimParams map[string]string) error {
	s.modelMu.Lock()
	if s.initialized {
		s.modelMu.Unlock()
		s.logf("scheduler: model %q already initialized", name)
		return nil
	}
	s.model.ID = 1
	s.model.Name = name
	s.model.OptimKind = optimKind
	s.model.OptimParams = optimParams
	s.initialized = true
	s.modelMu.Unlock()

	req := ps.EncodeCreateModelRequest(ps.ModelMetaSnapshot{
		ID: 1, Name: name, OptimKind: optimKind, OptimParams: optimParams,
		Tables: make(map[uint64]table.Meta),
	})
	for _, n := range s.Router().Nodes() {
		if _, err := s.peers.call(ctx, n.Name, wire.RPCCreateModel, req); err != nil {
			return fmt.Errorf("scheduler: CreateModel on %s (node %d): %w", n.Name, n.ID, err)
		}
	}
	s.logf("scheduler: initialized model %q optim=%s %v", name, optimKind, optimParams)
	return nil
}

// RegisterDenseTable allocates a monotone table id, picks its sole owner via
// hit(table_id), and issues CreateDenseTable to that node alone (spec.md
// §4.6). Re-registering the same name with a matching shape/element type is
// idempotent; a mismatch is ErrDenseTableUnCompatible.
func (s *Scheduler) RegisterDenseTable(ctx context.Context, name string, val *tensor.Dense) (uint64, error) {
	s.modelMu.Lock()
	if !s.initialized {
		s.modelMu.Unlock()
		return 0, wire.NewError(wire.ErrModelNotInitialized, "model not initialized")
	}
	for _, m := range s.model.Tables {
		if m.Name != name {
			continue
		}
		s.modelMu.Unlock()
		if !m.Dense || !m.Shape.Equal(val.Shape) || m.Elem != val.Elem {
			return 0, wire.NewError(wire.ErrDenseTableUnCompatible, "dense table %q already registered with a different shape/type", name)
		}
		return m.ID, nil
	}
	tableID := nextFreeID(len(s.model.Tables), func(id uint64) bool { _, ok := s.model.Tables[id]; return ok })
	meta := table.Meta{ID: tableID, Name: name, Dense: true, Elem: val.Elem, Shape: val.Shape.Clone()}
	s.model.Tables[tableID] = meta
	s.modelMu.Unlock()

	owner, err := s.Router().HitKey(tableID)
	if err != nil {
		return 0, err
	}
	node, ok := s.Router().NodeByID(owner)
	if !ok {
		return 0, wire.NewError(wire.ErrRouteWrongNode, "owner node %d of table %d missing from router", owner, tableID)
	}

	req := ps.EncodeCreateTableRequest(meta)
	if _, err := s.peers.call(ctx, node.Name, wire.RPCCreateDenseTable, req); err != nil {
		return 0, fmt.Errorf("scheduler: CreateDenseTable on %s (node %d): %w", node.Name, node.ID, err)
	}
	s.logf("scheduler: registered dense table %q id=%d on node %d (%s)", name, tableID, node.ID, node.Name)
	return tableID, nil
}

// RegisterSparseTable allocates a monotone table id and issues
// CreateSparseTable to every node, since sparse tables are globally present
// shells with only rows partitioned (spec.md §4.6).
func (s *Scheduler) RegisterSparseTable(ctx context.Context, name string, dimension int64, elem tensor.ElementType, initSpec tensor.InitSpec) (uint64, error) {
	s.modelMu.Lock()
	if !s.initialized {
		s.modelMu.Unlock()
		return 0, wire.NewError(wire.ErrModelNotInitialized, "model not initialized")
	}
	for _, m := range s.model.Tables {
		if m.Name != name {
			continue
		}
		s.modelMu.Unlock()
		if m.Dense || m.Dimension != dimension || m.Elem != elem || m.InitSpec.Kind != initSpec.Kind {
			return 0, wire.NewError(wire.ErrSparseTableUnCompatible, "sparse table %q already registered with different parameters", name)
		}
		return m.ID, nil
	}
	tableID := nextFreeID(len(s.model.Tables), func(id uint64) bool { _, ok := s.model.Tables[id]; return ok })
	meta := table.Meta{ID: tableID, Name: name, Dense: false, Elem: elem, Dimension: dimension, InitSpec: initSpec}
	s.model.Tables[tableID] = meta
	s.modelMu.Unlock()

	req := ps.EncodeCreateTableRequest(meta)
	for _, n := range s.Router().Nodes() {
		if _, err := s.peers.call(ctx, n.Name, wire.RPCCreateSparseTable, req); err != nil {
			return 0, fmt.Errorf("scheduler: CreateSparseTable on %s (node %d): %w", n.Name, n.ID, err)
		}
	}
	s.logf("scheduler: registered sparse table %q id=%d on all nodes", name, tableID)
	return tableID, nil
}

// IsAllPsWorking reports whether every current member answered Heartbeat
// with exactly StatusWork.
func (s *Scheduler) IsAllPsWorking(ctx context.Context) bool {
	return s.allExactlyWorking(ctx)
}

// TrySaveModel fans RPCNodeTriggerSave out to every node, refusing unless
// every node is exactly Work (spec.md §4.6's "only accepted when every node
// is in exact status Work"). Nodes are triggered one at a time; it stops at
// the first node whose trigger fails and returns an error naming that node.
func (s *Scheduler) TrySaveModel(ctx context.Context) (bool, error) {
	if !s.allExactlyWorking(ctx) {
		return false, nil
	}
	for _, n := range s.Router().Nodes() {
		if _, err := s.peers.call(ctx, n.Name, wire.RPCNodeTriggerSave, nil); err != nil {
			return false, fmt.Errorf("scheduler: TriggerSave on %s (node %d): %w", n.Name, n.ID, err)
		}
	}
	return true, nil
}

// TryLoadModel fans RPCNodeTriggerLoad out to every node, passing dir as the
// checkpoint root each node should read its shard from.
func (s *Scheduler) TryLoadModel(ctx context.Context, dir string) (bool, error) {
	if !s.allExactlyWorking(ctx) {
		return false, nil
	}
	req := ps.TryLoadModelRequest{Dir: dir}.Encode()
	for _, n := range s.Router().Nodes() {
		if _, err := s.peers.call(ctx, n.Name, wire.RPCNodeTriggerLoad, req); err != nil {
			return false, fmt.Errorf("scheduler: TriggerLoad on %s (node %d): %w", n.Name, n.ID, err)
		}
	}
	return true, nil
}
