package ps

import (
	"context"

	"github.com/kraken-ps/kraken/table"
	"github.com/kraken-ps/kraken/tensor"
	"github.com/kraken-ps/kraken/wire"
)

// RegisterHandlers wires every worker/node-facing RPC this node answers
// onto s. Call once per process after constructing both Node and
// wire.Server.
func RegisterHandlers(n *Node, s *wire.Server) {
	s.Handle(wire.RPCNotifyNodeJoin, n.HandleNotifyNodeJoin)
	s.Handle(wire.RPCCreateModel, n.handleCreateModel)
	s.Handle(wire.RPCCreateDenseTable, n.handleCreateDenseTable)
	s.Handle(wire.RPCCreateSparseTable, n.handleCreateSparseTable)

	s.Handle(wire.RPCTransferDenseTable, n.HandleTransferDenseTable)
	s.Handle(wire.RPCTransferSparseMetaData, n.HandleTransferSparseMetaData)
	s.Handle(wire.RPCTransferSparseValues, n.HandleTransferSparseValues)
	s.Handle(wire.RPCNotifyFinishTransfer, n.HandleNotifyFinishTransfer)

	s.Handle(wire.RPCTryFetchDenseTable, n.HandleTryFetchDenseTable)
	s.Handle(wire.RPCTryFetchSparseMetaData, n.HandleTryFetchSparseMetaData)
	s.Handle(wire.RPCTryFetchSparseValues, n.HandleTryFetchSparseValues)

	s.Handle(wire.RPCPullDenseTable, n.handlePullDenseTable)
	s.Handle(wire.RPCCombinePullDenseTable, n.handleCombinePullDenseTable)
	s.Handle(wire.RPCPushDenseTable, n.handlePushDenseTable)
	s.Handle(wire.RPCPushPullDenseTable, n.handlePushPullDenseTable)
	s.Handle(wire.RPCPullSparseTable, n.handlePullSparseTable)
	s.Handle(wire.RPCPushSparseTable, n.handlePushSparseTable)
	s.Handle(wire.RPCHeartbeat, n.handleHeartbeat)

	s.Handle(wire.RPCNodeTriggerSave, n.handleTriggerSave)
	s.Handle(wire.RPCNodeTriggerLoad, n.handleTriggerLoad)
}

// handleTriggerSave runs the checkpoint package's save hook under
// StatusSave, refusing unless this node's status is exactly Work (spec.md
// §4.7: "Saves are refused if status isn't exactly Work").
func (n *Node) handleTriggerSave(body []byte) ([]byte, error) {
	if n.Status() != StatusWork {
		return nil, wire.NewError(wire.ErrNodeStatusInappropriate, "save refused: status is %s, not exactly Work", n.Status())
	}
	n.modelMu.RLock()
	hook := n.saveHook
	n.modelMu.RUnlock()
	if hook == nil {
		return nil, wire.NewError(wire.ErrNodeStatusInappropriate, "no save hook installed")
	}
	n.addStatus(StatusSave)
	defer n.dropStatus(StatusSave)
	return nil, hook(context.Background())
}

// handleTriggerLoad runs the checkpoint package's load hook under
// StatusLoad, passing through the checkpoint root the caller named.
func (n *Node) handleTriggerLoad(body []byte) ([]byte, error) {
	req, err := DecodeTryLoadModelRequest(body)
	if err != nil {
		return nil, err
	}
	n.modelMu.RLock()
	hook := n.loadHook
	n.modelMu.RUnlock()
	if hook == nil {
		return nil, wire.NewError(wire.ErrNodeStatusInappropriate, "no load hook installed")
	}
	n.addStatus(StatusLoad)
	defer n.dropStatus(StatusLoad)
	return nil, hook(context.Background(), req.Dir)
}

func (n *Node) handleHeartbeat(body []byte) ([]byte, error) {
	b := wire.NewBuffer(9)
	b.WriteU8(uint8(n.Status()))
	return b.Bytes(), nil
}

func (n *Node) handleCreateModel(body []byte) ([]byte, error) {
	m, err := decodeModelMeta(wire.NewReader(body))
	if err != nil {
		return nil, err
	}
	if err := n.CreateModel(m.ID, m.Name, m.OptimKind, m.OptimParams); err != nil {
		return nil, err
	}
	return nil, nil
}

func (n *Node) handleCreateDenseTable(body []byte) ([]byte, error) {
	meta, err := decodeMeta(wire.NewReader(body))
	if err != nil {
		return nil, err
	}
	return nil, n.CreateDenseTable(meta)
}

func (n *Node) handleCreateSparseTable(body []byte) ([]byte, error) {
	meta, err := decodeMeta(wire.NewReader(body))
	if err != nil {
		return nil, err
	}
	return nil, n.CreateSparseTable(meta)
}

// PullDenseTable returns the current value of a dense table, routing
// through the proxy predecessor on a local miss while StatusProxy is set
// (spec.md §4.4, §4.5).
func (n *Node) PullDenseTable(ctx context.Context, tableID uint64) (*tensor.Dense, error) {
	e, ok := n.entry(tableID)
	if ok && e.Dense != nil {
		return e.Dense.Pull(), nil
	}
	if !n.Status().Has(StatusProxy) {
		return nil, n.notHereError(tableID)
	}
	v, name, found, err := n.fetchDenseThroughProxy(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, wire.NewError(wire.ErrTableNotExist, "dense table %d not present", tableID)
	}
	n.insertDenseValueIfAbsent(table.Meta{ID: tableID, Name: name, Dense: true, Elem: v.Val.Elem, Shape: v.Val.Shape}, v)
	return v.Val.Clone(), nil
}

func (n *Node) handlePullDenseTable(body []byte) ([]byte, error) {
	req, err := DecodePullDenseTableRequest(body)
	if err != nil {
		return nil, err
	}
	val, err := n.PullDenseTable(context.Background(), req.TableID)
	if err != nil {
		return nil, err
	}
	return encodeDenseReply(val), nil
}

func (n *Node) handleCombinePullDenseTable(body []byte) ([]byte, error) {
	req, err := DecodeCombinePullDenseTableRequest(body)
	if err != nil {
		return nil, err
	}
	vals := make([]*tensor.Dense, len(req.TableIDs))
	for i, id := range req.TableIDs {
		v, err := n.PullDenseTable(context.Background(), id)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return encodeDenseList(vals), nil
}

// PushDenseTable applies grad to a dense table's value. Proxy tables are
// never pushed to directly here: the caller routing layer (worker) is
// expected to have refreshed its router rather than push to a node that
// doesn't yet own the table, so an absent local table is a hard error.
func (n *Node) PushDenseTable(tableID uint64, grad table.Gradient, lr float64) error {
	e, ok := n.entry(tableID)
	if !ok || e.Dense == nil {
		return n.notHereError(tableID)
	}
	return e.Dense.Push(grad, lr, n.optimizer())
}

// notHereError distinguishes a stale-router miss (spec.md §4.5: "Worker
// calling the wrong node" -> RouteWrongNode, worker refreshes and retries)
// from a genuinely unknown table id. If the current router names a
// different owner for tableID, the caller's router is out of date.
func (n *Node) notHereError(tableID uint64) error {
	if owner, err := n.Router().HitKey(tableID); err == nil && owner != n.ID() {
		return wire.NewError(wire.ErrRouteWrongNode, "dense table %d routes to node %d, not %d", tableID, owner, n.ID())
	}
	return wire.NewError(wire.ErrTableNotExist, "dense table %d not present", tableID)
}

func (n *Node) handlePushDenseTable(body []byte) ([]byte, error) {
	req, err := DecodePushDenseTableRequest(body)
	if err != nil {
		return nil, err
	}
	return nil, n.PushDenseTable(req.TableID, req.Grad, req.LR)
}

func (n *Node) handlePushPullDenseTable(body []byte) ([]byte, error) {
	req, err := DecodePushDenseTableRequest(body)
	if err != nil {
		return nil, err
	}
	e, ok := n.entry(req.TableID)
	if !ok || e.Dense == nil {
		return nil, wire.NewError(wire.ErrTableNotExist, "dense table %d not present", req.TableID)
	}
	val, err := e.Dense.PushPull(req.Grad, req.LR, n.optimizer())
	if err != nil {
		return nil, err
	}
	return encodeDenseReply(val), nil
}

// PullSparseTable returns the current rows for ids, synthesizing a fresh
// default for any id nobody (including a proxy predecessor) has written
// yet (spec.md §4.5's non-inserting pull-miss semantics).
func (n *Node) PullSparseTable(ctx context.Context, tableID uint64, ids []uint64) ([]*tensor.Dense, error) {
	e, ok := n.entry(tableID)
	if !ok || e.Sparse == nil {
		return nil, wire.NewError(wire.ErrTableNotExist, "sparse table %d not present", tableID)
	}
	if len(ids) > 0 {
		if owner, err := n.Router().HitSparse(tableID, ids[0]); err == nil && owner != n.ID() {
			return nil, wire.NewError(wire.ErrRouteWrongNode, "sparse row %d of table %d routes to node %d, not %d", ids[0], tableID, owner, n.ID())
		}
	}
	local := e.Sparse.Pull(ids)

	if !n.Status().Has(StatusProxy) {
		return local, nil
	}
	var missing []uint64
	for _, id := range ids {
		if !e.Sparse.Contains(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return local, nil
	}
	fetched, err := n.fetchSparseThroughProxy(ctx, tableID, missing)
	if err != nil {
		return nil, err
	}
	if len(fetched) == 0 {
		return local, nil
	}
	ins := make([]uint64, 0, len(fetched))
	vals := make([]*table.Value, 0, len(fetched))
	for id, v := range fetched {
		ins = append(ins, id)
		vals = append(vals, v)
	}
	if err := e.Sparse.Insert(ins, vals); err != nil {
		return nil, err
	}
	return e.Sparse.Pull(ids), nil
}

func (n *Node) handlePullSparseTable(body []byte) ([]byte, error) {
	req, err := DecodePullSparseTableRequest(body)
	if err != nil {
		return nil, err
	}
	vals, err := n.PullSparseTable(context.Background(), req.TableID, req.IDs)
	if err != nil {
		return nil, err
	}
	return encodeDenseList(vals), nil
}

func (n *Node) handlePushSparseTable(body []byte) ([]byte, error) {
	req, err := DecodePushSparseTableRequest(body)
	if err != nil {
		return nil, err
	}
	e, ok := n.entry(req.TableID)
	if !ok || e.Sparse == nil {
		return nil, wire.NewError(wire.ErrTableNotExist, "sparse table %d not present", req.TableID)
	}
	if len(req.IDs) > 0 {
		if owner, err := n.Router().HitSparse(req.TableID, req.IDs[0]); err == nil && owner != n.ID() {
			return nil, wire.NewError(wire.ErrRouteWrongNode, "sparse row %d of table %d routes to node %d, not %d", req.IDs[0], req.TableID, owner, n.ID())
		}
	}
	return nil, e.Sparse.Push(req.IDs, req.Grads, req.LR, n.optimizer())
}
