package ps

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/table"
	"github.com/kraken-ps/kraken/wire"
)

// joinBackoffStart is the first retry delay for TryJoin against the
// scheduler (spec.md §4.2). The scheduler refuses admission until every
// incumbent reports Work via Heartbeat, so a freshly started cluster needs
// the joiner to keep retrying for a while without hammering the scheduler.
const joinBackoffStart = 10 * time.Second
const joinBackoffMax = 2 * time.Minute

// Join blocks until this node is admitted to the cluster rooted at
// schedAddr, retrying TryJoin with exponential backoff on refusal. On
// success it installs the node id, routers, and (if the model already
// exists) the model metadata, then computes which incumbents this node
// must proxy-read through until their transfer finishes.
func (n *Node) Join(ctx context.Context, schedAddr string) error {
	n.psMu.Lock()
	n.schedAddr = schedAddr
	n.psMu.Unlock()

	delay := joinBackoffStart
	for {
		reply, err := n.tryJoinOnce(ctx, schedAddr)
		if err == nil && reply.Allow {
			return n.applyJoinReply(reply)
		}
		if err != nil {
			n.logf("ps: TryJoin(%s) error: %v", schedAddr, err)
		} else {
			n.logf("ps: TryJoin(%s) refused, retrying in %s", schedAddr, delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > joinBackoffMax {
			delay = joinBackoffMax
		}
	}
}

func (n *Node) tryJoinOnce(ctx context.Context, schedAddr string) (TryJoinReply, error) {
	body, err := n.peers.call(ctx, schedAddr, wire.RPCTryJoin, TryJoinRequest{Addr: n.Addr}.Encode())
	if err != nil {
		return TryJoinReply{}, err
	}
	return DecodeTryJoinReply(body)
}

func (n *Node) applyJoinReply(reply TryJoinReply) error {
	n.psMu.Lock()
	n.nodeID = reply.NodeID
	n.router = reply.NewRouter
	n.proxyRouter = reply.OldRouter
	n.psMu.Unlock()

	if reply.ModelInitialized {
		if err := n.CreateModel(reply.Model.ID, reply.Model.Name, reply.Model.OptimKind, reply.Model.OptimParams); err != nil {
			return err
		}
		for _, meta := range reply.Model.Tables {
			var err error
			switch {
			case meta.Dense:
				// A dense table lives on exactly one node at a time
				// (spec.md §3); only create the shell here if this
				// join already makes us that owner. Otherwise either
				// nobody moves it to us, or the transfer protocol
				// lands it once it does.
				if owner, herr := reply.NewRouter.HitKey(meta.ID); herr == nil && owner == reply.NodeID {
					err = n.insertDenseMeta(meta)
				}
			default:
				// Sparse tables are globally present; every node holds
				// a shell and only rows are partitioned (spec.md §4.2).
				err = n.insertSparseShellIfAbsent(meta)
			}
			if err != nil {
				return err
			}
		}
	}

	donors := reply.OldRouter.IntersectNodes(reply.NewRouter.NodeHashRanges(reply.NodeID))
	delete(donors, reply.NodeID)
	if reply.OldRouter.Empty() || len(donors) == 0 {
		n.setStatus(StatusWork)
		return nil
	}

	n.eventMu.Lock()
	set := make(map[uint64]bool, len(donors))
	for id := range donors {
		set[id] = true
	}
	n.pendingJoiner[reply.NodeID] = set
	n.eventMu.Unlock()

	n.setStatus(StatusWork | StatusProxy)
	return nil
}

func (n *Node) insertDenseMeta(meta table.Meta) error {
	if _, ok := n.entry(meta.ID); ok {
		return nil
	}
	return n.CreateDenseTable(meta)
}

// HandleNotifyNodeJoin is the incumbent-side reaction to a new member
// (spec.md §4.2). It must be in exactly Work (not transferring or proxying
// itself), adopts
// the new router, and — if this node donates any key range to the joiner —
// kicks off an async transfer.
func (n *Node) HandleNotifyNodeJoin(body []byte) ([]byte, error) {
	req, err := DecodeNotifyNodeJoinRequest(body)
	if err != nil {
		return nil, err
	}
	if n.Status() != StatusWork {
		return nil, wire.NewError(wire.ErrNodeStatusInappropriate, "node not in Work status: %s", n.Status())
	}

	n.setRouter(req.NewRouter)

	myID := n.ID()
	joinerNode, ok := req.NewRouter.NodeByID(req.JoinedID)
	if !ok {
		return nil, wire.NewError(wire.ErrRouteWrongNode, "joined node %d missing from new router", req.JoinedID)
	}
	donors := req.OldRouter.IntersectNodes(joinerNode.VNodeHashes)
	if !donors[myID] {
		return nil, nil
	}

	n.addStatus(StatusTransfer)
	go n.runTransfer(req.NewRouter, joinerNode.Name, req.JoinedID)
	return nil, nil
}

const transferMaxRetries = 3

// runTransfer pushes every local table this node no longer (fully) owns
// under the new router to the joiner, then signals completion and drops
// Transfer status (spec.md §4.3).
func (n *Node) runTransfer(newRouter *ring.Router, joinerAddr string, joinerID uint64) {
	defer n.dropStatus(StatusTransfer)

	n.modelMu.RLock()
	entries := make([]*table.Entry, 0, len(n.tables))
	for _, e := range n.tables {
		entries = append(entries, e)
	}
	n.modelMu.RUnlock()

	failed := false
	for _, e := range entries {
		var err error
		if e.Meta.Dense {
			err = n.transferDense(joinerAddr, joinerID, e, newRouter)
		} else {
			err = n.transferSparse(joinerAddr, joinerID, e, newRouter)
		}
		if err != nil {
			failed = true
			n.logf("ps: transfer of table %d to %s abandoned: %v", e.Meta.ID, joinerAddr, err)
		}
	}

	if !failed {
		n.cleanupAfterTransfer(newRouter)
	}

	ctx := context.Background()
	req := NotifyFinishTransferRequest{FromID: n.ID()}
	if err := n.callWithRetry(ctx, joinerAddr, wire.RPCNotifyFinishTransfer, req.Encode()); err != nil {
		n.logf("ps: NotifyFinishTransfer to %s failed: %v", joinerAddr, err)
	}
}

// cleanupAfterTransfer drops table state this node no longer owns under
// newRouter, run once every batch has reached the joiner: "after a
// successful transfer, the donor removes any key it no longer owns"
// (spec.md §4.3), and that clean-up "runs under the write locks" (spec.md
// §5). A dense table lives on exactly one node at a time, so the whole
// entry is dropped under modelMu's write lock; a sparse table is a global
// shell, so only the rows that hashed to the joiner are removed, each
// under the row map's own write lock. Grounded on
// original_source/kraken/ps/ps.cc:53 (drop dense tables) and :103 (remove
// migrated skip-list rows).
func (n *Node) cleanupAfterTransfer(newRouter *ring.Router) {
	myID := n.ID()

	n.modelMu.Lock()
	for id, e := range n.tables {
		if !e.Meta.Dense {
			continue
		}
		if owner, err := newRouter.HitKey(id); err == nil && owner != myID {
			delete(n.tables, id)
		}
	}
	sparse := make([]*table.Entry, 0, len(n.tables))
	for _, e := range n.tables {
		if !e.Meta.Dense {
			sparse = append(sparse, e)
		}
	}
	n.modelMu.Unlock()

	for _, e := range sparse {
		for _, id := range e.Sparse.Keys() {
			if owner, err := newRouter.HitSparse(e.Meta.ID, id); err == nil && owner != myID {
				e.Sparse.Remove(id)
			}
		}
	}
}

func (n *Node) transferDense(joinerAddr string, joinerID uint64, e *table.Entry, newRouter *ring.Router) error {
	owner, err := newRouter.HitKey(e.Meta.ID)
	if err != nil || owner != joinerID {
		return nil
	}
	req := TransferDenseTableRequest{
		FromID: n.ID(), TableID: e.Meta.ID, Name: e.Meta.Name, Value: e.Dense.Snapshot(),
	}
	ctx := context.Background()
	return n.callWithRetry(ctx, joinerAddr, wire.RPCTransferDenseTable, req.Encode())
}

func (n *Node) transferSparse(joinerAddr string, joinerID uint64, e *table.Entry, newRouter *ring.Router) error {
	ctx := context.Background()
	metaReq := TransferSparseMetaDataRequest{FromID: n.ID(), Meta: e.Meta}
	if err := n.callWithRetry(ctx, joinerAddr, wire.RPCTransferSparseMetaData, metaReq.Encode()); err != nil {
		return err
	}

	var movingIDs []uint64
	for _, id := range e.Sparse.Keys() {
		owner, err := newRouter.HitSparse(e.Meta.ID, id)
		if err == nil && owner == joinerID {
			movingIDs = append(movingIDs, id)
		}
	}
	if len(movingIDs) == 0 {
		return nil
	}

	const batchSize = 1024
	for start := 0; start < len(movingIDs); start += batchSize {
		end := start + batchSize
		if end > len(movingIDs) {
			end = len(movingIDs)
		}
		batchIDs := movingIDs[start:end]
		values := make([]*table.Value, 0, len(batchIDs))
		ids := make([]uint64, 0, len(batchIDs))
		for _, id := range batchIDs {
			if v, ok := e.Sparse.Row(id); ok {
				ids = append(ids, id)
				values = append(values, v)
			}
		}
		req := TransferSparseValuesRequest{FromID: n.ID(), TableID: e.Meta.ID, IDs: ids, Values: values}
		if err := n.callWithRetry(ctx, joinerAddr, wire.RPCTransferSparseValues, req.Encode()); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) callWithRetry(ctx context.Context, addr string, rpcType wire.RPCType, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < transferMaxRetries; attempt++ {
		_, err := n.peers.call(ctx, addr, rpcType, body)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(time.Duration(50+rand.Intn(50)) * time.Millisecond)
	}
	return fmt.Errorf("ps: %s to %s failed after %d attempts: %w", rpcType, addr, transferMaxRetries, lastErr)
}

// HandleTransferDenseTable is the joiner-side handler: insert-only-if-absent
// so a retried send can never clobber a value already applied locally.
func (n *Node) HandleTransferDenseTable(body []byte) ([]byte, error) {
	req, err := DecodeTransferDenseTableRequest(body)
	if err != nil {
		return nil, err
	}
	n.insertDenseIfAbsent(table.Meta{ID: req.TableID, Name: req.Name, Dense: true, Elem: req.Value.Val.Elem, Shape: req.Value.Val.Shape}, req.Value.Val)
	return nil, nil
}

// HandleTransferSparseMetaData installs the sparse table shell the first
// time a donor describes it; later donors describing the same table id are
// no-ops.
func (n *Node) HandleTransferSparseMetaData(body []byte) ([]byte, error) {
	req, err := DecodeTransferSparseMetaDataRequest(body)
	if err != nil {
		return nil, err
	}
	return nil, n.insertSparseShellIfAbsent(req.Meta)
}

// HandleTransferSparseValues inserts rows the joiner doesn't already hold.
// "First insert wins" matters here because a proxy-read miss (spec.md
// §4.4) can race a transfer batch landing the same row.
func (n *Node) HandleTransferSparseValues(body []byte) ([]byte, error) {
	req, err := DecodeTransferSparseValuesRequest(body)
	if err != nil {
		return nil, err
	}
	e, ok := n.entry(req.TableID)
	if !ok || e.Sparse == nil {
		return nil, wire.NewError(wire.ErrTableNotExist, "sparse table %d not present", req.TableID)
	}
	return nil, e.Sparse.Insert(req.IDs, req.Values)
}

// HandleNotifyFinishTransfer drops the reporting donor from the set this
// node is still waiting on; once empty, Proxy status is cleared since every
// key range the joiner owns has now been fully migrated in.
func (n *Node) HandleNotifyFinishTransfer(body []byte) ([]byte, error) {
	req, err := DecodeNotifyFinishTransferRequest(body)
	if err != nil {
		return nil, err
	}
	myID := n.ID()

	n.eventMu.Lock()
	defer n.eventMu.Unlock()
	set, ok := n.pendingJoiner[myID]
	if !ok {
		return nil, nil
	}
	delete(set, req.FromID)
	if len(set) == 0 {
		delete(n.pendingJoiner, myID)
		n.dropStatus(StatusProxy)
		n.psMu.Lock()
		n.proxyRouter = nil
		n.psMu.Unlock()
	}
	return nil, nil
}
