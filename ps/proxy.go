package ps

import (
	"context"

	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/table"
	"github.com/kraken-ps/kraken/wire"
)

// HandleTryFetchDenseTable answers a proxy's request for a dense table this
// node still owns (spec.md §4.4). Found=false just means "ask someone
// else" — it isn't an error, since the ring may have moved on again.
func (n *Node) HandleTryFetchDenseTable(body []byte) ([]byte, error) {
	req, err := DecodeTryFetchDenseTableRequest(body)
	if err != nil {
		return nil, err
	}
	e, ok := n.entry(req.TableID)
	if !ok || e.Dense == nil {
		return TryFetchDenseTableReply{Found: false}.Encode(), nil
	}
	return TryFetchDenseTableReply{Found: true, Name: e.Meta.Name, Value: e.Dense.Snapshot()}.Encode(), nil
}

// HandleTryFetchSparseMetaData answers a proxy's request for a sparse
// table's shape/initializer so it can synthesize missing rows itself.
func (n *Node) HandleTryFetchSparseMetaData(body []byte) ([]byte, error) {
	req, err := DecodeTryFetchSparseMetaDataRequest(body)
	if err != nil {
		return nil, err
	}
	e, ok := n.entry(req.TableID)
	if !ok || e.Sparse == nil {
		return TryFetchSparseMetaDataReply{Found: false}.Encode(), nil
	}
	return TryFetchSparseMetaDataReply{Found: true, Meta: e.Meta}.Encode(), nil
}

// HandleTryFetchSparseValues returns whichever of the requested ids this
// node still has rows for. A miss on an id here means the row simply
// hasn't been written to yet anywhere (spec.md §4.5's lazy row creation),
// not that it moved — the caller synthesizes a default for those.
func (n *Node) HandleTryFetchSparseValues(body []byte) ([]byte, error) {
	req, err := DecodeTryFetchSparseValuesRequest(body)
	if err != nil {
		return nil, err
	}
	e, ok := n.entry(req.TableID)
	if !ok || e.Sparse == nil {
		return TryFetchSparseValuesReply{}.Encode(), nil
	}
	var ids []uint64
	var values []*table.Value
	for _, id := range req.IDs {
		if v, ok := e.Sparse.Row(id); ok {
			ids = append(ids, id)
			values = append(values, v)
		}
	}
	return TryFetchSparseValuesReply{IDs: ids, Values: values}.Encode(), nil
}

// fetchDenseThroughProxy forwards a local miss on a dense table to
// whichever incumbent owned it under the pre-join router, used by the
// serving path while this node still carries StatusProxy.
func (n *Node) fetchDenseThroughProxy(ctx context.Context, tableID uint64) (*table.Value, string, bool, error) {
	addr, ok := n.proxyPredecessor(ring.DenseKey(tableID))
	if !ok {
		return nil, "", false, nil
	}
	body, err := n.peers.call(ctx, addr, wire.RPCTryFetchDenseTable, TryFetchDenseTableRequest{TableID: tableID}.Encode())
	if err != nil {
		return nil, "", false, err
	}
	reply, err := DecodeTryFetchDenseTableReply(body)
	if err != nil {
		return nil, "", false, err
	}
	if !reply.Found {
		return nil, "", false, nil
	}
	return reply.Value, reply.Name, true, nil
}

// fetchSparseThroughProxy forwards a local miss on sparse rows to the
// pre-join owner for this table/id pair. Different ids in the same
// request can land with different predecessors after a multi-node
// membership change, so each id is routed independently.
func (n *Node) fetchSparseThroughProxy(ctx context.Context, tableID uint64, ids []uint64) (map[uint64]*table.Value, error) {
	byAddr := make(map[string][]uint64)
	for _, id := range ids {
		addr, ok := n.proxyPredecessor(ring.Mix(tableID, id))
		if !ok {
			continue
		}
		byAddr[addr] = append(byAddr[addr], id)
	}

	found := make(map[uint64]*table.Value)
	for addr, batchIDs := range byAddr {
		body, err := n.peers.call(ctx, addr, wire.RPCTryFetchSparseValues, TryFetchSparseValuesRequest{TableID: tableID, IDs: batchIDs}.Encode())
		if err != nil {
			return found, err
		}
		reply, err := DecodeTryFetchSparseValuesReply(body)
		if err != nil {
			return found, err
		}
		for i, id := range reply.IDs {
			found[id] = reply.Values[i]
		}
	}
	return found, nil
}
