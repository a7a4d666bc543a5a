package worker

import (
	"context"

	"github.com/kraken-ps/kraken/ps"
	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/table"
	"github.com/kraken-ps/kraken/tensor"
	"github.com/kraken-ps/kraken/wire"
)

func hitKey(tableID uint64) func(*ring.Router) (uint64, error) {
	return func(r *ring.Router) (uint64, error) { return r.HitKey(tableID) }
}

// PullDense fetches the current value of a dense table.
func (w *Worker) PullDense(ctx context.Context, tableID uint64) (*tensor.Dense, error) {
	body := ps.PullDenseTableRequest{TableID: tableID}.Encode()
	reply, err := w.callRouted(ctx, hitKey(tableID), wire.RPCPullDenseTable, body)
	if err != nil {
		return nil, err
	}
	return ps.DecodeDenseReply(reply)
}

// CombinePullDense fetches several dense tables in one round trip to
// whichever node owns tableIDs[0] — callers batch only ids that share an
// owner (spec.md §9's CombinePullDenseTable de-duplication).
func (w *Worker) CombinePullDense(ctx context.Context, tableIDs []uint64) ([]*tensor.Dense, error) {
	if len(tableIDs) == 0 {
		return nil, nil
	}
	body := ps.CombinePullDenseTableRequest{TableIDs: tableIDs}.Encode()
	reply, err := w.callRouted(ctx, hitKey(tableIDs[0]), wire.RPCCombinePullDenseTable, body)
	if err != nil {
		return nil, err
	}
	return ps.DecodeDenseListReply(reply)
}

// PushDense applies a gradient to a dense table, optionally compressed with
// the DCT scheme this table was configured for via EnableDCT.
func (w *Worker) PushDense(ctx context.Context, tableID uint64, grad *tensor.Dense, lr float64) error {
	g := w.compress(tableID, grad)
	body := ps.PushDenseTableRequest{TableID: tableID, Grad: g, LR: lr}.Encode()
	_, err := w.callRouted(ctx, hitKey(tableID), wire.RPCPushDenseTable, body)
	return err
}

// PushPullDense applies a gradient and returns the table's post-update
// value in the same round trip.
func (w *Worker) PushPullDense(ctx context.Context, tableID uint64, grad *tensor.Dense, lr float64) (*tensor.Dense, error) {
	g := w.compress(tableID, grad)
	body := ps.PushDenseTableRequest{TableID: tableID, Grad: g, LR: lr}.Encode()
	reply, err := w.callRouted(ctx, hitKey(tableID), wire.RPCPushPullDenseTable, body)
	if err != nil {
		return nil, err
	}
	return ps.DecodeDenseReply(reply)
}

func (w *Worker) compress(tableID uint64, grad *tensor.Dense) table.Gradient {
	w.dctMu.Lock()
	c, ok := w.dct[tableID]
	w.dctMu.Unlock()
	if !ok {
		return table.Gradient{Dense: grad}
	}
	return table.Gradient{COO: c.step(grad)}
}
