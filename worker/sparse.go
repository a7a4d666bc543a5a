package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/kraken-ps/kraken/ps"
	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/table"
	"github.com/kraken-ps/kraken/tensor"
	"github.com/kraken-ps/kraken/wire"
)

// sparseGroup is one owner node's share of a batched sparse request: the
// original positions in the caller's id list, so results can be
// reassembled in the caller's order once every group answers (spec.md
// §9's "per-key fan-out/fan-in").
type sparseGroup struct {
	owner uint64
	pos   []int
	ids   []uint64
}

func groupByOwner(r *ring.Router, tableID uint64, ids []uint64) (map[uint64]*sparseGroup, error) {
	groups := make(map[uint64]*sparseGroup)
	for i, id := range ids {
		owner, err := r.HitSparse(tableID, id)
		if err != nil {
			return nil, fmt.Errorf("worker: route sparse id %d: %w", id, err)
		}
		g, ok := groups[owner]
		if !ok {
			g = &sparseGroup{owner: owner}
			groups[owner] = g
		}
		g.pos = append(g.pos, i)
		g.ids = append(g.ids, id)
	}
	return groups, nil
}

// fanOut calls do for every group in parallel and waits for all of them,
// refreshing the router and retrying once, as a whole batch, if any group
// reports a stale-router error.
func (w *Worker) fanOut(ctx context.Context, tableID uint64, ids []uint64, do func(g *sparseGroup) error) error {
	groups, err := groupByOwner(w.Router(), tableID, ids)
	if err != nil {
		return err
	}
	if err := runGroups(groups, do); err != nil {
		if !isStaleRouterErr(err) {
			return err
		}
		if rerr := w.refreshRouter(ctx); rerr != nil {
			return fmt.Errorf("worker: refresh after stale-router reply: %w (original: %v)", rerr, err)
		}
		groups, err = groupByOwner(w.Router(), tableID, ids)
		if err != nil {
			return err
		}
		return runGroups(groups, do)
	}
	return nil
}

func runGroups(groups map[uint64]*sparseGroup, do func(g *sparseGroup) error) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(groups))
	for _, g := range groups {
		wg.Add(1)
		go func(g *sparseGroup) {
			defer wg.Done()
			errs <- do(g)
		}(g)
	}
	wg.Wait()
	close(errs)
	var first error
	for err := range errs {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PullSparse fetches rows for ids, fanning the request out to every owning
// node and reassembling the results in ids' original order.
func (w *Worker) PullSparse(ctx context.Context, tableID uint64, ids []uint64) ([]*tensor.Dense, error) {
	out := make([]*tensor.Dense, len(ids))
	err := w.fanOut(ctx, tableID, ids, func(g *sparseGroup) error {
		addr, err := w.addrForNode(g.owner)
		if err != nil {
			return err
		}
		body := ps.PullSparseTableRequest{TableID: tableID, IDs: g.ids}.Encode()
		reply, err := w.peers.call(ctx, addr, wire.RPCPullSparseTable, body)
		if err != nil {
			return err
		}
		vals, err := ps.DecodeDenseListReply(reply)
		if err != nil {
			return err
		}
		if len(vals) != len(g.pos) {
			return fmt.Errorf("worker: node %d returned %d rows, expected %d", g.owner, len(vals), len(g.pos))
		}
		for i, p := range g.pos {
			out[p] = vals[i]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PushSparse applies one gradient per id, fanning each owner's share out in
// parallel. grads must be the same length as ids.
func (w *Worker) PushSparse(ctx context.Context, tableID uint64, ids []uint64, grads []*tensor.Dense, lr float64) error {
	if len(grads) != len(ids) {
		return fmt.Errorf("worker: %d ids but %d grads", len(ids), len(grads))
	}
	return w.fanOut(ctx, tableID, ids, func(g *sparseGroup) error {
		addr, err := w.addrForNode(g.owner)
		if err != nil {
			return err
		}
		gg := make([]table.Gradient, len(g.pos))
		for i, p := range g.pos {
			gg[i] = table.Gradient{Dense: grads[p]}
		}
		body := ps.PushSparseTableRequest{TableID: tableID, IDs: g.ids, Grads: gg, LR: lr}.Encode()
		_, err = w.peers.call(ctx, addr, wire.RPCPushSparseTable, body)
		return err
	})
}
