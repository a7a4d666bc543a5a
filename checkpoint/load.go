package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/table"
)

// Load reassembles this node's share of a checkpoint written under dir,
// via range intersection on the hash ring rather than by node-count match
// (spec.md §4.7, §13's two-phase shard discovery). modelInitialized is
// flipped only once every selected shard directory has been processed.
func (c *Checkpointer) Load(ctx context.Context, dir string) error {
	myID := c.node.ID()
	currentRouter := c.node.Router()

	oldShardIDs, err := modelShardIDs(dir)
	if err != nil {
		return err
	}
	if len(oldShardIDs) == 0 {
		return fmt.Errorf("checkpoint: no shard directories under %s", dir)
	}

	// Any one shard's router.binary describes the whole old cluster, since
	// the router is cluster-wide state saved identically by every node at
	// checkpoint time (spec.md §4.1) — use the first shard's latest
	// snapshot to read it.
	anchorDir, err := latestTimestampDir(dir, oldShardIDs[0])
	if err != nil {
		return err
	}
	oldRouterSealed, err := readSealedFile(routerBinaryPath(anchorDir))
	if err != nil {
		return err
	}
	oldRouterSnap, err := decodeRouterBinary(oldRouterSealed)
	if err != nil {
		return fmt.Errorf("checkpoint: decode old router from %s: %w", anchorDir, err)
	}
	oldRouter := ring.FromSnapshot(oldRouterSnap)

	myHashRanges := currentRouter.NodeHashRanges(myID)
	if len(myHashRanges) == 0 {
		return fmt.Errorf("checkpoint: node %d has no vnodes in the current router", myID)
	}
	donorIDs := oldRouter.IntersectNodes(myHashRanges)
	if len(donorIDs) == 0 {
		return fmt.Errorf("checkpoint: no old shard overlaps node %d's hash ranges", myID)
	}

	// Phase two: within each selected donor shard, pick its newest
	// timestamp directory (GetLatestShardDir's Go counterpart).
	type shard struct {
		oldNodeID uint64
		dir       string
		ts        string
	}
	var shards []shard
	for oldID := range donorIDs {
		sdir := shardDir(dir, oldID)
		names, err := sortedTimestampDirs(sdir)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return fmt.Errorf("checkpoint: shard %d has no snapshots under %s", oldID, sdir)
		}
		ts := names[len(names)-1]
		shards = append(shards, shard{oldNodeID: oldID, dir: filepath.Join(sdir, ts), ts: ts})
	}

	// Step 1: read the newest model.binary among the selected shards.
	newest := shards[0]
	for _, s := range shards[1:] {
		if s.ts > newest.ts {
			newest = s
		}
	}
	modelSealed, err := readSealedFile(modelBinaryPath(newest.dir))
	if err != nil {
		return err
	}
	meta, err := decodeModelBinary(modelSealed)
	if err != nil {
		return fmt.Errorf("checkpoint: decode model.binary from %s: %w", newest.dir, err)
	}
	if err := c.node.PrepareModel(meta.ID, meta.Name, meta.OptimKind, meta.OptimParams); err != nil {
		return fmt.Errorf("checkpoint: prepare model: %w", err)
	}

	// Step 2: sparse tables are cluster-wide shells; create them all before
	// any row insertion.
	for _, t := range meta.Tables {
		if !t.Dense {
			if err := c.node.EnsureSparseTable(t); err != nil {
				return fmt.Errorf("checkpoint: ensure sparse table %q: %w", t.Name, err)
			}
		}
	}

	// Step 3: for each selected shard, load dense tables routed to this
	// node and sparse rows this node now owns.
	for _, s := range shards {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.loadShardDir(currentRouter, myID, s.dir); err != nil {
			return fmt.Errorf("checkpoint: load shard dir %s: %w", s.dir, err)
		}
	}

	c.node.FinishModelLoad()
	c.logf("checkpoint: node %d loaded model %q from %d donor shard(s)", myID, meta.Name, len(shards))
	return nil
}

func (c *Checkpointer) loadShardDir(currentRouter *ring.Router, myID uint64, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch {
		case strings.HasSuffix(e.Name(), denseSuffix):
			if err := c.loadDenseFile(currentRouter, myID, filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		case strings.HasSuffix(e.Name(), sparseSuffix):
			if err := c.loadSparseFile(currentRouter, myID, filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Checkpointer) loadDenseFile(currentRouter *ring.Router, myID uint64, path string) error {
	sealed, err := readSealedFile(path)
	if err != nil {
		return err
	}
	meta, v, err := decodeDenseFile(sealed)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	owner, err := currentRouter.HitKey(meta.ID)
	if err != nil || owner != myID {
		// Not routed to this node under the current router: spec.md §4.7
		// says dense loads "skip any not routed to this node".
		return nil
	}
	c.node.RestoreDenseTable(meta, v)
	return nil
}

func (c *Checkpointer) loadSparseFile(currentRouter *ring.Router, myID uint64, path string) error {
	sealed, err := readSealedFile(path)
	if err != nil {
		return err
	}
	meta, ids, vals, err := decodeSparseFile(sealed)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	var mine []uint64
	var mineVals []*table.Value
	for i, id := range ids {
		owner, err := currentRouter.HitSparse(meta.ID, id)
		if err != nil || owner != myID {
			continue
		}
		mine = append(mine, id)
		mineVals = append(mineVals, vals[i])
	}
	if len(mine) == 0 {
		return nil
	}
	return c.node.InsertSparseRows(meta.ID, mine, mineVals)
}
