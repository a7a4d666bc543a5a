package checkpoint

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/kraken-ps/kraken/ps"
)

// Checkpointer wires a *ps.Node's save/load hooks to the on-disk shard
// layout of spec.md §4.7. One Checkpointer is created per node process and
// installed once via Install.
type Checkpointer struct {
	node         *ps.Node
	saveDir      string
	maxSaveCount int
	logger       *log.Logger

	// saveJobs is the "background single-thread task queue" spec.md §4.7
	// describes: one worker goroutine drains it serially, so the node's
	// StatusSave bracket (held by ps.Node.handleTriggerSave for the
	// duration of the hook call) spans exactly one save at a time even
	// though the hook itself just enqueues and waits.
	saveJobs chan *saveJob
}

type saveJob struct {
	ctx  context.Context
	done chan error
}

// NewCheckpointer creates a Checkpointer that will save under
// <saveDir>/shard_<node_id>/... and retain at most maxSaveCount timestamped
// snapshots per shard.
func NewCheckpointer(node *ps.Node, saveDir string, maxSaveCount int, logger *log.Logger) *Checkpointer {
	c := &Checkpointer{
		node:         node,
		saveDir:      saveDir,
		maxSaveCount: maxSaveCount,
		logger:       logger,
		saveJobs:     make(chan *saveJob),
	}
	go c.runSaveQueue()
	return c
}

// Install hooks this Checkpointer's Save/Load into node, the seam
// ps.Node.handleTriggerSave/handleTriggerLoad call on RPCNodeTriggerSave/
// RPCNodeTriggerLoad.
func (c *Checkpointer) Install() {
	c.node.SetSaveHook(c.Save)
	c.node.SetLoadHook(c.Load)
}

func (c *Checkpointer) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func (c *Checkpointer) runSaveQueue() {
	for job := range c.saveJobs {
		job.done <- c.doSave(job.ctx)
	}
}

// Save enqueues a checkpoint write and blocks until it completes, matching
// the background single-thread task queue spec.md §4.7 describes.
func (c *Checkpointer) Save(ctx context.Context) error {
	job := &saveJob{ctx: ctx, done: make(chan error, 1)}
	c.saveJobs <- job
	return <-job.done
}

func (c *Checkpointer) doSave(ctx context.Context) (retErr error) {
	nodeID := c.node.ID()
	meta, ok := c.node.ModelSnapshot()
	if !ok {
		return fmt.Errorf("checkpoint: model not initialized, nothing to save")
	}

	base := shardDir(c.saveDir, nodeID)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create shard dir %s: %w", base, err)
	}
	tmp := filepath.Join(base, tmpDirPrefix+uuid.New().String())
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create staging dir %s: %w", tmp, err)
	}
	defer func() {
		if retErr != nil {
			os.RemoveAll(tmp)
		}
	}()

	routerSnap := c.node.Router().Snapshot()
	routerBin, err := encodeRouterBinary(routerSnap)
	if err != nil {
		return err
	}
	if err := writeSealedFile(routerBinaryPath(tmp), routerBin); err != nil {
		return err
	}
	routerJSON, err := routerInfoJSONBytes(routerSnap)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal router.json: %w", err)
	}
	if err := os.WriteFile(routerInfoPath(tmp), routerJSON, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write router.json: %w", err)
	}

	modelBin, err := encodeModelBinary(meta)
	if err != nil {
		return err
	}
	if err := writeSealedFile(modelBinaryPath(tmp), modelBin); err != nil {
		return err
	}
	modelJSON, err := modelInfoJSONBytes(meta)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal model.json: %w", err)
	}
	if err := os.WriteFile(modelInfoPath(tmp), modelJSON, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write model.json: %w", err)
	}

	// Dump every locally installed table. Dense tables are present only on
	// their owner (ps.Node.CreateDenseTable is only ever issued to one
	// node); sparse tables are present everywhere as shells with whatever
	// rows this node currently owns (spec.md §4.7).
	for _, e := range c.node.Tables() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		switch {
		case e.Dense != nil:
			data, err := encodeDenseFile(e.Meta, e.Dense.Snapshot())
			if err != nil {
				return fmt.Errorf("checkpoint: encode dense table %q: %w", e.Meta.Name, err)
			}
			if err := writeSealedFile(denseTablePath(tmp, e.Meta.Name), data); err != nil {
				return err
			}
		case e.Sparse != nil:
			data, err := encodeSparseFile(e.Meta, e.Sparse)
			if err != nil {
				return fmt.Errorf("checkpoint: encode sparse table %q: %w", e.Meta.Name, err)
			}
			if err := writeSealedFile(sparseTablePath(tmp, e.Meta.Name), data); err != nil {
				return err
			}
		}
	}

	if err := fsyncDir(tmp); err != nil {
		return err
	}

	final := filepath.Join(base, timestampNow())
	if err := renameDir(tmp, final); err != nil {
		return fmt.Errorf("checkpoint: publish snapshot %s: %w", final, err)
	}
	if err := fsyncDir(base); err != nil {
		return err
	}

	c.logf("checkpoint: saved shard %d to %s", nodeID, final)

	if err := pruneOldSnapshots(c.saveDir, nodeID, c.maxSaveCount); err != nil {
		c.logf("checkpoint: prune after save failed: %v", err)
	}
	return nil
}
