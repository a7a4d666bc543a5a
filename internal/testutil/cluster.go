// Package testutil provides an in-process cluster harness — one scheduler
// plus N nodes communicating over real TCP loopback sockets — for the
// convergence, checkpoint round-trip and proxy read-through integration
// tests described in spec.md §8. Every package under test already
// hand-rolls a smaller version of this same shape (scheduler_test.go,
// checkpoint_test.go, worker_test.go); this package exists for tests that
// need more than one or two nodes, where repeating that boilerplate per
// test stops being worth it.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/kraken-ps/kraken/kraken"
)

// DiscardLogger returns a *log.Logger that drops everything, for tests that
// don't want scheduler/node/worker chatter in -v output.
func DiscardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// Cluster is a running Scheduler plus a set of Nodes, all bound to
// 127.0.0.1:0 loopback ports and torn down automatically via t.Cleanup.
// Every node shares one SaveDir, each writing under its own
// shard_<node_id> subdirectory — the same shared-storage layout spec.md
// §4.7 assumes, letting Load's range-intersection reassembly actually see
// every donor's shard.
type Cluster struct {
	t         *testing.T
	Scheduler *kraken.SchedulerHandle
	Nodes     []*kraken.NodeHandle
	SaveDir   string
}

// NewCluster starts a scheduler and nNodes nodes sharing one temporary
// checkpoint directory, and registers cleanup with t.
func NewCluster(ctx context.Context, t *testing.T, nNodes int) *Cluster {
	t.Helper()

	sched, err := kraken.StartScheduler("127.0.0.1:0", DiscardLogger())
	if err != nil {
		t.Fatalf("testutil: StartScheduler: %v", err)
	}
	t.Cleanup(func() { sched.Close() })

	c := &Cluster{t: t, Scheduler: sched, SaveDir: t.TempDir()}
	for i := 0; i < nNodes; i++ {
		if err := c.AddNode(ctx); err != nil {
			t.Fatalf("testutil: AddNode %d: %v", i, err)
		}
	}
	return c
}

// AddNode joins one more node to the cluster, writing under the cluster's
// shared SaveDir, retaining at most 10 timestamped snapshots per shard.
func (c *Cluster) AddNode(ctx context.Context) error {
	return c.AddNodeWithSaveCount(ctx, 10)
}

// AddNodeWithSaveCount joins one more node, retaining at most maxSaveCount
// timestamped snapshots per shard.
func (c *Cluster) AddNodeWithSaveCount(ctx context.Context, maxSaveCount int) error {
	node, err := kraken.StartNode(ctx, "127.0.0.1:0", c.Scheduler.Addr(), c.SaveDir, maxSaveCount, DiscardLogger())
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	c.t.Cleanup(func() { node.Close() })
	c.Nodes = append(c.Nodes, node)
	return nil
}

// NewWorker dials the cluster's scheduler and returns a ready client.
func (c *Cluster) NewWorker(ctx context.Context) (*kraken.Worker, error) {
	w, err := kraken.NewWorker(ctx, c.Scheduler.Addr(), DiscardLogger())
	if err != nil {
		return nil, err
	}
	c.t.Cleanup(w.Close)
	return w, nil
}

// SaveAll triggers a checkpoint save on every node sequentially, the same
// order spec.md §4.7's "fan TrySaveModel out, wait for all" describes
// conceptually (the scheduler's TrySaveModel also visits nodes one at a
// time; sequential here keeps test failures attributable to a single node).
func (c *Cluster) SaveAll(ctx context.Context) error {
	for i, n := range c.Nodes {
		if n.Checkpointer == nil {
			continue
		}
		if err := n.Checkpointer.Save(ctx); err != nil {
			return fmt.Errorf("save node %d: %w", i, err)
		}
	}
	return nil
}

// LoadAll triggers a checkpoint load on every node sequentially, each
// against the cluster's shared SaveDir — range-intersection reassembly
// (checkpoint.Load) decides which donor shards under it actually own rows
// this node now needs, independent of how many nodes saved versus how many
// are loading.
func (c *Cluster) LoadAll(ctx context.Context) error {
	for i, n := range c.Nodes {
		if n.Checkpointer == nil {
			continue
		}
		if err := n.Checkpointer.Load(ctx, c.SaveDir); err != nil {
			return fmt.Errorf("load node %d: %w", i, err)
		}
	}
	return nil
}
