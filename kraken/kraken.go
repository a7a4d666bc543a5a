// Package kraken ties the layered pieces of the parameter server —
// scheduler, ps, checkpoint, worker — into the handful of client-usable
// entry points the cmd binaries need, the same integration role the
// teacher's root package plays over db/plan/blockfmt for query serving.
package kraken

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/kraken-ps/kraken/checkpoint"
	"github.com/kraken-ps/kraken/ps"
	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/scheduler"
	"github.com/kraken-ps/kraken/wire"
	"github.com/kraken-ps/kraken/worker"
)

// Scheduler re-exports scheduler.Scheduler so callers depend only on this
// package.
type Scheduler = scheduler.Scheduler

// Node re-exports ps.Node.
type Node = ps.Node

// Worker re-exports worker.Worker.
type Worker = worker.Worker

// ClusterSpec and TableSpec re-export worker's YAML config document types.
type ClusterSpec = worker.ClusterSpec
type TableSpec = worker.TableSpec

// LoadClusterSpec re-exports worker.LoadClusterSpec.
func LoadClusterSpec(path string) (*ClusterSpec, error) { return worker.LoadClusterSpec(path) }

// SchedulerHandle is a running Scheduler bound to a listener, returned by
// StartScheduler. Close stops accepting new connections; in-flight RPCs on
// already-accepted connections run to completion.
type SchedulerHandle struct {
	*Scheduler
	listener net.Listener
}

// Addr is the scheduler's actual listen address (useful when addr was
// "host:0" and the OS picked a port).
func (h *SchedulerHandle) Addr() string { return h.listener.Addr().String() }

// Close stops the scheduler from accepting further connections.
func (h *SchedulerHandle) Close() error { return h.listener.Close() }

// StartScheduler binds addr, registers every scheduler RPC handler, and
// starts serving in the background.
func StartScheduler(addr string, logger *log.Logger) (*SchedulerHandle, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("kraken: listen %s: %w", addr, err)
	}
	sched := scheduler.New(logger)
	srv := wire.NewServer(logger)
	scheduler.RegisterHandlers(sched, srv)
	go srv.Serve(l)
	return &SchedulerHandle{Scheduler: sched, listener: l}, nil
}

// NodeHandle is a running ps.Node bound to a listener and, if checkpointing
// was requested, an installed Checkpointer.
type NodeHandle struct {
	*Node
	listener     net.Listener
	Checkpointer *checkpoint.Checkpointer // nil unless StartNode's saveDir != ""
}

// Addr is the node's actual listen address.
func (h *NodeHandle) Addr() string { return h.listener.Addr().String() }

// Close stops the node from accepting further connections.
func (h *NodeHandle) Close() error { return h.listener.Close() }

// StartNode binds addr, registers every ps serving RPC handler, starts
// serving, and joins schedAddr. When saveDir is non-empty a Checkpointer is
// created and installed so RPCNodeTriggerSave/RPCNodeTriggerLoad actually
// persist to disk (spec.md §4.7); maxSaveCount bounds how many timestamped
// snapshots are retained per shard.
func StartNode(ctx context.Context, addr, schedAddr, saveDir string, maxSaveCount int, logger *log.Logger) (*NodeHandle, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("kraken: listen %s: %w", addr, err)
	}
	node := ps.NewNode(l.Addr().String(), logger)
	srv := wire.NewServer(logger)
	ps.RegisterHandlers(node, srv)
	go srv.Serve(l)

	h := &NodeHandle{Node: node, listener: l}
	if saveDir != "" {
		h.Checkpointer = checkpoint.NewCheckpointer(node, saveDir, maxSaveCount, logger)
		h.Checkpointer.Install()
	}

	if err := node.Join(ctx, schedAddr); err != nil {
		l.Close()
		return nil, fmt.Errorf("kraken: join %s: %w", schedAddr, err)
	}
	return h, nil
}

// NewWorker re-exports worker.New: dials schedAddr, fetches the initial
// Router, and returns a client ready to route PullDense/PushDense/
// PullSparse/PushSparse calls.
func NewWorker(ctx context.Context, schedAddr string, logger *log.Logger) (*Worker, error) {
	return worker.New(ctx, schedAddr, logger)
}

// Router re-exports ring.Router for callers that only need read access to
// the current ring (e.g. an operator CLI printing node ownership).
type Router = ring.Router
