// Package worker implements the client-side emitter library: the router
// cache, per-key request routing with stale-router retry, and the optional
// DCT gradient compressor described in spec.md §9. A Worker never talks to
// the scheduler on its hot path — it fetches the Router once at startup and
// only goes back for a refresh when a node reports RouteWrongNode or
// RouterVersionMismatch (spec.md §6, §4.5).
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/kraken-ps/kraken/ps"
	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/wire"
)

// Worker is the per-process client handle a training framework binding
// holds for the lifetime of a job.
type Worker struct {
	schedAddr string
	peers     *peerPool
	logger    *log.Logger

	mu     sync.RWMutex
	router *ring.Router

	dctMu sync.Mutex
	dct   map[uint64]*tableCompressor // keyed by dense table id
}

// New dials schedAddr and fetches the current Router before returning, so a
// Worker is immediately ready to route.
func New(ctx context.Context, schedAddr string, logger *log.Logger) (*Worker, error) {
	w := &Worker{
		schedAddr: schedAddr,
		peers:     newPeerPool(),
		logger:    logger,
		dct:       make(map[uint64]*tableCompressor),
	}
	if err := w.refreshRouter(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Close releases every cached connection, including the one to the
// scheduler.
func (w *Worker) Close() {
	w.peers.closeAll()
}

func (w *Worker) logf(format string, args ...interface{}) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

// Router returns the currently cached Router. Safe to read concurrently
// with refreshRouter.
func (w *Worker) Router() *ring.Router {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.router
}

func (w *Worker) refreshRouter(ctx context.Context) error {
	body, err := w.peers.call(ctx, w.schedAddr, wire.RPCFetchRouter, nil)
	if err != nil {
		return fmt.Errorf("worker: fetch router from %s: %w", w.schedAddr, err)
	}
	reply, err := ps.DecodeFetchRouterReply(body)
	if err != nil {
		return fmt.Errorf("worker: decode router reply: %w", err)
	}
	w.mu.Lock()
	w.router = reply.Router
	w.mu.Unlock()
	w.logf("worker: router refreshed to version %d", reply.Router.Version())
	return nil
}

// addrForNode resolves a node id to its network address under the cached
// router.
func (w *Worker) addrForNode(id uint64) (string, error) {
	r := w.Router()
	if r == nil {
		return "", fmt.Errorf("worker: no router cached yet")
	}
	n, ok := r.NodeByID(id)
	if !ok {
		return "", fmt.Errorf("worker: node %d not present in cached router", id)
	}
	return n.Name, nil
}

// isStaleRouterErr reports whether err is one of the two codes spec.md §6
// names as "the worker's router is out of date, refresh and retry".
func isStaleRouterErr(err error) bool {
	code := wire.CodeOf(err)
	return code == wire.ErrRouteWrongNode || code == wire.ErrRouterVersionMismatch
}

// callRouted resolves the target node from the current router via resolve,
// issues rpcType/body to it, and on a stale-router error refreshes the
// router and retries exactly once against the node resolve now names
// (spec.md §4.5's "worker refreshes router and retries the single request"
// policy — a second stale-router reply propagates rather than looping).
func (w *Worker) callRouted(ctx context.Context, resolve func(*ring.Router) (uint64, error), rpcType wire.RPCType, body []byte) ([]byte, error) {
	owner, err := resolve(w.Router())
	if err != nil {
		return nil, err
	}
	addr, err := w.addrForNode(owner)
	if err != nil {
		return nil, err
	}
	reply, err := w.peers.call(ctx, addr, rpcType, body)
	if !isStaleRouterErr(err) {
		return reply, err
	}
	if rerr := w.refreshRouter(ctx); rerr != nil {
		return nil, fmt.Errorf("worker: refresh after stale-router reply: %w (original: %v)", rerr, err)
	}
	owner, err = resolve(w.Router())
	if err != nil {
		return nil, err
	}
	addr, err = w.addrForNode(owner)
	if err != nil {
		return nil, err
	}
	return w.peers.call(ctx, addr, rpcType, body)
}
