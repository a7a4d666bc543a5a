package worker

import (
	"context"
	"sync"

	"github.com/kraken-ps/kraken/wire"
)

// peerPool caches one *wire.Conn per remote address, dialed lazily and
// reused across calls — the worker-side counterpart of ps/peer.go and
// scheduler/peer.go, duplicated rather than shared for the same reason
// those two don't share one: each package owns its own connections rather
// than reaching into another package's unexported internals.
type peerPool struct {
	mu    sync.Mutex
	conns map[string]*wire.Conn
}

func newPeerPool() *peerPool {
	return &peerPool{conns: make(map[string]*wire.Conn)}
}

func (p *peerPool) get(addr string) (*wire.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[addr]; ok {
		return c, nil
	}
	c, err := wire.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = c
	return c, nil
}

func (p *peerPool) drop(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[addr]; ok {
		c.Close()
		delete(p.conns, addr)
	}
}

func (p *peerPool) call(ctx context.Context, addr string, rpcType wire.RPCType, body []byte) ([]byte, error) {
	c, err := p.get(addr)
	if err != nil {
		return nil, err
	}
	reply, err := c.Call(ctx, rpcType, body)
	if err != nil {
		if _, ok := err.(*wire.Error); !ok {
			p.drop(addr)
		}
	}
	return reply, err
}

func (p *peerPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, c := range p.conns {
		c.Close()
		delete(p.conns, addr)
	}
}
