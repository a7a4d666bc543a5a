package ps

import (
	"context"
	"sync"

	"github.com/kraken-ps/kraken/wire"
)

// peerPool caches one *wire.Conn per remote address, dialed lazily and
// reused across calls — the node-to-node analogue of the client Conn used
// for worker traffic (spec.md §4.3's donor/joiner and §4.4's proxy links
// are both ordinary node-to-node connections).
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

// drop discards a cached connection, e.g. after a Call reports it's dead.
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
			// a non-wire error (dial/read failure) means the connection
			// itself is broken; don't keep reusing it.
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
