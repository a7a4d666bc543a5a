package wire

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCallTimeout is applied to Call when the caller's context carries no
// deadline (spec.md §6: "callers that don't set their own deadline get a
// 5 second default").
const DefaultCallTimeout = 5 * time.Second

// pendingCall is the one-shot barrier a Call blocks on until the read loop
// delivers a matching reply.
type pendingCall struct {
	header ReplyHeader
	body   []byte
	err    error
	done   chan struct{}
}

// Conn is a single persistent client connection to one remote process. It
// multiplexes concurrent Call invocations over one net.Conn the way the
// teacher's usock layer multiplexes file-descriptor passing over one
// control socket: a background read loop demultiplexes replies by
// timestamp into per-call channels, so callers never read the socket
// directly.
type Conn struct {
	nc net.Conn

	seq uint64 // atomically incremented per-connection timestamp counter

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	closed  bool
	closeErr error

	writeMu sync.Mutex
}

// Dial opens a new Conn to addr.
func Dial(network, addr string) (*Conn, error) {
	nc, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return NewConn(nc), nil
}

// NewConn wraps an already-established net.Conn.
func NewConn(nc net.Conn) *Conn {
	c := &Conn{
		nc:      nc,
		pending: make(map[uint64]*pendingCall),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	for {
		hdr, body, err := ReadReplyFrame(c.nc)
		if err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		pc, ok := c.pending[hdr.Timestamp]
		if ok {
			delete(c.pending, hdr.Timestamp)
		}
		c.mu.Unlock()
		if !ok {
			// a reply with no matching caller (e.g. it already timed out
			// and was forgotten); drop it.
			continue
		}
		pc.header = hdr
		pc.body = body
		close(pc.done)
	}
}

// fail aborts every outstanding call once the connection is no longer
// usable, matching the fail-fast, no-retry policy of spec.md §6: a broken
// connection surfaces immediately rather than silently retrying.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	for ts, pc := range c.pending {
		pc.err = err
		close(pc.done)
		delete(c.pending, ts)
	}
}

// Close closes the underlying connection and fails every outstanding call.
func (c *Conn) Close() error {
	c.fail(fmt.Errorf("wire: connection closed"))
	return c.nc.Close()
}

// Call sends a request of the given RPCType and body, and blocks until the
// matching reply arrives, ctx is done, or the connection fails. It returns
// the reply body and a non-nil error built from the reply's ErrorCode when
// that code is not Success.
func (c *Conn) Call(ctx context.Context, rpcType RPCType, body []byte) ([]byte, error) {
	ts := atomic.AddUint64(&c.seq, 1)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	pc := &pendingCall{done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[ts] = pc
	c.mu.Unlock()

	kind := pickCompressKind(body)
	hdr := RequestHeader{Timestamp: ts, Type: rpcType, CompressKind: kind}

	c.writeMu.Lock()
	err := WriteRequestFrame(c.nc, hdr, body)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, ts)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-pc.done:
		if pc.err != nil {
			return nil, pc.err
		}
		if pc.header.Code != Success {
			return pc.body, &Error{Code: pc.header.Code}
		}
		return pc.body, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, ts)
		c.mu.Unlock()
		return nil, NewError(ErrTimeoutError, "%s: %v", rpcType, ctx.Err())
	}
}
