package ps

import (
	"context"
	"io"
	"log"
	"net"
	"testing"

	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/table"
	"github.com/kraken-ps/kraken/tensor"
	"github.com/kraken-ps/kraken/wire"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// startNode spins up a Node bound to a real loopback listener with every
// handler registered, returning the address it's actually reachable at.
func startNode(t *testing.T) (*Node, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	n := NewNode(addr, discardLogger())
	srv := wire.NewServer(discardLogger())
	RegisterHandlers(n, srv)
	go srv.Serve(l)
	t.Cleanup(func() { l.Close() })
	return n, addr
}

func TestDensePushPullViaRPC(t *testing.T) {
	n, addr := startNode(t)
	n.setStatus(StatusWork)
	r := ring.New()
	r.Add(1, addr)
	n.psMu.Lock()
	n.nodeID = 1
	n.router = r
	n.psMu.Unlock()

	if err := n.CreateModel(1, "m", "sgd", map[string]string{"lr": "0.1"}); err != nil {
		t.Fatalf("CreateModel: %v", err)
	}
	meta := table.Meta{ID: 1, Name: "w", Dense: true, Elem: tensor.Float64, Shape: tensor.Shape{2}}
	if err := n.CreateDenseTable(meta); err != nil {
		t.Fatalf("CreateDenseTable: %v", err)
	}

	conn, err := wire.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	grad := table.Gradient{Dense: &tensor.Dense{Shape: tensor.Shape{2}, Elem: tensor.Float64, Data: []float64{1, 2}}}
	pushReq := PushDenseTableRequest{TableID: 1, Grad: grad, LR: 0.1}.Encode()
	reply, err := conn.Call(context.Background(), wire.RPCPushPullDenseTable, pushReq)
	if err != nil {
		t.Fatalf("PushPullDenseTable call: %v", err)
	}
	vals, err := decodeDenseReply(reply)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []float64{-0.1, -0.2}
	for i, v := range vals.Data {
		if v != want[i] {
			t.Fatalf("Data[%d] = %v, want %v", i, v, want[i])
		}
	}
}

// TestJoinProxyThenTransfer exercises the three-way handshake spec.md §4.2-
// §4.4 describe: node A is the sole incumbent with one dense table; node B
// joins, inherits StatusProxy because the ring briefly says B owns part of
// A's key space, serves a pull by forwarding it to A, and then a transfer
// lands the row locally and clears StatusProxy.
func TestJoinProxyThenTransfer(t *testing.T) {
	a, addrA := startNode(t)
	a.setStatus(StatusWork)
	oldRouter := ring.New()
	oldRouter.Add(1, addrA)
	a.psMu.Lock()
	a.nodeID = 1
	a.router = oldRouter
	a.psMu.Unlock()

	if err := a.CreateModel(1, "m", "sgd", map[string]string{"lr": "0.1"}); err != nil {
		t.Fatalf("CreateModel: %v", err)
	}
	meta := table.Meta{ID: 1, Name: "w", Dense: true, Elem: tensor.Float64, Shape: tensor.Shape{2}}
	if err := a.CreateDenseTable(meta); err != nil {
		t.Fatalf("CreateDenseTable: %v", err)
	}
	entryA, _ := a.entry(1)
	entryA.Dense.Push(table.Gradient{Dense: &tensor.Dense{Shape: tensor.Shape{2}, Elem: tensor.Float64, Data: []float64{1, 1}}}, 1.0, a.optimizer())

	b, addrB := startNode(t)

	newRouter := oldRouter.Clone()
	newRouter.Add(2, addrB)

	// ModelInitialized is left false: this test is only about the
	// proxy/transfer handshake, not about whether B happens to become the
	// new owner of table 1 (that depends on hash placement and is
	// exercised separately by the dense-table ownership logic itself).
	reply := TryJoinReply{
		Allow: true, NodeID: 2, OldRouter: oldRouter, NewRouter: newRouter,
		ModelInitialized: false,
	}
	if err := b.applyJoinReply(reply); err != nil {
		t.Fatalf("applyJoinReply: %v", err)
	}
	if err := b.CreateModel(1, "m", "sgd", map[string]string{"lr": "0.1"}); err != nil {
		t.Fatalf("CreateModel on B: %v", err)
	}
	if !b.Status().Has(StatusProxy) {
		t.Fatalf("expected B to carry StatusProxy right after joining, got %s", b.Status())
	}

	val, err := b.PullDenseTable(context.Background(), 1)
	if err != nil {
		t.Fatalf("PullDenseTable via proxy: %v", err)
	}
	want := []float64{-1, -1}
	for i, v := range val.Data {
		if v != want[i] {
			t.Fatalf("proxied pull Data[%d] = %v, want %v", i, v, want[i])
		}
	}

	// Land the official transfer directly (bypassing runTransfer's
	// new-router ownership filter, which depends on hash placement this
	// test shouldn't be sensitive to) and confirm it's a safe no-op over
	// the row the proxy path already cached locally.
	transferReq := TransferDenseTableRequest{FromID: 1, TableID: 1, Name: "w", Value: entryA.Dense.Snapshot()}
	if _, err := b.HandleTransferDenseTable(transferReq.Encode()); err != nil {
		t.Fatalf("HandleTransferDenseTable: %v", err)
	}
	finishReq := NotifyFinishTransferRequest{FromID: 1}
	if _, err := b.HandleNotifyFinishTransfer(finishReq.Encode()); err != nil {
		t.Fatalf("HandleNotifyFinishTransfer: %v", err)
	}
	if b.Status().Has(StatusProxy) {
		t.Fatalf("expected StatusProxy cleared after the donor reports finished, got %s", b.Status())
	}

	valAfter, err := b.PullDenseTable(context.Background(), 1)
	if err != nil {
		t.Fatalf("PullDenseTable after transfer: %v", err)
	}
	for i, v := range valAfter.Data {
		if v != want[i] {
			t.Fatalf("post-transfer Data[%d] = %v, want %v", i, v, want[i])
		}
	}
}
