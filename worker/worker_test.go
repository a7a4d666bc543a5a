package worker

import (
	"context"
	"io"
	"log"
	"net"
	"testing"

	"github.com/kraken-ps/kraken/ps"
	"github.com/kraken-ps/kraken/scheduler"
	"github.com/kraken-ps/kraken/tensor"
	"github.com/kraken-ps/kraken/wire"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func startListener(t *testing.T) (net.Listener, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, l.Addr().String()
}

// TestPullPushDenseAndSparse drives a Worker against one real node over TCP
// loopback, exercising the router-cache fast path rather than the retry
// path (spec.md §6, §9).
func TestPullPushDenseAndSparse(t *testing.T) {
	schedListener, schedAddr := startListener(t)
	sched := scheduler.New(discardLogger())
	schedSrv := wire.NewServer(discardLogger())
	scheduler.RegisterHandlers(sched, schedSrv)
	go schedSrv.Serve(schedListener)

	nodeListener, nodeAddr := startListener(t)
	node := ps.NewNode(nodeAddr, discardLogger())
	nodeSrv := wire.NewServer(discardLogger())
	ps.RegisterHandlers(node, nodeSrv)
	go nodeSrv.Serve(nodeListener)

	ctx := context.Background()
	if err := node.Join(ctx, schedAddr); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := sched.InitModel(ctx, "reco", "sgd", map[string]string{"lr": "0.1"}); err != nil {
		t.Fatalf("InitModel: %v", err)
	}
	denseID, err := sched.RegisterDenseTable(ctx, "bias", tensor.NewDense(tensor.Shape{2}, tensor.Float64))
	if err != nil {
		t.Fatalf("RegisterDenseTable: %v", err)
	}
	sparseID, err := sched.RegisterSparseTable(ctx, "emb", 3, tensor.Float32,
		tensor.InitSpec{Kind: tensor.InitConstant, Params: map[string]string{"value": "0"}})
	if err != nil {
		t.Fatalf("RegisterSparseTable: %v", err)
	}

	w, err := New(ctx, schedAddr, discardLogger())
	if err != nil {
		t.Fatalf("New worker: %v", err)
	}
	defer w.Close()

	grad := tensor.NewDense(tensor.Shape{2}, tensor.Float64).Fill(1)
	if err := w.PushDense(ctx, denseID, grad, 0.5); err != nil {
		t.Fatalf("PushDense: %v", err)
	}
	got, err := w.PullDense(ctx, denseID)
	if err != nil {
		t.Fatalf("PullDense: %v", err)
	}
	want := tensor.NewDense(tensor.Shape{2}, tensor.Float64).Fill(-0.5)
	if !got.Close(want, 1e-9) {
		t.Fatalf("dense value after push: got %v want %v", got.Data, want.Data)
	}

	rowGrad := tensor.NewDense(tensor.Shape{3}, tensor.Float32).Fill(2)
	if err := w.PushSparse(ctx, sparseID, []uint64{5, 9}, []*tensor.Dense{rowGrad, rowGrad}, 0.5); err != nil {
		t.Fatalf("PushSparse: %v", err)
	}
	rows, err := w.PullSparse(ctx, sparseID, []uint64{9, 5})
	if err != nil {
		t.Fatalf("PullSparse: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for i, r := range rows {
		if r.Data[0] >= 0 {
			t.Fatalf("row %d not updated: %v", i, r.Data)
		}
	}
}

// TestRowThreshold confirms the DCT compressor keeps roughly the top
// (1-eta) fraction of rows by score (spec.md §9).
func TestRowThreshold(t *testing.T) {
	scores := []float64{10, 1, 8, 2, 6, 3, 4, 5, 7, 9}
	tau := rowThreshold(scores, 0.7) // keep top 30% => 3 rows
	kept := 0
	for _, s := range scores {
		if s >= tau {
			kept++
		}
	}
	if kept != 3 {
		t.Fatalf("expected 3 rows kept, got %d (tau=%v)", kept, tau)
	}
}

// TestTableCompressorCarriesResidual confirms a row below tau keeps
// accumulating in error_grad rather than being dropped forever.
func TestTableCompressorCarriesResidual(t *testing.T) {
	c := newTableCompressor(0.5, 100) // keep top half, tau fixed for the run
	grad := tensor.NewDense(tensor.Shape{4}, tensor.Float64)
	// Distinct scores, so the top half is well defined: tau = 3 keeps rows
	// 1 and 3. Rows tied with tau are all kept, so equal small scores would
	// all be sent.
	grad.Data = []float64{1, 100, 2, 3}

	coo := c.step(grad)
	sentRows := len(coo.Indices)
	if sentRows == 0 {
		t.Fatalf("expected at least one row sent")
	}
	// The dominant row (value 100) must be among those sent.
	found := false
	for _, idx := range coo.Indices {
		if idx == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the dominant row to be selected, got indices %v", coo.Indices)
	}
	// Small rows accumulate residual rather than vanishing.
	anyResidual := false
	for _, v := range c.errorGrad {
		if v != 0 {
			anyResidual = true
		}
	}
	if !anyResidual {
		t.Fatalf("expected unselected rows to carry residual into error_grad")
	}
}
