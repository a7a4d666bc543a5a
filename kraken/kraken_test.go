package kraken

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/kraken-ps/kraken/tensor"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// TestStartSchedulerStartNodeNewWorker drives the facade end to end: start a
// scheduler, start one node (with checkpointing enabled against a temp
// dir), start a worker, register a dense table, and push/pull through it.
func TestStartSchedulerStartNodeNewWorker(t *testing.T) {
	ctx := context.Background()

	sched, err := StartScheduler("127.0.0.1:0", discardLogger())
	if err != nil {
		t.Fatalf("StartScheduler: %v", err)
	}
	defer sched.Close()

	dir := t.TempDir()
	node, err := StartNode(ctx, "127.0.0.1:0", sched.Addr(), dir, 3, discardLogger())
	if err != nil {
		t.Fatalf("StartNode: %v", err)
	}
	defer node.Close()
	if node.Checkpointer == nil {
		t.Fatalf("expected a Checkpointer to be installed")
	}

	if err := sched.InitModel(ctx, "reco", "sgd", map[string]string{"lr": "0.1"}); err != nil {
		t.Fatalf("InitModel: %v", err)
	}
	tableID, err := sched.RegisterDenseTable(ctx, "bias", tensor.NewDense(tensor.Shape{2}, tensor.Float64))
	if err != nil {
		t.Fatalf("RegisterDenseTable: %v", err)
	}

	w, err := NewWorker(ctx, sched.Addr(), discardLogger())
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	defer w.Close()

	grad := tensor.NewDense(tensor.Shape{2}, tensor.Float64).Fill(1)
	if err := w.PushDense(ctx, tableID, grad, 0.5); err != nil {
		t.Fatalf("PushDense: %v", err)
	}
	got, err := w.PullDense(ctx, tableID)
	if err != nil {
		t.Fatalf("PullDense: %v", err)
	}
	want := tensor.NewDense(tensor.Shape{2}, tensor.Float64).Fill(-0.5)
	if !got.Close(want, 1e-9) {
		t.Fatalf("dense value after push: got %v want %v", got.Data, want.Data)
	}

	if err := node.Checkpointer.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
}
