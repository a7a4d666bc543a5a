package testutil

import (
	"context"
	"testing"

	"github.com/kraken-ps/kraken/tensor"
)

// TestClusterPushPullAcrossNodes exercises the harness itself: three nodes,
// one dense and one sparse table, pushed and pulled through a worker that
// has to route to whichever node actually owns each key (spec.md §8's
// basic routing-convergence scenario).
func TestClusterPushPullAcrossNodes(t *testing.T) {
	ctx := context.Background()
	c := NewCluster(ctx, t, 3)

	if err := c.Scheduler.InitModel(ctx, "reco", "sgd", map[string]string{"lr": "0.1"}); err != nil {
		t.Fatalf("InitModel: %v", err)
	}
	denseID, err := c.Scheduler.RegisterDenseTable(ctx, "bias", tensor.NewDense(tensor.Shape{2}, tensor.Float64))
	if err != nil {
		t.Fatalf("RegisterDenseTable: %v", err)
	}
	sparseID, err := c.Scheduler.RegisterSparseTable(ctx, "emb", 3, tensor.Float32,
		tensor.InitSpec{Kind: tensor.InitConstant, Params: map[string]string{"value": "0"}})
	if err != nil {
		t.Fatalf("RegisterSparseTable: %v", err)
	}

	w, err := c.NewWorker(ctx)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

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

	ids := []uint64{1, 2, 3, 4, 5, 6, 7, 8}
	rowGrad := tensor.NewDense(tensor.Shape{3}, tensor.Float32).Fill(2)
	grads := make([]*tensor.Dense, len(ids))
	for i := range grads {
		grads[i] = rowGrad
	}
	if err := w.PushSparse(ctx, sparseID, ids, grads, 0.5); err != nil {
		t.Fatalf("PushSparse: %v", err)
	}
	rows, err := w.PullSparse(ctx, sparseID, ids)
	if err != nil {
		t.Fatalf("PullSparse: %v", err)
	}
	if len(rows) != len(ids) {
		t.Fatalf("expected %d rows, got %d", len(ids), len(rows))
	}
	for i, r := range rows {
		if r.Data[0] >= 0 {
			t.Fatalf("row %d (id %d) not updated: %v", i, ids[i], r.Data)
		}
	}
}

// TestClusterCheckpointRoundTripAcrossResize saves with 2 nodes and loads
// into a freshly started 3-node cluster sharing the same SaveDir, the
// property spec.md §8 calls out explicitly: row data survives a membership
// change across a save/load boundary.
func TestClusterCheckpointRoundTripAcrossResize(t *testing.T) {
	ctx := context.Background()
	c := NewCluster(ctx, t, 2)

	if err := c.Scheduler.InitModel(ctx, "reco", "sgd", map[string]string{"lr": "0.1"}); err != nil {
		t.Fatalf("InitModel: %v", err)
	}
	sparseID, err := c.Scheduler.RegisterSparseTable(ctx, "emb", 2, tensor.Float32,
		tensor.InitSpec{Kind: tensor.InitConstant, Params: map[string]string{"value": "0"}})
	if err != nil {
		t.Fatalf("RegisterSparseTable: %v", err)
	}

	w, err := c.NewWorker(ctx)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	ids := []uint64{10, 11, 12, 13, 14, 15, 16, 17}
	rowGrad := tensor.NewDense(tensor.Shape{2}, tensor.Float32).Fill(3)
	grads := make([]*tensor.Dense, len(ids))
	for i := range grads {
		grads[i] = rowGrad
	}
	if err := w.PushSparse(ctx, sparseID, ids, grads, 1.0); err != nil {
		t.Fatalf("PushSparse: %v", err)
	}

	if err := c.SaveAll(ctx); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	// Resize to 3 nodes against a fresh scheduler, same SaveDir.
	c2 := NewCluster(ctx, t, 0)
	c2.SaveDir = c.SaveDir
	for i := 0; i < 3; i++ {
		if err := c2.AddNode(ctx); err != nil {
			t.Fatalf("AddNode %d: %v", i, err)
		}
	}
	if err := c2.Scheduler.InitModel(ctx, "reco", "sgd", map[string]string{"lr": "0.1"}); err != nil {
		t.Fatalf("InitModel (resized): %v", err)
	}
	sparseID2, err := c2.Scheduler.RegisterSparseTable(ctx, "emb", 2, tensor.Float32,
		tensor.InitSpec{Kind: tensor.InitConstant, Params: map[string]string{"value": "0"}})
	if err != nil {
		t.Fatalf("RegisterSparseTable (resized): %v", err)
	}
	if sparseID2 != sparseID {
		t.Fatalf("expected the resized cluster to allocate the same table id %d, got %d", sparseID, sparseID2)
	}
	if err := c2.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	w2, err := c2.NewWorker(ctx)
	if err != nil {
		t.Fatalf("NewWorker (resized): %v", err)
	}
	rows, err := w2.PullSparse(ctx, sparseID2, ids)
	if err != nil {
		t.Fatalf("PullSparse (resized): %v", err)
	}
	for i, r := range rows {
		if r.Data[0] >= 0 {
			t.Fatalf("row %d (id %d) lost across resize: %v", i, ids[i], r.Data)
		}
	}
}
