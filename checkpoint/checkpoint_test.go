package checkpoint

import (
	"context"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/kraken-ps/kraken/ps"
	"github.com/kraken-ps/kraken/scheduler"
	"github.com/kraken-ps/kraken/table"
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

func startNode(t *testing.T, schedAddr string) *ps.Node {
	t.Helper()
	l, addr := startListener(t)
	node := ps.NewNode(addr, discardLogger())
	srv := wire.NewServer(discardLogger())
	ps.RegisterHandlers(node, srv)
	go srv.Serve(l)
	if err := node.Join(context.Background(), schedAddr); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return node
}

// TestSaveLoadRoundTripSingleNode confirms a single node's dense and sparse
// state survives a save, an in-memory mutation, and a load back to the
// saved values (spec.md §4.7 and §8's checkpoint round-trip property).
func TestSaveLoadRoundTripSingleNode(t *testing.T) {
	schedListener, schedAddr := startListener(t)
	sched := scheduler.New(discardLogger())
	schedSrv := wire.NewServer(discardLogger())
	scheduler.RegisterHandlers(sched, schedSrv)
	go schedSrv.Serve(schedListener)

	node := startNode(t, schedAddr)
	ctx := context.Background()

	if err := sched.InitModel(ctx, "reco", "sgd", map[string]string{"lr": "0.1"}); err != nil {
		t.Fatalf("InitModel: %v", err)
	}

	denseVal := tensor.NewDense(tensor.Shape{2}, tensor.Float64).Fill(3.5)
	denseID, err := sched.RegisterDenseTable(ctx, "bias", denseVal)
	if err != nil {
		t.Fatalf("RegisterDenseTable: %v", err)
	}
	// Overwrite the zero-initialized table with a known value so the round
	// trip has something to verify.
	denseMeta := node.Tables()[denseID].Meta
	node.RestoreDenseTable(denseMeta, table.NewValue(denseVal.Clone()))

	sparseID, err := sched.RegisterSparseTable(ctx, "emb", 3, tensor.Float32,
		tensor.InitSpec{Kind: tensor.InitConstant, Params: map[string]string{"value": "0"}})
	if err != nil {
		t.Fatalf("RegisterSparseTable: %v", err)
	}
	rowVal := tensor.NewDense(tensor.Shape{3}, tensor.Float32).Fill(1.25)
	if err := node.InsertSparseRows(sparseID, []uint64{42}, []*table.Value{table.NewValue(rowVal)}); err != nil {
		t.Fatalf("InsertSparseRows: %v", err)
	}

	dir := t.TempDir()
	cp := NewCheckpointer(node, dir, 3, discardLogger())
	cp.Install()

	if err := cp.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Mutate the dense table after the save so Load has something to
	// restore. The sparse insert below leaves row 42 at its saved value,
	// since InsertSparseRows only adds rows that are absent.
	node.RestoreDenseTable(denseMeta, table.NewValue(tensor.NewDense(tensor.Shape{2}, tensor.Float64).Fill(99)))
	mutatedRow := tensor.NewDense(tensor.Shape{3}, tensor.Float32).Fill(7)
	if err := node.InsertSparseRows(sparseID, []uint64{42}, []*table.Value{table.NewValue(mutatedRow)}); err != nil {
		t.Fatalf("InsertSparseRows (mutate): %v", err)
	}

	if err := cp.Load(ctx, dir); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !node.ModelInitialized() {
		t.Fatalf("expected model_initialized after Load")
	}
	gotDense, err := node.PullDenseTable(ctx, denseID)
	if err != nil {
		t.Fatalf("PullDenseTable after load: %v", err)
	}
	if !gotDense.Equal(denseVal) {
		t.Fatalf("dense table mismatch after load: got %+v want %+v", gotDense.Data, denseVal.Data)
	}

	gotRows, err := node.PullSparseTable(ctx, sparseID, []uint64{42})
	if err != nil {
		t.Fatalf("PullSparseTable after load: %v", err)
	}
	if len(gotRows) != 1 || !gotRows[0].Equal(rowVal) {
		t.Fatalf("sparse row mismatch after load: got %+v want %+v", gotRows, rowVal.Data)
	}
}

// TestShardDiscovery exercises the two-phase shard/timestamp directory walk
// against a handful of manufactured directories (spec.md §13).
func TestShardDiscovery(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"shard_0", "shard_2", "not-a-shard"} {
		if err := os.MkdirAll(filepath.Join(base, name), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
	}
	ids, err := modelShardIDs(base)
	if err != nil {
		t.Fatalf("modelShardIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 2 {
		t.Fatalf("unexpected shard ids: %v", ids)
	}

	shard0 := filepath.Join(base, "shard_0")
	for _, ts := range []string{"2026-01-01-00-00-00", "2026-01-02-00-00-00", ".tmp-abc"} {
		if err := os.MkdirAll(filepath.Join(shard0, ts), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", ts, err)
		}
	}
	latest, err := latestTimestampDir(base, 0)
	if err != nil {
		t.Fatalf("latestTimestampDir: %v", err)
	}
	if filepath.Base(latest) != "2026-01-02-00-00-00" {
		t.Fatalf("expected newest non-tmp snapshot, got %s", latest)
	}
}
