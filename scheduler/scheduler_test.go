package scheduler

import (
	"context"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/kraken-ps/kraken/ps"
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

// TestJoinInitModelRegisterTables exercises the whole scheduler surface
// against one real ps node over real TCP loopback: join, InitModel fan-out,
// RegisterDenseTable (single-owner), RegisterSparseTable (every node), and
// the save/load/heartbeat gating RPCs (spec.md §4.6).
func TestJoinInitModelRegisterTables(t *testing.T) {
	schedListener, schedAddr := startListener(t)
	sched := New(discardLogger())
	schedSrv := wire.NewServer(discardLogger())
	RegisterHandlers(sched, schedSrv)
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
	if node.ID() != 0 {
		t.Fatalf("expected the first admitted node to get id 0, got %d", node.ID())
	}
	if node.Status() != ps.StatusWork {
		t.Fatalf("expected sole node to land exactly Work (no incumbents to proxy), got %s", node.Status())
	}

	if err := sched.InitModel(ctx, "reco", "sgd", map[string]string{"lr": "0.1"}); err != nil {
		t.Fatalf("InitModel: %v", err)
	}
	if !node.ModelInitialized() {
		t.Fatalf("expected node to have received CreateModel via fan-out")
	}
	// InitModel is idempotent on a second call with the same name.
	if err := sched.InitModel(ctx, "reco", "sgd", map[string]string{"lr": "0.1"}); err != nil {
		t.Fatalf("second InitModel: %v", err)
	}

	val := tensor.NewDense(tensor.Shape{2}, tensor.Float64)
	tableID, err := sched.RegisterDenseTable(ctx, "w", val)
	if err != nil {
		t.Fatalf("RegisterDenseTable: %v", err)
	}
	got, err := node.PullDenseTable(ctx, tableID)
	if err != nil {
		t.Fatalf("PullDenseTable on owner: %v", err)
	}
	if len(got.Data) != 2 || got.Data[0] != 0 || got.Data[1] != 0 {
		t.Fatalf("unexpected dense table contents: %+v", got.Data)
	}
	// Re-registering the same name is idempotent and returns the same id.
	sameID, err := sched.RegisterDenseTable(ctx, "w", val)
	if err != nil {
		t.Fatalf("re-RegisterDenseTable: %v", err)
	}
	if sameID != tableID {
		t.Fatalf("expected idempotent table id %d, got %d", tableID, sameID)
	}

	sparseID, err := sched.RegisterSparseTable(ctx, "emb", 4, tensor.Float32, tensor.InitSpec{Kind: tensor.InitConstant, Params: map[string]string{"value": "0"}})
	if err != nil {
		t.Fatalf("RegisterSparseTable: %v", err)
	}
	rows, err := node.PullSparseTable(ctx, sparseID, []uint64{7})
	if err != nil {
		t.Fatalf("PullSparseTable on freshly registered sparse shell: %v", err)
	}
	if len(rows) != 1 || len(rows[0].Data) != 4 {
		t.Fatalf("unexpected sparse pull result: %+v", rows)
	}

	if !sched.IsAllPsWorking(ctx) {
		t.Fatalf("expected the lone node to be reported as working")
	}

	node.SetSaveHook(func(ctx context.Context) error { return nil })
	ok, err := sched.TrySaveModel(ctx)
	if err != nil || !ok {
		t.Fatalf("TrySaveModel: ok=%v err=%v", ok, err)
	}
}

// TestTryJoinRefusedWhenIncumbentNotWorking confirms the scheduler's
// heartbeat gate refuses admission rather than silently adding the node
// (spec.md §4.2's "refuses if any is not in Work").
func TestTryJoinRefusedWhenIncumbentNotWorking(t *testing.T) {
	schedListener, schedAddr := startListener(t)
	sched := New(discardLogger())
	schedSrv := wire.NewServer(discardLogger())
	RegisterHandlers(sched, schedSrv)
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

	// Force the incumbent into StatusSave for the duration of the next
	// TryJoin call by blocking its save hook until released.
	release := make(chan struct{})
	node.SetSaveHook(func(ctx context.Context) error {
		<-release
		return nil
	})
	saveDone := make(chan error, 1)
	go func() {
		_, err := sched.TrySaveModel(ctx)
		saveDone <- err
	}()
	time.Sleep(100 * time.Millisecond) // let the save RPC land and set StatusSave

	reply, err := sched.TryJoin(ctx, "127.0.0.1:1")
	close(release)
	if err := <-saveDone; err != nil {
		t.Fatalf("TrySaveModel: %v", err)
	}
	if err != nil {
		t.Fatalf("TryJoin: %v", err)
	}
	if reply.Allow {
		t.Fatalf("expected join to be refused while the incumbent is mid-save")
	}
}
