package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kraken-ps/kraken/ps"
	"github.com/kraken-ps/kraken/scheduler"
	"github.com/kraken-ps/kraken/wire"
)

func TestLoadClusterSpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	contents := `
scheduler: 127.0.0.1:9000
model_name: reco
optim_kind: sgd
optim_params:
  lr: "0.1"
tables:
  - name: bias
    dense: true
    shape: [4]
    element_type: float64
  - name: emb
    dense: false
    dimension: 8
    element_type: float32
    init_kind: constant
    init_params:
      value: "0"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write cluster spec: %v", err)
	}

	spec, err := LoadClusterSpec(path)
	if err != nil {
		t.Fatalf("LoadClusterSpec: %v", err)
	}
	if spec.ModelName != "reco" || spec.OptimKind != "sgd" {
		t.Fatalf("unexpected model identity: %+v", spec)
	}
	if len(spec.Tables) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(spec.Tables))
	}
}

// TestClusterSpecApply drives ClusterSpec.Apply against a real scheduler
// over TCP loopback, confirming it can stand up a model and its tables
// without the caller linking the scheduler package.
func TestClusterSpecApply(t *testing.T) {
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

	spec := &ClusterSpec{
		Scheduler: schedAddr,
		ModelName: "reco",
		OptimKind: "sgd",
		OptimParams: map[string]string{"lr": "0.1"},
		Tables: []TableSpec{
			{Name: "bias", Dense: true, Shape: []int64{4}, Elem: "float64"},
			{Name: "emb", Dense: false, Dimension: 8, Elem: "float32", InitKind: "constant", InitSpec: map[string]string{"value": "0"}},
		},
	}
	ids, err := spec.Apply(ctx)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, ok := ids["bias"]; !ok {
		t.Fatalf("expected an id for table bias, got %v", ids)
	}
	if _, ok := ids["emb"]; !ok {
		t.Fatalf("expected an id for table emb, got %v", ids)
	}
}
