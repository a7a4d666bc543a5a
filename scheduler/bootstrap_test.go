package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kraken-ps/kraken/ps"
	"github.com/kraken-ps/kraken/wire"
)

func TestLoadBootstrapFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstrap.yaml")
	contents := "expected_nodes:\n  - 127.0.0.1:9001\n  - 127.0.0.1:9002\njoin_timeout: 5s\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write bootstrap file: %v", err)
	}

	spec, err := LoadBootstrapFile(path)
	if err != nil {
		t.Fatalf("LoadBootstrapFile: %v", err)
	}
	if len(spec.ExpectedNodes) != 2 {
		t.Fatalf("expected 2 nodes, got %v", spec.ExpectedNodes)
	}
	if got, want := spec.RetryBackoff(), 10*time.Second; got != want {
		t.Fatalf("RetryBackoff = %v, want %v", got, want)
	}
}

func TestLoadBootstrapFileMissing(t *testing.T) {
	if _, err := LoadBootstrapFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected an error for a missing bootstrap file")
	}
}

// TestTryJoinStampsEpoch confirms every admitted node gets a distinct join
// epoch id, independent of the router/admission machinery itself.
func TestTryJoinStampsEpoch(t *testing.T) {
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

	epoch, ok := sched.Epoch(0)
	if !ok {
		t.Fatalf("expected an epoch id for node 0")
	}
	if epoch.String() == "" {
		t.Fatalf("expected a non-empty epoch id")
	}
}
