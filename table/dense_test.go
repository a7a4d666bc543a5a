package table

import (
	"sync"
	"testing"

	"github.com/kraken-ps/kraken/tensor"
)

func TestDensePushPullIsAtomic(t *testing.T) {
	dt := NewDenseTable("w", denseOf(0, 0))
	sgd := &SGD{}
	got, err := dt.PushPull(Gradient{Dense: denseOf(1, 1)}, 1.0, sgd)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Close(denseOf(-1, -1), 1e-9) {
		t.Fatalf("got %v, want [-1,-1]", got.Data)
	}
	// Pull must observe the same state.
	if !dt.Pull().Close(denseOf(-1, -1), 1e-9) {
		t.Fatal("pull after push_pull disagrees")
	}
}

func TestDensePullReturnsIndependentClone(t *testing.T) {
	dt := NewDenseTable("w", denseOf(1, 2, 3))
	got := dt.Pull()
	got.Data[0] = 999
	if dt.Pull().Data[0] == 999 {
		t.Fatal("mutating a pulled clone should not affect the table")
	}
}

func TestDenseConcurrentPush(t *testing.T) {
	dt := NewDenseTable("w", denseOf(0))
	sgd := &SGD{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dt.Push(Gradient{Dense: denseOf(1)}, 0.01, sgd)
		}()
	}
	wg.Wait()
	got := dt.Pull()
	want := -100 * 0.01
	if got.Data[0] < want-1e-6 || got.Data[0] > want+1e-6 {
		t.Fatalf("got %v, want %v", got.Data[0], want)
	}
}

func TestDenseSnapshotRestore(t *testing.T) {
	dt := NewDenseTable("w", denseOf(1, 2))
	sgd := &SGD{HasMomentum: true, Momentum: 0.9}
	dt.Push(Gradient{Dense: denseOf(1, 1)}, 0.1, sgd)

	snap := dt.Snapshot()
	dt2 := NewDenseTable("w", denseOf(0, 0))
	dt2.Restore(snap)
	if !dt2.Pull().Close(dt.Pull(), 1e-12) {
		t.Fatal("restored table should match the snapshot source")
	}
}

func TestDenseShapeNeverChanges(t *testing.T) {
	dt := NewDenseTable("w", tensor.NewDense(tensor.Shape{4, 4}, tensor.Float32))
	v := dt.Pull()
	if !v.Shape.Equal(tensor.Shape{4, 4}) {
		t.Fatalf("shape = %v, want [4 4]", v.Shape)
	}
}
