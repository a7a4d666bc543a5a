package table

import (
	"testing"

	"github.com/kraken-ps/kraken/tensor"
)

func newTestSparseTable(t *testing.T) *SparseTable {
	t.Helper()
	init, err := tensor.NewInitializer(tensor.InitSpec{Kind: tensor.InitConstant, Params: map[string]string{"value": "0"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewSparseTable("emb", 4, tensor.Float32, init)
}

func TestSparsePushCreatesRowOnFirstTouch(t *testing.T) {
	st := newTestSparseTable(t)
	sgd := &SGD{}
	if st.Contains(7) {
		t.Fatal("row should not exist before first push")
	}
	err := st.Push([]uint64{7}, []Gradient{{Dense: denseOf(1, 1, 1, 1)}}, 1.0, sgd)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Contains(7) {
		t.Fatal("row should exist after first push")
	}
}

func TestSparsePullMissDoesNotInsert(t *testing.T) {
	st := newTestSparseTable(t)
	got := st.Pull([]uint64{42})
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	if st.Contains(42) {
		t.Fatal("pull on a missing row must not insert it")
	}
}

func TestSparseInsertOnlyIfAbsent(t *testing.T) {
	st := newTestSparseTable(t)
	v1 := NewValue(denseOf(1, 1, 1, 1))
	v2 := NewValue(denseOf(9, 9, 9, 9))
	if err := st.Insert([]uint64{1}, []*Value{v1}); err != nil {
		t.Fatal(err)
	}
	if err := st.Insert([]uint64{1}, []*Value{v2}); err != nil {
		t.Fatal(err)
	}
	row, ok := st.Row(1)
	if !ok {
		t.Fatal("row 1 should exist")
	}
	if !row.Val.Close(denseOf(1, 1, 1, 1), 0) {
		t.Fatalf("second Insert should not overwrite: got %v", row.Val.Data)
	}
}

func TestSparseRemove(t *testing.T) {
	st := newTestSparseTable(t)
	st.Insert([]uint64{3}, []*Value{NewValue(denseOf(0, 0, 0, 0))})
	if !st.Remove(3) {
		t.Fatal("Remove(3) should report true")
	}
	if st.Contains(3) {
		t.Fatal("row 3 should be gone")
	}
}

func TestSparseKeysEnumeratesAllRows(t *testing.T) {
	st := newTestSparseTable(t)
	for i := uint64(0); i < 30; i++ {
		st.Insert([]uint64{i}, []*Value{NewValue(denseOf(0, 0, 0, 0))})
	}
	if st.Len() != 30 {
		t.Fatalf("Len() = %d, want 30", st.Len())
	}
	if len(st.Keys()) != 30 {
		t.Fatalf("Keys() returned %d, want 30", len(st.Keys()))
	}
}
