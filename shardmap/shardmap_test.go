package shardmap

import (
	"sort"
	"sync"
	"testing"
)

func TestInsertGetRemove(t *testing.T) {
	m := New[string]()
	if !m.Insert(1, "a") {
		t.Fatal("first insert should succeed")
	}
	if m.Insert(1, "b") {
		t.Fatal("duplicate insert should fail")
	}
	v, ok := m.Get(1)
	if !ok || v != "a" {
		t.Fatalf("Get(1) = %q, %v", v, ok)
	}
	if !m.Contains(1) {
		t.Fatal("Contains(1) should be true")
	}
	if !m.Remove(1) {
		t.Fatal("Remove(1) should succeed")
	}
	if m.Contains(1) {
		t.Fatal("Contains(1) should be false after remove")
	}
	if m.Remove(1) {
		t.Fatal("second Remove(1) should report false")
	}
}

func TestSetOverwrites(t *testing.T) {
	m := New[int]()
	m.Set(7, 1)
	m.Set(7, 2)
	v, ok := m.Get(7)
	if !ok || v != 2 {
		t.Fatalf("Get(7) = %d, %v, want 2, true", v, ok)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
}

func TestGetOrInsert(t *testing.T) {
	m := New[int]()
	calls := 0
	make1 := func() int { calls++; return 42 }
	v := m.GetOrInsert(3, make1)
	if v != 42 || calls != 1 {
		t.Fatalf("first GetOrInsert: v=%d calls=%d", v, calls)
	}
	v2 := m.GetOrInsert(3, make1)
	if v2 != 42 || calls != 1 {
		t.Fatalf("second GetOrInsert should reuse: v=%d calls=%d", v2, calls)
	}
}

func TestKeysAndLenSpanAllSlots(t *testing.T) {
	m := New[int]()
	want := map[uint64]bool{}
	for i := uint64(0); i < 200; i++ {
		m.Insert(i, int(i))
		want[i] = true
	}
	if m.Len() != 200 {
		t.Fatalf("Len() = %d, want 200", m.Len())
	}
	keys := m.Keys()
	if len(keys) != 200 {
		t.Fatalf("Keys() returned %d keys, want 200", len(keys))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for i, k := range keys {
		if k != uint64(i) {
			t.Fatalf("keys[%d] = %d, want %d", i, k, i)
		}
	}
}

func TestRangeVisitsEveryEntry(t *testing.T) {
	m := New[int]()
	for i := uint64(0); i < 50; i++ {
		m.Insert(i, int(i)*10)
	}
	seen := map[uint64]int{}
	m.Range(func(key uint64, value int) bool {
		seen[key] = value
		return true
	})
	if len(seen) != 50 {
		t.Fatalf("Range visited %d entries, want 50", len(seen))
	}
	for k, v := range seen {
		if v != int(k)*10 {
			t.Fatalf("entry %d has value %d, want %d", k, v, int(k)*10)
		}
	}
}

func TestBatchRespectsLimit(t *testing.T) {
	m := New[int]()
	for i := uint64(0); i < 100; i++ {
		m.Insert(i, int(i))
	}
	got := m.Batch(0, 10)
	if len(got) > 10 {
		t.Fatalf("Batch returned %d entries, limit was 10", len(got))
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := uint64(base*1000 + i)
				m.Insert(key, i)
				m.Get(key)
				m.Contains(key)
			}
		}(g)
	}
	wg.Wait()
	if m.Len() != 800 {
		t.Fatalf("Len() = %d, want 800", m.Len())
	}
}
