package table

import (
	"fmt"

	"github.com/kraken-ps/kraken/shardmap"
	"github.com/kraken-ps/kraken/tensor"
)

// ErrSparseDimension mirrors spec.md §7's SparseDimensionError.
var ErrSparseDimension = fmt.Errorf("table: sparse row dimension mismatch")

// SparseTable is a ParallelSkipList-equivalent mapping sparse_id to Value
// (spec.md §3). Rows are created lazily on first push, or synthesized
// on-the-fly (without being inserted) on a pull miss.
type SparseTable struct {
	Name      string
	Dimension int64
	Elem      tensor.ElementType
	Init      *tensor.Initializer

	rows *shardmap.Map[*Value]
}

// NewSparseTable creates an empty table shell (spec.md §4.2:
// "creates the SparseTable shell if absent").
func NewSparseTable(name string, dimension int64, elem tensor.ElementType, init *tensor.Initializer) *SparseTable {
	return &SparseTable{
		Name:      name,
		Dimension: dimension,
		Elem:      elem,
		Init:      init,
		rows:      shardmap.New[*Value](),
	}
}

func (t *SparseTable) newRow() *Value {
	val := tensor.NewDense(tensor.Shape{t.Dimension}, t.Elem)
	if err := t.Init.Initialize(val); err != nil {
		// the table's own init_spec was already validated at creation
		// time, so a failure here indicates a logic bug rather than
		// bad user input.
		panic(fmt.Sprintf("table: initializer failed for %q: %v", t.Name, err))
	}
	return NewValue(val)
}

// Push applies one gradient per id under optim, creating each row on first
// touch. ids and grads must be the same length (spec.md §4.5).
func (t *SparseTable) Push(ids []uint64, grads []Gradient, lr float64, optim Optim) error {
	if len(ids) != len(grads) {
		return fmt.Errorf("table: ids/grads length mismatch: %d vs %d", len(ids), len(grads))
	}
	for i, id := range ids {
		row := t.rows.GetOrInsert(id, t.newRow)
		if err := optim.Update(grads[i], lr, row); err != nil {
			return err
		}
	}
	return nil
}

// Pull returns a clone of the row for each id. A miss synthesizes a fresh
// initializer-seeded value without inserting it into the table, matching
// the read-only pull contract of spec.md §4.5.
func (t *SparseTable) Pull(ids []uint64) []*tensor.Dense {
	out := make([]*tensor.Dense, len(ids))
	for i, id := range ids {
		if row, ok := t.rows.Get(id); ok {
			out[i] = row.Val.Clone()
		} else {
			out[i] = t.newRow().Val
		}
	}
	return out
}

// Insert bulk-inserts rows during transfer (spec.md §4.3): a row already
// present is left untouched (the joiner's "insert only if absent"
// precondition applies here too, since transfer may race a concurrent
// push that created the row first).
func (t *SparseTable) Insert(ids []uint64, values []*Value) error {
	if len(ids) != len(values) {
		return fmt.Errorf("table: ids/values length mismatch: %d vs %d", len(ids), len(values))
	}
	for i, id := range ids {
		t.rows.Insert(id, values[i])
	}
	return nil
}

// Contains reports whether id has a row.
func (t *SparseTable) Contains(id uint64) bool {
	return t.rows.Contains(id)
}

// Remove deletes id's row, used when a transfer completes and this node is
// no longer one of its owners (spec.md §4.4).
func (t *SparseTable) Remove(id uint64) bool {
	return t.rows.Remove(id)
}

// Keys returns every row id currently stored, used by the transfer protocol
// and the post-transfer cleanup to enumerate rows.
func (t *SparseTable) Keys() []uint64 {
	return t.rows.Keys()
}

// Row returns the raw Value for id, optimizer state included, used by the
// transfer and proxy paths to ship whole rows.
func (t *SparseTable) Row(id uint64) (*Value, bool) {
	return t.rows.Get(id)
}

// Len reports the number of rows currently materialized.
func (t *SparseTable) Len() int { return t.rows.Len() }

// RangeSlot calls fn for every row in shardmap slot i, used by the
// checkpoint engine to serialize the table slot-by-slot (spec.md §4.7).
func (t *SparseTable) RangeSlot(i int, fn func(id uint64, v *Value) bool) {
	t.rows.RangeSlot(i, fn)
}
