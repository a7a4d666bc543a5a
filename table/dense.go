package table

import (
	"sync"

	"github.com/kraken-ps/kraken/tensor"
)

// DenseTable is a single Value shared across the whole cluster (spec.md
// §3, §4.5): single-writer/many-reader, guarded by one val_mu. Its shape
// and element type are fixed at creation and never change.
type DenseTable struct {
	Name string

	valMu sync.RWMutex
	value *Value
}

// NewDenseTable creates a table seeded with val (ownership of val passes to
// the table; callers that want to keep their own copy should Clone first).
func NewDenseTable(name string, val *tensor.Dense) *DenseTable {
	return &DenseTable{Name: name, value: NewValue(val)}
}

// Push applies grad to the table's value under optim, holding val_mu for
// write for the duration of the apply (spec.md §4.5).
func (t *DenseTable) Push(grad Gradient, lr float64, optim Optim) error {
	t.valMu.Lock()
	defer t.valMu.Unlock()
	return optim.Update(grad, lr, t.value)
}

// Pull returns a clone of the table's current value, holding val_mu for
// read only for the duration of the copy.
func (t *DenseTable) Pull() *tensor.Dense {
	t.valMu.RLock()
	defer t.valMu.RUnlock()
	return t.value.Val.Clone()
}

// PushPull applies grad under optim and returns a clone of the resulting
// value, both under a single val_mu write-hold so the two are observed
// atomically (spec.md §4.5).
func (t *DenseTable) PushPull(grad Gradient, lr float64, optim Optim) (*tensor.Dense, error) {
	t.valMu.Lock()
	defer t.valMu.Unlock()
	if err := optim.Update(grad, lr, t.value); err != nil {
		return nil, err
	}
	return t.value.Val.Clone(), nil
}

// Snapshot returns a clone of the table's full Value (including optimizer
// state), used by the checkpoint engine (spec.md §4.7).
func (t *DenseTable) Snapshot() *Value {
	t.valMu.RLock()
	defer t.valMu.RUnlock()
	return t.value.Clone()
}

// Restore replaces the table's value wholesale, used when loading a
// checkpoint.
func (t *DenseTable) Restore(v *Value) {
	t.valMu.Lock()
	defer t.valMu.Unlock()
	t.value = v
}
