package table

import "github.com/kraken-ps/kraken/tensor"

// Meta is the in-process counterpart of wire.TableMetaData: a table's
// identity and shape, independent of the transport encoding (spec.md §3).
type Meta struct {
	ID        uint64
	Name      string
	Dense     bool
	Elem      tensor.ElementType
	Shape     tensor.Shape    // Dense only
	Dimension int64           // Sparse only
	InitSpec  tensor.InitSpec // Sparse only
}

// ModelMeta is the in-process counterpart of wire.ModelMetaData (spec.md
// §3): the single running model's identity, optimizer configuration, and
// table registry.
type ModelMeta struct {
	ID          uint64
	Name        string
	OptimKind   string
	OptimParams map[string]string
	Tables      map[uint64]Meta
}

// Entry pairs a table's metadata with its live engine instance. Exactly one
// of Dense/Sparse is non-nil, matching Meta.Dense.
type Entry struct {
	Meta   Meta
	Dense  *DenseTable
	Sparse *SparseTable
}
