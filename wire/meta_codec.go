package wire

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/tensor"
)

// table kind tags (spec.md §3: "kind: Dense|Sparse").
const (
	tableKindDense  uint8 = 0
	tableKindSparse uint8 = 1
)

// TableMetaData is the wire projection of a table's identity and shape
// (spec.md §3).
type TableMetaData struct {
	ID        uint64
	Name      string
	Dense     bool
	Elem      tensor.ElementType
	Shape     tensor.Shape // Dense only
	Dimension int64        // Sparse only
	InitSpec  tensor.InitSpec
}

// EncodeTableMetaData appends t.
func EncodeTableMetaData(b *Buffer, t TableMetaData) {
	b.WriteU64(t.ID)
	b.WriteString(t.Name)
	if t.Dense {
		b.WriteU8(tableKindDense)
	} else {
		b.WriteU8(tableKindSparse)
	}
	b.WriteU8(uint8(t.Elem))
	if t.Dense {
		b.WriteI64Vector([]int64(t.Shape))
		return
	}
	b.WriteI64(t.Dimension)
	b.WriteU8(uint8(t.InitSpec.Kind))
	keys := maps.Keys(t.InitSpec.Params)
	slices.Sort(keys)
	b.WriteStringMap(t.InitSpec.Params, keys)
}

// DecodeTableMetaData reads a TableMetaData.
func DecodeTableMetaData(r *Reader) (TableMetaData, error) {
	var t TableMetaData
	var err error
	if t.ID, err = r.ReadU64(); err != nil {
		return t, err
	}
	if t.Name, err = r.ReadString(); err != nil {
		return t, err
	}
	kind, err := r.ReadU8()
	if err != nil {
		return t, err
	}
	elem, err := r.ReadU8()
	if err != nil {
		return t, err
	}
	t.Elem = tensor.ElementType(elem)
	switch kind {
	case tableKindDense:
		t.Dense = true
		shape, err := r.ReadI64Vector()
		if err != nil {
			return t, err
		}
		t.Shape = tensor.Shape(shape)
	case tableKindSparse:
		t.Dense = false
		if t.Dimension, err = r.ReadI64(); err != nil {
			return t, err
		}
		ik, err := r.ReadU8()
		if err != nil {
			return t, err
		}
		t.InitSpec.Kind = tensor.InitKind(ik)
		if t.InitSpec.Params, err = r.ReadStringMap(); err != nil {
			return t, err
		}
	default:
		return t, fmt.Errorf("wire: unknown table kind %d", kind)
	}
	return t, nil
}

// ModelMetaData is the wire projection of the single running model (spec.md
// §3).
type ModelMetaData struct {
	ID          uint64
	Name        string
	OptimKind   string
	OptimParams map[string]string
	Tables      map[uint64]TableMetaData
}

// EncodeModelMetaData appends m, iterating Tables in sorted table-id order
// for determinism.
func EncodeModelMetaData(b *Buffer, m ModelMetaData) {
	b.WriteU64(m.ID)
	b.WriteString(m.Name)
	b.WriteString(m.OptimKind)
	keys := maps.Keys(m.OptimParams)
	slices.Sort(keys)
	b.WriteStringMap(m.OptimParams, keys)

	tableIDs := maps.Keys(m.Tables)
	slices.Sort(tableIDs)
	b.WriteU64(uint64(len(tableIDs)))
	for _, id := range tableIDs {
		EncodeTableMetaData(b, m.Tables[id])
	}
}

// DecodeModelMetaData reads a ModelMetaData.
func DecodeModelMetaData(r *Reader) (ModelMetaData, error) {
	var m ModelMetaData
	var err error
	if m.ID, err = r.ReadU64(); err != nil {
		return m, err
	}
	if m.Name, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.OptimKind, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.OptimParams, err = r.ReadStringMap(); err != nil {
		return m, err
	}
	n, err := r.ReadU64()
	if err != nil {
		return m, err
	}
	m.Tables = make(map[uint64]TableMetaData, n)
	for i := uint64(0); i < n; i++ {
		t, err := DecodeTableMetaData(r)
		if err != nil {
			return m, err
		}
		m.Tables[t.ID] = t
	}
	return m, nil
}

// EncodeRouter appends a ring.Snapshot, iterating nodes in ID order (already
// guaranteed by ring.Router.Snapshot).
func EncodeRouter(b *Buffer, s ring.Snapshot) {
	b.WriteU64(s.Version)
	b.WriteU64(uint64(len(s.Nodes)))
	for _, n := range s.Nodes {
		b.WriteU64(n.ID)
		b.WriteString(n.Name)
		b.WriteU64Vector(n.VNodeHashes)
	}
}

// DecodeRouter reads a ring.Snapshot previously written by EncodeRouter.
func DecodeRouter(r *Reader) (ring.Snapshot, error) {
	var s ring.Snapshot
	var err error
	if s.Version, err = r.ReadU64(); err != nil {
		return s, err
	}
	n, err := r.ReadU64()
	if err != nil {
		return s, err
	}
	s.Nodes = make([]ring.Node, n)
	for i := range s.Nodes {
		if s.Nodes[i].ID, err = r.ReadU64(); err != nil {
			return s, err
		}
		if s.Nodes[i].Name, err = r.ReadString(); err != nil {
			return s, err
		}
		if s.Nodes[i].VNodeHashes, err = r.ReadU64Vector(); err != nil {
			return s, err
		}
	}
	return s, nil
}
