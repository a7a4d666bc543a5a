package ps

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/table"
	"github.com/kraken-ps/kraken/wire"
)

// encodeValue/decodeValue carry a full table.Value — val plus whatever
// optimizer state has been allocated — across the transfer protocol
// (spec.md §4.3), since a donor must hand over state, not just the raw
// value, or the joiner's optimizer would restart from scratch for every
// migrated row.
func encodeValue(b *wire.Buffer, v *table.Value) {
	wire.EncodeDense(b, v.Val)
	kinds := make([]uint8, 0, len(v.States))
	for k := range v.States {
		kinds = append(kinds, uint8(k))
	}
	slices.Sort(kinds)
	b.WriteU64(uint64(len(kinds)))
	for _, k := range kinds {
		b.WriteU8(k)
		wire.EncodeDense(b, v.States[table.StateKind(k)])
	}
	counterKinds := make([]uint8, 0, len(v.StateCounters))
	for k := range v.StateCounters {
		counterKinds = append(counterKinds, uint8(k))
	}
	slices.Sort(counterKinds)
	b.WriteU64(uint64(len(counterKinds)))
	for _, k := range counterKinds {
		b.WriteU8(k)
		b.WriteI64(v.StateCounters[table.StateKind(k)])
	}
}

func decodeValue(r *wire.Reader) (*table.Value, error) {
	any, err := wire.DecodeAnyTensor(r)
	if err != nil {
		return nil, err
	}
	val := any.Dense
	if val == nil {
		val, err = any.COO.ToDense()
		if err != nil {
			return nil, err
		}
	}
	v := table.NewValue(val)
	n, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		k, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		any, err := wire.DecodeAnyTensor(r)
		if err != nil {
			return nil, err
		}
		d := any.Dense
		if d == nil {
			d, err = any.COO.ToDense()
			if err != nil {
				return nil, err
			}
		}
		v.States[table.StateKind(k)] = d
	}
	cn, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < cn; i++ {
		k, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		c, err := r.ReadI64()
		if err != nil {
			return nil, err
		}
		v.StateCounters[table.StateKind(k)] = c
	}
	return v, nil
}

func encodeMeta(b *wire.Buffer, m table.Meta) {
	wire.EncodeTableMetaData(b, wire.TableMetaData{
		ID: m.ID, Name: m.Name, Dense: m.Dense, Elem: m.Elem,
		Shape: m.Shape, Dimension: m.Dimension, InitSpec: m.InitSpec,
	})
}

func decodeMeta(r *wire.Reader) (table.Meta, error) {
	wt, err := wire.DecodeTableMetaData(r)
	if err != nil {
		return table.Meta{}, err
	}
	return table.Meta{
		ID: wt.ID, Name: wt.Name, Dense: wt.Dense, Elem: wt.Elem,
		Shape: wt.Shape, Dimension: wt.Dimension, InitSpec: wt.InitSpec,
	}, nil
}

func encodeModelMeta(b *wire.Buffer, m *ModelMetaSnapshot) {
	ids := maps.Keys(m.Tables)
	slices.Sort(ids)
	wm := wire.ModelMetaData{
		ID: m.ID, Name: m.Name, OptimKind: m.OptimKind, OptimParams: m.OptimParams,
		Tables: make(map[uint64]wire.TableMetaData, len(m.Tables)),
	}
	for _, id := range ids {
		t := m.Tables[id]
		wm.Tables[id] = wire.TableMetaData{
			ID: t.ID, Name: t.Name, Dense: t.Dense, Elem: t.Elem,
			Shape: t.Shape, Dimension: t.Dimension, InitSpec: t.InitSpec,
		}
	}
	wire.EncodeModelMetaData(b, wm)
}

func decodeModelMeta(r *wire.Reader) (*ModelMetaSnapshot, error) {
	wm, err := wire.DecodeModelMetaData(r)
	if err != nil {
		return nil, err
	}
	m := &ModelMetaSnapshot{
		ID: wm.ID, Name: wm.Name, OptimKind: wm.OptimKind, OptimParams: wm.OptimParams,
		Tables: make(map[uint64]table.Meta, len(wm.Tables)),
	}
	for id, t := range wm.Tables {
		m.Tables[id] = table.Meta{
			ID: t.ID, Name: t.Name, Dense: t.Dense, Elem: t.Elem,
			Shape: t.Shape, Dimension: t.Dimension, InitSpec: t.InitSpec,
		}
	}
	return m, nil
}

// ModelMetaSnapshot is the ps-level counterpart of wire.ModelMetaData,
// kept distinct from table.ModelMeta only in name to read naturally at
// call sites that just finished a wire round trip.
type ModelMetaSnapshot struct {
	ID          uint64
	Name        string
	OptimKind   string
	OptimParams map[string]string
	Tables      map[uint64]table.Meta
}

func encodeRouterPair(b *wire.Buffer, oldR, newR *ring.Router) {
	wire.EncodeRouter(b, oldR.Snapshot())
	wire.EncodeRouter(b, newR.Snapshot())
}

func decodeRouterPair(r *wire.Reader) (oldR, newR *ring.Router, err error) {
	oldSnap, err := wire.DecodeRouter(r)
	if err != nil {
		return nil, nil, err
	}
	newSnap, err := wire.DecodeRouter(r)
	if err != nil {
		return nil, nil, err
	}
	return ring.FromSnapshot(oldSnap), ring.FromSnapshot(newSnap), nil
}

func encodeGradient(b *wire.Buffer, g table.Gradient) {
	if g.COO != nil {
		wire.EncodeAnyTensor(b, wire.AnyTensor{COO: g.COO})
		return
	}
	wire.EncodeAnyTensor(b, wire.AnyTensor{Dense: g.Dense})
}

func decodeGradient(r *wire.Reader) (table.Gradient, error) {
	any, err := wire.DecodeAnyTensor(r)
	if err != nil {
		return table.Gradient{}, err
	}
	return table.Gradient{Dense: any.Dense, COO: any.COO}, nil
}
