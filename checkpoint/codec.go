package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/kraken-ps/kraken/ps"
	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/shardmap"
	"github.com/kraken-ps/kraken/table"
	"github.com/kraken-ps/kraken/tensor"
	"github.com/kraken-ps/kraken/wire"
)

// zstdEncoder/zstdDecoder compress every .dense/.sparse table dump before
// it's digest-sealed, alongside wire's own s2/Snappy RPC body compression.
// The compression is always applied; there is no setting that turns it
// off. One-shot EncodeAll/DecodeAll is enough
// since a whole table file is always in memory anyway by the time it's
// written.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// table kind tags, matching wire's own tableKindDense/tableKindSparse
// (unexported there, so the dense/sparse file header repeats them here —
// spec.md §4.7's "table_kind" is part of the file content, not the RPC
// wire format wire/meta_codec.go already owns).
const (
	tableKindDense  uint8 = 0
	tableKindSparse uint8 = 1
)

// digestSize is the trailing BLAKE2b-256 integrity digest appended to every
// .dense/.sparse file (spec.md §13/§12: corruption detection on Load, since
// the original format has no equivalent checksum).
const digestSize = 32

// sealWithDigest appends a BLAKE2b-256 digest of body to itself.
func sealWithDigest(body []byte) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	h.Write(body)
	return append(body, h.Sum(nil)...), nil
}

// openWithDigest splits a sealed file's trailing digest off and verifies
// it, returning the content bytes.
func openWithDigest(sealed []byte) ([]byte, error) {
	if len(sealed) < digestSize {
		return nil, fmt.Errorf("checkpoint: file too short for a digest (%d bytes)", len(sealed))
	}
	body, digest := sealed[:len(sealed)-digestSize], sealed[len(sealed)-digestSize:]
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	h.Write(body)
	if !bytes.Equal(h.Sum(nil), digest) {
		return nil, fmt.Errorf("checkpoint: digest mismatch, file is corrupt or truncated")
	}
	return body, nil
}

// encodeValue appends a table.Value: val, then its optimizer state
// (states count, then per entry kind + tensor; counters count, then per
// entry kind + i64), matching the original's "val | bag (state |
// state_i)" ordering.
func encodeValue(b *wire.Buffer, v *table.Value) {
	wire.EncodeDense(b, v.Val)

	kinds := maps.Keys(v.States)
	slices.Sort(kinds)
	b.WriteU64(uint64(len(kinds)))
	for _, k := range kinds {
		b.WriteU8(uint8(k))
		wire.EncodeDense(b, v.States[k])
	}

	ckinds := maps.Keys(v.StateCounters)
	slices.Sort(ckinds)
	b.WriteU64(uint64(len(ckinds)))
	for _, k := range ckinds {
		b.WriteU8(uint8(k))
		b.WriteI64(v.StateCounters[k])
	}
}

func decodeValue(r *wire.Reader) (*table.Value, error) {
	any, err := wire.DecodeAnyTensor(r)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: value tensor: %w", err)
	}
	v := table.NewValue(any.Dense)

	n, err := r.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: state count: %w", err)
	}
	for i := uint64(0); i < n; i++ {
		kb, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		st, err := wire.DecodeAnyTensor(r)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: state tensor: %w", err)
		}
		v.States[table.StateKind(kb)] = st.Dense
	}

	cn, err := r.ReadU64()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: counter count: %w", err)
	}
	for i := uint64(0); i < cn; i++ {
		kb, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		c, err := r.ReadI64()
		if err != nil {
			return nil, err
		}
		v.StateCounters[table.StateKind(kb)] = c
	}
	return v, nil
}

// encodeDenseFile builds a sealed ".dense" file body: table_kind, table_id,
// table_name, value (spec.md §4.7's dense file content order).
func encodeDenseFile(meta table.Meta, v *table.Value) ([]byte, error) {
	b := wire.NewBuffer(256)
	b.WriteU8(tableKindDense)
	b.WriteU64(meta.ID)
	b.WriteString(meta.Name)
	encodeValue(b, v)
	return sealWithDigest(zstdEncoder.EncodeAll(b.Bytes(), nil))
}

func decodeDenseFile(sealed []byte) (table.Meta, *table.Value, error) {
	compressed, err := openWithDigest(sealed)
	if err != nil {
		return table.Meta{}, nil, err
	}
	body, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return table.Meta{}, nil, fmt.Errorf("checkpoint: decompress dense file: %w", err)
	}
	r := wire.NewReader(body)
	kind, err := r.ReadU8()
	if err != nil {
		return table.Meta{}, nil, err
	}
	if kind != tableKindDense {
		return table.Meta{}, nil, fmt.Errorf("checkpoint: expected dense table_kind, got %d", kind)
	}
	id, err := r.ReadU64()
	if err != nil {
		return table.Meta{}, nil, err
	}
	name, err := r.ReadString()
	if err != nil {
		return table.Meta{}, nil, err
	}
	v, err := decodeValue(r)
	if err != nil {
		return table.Meta{}, nil, err
	}
	meta := table.Meta{ID: id, Name: name, Dense: true, Elem: v.Val.Elem, Shape: v.Val.Shape}
	return meta, v, nil
}

// encodeSparseFile builds a sealed ".sparse" file body: table_kind,
// table_id, table_name, dimension, element_type, init_kind, init_params,
// slot_count, then per slot a row count, a u64 byte length, and that many
// bytes of (sparse_id, value) pairs —
// spec.md §4.7's sparse file content order, preserving the shardmap's slot
// layout so Load can place rows back without re-hashing.
func encodeSparseFile(meta table.Meta, st *table.SparseTable) ([]byte, error) {
	b := wire.NewBuffer(4096)
	b.WriteU8(tableKindSparse)
	b.WriteU64(meta.ID)
	b.WriteString(meta.Name)
	b.WriteI64(meta.Dimension)
	b.WriteU8(uint8(meta.Elem))
	b.WriteU8(uint8(meta.InitSpec.Kind))
	keys := maps.Keys(meta.InitSpec.Params)
	slices.Sort(keys)
	b.WriteStringMap(meta.InitSpec.Params, keys)

	b.WriteU64(uint64(shardmap.SlotCount))
	for slot := 0; slot < shardmap.SlotCount; slot++ {
		// count placeholder: encode into a scratch buffer first since the
		// count must precede the rows and RangeSlot streams them one at a
		// time under that slot's read lock.
		scratch := wire.NewBuffer(256)
		var count uint64
		st.RangeSlot(slot, func(id uint64, v *table.Value) bool {
			scratch.WriteU64(id)
			encodeValue(scratch, v)
			count++
			return true
		})
		b.WriteU64(count)
		b.WriteBytes(scratch.Bytes())
	}
	return sealWithDigest(zstdEncoder.EncodeAll(b.Bytes(), nil))
}

// decodeSparseFile decodes a sealed ".sparse" file into its metadata and a
// flat list of (id, value) rows still bucketed by the slot they came from
// — callers needing the original slot grouping can recompute it with
// id%shardmap.SlotCount, since Load doesn't need it (every row is
// re-dispatched against the current router regardless of old slot).
func decodeSparseFile(sealed []byte) (table.Meta, []uint64, []*table.Value, error) {
	compressed, err := openWithDigest(sealed)
	if err != nil {
		return table.Meta{}, nil, nil, err
	}
	body, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return table.Meta{}, nil, nil, fmt.Errorf("checkpoint: decompress sparse file: %w", err)
	}
	r := wire.NewReader(body)
	kind, err := r.ReadU8()
	if err != nil {
		return table.Meta{}, nil, nil, err
	}
	if kind != tableKindSparse {
		return table.Meta{}, nil, nil, fmt.Errorf("checkpoint: expected sparse table_kind, got %d", kind)
	}
	var meta table.Meta
	meta.Dense = false
	if meta.ID, err = r.ReadU64(); err != nil {
		return meta, nil, nil, err
	}
	if meta.Name, err = r.ReadString(); err != nil {
		return meta, nil, nil, err
	}
	if meta.Dimension, err = r.ReadI64(); err != nil {
		return meta, nil, nil, err
	}
	elem, err := r.ReadU8()
	if err != nil {
		return meta, nil, nil, err
	}
	meta.Elem = tensor.ElementType(elem)
	ik, err := r.ReadU8()
	if err != nil {
		return meta, nil, nil, err
	}
	meta.InitSpec.Kind = tensor.InitKind(ik)
	if meta.InitSpec.Params, err = r.ReadStringMap(); err != nil {
		return meta, nil, nil, err
	}

	slotCount, err := r.ReadU64()
	if err != nil {
		return meta, nil, nil, err
	}
	var ids []uint64
	var vals []*table.Value
	for slot := uint64(0); slot < slotCount; slot++ {
		count, err := r.ReadU64()
		if err != nil {
			return meta, nil, nil, err
		}
		raw, err := r.ReadBytes()
		if err != nil {
			return meta, nil, nil, err
		}
		sr := wire.NewReader(raw)
		for i := uint64(0); i < count; i++ {
			id, err := sr.ReadU64()
			if err != nil {
				return meta, nil, nil, err
			}
			v, err := decodeValue(sr)
			if err != nil {
				return meta, nil, nil, err
			}
			ids = append(ids, id)
			vals = append(vals, v)
		}
	}
	return meta, ids, vals, nil
}

// modelMetaToWire / wireToModelMeta convert between ps.ModelMetaSnapshot and
// wire.ModelMetaData so model.binary can reuse wire.EncodeModelMetaData
// directly, the same conversion ps/codec.go's encodeModelMeta/
// decodeModelMeta do internally for the CreateModel RPC body.
func modelMetaToWire(m ps.ModelMetaSnapshot) wire.ModelMetaData {
	tables := make(map[uint64]wire.TableMetaData, len(m.Tables))
	for id, t := range m.Tables {
		tables[id] = tableMetaToWire(t)
	}
	return wire.ModelMetaData{ID: m.ID, Name: m.Name, OptimKind: m.OptimKind, OptimParams: m.OptimParams, Tables: tables}
}

func wireToModelMeta(wm wire.ModelMetaData) ps.ModelMetaSnapshot {
	tables := make(map[uint64]table.Meta, len(wm.Tables))
	for id, t := range wm.Tables {
		tables[id] = wireToTableMeta(t)
	}
	return ps.ModelMetaSnapshot{ID: wm.ID, Name: wm.Name, OptimKind: wm.OptimKind, OptimParams: wm.OptimParams, Tables: tables}
}

func tableMetaToWire(t table.Meta) wire.TableMetaData {
	return wire.TableMetaData{
		ID: t.ID, Name: t.Name, Dense: t.Dense, Elem: t.Elem,
		Shape: t.Shape, Dimension: t.Dimension, InitSpec: t.InitSpec,
	}
}

func wireToTableMeta(t wire.TableMetaData) table.Meta {
	return table.Meta{
		ID: t.ID, Name: t.Name, Dense: t.Dense, Elem: t.Elem,
		Shape: t.Shape, Dimension: t.Dimension, InitSpec: t.InitSpec,
	}
}

// modelBinary / routerBinary wrap the wire codecs with the file-level
// digest seal used by every checkpoint file.
func encodeModelBinary(m ps.ModelMetaSnapshot) ([]byte, error) {
	b := wire.NewBuffer(512)
	wire.EncodeModelMetaData(b, modelMetaToWire(m))
	return sealWithDigest(b.Bytes())
}

func decodeModelBinary(sealed []byte) (ps.ModelMetaSnapshot, error) {
	body, err := openWithDigest(sealed)
	if err != nil {
		return ps.ModelMetaSnapshot{}, err
	}
	wm, err := wire.DecodeModelMetaData(wire.NewReader(body))
	if err != nil {
		return ps.ModelMetaSnapshot{}, err
	}
	return wireToModelMeta(wm), nil
}

func encodeRouterBinary(s ring.Snapshot) ([]byte, error) {
	b := wire.NewBuffer(256)
	wire.EncodeRouter(b, s)
	return sealWithDigest(b.Bytes())
}

func decodeRouterBinary(sealed []byte) (ring.Snapshot, error) {
	body, err := openWithDigest(sealed)
	if err != nil {
		return ring.Snapshot{}, err
	}
	return wire.DecodeRouter(wire.NewReader(body))
}

// --- human-readable .json dumps (debugging only, never read back by Load) ---

type tableInfoJSON struct {
	ID        uint64            `json:"id"`
	Name      string            `json:"name"`
	Dense     bool              `json:"dense"`
	Elem      string            `json:"element_type"`
	Shape     []int64           `json:"shape,omitempty"`
	Dimension int64             `json:"dimension,omitempty"`
	InitKind  string            `json:"init_kind,omitempty"`
	InitSpec  map[string]string `json:"init_params,omitempty"`
}

type modelInfoJSON struct {
	ID          uint64            `json:"id"`
	Name        string            `json:"name"`
	OptimKind   string            `json:"optim_kind"`
	OptimParams map[string]string `json:"optim_params"`
	Tables      []tableInfoJSON   `json:"tables"`
}

func modelInfoJSONBytes(m ps.ModelMetaSnapshot) ([]byte, error) {
	ids := maps.Keys(m.Tables)
	slices.Sort(ids)
	j := modelInfoJSON{ID: m.ID, Name: m.Name, OptimKind: m.OptimKind, OptimParams: m.OptimParams}
	for _, id := range ids {
		t := m.Tables[id]
		ti := tableInfoJSON{ID: t.ID, Name: t.Name, Dense: t.Dense, Elem: t.Elem.String()}
		if t.Dense {
			ti.Shape = t.Shape
		} else {
			ti.Dimension = t.Dimension
			ti.InitKind = t.InitSpec.Kind.String()
			ti.InitSpec = t.InitSpec.Params
		}
		j.Tables = append(j.Tables, ti)
	}
	return json.MarshalIndent(j, "", "    ")
}

type nodeInfoJSON struct {
	ID   uint64   `json:"id"`
	Name string   `json:"name"`
	VNodes []uint64 `json:"vnode_list"`
}

type routerInfoJSON struct {
	Version uint64         `json:"version"`
	Nodes   []nodeInfoJSON `json:"nodes"`
}

func routerInfoJSONBytes(s ring.Snapshot) ([]byte, error) {
	j := routerInfoJSON{Version: s.Version}
	for _, n := range s.Nodes {
		j.Nodes = append(j.Nodes, nodeInfoJSON{ID: n.ID, Name: n.Name, VNodes: n.VNodeHashes})
	}
	return json.MarshalIndent(j, "", "    ")
}
