package ps

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/kraken-ps/kraken/ring"
	"github.com/kraken-ps/kraken/table"
	"github.com/kraken-ps/kraken/tensor"
	"github.com/kraken-ps/kraken/wire"
)

// This file defines the request/reply payloads for every RPC in spec.md
// §4's catalogue that isn't already fully described by wire's generic
// primitives. Scheduler, Node and Worker all share these encodings so the
// wire format only needs to be decided once.

// --- Join / membership -----------------------------------------------

type TryJoinRequest struct{ Addr string }

func (r TryJoinRequest) Encode() []byte {
	b := wire.NewBuffer(32)
	b.WriteString(r.Addr)
	return b.Bytes()
}

func DecodeTryJoinRequest(body []byte) (TryJoinRequest, error) {
	addr, err := wire.NewReader(body).ReadString()
	return TryJoinRequest{Addr: addr}, err
}

type TryJoinReply struct {
	Allow            bool
	NodeID           uint64
	OldRouter        *ring.Router
	NewRouter        *ring.Router
	ModelInitialized bool
	Model            *ModelMetaSnapshot
}

func (r TryJoinReply) Encode() []byte {
	b := wire.NewBuffer(256)
	b.WriteBool(r.Allow)
	if !r.Allow {
		return b.Bytes()
	}
	b.WriteU64(r.NodeID)
	encodeRouterPair(b, r.OldRouter, r.NewRouter)
	b.WriteBool(r.ModelInitialized)
	if r.ModelInitialized {
		encodeModelMeta(b, r.Model)
	}
	return b.Bytes()
}

func DecodeTryJoinReply(body []byte) (TryJoinReply, error) {
	r := wire.NewReader(body)
	allow, err := r.ReadBool()
	if err != nil || !allow {
		return TryJoinReply{Allow: allow}, err
	}
	nodeID, err := r.ReadU64()
	if err != nil {
		return TryJoinReply{}, err
	}
	oldR, newR, err := decodeRouterPair(r)
	if err != nil {
		return TryJoinReply{}, err
	}
	modelInit, err := r.ReadBool()
	if err != nil {
		return TryJoinReply{}, err
	}
	var model *ModelMetaSnapshot
	if modelInit {
		model, err = decodeModelMeta(r)
		if err != nil {
			return TryJoinReply{}, err
		}
	}
	return TryJoinReply{
		Allow: true, NodeID: nodeID, OldRouter: oldR, NewRouter: newR,
		ModelInitialized: modelInit, Model: model,
	}, nil
}

type NotifyNodeJoinRequest struct {
	JoinedID  uint64
	OldRouter *ring.Router
	NewRouter *ring.Router
}

func (r NotifyNodeJoinRequest) Encode() []byte {
	b := wire.NewBuffer(256)
	b.WriteU64(r.JoinedID)
	encodeRouterPair(b, r.OldRouter, r.NewRouter)
	return b.Bytes()
}

func DecodeNotifyNodeJoinRequest(body []byte) (NotifyNodeJoinRequest, error) {
	r := wire.NewReader(body)
	joinedID, err := r.ReadU64()
	if err != nil {
		return NotifyNodeJoinRequest{}, err
	}
	oldR, newR, err := decodeRouterPair(r)
	if err != nil {
		return NotifyNodeJoinRequest{}, err
	}
	return NotifyNodeJoinRequest{JoinedID: joinedID, OldRouter: oldR, NewRouter: newR}, nil
}

type NotifyFinishTransferRequest struct{ FromID uint64 }

func (r NotifyFinishTransferRequest) Encode() []byte {
	b := wire.NewBuffer(8)
	b.WriteU64(r.FromID)
	return b.Bytes()
}

func DecodeNotifyFinishTransferRequest(body []byte) (NotifyFinishTransferRequest, error) {
	v, err := wire.NewReader(body).ReadU64()
	return NotifyFinishTransferRequest{FromID: v}, err
}

// --- Transfer ----------------------------------------------------------

type TransferDenseTableRequest struct {
	FromID  uint64
	TableID uint64
	Name    string
	Value   *table.Value
}

func (r TransferDenseTableRequest) Encode() []byte {
	b := wire.NewBuffer(128)
	b.WriteU64(r.FromID)
	b.WriteU64(r.TableID)
	b.WriteString(r.Name)
	encodeValue(b, r.Value)
	return b.Bytes()
}

func DecodeTransferDenseTableRequest(body []byte) (TransferDenseTableRequest, error) {
	r := wire.NewReader(body)
	fromID, err := r.ReadU64()
	if err != nil {
		return TransferDenseTableRequest{}, err
	}
	tableID, err := r.ReadU64()
	if err != nil {
		return TransferDenseTableRequest{}, err
	}
	name, err := r.ReadString()
	if err != nil {
		return TransferDenseTableRequest{}, err
	}
	val, err := decodeValue(r)
	if err != nil {
		return TransferDenseTableRequest{}, err
	}
	return TransferDenseTableRequest{FromID: fromID, TableID: tableID, Name: name, Value: val}, nil
}

type TransferSparseMetaDataRequest struct {
	FromID uint64
	Meta   table.Meta
}

func (r TransferSparseMetaDataRequest) Encode() []byte {
	b := wire.NewBuffer(128)
	b.WriteU64(r.FromID)
	encodeMeta(b, r.Meta)
	return b.Bytes()
}

func DecodeTransferSparseMetaDataRequest(body []byte) (TransferSparseMetaDataRequest, error) {
	r := wire.NewReader(body)
	fromID, err := r.ReadU64()
	if err != nil {
		return TransferSparseMetaDataRequest{}, err
	}
	m, err := decodeMeta(r)
	if err != nil {
		return TransferSparseMetaDataRequest{}, err
	}
	return TransferSparseMetaDataRequest{FromID: fromID, Meta: m}, nil
}

type TransferSparseValuesRequest struct {
	FromID  uint64
	TableID uint64
	IDs     []uint64
	Values  []*table.Value
}

func (r TransferSparseValuesRequest) Encode() []byte {
	b := wire.NewBuffer(256)
	b.WriteU64(r.FromID)
	b.WriteU64(r.TableID)
	b.WriteU64Vector(r.IDs)
	b.WriteU64(uint64(len(r.Values)))
	for _, v := range r.Values {
		encodeValue(b, v)
	}
	return b.Bytes()
}

func DecodeTransferSparseValuesRequest(body []byte) (TransferSparseValuesRequest, error) {
	r := wire.NewReader(body)
	fromID, err := r.ReadU64()
	if err != nil {
		return TransferSparseValuesRequest{}, err
	}
	tableID, err := r.ReadU64()
	if err != nil {
		return TransferSparseValuesRequest{}, err
	}
	ids, err := r.ReadU64Vector()
	if err != nil {
		return TransferSparseValuesRequest{}, err
	}
	n, err := r.ReadU64()
	if err != nil {
		return TransferSparseValuesRequest{}, err
	}
	values := make([]*table.Value, n)
	for i := range values {
		if values[i], err = decodeValue(r); err != nil {
			return TransferSparseValuesRequest{}, err
		}
	}
	return TransferSparseValuesRequest{FromID: fromID, TableID: tableID, IDs: ids, Values: values}, nil
}

// --- Proxy fetch ---------------------------------------------------------

type TryFetchDenseTableRequest struct{ TableID uint64 }

func (r TryFetchDenseTableRequest) Encode() []byte {
	b := wire.NewBuffer(8)
	b.WriteU64(r.TableID)
	return b.Bytes()
}

func DecodeTryFetchDenseTableRequest(body []byte) (TryFetchDenseTableRequest, error) {
	v, err := wire.NewReader(body).ReadU64()
	return TryFetchDenseTableRequest{TableID: v}, err
}

type TryFetchDenseTableReply struct {
	Found bool
	Name  string
	Value *table.Value
}

func (r TryFetchDenseTableReply) Encode() []byte {
	b := wire.NewBuffer(128)
	b.WriteBool(r.Found)
	if !r.Found {
		return b.Bytes()
	}
	b.WriteString(r.Name)
	encodeValue(b, r.Value)
	return b.Bytes()
}

func DecodeTryFetchDenseTableReply(body []byte) (TryFetchDenseTableReply, error) {
	r := wire.NewReader(body)
	found, err := r.ReadBool()
	if err != nil || !found {
		return TryFetchDenseTableReply{Found: found}, err
	}
	name, err := r.ReadString()
	if err != nil {
		return TryFetchDenseTableReply{}, err
	}
	val, err := decodeValue(r)
	if err != nil {
		return TryFetchDenseTableReply{}, err
	}
	return TryFetchDenseTableReply{Found: true, Name: name, Value: val}, nil
}

type TryFetchSparseMetaDataRequest struct{ TableID uint64 }

func (r TryFetchSparseMetaDataRequest) Encode() []byte {
	b := wire.NewBuffer(8)
	b.WriteU64(r.TableID)
	return b.Bytes()
}

func DecodeTryFetchSparseMetaDataRequest(body []byte) (TryFetchSparseMetaDataRequest, error) {
	v, err := wire.NewReader(body).ReadU64()
	return TryFetchSparseMetaDataRequest{TableID: v}, err
}

type TryFetchSparseMetaDataReply struct {
	Found bool
	Meta  table.Meta
}

func (r TryFetchSparseMetaDataReply) Encode() []byte {
	b := wire.NewBuffer(128)
	b.WriteBool(r.Found)
	if !r.Found {
		return b.Bytes()
	}
	encodeMeta(b, r.Meta)
	return b.Bytes()
}

func DecodeTryFetchSparseMetaDataReply(body []byte) (TryFetchSparseMetaDataReply, error) {
	r := wire.NewReader(body)
	found, err := r.ReadBool()
	if err != nil || !found {
		return TryFetchSparseMetaDataReply{Found: found}, err
	}
	m, err := decodeMeta(r)
	if err != nil {
		return TryFetchSparseMetaDataReply{}, err
	}
	return TryFetchSparseMetaDataReply{Found: true, Meta: m}, nil
}

type TryFetchSparseValuesRequest struct {
	TableID uint64
	IDs     []uint64
}

func (r TryFetchSparseValuesRequest) Encode() []byte {
	b := wire.NewBuffer(64)
	b.WriteU64(r.TableID)
	b.WriteU64Vector(r.IDs)
	return b.Bytes()
}

func DecodeTryFetchSparseValuesRequest(body []byte) (TryFetchSparseValuesRequest, error) {
	r := wire.NewReader(body)
	tableID, err := r.ReadU64()
	if err != nil {
		return TryFetchSparseValuesRequest{}, err
	}
	ids, err := r.ReadU64Vector()
	if err != nil {
		return TryFetchSparseValuesRequest{}, err
	}
	return TryFetchSparseValuesRequest{TableID: tableID, IDs: ids}, nil
}

type TryFetchSparseValuesReply struct {
	IDs    []uint64
	Values []*table.Value
}

func (r TryFetchSparseValuesReply) Encode() []byte {
	b := wire.NewBuffer(256)
	b.WriteU64Vector(r.IDs)
	b.WriteU64(uint64(len(r.Values)))
	for _, v := range r.Values {
		encodeValue(b, v)
	}
	return b.Bytes()
}

func DecodeTryFetchSparseValuesReply(body []byte) (TryFetchSparseValuesReply, error) {
	r := wire.NewReader(body)
	ids, err := r.ReadU64Vector()
	if err != nil {
		return TryFetchSparseValuesReply{}, err
	}
	n, err := r.ReadU64()
	if err != nil {
		return TryFetchSparseValuesReply{}, err
	}
	values := make([]*table.Value, n)
	for i := range values {
		if values[i], err = decodeValue(r); err != nil {
			return TryFetchSparseValuesReply{}, err
		}
	}
	return TryFetchSparseValuesReply{IDs: ids, Values: values}, nil
}

// --- Serving (client-facing) --------------------------------------------

type PullDenseTableRequest struct{ TableID uint64 }

func (r PullDenseTableRequest) Encode() []byte {
	b := wire.NewBuffer(8)
	b.WriteU64(r.TableID)
	return b.Bytes()
}

func DecodePullDenseTableRequest(body []byte) (PullDenseTableRequest, error) {
	v, err := wire.NewReader(body).ReadU64()
	return PullDenseTableRequest{TableID: v}, err
}

func encodeDenseReply(val *tensor.Dense) []byte {
	b := wire.NewBuffer(64)
	wire.EncodeDense(b, val)
	return b.Bytes()
}

func decodeDenseReply(body []byte) (*tensor.Dense, error) {
	any, err := wire.DecodeAnyTensor(wire.NewReader(body))
	if err != nil {
		return nil, err
	}
	return any.Dense, nil
}

// DecodeDenseReply is the exported counterpart of decodeDenseReply, letting
// the worker package decode a PullDenseTable/PushPullDenseTable reply
// without reaching into ps's unexported codecs.
func DecodeDenseReply(body []byte) (*tensor.Dense, error) {
	return decodeDenseReply(body)
}

// DecodeDenseListReply is the exported counterpart of decodeDenseList, used
// by the worker package to decode CombinePullDenseTable/PullSparseTable
// replies.
func DecodeDenseListReply(body []byte) ([]*tensor.Dense, error) {
	return decodeDenseList(body)
}

type CombinePullDenseTableRequest struct{ TableIDs []uint64 }

func (r CombinePullDenseTableRequest) Encode() []byte {
	b := wire.NewBuffer(32)
	b.WriteU64Vector(r.TableIDs)
	return b.Bytes()
}

func DecodeCombinePullDenseTableRequest(body []byte) (CombinePullDenseTableRequest, error) {
	ids, err := wire.NewReader(body).ReadU64Vector()
	return CombinePullDenseTableRequest{TableIDs: ids}, err
}

func encodeDenseList(vals []*tensor.Dense) []byte {
	b := wire.NewBuffer(64 * len(vals))
	b.WriteU64(uint64(len(vals)))
	for _, v := range vals {
		wire.EncodeDense(b, v)
	}
	return b.Bytes()
}

func decodeDenseList(body []byte) ([]*tensor.Dense, error) {
	r := wire.NewReader(body)
	n, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	out := make([]*tensor.Dense, n)
	for i := range out {
		any, err := wire.DecodeAnyTensor(r)
		if err != nil {
			return nil, err
		}
		out[i] = any.Dense
	}
	return out, nil
}

type PushDenseTableRequest struct {
	TableID uint64
	Grad    table.Gradient
	LR      float64
}

func (r PushDenseTableRequest) Encode() []byte {
	b := wire.NewBuffer(64)
	b.WriteU64(r.TableID)
	b.WriteF64(r.LR)
	encodeGradient(b, r.Grad)
	return b.Bytes()
}

func DecodePushDenseTableRequest(body []byte) (PushDenseTableRequest, error) {
	r := wire.NewReader(body)
	tableID, err := r.ReadU64()
	if err != nil {
		return PushDenseTableRequest{}, err
	}
	lr, err := r.ReadF64()
	if err != nil {
		return PushDenseTableRequest{}, err
	}
	grad, err := decodeGradient(r)
	if err != nil {
		return PushDenseTableRequest{}, err
	}
	return PushDenseTableRequest{TableID: tableID, Grad: grad, LR: lr}, nil
}

type PullSparseTableRequest struct {
	TableID uint64
	IDs     []uint64
}

func (r PullSparseTableRequest) Encode() []byte {
	b := wire.NewBuffer(64)
	b.WriteU64(r.TableID)
	b.WriteU64Vector(r.IDs)
	return b.Bytes()
}

func DecodePullSparseTableRequest(body []byte) (PullSparseTableRequest, error) {
	r := wire.NewReader(body)
	tableID, err := r.ReadU64()
	if err != nil {
		return PullSparseTableRequest{}, err
	}
	ids, err := r.ReadU64Vector()
	if err != nil {
		return PullSparseTableRequest{}, err
	}
	return PullSparseTableRequest{TableID: tableID, IDs: ids}, nil
}

type PushSparseTableRequest struct {
	TableID uint64
	IDs     []uint64
	Grads   []table.Gradient
	LR      float64
}

func (r PushSparseTableRequest) Encode() []byte {
	b := wire.NewBuffer(64 * len(r.IDs))
	b.WriteU64(r.TableID)
	b.WriteF64(r.LR)
	b.WriteU64Vector(r.IDs)
	b.WriteU64(uint64(len(r.Grads)))
	for _, g := range r.Grads {
		encodeGradient(b, g)
	}
	return b.Bytes()
}

func DecodePushSparseTableRequest(body []byte) (PushSparseTableRequest, error) {
	r := wire.NewReader(body)
	tableID, err := r.ReadU64()
	if err != nil {
		return PushSparseTableRequest{}, err
	}
	lr, err := r.ReadF64()
	if err != nil {
		return PushSparseTableRequest{}, err
	}
	ids, err := r.ReadU64Vector()
	if err != nil {
		return PushSparseTableRequest{}, err
	}
	n, err := r.ReadU64()
	if err != nil {
		return PushSparseTableRequest{}, err
	}
	grads := make([]table.Gradient, n)
	for i := range grads {
		if grads[i], err = decodeGradient(r); err != nil {
			return PushSparseTableRequest{}, err
		}
	}
	return PushSparseTableRequest{TableID: tableID, IDs: ids, Grads: grads, LR: lr}, nil
}

// EncodeCreateModelRequest builds the wire body handleCreateModel decodes,
// letting the scheduler package fan CreateModel out without reaching into
// ps's unexported codecs.
func EncodeCreateModelRequest(m ModelMetaSnapshot) []byte {
	b := wire.NewBuffer(128)
	encodeModelMeta(b, &m)
	return b.Bytes()
}

// EncodeCreateTableRequest builds the wire body handleCreateDenseTable/
// handleCreateSparseTable decode.
func EncodeCreateTableRequest(m table.Meta) []byte {
	b := wire.NewBuffer(128)
	encodeMeta(b, m)
	return b.Bytes()
}

// --- Worker/client <-> scheduler (spec.md §4.1, §4.6, §4.7) -------------

type FetchRouterReply struct{ Router *ring.Router }

func (r FetchRouterReply) Encode() []byte {
	b := wire.NewBuffer(256)
	wire.EncodeRouter(b, r.Router.Snapshot())
	return b.Bytes()
}

func DecodeFetchRouterReply(body []byte) (FetchRouterReply, error) {
	snap, err := wire.DecodeRouter(wire.NewReader(body))
	if err != nil {
		return FetchRouterReply{}, err
	}
	return FetchRouterReply{Router: ring.FromSnapshot(snap)}, nil
}

type InitModelRequest struct {
	Name        string
	OptimKind   string
	OptimParams map[string]string
}

func (r InitModelRequest) Encode() []byte {
	b := wire.NewBuffer(128)
	b.WriteString(r.Name)
	b.WriteString(r.OptimKind)
	keys := maps.Keys(r.OptimParams)
	slices.Sort(keys)
	b.WriteStringMap(r.OptimParams, keys)
	return b.Bytes()
}

func DecodeInitModelRequest(body []byte) (InitModelRequest, error) {
	r := wire.NewReader(body)
	name, err := r.ReadString()
	if err != nil {
		return InitModelRequest{}, err
	}
	optimKind, err := r.ReadString()
	if err != nil {
		return InitModelRequest{}, err
	}
	params, err := r.ReadStringMap()
	if err != nil {
		return InitModelRequest{}, err
	}
	return InitModelRequest{Name: name, OptimKind: optimKind, OptimParams: params}, nil
}

type RegisterDenseTableRequest struct {
	Name string
	Val  *tensor.Dense
}

func (r RegisterDenseTableRequest) Encode() []byte {
	b := wire.NewBuffer(64)
	b.WriteString(r.Name)
	wire.EncodeDense(b, r.Val)
	return b.Bytes()
}

func DecodeRegisterDenseTableRequest(body []byte) (RegisterDenseTableRequest, error) {
	r := wire.NewReader(body)
	name, err := r.ReadString()
	if err != nil {
		return RegisterDenseTableRequest{}, err
	}
	any, err := wire.DecodeAnyTensor(r)
	if err != nil {
		return RegisterDenseTableRequest{}, err
	}
	return RegisterDenseTableRequest{Name: name, Val: any.Dense}, nil
}

type RegisterTableReply struct{ TableID uint64 }

func (r RegisterTableReply) Encode() []byte {
	b := wire.NewBuffer(8)
	b.WriteU64(r.TableID)
	return b.Bytes()
}

func DecodeRegisterTableReply(body []byte) (RegisterTableReply, error) {
	v, err := wire.NewReader(body).ReadU64()
	return RegisterTableReply{TableID: v}, err
}

type RegisterSparseTableRequest struct {
	Name      string
	Dimension int64
	Elem      tensor.ElementType
	InitSpec  tensor.InitSpec
}

func (r RegisterSparseTableRequest) Encode() []byte {
	b := wire.NewBuffer(64)
	b.WriteString(r.Name)
	b.WriteI64(r.Dimension)
	b.WriteU8(uint8(r.Elem))
	b.WriteU8(uint8(r.InitSpec.Kind))
	keys := maps.Keys(r.InitSpec.Params)
	slices.Sort(keys)
	b.WriteStringMap(r.InitSpec.Params, keys)
	return b.Bytes()
}

func DecodeRegisterSparseTableRequest(body []byte) (RegisterSparseTableRequest, error) {
	r := wire.NewReader(body)
	name, err := r.ReadString()
	if err != nil {
		return RegisterSparseTableRequest{}, err
	}
	dim, err := r.ReadI64()
	if err != nil {
		return RegisterSparseTableRequest{}, err
	}
	elem, err := r.ReadU8()
	if err != nil {
		return RegisterSparseTableRequest{}, err
	}
	kind, err := r.ReadU8()
	if err != nil {
		return RegisterSparseTableRequest{}, err
	}
	params, err := r.ReadStringMap()
	if err != nil {
		return RegisterSparseTableRequest{}, err
	}
	return RegisterSparseTableRequest{
		Name: name, Dimension: dim, Elem: tensor.ElementType(elem),
		InitSpec: tensor.InitSpec{Kind: tensor.InitKind(kind), Params: params},
	}, nil
}

type BoolReply struct{ OK bool }

func (r BoolReply) Encode() []byte {
	b := wire.NewBuffer(1)
	b.WriteBool(r.OK)
	return b.Bytes()
}

func DecodeBoolReply(body []byte) (BoolReply, error) {
	v, err := wire.NewReader(body).ReadBool()
	return BoolReply{OK: v}, err
}

// TryLoadModelRequest names the checkpoint directory a load should read
// from (spec.md §4.7); TrySaveModel/IsAllPsWorking need no request fields
// beyond the RPCType itself.
type TryLoadModelRequest struct{ Dir string }

func (r TryLoadModelRequest) Encode() []byte {
	b := wire.NewBuffer(64)
	b.WriteString(r.Dir)
	return b.Bytes()
}

func DecodeTryLoadModelRequest(body []byte) (TryLoadModelRequest, error) {
	dir, err := wire.NewReader(body).ReadString()
	return TryLoadModelRequest{Dir: dir}, err
}

// HeartbeatReply carries back a node's lifecycle Status (spec.md §4.1's
// admission check and §4.7's save/load gating both poll every member's
// status this way).
type HeartbeatReply struct{ Status Status }

func (r HeartbeatReply) Encode() []byte {
	b := wire.NewBuffer(1)
	b.WriteU8(uint8(r.Status))
	return b.Bytes()
}

func DecodeHeartbeatReply(body []byte) (HeartbeatReply, error) {
	v, err := wire.NewReader(body).ReadU8()
	return HeartbeatReply{Status: Status(v)}, err
}
