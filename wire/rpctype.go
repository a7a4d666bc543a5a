package wire

import "fmt"

// RPCType identifies the handler a request is dispatched to (spec.md §6's
// RPC catalogue). Values are stable across process versions since they're
// carried on the wire in RequestHeader.
type RPCType uint32

const (
	// Scheduler-facing admission and topology RPCs (spec.md §4.1, §4.2).
	RPCTryJoin RPCType = 1 + iota
	RPCFetchRouter
	RPCInitModel
	RPCRegisterDenseTable
	RPCRegisterSparseTable
	RPCTrySaveModel
	RPCTryLoadModel
	RPCIsAllPsWorking
	RPCHeartbeat

	// Scheduler -> node fan-out RPCs.
	RPCNotifyNodeJoin
	RPCCreateModel
	RPCCreateDenseTable
	RPCCreateSparseTable

	// Node <-> node transfer protocol (spec.md §4.3).
	RPCTransferDenseTable
	RPCTransferSparseMetaData
	RPCTransferSparseValues
	RPCNotifyFinishTransfer

	// Worker <-> node serving RPCs (spec.md §4.5). TryFetchDenseTable and
	// TryCombineFetchDenseTable from the original source collapse into one
	// batched PullDenseTable family per spec.md §9's de-duplication call.
	RPCPullDenseTable
	RPCCombinePullDenseTable
	RPCPushDenseTable
	RPCPushPullDenseTable
	RPCPullSparseTable
	RPCPushSparseTable

	// Node <-> node proxy read-through RPCs (spec.md §4.4): a node holding
	// Proxy status forwards a miss to the predecessor that still owns the
	// row until the transfer protocol lands it locally.
	RPCTryFetchDenseTable
	RPCTryFetchSparseMetaData
	RPCTryFetchSparseValues

	// Scheduler -> node checkpoint triggers (spec.md §4.7). TrySaveModel
	// and TryLoadModel above are the client-facing scheduler RPCs; these
	// are what the scheduler fans those out to on each node.
	RPCNodeTriggerSave
	RPCNodeTriggerLoad
)

var rpcNames = map[RPCType]string{
	RPCTryJoin:                "TryJoin",
	RPCFetchRouter:            "FetchRouter",
	RPCInitModel:              "InitModel",
	RPCRegisterDenseTable:     "RegisterDenseTable",
	RPCRegisterSparseTable:    "RegisterSparseTable",
	RPCTrySaveModel:           "TrySaveModel",
	RPCTryLoadModel:           "TryLoadModel",
	RPCIsAllPsWorking:         "IsAllPsWorking",
	RPCHeartbeat:              "Heartbeat",
	RPCNotifyNodeJoin:         "NotifyNodeJoin",
	RPCCreateModel:            "CreateModel",
	RPCCreateDenseTable:       "CreateDenseTable",
	RPCCreateSparseTable:      "CreateSparseTable",
	RPCTransferDenseTable:     "TransferDenseTable",
	RPCTransferSparseMetaData: "TransferSparseMetaData",
	RPCTransferSparseValues:   "TransferSparseValues",
	RPCNotifyFinishTransfer:   "NotifyFinishTransfer",
	RPCPullDenseTable:         "PullDenseTable",
	RPCCombinePullDenseTable:  "CombinePullDenseTable",
	RPCPushDenseTable:         "PushDenseTable",
	RPCPushPullDenseTable:     "PushPullDenseTable",
	RPCPullSparseTable:        "PullSparseTable",
	RPCPushSparseTable:        "PushSparseTable",
	RPCTryFetchDenseTable:     "TryFetchDenseTable",
	RPCTryFetchSparseMetaData: "TryFetchSparseMetaData",
	RPCTryFetchSparseValues:   "TryFetchSparseValues",
	RPCNodeTriggerSave:        "NodeTriggerSave",
	RPCNodeTriggerLoad:        "NodeTriggerLoad",
}

func (t RPCType) String() string {
	if n, ok := rpcNames[t]; ok {
		return n
	}
	return fmt.Sprintf("RPCType(%d)", uint32(t))
}

// CompressKind identifies how a frame body is compressed (spec.md §6).
type CompressKind uint8

const (
	CompressNone CompressKind = iota
	CompressSnappy
)
