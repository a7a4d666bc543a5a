package wire

// RequestHeader precedes every request body on the wire (spec.md §6):
// a timestamp the callee echoes back for request/reply correlation, the
// RPC being invoked, and how the body that follows is compressed.
type RequestHeader struct {
	Timestamp    uint64
	Type         RPCType
	CompressKind CompressKind
}

// ReplyHeader precedes every reply body (spec.md §6, §7).
type ReplyHeader struct {
	Timestamp    uint64
	Code         ErrorCode
	CompressKind CompressKind
}

func (h RequestHeader) encode(b *Buffer) {
	b.WriteU64(h.Timestamp)
	b.WriteU32(uint32(h.Type))
	b.WriteU8(uint8(h.CompressKind))
}

func decodeRequestHeader(r *Reader) (RequestHeader, error) {
	ts, err := r.ReadU64()
	if err != nil {
		return RequestHeader{}, err
	}
	ty, err := r.ReadU32()
	if err != nil {
		return RequestHeader{}, err
	}
	ck, err := r.ReadU8()
	if err != nil {
		return RequestHeader{}, err
	}
	return RequestHeader{Timestamp: ts, Type: RPCType(ty), CompressKind: CompressKind(ck)}, nil
}

func (h ReplyHeader) encode(b *Buffer) {
	b.WriteU64(h.Timestamp)
	b.WriteI32(int32(h.Code))
	b.WriteU8(uint8(h.CompressKind))
}

func decodeReplyHeader(r *Reader) (ReplyHeader, error) {
	ts, err := r.ReadU64()
	if err != nil {
		return ReplyHeader{}, err
	}
	code, err := r.ReadI32()
	if err != nil {
		return ReplyHeader{}, err
	}
	ck, err := r.ReadU8()
	if err != nil {
		return ReplyHeader{}, err
	}
	return ReplyHeader{Timestamp: ts, Code: ErrorCode(code), CompressKind: CompressKind(ck)}, nil
}
