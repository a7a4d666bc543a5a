package wire

import "fmt"

// ErrorCode is the stable numeric error taxonomy carried in ReplyHeader
// (spec.md §7). The zero value is success.
type ErrorCode int32

const (
	Success ErrorCode = iota

	// Serialization
	ErrSerializeRequest
	ErrSerializeReply
	ErrDeserializeRequest
	ErrDeserializeReply
	ErrUnSupportCompressType
	ErrSnappyCompress
	ErrSnappyUncompress

	// Routing
	ErrUnRegisterFunc
	ErrRouteWrongNode
	ErrRouterVersionMismatch

	// Concurrency/lifecycle
	ErrNodeStatusInappropriate
	ErrTimeoutError
	ErrUnSupportEvent

	// Model/table
	ErrModelNotInitialized
	ErrModelAlreadyCreate
	ErrTableAlreadyCreate
	ErrTableNotExist
	ErrDenseTableUnCompatible
	ErrSparseTableUnCompatible
	ErrSparseDimensionError
	ErrGradientUnCompatible

	// Optim/init
	ErrUnSupportOptimType
	ErrUnSupportInitializerType
)

var errorNames = map[ErrorCode]string{
	Success:                     "Success",
	ErrSerializeRequest:         "SerializeRequest",
	ErrSerializeReply:           "SerializeReply",
	ErrDeserializeRequest:       "DeserializeRequest",
	ErrDeserializeReply:         "DeserializeReply",
	ErrUnSupportCompressType:    "UnSupportCompressType",
	ErrSnappyCompress:           "SnappyCompress",
	ErrSnappyUncompress:         "SnappyUncompress",
	ErrUnRegisterFunc:           "UnRegisterFunc",
	ErrRouteWrongNode:           "RouteWrongNode",
	ErrRouterVersionMismatch:    "RouterVersionMismatch",
	ErrNodeStatusInappropriate:  "NodeStatusInappropriate",
	ErrTimeoutError:             "TimeoutError",
	ErrUnSupportEvent:           "UnSupportEvent",
	ErrModelNotInitialized:      "ModelNotInitialized",
	ErrModelAlreadyCreate:       "ModelAlreadyCreate",
	ErrTableAlreadyCreate:       "TableAlreadyCreate",
	ErrTableNotExist:            "TableNotExist",
	ErrDenseTableUnCompatible:   "DenseTableUnCompatible",
	ErrSparseTableUnCompatible:  "SparseTableUnCompatible",
	ErrSparseDimensionError:     "SparseDimensionError",
	ErrGradientUnCompatible:     "GradientUnCompatible",
	ErrUnSupportOptimType:       "UnSupportOptimType",
	ErrUnSupportInitializerType: "UnSupportInitializerType",
}

func (c ErrorCode) String() string {
	if n, ok := errorNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int32(c))
}

// Error adapts an ErrorCode to the error interface so it can flow through
// ordinary Go error handling while still carrying its numeric wire code
// (spec.md §7: "Errors surface to the originating caller as the reply
// header's code").
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// NewError builds an *Error.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the ErrorCode from err, returning Success if err is nil
// and ErrTimeoutError if err is not a *Error (a local Go error that never
// made it onto the wire, e.g. a dial failure).
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ErrTimeoutError
}
