package wire

import (
	"github.com/klauspost/compress/s2"
)

// compressBody and decompressBody implement the frame body's Snappy
// compress_kind (spec.md §6). s2 is a Snappy-compatible format, the same
// library and Compress/Decompress split the teacher uses for its s2
// compressor (compr/compression.go), adapted here from the buffer-juggling
// append style down to a flat byte-slice-in/byte-slice-out pair since wire
// frames don't reuse a shared output arena the way column blocks do.
func compressBody(kind CompressKind, plain []byte) ([]byte, error) {
	switch kind {
	case CompressNone:
		return plain, nil
	case CompressSnappy:
		return s2.EncodeSnappy(nil, plain), nil
	default:
		return nil, NewError(ErrUnSupportCompressType, "compress kind %d", kind)
	}
}

func decompressBody(kind CompressKind, raw []byte, plainLen int) ([]byte, error) {
	switch kind {
	case CompressNone:
		return raw, nil
	case CompressSnappy:
		dst := make([]byte, plainLen)
		got, err := s2.Decode(dst, raw)
		if err != nil {
			return nil, NewError(ErrSnappyUncompress, "%v", err)
		}
		if len(got) != plainLen {
			return nil, NewError(ErrSnappyUncompress, "expected %d bytes, got %d", plainLen, len(got))
		}
		return got, nil
	default:
		return nil, NewError(ErrUnSupportCompressType, "compress kind %d", kind)
	}
}

// compressThreshold is a small heuristic: compressing a handful of bytes
// costs more than it saves, so pickCompressKind (used by Conn.Call for
// requests and by Server for replies) skips it below this size.
const compressThreshold = 256

func pickCompressKind(plain []byte) CompressKind {
	if len(plain) < compressThreshold {
		return CompressNone
	}
	return CompressSnappy
}
