package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame layout on the wire, matching the length-prefixed style of the
// teacher's usock framing (usock/conn.go): a fixed-size preamble followed
// by a header and a (possibly compressed) body.
//
//	u32 frame_len            (length of everything that follows)
//	u32 plain_body_len        (uncompressed body length, needed to size the
//	                           Decompress destination buffer)
//	header (Request or Reply, encode()'d above)
//	body bytes (compressed per header.CompressKind if non-empty)
const preambleLen = 8

// WriteRequestFrame writes a full request frame: header + body, body
// compressed according to header.CompressKind.
func WriteRequestFrame(w io.Writer, h RequestHeader, body []byte) error {
	return writeFrame(w, func(b *Buffer) { h.encode(b) }, h.CompressKind, body)
}

// WriteReplyFrame writes a full reply frame.
func WriteReplyFrame(w io.Writer, h ReplyHeader, body []byte) error {
	return writeFrame(w, func(b *Buffer) { h.encode(b) }, h.CompressKind, body)
}

func writeFrame(w io.Writer, encodeHeader func(*Buffer), kind CompressKind, plainBody []byte) error {
	compressed, err := compressBody(kind, plainBody)
	if err != nil {
		return err
	}

	hb := NewBuffer(32)
	encodeHeader(hb)

	frame := make([]byte, preambleLen+len(hb.Bytes())+len(compressed))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(frame)-4))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(plainBody)))
	copy(frame[preambleLen:], hb.Bytes())
	copy(frame[preambleLen+len(hb.Bytes()):], compressed)

	_, err = w.Write(frame)
	return err
}

// ReadRequestFrame reads one request frame from r.
func ReadRequestFrame(r io.Reader) (RequestHeader, []byte, error) {
	hdr, body, err := readFrame(r, decodeRequestHeader)
	return hdr, body, err
}

// ReadReplyFrame reads one reply frame from r.
func ReadReplyFrame(r io.Reader) (ReplyHeader, []byte, error) {
	hdr, body, err := readFrame(r, decodeReplyHeader)
	return hdr, body, err
}

func readFrame[H any](r io.Reader, decodeHeader func(*Reader) (H, error)) (H, []byte, error) {
	var zero H
	var pre [preambleLen]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return zero, nil, err
	}
	frameLen := binary.LittleEndian.Uint32(pre[0:4])
	plainLen := binary.LittleEndian.Uint32(pre[4:8])

	rest := make([]byte, frameLen-4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return zero, nil, fmt.Errorf("wire: short frame body: %w", err)
	}

	reader := NewReader(rest)
	hdr, err := decodeHeader(reader)
	if err != nil {
		return zero, nil, err
	}

	compressed := rest[len(rest)-reader.Remaining():]
	var kind CompressKind
	switch h := any(hdr).(type) {
	case RequestHeader:
		kind = h.CompressKind
	case ReplyHeader:
		kind = h.CompressKind
	}
	body, err := decompressBody(kind, compressed, int(plainLen))
	if err != nil {
		return zero, nil, err
	}
	return hdr, body, nil
}
