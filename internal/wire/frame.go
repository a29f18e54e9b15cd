package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// FrameErrorKind enumerates the frame-decode failure kinds.
type FrameErrorKind string

const (
	FrameTruncated         FrameErrorKind = "truncated"
	FrameBadLength         FrameErrorKind = "bad_length"
	FrameBadJSON           FrameErrorKind = "bad_json"
	FrameBadBase64         FrameErrorKind = "bad_base64"
	FrameUnsupportedOpcode FrameErrorKind = "unsupported_opcode"
	FrameFragmented        FrameErrorKind = "fragmented_frame"
)

type FrameError struct {
	Kind  FrameErrorKind
	Cause error
}

func (e *FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("frame: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("frame: %s", e.Kind)
}

func (e *FrameError) Unwrap() error { return e.Cause }

const lengthPrefixSize = 4

// EncodeFrame emits a 4-byte big-endian length header followed by the
// envelope's UTF-8 JSON encoding.
func EncodeFrame(env SyncEnvelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, &FrameError{Kind: FrameBadJSON, Cause: err}
	}
	buf := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf[:lengthPrefixSize], uint32(len(body)))
	copy(buf[lengthPrefixSize:], body)
	return buf, nil
}

// DecodeFrame reads the length header and parses the JSON body. It requires
// buf to contain exactly one frame (header + body); callers streaming off a
// socket should use SplitFrame to find frame boundaries first.
func DecodeFrame(buf []byte) (SyncEnvelope, error) {
	var env SyncEnvelope
	if len(buf) < lengthPrefixSize {
		return env, &FrameError{Kind: FrameTruncated}
	}
	n := binary.BigEndian.Uint32(buf[:lengthPrefixSize])
	if int(n) > len(buf)-lengthPrefixSize {
		return env, &FrameError{Kind: FrameBadLength}
	}
	body := buf[lengthPrefixSize : lengthPrefixSize+int(n)]
	if err := json.Unmarshal(body, &env); err != nil {
		if fe, ok := err.(*FrameError); ok {
			return env, fe
		}
		return env, &FrameError{Kind: FrameBadJSON, Cause: err}
	}
	return env, nil
}

// SplitFrame reports the total byte length of the next complete frame in
// buf (header + body), or 0 if buf does not yet hold a full frame, so a
// caller reading a byte stream can find frame boundaries before handing a
// single frame to DecodeFrame.
func SplitFrame(buf []byte) (frameLen int, ok bool) {
	if len(buf) < lengthPrefixSize {
		return 0, false
	}
	n := binary.BigEndian.Uint32(buf[:lengthPrefixSize])
	total := lengthPrefixSize + int(n)
	if len(buf) < total {
		return 0, false
	}
	return total, true
}
