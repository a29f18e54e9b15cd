package lanserver

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"github.com/callzhang/hypo/internal/wire"
)

// WebSocket opcodes handled by the server-side frame parser.
const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xA
)

// maxFramePayload caps a single inbound frame payload.
const maxFramePayload = 1 << 30

var errUnmaskedClientFrame = errors.New("lanserver: client frame is not masked")

// frame is one parsed client frame.
type frame struct {
	fin     bool
	opcode  byte
	payload []byte
}

// readFrame parses a single client-to-server frame: FIN, opcode, the
// mandatory client mask, 7/16/64-bit extended lengths, and unmasks the
// payload. Fragmentation is the caller's concern; readFrame only reports
// fin/opcode.
func readFrame(br *bufio.Reader) (frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return frame{}, err
	}
	f := frame{fin: hdr[0]&0x80 != 0, opcode: hdr[0] & 0x0f}
	masked := hdr[1]&0x80 != 0
	length := uint64(hdr[1] & 0x7f)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(br, ext[:]); err != nil {
			return frame{}, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(br, ext[:]); err != nil {
			return frame{}, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > maxFramePayload {
		return frame{}, &wire.FrameError{Kind: wire.FrameBadLength}
	}
	if !masked {
		return frame{}, errUnmaskedClientFrame
	}
	var key [4]byte
	if _, err := io.ReadFull(br, key[:]); err != nil {
		return frame{}, err
	}
	f.payload = make([]byte, length)
	if _, err := io.ReadFull(br, f.payload); err != nil {
		return frame{}, err
	}
	for i := range f.payload {
		f.payload[i] ^= key[i%4]
	}
	return f, nil
}

// writeFrame emits one server-to-client frame: FIN set, unmasked, as RFC
// 6455 requires of servers.
func writeFrame(w io.Writer, opcode byte, payload []byte) error {
	hdr := make([]byte, 0, 10)
	hdr = append(hdr, 0x80|opcode)
	switch {
	case len(payload) < 126:
		hdr = append(hdr, byte(len(payload)))
	case len(payload) <= 0xffff:
		hdr = append(hdr, 126, byte(len(payload)>>8), byte(len(payload)))
	default:
		hdr = append(hdr, 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(len(payload)))
		hdr = append(hdr, ext[:]...)
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
