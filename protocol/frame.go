package protocol

import (
	"errors"
	"fmt"
)

// MagicBytes and ProtocolVersion are checked verbatim on every datagram; a
// mismatch drops the datagram the same as a malformed prefix (spec.md §4.1,
// "Open Questions" — the source never fixed these, so we do).
var MagicBytes = [2]byte{0xCA, 0xFE}

const ProtocolVersion byte = 1

// MaxFrameSize is small enough to avoid IP fragmentation on the public
// internet path. Callers that would overflow it must split commands across
// additional frames rather than fragment this one (spec.md §4.1).
const MaxFrameSize = 512

// Frame is one UDP datagram's worth of protocol state.
type Frame struct {
	FrameId          FrameId
	ConnectionId     uint64
	ReliabilityFlag  bool
	MemberAndRoomId  MemberAndRoomIdHeader
	Headers          []Header // all headers except MemberAndRoomId
	Commands         []Command
}

// HasReliableCommand reports whether any command in the frame travels under
// a reliable guarantee (ReliabilityKind.Reliable).
func (f *Frame) HasReliableCommand() bool {
	for _, c := range f.Commands {
		if c.Meta().Reliability.Kind.Reliable() {
			return true
		}
	}
	return false
}

// ReliableOnly returns a copy of the frame retaining only its reliable
// commands, used by the reliability engine when scheduling retransmission
// (spec.md §4.2 "observe").
func (f *Frame) ReliableOnly() *Frame {
	out := *f
	out.Commands = nil
	for _, c := range f.Commands {
		if c.Meta().Reliability.Kind.Reliable() {
			out.Commands = append(out.Commands, c)
		}
	}
	return &out
}

// HeaderByKind returns the first header of the given kind, if present.
func (f *Frame) HeaderByKind(kind HeaderKind) (Header, bool) {
	for _, h := range f.Headers {
		if h.Kind() == kind {
			return h, true
		}
	}
	return nil, false
}

// KeyLookup resolves the Cipher for the member identified by a frame's clear
// MemberAndRoomId header. It returns false if the member/room pair is
// unknown, causing the datagram to be dropped.
type KeyLookup func(MemberAndRoomIdHeader) (*Cipher, bool)

// FrameCodec encodes and decodes frames to/from UDP datagrams.
type FrameCodec struct{}

// NewFrameCodec returns a ready-to-use FrameCodec. It holds no state.
func NewFrameCodec() *FrameCodec { return &FrameCodec{} }

// Encode serializes frame, encrypting everything but the clear prefix with
// cipher. The caller is responsible for keeping the result within
// MaxFrameSize.
func (c *FrameCodec) Encode(frame *Frame, cipher *Cipher) ([]byte, error) {
	clear := make([]byte, 0, 32)
	clear = append(clear, MagicBytes[0], MagicBytes[1], ProtocolVersion)
	clear = putUvarint(clear, frame.ConnectionId)
	clear = putUvarint(clear, uint64(frame.FrameId))
	if frame.ReliabilityFlag {
		clear = append(clear, 1)
	} else {
		clear = append(clear, 0)
	}
	clear = frame.MemberAndRoomId.encode(clear)

	body := make([]byte, 0, 128)
	body = putUvarint(body, uint64(len(frame.Headers)))
	for _, h := range frame.Headers {
		body = append(body, byte(h.Kind()))
		body = h.encode(body)
	}
	var err error
	body, err = encodeCommands(body, frame.Commands)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode commands: %w", err)
	}

	sealed := cipher.Seal(frame.FrameId, frame.ConnectionId, clear, body)
	out := make([]byte, 0, len(clear)+len(sealed))
	out = append(out, clear...)
	out = append(out, sealed...)
	if len(out) > MaxFrameSize {
		return nil, fmt.Errorf("protocol: encoded frame is %d bytes, exceeds MaxFrameSize %d", len(out), MaxFrameSize)
	}
	return out, nil
}

// clearPrefixErr is returned (never to the wire) when the clear prefix itself
// cannot be parsed; decode treats this identically to an auth failure: drop
// silently.
var clearPrefixErr = errors.New("protocol: malformed clear prefix")

// Decode parses a datagram in two stages: the clear prefix (to learn which
// member the frame claims to be from), then the encrypted body, once
// lookup resolves a Cipher. Any failure returns an error; callers must drop
// the datagram rather than propagate a fault to the peer (spec.md §4.1/§7).
func (c *FrameCodec) Decode(data []byte, lookup KeyLookup) (*Frame, error) {
	if len(data) < 4 {
		return nil, clearPrefixErr
	}
	if data[0] != MagicBytes[0] || data[1] != MagicBytes[1] {
		return nil, clearPrefixErr
	}
	if data[2] != ProtocolVersion {
		return nil, clearPrefixErr
	}
	rest := data[3:]

	connID, rest, err := takeUvarint(rest)
	if err != nil {
		return nil, clearPrefixErr
	}
	frameID, rest, err := takeUvarint(rest)
	if err != nil {
		return nil, clearPrefixErr
	}
	if len(rest) < 1 {
		return nil, clearPrefixErr
	}
	reliabilityFlag := rest[0] != 0
	rest = rest[1:]

	var marh MemberAndRoomIdHeader
	rest, err = marh.decode(rest)
	if err != nil {
		return nil, clearPrefixErr
	}

	clearLen := len(data) - len(rest)
	clear := data[:clearLen]
	ciphertext := rest

	cipher, ok := lookup(marh)
	if !ok {
		return nil, fmt.Errorf("protocol: unknown member/room %+v", marh)
	}

	plaintext, err := cipher.Open(FrameId(frameID), connID, clear, ciphertext)
	if err != nil {
		return nil, err
	}

	frame := &Frame{
		FrameId:         FrameId(frameID),
		ConnectionId:    connID,
		ReliabilityFlag: reliabilityFlag,
		MemberAndRoomId: marh,
	}

	headerCount, body, err := takeUvarint(plaintext)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode header count: %w", err)
	}
	for i := uint64(0); i < headerCount; i++ {
		if len(body) < 1 {
			return nil, ErrTruncated
		}
		kind := HeaderKind(body[0])
		body = body[1:]
		h, next, err := decodeHeader(kind, body)
		if err != nil {
			return nil, fmt.Errorf("protocol: decode header: %w", err)
		}
		frame.Headers = append(frame.Headers, h)
		body = next
	}

	commands, err := decodeCommands(body)
	frame.Commands = commands
	if err != nil {
		return frame, fmt.Errorf("protocol: decode commands: %w", err)
	}
	return frame, nil
}

// putBytes appends a blob prefixed with its length as an unsigned varint,
// used by Structure fields.
func putBytes(buf []byte, b []byte) []byte {
	buf = putUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func takeBytes(buf []byte) ([]byte, []byte, error) {
	n, rest, err := takeUvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < n {
		return nil, nil, ErrTruncated
	}
	return rest[:n], rest[n:], nil
}
