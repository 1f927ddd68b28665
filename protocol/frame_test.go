package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	var key PrivateKey
	for i := range key {
		key[i] = byte(i)
	}
	c, err := NewCipher(key)
	require.NoError(t, err)
	return c
}

func TestFrameCodecRoundTrip(t *testing.T) {
	cipher := testCipher(t)
	o := obj(1, 2)
	frame := &Frame{
		FrameId:         42,
		ConnectionId:    7,
		ReliabilityFlag: true,
		MemberAndRoomId: MemberAndRoomIdHeader{RoomId: 100, MemberId: 2},
		Headers: []Header{
			&AckHeader{Ranges: []AckRange{{Start: 1, Count: 3}}},
		},
		Commands: []Command{
			SetLongCommand{M: Meta{Object: o, Field: 1, HasField: true, Reliability: chan0(ReliabilityReliableUnordered)}, Value: 99},
		},
	}

	data, err := NewFrameCodec().Encode(frame, cipher)
	require.NoError(t, err)
	require.LessOrEqual(t, len(data), MaxFrameSize)

	lookup := func(h MemberAndRoomIdHeader) (*Cipher, bool) {
		if h.RoomId == 100 && h.MemberId == 2 {
			return cipher, true
		}
		return nil, false
	}

	decoded, err := NewFrameCodec().Decode(data, lookup)
	require.NoError(t, err)
	require.Equal(t, frame.FrameId, decoded.FrameId)
	require.Equal(t, frame.ConnectionId, decoded.ConnectionId)
	require.Equal(t, frame.ReliabilityFlag, decoded.ReliabilityFlag)
	require.Len(t, decoded.Commands, 1)
	got := decoded.Commands[0].(SetLongCommand)
	require.Equal(t, int64(99), got.Value)
}

func TestFrameCodecRejectsUnknownMember(t *testing.T) {
	cipher := testCipher(t)
	frame := &Frame{FrameId: 1, MemberAndRoomId: MemberAndRoomIdHeader{RoomId: 1, MemberId: 1}}
	data, err := NewFrameCodec().Encode(frame, cipher)
	require.NoError(t, err)

	_, err = NewFrameCodec().Decode(data, func(MemberAndRoomIdHeader) (*Cipher, bool) { return nil, false })
	require.Error(t, err)
}

func TestFrameCodecDropsTamperedFrame(t *testing.T) {
	cipher := testCipher(t)
	frame := &Frame{FrameId: 1, MemberAndRoomId: MemberAndRoomIdHeader{RoomId: 1, MemberId: 1}}
	data, err := NewFrameCodec().Encode(frame, cipher)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff

	_, err = NewFrameCodec().Decode(data, func(MemberAndRoomIdHeader) (*Cipher, bool) { return cipher, true })
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestFrameCodecRejectsBadMagic(t *testing.T) {
	_, err := NewFrameCodec().Decode([]byte{0, 0, 0, 0}, nil)
	require.ErrorIs(t, err, clearPrefixErr)
}
