package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relay/protocol"
)

func reliableFrame(id protocol.FrameId) *protocol.Frame {
	return &protocol.Frame{
		FrameId: id,
		Commands: []protocol.Command{
			protocol.DeleteCommand{M: protocol.Meta{
				Object:      protocol.ObjectId{Id: 1, Owner: protocol.MemberOwner(1)},
				Reliability: protocol.ReliabilityGuarantees{Kind: protocol.ReliabilityReliableUnordered},
			}},
		},
	}
}

func TestObserveUnreliableFrameNotScheduled(t *testing.T) {
	e := NewEngine()
	frame := &protocol.Frame{FrameId: 1}
	e.Observe(frame, time.Now())
	require.False(t, e.Disconnected())
	_, ok := e.PollRetransmit(time.Now().Add(time.Hour), 2)
	require.False(t, ok)
}

func TestRetransmitAfterTimeout(t *testing.T) {
	e := NewEngineWithTimeout(10 * time.Millisecond)
	now := time.Now()
	e.Observe(reliableFrame(1), now)

	_, ok := e.PollRetransmit(now, 2)
	require.False(t, ok, "not due yet")

	later := now.Add(20 * time.Millisecond)
	retx, ok := e.PollRetransmit(later, 2)
	require.True(t, ok)
	require.Equal(t, protocol.FrameId(2), retx.FrameId)

	hdr, found := retx.HeaderByKind(protocol.HeaderKindRetransmit)
	require.True(t, found)
	rt := hdr.(*protocol.RetransmitHeader)
	require.Equal(t, protocol.FrameId(1), rt.OriginalFrameId)
	require.Equal(t, uint16(1), rt.RetransmitCount)
}

func TestAckClearsPending(t *testing.T) {
	e := NewEngineWithTimeout(10 * time.Millisecond)
	now := time.Now()
	e.Observe(reliableFrame(1), now)

	e.OnAck([]protocol.Header{&protocol.AckHeader{Ranges: []protocol.AckRange{{Start: 1, Count: 1}}}})

	_, ok := e.PollRetransmit(now.Add(time.Second), 2)
	require.False(t, ok, "acked frame must not be retransmitted")
}

func TestDisconnectedAfterRetransmitLimit(t *testing.T) {
	e := NewEngineWithTimeout(time.Millisecond)
	now := time.Now()
	e.Observe(reliableFrame(1), now)

	nextID := protocol.FrameId(2)
	for i := 0; i < RetransmitLimit; i++ {
		now = now.Add(2 * time.Millisecond)
		_, ok := e.PollRetransmit(now, nextID)
		require.True(t, ok)
		nextID++
	}
	require.True(t, e.Disconnected())
}

func TestDisconnectedOnQueueOverflow(t *testing.T) {
	e := NewEngineWithTimeout(time.Hour)
	now := time.Now()
	for i := 0; i < BufferCapacity+1; i++ {
		e.Observe(reliableFrame(protocol.FrameId(i+1)), now)
	}
	require.True(t, e.Disconnected())
}

func TestAckHeaderCollapsesContiguousRanges(t *testing.T) {
	e := NewEngine()
	now := time.Now()
	for _, id := range []protocol.FrameId{1, 2, 3, 10} {
		e.MarkReceived(id, now)
	}
	ack, ok := e.BuildAck()
	require.True(t, ok)
	require.Equal(t, []protocol.AckRange{{Start: 1, Count: 3}, {Start: 10, Count: 1}}, ack.Ranges)

	_, ok = e.BuildAck()
	require.False(t, ok, "draining leaves nothing for the next call")
}

func TestNeedsCarrierAfterHalfTimeout(t *testing.T) {
	e := NewEngineWithTimeout(20 * time.Millisecond)
	now := time.Now()
	e.MarkReceived(1, now)
	require.False(t, e.NeedsCarrier(now))
	require.True(t, e.NeedsCarrier(now.Add(15*time.Millisecond)))
}
