package multiplex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"relay/protocol"
)

func seqCmd(group protocol.ChannelGroup, seq protocol.ChannelSequence, kind protocol.ReliabilityKind) protocol.Command {
	return protocol.DeleteCommand{M: protocol.Meta{
		Object:      protocol.ObjectId{Id: 1, Owner: protocol.MemberOwner(1)},
		Reliability: protocol.ReliabilityGuarantees{Kind: kind, Group: group, Sequence: seq},
	}}
}

func seqOf(cmds []protocol.Command) []protocol.ChannelSequence {
	out := make([]protocol.ChannelSequence, len(cmds))
	for i, c := range cmds {
		out[i] = c.Meta().Reliability.Sequence
	}
	return out
}

func TestUnreliableUnorderedDeliversImmediately(t *testing.T) {
	m := New(nil)
	m.Collect(seqCmd(0, 0, protocol.ReliabilityUnreliableUnordered))
	require.Len(t, m.ReadyCommands(), 1)
	require.Empty(t, m.ReadyCommands(), "second call without Collect returns empty")
}

func TestOrderedDropsStaleSequence(t *testing.T) {
	m := New(nil)
	m.Collect(seqCmd(1, 5, protocol.ReliabilityReliableOrdered))
	m.Collect(seqCmd(1, 3, protocol.ReliabilityReliableOrdered)) // stale, dropped
	m.Collect(seqCmd(1, 7, protocol.ReliabilityReliableOrdered))
	require.Equal(t, []protocol.ChannelSequence{5, 7}, seqOf(m.ReadyCommands()))
}

func TestSequencedBuffersOutOfOrderThenDrains(t *testing.T) {
	m := New(nil)
	m.Collect(seqCmd(2, 0, protocol.ReliabilityReliableSequence))
	m.Collect(seqCmd(2, 2, protocol.ReliabilityReliableSequence))
	m.Collect(seqCmd(2, 3, protocol.ReliabilityReliableSequence))
	require.Equal(t, []protocol.ChannelSequence{0}, seqOf(m.ReadyCommands()), "2 and 3 wait for 1")

	m.Collect(seqCmd(2, 1, protocol.ReliabilityReliableSequence))
	require.Equal(t, []protocol.ChannelSequence{1, 2, 3}, seqOf(m.ReadyCommands()))
}

func TestSequencedDropsOnBufferOverflow(t *testing.T) {
	var dropped []protocol.ChannelGroup
	m := New(func(g protocol.ChannelGroup, reason string) { dropped = append(dropped, g) })
	// Never send seq 0, so everything else buffers until overflow.
	for i := 1; i <= MaxSequenceBuffer+1; i++ {
		m.Collect(seqCmd(3, protocol.ChannelSequence(i), protocol.ReliabilityReliableSequence))
	}
	require.NotEmpty(t, dropped)
	require.Empty(t, m.ReadyCommands(), "nothing delivered, seq 0 never arrived")
}

func TestIndependentGroupsDoNotInterfere(t *testing.T) {
	m := New(nil)
	m.Collect(seqCmd(1, 0, protocol.ReliabilityReliableSequence))
	m.Collect(seqCmd(2, 0, protocol.ReliabilityReliableSequence))
	require.Len(t, m.ReadyCommands(), 2)
}
