package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func obj(id uint32, member MemberId) ObjectId {
	if id >= memberOwnedCeiling {
		return ObjectId{Id: id, Owner: RoomOwner()}
	}
	return ObjectId{Id: id, Owner: MemberOwner(member)}
}

func chan0(kind ReliabilityKind) ReliabilityGuarantees {
	return ReliabilityGuarantees{Kind: kind, Group: 0}
}

func TestCommandCodecRoundTripSameObjectDeltaCompresses(t *testing.T) {
	o := obj(1, 7)
	cmds := []Command{
		CreateGameObjectCommand{M: Meta{Object: o, Reliability: chan0(ReliabilityReliableSequence)}, TemplateId: 5, AccessGroups: 0b11},
		SetLongCommand{M: Meta{Object: o, Field: 10, HasField: true, Reliability: ReliabilityGuarantees{Kind: ReliabilityReliableSequence, Group: 0, Sequence: 1}}, Value: 5},
		SetLongCommand{M: Meta{Object: o, Field: 10, HasField: true, Reliability: ReliabilityGuarantees{Kind: ReliabilityReliableSequence, Group: 0, Sequence: 2}}, Value: 7},
		CreatedGameObjectCommand{M: Meta{Object: o, Reliability: ReliabilityGuarantees{Kind: ReliabilityReliableSequence, Group: 0, Sequence: 3}}},
	}

	buf, err := encodeCommands(nil, cmds)
	require.NoError(t, err)

	decoded, err := decodeCommands(buf)
	require.NoError(t, err)
	require.Len(t, decoded, len(cmds))

	for i, c := range cmds {
		require.Equal(t, c.Kind(), decoded[i].Kind())
		require.Equal(t, c.Meta().Object, decoded[i].Meta().Object)
	}

	// Re-sending the same object id twice should cost fewer bytes than two
	// independent full ids: the second SetLong only needs header+value+seq.
	single := must(encodeCommands(nil, []Command{cmds[1]}))
	pair := must(encodeCommands(nil, cmds[1:3]))
	require.Less(t, len(pair)-len(single), len(single))
}

func must(b []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return b
}

func TestCommandCodecCompareAndSetStructure(t *testing.T) {
	o := obj(2, 3)
	cmd := CompareAndSetStructureCommand{
		M:        Meta{Object: o, Field: 20, HasField: true, Reliability: chan0(ReliabilityReliableUnordered)},
		Current:  []byte{1, 2},
		New:      []byte{3, 4, 5},
		HasReset: true,
		Reset:    []byte{9},
	}
	buf, err := encodeCommands(nil, []Command{cmd})
	require.NoError(t, err)
	decoded, err := decodeCommands(buf)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	got := decoded[0].(CompareAndSetStructureCommand)
	require.Equal(t, cmd.Current, got.Current)
	require.Equal(t, cmd.New, got.New)
	require.True(t, got.HasReset)
	require.Equal(t, cmd.Reset, got.Reset)
}

func TestCommandCodecForwardedCreator(t *testing.T) {
	o := obj(3, 1)
	inner := SetLongCommand{M: Meta{Object: o, Field: 1, HasField: true, Reliability: chan0(ReliabilityReliableUnordered)}, Value: 42}
	fwd := ForwardedCommand{
		M:       Meta{Object: o, Reliability: chan0(ReliabilityReliableUnordered), Creator: 9},
		Creator: 9,
		Inner:   inner,
	}
	buf, err := encodeCommands(nil, []Command{fwd})
	require.NoError(t, err)
	decoded, err := decodeCommands(buf)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	got := decoded[0].(ForwardedCommand)
	require.Equal(t, MemberId(9), got.Creator)
	innerGot := got.Inner.(SetLongCommand)
	require.Equal(t, int64(42), innerGot.Value)
}

func TestDecodeCommandsEmptyStream(t *testing.T) {
	// An empty command stream decodes to no commands without error.
	buf := putUvarint(nil, 0)
	decoded, err := decodeCommands(buf)
	require.NoError(t, err)
	require.Empty(t, decoded)
}
