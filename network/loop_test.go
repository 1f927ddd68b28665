package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"relay/internal/metrics"
	"relay/management"
	"relay/protocol"
	"relay/room"
	"relay/testutil"

	"github.com/rs/zerolog"
)

func testConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:0",
		AckTimeout:        20 * time.Millisecond,
		RetransmitLimit:   3,
		MaxFrameInterval:  10 * time.Second,
		MaxRooms:          8,
		MaxMembersPerRoom: 8,
	}
}

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	return startLoopWithConfig(t, testConfig())
}

func startLoopWithConfig(t *testing.T, cfg Config) (*Loop, context.CancelFunc) {
	t.Helper()
	l, err := NewLoop(cfg, metrics.New(), zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	return l, cancel
}

func TestAttachReceivesPredefinedObjectSnapshot(t *testing.T) {
	defer goleak.VerifyNone(t)
	l, cancel := startLoop(t)
	defer cancel()

	roomID, err := l.CreateRoom(management.RoomConfig{DefaultPermission: protocol.PermissionRw})
	require.NoError(t, err)

	predefined := []room.PredefinedObject{{
		LocalId:      1,
		TemplateId:   7,
		AccessGroups: 1,
		Fields: map[protocol.FieldId]room.FieldValue{
			10: {Kind: room.FieldKindLong, Long: 42},
		},
	}}
	memberID, key, err := l.CreateMember(roomID, management.MemberConfig{AccessGroups: 1, PredefinedObjects: predefined})
	require.NoError(t, err)

	client, err := testutil.Dial(l.LocalAddr().String(), roomID, memberID, key)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Send([]protocol.Command{protocol.AttachToRoomCommand{M: protocol.Meta{Reliability: protocol.DefaultChannel}}})
	require.NoError(t, err)

	frame, err := client.Receive(2 * time.Second)
	require.NoError(t, err)

	var found bool
	for _, cmd := range frame.Commands {
		if create, ok := cmd.(protocol.S2CCreateCommand); ok && create.TemplateId == 7 {
			found = true
		}
	}
	require.True(t, found, "expected the attaching member to receive its predefined object snapshot")
}

func TestSessionRebindsToNewAddressOnHigherConnectionId(t *testing.T) {
	defer goleak.VerifyNone(t)
	l, cancel := startLoop(t)
	defer cancel()

	roomID, err := l.CreateRoom(management.RoomConfig{DefaultPermission: protocol.PermissionRw})
	require.NoError(t, err)
	memberID, key, err := l.CreateMember(roomID, management.MemberConfig{AccessGroups: 1})
	require.NoError(t, err)

	original, err := testutil.Dial(l.LocalAddr().String(), roomID, memberID, key)
	require.NoError(t, err)
	defer original.Close()

	_, err = original.Send([]protocol.Command{protocol.AttachToRoomCommand{M: protocol.Meta{Reliability: protocol.DefaultChannel}}})
	require.NoError(t, err)
	_, err = original.Receive(2 * time.Second)
	require.NoError(t, err)

	rebound, err := testutil.Dial(l.LocalAddr().String(), roomID, memberID, key)
	require.NoError(t, err)
	defer rebound.Close()
	rebound.SetConnectionId(2)

	_, err = rebound.Send([]protocol.Command{protocol.DetachFromRoomCommand{M: protocol.Meta{Reliability: protocol.ReliabilityGuarantees{Kind: protocol.ReliabilityUnreliableUnordered}}}})
	require.NoError(t, err)

	_, err = original.Receive(200 * time.Millisecond)
	require.Error(t, err, "the superseded address must stop receiving traffic for this session")
}

func TestRetransmitLimitDisconnectsMember(t *testing.T) {
	defer goleak.VerifyNone(t)
	l, cancel := startLoop(t)
	defer cancel()

	roomID, err := l.CreateRoom(management.RoomConfig{DefaultPermission: protocol.PermissionRw})
	require.NoError(t, err)
	predefined := []room.PredefinedObject{{LocalId: 1, TemplateId: 1, AccessGroups: 1}}
	memberID, key, err := l.CreateMember(roomID, management.MemberConfig{AccessGroups: 1, PredefinedObjects: predefined})
	require.NoError(t, err)

	client, err := testutil.Dial(l.LocalAddr().String(), roomID, memberID, key)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Send([]protocol.Command{protocol.AttachToRoomCommand{M: protocol.Meta{Reliability: protocol.DefaultChannel}}})
	require.NoError(t, err)
	_, err = client.Receive(2 * time.Second)
	require.NoError(t, err, "must receive the initial reliable snapshot before it goes unacknowledged")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		count, err := l.GetRoomMembersCount(roomID)
		require.NoError(t, err)
		if count == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("member was never disconnected after exceeding the retransmit limit")
}

// TestAckingRetransmitKeepsMemberAlive guards against the retransmit/ack
// bookkeeping regression where a retransmitted frame's Ack never cleared the
// sender's original pendingAck entry (because a retransmission carries a
// fresh FrameId, and because re-observing the retransmit frame spawned a
// second pendingAck entry on top of the original). A silent client, like the
// one in TestRetransmitLimitDisconnectsMember, can't distinguish those bugs
// from a correctly-never-acked connection, so this one actually acks.
func TestAckingRetransmitKeepsMemberAlive(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := testConfig()
	cfg.RetransmitLimit = 50 // leave headroom to ack mid-retransmit without racing the limit
	l, cancel := startLoopWithConfig(t, cfg)
	defer cancel()

	roomID, err := l.CreateRoom(management.RoomConfig{DefaultPermission: protocol.PermissionRw})
	require.NoError(t, err)
	predefined := []room.PredefinedObject{{LocalId: 1, TemplateId: 1, AccessGroups: 1}}
	memberID, key, err := l.CreateMember(roomID, management.MemberConfig{AccessGroups: 1, PredefinedObjects: predefined})
	require.NoError(t, err)

	client, err := testutil.Dial(l.LocalAddr().String(), roomID, memberID, key)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Send([]protocol.Command{protocol.AttachToRoomCommand{M: protocol.Meta{Reliability: protocol.DefaultChannel}}})
	require.NoError(t, err)

	var retransmit *protocol.Frame
	for i := 0; i < 20; i++ {
		frame, err := client.Receive(2 * time.Second)
		require.NoError(t, err, "expected the relay to retransmit the unacked reliable frame")
		if _, ok := frame.HeaderByKind(protocol.HeaderKindRetransmit); ok {
			retransmit = frame
			break
		}
	}
	require.NotNil(t, retransmit, "never observed a retransmission")

	ack := testutil.AckFor(retransmit)
	_, err = client.Send(nil, &ack)
	require.NoError(t, err)

	// Wait long enough for an unacknowledged frame to be retransmitted past
	// the retransmit limit (one retransmission every AckTimeout plus at most
	// one 10ms tick); if the ack failed to clear the original pendingAck entry
	// the member would be disconnected by now.
	time.Sleep(2 * time.Duration(cfg.RetransmitLimit) * cfg.AckTimeout)
	count, err := l.GetRoomMembersCount(roomID)
	require.NoError(t, err)
	require.Equal(t, 1, count, "member must survive once its retransmitted frame is acked")
}
