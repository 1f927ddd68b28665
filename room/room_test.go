package room

import (
	"testing"

	"github.com/stretchr/testify/require"

	"relay/protocol"
)

const (
	testTemplate protocol.TemplateId   = 1
	testFieldHP  protocol.FieldId      = 10
	allAccess    protocol.AccessGroups = 0xFFFFFFFFFFFFFFFF &^ protocol.SuperMemberGroup
)

var rwChannel = protocol.DefaultChannel

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	return NewRoom(1, NewPermissionTable(protocol.PermissionRw))
}

func attach(r *Room, id protocol.MemberId) {
	r.ExecuteCommands(id, []protocol.Command{AttachToRoomCmd(id)})
}

// AttachToRoomCmd builds an AttachToRoomCommand addressed to no particular
// object, matching how a client signals "start sending me broadcasts".
func AttachToRoomCmd(member protocol.MemberId) protocol.Command {
	return protocol.AttachToRoomCommand{M: protocol.Meta{Reliability: rwChannel, Creator: member}}
}

func createObject(r *Room, owner protocol.MemberId, localId uint32, groups protocol.AccessGroups) protocol.ObjectId {
	oid := protocol.ObjectId{Id: localId, Owner: protocol.MemberOwner(owner)}
	r.ExecuteCommands(owner, []protocol.Command{
		protocol.CreateGameObjectCommand{
			M:            protocol.Meta{Object: oid, Reliability: rwChannel},
			TemplateId:   testTemplate,
			AccessGroups: groups,
		},
		protocol.CreatedGameObjectCommand{M: protocol.Meta{Object: oid, Reliability: rwChannel}},
	})
	return oid
}

// S1: a non-owner with only Ro on a field cannot mutate it; the object's
// owner, exempt from the field permission, can, and the write reaches every
// attached member sharing the object's access groups.
func TestPermissionGateBlocksReadOnlyWriter(t *testing.T) {
	r := newTestRoom(t)
	r.permissions.SetTemplateFieldRules(testTemplate, testFieldHP, []PermissionRule{
		{Groups: allAccess, Permission: protocol.PermissionRo},
	})

	owner := r.RegisterMember(Template{AccessGroups: allAccess})
	reader := r.RegisterMember(Template{AccessGroups: allAccess})
	attach(r, owner)
	attach(r, reader)

	oid := createObject(r, owner, 100, allAccess)

	err := r.ExecuteCommands(reader, []protocol.Command{
		protocol.SetLongCommand{M: protocol.Meta{Object: oid, Field: testFieldHP, HasField: true, Reliability: rwChannel}, Value: 42},
	})
	require.NoError(t, err) // command is dropped, not a transport error

	readerMember, _ := r.Member(reader)
	for _, cmd := range readerMember.DrainOutbound() {
		require.NotEqual(t, protocol.KindS2CSetLong, cmd.Kind(), "read-only member's write must not be applied or echoed")
	}

	err = r.ExecuteCommands(owner, []protocol.Command{
		protocol.SetLongCommand{M: protocol.Meta{Object: oid, Field: testFieldHP, HasField: true, Reliability: rwChannel}, Value: 7},
	})
	require.NoError(t, err)

	obj, ok := r.objects[oid]
	require.True(t, ok)
	v, ok := obj.Long(testFieldHP)
	require.True(t, ok)
	require.Equal(t, int64(7), v)

	found := false
	for _, cmd := range readerMember.DrainOutbound() {
		if set, ok := cmd.(protocol.S2CSetLongCommand); ok && set.M.Object == oid && set.Value == 7 {
			found = true
		}
	}
	require.True(t, found, "owner's write must fan out to the reader")
}

// S2: compare-and-set installs a reset value, and disconnecting the member
// that won the CAS rolls the field back — but only if no later winner has
// since overwritten it.
func TestCompareAndSetRollbackOnDisconnect(t *testing.T) {
	r := newTestRoom(t)
	owner := r.RegisterMember(Template{AccessGroups: allAccess})
	other := r.RegisterMember(Template{AccessGroups: allAccess})
	attach(r, owner)
	attach(r, other)

	oid := createObject(r, owner, 200, allAccess)
	r.ExecuteCommands(owner, []protocol.Command{
		protocol.SetLongCommand{M: protocol.Meta{Object: oid, Field: testFieldHP, HasField: true, Reliability: rwChannel}, Value: 100},
	})

	err := r.ExecuteCommands(other, []protocol.Command{
		protocol.CompareAndSetLongCommand{
			M:        protocol.Meta{Object: oid, Field: testFieldHP, HasField: true, Reliability: rwChannel},
			Current:  100,
			New:      50,
			HasReset: true,
			Reset:    100,
		},
	})
	require.NoError(t, err)

	obj := r.objects[oid]
	v, _ := obj.Long(testFieldHP)
	require.Equal(t, int64(50), v)

	require.NoError(t, r.DisconnectMember(other))

	v, _ = obj.Long(testFieldHP)
	require.Equal(t, int64(100), v, "disconnect must roll the field back to the registered reset value")
}

func TestCompareAndSetRollbackSkippedWhenLaterWinnerOverrides(t *testing.T) {
	r := newTestRoom(t)
	owner := r.RegisterMember(Template{AccessGroups: allAccess})
	first := r.RegisterMember(Template{AccessGroups: allAccess})
	second := r.RegisterMember(Template{AccessGroups: allAccess})
	attach(r, owner)
	attach(r, first)
	attach(r, second)

	oid := createObject(r, owner, 201, allAccess)
	r.ExecuteCommands(owner, []protocol.Command{
		protocol.SetLongCommand{M: protocol.Meta{Object: oid, Field: testFieldHP, HasField: true, Reliability: rwChannel}, Value: 10},
	})

	r.ExecuteCommands(first, []protocol.Command{
		protocol.CompareAndSetLongCommand{
			M: protocol.Meta{Object: oid, Field: testFieldHP, HasField: true, Reliability: rwChannel},
			Current: 10, New: 20, HasReset: true, Reset: 10,
		},
	})
	r.ExecuteCommands(second, []protocol.Command{
		protocol.CompareAndSetLongCommand{
			M: protocol.Meta{Object: oid, Field: testFieldHP, HasField: true, Reliability: rwChannel},
			Current: 20, New: 30, HasReset: true, Reset: 20,
		},
	})

	require.NoError(t, r.DisconnectMember(first))

	obj := r.objects[oid]
	v, _ := obj.Long(testFieldHP)
	require.Equal(t, int64(30), v, "first winner's stale reset must not clobber the second winner's value")
}

// S6: committing a second object under an already-registered singleton key
// is a silent no-op, not an error or a second broadcast object.
func TestSingletonKeyCommitIsIdempotent(t *testing.T) {
	r := newTestRoom(t)
	owner := r.RegisterMember(Template{AccessGroups: allAccess})
	attach(r, owner)

	key := []byte("team-red-flag")

	first := protocol.ObjectId{Id: 300, Owner: protocol.MemberOwner(owner)}
	r.ExecuteCommands(owner, []protocol.Command{
		protocol.CreateGameObjectCommand{M: protocol.Meta{Object: first, Reliability: rwChannel}, TemplateId: testTemplate, AccessGroups: allAccess},
		protocol.CreatedGameObjectCommand{M: protocol.Meta{Object: first, Reliability: rwChannel}, SingletonKey: key},
	})
	_, ok := r.objects[first]
	require.True(t, ok)

	second := protocol.ObjectId{Id: 301, Owner: protocol.MemberOwner(owner)}
	r.ExecuteCommands(owner, []protocol.Command{
		protocol.CreateGameObjectCommand{M: protocol.Meta{Object: second, Reliability: rwChannel}, TemplateId: testTemplate, AccessGroups: allAccess},
		protocol.CreatedGameObjectCommand{M: protocol.Meta{Object: second, Reliability: rwChannel}, SingletonKey: key},
	})

	_, stillThere := r.objects[first]
	require.True(t, stillThere)
	_, duplicateCommitted := r.objects[second]
	require.False(t, duplicateCommitted, "second object must be dropped, not registered under the taken key")
	require.Equal(t, first, r.singletonKeys[string(key)])
}

func TestAttachReplaysExistingObjectsInInsertionOrder(t *testing.T) {
	r := newTestRoom(t)
	owner := r.RegisterMember(Template{AccessGroups: allAccess})
	attach(r, owner)

	o1 := createObject(r, owner, 400, allAccess)
	o2 := createObject(r, owner, 401, allAccess)

	late := r.RegisterMember(Template{AccessGroups: allAccess})
	attach(r, late)

	lateMember, _ := r.Member(late)
	var createdOrder []protocol.ObjectId
	for _, cmd := range lateMember.DrainOutbound() {
		if c, ok := cmd.(protocol.S2CCreateCommand); ok {
			createdOrder = append(createdOrder, c.M.Object)
		}
	}
	require.Equal(t, []protocol.ObjectId{o1, o2}, createdOrder)
}

func TestDisconnectRemovesOwnedObjectsAndNotifiesSuperMember(t *testing.T) {
	r := newTestRoom(t)
	super := r.RegisterMember(Template{AccessGroups: protocol.SuperMemberGroup | allAccess})
	attach(r, super)

	owner := r.RegisterMember(Template{AccessGroups: allAccess})
	attach(r, owner)
	oid := createObject(r, owner, 500, allAccess)

	superMember, _ := r.Member(super)
	superMember.DrainOutbound()

	require.NoError(t, r.DisconnectMember(owner))

	_, exists := r.objects[oid]
	require.False(t, exists)

	sawDisconnect := false
	for _, cmd := range superMember.DrainOutbound() {
		if d, ok := cmd.(protocol.S2CMemberDisconnectedCommand); ok && d.Member == owner {
			sawDisconnect = true
		}
	}
	require.True(t, sawDisconnect)
}

// An object's owner must not receive its own write echoed back when no
// other access group has write access to that field: nobody else could
// have changed it, so the owner already knows the value it just set.
func TestOwnerEchoSuppressedWhenNoOtherWriter(t *testing.T) {
	r := NewRoom(1, NewPermissionTable(protocol.PermissionRo))
	owner := r.RegisterMember(Template{AccessGroups: allAccess})
	other := r.RegisterMember(Template{AccessGroups: allAccess})
	attach(r, owner)
	attach(r, other)

	oid := createObject(r, owner, 600, allAccess)

	err := r.ExecuteCommands(owner, []protocol.Command{
		protocol.SetLongCommand{M: protocol.Meta{Object: oid, Field: testFieldHP, HasField: true, Reliability: rwChannel}, Value: 77},
	})
	require.NoError(t, err)

	ownerMember, _ := r.Member(owner)
	for _, cmd := range ownerMember.DrainOutbound() {
		require.NotEqual(t, protocol.KindS2CSetLong, cmd.Kind(), "owner must not see its own write echoed back when nobody else can write that field")
	}
}

// But when some other, non-owner access group does have write access to
// the field, the owner needs the echo to stay in sync with what that other
// writer could also change.
func TestOwnerEchoSentWhenAnotherGroupCanWrite(t *testing.T) {
	r := newTestRoom(t) // default permission is Rw
	owner := r.RegisterMember(Template{AccessGroups: allAccess})
	other := r.RegisterMember(Template{AccessGroups: allAccess})
	attach(r, owner)
	attach(r, other)

	oid := createObject(r, owner, 601, allAccess)

	err := r.ExecuteCommands(owner, []protocol.Command{
		protocol.SetLongCommand{M: protocol.Meta{Object: oid, Field: testFieldHP, HasField: true, Reliability: rwChannel}, Value: 88},
	})
	require.NoError(t, err)

	ownerMember, _ := r.Member(owner)
	found := false
	for _, cmd := range ownerMember.DrainOutbound() {
		if set, ok := cmd.(protocol.S2CSetLongCommand); ok && set.Value == 88 {
			found = true
		}
	}
	require.True(t, found, "owner must see its own write echoed back when another access group has write access")
}
