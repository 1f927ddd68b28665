// Package management defines the relay's management surface: the room and
// member lifecycle operations spec.md §6 exposes. The gRPC transport for
// this surface is explicitly out of scope (spec.md §1); what remains in
// scope is the Go interface itself and the call-envelope types a
// loop-backed implementation uses to serialize calls onto the
// single-threaded network loop (spec.md §5).
package management

import (
	"errors"
	"fmt"

	"relay/protocol"
	"relay/room"
)

// RoomConfig seeds a new room's permission table at creation time
// (SPEC_FULL.md "Supplemented Features" §2, YAML room templates).
type RoomConfig struct {
	DefaultPermission protocol.Permission
}

// MemberConfig describes a member to register: its access mask and the
// objects to materialize for it on first contact.
type MemberConfig struct {
	AccessGroups      protocol.AccessGroups
	PredefinedObjects []room.PredefinedObject
}

// Surface is every operation an external management client may invoke
// against the relay (spec.md §6).
type Surface interface {
	CreateRoom(cfg RoomConfig) (protocol.RoomId, error)
	DeleteRoom(id protocol.RoomId) error

	CreateMember(roomID protocol.RoomId, cfg MemberConfig) (protocol.MemberId, protocol.PrivateKey, error)
	CreateSuperMember(roomID protocol.RoomId, key protocol.PrivateKey) (protocol.MemberId, error)
	DeleteMember(roomID protocol.RoomId, memberID protocol.MemberId) error

	GetRooms() []protocol.RoomId
	GetRoomMembersCount(roomID protocol.RoomId) (int, error)

	UpdateRoomPermissions(roomID protocol.RoomId, templateID protocol.TemplateId, field protocol.FieldId, rules []room.PermissionRule) error

	Probe() error
}

var (
	ErrRoomNotFound  = errors.New("management: room not found")
	ErrRoomLimit     = errors.New("management: room limit reached")
	ErrMemberLimit   = errors.New("management: room member limit reached")
	ErrUnknownMember = errors.New("management: unknown member")
)

// Tagged mirrors room.Tagged: a stable machine-readable tag for boundary
// error reporting, independent of the underlying error chain.
type Tagged interface {
	error
	Tag() string
}

type taggedErr struct {
	error
	tag string
}

func (t taggedErr) Tag() string { return t.tag }

// WithTag attaches a machine-readable tag to err for boundary reporting.
func WithTag(err error, tag string) error { return taggedErr{error: err, tag: tag} }

// Tag returns err's machine-readable tag if it (or something it wraps)
// implements Tagged, else "Unknown".
func Tag(err error) string {
	var t Tagged
	if errors.As(err, &t) {
		return t.Tag()
	}
	return "Unknown"
}

