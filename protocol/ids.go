// Package protocol implements the wire-level building blocks of the relay:
// identifiers, frames, the AEAD cipher, the frame codec, and the
// delta-compressed command codec.
package protocol

import "fmt"

// RoomId identifies a match's state container.
type RoomId uint64

// MemberId identifies a connected client within a room. Host-assigned, dense.
type MemberId uint16

// FieldId identifies a scalar or binary field on a GameObject.
type FieldId uint16

// TemplateId tags a GameObject for permission lookups.
type TemplateId uint16

// FrameId is monotonic per connection and doubles as the AEAD nonce base.
type FrameId uint64

// ChannelGroup is one of 256 logical lanes over which ordering is maintained.
type ChannelGroup uint8

// ChannelSequence is monotonic per channel group.
type ChannelSequence uint32

// ObjectOwner distinguishes room-owned objects from member-owned ones.
type ObjectOwner struct {
	Room   bool
	Member MemberId
}

// RoomOwner returns the room-owned ObjectOwner.
func RoomOwner() ObjectOwner { return ObjectOwner{Room: true} }

// MemberOwner returns the ObjectOwner for the given member.
func MemberOwner(m MemberId) ObjectOwner { return ObjectOwner{Member: m} }

func (o ObjectOwner) String() string {
	if o.Room {
		return "room"
	}
	return fmt.Sprintf("member(%d)", o.Member)
}

// memberOwnedCeiling is the exclusive upper bound of member-owned object ids;
// ids at or above it are room-owned. See spec.md §3 GameObject invariants.
const memberOwnedCeiling = 65536

// ObjectId is a locally-unique (per room) identifier plus the owner that
// minted it. Ids below 65536 are reserved for member-owned objects, ids at
// or above 65536 for room-owned objects.
type ObjectId struct {
	Id    uint32
	Owner ObjectOwner
}

// Valid reports whether the id/owner pair is internally consistent.
func (o ObjectId) Valid() bool {
	if o.Id == 0 {
		return false
	}
	if o.Owner.Room {
		return o.Id >= memberOwnedCeiling
	}
	return o.Id < memberOwnedCeiling
}

func (o ObjectId) String() string {
	return fmt.Sprintf("%s/%d", o.Owner, o.Id)
}

// AccessGroups is a 64-bit bitmask of visibility/broadcast groups. Two masks
// intersect iff a&b != 0.
type AccessGroups uint64

// SuperMemberGroup is the reserved bit designating the super-member group.
const SuperMemberGroup AccessGroups = 1 << 63

// Intersects reports whether the two masks share any bit.
func (a AccessGroups) Intersects(b AccessGroups) bool { return a&b != 0 }

// IsSuperMember reports whether the mask includes the reserved super-member bit.
func (a AccessGroups) IsSuperMember() bool { return a&SuperMemberGroup != 0 }

// Permission orders the three access levels Deny < Ro < Rw.
type Permission uint8

const (
	PermissionDeny Permission = iota
	PermissionRo
	PermissionRw
)

func (p Permission) String() string {
	switch p {
	case PermissionDeny:
		return "deny"
	case PermissionRo:
		return "ro"
	case PermissionRw:
		return "rw"
	default:
		return "unknown"
	}
}

// AtLeast reports whether p is at least as permissive as required.
func (p Permission) AtLeast(required Permission) bool { return p >= required }
