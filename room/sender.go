package room

import "relay/protocol"

// Sender fans S2C commands out to room members, applying the per-recipient
// permission gate and channel inheritance described in spec.md §4.7.
type Sender struct {
	room *Room

	inExecution    bool
	currentChannel protocol.ReliabilityGuarantees
}

func newSender(r *Room) *Sender { return &Sender{room: r} }

// beginCommand records the channel of the C2S command currently executing,
// so any S2C commands it produces inherit the same delivery guarantee.
func (s *Sender) beginCommand(ch protocol.ReliabilityGuarantees) {
	s.inExecution = true
	s.currentChannel = ch
}

func (s *Sender) endCommand() { s.inExecution = false }

// channel returns the inherited channel while executing a C2S command, or
// the default ReliableSequence(0) otherwise (disconnect, reset replay).
func (s *Sender) channel() protocol.ReliabilityGuarantees {
	if s.inExecution {
		return s.currentChannel
	}
	return protocol.DefaultChannel
}

// recipientMayRead reports whether recipient can see a command addressing
// field on an object with the given template, per spec.md §4.7: object
// owners always see their own object's state; everyone else needs
// Permission > Deny. This governs ordinary reads (snapshots, target events);
// the narrower echo-suppression rule for the owner's own field writes lives
// in HasNonOwnerWriteAccess, applied by doAction's fan-out filter.
func (s *Sender) recipientMayRead(recipient *Member, obj *GameObject, field protocol.FieldId, hasField bool) bool {
	if !hasField {
		return true
	}
	if obj.OwnedBy(recipient.Id) {
		return true
	}
	if recipient.Template.AccessGroups.IsSuperMember() {
		return true
	}
	return s.room.permissions.Get(obj.TemplateId, field, recipient.Template.AccessGroups) > protocol.PermissionDeny
}

// HasNonOwnerWriteAccess reports whether any member, of any status, other than
// obj's owner has at least PermissionRw on (obj.TemplateId, field), modeled
// on the original relay's PermissionManager::has_write_access check that
// gates whether an object's owner gets its own field write echoed back to
// it (spec.md §4.7): if nobody else could have changed the field, the owner
// already knows its value and doesn't need the echo.
func (s *Sender) HasNonOwnerWriteAccess(obj *GameObject, field protocol.FieldId) bool {
	for _, m := range s.room.members {
		if obj.OwnedBy(m.Id) {
			continue
		}
		if !obj.AccessGroups.Intersects(m.Template.AccessGroups) {
			continue
		}
		if s.room.permissions.Get(obj.TemplateId, field, m.Template.AccessGroups).AtLeast(protocol.PermissionRw) {
			return true
		}
	}
	return false
}

// SendToMembers pushes commands onto the outbound queue of every Attached
// member whose access groups intersect obj's and for whom filter
// (if non-nil) returns true, skipping any command a given recipient lacks
// permission to read. Callers are expected to have already stamped each
// command's Meta.Reliability with s.channel().
func (s *Sender) SendToMembers(obj *GameObject, commands []protocol.Command, filter func(*Member) bool) {
	for _, m := range s.room.members {
		if m.Status != MemberAttached {
			continue
		}
		if !obj.AccessGroups.Intersects(m.Template.AccessGroups) {
			continue
		}
		if filter != nil && !filter(m) {
			continue
		}
		for _, cmd := range commands {
			meta := cmd.Meta()
			if !s.recipientMayRead(m, obj, meta.Field, meta.HasField) {
				continue
			}
			m.Enqueue(cmd)
		}
	}
}

// SendToMember is the point-to-point variant used for targeted events and
// the attach-time snapshot.
func (s *Sender) SendToMember(recipient *Member, obj *GameObject, commands []protocol.Command) {
	for _, cmd := range commands {
		meta := cmd.Meta()
		if !s.recipientMayRead(recipient, obj, meta.Field, meta.HasField) {
			continue
		}
		recipient.Enqueue(cmd)
	}
}
