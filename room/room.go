package room

import "relay/protocol"

// firstRoomObjectId is where server-allocated room-owned objects start
// (spec.md §3 "object ids below 65536 are member-owned; at or above,
// room-owned").
const firstRoomObjectId = 65536

// Room is the authoritative state for one match/lobby: its members, its
// objects in insertion order, its permission table, and its singleton-key
// registry (spec.md §4.5-§4.7).
type Room struct {
	Id protocol.RoomId

	objects map[protocol.ObjectId]*GameObject
	order   []protocol.ObjectId

	members      map[protocol.MemberId]*Member
	nextMemberId protocol.MemberId

	permissions   *PermissionTable
	singletonKeys map[string]protocol.ObjectId

	nextRoomObjectId uint32

	sender *Sender
	trace  chan TraceEvent
}

// NewRoom constructs an empty room bound to the given permission table.
func NewRoom(id protocol.RoomId, permissions *PermissionTable) *Room {
	r := &Room{
		Id:               id,
		objects:          make(map[protocol.ObjectId]*GameObject),
		members:          make(map[protocol.MemberId]*Member),
		permissions:      permissions,
		singletonKeys:    make(map[string]protocol.ObjectId),
		nextRoomObjectId: firstRoomObjectId,
	}
	r.sender = newSender(r)
	return r
}

// RegisterMember adds a member in the Created state and returns its id.
// The member materializes its predefined objects and becomes Connected the
// first time ExecuteCommands is called for it (spec.md §4.5).
func (r *Room) RegisterMember(tmpl Template) protocol.MemberId {
	r.nextMemberId++
	id := r.nextMemberId
	r.members[id] = newMember(id, tmpl)
	return id
}

// CreateRoomObject materializes a server-owned object directly in the
// Created state, bypassing the client create/commit handshake. Used to
// seed a room from a YAML template at creation time (SPEC_FULL.md
// "Supplemented Features" §2).
func (r *Room) CreateRoomObject(templateID protocol.TemplateId, groups protocol.AccessGroups) protocol.ObjectId {
	id := protocol.ObjectId{Id: r.nextRoomObjectId, Owner: protocol.RoomOwner()}
	r.nextRoomObjectId++
	obj := newGameObject(id, templateID, groups)
	obj.Created = true
	r.insertObject(obj)
	return id
}

// ExecuteCommands runs every command a member's frame carried, in order.
// The first call for a member transitions it from Created to Connected,
// materializing its predefined objects first (spec.md §4.5).
func (r *Room) ExecuteCommands(senderID protocol.MemberId, commands []protocol.Command) error {
	m, ok := r.members[senderID]
	if !ok {
		return ErrMemberNotFound
	}
	if m.Status == MemberCreated {
		r.connectMember(m)
	}
	for _, cmd := range commands {
		r.executeOne(m, cmd)
	}
	return nil
}

func (r *Room) connectMember(m *Member) {
	for _, po := range m.Template.PredefinedObjects {
		id := protocol.ObjectId{Id: po.LocalId, Owner: protocol.MemberOwner(m.Id)}
		obj := newGameObject(id, po.TemplateId, po.AccessGroups)
		for field, fv := range po.Fields {
			switch fv.Kind {
			case FieldKindLong:
				obj.SetLong(field, fv.Long)
			case FieldKindDouble:
				obj.SetDouble(field, fv.Double)
			case FieldKindStructure:
				obj.SetStructure(field, fv.Structure)
			}
		}
		obj.Created = true
		r.insertObject(obj)
		r.sender.beginCommand(protocol.DefaultChannel)
		r.sender.SendToMembers(obj, obj.snapshotCommands(protocol.DefaultChannel), nil)
		r.sender.endCommand()
	}
	m.Status = MemberConnected
	r.broadcastMemberConnected(m.Id)
}

func (r *Room) broadcastMemberConnected(id protocol.MemberId) {
	for _, rcpt := range r.members {
		if rcpt.Status == MemberAttached && rcpt.Template.AccessGroups.IsSuperMember() {
			rcpt.Enqueue(protocol.S2CMemberConnectedCommand{
				M:      protocol.Meta{Reliability: protocol.DefaultChannel},
				Member: id,
			})
		}
	}
}

func (r *Room) broadcastMemberDisconnected(id protocol.MemberId) {
	for _, rcpt := range r.members {
		if rcpt.Status == MemberAttached && rcpt.Template.AccessGroups.IsSuperMember() {
			rcpt.Enqueue(protocol.S2CMemberDisconnectedCommand{
				M:      protocol.Meta{Reliability: protocol.DefaultChannel},
				Member: id,
			})
		}
	}
}

func (r *Room) insertObject(obj *GameObject) {
	r.objects[obj.Id] = obj
	r.order = append(r.order, obj.Id)
}

func (r *Room) removeObject(id protocol.ObjectId) {
	delete(r.objects, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for key, oid := range r.singletonKeys {
		if oid == id {
			delete(r.singletonKeys, key)
			break
		}
	}
}

// executeOne dispatches a single C2S command. Errors are intentionally
// swallowed past a trace emission: a malformed or unauthorized command
// drops that command only, matching the decode layer's recoverable-error
// model (protocol.ErrTruncated aside, which never reaches here).
func (r *Room) executeOne(m *Member, cmd protocol.Command) {
	r.emitTrace(cmd, m.Id)
	meta := cmd.Meta()
	r.sender.beginCommand(meta.Reliability)
	defer r.sender.endCommand()

	switch c := cmd.(type) {
	case protocol.CreateGameObjectCommand:
		r.handleCreate(m, c)
	case protocol.CreatedGameObjectCommand:
		_ = r.handleCreated(m, c)
	case protocol.SetLongCommand:
		_ = r.doAction(c.M.Object, c.M.Field, true, m.Id, protocol.PermissionRw, func(o *GameObject) (protocol.Command, bool) {
			o.SetLong(c.M.Field, c.Value)
			return protocol.S2CSetLongCommand{
				M:     protocol.Meta{Object: c.M.Object, Field: c.M.Field, HasField: true, Reliability: meta.Reliability},
				Value: c.Value,
			}, true
		})
	case protocol.SetDoubleCommand:
		_ = r.doAction(c.M.Object, c.M.Field, true, m.Id, protocol.PermissionRw, func(o *GameObject) (protocol.Command, bool) {
			o.SetDouble(c.M.Field, c.Value)
			return protocol.S2CSetDoubleCommand{
				M:     protocol.Meta{Object: c.M.Object, Field: c.M.Field, HasField: true, Reliability: meta.Reliability},
				Value: c.Value,
			}, true
		})
	case protocol.SetStructureCommand:
		_ = r.doAction(c.M.Object, c.M.Field, true, m.Id, protocol.PermissionRw, func(o *GameObject) (protocol.Command, bool) {
			o.SetStructure(c.M.Field, c.Value)
			return protocol.S2CSetStructureCommand{
				M:     protocol.Meta{Object: c.M.Object, Field: c.M.Field, HasField: true, Reliability: meta.Reliability},
				Value: c.Value,
			}, true
		})
	case protocol.IncrementLongCommand:
		_ = r.doAction(c.M.Object, c.M.Field, true, m.Id, protocol.PermissionRw, func(o *GameObject) (protocol.Command, bool) {
			v := o.IncrementLong(c.M.Field, c.Delta)
			return protocol.S2CSetLongCommand{
				M:     protocol.Meta{Object: c.M.Object, Field: c.M.Field, HasField: true, Reliability: meta.Reliability},
				Value: v,
			}, true
		})
	case protocol.IncrementDoubleCommand:
		_ = r.doAction(c.M.Object, c.M.Field, true, m.Id, protocol.PermissionRw, func(o *GameObject) (protocol.Command, bool) {
			v := o.IncrementDouble(c.M.Field, c.Delta)
			return protocol.S2CSetDoubleCommand{
				M:     protocol.Meta{Object: c.M.Object, Field: c.M.Field, HasField: true, Reliability: meta.Reliability},
				Value: v,
			}, true
		})
	case protocol.CompareAndSetLongCommand:
		r.handleCasLong(m, c, meta.Reliability)
	case protocol.CompareAndSetStructureCommand:
		r.handleCasStructure(m, c, meta.Reliability)
	case protocol.EventCommand:
		_ = r.doAction(c.M.Object, c.M.Field, c.M.HasField, m.Id, protocol.PermissionRw, func(o *GameObject) (protocol.Command, bool) {
			return protocol.S2CEventCommand{
				M:       protocol.Meta{Object: c.M.Object, Field: c.M.Field, HasField: c.M.HasField, Reliability: meta.Reliability},
				Payload: c.Payload,
			}, true
		})
	case protocol.TargetEventCommand:
		r.handleTargetEvent(m, c, meta.Reliability)
	case protocol.DeleteCommand:
		_ = r.DeleteObject(c.M.Object, m.Id)
	case protocol.DeleteFieldCommand:
		_ = r.doAction(c.M.Object, c.M.Field, true, m.Id, protocol.PermissionRw, func(o *GameObject) (protocol.Command, bool) {
			o.DeleteField(c.M.Field)
			return protocol.S2CDeleteFieldCommand{
				M: protocol.Meta{Object: c.M.Object, Field: c.M.Field, HasField: true, Reliability: meta.Reliability},
			}, true
		})
	case protocol.AttachToRoomCommand:
		r.attachMember(m)
	case protocol.DetachFromRoomCommand:
		if m.Status == MemberAttached {
			m.Status = MemberConnected
		}
	case protocol.ForwardedCommand:
		r.executeForwarded(m, c)
	}
}

func (r *Room) handleCreate(m *Member, c protocol.CreateGameObjectCommand) {
	id := c.M.Object
	if !id.Valid() {
		return
	}
	if !id.Owner.Room && id.Owner.Member != m.Id {
		return
	}
	if _, exists := r.objects[id]; exists {
		return
	}
	obj := newGameObject(id, c.TemplateId, c.AccessGroups)
	r.insertObject(obj)
}

func (r *Room) handleCreated(m *Member, c protocol.CreatedGameObjectCommand) error {
	obj, ok := r.objects[c.M.Object]
	if !ok || obj.Created {
		return nil
	}
	if !obj.Id.Owner.Room && obj.Id.Owner.Member != m.Id {
		return nil
	}
	if len(c.SingletonKey) > 0 {
		key := string(c.SingletonKey)
		if _, taken := r.singletonKeys[key]; taken {
			r.removeObject(obj.Id)
			return ErrSingletonKeyTaken
		}
		r.singletonKeys[key] = obj.Id
	}
	obj.Created = true
	r.sender.SendToMembers(obj, obj.snapshotCommands(r.sender.channel()), nil)
	return nil
}

// doAction is the permission-checked field mutator shared by every
// field-addressed command (spec.md §4.5 "do_action"): resolve member and
// object, check access groups, check field permission unless the caller
// owns the object or is a super-member, run action, and fan out the result
// if the object is already committed and action reports a change.
func (r *Room) doAction(
	objectID protocol.ObjectId,
	field protocol.FieldId,
	hasField bool,
	actingMember protocol.MemberId,
	required protocol.Permission,
	action func(*GameObject) (protocol.Command, bool),
) error {
	m, ok := r.members[actingMember]
	if !ok {
		return ErrMemberNotFound
	}
	obj, ok := r.objects[objectID]
	if !ok {
		return ErrGameObjectNotFound
	}
	if !obj.AccessGroups.Intersects(m.Template.AccessGroups) {
		return ErrAccessDenied
	}
	if !obj.OwnedBy(actingMember) && !m.Template.AccessGroups.IsSuperMember() {
		if hasField {
			perm := r.permissions.Get(obj.TemplateId, field, m.Template.AccessGroups)
			if !perm.AtLeast(required) {
				return ErrAccessDenied
			}
		} else if r.permissions.Default < required {
			return ErrAccessDenied
		}
	}
	cmd, produced := action(obj)
	if produced && obj.Created {
		// The object's owner only needs its own write echoed back if some
		// other, non-owner access group could also have written this field
		// (spec.md §4.7); otherwise it already knows the value it just set.
		filter := func(recipient *Member) bool {
			if !hasField || !obj.OwnedBy(recipient.Id) {
				return true
			}
			return r.sender.HasNonOwnerWriteAccess(obj, field)
		}
		r.sender.SendToMembers(obj, []protocol.Command{cmd}, filter)
	}
	return nil
}

func (r *Room) handleCasLong(m *Member, c protocol.CompareAndSetLongCommand, ch protocol.ReliabilityGuarantees) {
	_ = r.doAction(c.M.Object, c.M.Field, true, m.Id, protocol.PermissionRw, func(o *GameObject) (protocol.Command, bool) {
		cur, _ := o.Long(c.M.Field)
		if cur != c.Current {
			return nil, false
		}
		o.SetLong(c.M.Field, c.New)
		o.setCasOwner(c.M.Field, m.Id)
		// A full reset map only means this member's rollback value isn't
		// recorded; the compare-and-set write itself still applies.
		_ = m.registerReset(c.M.Object, c.M.Field, c.HasReset, resetEntry{long: c.Reset, isLong: true})
		return protocol.S2CSetLongCommand{
			M:     protocol.Meta{Object: c.M.Object, Field: c.M.Field, HasField: true, Reliability: ch},
			Value: c.New,
		}, true
	})
}

func (r *Room) handleCasStructure(m *Member, c protocol.CompareAndSetStructureCommand, ch protocol.ReliabilityGuarantees) {
	_ = r.doAction(c.M.Object, c.M.Field, true, m.Id, protocol.PermissionRw, func(o *GameObject) (protocol.Command, bool) {
		cur, _ := o.Structure(c.M.Field)
		if string(cur) != string(c.Current) {
			return nil, false
		}
		o.SetStructure(c.M.Field, c.New)
		o.setCasOwner(c.M.Field, m.Id)
		_ = m.registerReset(c.M.Object, c.M.Field, c.HasReset, resetEntry{structure: c.Reset})
		return protocol.S2CSetStructureCommand{
			M:     protocol.Meta{Object: c.M.Object, Field: c.M.Field, HasField: true, Reliability: ch},
			Value: c.New,
		}, true
	})
}

func (r *Room) handleTargetEvent(m *Member, c protocol.TargetEventCommand, ch protocol.ReliabilityGuarantees) {
	obj, ok := r.objects[c.M.Object]
	if !ok || !obj.AccessGroups.Intersects(m.Template.AccessGroups) {
		return
	}
	target, ok := r.members[c.Target]
	if !ok || target.Status != MemberAttached {
		return
	}
	cmd := protocol.S2CEventCommand{
		M:       protocol.Meta{Object: c.M.Object, Field: c.M.Field, HasField: c.M.HasField, Reliability: ch},
		Payload: c.Payload,
	}
	r.sender.SendToMember(target, obj, []protocol.Command{cmd})
}

func (r *Room) attachMember(m *Member) {
	if m.Status == MemberAttached {
		return
	}
	m.Status = MemberAttached
	for _, id := range r.order {
		obj := r.objects[id]
		if !obj.Created || !obj.AccessGroups.Intersects(m.Template.AccessGroups) {
			continue
		}
		r.sender.SendToMember(m, obj, obj.snapshotCommands(protocol.DefaultChannel))
	}
}

// executeForwarded runs the wrapped command as if it had arrived from
// c.Creator rather than the forwarding connection. Only a super-member may
// forward on behalf of another member (SPEC_FULL.md "Supplemented
// Features" §4).
func (r *Room) executeForwarded(forwarder *Member, c protocol.ForwardedCommand) {
	if !forwarder.Template.AccessGroups.IsSuperMember() {
		return
	}
	creator, ok := r.members[c.Creator]
	if !ok {
		return
	}
	r.executeOne(creator, c.Inner)
}

// DeleteObject removes an object the acting member owns (or, for a
// super-member, any object), unregisters its singleton key, and — if the
// object had already been committed — broadcasts its removal.
func (r *Room) DeleteObject(id protocol.ObjectId, actingMember protocol.MemberId) error {
	m, ok := r.members[actingMember]
	if !ok {
		return ErrMemberNotFound
	}
	obj, ok := r.objects[id]
	if !ok {
		return ErrGameObjectNotFound
	}
	if !obj.OwnedBy(actingMember) && !m.Template.AccessGroups.IsSuperMember() {
		return ErrAccessDenied
	}
	wasCreated := obj.Created
	r.removeObject(id)
	if wasCreated {
		r.sender.SendToMembers(obj, []protocol.Command{
			protocol.S2CDeleteCommand{M: protocol.Meta{Object: id, Reliability: r.sender.channel()}},
		}, nil)
	}
	return nil
}

// DisconnectMember deletes every object the member owns, applies any
// compare-and-set reset it still holds the winning write for, removes the
// member, and notifies attached super-members (spec.md §4.6, §5).
func (r *Room) DisconnectMember(memberID protocol.MemberId) error {
	m, ok := r.members[memberID]
	if !ok {
		return ErrMemberNotFound
	}

	var owned []protocol.ObjectId
	for _, id := range r.order {
		if !id.Owner.Room && id.Owner.Member == memberID {
			owned = append(owned, id)
		}
	}
	for _, id := range owned {
		_ = r.DeleteObject(id, memberID)
	}

	r.sender.beginCommand(protocol.DefaultChannel)
	for key, entry := range m.resets {
		obj, ok := r.objects[key.object]
		if !ok {
			continue
		}
		if owner, ok := obj.CasOwner(key.field); !ok || owner != memberID {
			continue
		}
		if entry.isLong {
			obj.SetLong(key.field, entry.long)
			if obj.Created {
				r.sender.SendToMembers(obj, []protocol.Command{protocol.S2CSetLongCommand{
					M:     protocol.Meta{Object: key.object, Field: key.field, HasField: true, Reliability: protocol.DefaultChannel},
					Value: entry.long,
				}}, nil)
			}
		} else {
			obj.SetStructure(key.field, entry.structure)
			if obj.Created {
				r.sender.SendToMembers(obj, []protocol.Command{protocol.S2CSetStructureCommand{
					M:     protocol.Meta{Object: key.object, Field: key.field, HasField: true, Reliability: protocol.DefaultChannel},
					Value: entry.structure,
				}}, nil)
			}
		}
	}
	r.sender.endCommand()

	delete(r.members, memberID)
	r.broadcastMemberDisconnected(memberID)
	return nil
}

// Member looks up a member by id, for use by the network loop and
// management surface.
func (r *Room) Member(id protocol.MemberId) (*Member, bool) {
	m, ok := r.members[id]
	return m, ok
}

// MemberCount returns the number of members currently registered, created
// or not.
func (r *Room) MemberCount() int { return len(r.members) }

// Permissions returns the room's permission table, for management updates
// (spec.md §4.6 "update_room_permissions").
func (r *Room) Permissions() *PermissionTable { return r.permissions }
