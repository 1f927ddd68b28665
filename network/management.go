package network

import (
	"fmt"

	"relay/management"
	"relay/protocol"
	"relay/room"
)

// Every method here runs the caller's request as a closure dispatched onto
// the loop goroutine via management.Dispatch, so it observes and mutates
// l.rooms/l.sessions with no risk of racing the read loop (spec.md §5, §6).
var _ management.Surface = (*Loop)(nil)

// CmdCh exposes the loop's management channel so an external transport
// (e.g. a gRPC server) can submit calls with management.Dispatch.
func (l *Loop) CmdCh() chan<- management.Call { return l.cmdCh }

func (l *Loop) CreateRoom(cfg management.RoomConfig) (protocol.RoomId, error) {
	v, err := management.Dispatch(l.cmdCh, func() (interface{}, error) {
		if l.cfg.MaxRooms > 0 && len(l.rooms) >= l.cfg.MaxRooms {
			return protocol.RoomId(0), management.WithTag(management.ErrRoomLimit, "RoomLimit")
		}
		l.nextRoomID++
		id := l.nextRoomID
		rm := room.NewRoom(id, room.NewPermissionTable(cfg.DefaultPermission))
		l.rooms[id] = rm
		l.metrics.RoomsActive.Set(float64(len(l.rooms)))
		if l.cfg.SuperMemberKey != nil {
			_, sess, err := l.registerMember(rm, id, *l.cfg.SuperMemberKey, protocol.SuperMemberGroup, nil)
			if err != nil {
				return protocol.RoomId(0), fmt.Errorf("provision super member: %w", err)
			}
			l.sessions[sess.Key] = sess
			l.updateMemberGauge()
		}
		return id, nil
	})
	if err != nil {
		return protocol.RoomId(0), err
	}
	return v.(protocol.RoomId), nil
}

func (l *Loop) DeleteRoom(id protocol.RoomId) error {
	_, err := management.Dispatch(l.cmdCh, func() (interface{}, error) {
		if _, ok := l.rooms[id]; !ok {
			return nil, tagRoomNotFound(id)
		}
		for key := range l.sessions {
			if key.room == id {
				delete(l.sessions, key)
			}
		}
		delete(l.rooms, id)
		l.metrics.RoomsActive.Set(float64(len(l.rooms)))
		return nil, nil
	})
	return err
}

func (l *Loop) CreateMember(roomID protocol.RoomId, cfg management.MemberConfig) (protocol.MemberId, protocol.PrivateKey, error) {
	type result struct {
		id  protocol.MemberId
		key protocol.PrivateKey
	}
	v, err := management.Dispatch(l.cmdCh, func() (interface{}, error) {
		rm, ok := l.rooms[roomID]
		if !ok {
			return result{}, tagRoomNotFound(roomID)
		}
		if l.cfg.MaxMembersPerRoom > 0 && rm.MemberCount() >= l.cfg.MaxMembersPerRoom {
			return result{}, management.WithTag(fmt.Errorf("%w: room %d", management.ErrMemberLimit, roomID), "MemberLimit")
		}
		key, err := generateKey()
		if err != nil {
			return result{}, err
		}
		id, sess, err := l.registerMember(rm, roomID, key, cfg.AccessGroups, cfg.PredefinedObjects)
		if err != nil {
			return result{}, err
		}
		l.sessions[sess.Key] = sess
		l.updateMemberGauge()
		return result{id: id, key: key}, nil
	})
	if err != nil {
		return 0, protocol.PrivateKey{}, err
	}
	r := v.(result)
	return r.id, r.key, nil
}

func (l *Loop) CreateSuperMember(roomID protocol.RoomId, key protocol.PrivateKey) (protocol.MemberId, error) {
	v, err := management.Dispatch(l.cmdCh, func() (interface{}, error) {
		rm, ok := l.rooms[roomID]
		if !ok {
			return protocol.MemberId(0), tagRoomNotFound(roomID)
		}
		id, sess, err := l.registerMember(rm, roomID, key, protocol.SuperMemberGroup, nil)
		if err != nil {
			return protocol.MemberId(0), err
		}
		l.sessions[sess.Key] = sess
		l.updateMemberGauge()
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(protocol.MemberId), nil
}

// registerMember is the shared tail of CreateMember/CreateSuperMember: it
// must only be called on the loop goroutine.
func (l *Loop) registerMember(rm *room.Room, roomID protocol.RoomId, key protocol.PrivateKey, groups protocol.AccessGroups, predefined []room.PredefinedObject) (protocol.MemberId, *Session, error) {
	cipher, err := protocol.NewCipher(key)
	if err != nil {
		return 0, nil, fmt.Errorf("derive cipher: %w", err)
	}
	id := rm.RegisterMember(room.Template{
		PrivateKey:        key,
		AccessGroups:      groups,
		PredefinedObjects: predefined,
	})
	sess := newSession(sessionKey{room: roomID, member: id}, cipher, nil, l.cfg.AckTimeout, l.cfg.RetransmitLimit, l.onChannelDrop)
	return id, sess, nil
}

func (l *Loop) onChannelDrop(group protocol.ChannelGroup, reason string) {
	l.metrics.FramesDropped.WithLabelValues(reason).Inc()
}

// updateMemberGauge recomputes the total member count across every room.
// Cheap enough to call after every membership change; called only from the
// loop goroutine.
func (l *Loop) updateMemberGauge() {
	total := 0
	for _, rm := range l.rooms {
		total += rm.MemberCount()
	}
	l.metrics.MembersActive.Set(float64(total))
}

func (l *Loop) DeleteMember(roomID protocol.RoomId, memberID protocol.MemberId) error {
	_, err := management.Dispatch(l.cmdCh, func() (interface{}, error) {
		rm, ok := l.rooms[roomID]
		if !ok {
			return nil, tagRoomNotFound(roomID)
		}
		if _, ok := rm.Member(memberID); !ok {
			return nil, tagUnknownMember(roomID, memberID)
		}
		key := sessionKey{room: roomID, member: memberID}
		delete(l.sessions, key)
		err := rm.DisconnectMember(memberID)
		l.updateMemberGauge()
		return nil, err
	})
	return err
}

func (l *Loop) GetRooms() []protocol.RoomId {
	v, _ := management.Dispatch(l.cmdCh, func() (interface{}, error) {
		ids := make([]protocol.RoomId, 0, len(l.rooms))
		for id := range l.rooms {
			ids = append(ids, id)
		}
		return ids, nil
	})
	return v.([]protocol.RoomId)
}

func (l *Loop) GetRoomMembersCount(roomID protocol.RoomId) (int, error) {
	v, err := management.Dispatch(l.cmdCh, func() (interface{}, error) {
		rm, ok := l.rooms[roomID]
		if !ok {
			return 0, tagRoomNotFound(roomID)
		}
		return rm.MemberCount(), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (l *Loop) UpdateRoomPermissions(roomID protocol.RoomId, templateID protocol.TemplateId, field protocol.FieldId, rules []room.PermissionRule) error {
	_, err := management.Dispatch(l.cmdCh, func() (interface{}, error) {
		rm, ok := l.rooms[roomID]
		if !ok {
			return nil, tagRoomNotFound(roomID)
		}
		rm.Permissions().SetTemplateFieldRules(templateID, field, rules)
		return nil, nil
	})
	return err
}

// Probe reports whether the loop's read/execute/send cycle is running.
// Dispatched onto the loop goroutine so it reflects the same l.ready the
// loop itself maintains, with no separate atomic needed.
func (l *Loop) Probe() error {
	v, err := management.Dispatch(l.cmdCh, func() (interface{}, error) {
		return l.ready, nil
	})
	if err != nil {
		return err
	}
	if !v.(bool) {
		return management.WithTag(fmt.Errorf("network: loop not running"), "LoopNotRunning")
	}
	return nil
}

func tagRoomNotFound(id protocol.RoomId) error {
	return management.WithTag(fmt.Errorf("%w: %d", management.ErrRoomNotFound, id), "RoomNotFound")
}

func tagUnknownMember(roomID protocol.RoomId, memberID protocol.MemberId) error {
	return management.WithTag(fmt.Errorf("%w: room %d member %d", management.ErrUnknownMember, roomID, memberID), "UnknownMember")
}
