package protocol

import "fmt"

// encodeBody appends the fields a command carries beyond its Meta envelope
// (spec.md §3: "each command carries only the fields semantically required").
func encodeBody(buf []byte, cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case CreateGameObjectCommand:
		buf = putUvarint(buf, uint64(c.TemplateId))
		buf = putUvarint(buf, uint64(c.AccessGroups))
		return buf, nil
	case CreatedGameObjectCommand:
		if c.SingletonKey == nil {
			return append(buf, 0), nil
		}
		buf = append(buf, 1)
		return putBytes(buf, c.SingletonKey), nil
	case SetLongCommand:
		return putVarint(buf, c.Value), nil
	case SetDoubleCommand:
		return encodeFloat(buf, c.Value), nil
	case SetStructureCommand:
		return putBytes(buf, c.Value), nil
	case IncrementLongCommand:
		return putVarint(buf, c.Delta), nil
	case IncrementDoubleCommand:
		return encodeFloat(buf, c.Delta), nil
	case CompareAndSetLongCommand:
		buf = putVarint(buf, c.Current)
		buf = putVarint(buf, c.New)
		if !c.HasReset {
			return append(buf, 0), nil
		}
		buf = append(buf, 1)
		return putVarint(buf, c.Reset), nil
	case CompareAndSetStructureCommand:
		buf = putBytes(buf, c.Current)
		buf = putBytes(buf, c.New)
		if !c.HasReset {
			return append(buf, 0), nil
		}
		buf = append(buf, 1)
		return putBytes(buf, c.Reset), nil
	case EventCommand:
		return putBytes(buf, c.Payload), nil
	case TargetEventCommand:
		buf = putUvarint(buf, uint64(c.Target))
		return putBytes(buf, c.Payload), nil
	case DeleteCommand:
		return buf, nil
	case DeleteFieldCommand:
		return buf, nil
	case AttachToRoomCommand:
		return buf, nil
	case DetachFromRoomCommand:
		return buf, nil
	case ForwardedCommand:
		buf = putUvarint(buf, uint64(c.Creator))
		return encodeOne(newContext(), buf, c.Inner)

	case S2CCreateCommand:
		buf = putUvarint(buf, uint64(c.TemplateId))
		buf = putUvarint(buf, uint64(c.AccessGroups))
		return buf, nil
	case S2CCreatedCommand:
		return buf, nil
	case S2CSetLongCommand:
		return putVarint(buf, c.Value), nil
	case S2CSetDoubleCommand:
		return encodeFloat(buf, c.Value), nil
	case S2CSetStructureCommand:
		return putBytes(buf, c.Value), nil
	case S2CEventCommand:
		return putBytes(buf, c.Payload), nil
	case S2CDeleteCommand:
		return buf, nil
	case S2CDeleteFieldCommand:
		return buf, nil
	case S2CMemberConnectedCommand:
		return putUvarint(buf, uint64(c.Member)), nil
	case S2CMemberDisconnectedCommand:
		return putUvarint(buf, uint64(c.Member)), nil
	case S2CForwardedCommand:
		buf = putUvarint(buf, uint64(c.Creator))
		return encodeOne(newContext(), buf, c.Inner)

	default:
		return nil, fmt.Errorf("protocol: unknown command type %T", cmd)
	}
}

// decodeBody reads the kind-specific fields following a decoded Meta.
func decodeBody(kind CommandKind, m Meta, buf []byte) (Command, []byte, error) {
	switch kind {
	case KindCreateGameObject:
		t, rest, err := takeUvarint(buf)
		if err != nil {
			return nil, nil, err
		}
		g, rest, err := takeUvarint(rest)
		if err != nil {
			return nil, nil, err
		}
		return CreateGameObjectCommand{M: m, TemplateId: TemplateId(t), AccessGroups: AccessGroups(g)}, rest, nil
	case KindCreatedGameObject:
		if len(buf) < 1 {
			return nil, nil, ErrTruncated
		}
		hasKey := buf[0] != 0
		rest := buf[1:]
		var key []byte
		if hasKey {
			var err error
			key, rest, err = takeBytes(rest)
			if err != nil {
				return nil, nil, err
			}
		}
		return CreatedGameObjectCommand{M: m, SingletonKey: key}, rest, nil
	case KindSetLong:
		v, rest, err := takeVarint(buf)
		if err != nil {
			return nil, nil, err
		}
		return SetLongCommand{M: m, Value: v}, rest, nil
	case KindSetDouble:
		v, rest, err := decodeFloat(buf)
		if err != nil {
			return nil, nil, err
		}
		return SetDoubleCommand{M: m, Value: v}, rest, nil
	case KindSetStructure:
		v, rest, err := takeBytes(buf)
		if err != nil {
			return nil, nil, err
		}
		return SetStructureCommand{M: m, Value: v}, rest, nil
	case KindIncrementLong:
		v, rest, err := takeVarint(buf)
		if err != nil {
			return nil, nil, err
		}
		return IncrementLongCommand{M: m, Delta: v}, rest, nil
	case KindIncrementDouble:
		v, rest, err := decodeFloat(buf)
		if err != nil {
			return nil, nil, err
		}
		return IncrementDoubleCommand{M: m, Delta: v}, rest, nil
	case KindCompareAndSetLong:
		cur, rest, err := takeVarint(buf)
		if err != nil {
			return nil, nil, err
		}
		nw, rest, err := takeVarint(rest)
		if err != nil {
			return nil, nil, err
		}
		if len(rest) < 1 {
			return nil, nil, ErrTruncated
		}
		hasReset := rest[0] != 0
		rest = rest[1:]
		var reset int64
		if hasReset {
			reset, rest, err = takeVarint(rest)
			if err != nil {
				return nil, nil, err
			}
		}
		return CompareAndSetLongCommand{M: m, Current: cur, New: nw, HasReset: hasReset, Reset: reset}, rest, nil
	case KindCompareAndSetStructure:
		cur, rest, err := takeBytes(buf)
		if err != nil {
			return nil, nil, err
		}
		nw, rest, err := takeBytes(rest)
		if err != nil {
			return nil, nil, err
		}
		if len(rest) < 1 {
			return nil, nil, ErrTruncated
		}
		hasReset := rest[0] != 0
		rest = rest[1:]
		var reset []byte
		if hasReset {
			reset, rest, err = takeBytes(rest)
			if err != nil {
				return nil, nil, err
			}
		}
		return CompareAndSetStructureCommand{M: m, Current: cur, New: nw, HasReset: hasReset, Reset: reset}, rest, nil
	case KindEvent:
		p, rest, err := takeBytes(buf)
		if err != nil {
			return nil, nil, err
		}
		return EventCommand{M: m, Payload: p}, rest, nil
	case KindTargetEvent:
		target, rest, err := takeUvarint(buf)
		if err != nil {
			return nil, nil, err
		}
		p, rest, err := takeBytes(rest)
		if err != nil {
			return nil, nil, err
		}
		return TargetEventCommand{M: m, Target: MemberId(target), Payload: p}, rest, nil
	case KindDelete:
		return DeleteCommand{M: m}, buf, nil
	case KindDeleteField:
		return DeleteFieldCommand{M: m}, buf, nil
	case KindAttachToRoom:
		return AttachToRoomCommand{M: m}, buf, nil
	case KindDetachFromRoom:
		return DetachFromRoomCommand{M: m}, buf, nil
	case KindForwarded:
		creator, rest, err := takeUvarint(buf)
		if err != nil {
			return nil, nil, err
		}
		inner, rest, err := decodeOne(newContext(), rest)
		if err != nil {
			return nil, nil, err
		}
		return ForwardedCommand{M: m, Creator: MemberId(creator), Inner: inner}, rest, nil

	case KindS2CCreate:
		t, rest, err := takeUvarint(buf)
		if err != nil {
			return nil, nil, err
		}
		g, rest, err := takeUvarint(rest)
		if err != nil {
			return nil, nil, err
		}
		return S2CCreateCommand{M: m, TemplateId: TemplateId(t), AccessGroups: AccessGroups(g)}, rest, nil
	case KindS2CCreated:
		return S2CCreatedCommand{M: m}, buf, nil
	case KindS2CSetLong:
		v, rest, err := takeVarint(buf)
		if err != nil {
			return nil, nil, err
		}
		return S2CSetLongCommand{M: m, Value: v}, rest, nil
	case KindS2CSetDouble:
		v, rest, err := decodeFloat(buf)
		if err != nil {
			return nil, nil, err
		}
		return S2CSetDoubleCommand{M: m, Value: v}, rest, nil
	case KindS2CSetStructure:
		v, rest, err := takeBytes(buf)
		if err != nil {
			return nil, nil, err
		}
		return S2CSetStructureCommand{M: m, Value: v}, rest, nil
	case KindS2CEvent:
		p, rest, err := takeBytes(buf)
		if err != nil {
			return nil, nil, err
		}
		return S2CEventCommand{M: m, Payload: p}, rest, nil
	case KindS2CDelete:
		return S2CDeleteCommand{M: m}, buf, nil
	case KindS2CDeleteField:
		return S2CDeleteFieldCommand{M: m}, buf, nil
	case KindS2CMemberConnected:
		v, rest, err := takeUvarint(buf)
		if err != nil {
			return nil, nil, err
		}
		return S2CMemberConnectedCommand{M: m, Member: MemberId(v)}, rest, nil
	case KindS2CMemberDisconnected:
		v, rest, err := takeUvarint(buf)
		if err != nil {
			return nil, nil, err
		}
		return S2CMemberDisconnectedCommand{M: m, Member: MemberId(v)}, rest, nil
	case KindS2CForwarded:
		creator, rest, err := takeUvarint(buf)
		if err != nil {
			return nil, nil, err
		}
		inner, rest, err := decodeOne(newContext(), rest)
		if err != nil {
			return nil, nil, err
		}
		return S2CForwardedCommand{M: m, Creator: MemberId(creator), Inner: inner}, rest, nil

	default:
		return nil, nil, fmt.Errorf("protocol: unknown command type id %d", kind)
	}
}
