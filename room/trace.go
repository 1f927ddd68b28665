package room

import "relay/protocol"

// TraceEvent is emitted for every executed command when a debug subscriber
// is attached (SPEC_FULL.md "Supplemented Features" §1, grounded on the
// original implementation's debug/trace hook).
type TraceEvent struct {
	Room   protocol.RoomId
	Object protocol.ObjectId
	Field  protocol.FieldId
	Kind   protocol.CommandKind
	Actor  protocol.MemberId
}

const traceBuffer = 64

// Subscribe returns a channel that receives a TraceEvent for every command
// this room executes from now on. Only one subscriber is supported at a
// time; a second Subscribe call replaces the first. Events are dropped,
// never blocked on, if the channel is full.
func (r *Room) Subscribe() <-chan TraceEvent {
	ch := make(chan TraceEvent, traceBuffer)
	r.trace = ch
	return ch
}

// Unsubscribe stops emitting trace events and closes the channel returned
// by Subscribe.
func (r *Room) Unsubscribe() {
	if r.trace != nil {
		close(r.trace)
		r.trace = nil
	}
}

// emitTrace is the nil-channel fast path: a room with no subscriber pays
// nothing beyond this check.
func (r *Room) emitTrace(cmd protocol.Command, actor protocol.MemberId) {
	if r.trace == nil {
		return
	}
	meta := cmd.Meta()
	ev := TraceEvent{Room: r.Id, Object: meta.Object, Field: meta.Field, Kind: cmd.Kind(), Actor: actor}
	select {
	case r.trace <- ev:
	default:
	}
}
