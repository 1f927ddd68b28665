package protocol

import "fmt"

// creatorSource is the 2-bit tag controlling how a command's creator member
// is carried on the wire (spec.md §4.4).
type creatorSource uint8

const (
	creatorNotSupported creatorSource = iota
	creatorCurrent
	creatorNew
	creatorAsObjectOwner
)

// context is the mutable delta-compression state threaded through one
// frame's worth of commands. A fresh context is used per frame: the "only
// fields that changed from the previous command in the same frame" rule in
// spec.md §1 scopes delta compression to a single frame, not a connection.
type context struct {
	hasObject  bool
	object     ObjectId
	hasField   bool
	field      FieldId
	hasChannel bool
	channel    ChannelGroup
	relKind    ReliabilityKind
	hasCreator bool
	creator    MemberId
}

func newContext() *context { return &context{} }

// encodeCommands encodes every command in commands into a fresh context,
// appending to buf.
func encodeCommands(buf []byte, commands []Command) ([]byte, error) {
	buf = putUvarint(buf, uint64(len(commands)))
	ctx := newContext()
	for _, cmd := range commands {
		var err error
		buf, err = encodeOne(ctx, buf, cmd)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// decodeCommands decodes as many commands as possible from buf. Truncated
// input, or a command that relies on an object id or channel the context
// does not hold yet, stops decoding and returns what was decoded so far
// alongside an error wrapping ErrTruncated. Any other decode error (such as
// an unknown type id) drops that command; its body length is unknown, so
// no input is left for the commands after it and the next one stops
// decoding as truncated. A Current or AsObjectOwner creator that cannot be
// resolved is not an error: the command is kept with creator 0.
func decodeCommands(buf []byte) ([]Command, error) {
	n, rest, err := takeUvarint(buf)
	if err != nil {
		return nil, nil // an empty/absent command section is not an error
	}
	ctx := newContext()
	commands := make([]Command, 0, n)
	for i := uint64(0); i < n; i++ {
		var cmd Command
		cmd, rest, err = decodeOne(ctx, rest)
		if err != nil {
			if err == ErrTruncated {
				return commands, fmt.Errorf("protocol: command %d/%d: %w", i, n, err)
			}
			// The failed command is dropped. decodeOne returns no remaining
			// input on error, so any later command fails as truncated.
			continue
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

// header bits, packed into two bytes: byte0 = kind(5) | newObject(1) |
// newField(1) | newChannel(1); byte1 = creatorSource(2).
func encodeHeader(buf []byte, kind CommandKind, newObject, newField, newChannel bool, cs creatorSource) []byte {
	b0 := byte(kind) & 0x1f
	if newObject {
		b0 |= 1 << 5
	}
	if newField {
		b0 |= 1 << 6
	}
	if newChannel {
		b0 |= 1 << 7
	}
	return append(buf, b0, byte(cs)&0x3)
}

type decodedHeader struct {
	kind       CommandKind
	newObject  bool
	newField   bool
	newChannel bool
	creatorSrc creatorSource
}

func decodeHeader2(buf []byte) (decodedHeader, []byte, error) {
	if len(buf) < 2 {
		return decodedHeader{}, nil, ErrTruncated
	}
	b0, b1 := buf[0], buf[1]
	return decodedHeader{
		kind:       CommandKind(b0 & 0x1f),
		newObject:  b0&(1<<5) != 0,
		newField:   b0&(1<<6) != 0,
		newChannel: b0&(1<<7) != 0,
		creatorSrc: creatorSource(b1 & 0x3),
	}, buf[2:], nil
}

// hasFieldSlot reports, for a command kind, whether it addresses a field id
// at all (not whether it changed — that's the "new" flags). Commands like
// Delete and CreateGameObject need an object id but no field.
func hasFieldSlot(kind CommandKind) bool {
	switch kind {
	case KindCreateGameObject, KindCreatedGameObject, KindDelete,
		KindAttachToRoom, KindDetachFromRoom, KindForwarded,
		KindS2CCreate, KindS2CCreated, KindS2CDelete,
		KindS2CMemberConnected, KindS2CMemberDisconnected, KindS2CForwarded:
		return false
	default:
		return true
	}
}

func encodeObjectId(ctx *context, buf []byte, id ObjectId) (out []byte, changed bool) {
	if ctx.hasObject && ctx.object == id {
		return buf, false
	}
	buf = putUvarint(buf, uint64(id.Id))
	if !id.Owner.Room {
		buf = putUvarint(buf, uint64(id.Owner.Member))
	}
	ctx.hasObject = true
	ctx.object = id
	return buf, true
}

func decodeObjectId(buf []byte) (ObjectId, []byte, error) {
	id, rest, err := takeUvarint(buf)
	if err != nil {
		return ObjectId{}, nil, err
	}
	var owner ObjectOwner
	if id < memberOwnedCeiling {
		member, r2, err := takeUvarint(rest)
		if err != nil {
			return ObjectId{}, nil, err
		}
		owner = MemberOwner(MemberId(member))
		rest = r2
	} else {
		owner = RoomOwner()
	}
	return ObjectId{Id: uint32(id), Owner: owner}, rest, nil
}

func encodeChannel(ctx *context, buf []byte, g ReliabilityGuarantees) (out []byte, changed bool) {
	if ctx.hasChannel && ctx.channel == g.Group && ctx.relKind == g.Kind {
		return buf, false
	}
	buf = putUvarint(buf, uint64(g.Group))
	buf = append(buf, byte(g.Kind))
	ctx.hasChannel = true
	ctx.channel = g.Group
	ctx.relKind = g.Kind
	return buf, true
}

func encodeCreator(ctx *context, buf []byte, kind CommandKind, m Meta) ([]byte, creatorSource) {
	// Only Forwarded/S2C commands carry an explicit creator; everything
	// else is attributed to the sending member by the executor after decode.
	switch kind {
	case KindForwarded, KindS2CForwarded,
		KindS2CCreate, KindS2CCreated, KindS2CSetLong, KindS2CSetDouble,
		KindS2CSetStructure, KindS2CEvent, KindS2CDelete, KindS2CDeleteField:
		// fall through to encode
	default:
		return buf, creatorNotSupported
	}
	if ctx.hasCreator && ctx.creator == m.Creator {
		return buf, creatorCurrent
	}
	if !m.Object.Owner.Room && m.Object.Owner.Member == m.Creator {
		ctx.hasCreator = true
		ctx.creator = m.Creator
		return buf, creatorAsObjectOwner
	}
	buf2 := putUvarint(buf, uint64(m.Creator))
	ctx.hasCreator = true
	ctx.creator = m.Creator
	return buf2, creatorNew
}

// resolveCreator applies the decoded creatorSource, advancing buf only when
// the source carries an inline value. ok is false on a recoverable
// context-missing-field condition (e.g. Current requested with empty
// context); callers substitute the zero MemberId and keep decoding.
func resolveCreator(ctx *context, buf []byte, src creatorSource, object ObjectId) (MemberId, []byte, bool) {
	switch src {
	case creatorNotSupported:
		return 0, buf, true
	case creatorCurrent:
		if !ctx.hasCreator {
			return 0, buf, false
		}
		return ctx.creator, buf, true
	case creatorNew:
		v, rest, err := takeUvarint(buf)
		if err != nil {
			return 0, buf, false
		}
		ctx.hasCreator = true
		ctx.creator = MemberId(v)
		return ctx.creator, rest, true
	case creatorAsObjectOwner:
		if object.Owner.Room {
			return 0, buf, false
		}
		ctx.hasCreator = true
		ctx.creator = object.Owner.Member
		return object.Owner.Member, buf, true
	default:
		return 0, buf, false
	}
}

func encodeOne(ctx *context, buf []byte, cmd Command) ([]byte, error) {
	kind := cmd.Kind()
	m := cmd.Meta()

	// The header must be emitted before the varints it gates, so compute the
	// "changed" flags first against a scratch copy of the context, then
	// mutate the real context while encoding for real.
	scratch := *ctx
	_, objChanged := encodeObjectId(&scratch, nil, m.Object)
	fieldChanged := false
	if hasFieldSlot(kind) && m.HasField {
		fieldChanged = !scratch.hasField || scratch.field != m.Field
	}
	_, chanChanged := encodeChannel(&scratch, nil, m.Reliability)

	_, cs := encodeCreator(&scratch, nil, kind, m)

	buf = encodeHeader(buf, kind, objChanged, fieldChanged, chanChanged, cs)
	buf, _ = encodeObjectId(ctx, buf, m.Object)
	if hasFieldSlot(kind) && m.HasField && fieldChanged {
		buf = putUvarint(buf, uint64(m.Field))
		ctx.hasField = true
		ctx.field = m.Field
	}
	buf, _ = encodeChannel(ctx, buf, m.Reliability)
	if ctx.relKind.Ordered() {
		buf = putUvarint(buf, uint64(m.Reliability.Sequence))
	}
	buf, _ = encodeCreator(ctx, buf, kind, m)

	return encodeBody(buf, cmd)
}

func decodeOne(ctx *context, buf []byte) (Command, []byte, error) {
	hdr, rest, err := decodeHeader2(buf)
	if err != nil {
		return nil, nil, err
	}
	var m Meta
	if hdr.newObject {
		var oid ObjectId
		oid, rest, err = decodeObjectId(rest)
		if err != nil {
			return nil, nil, err
		}
		ctx.hasObject = true
		ctx.object = oid
	}
	if !ctx.hasObject {
		return nil, nil, ErrTruncated
	}
	m.Object = ctx.object

	if hasFieldSlot(hdr.kind) {
		if hdr.newField {
			var f uint64
			f, rest, err = takeUvarint(rest)
			if err != nil {
				return nil, nil, err
			}
			ctx.hasField = true
			ctx.field = FieldId(f)
		}
		if ctx.hasField {
			m.Field = ctx.field
			m.HasField = true
		}
	}

	if hdr.newChannel {
		var g uint64
		g, rest, err = takeUvarint(rest)
		if err != nil {
			return nil, nil, err
		}
		if len(rest) < 1 {
			return nil, nil, ErrTruncated
		}
		ctx.hasChannel = true
		ctx.channel = ChannelGroup(g)
		ctx.relKind = ReliabilityKind(rest[0])
		rest = rest[1:]
	}
	if !ctx.hasChannel {
		return nil, nil, ErrTruncated
	}
	m.Reliability = ReliabilityGuarantees{Kind: ctx.relKind, Group: ctx.channel}
	if ctx.relKind.Ordered() {
		var seq uint64
		seq, rest, err = takeUvarint(rest)
		if err != nil {
			return nil, nil, err
		}
		m.Reliability.Sequence = ChannelSequence(seq)
	}

	creator, rest2, ok := resolveCreator(ctx, rest, hdr.creatorSrc, m.Object)
	if !ok {
		// Recoverable: substitute zero creator and keep the bytes resolveCreator
		// already consumed (it returns the original rest on failure).
		creator = 0
	} else {
		rest = rest2
	}
	m.Creator = creator

	return decodeBody(hdr.kind, m, rest)
}
