package room

import "relay/protocol"

// MemberStatus tracks how far a member has progressed through attach
// (spec.md §3 "Member").
type MemberStatus uint8

const (
	MemberCreated MemberStatus = iota
	MemberConnected
	MemberAttached
)

// FieldValue is a typed initial value for a PredefinedObject field.
type FieldValue struct {
	Kind      FieldKind
	Long      int64
	Double    float64
	Structure []byte
}

type FieldKind uint8

const (
	FieldKindLong FieldKind = iota
	FieldKindDouble
	FieldKindStructure
)

// PredefinedObject is materialized into the room the first time its owning
// member is seen (spec.md §4.5 "register_member" / "execute_commands").
type PredefinedObject struct {
	LocalId      uint32 // combined with the owning member to form an ObjectId
	TemplateId   protocol.TemplateId
	AccessGroups protocol.AccessGroups
	Fields       map[protocol.FieldId]FieldValue
}

// resetCapacity bounds the number of compare-and-set reset registrations a
// single member may hold, preventing unbounded client-driven growth
// (spec.md §9 "Compare-and-set reset map").
const resetCapacity = 256

type resetKey struct {
	object protocol.ObjectId
	field  protocol.FieldId
}

type resetEntry struct {
	long      int64
	structure []byte
	isLong    bool
}

// Template is a member's registration-time configuration: its private key,
// access groups, and objects to materialize on first contact.
type Template struct {
	PrivateKey        protocol.PrivateKey
	AccessGroups      protocol.AccessGroups
	PredefinedObjects []PredefinedObject
}

// Member is a connected client within a room.
type Member struct {
	Id       protocol.MemberId
	Status   MemberStatus
	Template Template

	outCommands []protocol.Command

	resets map[resetKey]resetEntry
}

func newMember(id protocol.MemberId, tmpl Template) *Member {
	return &Member{
		Id:       id,
		Status:   MemberCreated,
		Template: tmpl,
		resets:   make(map[resetKey]resetEntry),
	}
}

// Enqueue appends a command to this member's outbound queue, to be drained
// by the network loop into the reliability engine (spec.md §4.7).
func (m *Member) Enqueue(cmd protocol.Command) { m.outCommands = append(m.outCommands, cmd) }

// DrainOutbound removes and returns every queued outbound command.
func (m *Member) DrainOutbound() []protocol.Command {
	out := m.outCommands
	m.outCommands = nil
	return out
}

// registerReset records (or clears) a compare-and-set rollback value for
// (object, field). A nil value with isLong=false and structure=nil with
// present=false clears the entry, matching spec.md §4.6 "a second
// compare-and-set ... with reset absent clears the prior registration".
func (m *Member) registerReset(object protocol.ObjectId, field protocol.FieldId, present bool, entry resetEntry) error {
	key := resetKey{object, field}
	if !present {
		delete(m.resets, key)
		return nil
	}
	if _, exists := m.resets[key]; !exists && len(m.resets) >= resetCapacity {
		return ErrResetMapFull
	}
	m.resets[key] = entry
	return nil
}
