// Package room implements the per-room execution model: object ownership,
// field storage, access-group filtering, permission lookup, compare-and-set
// with rollback, and S2C fan-out (spec.md §4.5-§4.7).
package room

import "relay/protocol"

// GameObject is one entity in a room: an id, a template, an access mask, and
// three independent sparse field stores (spec.md §3).
type GameObject struct {
	Id           protocol.ObjectId
	TemplateId   protocol.TemplateId
	AccessGroups protocol.AccessGroups
	Created      bool

	long      map[protocol.FieldId]int64
	double    map[protocol.FieldId]float64
	structure map[protocol.FieldId][]byte

	// casOwner records which member last won a compare-and-set on a field,
	// for rollback on disconnect (spec.md §4.6).
	casOwner map[protocol.FieldId]protocol.MemberId
}

func newGameObject(id protocol.ObjectId, templateID protocol.TemplateId, groups protocol.AccessGroups) *GameObject {
	return &GameObject{
		Id:           id,
		TemplateId:   templateID,
		AccessGroups: groups,
		long:         make(map[protocol.FieldId]int64),
		double:       make(map[protocol.FieldId]float64),
		structure:    make(map[protocol.FieldId][]byte),
		casOwner:     make(map[protocol.FieldId]protocol.MemberId),
	}
}

// OwnedBy reports whether member owns this object.
func (o *GameObject) OwnedBy(member protocol.MemberId) bool {
	return !o.Id.Owner.Room && o.Id.Owner.Member == member
}

func (o *GameObject) Long(field protocol.FieldId) (int64, bool) {
	v, ok := o.long[field]
	return v, ok
}

func (o *GameObject) SetLong(field protocol.FieldId, v int64) { o.long[field] = v }

func (o *GameObject) IncrementLong(field protocol.FieldId, delta int64) int64 {
	v := o.long[field] + delta
	o.long[field] = v
	return v
}

func (o *GameObject) Double(field protocol.FieldId) (float64, bool) {
	v, ok := o.double[field]
	return v, ok
}

func (o *GameObject) SetDouble(field protocol.FieldId, v float64) { o.double[field] = v }

func (o *GameObject) IncrementDouble(field protocol.FieldId, delta float64) float64 {
	v := o.double[field] + delta
	o.double[field] = v
	return v
}

func (o *GameObject) Structure(field protocol.FieldId) ([]byte, bool) {
	v, ok := o.structure[field]
	return v, ok
}

func (o *GameObject) SetStructure(field protocol.FieldId, v []byte) { o.structure[field] = v }

func (o *GameObject) DeleteField(field protocol.FieldId) {
	delete(o.long, field)
	delete(o.double, field)
	delete(o.structure, field)
	delete(o.casOwner, field)
}

// CasOwner returns the member that last won a compare-and-set on field.
func (o *GameObject) CasOwner(field protocol.FieldId) (protocol.MemberId, bool) {
	m, ok := o.casOwner[field]
	return m, ok
}

func (o *GameObject) setCasOwner(field protocol.FieldId, member protocol.MemberId) {
	o.casOwner[field] = member
}

// snapshotCommands returns the S2C commands needed to replay this object's
// current state to a newly-attaching member: Create, every populated field,
// then Created (spec.md §4.5 "Insertion order").
func (o *GameObject) snapshotCommands(channel protocol.ReliabilityGuarantees) []protocol.Command {
	cmds := make([]protocol.Command, 0, 2+len(o.long)+len(o.double)+len(o.structure))
	cmds = append(cmds, protocol.S2CCreateCommand{
		M:            protocol.Meta{Object: o.Id, Reliability: channel},
		TemplateId:   o.TemplateId,
		AccessGroups: o.AccessGroups,
	})
	for field, v := range o.long {
		cmds = append(cmds, protocol.S2CSetLongCommand{
			M:     protocol.Meta{Object: o.Id, Field: field, HasField: true, Reliability: channel},
			Value: v,
		})
	}
	for field, v := range o.double {
		cmds = append(cmds, protocol.S2CSetDoubleCommand{
			M:     protocol.Meta{Object: o.Id, Field: field, HasField: true, Reliability: channel},
			Value: v,
		})
	}
	for field, v := range o.structure {
		cmds = append(cmds, protocol.S2CSetStructureCommand{
			M:     protocol.Meta{Object: o.Id, Field: field, HasField: true, Reliability: channel},
			Value: v,
		})
	}
	cmds = append(cmds, protocol.S2CCreatedCommand{M: protocol.Meta{Object: o.Id, Reliability: channel}})
	return cmds
}
