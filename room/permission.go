package room

import "relay/protocol"

// PermissionRule is one entry of an override list: the first rule whose
// Groups intersects the caller's access groups wins (spec.md §4.6).
type PermissionRule struct {
	Groups     protocol.AccessGroups
	Permission protocol.Permission
}

// PermissionTable is the three-level permission structure: a default, a
// per-template override list, and a per-(template, field) override list.
// It is the decode target for the YAML permission config the original
// implementation loads at room-creation time (SPEC_FULL.md "YAML room
// templates"); this package only consumes the decoded struct.
type PermissionTable struct {
	Default          protocol.Permission
	PerTemplate      map[protocol.TemplateId][]PermissionRule
	PerTemplateField map[protocol.TemplateId]map[protocol.FieldId][]PermissionRule

	cache map[permissionCacheKey]protocol.Permission
}

type permissionCacheKey struct {
	template protocol.TemplateId
	field    protocol.FieldId
	groups   protocol.AccessGroups
}

// NewPermissionTable returns a table with the given default and empty
// overrides.
func NewPermissionTable(def protocol.Permission) *PermissionTable {
	return &PermissionTable{
		Default:          def,
		PerTemplate:      make(map[protocol.TemplateId][]PermissionRule),
		PerTemplateField: make(map[protocol.TemplateId]map[protocol.FieldId][]PermissionRule),
		cache:            make(map[permissionCacheKey]protocol.Permission),
	}
}

// SetTemplateFieldRules replaces the (template, field) override list and
// invalidates the memoization cache (spec.md §4.6 "invalidated when the
// room's permission table is updated").
func (t *PermissionTable) SetTemplateFieldRules(template protocol.TemplateId, field protocol.FieldId, rules []PermissionRule) {
	if t.PerTemplateField[template] == nil {
		t.PerTemplateField[template] = make(map[protocol.FieldId][]PermissionRule)
	}
	t.PerTemplateField[template][field] = rules
	t.invalidate()
}

// SetTemplateRules replaces the per-template override list.
func (t *PermissionTable) SetTemplateRules(template protocol.TemplateId, rules []PermissionRule) {
	t.PerTemplate[template] = rules
	t.invalidate()
}

func (t *PermissionTable) invalidate() {
	t.cache = make(map[permissionCacheKey]protocol.Permission)
}

// Get walks overrides from specific to general to default, returning the
// first matching rule's permission, memoized by (template, field, groups).
func (t *PermissionTable) Get(template protocol.TemplateId, field protocol.FieldId, groups protocol.AccessGroups) protocol.Permission {
	key := permissionCacheKey{template, field, groups}
	if p, ok := t.cache[key]; ok {
		return p
	}
	p := t.resolve(template, field, groups)
	t.cache[key] = p
	return p
}

func (t *PermissionTable) resolve(template protocol.TemplateId, field protocol.FieldId, groups protocol.AccessGroups) protocol.Permission {
	if byField, ok := t.PerTemplateField[template]; ok {
		if rules, ok := byField[field]; ok {
			if p, ok := firstMatch(rules, groups); ok {
				return p
			}
		}
	}
	if rules, ok := t.PerTemplate[template]; ok {
		if p, ok := firstMatch(rules, groups); ok {
			return p
		}
	}
	return t.Default
}

func firstMatch(rules []PermissionRule, groups protocol.AccessGroups) (protocol.Permission, bool) {
	for _, r := range rules {
		if r.Groups.Intersects(groups) {
			return r.Permission, true
		}
	}
	return 0, false
}
