package room

import "errors"

// Sentinel errors match the state/permission taxonomy of spec.md §7. Each
// also carries a machine-readable Tag so the management surface (§6) can
// report a stable string to callers without leaking Go error internals.
var (
	ErrMemberNotFound     = withTag(errors.New("room: member not found"), "MemberNotFound")
	ErrGameObjectNotFound = withTag(errors.New("room: game object not found"), "GameObjectNotFound")
	ErrAccessDenied       = withTag(errors.New("room: access denied"), "AccessDenied")
	ErrSingletonKeyTaken  = withTag(errors.New("room: singleton key already registered"), "SingletonKeyTaken")
	ErrResetMapFull       = withTag(errors.New("room: compare-and-set reset map full"), "ResetMapFull")
)

// Tagged is implemented by errors the management surface must report with a
// stable machine-readable tag (spec.md §7 "Management errors").
type Tagged interface {
	error
	Tag() string
}

type taggedErr struct {
	error
	tag string
}

func (t taggedErr) Tag() string { return t.tag }

func withTag(err error, tag string) error { return taggedErr{error: err, tag: tag} }
