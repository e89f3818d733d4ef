package store

import "fmt"

type preKind int

const (
	preNone preKind = iota
	preIfAbsent
	preIfMatch
)

// Precondition selects the conditional-write mode of a Put. The zero value
// writes unconditionally.
type Precondition struct {
	kind preKind
	etag string
}

// None writes unconditionally.
func None() Precondition {
	return Precondition{}
}

// IfAbsent succeeds only when the key does not exist yet (create-only).
func IfAbsent() Precondition {
	return Precondition{kind: preIfAbsent}
}

// IfMatch succeeds only when the stored object still carries etag
// (update-only-if-unchanged).
func IfMatch(etag string) Precondition {
	return Precondition{kind: preIfMatch, etag: etag}
}

// String describes the precondition for error messages.
func (p Precondition) String() string {
	switch p.kind {
	case preIfAbsent:
		return "if-absent"
	case preIfMatch:
		return fmt.Sprintf("if-match(%s)", p.etag)
	default:
		return "none"
	}
}
