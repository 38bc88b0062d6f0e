// Package rules holds the per-bit priority and numobs tables of a target-mask
// document and resolves their SAME_AS_ aliases into flat concrete tables.
package rules

import (
	"fmt"
	"strings"

	"desitarget/internal/obsstate"
)

// AliasPrefix marks an entry that reuses another bit's rule.
const AliasPrefix = "SAME_AS_"

// Kind tags the variant held by a Rule.
type Kind int

const (
	KindConcrete Kind = iota
	KindAlias
	KindNotApplicable
)

func (k Kind) String() string {
	switch k {
	case KindConcrete:
		return "concrete"
	case KindAlias:
		return "alias"
	case KindNotApplicable:
		return "not-applicable"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Rule is one table entry: a concrete value, an alias to another bit of the
// same mask, or not applicable.
type Rule[T any] struct {
	kind   Kind
	value  T
	target string
}

// Concrete returns a rule holding v.
func Concrete[T any](v T) Rule[T] {
	return Rule[T]{kind: KindConcrete, value: v}
}

// Alias returns a rule that resolves to bit's rule.
func Alias[T any](bit string) Rule[T] {
	return Rule[T]{kind: KindAlias, target: bit}
}

// NotApplicable returns the -1 rule.
func NotApplicable[T any]() Rule[T] {
	return Rule[T]{kind: KindNotApplicable}
}

func (r Rule[T]) Kind() Kind { return r.kind }

// Value returns the concrete value and whether the rule is concrete.
func (r Rule[T]) Value() (T, bool) {
	return r.value, r.kind == KindConcrete
}

// Target returns the aliased bit name, or "" for non-alias rules.
func (r Rule[T]) Target() string { return r.target }

func (r Rule[T]) String() string {
	switch r.kind {
	case KindAlias:
		return AliasPrefix + r.target
	case KindNotApplicable:
		return "-1"
	}
	return fmt.Sprint(r.value)
}

// Table maps bit names of one mask to rules.
type Table[T any] map[string]Rule[T]

// Tables maps mask names to their tables.
type Tables[T any] map[string]Table[T]

// Resolved is the outcome of following a rule to its end.
type Resolved[T any] struct {
	Value      T
	Applicable bool
}

// StateValues is a priority rule: one value per observation state, -1 where
// the bit does not apply at that state.
type StateValues [obsstate.NumStates]int

// At returns the value for s and whether it applies.
func (v StateValues) At(s obsstate.State) (int, bool) {
	if !s.Valid() {
		return 0, false
	}
	x := v[s]
	return x, x >= 0
}

func (v StateValues) String() string {
	parts := make([]string, 0, len(v))
	for _, s := range obsstate.All() {
		parts = append(parts, fmt.Sprintf("%s: %d", s, v[s]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
