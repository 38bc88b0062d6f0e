package rules

import (
	"fmt"
	"sort"
	"strings"

	"desitarget/internal/bitmask"
)

// CyclicAliasError reports an alias chain that revisits a bit.
type CyclicAliasError struct {
	Mask  string
	Chain []string
}

func (e CyclicAliasError) Error() string {
	return fmt.Sprintf("cyclic alias in %s: %s", e.Mask, strings.Join(e.Chain, " -> "))
}

type key struct{ mask, bit string }

// Resolver follows alias chains through a set of tables, memoizing every
// (mask, bit) it settles. It is not safe for concurrent use; Flatten the
// tables for shared read access.
type Resolver[T any] struct {
	tables Tables[T]
	memo   map[key]Resolved[T]
}

// NewResolver returns a resolver over tables.
func NewResolver[T any](tables Tables[T]) *Resolver[T] {
	return &Resolver[T]{tables: tables, memo: make(map[key]Resolved[T])}
}

// Resolve returns the concrete value bit's rule ends at. The walk is
// iterative; a repeated name yields CyclicAliasError and a name absent from
// the mask's table yields bitmask.UnknownBitError.
func (r *Resolver[T]) Resolve(mask, bit string) (Resolved[T], error) {
	table, ok := r.tables[mask]
	if !ok {
		return Resolved[T]{}, bitmask.UnknownMaskError{Mask: mask}
	}
	var chain []string
	visited := make(map[string]bool)
	cur := bit
	var out Resolved[T]
	for {
		if v, ok := r.memo[key{mask, cur}]; ok {
			out = v
			break
		}
		if visited[cur] {
			return Resolved[T]{}, CyclicAliasError{Mask: mask, Chain: append(chain, cur)}
		}
		rule, ok := table[cur]
		if !ok {
			return Resolved[T]{}, bitmask.UnknownBitError{Mask: mask, Bit: cur}
		}
		visited[cur] = true
		chain = append(chain, cur)
		if rule.kind == KindAlias {
			cur = rule.target
			continue
		}
		out = Resolved[T]{Value: rule.value, Applicable: rule.kind == KindConcrete}
		break
	}
	for _, name := range chain {
		r.memo[key{mask, name}] = out
	}
	return out, nil
}

// Flat is a fully resolved, immutable table set.
type Flat[T any] struct {
	masks map[string]map[string]Resolved[T]
}

// Flatten resolves every entry of tables. Masks and bits are visited in
// sorted order so the first reported error is deterministic.
func Flatten[T any](tables Tables[T]) (*Flat[T], error) {
	r := NewResolver(tables)
	f := &Flat[T]{masks: make(map[string]map[string]Resolved[T], len(tables))}
	for _, mask := range sortedKeys(tables) {
		table := tables[mask]
		out := make(map[string]Resolved[T], len(table))
		for _, bit := range sortedKeys(table) {
			v, err := r.Resolve(mask, bit)
			if err != nil {
				return nil, err
			}
			out[bit] = v
		}
		f.masks[mask] = out
	}
	return f, nil
}

// Get returns the resolved entry for (mask, bit); ok is false when the table
// has no entry for it.
func (f *Flat[T]) Get(mask, bit string) (Resolved[T], bool) {
	v, ok := f.masks[mask][bit]
	return v, ok
}

// Masks returns the mask names with a table, sorted.
func (f *Flat[T]) Masks() []string {
	return sortedKeys(f.masks)
}

// Bits returns the bits of mask with an entry, sorted.
func (f *Flat[T]) Bits(mask string) []string {
	return sortedKeys(f.masks[mask])
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
