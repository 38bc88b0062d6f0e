package rules

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"desitarget/internal/bitmask"
	"desitarget/internal/obsstate"
)

// BitLookup is the part of a registry the parsers need to check that table
// keys name real bits.
type BitLookup interface {
	Lookup(mask, bit string) (bitmask.BitDefinition, error)
}

// requiredStates must appear in every priority mapping. DONOTOBSERVE
// defaults to 0 when omitted.
var requiredStates = []obsstate.State{
	obsstate.Unobs, obsstate.Obs, obsstate.Done, obsstate.MoreZWarn, obsstate.MoreZGood,
}

// ParsePriorities decodes a priorities block. A nil node yields empty tables.
func ParsePriorities(node *yaml.Node, reg BitLookup) (Tables[StateValues], error) {
	return parseBlock[StateValues](bitmask.PrioritiesKey, node, reg, parsePriorityEntry)
}

// ParseNumObs decodes a numobs block. A nil node yields empty tables.
func ParseNumObs(node *yaml.Node, reg BitLookup) (Tables[int], error) {
	return parseBlock[int](bitmask.NumObsKey, node, reg, parseNumObsEntry)
}

type entryParser[T any] func(block, mask, bit string, v *yaml.Node) (Rule[T], error)

func parseBlock[T any](block string, node *yaml.Node, reg BitLookup, parse entryParser[T]) (Tables[T], error) {
	out := make(Tables[T])
	if node == nil {
		return out, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, bitmask.ConfigError{Line: node.Line, Msg: block + " must be a mapping of mask name to table"}
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		mk, mv := node.Content[i], node.Content[i+1]
		mask := mk.Value
		if _, ok := out[mask]; ok {
			return nil, configErrorf(mask, mk.Line, "%s: table defined twice", block)
		}
		if mv.Kind != yaml.MappingNode {
			return nil, configErrorf(mask, mv.Line, "%s: table must be a mapping of bit name to rule", block)
		}
		table := make(Table[T], len(mv.Content)/2)
		for j := 0; j+1 < len(mv.Content); j += 2 {
			bk, bv := mv.Content[j], mv.Content[j+1]
			bit := bk.Value
			if _, ok := table[bit]; ok {
				return nil, configErrorf(mask, bk.Line, "%s: bit %s listed twice", block, bit)
			}
			if _, err := reg.Lookup(mask, bit); err != nil {
				return nil, err
			}
			rule, err := parse(block, mask, bit, bv)
			if err != nil {
				return nil, err
			}
			table[bit] = rule
		}
		out[mask] = table
	}
	return out, nil
}

// parseScalar handles the two scalar forms shared by both blocks: -1 and
// SAME_AS_<BIT>. ok is false for any other scalar.
func parseScalar[T any](block, mask, bit string, v *yaml.Node) (Rule[T], bool, error) {
	if v.Kind != yaml.ScalarNode {
		return Rule[T]{}, false, nil
	}
	s := strings.TrimSpace(v.Value)
	if strings.HasPrefix(s, AliasPrefix) {
		target := strings.TrimPrefix(s, AliasPrefix)
		if target == "" {
			return Rule[T]{}, false, configErrorf(mask, v.Line, "%s: bit %s: alias has no target", block, bit)
		}
		return Alias[T](target), true, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n == -1 {
		return NotApplicable[T](), true, nil
	}
	return Rule[T]{}, false, nil
}

func parsePriorityEntry(block, mask, bit string, v *yaml.Node) (Rule[StateValues], error) {
	if r, ok, err := parseScalar[StateValues](block, mask, bit, v); err != nil || ok {
		return r, err
	}
	if v.Kind != yaml.MappingNode {
		return Rule[StateValues]{}, configErrorf(mask, v.Line, "%s: bit %s: expected a state mapping, -1 or %s<BIT>, got %q", block, bit, AliasPrefix, v.Value)
	}
	var vals StateValues
	var set [obsstate.NumStates]bool
	for i := 0; i+1 < len(v.Content); i += 2 {
		sk, sv := v.Content[i], v.Content[i+1]
		st, err := obsstate.Parse(sk.Value)
		if err != nil {
			return Rule[StateValues]{}, configErrorf(mask, sk.Line, "%s: bit %s: %v", block, bit, err)
		}
		if set[st] {
			return Rule[StateValues]{}, configErrorf(mask, sk.Line, "%s: bit %s: state %s listed twice", block, bit, st)
		}
		n, err := intValue(sv)
		if err != nil || n < -1 {
			return Rule[StateValues]{}, configErrorf(mask, sv.Line, "%s: bit %s: %s must be an integer >= -1", block, bit, st)
		}
		vals[st] = n
		set[st] = true
	}
	for _, st := range requiredStates {
		if !set[st] {
			return Rule[StateValues]{}, configErrorf(mask, v.Line, "%s: bit %s: missing state %s", block, bit, st)
		}
	}
	return Concrete(vals), nil
}

func parseNumObsEntry(block, mask, bit string, v *yaml.Node) (Rule[int], error) {
	if r, ok, err := parseScalar[int](block, mask, bit, v); err != nil || ok {
		return r, err
	}
	n, err := intValue(v)
	if err != nil || n < 0 {
		return Rule[int]{}, configErrorf(mask, v.Line, "%s: bit %s: expected a non-negative integer, -1 or %s<BIT>", block, bit, AliasPrefix)
	}
	return Concrete(n), nil
}

func intValue(v *yaml.Node) (int, error) {
	var n int
	if v.Kind != yaml.ScalarNode {
		return 0, bitmask.ConfigError{Msg: "not a scalar"}
	}
	if err := v.Decode(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func configErrorf(mask string, line int, format string, args ...any) bitmask.ConfigError {
	return bitmask.ConfigError{Mask: mask, Line: line, Msg: fmt.Sprintf(format, args...)}
}
