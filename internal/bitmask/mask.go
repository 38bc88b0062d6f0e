package bitmask

import (
	"sort"
	"strings"
)

// MaxBit is the highest bit number a mask may use.
const MaxBit = 63

// BitDefinition describes one named bit of a mask.
type BitDefinition struct {
	Name          string         `json:"name"`
	Bit           int            `json:"bit"`
	Description   string         `json:"description"`
	ObsConditions []ObsCondition `json:"obsconditions,omitempty"`
	// ObsMask is ObsConditions encoded with the document's obsconditions bits.
	ObsMask  uint64 `json:"obsmask"`
	Filename string `json:"filename,omitempty"`
}

// Value returns the integer value of the bit.
func (b BitDefinition) Value() uint64 {
	return uint64(1) << uint(b.Bit)
}

// Mask is an ordered, immutable collection of bit definitions.
type Mask struct {
	name   string
	bits   []BitDefinition
	byName map[string]int
	byBit  map[int]int
}

func newMask(name string) *Mask {
	return &Mask{
		name:   name,
		byName: make(map[string]int),
		byBit:  make(map[int]int),
	}
}

// add appends a definition, rejecting duplicate names and bit numbers.
func (m *Mask) add(def BitDefinition, line int) error {
	if def.Name == "" {
		return configErrorf(m.name, line, "bit name is empty")
	}
	if def.Bit < 0 || def.Bit > MaxBit {
		return configErrorf(m.name, line, "bit %s has number %d outside 0..%d", def.Name, def.Bit, MaxBit)
	}
	if i, ok := m.byName[def.Name]; ok {
		return configErrorf(m.name, line, "duplicate bit name %s (bits %d and %d)", def.Name, m.bits[i].Bit, def.Bit)
	}
	if i, ok := m.byBit[def.Bit]; ok {
		return configErrorf(m.name, line, "duplicate bit number %d (%s and %s)", def.Bit, m.bits[i].Name, def.Name)
	}
	m.byName[def.Name] = len(m.bits)
	m.byBit[def.Bit] = len(m.bits)
	m.bits = append(m.bits, def)
	return nil
}

// Name returns the mask name, e.g. "desi_mask".
func (m *Mask) Name() string { return m.name }

// Len returns the number of defined bits.
func (m *Mask) Len() int { return len(m.bits) }

// Bits returns the definitions in document order.
func (m *Mask) Bits() []BitDefinition {
	out := make([]BitDefinition, len(m.bits))
	copy(out, m.bits)
	return out
}

// Lookup returns the definition of a named bit.
func (m *Mask) Lookup(name string) (BitDefinition, error) {
	i, ok := m.byName[name]
	if !ok {
		return BitDefinition{}, UnknownBitError{Mask: m.name, Bit: name}
	}
	return m.bits[i], nil
}

// ByNumber returns the definition assigned to a bit number.
func (m *Mask) ByNumber(bit int) (BitDefinition, bool) {
	i, ok := m.byBit[bit]
	if !ok {
		return BitDefinition{}, false
	}
	return m.bits[i], true
}

// Value ORs the values of the named bits.
func (m *Mask) Value(names ...string) (uint64, error) {
	var v uint64
	for _, n := range names {
		def, err := m.Lookup(n)
		if err != nil {
			return 0, err
		}
		v |= def.Value()
	}
	return v, nil
}

// Parse accepts a "|" or "," separated list of bit names.
func (m *Mask) Parse(expr string) (uint64, error) {
	return m.Value(splitNames(expr)...)
}

// Names returns the names of the defined bits set in v, lowest bit first.
// Set bits without a definition are ignored.
func (m *Mask) Names(v uint64) []string {
	var out []string
	for _, def := range m.sortedByBit() {
		if v&def.Value() != 0 {
			out = append(out, def.Name)
		}
	}
	return out
}

func (m *Mask) sortedByBit() []BitDefinition {
	defs := m.Bits()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Bit < defs[j].Bit })
	return defs
}

func splitNames(expr string) []string {
	fields := strings.FieldsFunc(expr, func(r rune) bool {
		return r == '|' || r == ',' || r == ' '
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
