package bitmask

import (
	"fmt"
	"sort"
)

// TargetIDMask is the reserved document key for the TARGETID layout.
const TargetIDMask = "targetid_mask"

// Field is a contiguous run of bits inside a TARGETID.
type Field struct {
	Name        string `json:"name"`
	BitNum      int    `json:"bitnum"`
	NBits       int    `json:"nbits"`
	Description string `json:"description"`
}

// Max returns the largest value the field can hold.
func (f Field) Max() uint64 {
	return uint64(1)<<uint(f.NBits) - 1
}

// TargetIDLayout packs several integers into a 64-bit TARGETID.
type TargetIDLayout struct {
	fields []Field
	byName map[string]int
}

// DefaultTargetIDLayout is the Legacy Surveys packing used when a document
// does not define its own.
func DefaultTargetIDLayout() *TargetIDLayout {
	l, _ := NewTargetIDLayout([]Field{
		{Name: "OBJID", BitNum: 0, NBits: 22, Description: "Tractor object ID within the brick"},
		{Name: "BRICKID", BitNum: 22, NBits: 20, Description: "Legacy Surveys brick ID"},
		{Name: "RELEASE", BitNum: 42, NBits: 16, Description: "Legacy Surveys data release"},
		{Name: "MOCK", BitNum: 58, NBits: 1, Description: "mock target"},
		{Name: "SKY", BitNum: 59, NBits: 1, Description: "sky target"},
		{Name: "RESERVED", BitNum: 60, NBits: 4, Description: "reserved"},
	})
	return l
}

// NewTargetIDLayout validates that fields fit in 64 bits without overlapping.
func NewTargetIDLayout(fields []Field) (*TargetIDLayout, error) {
	l := &TargetIDLayout{byName: make(map[string]int)}
	var used uint64
	for _, f := range fields {
		if f.NBits < 1 || f.BitNum < 0 || f.BitNum+f.NBits > 64 {
			return nil, configErrorf(TargetIDMask, 0, "field %s spans bits %d..%d outside 0..63", f.Name, f.BitNum, f.BitNum+f.NBits-1)
		}
		if _, ok := l.byName[f.Name]; ok {
			return nil, configErrorf(TargetIDMask, 0, "duplicate field %s", f.Name)
		}
		span := f.Max() << uint(f.BitNum)
		if used&span != 0 {
			return nil, configErrorf(TargetIDMask, 0, "field %s overlaps another field", f.Name)
		}
		used |= span
		l.byName[f.Name] = len(l.fields)
		l.fields = append(l.fields, f)
	}
	return l, nil
}

// Fields returns the fields ordered by bit position.
func (l *TargetIDLayout) Fields() []Field {
	out := make([]Field, len(l.fields))
	copy(out, l.fields)
	sort.Slice(out, func(i, j int) bool { return out[i].BitNum < out[j].BitNum })
	return out
}

// Field returns a named field.
func (l *TargetIDLayout) Field(name string) (Field, bool) {
	i, ok := l.byName[name]
	if !ok {
		return Field{}, false
	}
	return l.fields[i], true
}

// Encode packs named values. Missing fields encode as zero.
func (l *TargetIDLayout) Encode(values map[string]uint64) (uint64, error) {
	var id uint64
	for name, v := range values {
		f, ok := l.Field(name)
		if !ok {
			return 0, fmt.Errorf("unknown targetid field %s", name)
		}
		if v > f.Max() {
			return 0, fmt.Errorf("targetid field %s value %d exceeds %d", name, v, f.Max())
		}
		id |= v << uint(f.BitNum)
	}
	return id, nil
}

// Decode unpacks every field of a TARGETID.
func (l *TargetIDLayout) Decode(id uint64) map[string]uint64 {
	out := make(map[string]uint64, len(l.fields))
	for _, f := range l.fields {
		out[f.Name] = (id >> uint(f.BitNum)) & f.Max()
	}
	return out
}
