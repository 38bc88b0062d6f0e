package bitmask

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reserved top-level keys that hold rule tables rather than masks.
const (
	PrioritiesKey = "priorities"
	NumObsKey     = "numobs"
)

// Registry holds every mask defined by one target-mask document. It is
// immutable after Load and safe for concurrent use.
type Registry struct {
	survey   string
	order    []string
	masks    map[string]*Mask
	obscon   *Mask
	targetID *TargetIDLayout
}

// Document is a parsed target-mask document: the bit registry plus the raw
// priorities and numobs sections for the rule tables.
type Document struct {
	Registry   *Registry
	Priorities *yaml.Node
	NumObs     *yaml.Node
}

// Load parses only the mask definitions of a document.
func Load(survey string, data []byte) (*Registry, error) {
	doc, err := ParseDocument(survey, data)
	if err != nil {
		return nil, err
	}
	return doc.Registry, nil
}

// ParseDocument parses a target-mask YAML document.
func ParseDocument(survey string, data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, ConfigError{Msg: fmt.Sprintf("invalid mask yaml: %v", err)}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, ConfigError{Msg: "mask document is empty"}
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, ConfigError{Line: top.Line, Msg: "mask document must be a mapping"}
	}

	type section struct {
		key  string
		node *yaml.Node
	}
	var sections []section
	seen := make(map[string]bool)
	for i := 0; i+1 < len(top.Content); i += 2 {
		k := top.Content[i]
		if seen[k.Value] {
			return nil, configErrorf(k.Value, k.Line, "section defined twice")
		}
		seen[k.Value] = true
		sections = append(sections, section{key: k.Value, node: top.Content[i+1]})
	}

	reg := &Registry{
		survey:   survey,
		masks:    make(map[string]*Mask),
		obscon:   defaultConditionsMask(),
		targetID: DefaultTargetIDLayout(),
	}
	doc := &Document{Registry: reg}

	// obsconditions must be known before any mask record can be encoded.
	for _, s := range sections {
		if s.key != ObsConditionsMask {
			continue
		}
		m, err := parseConditionsMask(s.node)
		if err != nil {
			return nil, err
		}
		reg.obscon = m
	}

	for _, s := range sections {
		switch s.key {
		case ObsConditionsMask:
		case PrioritiesKey:
			doc.Priorities = s.node
		case NumObsKey:
			doc.NumObs = s.node
		case TargetIDMask:
			l, err := parseTargetIDLayout(s.node)
			if err != nil {
				return nil, err
			}
			reg.targetID = l
		default:
			m, err := parseMask(s.key, s.node, reg.obscon)
			if err != nil {
				return nil, err
			}
			reg.order = append(reg.order, s.key)
			reg.masks[s.key] = m
		}
	}
	if len(reg.order) == 0 {
		return nil, ConfigError{Msg: "mask document defines no masks"}
	}
	return doc, nil
}

type recordOptions struct {
	ObsConditions string
	Filename      string
}

func parseMask(name string, node *yaml.Node, obscon *Mask) (*Mask, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, configErrorf(name, node.Line, "mask must be a sequence of records")
	}
	m := newMask(name)
	for _, rec := range node.Content {
		def, err := parseRecord(name, rec)
		if err != nil {
			return nil, err
		}
		if len(rec.Content) == 4 {
			opts, err := parseRecordOptions(name, rec.Content[3])
			if err != nil {
				return nil, err
			}
			conds, err := ParseConditions(opts.ObsConditions)
			if err != nil {
				return nil, configErrorf(name, rec.Line, "bit %s: unrecognized obsconditions %q", def.Name, opts.ObsConditions)
			}
			for _, c := range conds {
				cdef, err := obscon.Lookup(string(c))
				if err != nil {
					return nil, configErrorf(name, rec.Line, "bit %s: obsconditions token %s is not defined in this document", def.Name, c)
				}
				def.ObsMask |= cdef.Value()
			}
			def.ObsConditions = conds
			def.Filename = opts.Filename
		}
		if err := m.add(def, rec.Line); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func parseConditionsMask(node *yaml.Node) (*Mask, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, configErrorf(ObsConditionsMask, node.Line, "mask must be a sequence of records")
	}
	m := newMask(ObsConditionsMask)
	for _, rec := range node.Content {
		def, err := parseRecord(ObsConditionsMask, rec)
		if err != nil {
			return nil, err
		}
		if !KnownCondition(def.Name) {
			return nil, configErrorf(ObsConditionsMask, rec.Line, "unrecognized obsconditions token %s", def.Name)
		}
		if err := m.add(def, rec.Line); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// parseRecord decodes the common [NAME, BIT, DESCRIPTION, ...] prefix.
func parseRecord(mask string, rec *yaml.Node) (BitDefinition, error) {
	if rec.Kind != yaml.SequenceNode || len(rec.Content) < 3 || len(rec.Content) > 4 {
		return BitDefinition{}, configErrorf(mask, rec.Line, "record must be [NAME, BIT, DESCRIPTION, {options}]")
	}
	var def BitDefinition
	if err := rec.Content[0].Decode(&def.Name); err != nil || rec.Content[0].Kind != yaml.ScalarNode {
		return BitDefinition{}, configErrorf(mask, rec.Line, "record name must be a string")
	}
	if err := rec.Content[1].Decode(&def.Bit); err != nil {
		return BitDefinition{}, configErrorf(mask, rec.Line, "bit %s: bit number must be an integer", def.Name)
	}
	if err := rec.Content[2].Decode(&def.Description); err != nil || rec.Content[2].Kind != yaml.ScalarNode {
		return BitDefinition{}, configErrorf(mask, rec.Line, "bit %s: description must be a string", def.Name)
	}
	def.Name = strings.TrimSpace(def.Name)
	return def, nil
}

func parseRecordOptions(mask string, node *yaml.Node) (recordOptions, error) {
	var opts recordOptions
	if node.Kind != yaml.MappingNode {
		return opts, configErrorf(mask, node.Line, "record options must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		switch k.Value {
		case "obsconditions":
			if err := v.Decode(&opts.ObsConditions); err != nil {
				return opts, configErrorf(mask, v.Line, "obsconditions must be a string")
			}
		case "filename":
			if err := v.Decode(&opts.Filename); err != nil {
				return opts, configErrorf(mask, v.Line, "filename must be a string")
			}
		default:
			return opts, configErrorf(mask, k.Line, "unknown record option %s", k.Value)
		}
	}
	return opts, nil
}

func parseTargetIDLayout(node *yaml.Node) (*TargetIDLayout, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, configErrorf(TargetIDMask, node.Line, "mask must be a sequence of records")
	}
	var fields []Field
	for _, rec := range node.Content {
		if rec.Kind != yaml.SequenceNode || len(rec.Content) != 4 {
			return nil, configErrorf(TargetIDMask, rec.Line, "record must be [NAME, BITNUM, NBITS, DESCRIPTION]")
		}
		var f Field
		if err := rec.Content[0].Decode(&f.Name); err != nil {
			return nil, configErrorf(TargetIDMask, rec.Line, "field name must be a string")
		}
		if err := rec.Content[1].Decode(&f.BitNum); err != nil {
			return nil, configErrorf(TargetIDMask, rec.Line, "field %s: bitnum must be an integer", f.Name)
		}
		if err := rec.Content[2].Decode(&f.NBits); err != nil {
			return nil, configErrorf(TargetIDMask, rec.Line, "field %s: nbits must be an integer", f.Name)
		}
		if err := rec.Content[3].Decode(&f.Description); err != nil {
			return nil, configErrorf(TargetIDMask, rec.Line, "field %s: description must be a string", f.Name)
		}
		fields = append(fields, f)
	}
	return NewTargetIDLayout(fields)
}

// Survey returns the survey the document was loaded for.
func (r *Registry) Survey() string { return r.survey }

// Masks returns mask names in document order.
func (r *Registry) Masks() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Mask returns a mask by name.
func (r *Registry) Mask(name string) (*Mask, error) {
	m, ok := r.masks[name]
	if !ok {
		return nil, UnknownMaskError{Mask: name}
	}
	return m, nil
}

// Lookup returns the definition of bit in mask.
func (r *Registry) Lookup(mask, bit string) (BitDefinition, error) {
	m, err := r.Mask(mask)
	if err != nil {
		return BitDefinition{}, err
	}
	return m.Lookup(bit)
}

// ObsConditions returns the observing-conditions mask.
func (r *Registry) ObsConditions() *Mask { return r.obscon }

// ObsMask encodes an expression such as "DARK|GRAY".
func (r *Registry) ObsMask(expr string) (uint64, error) {
	conds, err := ParseConditions(expr)
	if err != nil {
		return 0, err
	}
	names := make([]string, len(conds))
	for i, c := range conds {
		names[i] = string(c)
	}
	return r.obscon.Value(names...)
}

// ObsNames decodes an obsconditions integer.
func (r *Registry) ObsNames(v uint64) []string {
	return r.obscon.Names(v)
}

// TargetID returns the TARGETID packing layout.
func (r *Registry) TargetID() *TargetIDLayout { return r.targetID }
