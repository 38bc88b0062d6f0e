// Package engine evaluates target priorities and numbers of observations
// from a loaded target-mask document.
package engine

import (
	"fmt"

	"desitarget/internal/bitmask"
	"desitarget/internal/obsstate"
	"desitarget/internal/rules"
)

// Default evaluation options.
const (
	DefaultLyaZMin = 2.15
)

// Options tune the target-level evaluation in CalcPriority.
type Options struct {
	// LyaBits keep MORE_ZGOOD only when the redshift reaches LyaZMin;
	// lower-redshift objects are evaluated as DONE.
	LyaBits []string
	LyaZMin float64
	// DoNotObserveBits force every contribution of a target to DONOTOBSERVE,
	// in lookups and in the initial values alike.
	DoNotObserveBits []string
}

// DefaultOptions returns the main-survey settings.
func DefaultOptions() Options {
	return Options{
		LyaBits:          []string{"QSO"},
		LyaZMin:          DefaultLyaZMin,
		DoNotObserveBits: []string{"IN_BRIGHT_OBJECT", "VETO"},
	}
}

// Engine is an immutable, fully resolved rule set for one survey. It is safe
// for concurrent use.
type Engine struct {
	Registry   *bitmask.Registry
	priorities *rules.Flat[rules.StateValues]
	numobs     *rules.Flat[int]
	columns    []bitmask.Column
	lya        map[string]bool
	dno        map[string]bool
	opts       Options
}

// New resolves the rule tables of doc.
func New(doc *bitmask.Document, opts Options) (*Engine, error) {
	reg := doc.Registry
	pt, err := rules.ParsePriorities(doc.Priorities, reg)
	if err != nil {
		return nil, err
	}
	prio, err := rules.Flatten(pt)
	if err != nil {
		return nil, err
	}
	nt, err := rules.ParseNumObs(doc.NumObs, reg)
	if err != nil {
		return nil, err
	}
	nobs, err := rules.Flatten(nt)
	if err != nil {
		return nil, err
	}
	var cols []bitmask.Column
	if bitmask.ValidSurvey(reg.Survey()) {
		all, err := bitmask.SurveyColumns(reg.Survey())
		if err != nil {
			return nil, err
		}
		for _, c := range all {
			if _, err := reg.Mask(c.Mask); err == nil {
				cols = append(cols, c)
			}
		}
	}
	if opts.LyaZMin == 0 {
		opts.LyaZMin = DefaultLyaZMin
	}
	return &Engine{
		Registry:   reg,
		priorities: prio,
		numobs:     nobs,
		columns:    cols,
		lya:        toSet(opts.LyaBits),
		dno:        toSet(opts.DoNotObserveBits),
		opts:       opts,
	}, nil
}

// Load parses and resolves a target-mask document.
func Load(survey string, data []byte, opts Options) (*Engine, error) {
	doc, err := bitmask.ParseDocument(survey, data)
	if err != nil {
		return nil, err
	}
	return New(doc, opts)
}

// LoadBuiltin loads the bundled document for survey.
func LoadBuiltin(survey string, opts Options) (*Engine, error) {
	data, err := bitmask.Builtin(survey)
	if err != nil {
		return nil, err
	}
	return Load(survey, data, opts)
}

// LoadFile loads the document at path, or the bundled one when path is empty.
func LoadFile(survey, path string, opts Options) (*Engine, error) {
	data, err := bitmask.ReadDocument(survey, path)
	if err != nil {
		return nil, err
	}
	e, err := Load(survey, data, opts)
	if err != nil && path != "" {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return e, err
}

func toSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

// Survey returns the survey of the loaded document.
func (e *Engine) Survey() string { return e.Registry.Survey() }

// Options returns the evaluation options in effect.
func (e *Engine) Options() Options { return e.opts }

// Columns returns the target columns this survey's files carry and whose
// masks the document defines.
func (e *Engine) Columns() []bitmask.Column {
	return append([]bitmask.Column(nil), e.columns...)
}

// PriorityRule returns the resolved priority rule of a bit. ok is false when
// the bit has no entry or its entry is -1.
func (e *Engine) PriorityRule(mask, bit string) (rules.StateValues, bool, error) {
	if _, err := e.Registry.Lookup(mask, bit); err != nil {
		return rules.StateValues{}, false, err
	}
	r, ok := e.priorities.Get(mask, bit)
	if !ok || !r.Applicable {
		return rules.StateValues{}, false, nil
	}
	return r.Value, true, nil
}

// NumObsRule returns the resolved numobs value of a bit.
func (e *Engine) NumObsRule(mask, bit string) (int, bool, error) {
	if _, err := e.Registry.Lookup(mask, bit); err != nil {
		return 0, false, err
	}
	r, ok := e.numobs.Get(mask, bit)
	if !ok || !r.Applicable {
		return 0, false, nil
	}
	return r.Value, true, nil
}

// priorityAt returns the bit's priority at state, or false when it does not
// apply there.
func (e *Engine) priorityAt(ref BitRef, state obsstate.State) (int, bool, error) {
	vals, ok, err := e.PriorityRule(ref.Mask, ref.Bit)
	if err != nil || !ok {
		return 0, false, err
	}
	v, ok := vals.At(state)
	return v, ok, nil
}
