package engine

import (
	"fmt"
	"slices"
	"strings"

	"desitarget/internal/obsstate"
)

// BitRef names one bit of one mask.
type BitRef struct {
	Mask string `json:"mask"`
	Bit  string `json:"bit"`
}

func (b BitRef) String() string { return b.Mask + "." + b.Bit }

// Contribution is a set bit together with the state it is evaluated at.
type Contribution struct {
	BitRef
	State obsstate.State `json:"state"`
}

// Candidate is one bit's priority at its state.
type Candidate struct {
	Value int
	State obsstate.State
}

// NoApplicableBitError reports that none of a target's bits carries a value
// for the requested quantity.
type NoApplicableBitError struct {
	Quantity string
	Bits     []string
}

func (e NoApplicableBitError) Error() string {
	if len(e.Bits) == 0 {
		return fmt.Sprintf("no %s: target has no bits set", e.Quantity)
	}
	return fmt.Sprintf("no %s: none of %s applies", e.Quantity, strings.Join(e.Bits, ", "))
}

// Combine applies the multi-bit precedence to candidate priorities: negative
// values are dropped; any DONOTOBSERVE candidate wins outright with the
// largest DONOTOBSERVE value; otherwise when any MORE_ZWARN or MORE_ZGOOD
// candidate is present the DONE candidates are discarded; the largest
// remaining value is returned. ok is false when nothing remains.
func Combine(cands []Candidate) (int, bool) {
	var (
		dno, more  bool
		dnoMax     = -1
		best       = -1
		bestNoDone = -1
	)
	for _, c := range cands {
		if c.Value < 0 {
			continue
		}
		switch {
		case c.State == obsstate.DoNotObserve:
			dno = true
			dnoMax = max(dnoMax, c.Value)
			continue
		case c.State.IsMore():
			more = true
		}
		best = max(best, c.Value)
		if c.State != obsstate.Done {
			bestNoDone = max(bestNoDone, c.Value)
		}
	}
	switch {
	case dno:
		return dnoMax, true
	case more:
		return bestNoDone, true
	case best >= 0:
		return best, true
	}
	return 0, false
}

// Priority evaluates each contribution's resolved rule at its state and
// combines them. Bits without a priority entry do not contribute. When any
// bit is a do-not-observe bit, every bit is evaluated at DONOTOBSERVE.
func (e *Engine) Priority(contribs []Contribution) (int, error) {
	override := slices.ContainsFunc(contribs, func(c Contribution) bool { return e.vetoBit(c.BitRef) })
	cands := make([]Candidate, 0, len(contribs))
	for _, c := range contribs {
		if override {
			c.State = obsstate.DoNotObserve
		}
		v, ok, err := e.priorityAt(c.BitRef, c.State)
		if err != nil {
			return 0, err
		}
		if ok {
			cands = append(cands, Candidate{Value: v, State: c.State})
		}
	}
	if v, ok := Combine(cands); ok {
		return v, nil
	}
	return 0, noApplicable("priority", contribs)
}

// PriorityAt evaluates every bit at the same state.
func (e *Engine) PriorityAt(bits []BitRef, state obsstate.State) (int, error) {
	contribs := make([]Contribution, len(bits))
	for i, b := range bits {
		contribs[i] = Contribution{BitRef: b, State: state}
	}
	return e.Priority(contribs)
}

// NumObs returns the largest numobs any of the bits still requires.
func (e *Engine) NumObs(bits []BitRef) (int, error) {
	best := -1
	for _, b := range bits {
		v, ok, err := e.NumObsRule(b.Mask, b.Bit)
		if err != nil {
			return 0, err
		}
		if ok {
			best = max(best, v)
		}
	}
	if best < 0 {
		refs := make([]Contribution, len(bits))
		for i, b := range bits {
			refs[i] = Contribution{BitRef: b}
		}
		return 0, noApplicable("numobs", refs)
	}
	return best, nil
}

func (e *Engine) vetoBit(b BitRef) bool { return e.dno[b.Bit] }

func noApplicable(quantity string, contribs []Contribution) NoApplicableBitError {
	names := make([]string, len(contribs))
	for i, c := range contribs {
		names[i] = c.BitRef.String()
	}
	return NoApplicableBitError{Quantity: quantity, Bits: names}
}
