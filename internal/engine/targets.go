package engine

import (
	"errors"
	"fmt"
	"slices"

	"desitarget/internal/bitmask"
	"desitarget/internal/domain"
	"desitarget/internal/obsstate"
)

// Observing-condition groups used when dark and bright values are split.
const (
	DarkObsCon   = "DARK|GRAY"
	BrightObsCon = "BRIGHT"
)

// SetBits decodes a target's bitmask columns into the bits it sets, column
// by column, lowest bit first. Columns the survey does not use are ignored.
func (e *Engine) SetBits(t domain.Target) []BitRef {
	var out []BitRef
	for _, c := range e.columns {
		v, ok := t.Columns[c.Name]
		if !ok || v == 0 {
			continue
		}
		m, err := e.Registry.Mask(c.Mask)
		if err != nil {
			continue
		}
		for _, name := range m.Names(v) {
			out = append(out, BitRef{Mask: c.Mask, Bit: name})
		}
	}
	return out
}

func (e *Engine) definitions(t domain.Target) []bitmask.BitDefinition {
	var out []bitmask.BitDefinition
	for _, ref := range e.SetBits(t) {
		def, err := e.Registry.Lookup(ref.Mask, ref.Bit)
		if err == nil {
			out = append(out, def)
		}
	}
	return out
}

// ObsConditions ORs the observing conditions of every bit the target sets.
func (e *Engine) ObsConditions(t domain.Target) uint64 {
	var v uint64
	for _, def := range e.definitions(t) {
		v |= def.ObsMask
	}
	return v
}

// DefaultObsCon encodes bitmask.DefaultObsCon with this document's bits.
func (e *Engine) DefaultObsCon() uint64 {
	v, err := e.Registry.ObsMask(bitmask.DefaultObsCon)
	if err != nil {
		// Documents may omit some conditions; keep the ones they define.
		for _, def := range e.Registry.ObsConditions().Bits() {
			if def.Name != string(bitmask.Apocalypse) {
				v |= def.Value()
			}
		}
	}
	return v
}

// InitialPriorityNumObs returns the highest UNOBS priority and the largest
// numobs among the target's bits observable under obscon. Targets with no
// such bit get priority 0 and numobs -1. A target carrying a do-not-observe
// bit takes its DONOTOBSERVE priority and requests no observations.
func (e *Engine) InitialPriorityNumObs(t domain.Target, obscon uint64) (int, int) {
	bits := e.SetBits(t)
	if slices.ContainsFunc(bits, e.vetoBit) {
		priority := 0
		for _, ref := range bits {
			if p, ok, _ := e.priorityAt(ref, obsstate.DoNotObserve); ok {
				priority = max(priority, p)
			}
		}
		return priority, 0
	}
	priority, numobs := 0, -1
	for _, ref := range bits {
		def, err := e.Registry.Lookup(ref.Mask, ref.Bit)
		if err != nil || def.ObsMask&obscon == 0 {
			continue
		}
		if p, ok, _ := e.priorityAt(ref, obsstate.Unobs); ok {
			priority = max(priority, p)
		}
		if n, ok, _ := e.NumObsRule(ref.Mask, ref.Bit); ok {
			numobs = max(numobs, n)
		}
	}
	return priority, numobs
}

// State derives the observation state of a target from its redshift columns.
// Targets without them are unobserved.
func (e *Engine) State(t domain.Target) (obsstate.State, error) {
	if !t.HasRedshift() {
		return obsstate.Unobs, nil
	}
	return obsstate.FromRedshift(*t.NumObs, *t.NumObsMore, *t.ZWarn)
}

// Contributions returns the target's bits paired with the state each is
// evaluated at, applying the Lyman-alpha and do-not-observe rules.
func (e *Engine) Contributions(t domain.Target) ([]Contribution, error) {
	state, err := e.State(t)
	if err != nil {
		return nil, err
	}
	bits := e.SetBits(t)
	override := slices.ContainsFunc(bits, e.vetoBit)
	out := make([]Contribution, len(bits))
	for i, b := range bits {
		st := state
		switch {
		case override:
			st = obsstate.DoNotObserve
		case st == obsstate.MoreZGood && e.lya[b.Bit] && (t.Z == nil || *t.Z < e.opts.LyaZMin):
			st = obsstate.Done
		}
		out[i] = Contribution{BitRef: b, State: st}
	}
	return out, nil
}

// CalcPriority returns the current priority of a target.
func (e *Engine) CalcPriority(t domain.Target) (int, error) {
	contribs, err := e.Contributions(t)
	if err != nil {
		return 0, err
	}
	return e.Priority(contribs)
}

// FinalizeOptions control Finalize.
type FinalizeOptions struct {
	ObsCon     uint64
	DarkBright bool
}

// Finalize fills in TARGETID, OBSCONDITIONS, PRIORITY_INIT and NUMOBS_INIT,
// the split dark and bright initial values when requested, and the current
// priority when redshift information is present.
func (e *Engine) Finalize(t domain.Target, opts FinalizeOptions) (domain.Finalized, error) {
	if t.TargetID == 0 {
		if t.BrickID == 0 && t.BrickObjID == 0 && t.Release == 0 {
			return domain.Finalized{}, errors.New("target has neither TARGETID nor BRICKID/BRICK_OBJID/RELEASE")
		}
		id, err := e.Registry.TargetID().Encode(map[string]uint64{
			"OBJID":   t.BrickObjID,
			"BRICKID": t.BrickID,
			"RELEASE": t.Release,
		})
		if err != nil {
			return domain.Finalized{}, fmt.Errorf("encode targetid: %w", err)
		}
		t.TargetID = id
	}
	if err := e.checkLRGPasses(t); err != nil {
		return domain.Finalized{}, err
	}
	if opts.ObsCon == 0 {
		opts.ObsCon = e.DefaultObsCon()
	}
	f := domain.Finalized{Target: t, ObsConditions: e.ObsConditions(t)}
	f.PriorityInit, f.NumObsInit = e.InitialPriorityNumObs(t, opts.ObsCon)

	if opts.DarkBright {
		dark, err := e.Registry.ObsMask(DarkObsCon)
		if err != nil {
			return domain.Finalized{}, err
		}
		bright, err := e.Registry.ObsMask(BrightObsCon)
		if err != nil {
			return domain.Finalized{}, err
		}
		pd, nd := e.InitialPriorityNumObs(t, dark)
		pb, nb := e.InitialPriorityNumObs(t, bright)
		f.PriorityInitDark, f.NumObsInitDark = &pd, &nd
		f.PriorityInitBright, f.NumObsInitBright = &pb, &nb
	}

	if t.HasRedshift() {
		p, err := e.CalcPriority(t)
		var na NoApplicableBitError
		switch {
		case errors.As(err, &na):
			p = 0
		case err != nil:
			return domain.Finalized{}, err
		}
		f.Priority = &p
	}
	return f, nil
}

// LRGPassError reports a main-survey target whose LRG bit disagrees with its
// LRG_1PASS/LRG_2PASS bits.
type LRGPassError struct {
	TargetID uint64
}

func (e LRGPassError) Error() string {
	return fmt.Sprintf("target %d: LRG must be set together with LRG_1PASS or LRG_2PASS", e.TargetID)
}

// checkLRGPasses requires main-survey LRG targets to carry a pass bit, and
// pass bits to come with LRG. Documents lacking the pass bits are not checked.
func (e *Engine) checkLRGPasses(t domain.Target) error {
	if e.Survey() != "main" {
		return nil
	}
	m, err := e.Registry.Mask("desi_mask")
	if err != nil {
		return nil
	}
	lrg, err := m.Value("LRG")
	if err != nil {
		return nil
	}
	passes, err := m.Value("LRG_1PASS", "LRG_2PASS")
	if err != nil {
		return nil
	}
	v := t.Columns["DESI_TARGET"]
	if (v&lrg != 0) != (v&passes != 0) {
		return LRGPassError{TargetID: t.TargetID}
	}
	return nil
}
