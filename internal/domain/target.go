package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Target is one row of a target file: identity, the bitmask columns that
// classify it, and optional redshift information from earlier observations.
// Columns not recognised here are carried through untouched in Extra.
type Target struct {
	TargetID   uint64
	BrickID    uint64
	BrickObjID uint64
	Release    uint64
	RA         float64
	Dec        float64
	// Columns holds the *_TARGET bitmask columns keyed by column name.
	Columns     map[string]uint64
	NumObs      *int
	NumObsMore  *int
	Z           *float64
	ZWarn       *int
	SubPriority *float64
	Extra       map[string]json.RawMessage
}

const (
	colTargetID    = "TARGETID"
	colBrickID     = "BRICKID"
	colBrickObjID  = "BRICK_OBJID"
	colRelease     = "RELEASE"
	colRA          = "RA"
	colDec         = "DEC"
	colNumObs      = "NUMOBS"
	colNumObsMore  = "NUMOBS_MORE"
	colZ           = "Z"
	colZWarn       = "ZWARN"
	colSubPriority = "SUBPRIORITY"
)

// targetColumn reports whether name is a bitmask column such as DESI_TARGET
// or SV1_BGS_TARGET.
func targetColumn(name string) bool {
	return strings.HasSuffix(name, "_TARGET")
}

// ColumnNames returns every column name the target carries, sorted.
func (t Target) ColumnNames() []string {
	names := []string{colTargetID, colRA, colDec}
	for c := range t.Columns {
		names = append(names, c)
	}
	for c := range t.Extra {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

// HasRedshift reports whether the target carries enough information to derive
// an observation state.
func (t Target) HasRedshift() bool {
	return t.NumObs != nil && t.NumObsMore != nil && t.ZWarn != nil
}

func (t Target) fields() map[string]any {
	out := make(map[string]any, len(t.Columns)+len(t.Extra)+10)
	for k, v := range t.Extra {
		out[k] = v
	}
	out[colTargetID] = t.TargetID
	out[colRA] = t.RA
	out[colDec] = t.Dec
	if t.BrickID != 0 || t.BrickObjID != 0 || t.Release != 0 {
		out[colBrickID] = t.BrickID
		out[colBrickObjID] = t.BrickObjID
		out[colRelease] = t.Release
	}
	for k, v := range t.Columns {
		out[k] = v
	}
	setPtr(out, colNumObs, t.NumObs)
	setPtr(out, colNumObsMore, t.NumObsMore)
	setPtr(out, colZ, t.Z)
	setPtr(out, colZWarn, t.ZWarn)
	setPtr(out, colSubPriority, t.SubPriority)
	return out
}

func setPtr[T any](m map[string]any, k string, v *T) {
	if v != nil {
		m[k] = *v
	}
}

func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.fields())
}

func (t *Target) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Target{}
	for k, v := range raw {
		var err error
		switch {
		case k == colTargetID:
			err = json.Unmarshal(v, &t.TargetID)
		case k == colBrickID:
			err = json.Unmarshal(v, &t.BrickID)
		case k == colBrickObjID:
			err = json.Unmarshal(v, &t.BrickObjID)
		case k == colRelease:
			err = json.Unmarshal(v, &t.Release)
		case k == colRA:
			err = json.Unmarshal(v, &t.RA)
		case k == colDec:
			err = json.Unmarshal(v, &t.Dec)
		case k == colNumObs:
			err = json.Unmarshal(v, &t.NumObs)
		case k == colNumObsMore:
			err = json.Unmarshal(v, &t.NumObsMore)
		case k == colZ:
			err = json.Unmarshal(v, &t.Z)
		case k == colZWarn:
			err = json.Unmarshal(v, &t.ZWarn)
		case k == colSubPriority:
			err = json.Unmarshal(v, &t.SubPriority)
		case targetColumn(k):
			var bits uint64
			err = json.Unmarshal(v, &bits)
			if t.Columns == nil {
				t.Columns = make(map[string]uint64)
			}
			t.Columns[k] = bits
		default:
			if t.Extra == nil {
				t.Extra = make(map[string]json.RawMessage)
			}
			t.Extra[k] = v
		}
		if err != nil {
			return fmt.Errorf("column %s: %w", k, err)
		}
	}
	return nil
}

// Finalized is a target with its initial priority, numobs and observing
// conditions filled in.
type Finalized struct {
	Target
	PriorityInit  int
	NumObsInit    int
	ObsConditions uint64
	// Set only when dark and bright values are computed separately.
	PriorityInitDark   *int
	NumObsInitDark     *int
	PriorityInitBright *int
	NumObsInitBright   *int
	// Priority is the current priority, set when redshift information exists.
	Priority *int
}

func (f Finalized) MarshalJSON() ([]byte, error) {
	m := f.Target.fields()
	m["PRIORITY_INIT"] = f.PriorityInit
	m["NUMOBS_INIT"] = f.NumObsInit
	m["OBSCONDITIONS"] = f.ObsConditions
	setPtr(m, "PRIORITY_INIT_DARK", f.PriorityInitDark)
	setPtr(m, "NUMOBS_INIT_DARK", f.NumObsInitDark)
	setPtr(m, "PRIORITY_INIT_BRIGHT", f.PriorityInitBright)
	setPtr(m, "NUMOBS_INIT_BRIGHT", f.NumObsInitBright)
	setPtr(m, "PRIORITY", f.Priority)
	return json.Marshal(m)
}

// Record converts f to its ledger form.
func (f Finalized) Record(survey, runID, unit string) TargetRecord {
	bits := make(map[string]uint64, len(f.Columns))
	for k, v := range f.Columns {
		bits[k] = v
	}
	return TargetRecord{
		TargetID:           f.TargetID,
		Survey:             survey,
		RunID:              runID,
		Unit:               unit,
		Bits:               bits,
		PriorityInit:       f.PriorityInit,
		NumObsInit:         f.NumObsInit,
		PriorityInitDark:   f.PriorityInitDark,
		NumObsInitDark:     f.NumObsInitDark,
		PriorityInitBright: f.PriorityInitBright,
		NumObsInitBright:   f.NumObsInitBright,
		Priority:           f.Priority,
		ObsConditions:      f.ObsConditions,
	}
}
