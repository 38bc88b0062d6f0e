package server

import (
	"encoding/json"

	"desitarget/internal/bitmask"
	"desitarget/internal/domain"
	"desitarget/internal/engine"
	"desitarget/internal/obsstate"
	"desitarget/internal/rules"
)

// Request payloads

// BitRequest names one set bit, optionally with the observation state it is
// evaluated at.
type BitRequest struct {
	Mask  string `json:"mask" example:"desi_mask"`
	Bit   string `json:"bit" example:"LRG"`
	State string `json:"state,omitempty" enum:"UNOBS,OBS,DONE,MORE_ZWARN,MORE_ZGOOD,DONOTOBSERVE"`
}

type PriorityRequest struct {
	Bits []BitRequest `json:"bits" minItems:"1"`
	// State applies to every bit that does not carry its own.
	State string `json:"state,omitempty" enum:"UNOBS,OBS,DONE,MORE_ZWARN,MORE_ZGOOD,DONOTOBSERVE" default:"UNOBS"`
}

type NumObsRequest struct {
	Bits []BitRequest `json:"bits" minItems:"1"`
}

// Response payloads

type SurveyResponse struct {
	Survey  string           `json:"survey"`
	Served  bool             `json:"served"`
	Columns []bitmask.Column `json:"columns"`
}

type MaskSummaryResponse struct {
	Name string `json:"name"`
	Bits int    `json:"bits"`
}

type BitResponse struct {
	Mask          string   `json:"mask"`
	Name          string   `json:"name"`
	Bit           int      `json:"bit"`
	Value         uint64   `json:"value"`
	Description   string   `json:"description"`
	ObsConditions []string `json:"obsconditions,omitempty"`
	Filename      string   `json:"filename,omitempty"`
	// Priorities maps state names to values; states where the bit does not
	// apply are omitted.
	Priorities map[string]int `json:"priorities,omitempty"`
	NumObs     *int           `json:"numobs,omitempty"`
}

type MaskResponse struct {
	Name string        `json:"name"`
	Bits []BitResponse `json:"bits"`
}

type PriorityResponse struct {
	Survey   string `json:"survey"`
	Priority int    `json:"priority"`
}

type NumObsResponse struct {
	Survey string `json:"survey"`
	NumObs int    `json:"numobs"`
}

type TargetResponse struct {
	TargetID           uint64            `json:"targetid"`
	Survey             string            `json:"survey"`
	RunID              string            `json:"run_id"`
	Unit               string            `json:"unit"`
	Bits               map[string]uint64 `json:"bits"`
	PriorityInit       int               `json:"priority_init"`
	NumObsInit         int               `json:"numobs_init"`
	PriorityInitDark   *int              `json:"priority_init_dark,omitempty"`
	NumObsInitDark     *int              `json:"numobs_init_dark,omitempty"`
	PriorityInitBright *int              `json:"priority_init_bright,omitempty"`
	NumObsInitBright   *int              `json:"numobs_init_bright,omitempty"`
	Priority           *int              `json:"priority,omitempty"`
	ObsConditions      uint64            `json:"obsconditions"`
	UpdatedAt          string            `json:"updated_at"`
}

type RunResponse struct {
	ID         string  `json:"id"`
	Survey     string  `json:"survey"`
	Source     string  `json:"source"`
	Status     string  `json:"status"`
	Units      int     `json:"units"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	Targets    int     `json:"targets"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	RunID      string          `json:"run_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func bitResponse(e *engine.Engine, mask string, def bitmask.BitDefinition) (BitResponse, error) {
	resp := BitResponse{
		Mask:        mask,
		Name:        def.Name,
		Bit:         def.Bit,
		Value:       def.Value(),
		Description: def.Description,
		Filename:    def.Filename,
	}
	for _, c := range def.ObsConditions {
		resp.ObsConditions = append(resp.ObsConditions, string(c))
	}
	vals, ok, err := e.PriorityRule(mask, def.Name)
	if err != nil {
		return BitResponse{}, err
	}
	if ok {
		resp.Priorities = statePriorities(vals)
	}
	n, ok, err := e.NumObsRule(mask, def.Name)
	if err != nil {
		return BitResponse{}, err
	}
	if ok {
		resp.NumObs = &n
	}
	return resp, nil
}

func statePriorities(vals rules.StateValues) map[string]int {
	out := make(map[string]int, obsstate.NumStates)
	for _, s := range obsstate.All() {
		if v, ok := vals.At(s); ok {
			out[s.String()] = v
		}
	}
	return out
}

func targetResponse(rec domain.TargetRecord) TargetResponse {
	return TargetResponse{
		TargetID:           rec.TargetID,
		Survey:             rec.Survey,
		RunID:              rec.RunID,
		Unit:               rec.Unit,
		Bits:               rec.Bits,
		PriorityInit:       rec.PriorityInit,
		NumObsInit:         rec.NumObsInit,
		PriorityInitDark:   rec.PriorityInitDark,
		NumObsInitDark:     rec.NumObsInitDark,
		PriorityInitBright: rec.PriorityInitBright,
		NumObsInitBright:   rec.NumObsInitBright,
		Priority:           rec.Priority,
		ObsConditions:      rec.ObsConditions,
		UpdatedAt:          rec.UpdatedAt,
	}
}

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:         r.ID,
		Survey:     r.Survey,
		Source:     r.Source,
		Status:     r.Status,
		Units:      r.Units,
		Succeeded:  r.Succeeded,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		Targets:    r.Targets,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		RunID:      evt.RunID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
	}
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		resp.Payload = json.RawMessage(evt.Payload)
	}
	return resp
}
