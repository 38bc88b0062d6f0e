package domain

// Run is one batch invocation recorded in the ledger.
type Run struct {
	ID         string  `json:"id"`
	Survey     string  `json:"survey"`
	Source     string  `json:"source"`
	Status     string  `json:"status" enum:"running,succeeded,partial,failed"`
	Units      int     `json:"units"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	Targets    int     `json:"targets"`
	StartedAt  string  `json:"started_at" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
}

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// TargetRecord is a finalized target as stored in the ledger.
type TargetRecord struct {
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
	UpdatedAt          string            `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
