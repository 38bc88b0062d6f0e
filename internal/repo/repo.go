package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"desitarget/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const runColumns = `id,survey,source,status,units,succeeded,failed,skipped,targets,started_at,finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var r domain.Run
	var finished sql.NullString
	err := row.Scan(&r.ID, &r.Survey, &r.Source, &r.Status, &r.Units, &r.Succeeded, &r.Failed, &r.Skipped, &r.Targets, &r.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if finished.Valid {
		r.FinishedAt = &finished.String
	}
	return r, err
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	return insertRun(ctx, r.DB, run)
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	return insertRun(ctx, tx, run)
}

func insertRun(ctx context.Context, q queryer, run domain.Run) error {
	_, err := q.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Survey, run.Source, run.Status, run.Units, run.Succeeded, run.Failed, run.Skipped, run.Targets, run.StartedAt, nullablePtr(run.FinishedAt))
	return err
}

// FinishRunTx records the final counts and status of a run.
func (r Repo) FinishRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?,units=?,succeeded=?,failed=?,skipped=?,targets=?,finished_at=? WHERE id=?`,
		run.Status, run.Units, run.Succeeded, run.Failed, run.Skipped, run.Targets, nullablePtr(run.FinishedAt), run.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// ListRuns returns the most recent runs first.
func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

const targetColumns = `targetid,survey,run_id,unit,bits_json,priority_init,numobs_init,priority_init_dark,numobs_init_dark,priority_init_bright,numobs_init_bright,priority,obsconditions,updated_at`

// UpsertTargetsTx inserts or replaces finalized targets keyed by TARGETID.
func (r Repo) UpsertTargetsTx(ctx context.Context, tx *sql.Tx, recs []domain.TargetRecord) error {
	if len(recs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO targets(`+targetColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(targetid) DO UPDATE SET survey=excluded.survey, run_id=excluded.run_id, unit=excluded.unit,
bits_json=excluded.bits_json, priority_init=excluded.priority_init, numobs_init=excluded.numobs_init,
priority_init_dark=excluded.priority_init_dark, numobs_init_dark=excluded.numobs_init_dark,
priority_init_bright=excluded.priority_init_bright, numobs_init_bright=excluded.numobs_init_bright,
priority=excluded.priority, obsconditions=excluded.obsconditions, updated_at=excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, t := range recs {
		bits, err := json.Marshal(t.Bits)
		if err != nil {
			return fmt.Errorf("marshal bits for %d: %w", t.TargetID, err)
		}
		updated := t.UpdatedAt
		if updated == "" {
			updated = now
		}
		if _, err := stmt.ExecContext(ctx,
			int64(t.TargetID), t.Survey, t.RunID, t.Unit, string(bits), t.PriorityInit, t.NumObsInit,
			nullableInt(t.PriorityInitDark), nullableInt(t.NumObsInitDark),
			nullableInt(t.PriorityInitBright), nullableInt(t.NumObsInitBright),
			nullableInt(t.Priority), int64(t.ObsConditions), updated); err != nil {
			return fmt.Errorf("upsert target %d: %w", t.TargetID, err)
		}
	}
	return nil
}

func scanTarget(row scanner) (domain.TargetRecord, error) {
	var (
		t                                  domain.TargetRecord
		id, obscon                         int64
		bits                               string
		pDark, nDark, pBright, nBright, pr sql.NullInt64
	)
	err := row.Scan(&id, &t.Survey, &t.RunID, &t.Unit, &bits, &t.PriorityInit, &t.NumObsInit,
		&pDark, &nDark, &pBright, &nBright, &pr, &obscon, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.TargetID = uint64(id)
	t.ObsConditions = uint64(obscon)
	if err := json.Unmarshal([]byte(bits), &t.Bits); err != nil {
		return t, fmt.Errorf("decode bits for %d: %w", t.TargetID, err)
	}
	t.PriorityInitDark = intPtr(pDark)
	t.NumObsInitDark = intPtr(nDark)
	t.PriorityInitBright = intPtr(pBright)
	t.NumObsInitBright = intPtr(nBright)
	t.Priority = intPtr(pr)
	return t, nil
}

func (r Repo) GetTarget(ctx context.Context, id uint64) (domain.TargetRecord, error) {
	return scanTarget(r.DB.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE targetid=?`, int64(id)))
}

// TargetFilters narrows ListTargets.
type TargetFilters struct {
	Survey      string
	RunID       string
	MinPriority *int
	Limit       int
}

// ListTargets returns targets ordered by descending initial priority.
func (r Repo) ListTargets(ctx context.Context, f TargetFilters) ([]domain.TargetRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Survey != "" {
		clauses = append(clauses, "survey=?")
		args = append(args, f.Survey)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.MinPriority != nil {
		clauses = append(clauses, "priority_init>=?")
		args = append(args, *f.MinPriority)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM targets WHERE %s ORDER BY priority_init DESC, targetid ASC LIMIT ?`, targetColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TargetRecord
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTargetsByRun returns how many stored targets each run last wrote.
func (r Repo) CountTargetsByRun(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id, COUNT(*) FROM targets GROUP BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, runID, evtType)
}

// LatestEventsFrom returns events older than cursor (when set), newest first.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, runID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,entity_kind,entity_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, runID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,entity_kind,entity_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var runID, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &runID, &e.EntityKind, &entityID, &e.Payload); err != nil {
			return nil, err
		}
		e.RunID = runID.String
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
