package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"desitarget/internal/batch"
	"desitarget/internal/bitmask"
	"desitarget/internal/domain"
	"desitarget/internal/engine"
	"desitarget/internal/events"
	"desitarget/internal/logging"
	"desitarget/internal/repo"
	"desitarget/internal/targetio"
)

// Pipeline finalizes target files and records the results in the ledger.
type Pipeline struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Engine *engine.Engine
	Runner batch.Runner
	Logger *zap.Logger
	Now    func() time.Time

	Prefix     string
	Ext        string
	DarkBright bool
	// ObsCon restricts PRIORITY_INIT and NUMOBS_INIT; zero means the default.
	ObsCon uint64
}

// NewPipeline wires a pipeline onto an open, migrated database.
func NewPipeline(db *sql.DB, eng *engine.Engine, logger *zap.Logger) Pipeline {
	return Pipeline{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Engine: eng,
		Runner: batch.Runner{Workers: 1, Logger: logger},
		Logger: logger,
		Now:    time.Now,
		Prefix: "targets",
		Ext:    ".jsonl",
	}
}

func (p Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// SurveyMismatchError reports a file whose columns belong to another survey.
type SurveyMismatchError struct {
	File     string
	Detected string
	Engine   string
}

func (e SurveyMismatchError) Error() string {
	return fmt.Sprintf("%s: columns are for survey %s but masks are loaded for %s", e.File, e.Detected, e.Engine)
}

// Finalize processes every target file under src. When dest is set each
// finalized file is written there under its original base name. Per-file
// failures are recorded and do not stop other files; the returned error is
// reserved for problems that prevent the run itself.
func (p Pipeline) Finalize(ctx context.Context, src, dest string) (domain.Run, batch.Report, error) {
	log := logging.OrNop(p.Logger)
	files, err := targetio.ListFiles(src, p.Prefix, p.Ext)
	if err != nil {
		return domain.Run{}, batch.Report{}, err
	}
	if len(files) == 0 {
		return domain.Run{}, batch.Report{}, fmt.Errorf("no %s*%s files under %s", p.Prefix, p.Ext, src)
	}
	run := domain.Run{
		ID:        uuid.NewString(),
		Survey:    p.Engine.Survey(),
		Source:    src,
		Status:    domain.RunRunning,
		Units:     len(files),
		StartedAt: p.now().UTC().Format(time.RFC3339),
	}
	if err := p.startRun(ctx, run); err != nil {
		return domain.Run{}, batch.Report{}, err
	}
	log.Info("finalize started", zap.String("run", run.ID), zap.String("survey", run.Survey), zap.Int("files", len(files)))

	var targets atomic.Int64
	rep := p.Runner.Run(ctx, files, func(ctx context.Context, file string) error {
		n, err := p.finalizeFile(ctx, run.ID, file, dest)
		if err != nil {
			return err
		}
		targets.Add(int64(n))
		return nil
	})

	// The run's own bookkeeping must land even if ctx was cancelled.
	bg := context.WithoutCancel(ctx)
	for _, f := range rep.Failures {
		if err := p.Events.AppendDirect(bg, events.UnitFailed, run.ID, "file", f.Unit, events.EventPayload{"error": f.Err.Error()}); err != nil {
			log.Warn("record unit failure", zap.String("unit", f.Unit), zap.Error(err))
		}
	}

	finished := p.now().UTC().Format(time.RFC3339)
	run.Succeeded, run.Failed, run.Skipped = rep.Succeeded, rep.Failed, rep.Skipped
	run.Targets = int(targets.Load())
	run.FinishedAt = &finished
	run.Status = runStatus(rep)

	tx, err := p.DB.BeginTx(bg, nil)
	if err != nil {
		return run, rep, err
	}
	defer tx.Rollback()
	if err := p.Repo.FinishRunTx(bg, tx, run); err != nil {
		return run, rep, fmt.Errorf("finish run: %w", err)
	}
	if err := p.Events.Append(bg, tx, events.RunFinished, run.ID, "run", run.ID, events.EventPayload{
		"status": run.Status, "succeeded": run.Succeeded, "failed": run.Failed, "skipped": run.Skipped, "targets": run.Targets,
	}); err != nil {
		return run, rep, err
	}
	if err := tx.Commit(); err != nil {
		return run, rep, err
	}
	return run, rep, nil
}

func (p Pipeline) startRun(ctx context.Context, run domain.Run) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := p.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := p.Events.Append(ctx, tx, events.RunStarted, run.ID, "run", run.ID, events.EventPayload{
		"survey": run.Survey, "source": run.Source, "units": run.Units,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func runStatus(rep batch.Report) string {
	switch {
	case rep.Failed == 0 && rep.Skipped == 0:
		return domain.RunSucceeded
	case rep.Succeeded == 0:
		return domain.RunFailed
	}
	return domain.RunPartial
}

func (p Pipeline) finalizeFile(ctx context.Context, runID, file, dest string) (int, error) {
	targets, err := targetio.ReadFile(ctx, file)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, nil
	}
	survey, _, err := bitmask.DetectSurvey(targets[0].ColumnNames())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", file, err)
	}
	if survey != p.Engine.Survey() {
		return 0, SurveyMismatchError{File: file, Detected: survey, Engine: p.Engine.Survey()}
	}

	opts := engine.FinalizeOptions{ObsCon: p.ObsCon, DarkBright: p.DarkBright}
	out := make([]domain.Finalized, len(targets))
	recs := make([]domain.TargetRecord, len(targets))
	seen := make(map[uint64]int, len(targets))
	for i, t := range targets {
		f, err := p.Engine.Finalize(t, opts)
		if err != nil {
			return 0, fmt.Errorf("%s: target %d: %w", file, i, err)
		}
		if j, dup := seen[f.TargetID]; dup {
			return 0, fmt.Errorf("%s: targets %d and %d share TARGETID %d", file, j, i, f.TargetID)
		}
		seen[f.TargetID] = i
		out[i] = f
		recs[i] = f.Record(survey, runID, filepath.Base(file))
	}

	if dest != "" {
		if err := targetio.WriteFile(filepath.Join(dest, filepath.Base(file)), out); err != nil {
			return 0, err
		}
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := p.Repo.UpsertTargetsTx(ctx, tx, recs); err != nil {
		return 0, err
	}
	payload := events.EventPayload{"targets": len(recs)}
	if brick, err := targetio.BrickName(file, p.Prefix); err == nil {
		payload["brick"] = brick
	}
	if err := p.Events.Append(ctx, tx, events.UnitDone, runID, "file", filepath.Base(file), payload); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(recs), nil
}

// EnsureDest creates dest when set.
func EnsureDest(dest string) error {
	if dest == "" {
		return nil
	}
	info, err := os.Stat(dest)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return os.MkdirAll(dest, 0o755)
	case err != nil:
		return err
	case !info.IsDir():
		return fmt.Errorf("destination %s is not a directory", dest)
	}
	return nil
}
