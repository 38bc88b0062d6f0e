package app

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"desitarget/internal/config"
	"desitarget/internal/db"
	"desitarget/internal/domain"
	"desitarget/internal/engine"
	"desitarget/internal/events"
	"desitarget/internal/migrate"
	"desitarget/internal/targetio"
)

type testEnv struct {
	dir  string
	conn *sql.DB
	p    Pipeline
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.LoadBuiltin("main", engine.DefaultOptions())
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	p := NewPipeline(conn, eng, zap.NewNop())
	p.Runner.Workers = 2
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.Now = func() time.Time { return fixed }
	return testEnv{dir: dir, conn: conn, p: p}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestFinalizeRecordsPartialRun(t *testing.T) {
	env := newTestEnv(t)
	src := filepath.Join(env.dir, "in")
	dest := filepath.Join(env.dir, "out")
	writeFile(t, filepath.Join(src, "targets-0001m002.jsonl"),
		`{"TARGETID": 11, "DESI_TARGET": 17, "BGS_TARGET": 0}
{"TARGETID": 12, "DESI_TARGET": 4, "BGS_TARGET": 0}
`)
	writeFile(t, filepath.Join(src, "targets-0002m002.jsonl"), "{not json}\n")
	writeFile(t, filepath.Join(src, "targets-0003m002.jsonl"), `{"TARGETID": 13, "CMX_TARGET": 1}`+"\n")

	ctx := context.Background()
	require.NoError(t, EnsureDest(dest))
	run, rep, err := env.p.Finalize(ctx, src, dest)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Units)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, domain.RunPartial, run.Status)
	assert.Equal(t, 2, run.Targets)

	var mismatch SurveyMismatchError
	found := false
	for _, f := range rep.Failures {
		if errors.As(f.Err, &mismatch) {
			found = true
			assert.Equal(t, "cmx", mismatch.Detected)
		}
	}
	assert.True(t, found, "expected a survey mismatch failure")

	stored, err := env.p.Repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartial, stored.Status)
	assert.Equal(t, 2, stored.Failed)

	rec, err := env.p.Repo.GetTarget(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, 3200, rec.PriorityInit)
	assert.Equal(t, "targets-0001m002.jsonl", rec.Unit)

	out, err := targetio.ReadFile(ctx, filepath.Join(dest, "targets-0001m002.jsonl"))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Contains(t, out[0].Extra, "PRIORITY_INIT")

	failed, err := env.p.Repo.LatestEvents(ctx, 10, run.ID, events.UnitFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 2)
	done, err := env.p.Repo.LatestEvents(ctx, 10, run.ID, events.UnitDone)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Contains(t, done[0].Payload, `"brick":"0001m002"`)
	finished, err := env.p.Repo.LatestEvents(ctx, 10, run.ID, events.RunFinished)
	require.NoError(t, err)
	assert.Len(t, finished, 1)
}

func TestFinalizeRejectsDuplicateTargetIDs(t *testing.T) {
	env := newTestEnv(t)
	src := filepath.Join(env.dir, "in")
	writeFile(t, filepath.Join(src, "targets-0001m002.jsonl"),
		`{"TARGETID": 5, "DESI_TARGET": 17}
{"TARGETID": 5, "DESI_TARGET": 4}
`)
	run, rep, err := env.p.Finalize(context.Background(), src, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	require.Len(t, rep.Failures, 1)
	assert.Contains(t, rep.Failures[0].Err.Error(), "share TARGETID 5")
}

func TestFinalizeFailsFileWithLRGMissingPassBit(t *testing.T) {
	env := newTestEnv(t)
	src := filepath.Join(env.dir, "in")
	writeFile(t, filepath.Join(src, "targets-0001m002.jsonl"), `{"TARGETID": 21, "DESI_TARGET": 17}`+"\n")
	writeFile(t, filepath.Join(src, "targets-0002m002.jsonl"), `{"TARGETID": 22, "DESI_TARGET": 1}`+"\n")
	run, rep, err := env.p.Finalize(context.Background(), src, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartial, run.Status)
	require.Len(t, rep.Failures, 1)
	var pe engine.LRGPassError
	require.True(t, errors.As(rep.Failures[0].Err, &pe), "got %v", rep.Failures[0].Err)
	assert.Equal(t, uint64(22), pe.TargetID)
}

func TestFinalizeNoFiles(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.p.Finalize(context.Background(), env.dir, "")
	assert.Error(t, err)
}

func TestResolveConfigAndEngine(t *testing.T) {
	dir := t.TempDir()
	cfg, err := ResolveConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.Survey)

	cfg, err = ResolveConfig(dir, "sv1")
	require.NoError(t, err)
	eng, err := LoadEngine(dir, cfg)
	require.NoError(t, err)
	assert.Equal(t, "sv1", eng.Survey())

	_, err = ResolveConfig(dir, "nope")
	assert.Error(t, err)

	cfg = config.Default("main")
	cfg.MasksFile = "masks.yaml"
	assert.Equal(t, filepath.Join(dir, "masks.yaml"), MasksPath(dir, cfg))
	cfg.Priority.LyaZMin = 2.5
	assert.Equal(t, 2.5, EngineOptions(cfg).LyaZMin)

	env := newTestEnv(t)
	cfg.Batch.Workers = 6
	cfg.ObsCon = "DARK"
	cfg.DarkBright = true
	require.NoError(t, env.p.Configure(cfg))
	assert.Equal(t, 6, env.p.Runner.Workers)
	assert.Equal(t, uint64(1), env.p.ObsCon)
	assert.True(t, env.p.DarkBright)
}
