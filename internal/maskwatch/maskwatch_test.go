package maskwatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"desitarget/internal/bitmask"
	"desitarget/internal/engine"
)

func writeMasks(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write masks: %v", err)
	}
}

func newWatched(t *testing.T) (string, *Watcher) {
	t.Helper()
	data, err := bitmask.Builtin("main")
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	path := filepath.Join(t.TempDir(), "targetmask.yaml")
	writeMasks(t, path, data)
	load := func() (*engine.Engine, error) {
		return engine.LoadFile("main", path, engine.DefaultOptions())
	}
	eng, err := load()
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}
	w, err := NewWatcher(path, NewHolder(eng), load, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.Debounce = 20 * time.Millisecond
	return path, w
}

func waitResult(t *testing.T, w *Watcher) Result {
	t.Helper()
	select {
	case res := <-w.Results:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	return Result{}
}

func TestWatcherReloadsAndKeepsPreviousOnError(t *testing.T) {
	defer goleak.VerifyNone(t)
	path, w := newWatched(t)
	before := w.Holder.Engine()
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	writeMasks(t, path, []byte("desi_mask:\n  - [QSO, 2, \"QSO\", {}]\n  - [LRG, 2, \"dup\", {}]\n"))
	res := waitResult(t, w)
	if res.Err == nil {
		t.Fatal("expected the broken document to be rejected")
	}
	if w.Holder.Engine() != before {
		t.Fatal("engine replaced after a rejected reload")
	}

	data, _ := bitmask.Builtin("main")
	writeMasks(t, path, data)
	// A write can be observed half done; wait for the load that sees it whole.
	deadline := time.Now().Add(2 * time.Second)
	for res = waitResult(t, w); res.Err != nil; res = waitResult(t, w) {
		if time.Now().After(deadline) {
			t.Fatalf("reload failed: %v", res.Err)
		}
	}
	if w.Holder.Engine() == before || w.Holder.Engine() != res.Engine {
		t.Fatal("engine not swapped after a good reload")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	defer goleak.VerifyNone(t)
	path, w := newWatched(t)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	writeMasks(t, filepath.Join(filepath.Dir(path), "notes.txt"), []byte("hello"))
	select {
	case res := <-w.Results:
		t.Errorf("unexpected reload: %+v", res)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReloadCallsHook(t *testing.T) {
	_, w := newWatched(t)
	defer w.watcher.Close()
	var got []Result
	w.OnReload = func(r Result) { got = append(got, r) }
	res := w.Reload()
	if res.Err != nil || len(got) != 1 || got[0].Engine != res.Engine {
		t.Fatalf("unexpected reload result %+v, hook saw %d", res, len(got))
	}
}

func TestReloadAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, w := newWatched(t)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	w.Stop()
	w.Stop()

	res := w.Reload()
	if res.Err != nil {
		t.Fatalf("reload after stop: %v", res.Err)
	}
	if w.Holder.Engine() != res.Engine {
		t.Fatal("engine not swapped by a reload after stop")
	}
	if _, ok := <-w.Results; ok {
		t.Fatal("Results should be closed and empty after Stop")
	}
}

func TestStartFailureReleasesWatcher(t *testing.T) {
	defer goleak.VerifyNone(t)
	eng, err := engine.LoadBuiltin("main", engine.DefaultOptions())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	missing := filepath.Join(t.TempDir(), "gone", "targetmask.yaml")
	w, err := NewWatcher(missing, NewHolder(eng), func() (*engine.Engine, error) { return eng, nil }, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(); err == nil {
		t.Fatal("expected Start to fail for a missing directory")
	}
	w.Stop()
}
