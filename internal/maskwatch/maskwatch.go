// Package maskwatch keeps a live engine in step with a target-mask document on
// disk. Edits that fail to load leave the previous engine in place.
package maskwatch

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"desitarget/internal/engine"
	"desitarget/internal/logging"
)

// Loader builds an engine from the watched document.
type Loader func() (*engine.Engine, error)

// Result is the outcome of one reload.
type Result struct {
	File   string
	Engine *engine.Engine
	Err    error
}

// Holder serves the current engine to concurrent readers.
type Holder struct {
	p atomic.Pointer[engine.Engine]
}

// NewHolder returns a holder serving eng.
func NewHolder(eng *engine.Engine) *Holder {
	h := &Holder{}
	h.p.Store(eng)
	return h
}

// Engine returns the engine currently in service.
func (h *Holder) Engine() *engine.Engine { return h.p.Load() }

func (h *Holder) swap(eng *engine.Engine) { h.p.Store(eng) }

// DefaultDebounce groups bursts of editor writes into one reload.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads File into Holder whenever it changes.
type Watcher struct {
	File    string
	Holder  *Holder
	Load    Loader
	Logger  *zap.Logger
	Results <-chan Result
	// OnReload, when set, is called after every reload attempt.
	OnReload func(Result)
	Debounce time.Duration

	results chan Result
	done    chan struct{}
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	stopped bool
}

// NewWatcher prepares a watcher for file. Start must be called to begin.
func NewWatcher(file string, holder *Holder, load Loader, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		fw.Close()
		return nil, err
	}
	ch := make(chan Result, 16)
	return &Watcher{
		File:     abs,
		Holder:   holder,
		Load:     load,
		Logger:   logging.OrNop(logger),
		Results:  ch,
		Debounce: DefaultDebounce,
		results:  ch,
		done:     make(chan struct{}),
		watcher:  fw,
	}, nil
}

// Start watches the document's directory. Watching the directory rather than
// the file survives editors that replace the file on save. On failure the
// underlying watcher is released and Stop returns at once.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.File)); err != nil {
		w.watcher.Close()
		close(w.done)
		return err
	}
	go w.loop()
	return nil
}

// Stop ends the watch and closes Results. Reloads after Stop still swap the
// engine but publish nothing. Stop may be called more than once.
func (w *Watcher) Stop() {
	w.watcher.Close()
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.results)
	}
}

func (w *Watcher) loop() {
	defer close(w.done)
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	var pending time.Time
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.File {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.Now()
			}

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= debounce {
				pending = time.Time{}
				w.reload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.Logger.Warn("mask watch error", zap.Error(err))
		}
	}
}

// Reload loads the document now, swapping it in on success.
func (w *Watcher) Reload() Result {
	return w.reload()
}

func (w *Watcher) reload() Result {
	res := Result{File: w.File}
	eng, err := w.Load()
	if err != nil {
		res.Err = err
		w.Logger.Error("target masks rejected; keeping previous", zap.String("file", w.File), zap.Error(err))
	} else {
		res.Engine = eng
		w.Holder.swap(eng)
		w.Logger.Info("target masks reloaded", zap.String("file", w.File), zap.String("survey", eng.Survey()))
	}
	if w.OnReload != nil {
		w.OnReload(res)
	}
	w.mu.Lock()
	if !w.stopped {
		select {
		case w.results <- res:
		default:
		}
	}
	w.mu.Unlock()
	return res
}
