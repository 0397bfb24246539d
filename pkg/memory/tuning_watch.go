package memory

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/logger"
)

// TuningWatcher serves the tuning file's latest valid contents, reloading
// when the file changes. An edit that fails to parse keeps the previous
// tables in force.
type TuningWatcher struct {
	path    string
	current atomic.Pointer[Tuning]
	watcher *fsnotify.Watcher
	reloads atomic.Int64

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// WatchTuning loads path and starts watching its directory.
func WatchTuning(path string) (*TuningWatcher, error) {
	t, err := LoadTuning(path)
	if err != nil {
		return nil, err
	}
	w := &TuningWatcher{path: filepath.Clean(path), stopCh: make(chan struct{})}
	w.current.Store(t)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors often replace the file, so the directory is watched.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w.watcher = fw
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *TuningWatcher) Tuning() *Tuning { return w.current.Load() }

// Reloads counts successful reloads since start.
func (w *TuningWatcher) Reloads() int64 { return w.reloads.Load() }

// Reload re-reads the file now.
func (w *TuningWatcher) Reload() error {
	t, err := LoadTuning(w.path)
	if err != nil {
		return err
	}
	w.current.Store(t)
	w.reloads.Add(1)
	return nil
}

func (w *TuningWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := w.Reload(); err != nil {
				logger.WarnCF("tuning", "tuning reload rejected, keeping previous tables", map[string]interface{}{
					"path":  w.path,
					"error": err.Error(),
				})
				continue
			}
			logger.InfoCF("tuning", "tuning reloaded", map[string]interface{}{"path": w.path})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.WarnCF("tuning", "tuning watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *TuningWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
