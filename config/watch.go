package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a configuration file whenever it changes.
type Watcher struct {
	w    *fsnotify.Watcher
	path string
	fn   func(*Config, error)
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Watch calls fn with the reloaded configuration after every change to the
// file at path, or with the error if the new content cannot be loaded. The
// parent directory is watched so that editors replacing the file by rename
// are picked up.
func Watch(path string, fn func(*Config, error)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close() // Intentionally ignore: cleanup path
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{w: fw, path: abs, fn: fn, done: make(chan struct{})}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			w.fn(Load(w.path))
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.fn(nil, fmt.Errorf("config: watch %s: %w", w.path, err))
		}
	}
}

// Close stops watching. fn is not called after Close returns.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.w.Close()
		w.wg.Wait()
	})
	return err
}
