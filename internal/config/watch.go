package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the write bursts editors produce for one save.
const debounceDelay = 250 * time.Millisecond

// Watcher reloads the config file on change and hands each valid new Config
// to the callback. Invalid edits are logged and skipped; the last good
// config stays in effect.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	closed  chan struct{}
}

// Watch starts watching path. The parent directory is watched, not the file:
// most editors replace the file on save, which drops a file-level watch.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, path: path, closed: make(chan struct{})}
	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func(Config)) {
	var timer *time.Timer
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, func() {
				cfg, err := Load(w.path)
				if err != nil {
					log.Printf("CONFIG: reload skipped: %v", err)
					return
				}
				log.Printf("CONFIG: reloaded %s", w.path)
				onChange(cfg)
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watch error: %v", err)
		}
	}
}

func (w *Watcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}
