package rules

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher invalidates a loader's cache when the catalog changes on disk.
// Evaluation still happens against the snapshot a run started with; the
// fresh catalog takes effect on the next run.
type Watcher struct {
	watcher *fsnotify.Watcher
	loader  *Loader
	done    chan struct{}
}

// NewWatcher watches dir (and its subdirectories) for rule changes.
func NewWatcher(dir string, loader *Loader) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// fsnotify does not recurse, so register every subdirectory.
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsWatcher.Add(path)
		}
		return nil
	})
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}

	w := &Watcher{
		watcher: fsWatcher,
		loader:  loader,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Rule catalog changed, cache invalidated")
				w.loader.MarkDirty()
				// New subdirectories need registering too.
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = w.watcher.Add(event.Name)
					}
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Rule catalog watcher error")
		}
	}
}

// Stop closes the watcher.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
}
