package epicdoc

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher flags edits to an epic document so the driver can re-read it
// between stories. Stories appended mid-run join the queue; nothing is
// interrupted for them.
type Watcher struct {
	fw    *fsnotify.Watcher
	path  string
	dirty atomic.Bool
	done  chan struct{}
}

// NewWatcher starts watching the epic file. The containing directory is
// watched rather than the file itself, since editors replace files on
// save and break per-file watches.
func NewWatcher(epicPath string, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(epicPath)
	if err != nil {
		return nil, fmt.Errorf("resolve epic path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{fw: fw, path: abs, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Name != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					logger.Debug("epic document changed", "path", abs, "op", ev.Op.String())
					w.dirty.Store(true)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logger.Warn("epic watcher error", "error", err.Error())
			}
		}
	}()
	return w, nil
}

// Dirty reports and clears the pending-change flag.
func (w *Watcher) Dirty() bool {
	return w.dirty.Swap(false)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
