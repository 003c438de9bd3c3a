package policyfile

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce delay between a file event and the reload callback; editors
// produce bursts of write/rename events for one save.
const watchDebounce = 200 * time.Millisecond

// Watch observes every file involved in the last Load and invokes onChange
// after a quiet period whenever one of them is written, renamed, or
// recreated. It blocks until ctx is cancelled. Directories are watched
// rather than the files themselves so that rename-over saves keep working.
func (s *Source) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	watched := map[string]bool{}
	addDirs := func() {
		for _, f := range s.Files() {
			dir := filepath.Dir(f)
			if watched[dir] {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				s.logger.Warn("cannot watch policy directory", "dir", dir, "error", err)
				continue
			}
			watched[dir] = true
		}
	}
	addDirs()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !s.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			s.logger.Info("policy file changed, reloading")
			onChange()
			// A reload may have pulled in new include files.
			addDirs()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (s *Source) relevant(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	for _, f := range s.Files() {
		if f == abs {
			return true
		}
	}
	return false
}
