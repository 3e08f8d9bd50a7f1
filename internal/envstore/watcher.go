package envstore

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch logs a warning whenever the control file changes on disk between the
// store's own commits, so hand edits and out-of-band tooling show up in the
// agent's log. It blocks until ctx is cancelled.
//
// The watch is on the parent directory, not the file itself: commits replace
// the file by rename, which would invalidate a direct file watch.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("envstore: create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("envstore: watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			s.logger.Warn("active-environment file changed on disk",
				"path", s.path,
				"op", ev.Op.String(),
				"now", s.Current(),
			)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("control file watch error", "error", err)
		}
	}
}
