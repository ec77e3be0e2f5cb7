package hopconfig

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// Watch re-validates the config at path whenever it changes and hands the
// outcome to fn. fn also runs once at start. The parent directory is watched
// so editors that replace the file by rename are seen. Watch blocks until ctx
// is done.
func Watch(ctx context.Context, path, keysDir string, fn func(Report, error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch hop config: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch hop config dir %s: %w", dir, err)
	}

	fn(ValidateFile(path, keysDir))

	var (
		debounce *time.Timer
		fire     = make(chan struct{}, 1)
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			fn(ValidateFile(path, keysDir))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fn(Report{Path: path}, fmt.Errorf("watch hop config: %w", err))
		}
	}
}
