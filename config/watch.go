package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/searchktools/fastgate/logging"
)

// Watch monitors the config file for writes and applies listener and
// route add/remove changes to the running Runtime. A reload that fails
// to parse or validate is logged and discarded; the running config is
// never torn down for a bad file. The returned stop function ends the
// watch.
func Watch(path string, rt *Runtime, log logging.Logger) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}

	// Watch the directory, not the file: editors and config managers
	// commonly replace the file by rename, which drops a file-level
	// watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	target, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				evPath, _ := filepath.Abs(ev.Name)
				if evPath != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				root, err := Load(path)
				if err != nil {
					log.Error().Err(err).Msg("config reload rejected")
					continue
				}
				if err := rt.ApplyListeners(root); err != nil {
					log.Error().Err(err).Msg("config reload failed to apply")
					continue
				}
				log.Info().Str("path", path).Msg("config reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
