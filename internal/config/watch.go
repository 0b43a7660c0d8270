package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the policy file on write/create events and swaps it into
// store. Grounded on mercator-hq-jupiter's use of fsnotify for config
// hot-reload. Errors during reload are logged and the previous snapshot is
// kept in place — a bad edit to the policy file must never take the
// gateway down.
func Watch(path string, store *Store, log *slog.Logger) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				p, err := LoadPolicy(path)
				if err != nil {
					log.Warn("policy reload failed, keeping previous snapshot",
						slog.String("path", path), slog.String("error", err.Error()))
					continue
				}
				store.Swap(p)
				log.Info("policy reloaded", slog.String("path", path),
					slog.Int("virtual_keys", len(p.VirtualKeys)),
					slog.Int("backends", len(p.Backends)))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("policy watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return w, nil
}
