package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// WatchEnvFile watches the .env file and flips the environment toggle when
// ENVIRONMENT changes in it. Editors often replace the file wholesale, so
// the watch is on the containing directory and events are filtered by name.
// Returns after starting the background goroutine; the watcher closes when
// ctx is cancelled.
func WatchEnvFile(ctx context.Context, path string, e *Env, log zerolog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	base := filepath.Base(path)

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				values, err := godotenv.Read(path)
				if err != nil {
					log.Warn().Err(err).Str("path", path).Msg("env file changed but could not be read")
					continue
				}
				name, ok := values["ENVIRONMENT"]
				if !ok || name == e.Name() {
					continue
				}
				if e.Set(name) {
					log.Info().Str("environment", name).Str("base_url", e.BaseURL()).Msg("environment switched")
				} else {
					log.Warn().Str("environment", name).Msg("ignoring unknown environment in env file")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("env file watcher error")
			}
		}
	}()

	log.Debug().Str("path", path).Msg("watching env file for environment changes")
	return nil
}
