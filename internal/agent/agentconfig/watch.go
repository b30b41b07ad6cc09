package agentconfig

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounce coalesces the burst of fs events an editor or atomic rename
// produces into one reload.
const debounce = 300 * time.Millisecond

// Watch reloads the config whenever the file changes and hands each good
// load to apply. It watches the parent directory because saves go through a
// rename, which would orphan a watch on the file itself. Blocks until ctx is
// done. Unparseable or undecryptable edits are logged and skipped; the
// previous config stays in effect.
func Watch(ctx context.Context, log zerolog.Logger, path string, apply func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)
	log = log.With().Str("component", "config-watch").Str("path", path).Logger()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				timer.Reset(debounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			cfg, err := Load(path)
			if err != nil {
				log.Warn().Err(err).Msg("config changed but failed to load, keeping previous")
				continue
			}
			log.Info().Msg("config reloaded")
			apply(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}
