package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Reloader watches the config file and re-applies the runtime-tunable keys
// when it changes. Boot-only settings (paths, URLs, caps wired into the
// scheduler at construction) still require a restart.
type Reloader struct {
	watcher  *fsnotify.Watcher
	runtime  *Runtime
	path     string
	log      *logrus.Entry
	debounce time.Duration
}

// NewReloader creates a file watcher on path. The file must exist.
func NewReloader(path string, rt *Runtime, log *logrus.Entry) (*Reloader, error) {
	if path == "" {
		return nil, errors.New("no config file to watch")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %q: %w", path, err)
	}
	return &Reloader{
		watcher:  watcher,
		runtime:  rt,
		path:     path,
		log:      log,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Run watches for file changes and re-applies tunables. Blocks until ctx is
// cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	// Editors fire several events per save; wait the debounce out after the
	// last one.
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(r.debounce, r.reload)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.WithError(err).Warn("config watcher error")
		}
	}
}

func (r *Reloader) reload() {
	set, err := Load(r.path)
	if err != nil {
		r.log.WithError(err).Error("config reload failed, keeping current values")
		return
	}
	applied := r.runtime.Apply(map[string]any{
		"prep_concurrency": set.PrepConcurrency,
		"ocr_concurrency":  set.OcrConcurrency,
		"job_timeout_s":    set.JobTimeoutSeconds,
		"default_ocr_lang": set.OcrLang,
	})
	r.log.WithField("applied", applied).Info("config reloaded")
}
