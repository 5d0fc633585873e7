package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration from defaults, overlaid with the YAML
// file at path when path is non-empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Tunables are the settings safe to change at runtime. The watcher
// republishes them whenever the config file is rewritten; consumers
// swap them in atomically.
type Tunables struct {
	Scheduler SchedulerConfig
	Retry     RetryConfig
	Budget    BudgetConfig
}

// Watch re-reads the config file on every write event and invokes apply
// with the fresh tunables. Returns a stop function. Parse failures keep
// the previous values.
func Watch(path string, apply func(Tunables)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than write in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		var debounce *time.Timer
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, func() {
					cfg, err := Load(path)
					if err != nil {
						log.Warn().Err(err).Str("path", path).Msg("Config reload failed, keeping previous values")
						return
					}
					apply(Tunables{Scheduler: cfg.Scheduler, Retry: cfg.Retry, Budget: cfg.Budget})
					log.Info().Str("path", path).Msg("Config tunables reloaded")
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
