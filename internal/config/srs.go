package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/ini.v1"

	"github.com/shineum/smtp-mask-relay/internal/metrics"
)

// reloadDelay coalesces the burst of events an editor or config manager
// produces for a single save.
const reloadDelay = 200 * time.Millisecond

// LoadSRS reads an srs.ini file:
//
//	[main]
//	secret = 123
//	sender_domain = domain.me
//
// Both keys are required.
func LoadSRS(path string) (SRSConfig, error) {
	f, err := ini.Load(path)
	if err != nil {
		return SRSConfig{}, fmt.Errorf("failed to load SRS config: %w", err)
	}

	sec := f.Section("main")
	s := SRSConfig{
		File:         path,
		Secret:       sec.Key("secret").String(),
		SenderDomain: sec.Key("sender_domain").String(),
	}
	if s.Secret == "" {
		return SRSConfig{}, fmt.Errorf("%s: [main] secret is required", path)
	}
	if s.SenderDomain == "" {
		return SRSConfig{}, fmt.Errorf("%s: [main] sender_domain is required", path)
	}
	return s, nil
}

// WatchSRS calls onChange with the new settings each time the file at path
// is written or replaced, until ctx is cancelled. A file that fails to load
// is logged and skipped; the previous settings stay in effect.
func WatchSRS(ctx context.Context, path string, onChange func(SRSConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory so atomic renames over the file are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					pending = time.After(reloadDelay)
				}

			case <-pending:
				pending = nil
				s, err := LoadSRS(path)
				if err != nil {
					metrics.SRSReloads.WithLabelValues("failed").Inc()
					slog.Error("SRS config reload failed, keeping previous settings", "file", path, "error", err)
					continue
				}
				metrics.SRSReloads.WithLabelValues("ok").Inc()
				slog.Info("SRS config reloaded", "file", path, "sender_domain", s.SenderDomain)
				onChange(s)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("SRS config watcher error", "file", path, "error", err)
			}
		}
	}()

	return nil
}
