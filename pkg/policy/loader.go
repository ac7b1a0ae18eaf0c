package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads operator policies from .rego files and keeps the engine in
// sync when they change on disk.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadDir loads every .rego file under dir. Files that fail to read are
// skipped with a warning so one bad file does not disable the rest.
func (l *Loader) LoadDir(dir string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("failed to read policy file")
			return nil
		}
		policies = append(policies, Policy{
			Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
			Severity:    SeverityError,
			Rego:        string(data),
			Enabled:     true,
			Description: fmt.Sprintf("loaded from %s", path),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory: %w", err)
	}

	l.logger.Info().Int("count", len(policies)).Str("dir", dir).Msg("policies loaded")
	return policies, nil
}

// Watch reloads the directory into the engine whenever a .rego file
// changes. Blocks until the context is canceled.
func (l *Loader) Watch(ctx context.Context, dir string, engine *Engine) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Info().Str("file", event.Name).Str("op", event.Op.String()).Msg("policy change detected, reloading")
			policies, err := l.LoadDir(dir)
			if err != nil {
				l.logger.Error().Err(err).Msg("policy reload failed")
				continue
			}
			engine.Replace(policies)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error().Err(err).Msg("policy watcher error")
		}
	}
}
