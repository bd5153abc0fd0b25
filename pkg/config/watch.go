package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long Watch waits for a burst of changes to settle.
const DefaultDebounce = 500 * time.Millisecond

// WatchOptions tunes Watch.
type WatchOptions struct {
	// SkipDirs are directory base names that are not watched.
	SkipDirs []string

	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration
}

// Watch watches the given files and directory trees and calls onChange
// with the changed paths once changes have settled for the debounce
// period. It blocks until ctx is done. onChange is never called
// concurrently with itself.
func Watch(ctx context.Context, paths []string, opts WatchOptions, onChange func(changed []string), logger zerolog.Logger) error {
	logger = logger.With().Str("component", "watcher").Logger()
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	skip := make(map[string]bool, len(opts.SkipDirs))
	for _, d := range opts.SkipDirs {
		skip[d] = true
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	addTree := func(root string) error {
		return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			if path != root && skip[d.Name()] {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		})
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if info.IsDir() {
			err = addTree(path)
		} else {
			err = watcher.Add(path)
		}
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	logger.Info().Strs("paths", paths).Msg("Watching for changes")

	var timer *time.Timer
	var fire <-chan time.Time
	pending := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if skip[filepath.Base(filepath.Dir(event.Name))] || skip[filepath.Base(event.Name)] {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(event.Name); err != nil {
						logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
				}
			}

			logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("File changed")
			pending[event.Name] = true
			if timer == nil {
				timer = time.NewTimer(opts.Debounce)
			} else {
				timer.Reset(opts.Debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			pending = make(map[string]bool)
			onChange(changed)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}
