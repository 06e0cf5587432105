// Package watch reports reconstruction artifacts as they appear in a results folder.
package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"reconloop/internal/events"
)

// Watcher publishes an events.Artifact for every artifact written under its directories.
type Watcher struct {
	watcher *fsnotify.Watcher
	bus     *events.Bus
	runID   string
	log     *slog.Logger
	dirs    []string
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// New creates a watcher for dirs. Subdirectories created later are followed too.
func New(dirs []string, bus *events.Bus, runID string, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: fw,
		bus:     bus,
		runID:   runID,
		log:     logger,
		dirs:    dirs,
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories
func (w *Watcher) Start() error {
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Debug("watching results folder", "dir", dir)
	}
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop ends monitoring and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.watcher.Add(event.Name); err != nil {
						w.log.Warn("failed to watch new directory", "dir", event.Name, "error", err)
					}
					continue
				}
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue
			}

			if !IsArtifact(event.Name) {
				continue
			}
			w.bus.Publish(events.Event{
				Kind:    events.Artifact,
				RunID:   w.runID,
				Path:    event.Name,
				Message: operation,
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// IsArtifact reports whether path is a file the reconstruction produces.
func IsArtifact(path string) bool {
	base := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(base)) {
	case ".pt", ".ply", ".mp4", ".pkl":
		return true
	case ".txt":
		return strings.HasPrefix(base, "poses_") || base == "summary.txt"
	case ".png":
		return base == "registration_rates.png"
	default:
		return false
	}
}
