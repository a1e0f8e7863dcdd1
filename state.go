package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// uiState is what the app remembers between runs.
type uiState struct {
	Model string `yaml:"model,omitempty"`
}

func loadState(path string) (uiState, error) {
	var st uiState
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("read state: %w", err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return uiState{}, fmt.Errorf("parse state %s: %w", path, err)
	}
	return st, nil
}

func saveState(path string, st uiState) error {
	data, err := yaml.Marshal(&st)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

// stateWatcher reports changes to the state file made by other deepchat
// processes, such as `deepchat models --select`.
type stateWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	log     *slog.Logger

	mu   sync.Mutex
	last uiState
	done chan struct{}
}

// watchState calls onChange from a background goroutine whenever the state
// file's content changes. The directory is watched, not the file, because
// saves replace the file by rename.
func watchState(path string, logger *slog.Logger, onChange func(uiState)) (*stateWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	initial, _ := loadState(path)
	sw := &stateWatcher{
		watcher: w,
		path:    filepath.Clean(path),
		log:     logger.With("component", "state-watcher"),
		last:    initial,
		done:    make(chan struct{}),
	}
	go sw.run(onChange)
	return sw, nil
}

func (sw *stateWatcher) run(onChange func(uiState)) {
	defer close(sw.done)
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != sw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			st, err := loadState(sw.path)
			if err != nil {
				sw.log.Debug("ignoring unreadable state", "error", err)
				continue
			}
			sw.mu.Lock()
			changed := st != sw.last
			sw.last = st
			sw.mu.Unlock()
			if changed {
				onChange(st)
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.log.Debug("watch error", "error", err)
		}
	}
}

// remember records st as current so our own saves do not echo back.
func (sw *stateWatcher) remember(st uiState) {
	sw.mu.Lock()
	sw.last = st
	sw.mu.Unlock()
}

func (sw *stateWatcher) Close() error {
	err := sw.watcher.Close()
	<-sw.done
	return err
}
