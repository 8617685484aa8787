// Package tui renders a live view of a run in the terminal.
//
// The view is read-only: it follows the engine state file and the event
// bridge progress snapshot with fsnotify and re-renders on every change.
package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
)

// Watch runs the watch view until the user quits, ctx is cancelled, or the
// run finishes with ExitOnFinish set.
func Watch(ctx context.Context, opts WatchOptions) error {
	view := newWorkflowView(opts)
	watcher, changes, errs, err := watchFiles(view.watchedFiles())
	if err != nil {
		return err
	}
	defer watcher.Close()
	view.watch(changes, errs)

	program := tea.NewProgram(view, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

// watchFiles watches the parent directories of files, because state files
// are replaced by rename, and forwards events naming one of them.
func watchFiles(files []string) (*fsnotify.Watcher, <-chan string, <-chan error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("tui: create watcher: %w", err)
	}
	wanted := make(map[string]struct{}, len(files))
	dirs := map[string]struct{}{}
	for _, file := range files {
		clean := filepath.Clean(file)
		wanted[clean] = struct{}{}
		dirs[filepath.Dir(clean)] = struct{}{}
	}
	for dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			watcher.Close()
			return nil, nil, nil, fmt.Errorf("tui: create %s: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, nil, nil, fmt.Errorf("tui: watch %s: %w", dir, err)
		}
	}
	changes := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(changes)
		defer close(errs)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if _, match := wanted[filepath.Clean(event.Name)]; !match {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
					continue
				}
				// Coalesce bursts; the view reloads both files anyway.
				select {
				case changes <- event.Name:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				select {
				case errs <- err:
				default:
				}
			}
		}
	}()
	return watcher, changes, errs, nil
}
