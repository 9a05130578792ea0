// Package watch analyzes video files as they appear in watched directories.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"descaleverify/internal/fsutil"
	"descaleverify/internal/pipeline"
)

// Submitter queues jobs. *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) (pipeline.Job, error)
}

// Watcher turns settled video files into analysis jobs.
type Watcher struct {
	watcher    *fsnotify.Watcher
	dirs       []string
	extensions []string
	settle     time.Duration
	template   pipeline.Job
	submit     Submitter
	log        *slog.Logger
	pending    map[string]time.Time
	now        func() time.Time
}

// New creates a watcher over dirs. Every job is a copy of template with
// InputPath set to the new file. A file is submitted once no write has been
// seen for settle.
func New(dirs []string, extensions []string, settle time.Duration, template pipeline.Job, submit Submitter, log *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = time.Second
	}
	return &Watcher{
		watcher:    w,
		dirs:       dirs,
		extensions: extensions,
		settle:     settle,
		template:   template,
		submit:     submit,
		log:        log,
		pending:    make(map[string]time.Time),
		now:        time.Now,
	}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}

	ticker := time.NewTicker(w.settle / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !fsutil.IsVideo(event.Name, w.extensions...) {
		return
	}
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.pending[event.Name] = w.now()
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		delete(w.pending, event.Name)
	}
}

// flush submits every pending file that has been quiet for the settle time.
func (w *Watcher) flush() {
	now := w.now()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.settle {
			ready = append(ready, path)
		}
	}
	sort.Strings(ready)
	for _, path := range ready {
		delete(w.pending, path)
		job := w.template
		job.ID = ""
		job.InputPath = path
		job, err := w.submit.Submit(job)
		if errors.Is(err, pipeline.ErrQueueFull) {
			// stays ready; retried on the next flush
			w.pending[path] = now.Add(-w.settle)
			w.log.Warn("analysis queue full, will retry", "input", path)
			continue
		}
		if err != nil {
			w.log.Error("failed to queue analysis", "input", path, "error", err)
			continue
		}
		w.log.Info("queued analysis", "input", path, "job", job.ID)
	}
}
