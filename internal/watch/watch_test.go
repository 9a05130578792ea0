package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"descaleverify/internal/pipeline"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	full int // reject this many submissions with ErrQueueFull
}

func (r *recordingSubmitter) Submit(job pipeline.Job) (pipeline.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full > 0 {
		r.full--
		return job, pipeline.ErrQueueFull
	}
	job.ID = "job"
	r.jobs = append(r.jobs, job)
	return job, nil
}

func (r *recordingSubmitter) snapshot() []pipeline.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Job(nil), r.jobs...)
}

func TestFlushWaitsForSettle(t *testing.T) {
	sub := &recordingSubmitter{}
	w, err := New(nil, nil, time.Minute, pipeline.Job{Type: pipeline.JobAnalyze, Output: "plots"}, sub, slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.watcher.Close()

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	w.handle(fsnotify.Event{Name: "/in/ep01.mkv", Op: fsnotify.Create})
	w.handle(fsnotify.Event{Name: "/in/notes.txt", Op: fsnotify.Create})
	w.handle(fsnotify.Event{Name: "/in/gone.mp4", Op: fsnotify.Create})
	w.handle(fsnotify.Event{Name: "/in/gone.mp4", Op: fsnotify.Remove})

	clock = clock.Add(30 * time.Second)
	w.flush()
	if len(sub.snapshot()) != 0 {
		t.Fatalf("submitted before settling: %v", sub.snapshot())
	}

	w.handle(fsnotify.Event{Name: "/in/ep01.mkv", Op: fsnotify.Write})
	clock = clock.Add(59 * time.Second)
	w.flush()
	if len(sub.snapshot()) != 0 {
		t.Fatalf("write should restart the settle timer")
	}

	clock = clock.Add(time.Second)
	w.flush()
	jobs := sub.snapshot()
	if len(jobs) != 1 || jobs[0].InputPath != "/in/ep01.mkv" || jobs[0].Output != "plots" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}

	w.flush()
	if len(sub.snapshot()) != 1 {
		t.Fatalf("file submitted twice")
	}
}

func TestFlushRetriesWhenQueueFull(t *testing.T) {
	sub := &recordingSubmitter{full: 1}
	w, err := New(nil, nil, time.Second, pipeline.Job{Type: pipeline.JobAnalyze}, sub, slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.watcher.Close()

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }
	w.handle(fsnotify.Event{Name: "/in/ep02.mkv", Op: fsnotify.Create})

	clock = clock.Add(2 * time.Second)
	w.flush()
	if len(sub.snapshot()) != 0 {
		t.Fatalf("rejected job should not be recorded")
	}
	w.flush()
	jobs := sub.snapshot()
	if len(jobs) != 1 || jobs[0].InputPath != "/in/ep02.mkv" {
		t.Fatalf("expected retry to queue the file, got %+v", jobs)
	}
}

func TestRunPicksUpNewVideo(t *testing.T) {
	dir := t.TempDir()
	sub := &recordingSubmitter{}
	w, err := New([]string{dir}, []string{"vid"}, 40*time.Millisecond, pipeline.Job{Type: pipeline.JobAnalyze}, sub, slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	target := filepath.Join(dir, "clip.vid")
	if err := os.WriteFile(target, []byte("YUV4MPEG2"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "readme.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(sub.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("video was never submitted")
		}
		time.Sleep(20 * time.Millisecond)
	}
	jobs := sub.snapshot()
	if len(jobs) != 1 || jobs[0].InputPath != target {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}
