package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"descaleverify/internal/config"
	"descaleverify/internal/logging"
)

// JobType enumerates supported job categories.
type JobType string

const (
	JobAnalyze JobType = "analyze"
	JobProbe   JobType = "probe"
)

// ErrQueueFull is returned by Submit when no queue slot is free.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single request.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	InputPath string          `json:"input_path"`
	Output    string          `json:"output_dir,omitempty"`
	Analysis  config.Analysis `json:"analysis"`
	Decoder   config.Decoder  `json:"decoder"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job            `json:"job"`
	Error error          `json:"-"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Progress reports frame progress of a running job.
type Progress struct {
	JobID string `json:"job_id"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// JobState is the in-memory view of a submitted job.
type JobState struct {
	Job       Job            `json:"job"`
	Status    string         `json:"status"`
	Done      int            `json:"done"`
	Total     int            `json:"total"`
	Error     string         `json:"error,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Submitted time.Time      `json:"submitted"`
}

// Processor executes a job and returns a Result. progress receives frame
// progress while the job runs.
type Processor interface {
	Process(ctx context.Context, job Job, progress func(done, total int)) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	mu        sync.Mutex
	subs      map[int]chan Result
	progSubs  map[int]chan Progress
	nextSubID int
	states    map[string]*JobState
}

// New creates a Pipeline running concurrency workers over processor.
func New(ctx context.Context, concurrency int, logger *slog.Logger, processor Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		subs:      make(map[int]chan Result),
		progSubs:  make(map[int]chan Progress),
		states:    make(map[string]*JobState),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue and returns it with its ID set.
func (p *Pipeline) Submit(job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Type == "" {
		job.Type = JobAnalyze
	}

	p.mu.Lock()
	p.states[job.ID] = &JobState{Job: job, Status: "queued", Submitted: time.Now()}
	p.mu.Unlock()

	select {
	case p.jobs <- job:
		return job, nil
	default:
		p.mu.Lock()
		delete(p.states, job.ID)
		p.mu.Unlock()
		return job, ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		for id, ch := range p.progSubs {
			close(ch)
			delete(p.progSubs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()
			p.log.Debug("job picked up", "worker", id, "job", job.ID, "type", job.Type, "input", job.InputPath)
			p.setStatus(job.ID, "running", nil)

			res := p.processor.Process(ctx, job, func(done, total int) {
				p.progress(Progress{JobID: job.ID, Done: done, Total: total})
			})
			res.Job = job
			duration := time.Since(start)

			if res.Error != nil {
				if job.Type != JobAnalyze {
					logging.LogRunError(p.log, job.ID, duration, res.Error, map[string]any{"type": job.Type, "input": job.InputPath})
				}
				p.setStatus(job.ID, "failed", &res)
			} else {
				p.setStatus(job.ID, "completed", &res)
			}

			p.broadcast(res)
		}
	}
}

func (p *Pipeline) setStatus(id, status string, res *Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[id]
	if !ok {
		return
	}
	st.Status = status
	if res != nil {
		st.Meta = res.Meta
		st.Error = errString(res.Error)
	}
}

// Job returns the state of a submitted job.
func (p *Pipeline) Job(id string) (JobState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[id]
	if !ok {
		return JobState{}, false
	}
	return *st, true
}

// Jobs lists submitted jobs, most recent first.
func (p *Pipeline) Jobs() []JobState {
	p.mu.Lock()
	out := make([]JobState, 0, len(p.states))
	for _, st := range p.states {
		out = append(out, *st)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Submitted.After(out[j].Submitted) })
	return out
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// SubscribeProgress returns a channel of frame progress updates. Slow
// subscribers miss updates rather than stall the workers.
func (p *Pipeline) SubscribeProgress() (<-chan Progress, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Progress, 64)
	p.progSubs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.progSubs[id]; ok {
			close(c)
			delete(p.progSubs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

func (p *Pipeline) progress(ev Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[ev.JobID]; ok {
		st.Done, st.Total = ev.Done, ev.Total
	}
	for _, ch := range p.progSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}
