// Package stats drives a frame source through the round-trip transform and
// reduces every difference plane to one scalar, in frame order.
package stats

import (
	"fmt"
	"sync"
	"time"

	"descaleverify/internal/plane"
)

// Source is the subsampled frame sequence being analyzed.
type Source interface {
	NumFrames() int
	Plane(i int) (plane.Plane, error)
}

// Transform maps an original plane to its signed round-trip difference.
type Transform interface {
	Error(original plane.Plane) (plane.Plane, error)
}

// Progress receives an update after each frame's scalar is recorded.
type Progress interface {
	Update(done, total int)
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(done, total int)

func (f ProgressFunc) Update(done, total int) { f(done, total) }

type noProgress struct{}

func (noProgress) Update(int, int) {}

// Result is the outcome of a complete run.
type Result struct {
	Series  Series
	Elapsed time.Duration
}

// FrameError reports which frame stopped the run.
type FrameError struct {
	Index int
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Index, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Aggregator computes the error series of a source.
type Aggregator struct {
	Transform Transform
	Reducer   Reducer
	Progress  Progress
	// Workers > 1 runs the transform concurrently. Planes are still read in
	// frame order, values are placed by frame index and progress is reported
	// in frame order.
	Workers int

	now func() time.Time
}

func (a *Aggregator) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

// pass holds the resolved collaborators of one Run.
type pass struct {
	transform Transform
	reducer   Reducer
	progress  Progress
}

func (p pass) reduce(i int, orig plane.Plane) (float64, error) {
	diff, err := p.transform.Error(orig)
	if err != nil {
		return 0, &FrameError{Index: i, Err: err}
	}
	return p.reducer.Reduce(diff), nil
}

// Run processes every frame of src. Any frame failure aborts the run and no
// series is returned.
func (a *Aggregator) Run(src Source) (Result, error) {
	if a.Transform == nil {
		return Result{}, fmt.Errorf("stats: nil transform")
	}
	p := pass{transform: a.Transform, reducer: a.Reducer, progress: a.Progress}
	if p.reducer == nil {
		p.reducer = SumAbs
	}
	if p.progress == nil {
		p.progress = noProgress{}
	}

	n := src.NumFrames()
	start := a.clock()
	var (
		values []float64
		err    error
	)
	if a.Workers > 1 && n > 1 {
		values, err = p.runParallel(src, n, a.Workers)
	} else {
		values, err = p.runSequential(src, n)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Series: Series{values: values}, Elapsed: a.clock().Sub(start)}, nil
}

func (p pass) runSequential(src Source, n int) ([]float64, error) {
	values := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		orig, err := src.Plane(i)
		if err != nil {
			return nil, &FrameError{Index: i, Err: err}
		}
		v, err := p.reduce(i, orig)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		p.progress.Update(i+1, n)
	}
	return values, nil
}

type frameJob struct {
	index int
	plane plane.Plane
}

type frameResult struct {
	index int
	value float64
	err   error
}

// runParallel reads planes in index order on one goroutine, so decoders that
// stream see sequential requests, and fans the transform out to workers.
// Values are reassembled in index order. Frames past the first failure are
// not read.
func (p pass) runParallel(src Source, n, workers int) ([]float64, error) {
	if workers > n {
		workers = n
	}
	jobs := make(chan frameJob)
	results := make(chan frameResult, workers)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				v, err := p.reduce(job.index, job.plane)
				results <- frameResult{index: job.index, value: v, err: err}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobs)
		for i := 0; i < n; i++ {
			select {
			case <-stop:
				return
			default:
			}
			orig, err := src.Plane(i)
			if err != nil {
				results <- frameResult{index: i, err: &FrameError{Index: i, Err: err}}
				return
			}
			select {
			case jobs <- frameJob{index: i, plane: orig}:
			case <-stop:
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	values := make([]float64, 0, n)
	pending := make(map[int]float64)
	var firstErr *FrameError
	for res := range results {
		if res.err != nil {
			fe, _ := res.err.(*FrameError)
			if firstErr == nil {
				close(stop)
			}
			if firstErr == nil || fe.Index < firstErr.Index {
				firstErr = fe
			}
			continue
		}
		if firstErr != nil {
			continue
		}
		pending[res.index] = res.value
		// ordering barrier: append only the next expected index
		for {
			v, ok := pending[len(values)]
			if !ok {
				break
			}
			delete(pending, len(values))
			values = append(values, v)
			p.progress.Update(len(values), n)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return values, nil
}
