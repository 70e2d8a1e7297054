package media

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/angelmondragon/mediastore/pkg/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Job is one unit of background work.
type Job struct {
	Name    string
	AssetID uuid.UUID
	Run     func(ctx context.Context) error
}

type submitter interface {
	Submit(job Job) bool
}

// Pool runs jobs on a fixed set of workers fed by a bounded queue. Job
// failures and panics are logged and never reach the submitter.
type Pool struct {
	ctx   context.Context
	jobs  chan Job
	group *errgroup.Group
	logg  *logger.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewPool starts workers that run jobs with ctx. In-flight jobs are not
// canceled by Close; they run to completion.
func NewPool(ctx context.Context, workers, queueSize int, logg *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		ctx:   context.WithoutCancel(ctx),
		jobs:  make(chan Job, queueSize),
		group: &errgroup.Group{},
		logg:  logg,
		done:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	go func() {
		_ = p.group.Wait()
		close(p.done)
	}()
	return p
}

// Submit enqueues job without blocking and reports whether it was accepted.
func (p *Pool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Close stops intake and waits for queued jobs to drain or ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("derivative pool drain: %w", ctx.Err())
	}
}

func (p *Pool) work() error {
	for job := range p.jobs {
		p.run(job)
	}
	return nil
}

func (p *Pool) run(job Job) {
	ctx := p.logg.WithFields(p.ctx, map[string]any{"job": job.Name, "asset_id": job.AssetID.String()})
	defer func() {
		if r := recover(); r != nil {
			p.logg.Error(ctx, "background job panicked", fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	if err := job.Run(ctx); err != nil {
		p.logg.Error(ctx, "background job failed", err)
	}
}
