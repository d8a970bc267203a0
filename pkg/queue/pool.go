package queue

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrPoolFull is returned by Submit when every queue slot is taken.
	ErrPoolFull = errors.New("worker pool queue is full")
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("worker pool is closed")
)

type job struct {
	name string
	fn   func(ctx context.Context)
}

// Pool is a bounded set of goroutines running deferred work. Jobs get the
// pool's own context, never the context of the request that queued them.
type Pool struct {
	queue          chan job
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
	singleThreaded bool
	logger         zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines reading from a queue of queueDepth
// slots. A single-threaded pool runs every job inline in Submit.
func NewPool(workers, queueDepth int, singleThreaded bool) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:          make(chan job, queueDepth),
		ctx:            ctx,
		cancel:         cancel,
		singleThreaded: singleThreaded,
		logger:         log.With().Str("component", "pool").Logger(),
	}
	if !singleThreaded {
		p.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go p.work()
		}
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("job", j.name).Interface("panic", r).Msg("job panicked")
		}
	}()
	j.fn(p.ctx)
}

// Submit queues fn without blocking.
func (p *Pool) Submit(name string, fn func(ctx context.Context)) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	if p.singleThreaded {
		p.mu.RUnlock()
		p.run(job{name: name, fn: fn})
		return nil
	}
	defer p.mu.RUnlock()
	select {
	case p.queue <- job{name: name, fn: fn}:
		return nil
	default:
		return errors.Wrap(ErrPoolFull, name)
	}
}

// Close stops accepting work and waits for queued jobs until ctx is done,
// then cancels the context handed to jobs still running.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
