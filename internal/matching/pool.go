package matching

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/echofind/echofind/internal/models"
)

var (
	// ErrQueueFull is returned by Dispatch when every queue slot is taken
	ErrQueueFull = errors.New("match queue full")
	// ErrPoolClosed is returned by Dispatch after Shutdown
	ErrPoolClosed = errors.New("match pool closed")
)

// Dispatcher schedules a match search for a newly created item without
// waiting for it.
type Dispatcher interface {
	Dispatch(item *models.Item) error
}

// Pool runs match searches on a fixed set of workers fed by a bounded queue
type Pool struct {
	finder      *Finder
	notifier    Notifier
	workerCount int
	jobTimeout  time.Duration
	jobs        chan models.Item
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool. Call Start before dispatching.
func NewPool(finder *Finder, notifier Notifier, workerCount, queueSize int, jobTimeout time.Duration) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		finder:      finder,
		notifier:    notifier,
		workerCount: workerCount,
		jobTimeout:  jobTimeout,
		jobs:        make(chan models.Item, queueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the worker goroutines
func (p *Pool) Start() {
	log.Info().Int("workers", p.workerCount).Int("queue_size", cap(p.jobs)).Msg("Starting match worker pool")
	for i := 1; i <= p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case item, ok := <-p.jobs:
			if !ok {
				return
			}
			p.process(id, &item)
		}
	}
}

func (p *Pool) process(workerID int, item *models.Item) {
	ctx, cancel := context.WithTimeout(p.ctx, p.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("worker", workerID).Str("item_id", item.ID).Msg("Match job panicked")
		}
	}()

	log.Debug().Int("worker", workerID).Str("item_id", item.ID).Msg("Processing match job")
	Run(ctx, p.finder, p.notifier, item)
}

// Dispatch queues a match search for item. It never blocks: a full queue
// returns ErrQueueFull and the job is dropped.
func (p *Pool) Dispatch(item *models.Item) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		dispatchDropped.Inc()
		return ErrPoolClosed
	}

	select {
	case p.jobs <- *item:
		return nil
	default:
		dispatchDropped.Inc()
		log.Warn().Str("item_id", item.ID).Msg("Match queue full, dropping job")
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish.
// After timeout, in-flight jobs are cancelled.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Match worker pool drained")
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("Match worker pool shutdown timed out, cancelling jobs")
		p.cancel()
		<-done
	}
	p.cancel()
}
