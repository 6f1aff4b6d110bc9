// Package backfill reconciles the local mirror with the platform: a worker
// pool consuming sync jobs, the syncer that runs them and the cron scheduler
// that feeds the queue.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pysugar/marketrelay/internal/logging"
	"github.com/pysugar/marketrelay/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Job kinds.
const (
	KindThreads  = "threads"
	KindMessages = "messages"
)

// ErrPoolClosed is returned when enqueueing after shutdown.
var ErrPoolClosed = errors.New("sync pool is shut down")

// Job is one unit of reconciliation work.
type Job struct {
	Kind      string
	AccountID string
	ThreadID  string
}

func (j Job) key() string {
	return j.Kind + ":" + j.AccountID + ":" + j.ThreadID
}

// Runner executes a job.
type Runner interface {
	Run(ctx context.Context, job Job) error
}

// PoolConfig sizes the pool.
type PoolConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

// Pool runs jobs on a fixed set of workers. A job already waiting in the
// queue is not queued twice.
type Pool struct {
	cfg     PoolConfig
	runner  Runner
	log     logrus.FieldLogger
	metrics metrics.Recorder

	queue chan Job

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool

	startOnce  sync.Once
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewPool creates a pool. Call Start to launch workers.
func NewPool(cfg PoolConfig, runner Runner, log logrus.FieldLogger, m metrics.Recorder) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 90 * time.Second
	}
	return &Pool{
		cfg:        cfg,
		runner:     runner,
		log:        logging.OrDiscard(log).WithField("component", "sync-pool"),
		metrics:    metrics.OrNoop(m),
		queue:      make(chan Job, cfg.QueueSize),
		pending:    make(map[string]struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
		p.log.WithField("workers", p.cfg.Workers).Info("sync pool started")
	})
}

// Enqueue adds job unless an identical job is already waiting or the queue
// is full. It reports whether the job was queued.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	key := job.key()
	if _, dup := p.pending[key]; dup {
		return false
	}
	select {
	case p.queue <- job:
		p.pending[key] = struct{}{}
		p.metrics.SetSyncQueueDepth(len(p.queue))
		return true
	default:
		p.log.WithFields(logrus.Fields{"kind": job.Kind, "account_id": job.AccountID}).Warn("sync queue full, job dropped")
		return false
	}
}

// EnqueueAccount queues a thread-list sync for accountID.
func (p *Pool) EnqueueAccount(accountID string) bool {
	return p.Enqueue(Job{Kind: KindThreads, AccountID: accountID})
}

// EnqueueThread queues a message sync for one local thread.
func (p *Pool) EnqueueThread(accountID, threadID string) bool {
	return p.Enqueue(Job{Kind: KindMessages, AccountID: accountID, ThreadID: threadID})
}

// Depth returns the number of waiting jobs.
func (p *Pool) Depth() int {
	return len(p.queue)
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.shutdownCh:
			return
		case job := <-p.queue:
			p.mu.Lock()
			delete(p.pending, job.key())
			p.mu.Unlock()
			p.metrics.SetSyncQueueDepth(len(p.queue))
			p.run(n, job)
		}
	}
}

func (p *Pool) run(worker int, job Job) {
	log := p.log.WithFields(logrus.Fields{
		"worker":     worker,
		"kind":       job.Kind,
		"account_id": job.AccountID,
		"thread_id":  job.ThreadID,
	})
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := p.safeRun(ctx, job)
	p.metrics.RecordSyncJob(job.Kind, err == nil, time.Since(start))
	if err != nil {
		log.WithError(err).Warn("sync job failed")
		return
	}
	log.WithField("duration", time.Since(start)).Debug("sync job done")
}

func (p *Pool) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync job panicked: %v", r)
		}
	}()
	return p.runner.Run(ctx, job)
}

// Shutdown stops accepting jobs and waits for running jobs to finish.
// Jobs still queued are dropped.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.shutdownCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("sync pool shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sync pool shutdown timeout: %w", ctx.Err())
	}
}
