package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/medsync/ire/internal/domain/rawpatient"
	"github.com/medsync/ire/internal/platform/metrics"
)

const backlogBatch = 100

var (
	// ErrQueueFull tells the caller to shed load instead of blocking.
	ErrQueueFull = errors.New("reconcile queue is full")
	// ErrPoolDegraded means a storage failure stopped the pool from
	// accepting new work.
	ErrPoolDegraded = errors.New("reconcile pool is degraded")
)

// Job is one queued reconcile with its requeue count.
type Job struct {
	Event    Event
	requeues int
}

// PoolStats is a point-in-time snapshot of the pool.
type PoolStats struct {
	Workers       int        `json:"workers"`
	WorkersAlive  int        `json:"workers_alive"`
	QueueDepth    int        `json:"queue_depth"`
	QueueCapacity int        `json:"queue_capacity"`
	Processed     uint64     `json:"processed"`
	Requeues      uint64     `json:"requeues"`
	DeadLetters   uint64     `json:"dead_letters"`
	LastProcessed *time.Time `json:"last_processed,omitempty"`
	Healthy       bool       `json:"healthy"`
}

// PoolConfig wires a Pool.
type PoolConfig struct {
	Engine *Engine
	Raws   rawpatient.Repository

	Workers      int
	QueueSize    int
	RequeueMax   int
	RequeueDelay time.Duration
	PollInterval time.Duration

	Logger zerolog.Logger
}

// Pool runs reconciles in the background and periodically sweeps staged
// records whose processed_at is still null: work lost to crashes, shed
// load, or exhausted requeues.
type Pool struct {
	engine       *Engine
	raws         rawpatient.Repository
	jobs         chan Job
	workers      int
	requeueMax   int
	requeueDelay time.Duration
	pollInterval time.Duration
	log          zerolog.Logger

	alive       atomic.Int32
	processed   atomic.Uint64
	requeues    atomic.Uint64
	deadLetters atomic.Uint64
	lastDone    atomic.Int64
	unhealthy   atomic.Bool
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RequeueMax <= 0 {
		cfg.RequeueMax = 3
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Pool{
		engine:       cfg.Engine,
		raws:         cfg.Raws,
		jobs:         make(chan Job, cfg.QueueSize),
		workers:      cfg.Workers,
		requeueMax:   cfg.RequeueMax,
		requeueDelay: cfg.RequeueDelay,
		pollInterval: cfg.PollInterval,
		log:          cfg.Logger,
	}
}

// Enqueue adds an event without blocking. ErrQueueFull is not fatal: the
// backlog sweep finds the record again as long as it stays unprocessed.
func (p *Pool) Enqueue(ev Event) error {
	if p.unhealthy.Load() {
		return ErrPoolDegraded
	}
	select {
	case p.jobs <- Job{Event: ev}:
		metrics.SetQueueDepth(len(p.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and the backlog poller and blocks until ctx ends.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.pollBacklog(ctx)
	}()
	wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	p.alive.Add(1)
	defer p.alive.Add(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			metrics.SetQueueDepth(len(p.jobs))
			if !p.process(ctx, job) {
				return
			}
		}
	}
}

// process runs one job. The return value says whether the worker keeps
// going: retryable and invalid outcomes are routed and survived, a storage
// failure stops the worker.
func (p *Pool) process(ctx context.Context, job Job) bool {
	_, err := p.engine.Reconcile(ctx, job.Event)
	if err == nil {
		p.processed.Add(1)
		p.lastDone.Store(time.Now().UnixNano())
		return true
	}

	raw := job.Event.Raw
	switch KindOf(err) {
	case KindRetryableConflict, KindLockTimeout:
		if job.requeues < p.requeueMax {
			p.requeues.Add(1)
			job.requeues++
			go p.requeueLater(ctx, job)
			return true
		}
		p.deadLetters.Add(1)
		metrics.RecordDeadLetter()
		p.log.Warn().Err(err).
			Str("source", raw.Source).
			Str("his_number", raw.HISNumber).
			Msg("requeue budget exhausted, left for backlog sweep")
		return true
	case KindInvalidRaw:
		p.deadLetters.Add(1)
		metrics.RecordDeadLetter()
		p.log.Error().Err(err).
			Str("source", raw.Source).
			Str("his_number", raw.HISNumber).
			Msg("invalid raw record dead-lettered")
		return true
	default:
		p.unhealthy.Store(true)
		p.log.Error().Err(err).
			Str("source", raw.Source).
			Str("his_number", raw.HISNumber).
			Msg("storage failure, stopping worker")
		return false
	}
}

func (p *Pool) requeueLater(ctx context.Context, job Job) {
	t := time.NewTimer(p.requeueDelay * time.Duration(job.requeues))
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		select {
		case p.jobs <- job:
		default:
			p.deadLetters.Add(1)
			metrics.RecordDeadLetter()
		}
	}
}

func (p *Pool) pollBacklog(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	n, err := p.raws.CountUnprocessed(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("backlog count failed")
		return
	}
	metrics.SetBacklogSize(n)
	if n == 0 {
		return
	}

	recs, err := p.raws.ListUnprocessed(ctx, backlogBatch)
	if err != nil {
		p.log.Error().Err(err).Msg("backlog list failed")
		return
	}
	enqueued := 0
	for _, r := range recs {
		if err := p.Enqueue(EventForRaw(r)); err != nil {
			break
		}
		enqueued++
	}
	p.log.Info().Int("backlog", n).Int("enqueued", enqueued).Msg("backlog sweep")
}

// Stats snapshots the pool for the health endpoint.
func (p *Pool) Stats() PoolStats {
	st := PoolStats{
		Workers:       p.workers,
		WorkersAlive:  int(p.alive.Load()),
		QueueDepth:    len(p.jobs),
		QueueCapacity: cap(p.jobs),
		Processed:     p.processed.Load(),
		Requeues:      p.requeues.Load(),
		DeadLetters:   p.deadLetters.Load(),
	}
	if ts := p.lastDone.Load(); ts > 0 {
		t := time.Unix(0, ts)
		st.LastProcessed = &t
	}
	st.Healthy = !p.unhealthy.Load() && st.WorkersAlive > 0
	return st
}
