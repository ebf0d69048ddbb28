package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/anime-embed-crawler/internal/queue"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

// Supervisor is the queue surface the pool maintains.
type Supervisor interface {
	RequeueStalled(ctx context.Context) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Flusher persists buffered checkpoint state.
type Flusher interface {
	Flush(ctx context.Context) error
}

// PoolConfig tunes the pool.
type PoolConfig struct {
	HeartbeatInterval time.Duration
	// StalledInterval is how often expired leases are requeued.
	StalledInterval time.Duration
	// DrainTimeout bounds how long in-flight jobs may run after shutdown.
	DrainTimeout time.Duration
	// Follow keeps the pool running when the queue is empty.
	Follow bool
	// IdleChecks is how many consecutive empty-queue checks end a run
	// without Follow.
	IdleChecks int
}

// Pool runs workers against one queue.
type Pool struct {
	workers    []*Worker
	queue      Supervisor
	heartbeats *Heartbeats
	flusher    Flusher
	cfg        PoolConfig
	logger     *zap.Logger
}

// NewPool builds a Pool.
func NewPool(workers []*Worker, q Supervisor, heartbeats *Heartbeats, flusher Flusher, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.StalledInterval <= 0 {
		cfg.StalledInterval = time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.IdleChecks <= 0 {
		cfg.IdleChecks = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		workers:    workers,
		queue:      q,
		heartbeats: heartbeats,
		flusher:    flusher,
		cfg:        cfg,
		logger:     logger.Named("pool"),
	}
}

// Run starts every worker and blocks until ctx ends or, without Follow, the
// queue has drained. In-flight jobs then get DrainTimeout to finish their
// current episode before they are aborted; checkpoint state is flushed last.
func (p *Pool) Run(ctx context.Context) error {
	if n, err := p.queue.RequeueStalled(ctx); err != nil {
		p.logger.Warn("requeue stalled jobs failed", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("requeued stalled jobs", zap.Int("count", n))
	}

	stop, cancelStop := context.WithCancel(ctx)
	defer cancelStop()
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var g errgroup.Group
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(stop, work) })
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	p.logger.Info("worker pool started", zap.Int("workers", len(p.workers)), zap.Bool("follow", p.cfg.Follow))
	exited, err := p.supervise(stop, cancelStop, done)
	if !exited {
		select {
		case err = <-done:
		case <-time.After(p.cfg.DrainTimeout):
			p.logger.Warn("drain timeout reached, aborting in-flight jobs", zap.Duration("timeout", p.cfg.DrainTimeout))
			cancelWork()
			err = <-done
		}
	}

	final := context.WithoutCancel(ctx)
	p.beat(final)
	if p.flusher != nil {
		if ferr := p.flusher.Flush(final); ferr != nil {
			p.logger.Error("flush checkpoints failed", zap.Error(ferr))
			if err == nil {
				err = fmt.Errorf("flush checkpoints: %w", ferr)
			}
		}
	}
	p.logger.Info("worker pool stopped")
	return err
}

// supervise beats, requeues stalled leases and watches for an empty queue
// until stop ends. exited is set when the workers returned on their own.
func (p *Pool) supervise(stop context.Context, cancelStop context.CancelFunc, done <-chan error) (exited bool, err error) {
	beat := time.NewTicker(p.cfg.HeartbeatInterval)
	defer beat.Stop()
	stalled := time.NewTicker(p.cfg.StalledInterval)
	defer stalled.Stop()
	idle := 0

	p.beat(stop)
	for {
		select {
		case <-stop.Done():
			return false, nil
		case err := <-done:
			cancelStop()
			return true, err
		case <-stalled.C:
			if _, err := p.queue.RequeueStalled(stop); err != nil && stop.Err() == nil {
				p.logger.Warn("requeue stalled jobs failed", zap.Error(err))
			}
		case <-beat.C:
			p.beat(stop)
			if p.cfg.Follow {
				continue
			}
			if p.drained(stop) {
				idle++
			} else {
				idle = 0
			}
			if idle >= p.cfg.IdleChecks {
				p.logger.Info("queue drained, stopping workers")
				cancelStop()
				return false, nil
			}
		}
	}
}

func (p *Pool) drained(ctx context.Context) bool {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return false
	}
	return stats.Pending() == 0 && stats.Active == 0
}

func (p *Pool) beat(ctx context.Context) {
	if p.heartbeats == nil {
		return
	}
	for _, w := range p.workers {
		if err := p.heartbeats.Beat(ctx, w.Status()); err != nil && ctx.Err() == nil {
			p.logger.Warn("heartbeat failed", zap.String("worker_id", w.ID()), zap.Error(err))
		}
	}
}

// Statuses returns the current heartbeat of every worker.
func (p *Pool) Statuses() []scrape.WorkerHeartbeat {
	out := make([]scrape.WorkerHeartbeat, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.Status())
	}
	return out
}
