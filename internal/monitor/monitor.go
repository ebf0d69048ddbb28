// Package monitor assembles periodic snapshots of progress, queue, workers
// and process health, evaluates alert thresholds and renders the operator
// report. It observes only; recovery is a separate, explicit step.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/anime-embed-crawler/internal/events"
	"github.com/JakeFAU/anime-embed-crawler/internal/metrics"
	"github.com/JakeFAU/anime-embed-crawler/internal/progress"
	"github.com/JakeFAU/anime-embed-crawler/internal/queue"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
	"github.com/JakeFAU/anime-embed-crawler/internal/worker"
)

// Level grades health and alerts.
type Level string

// Levels, in increasing severity.
const (
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

func (l Level) rank() int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}

func worse(a, b Level) Level {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Alert kinds.
const (
	AlertFailureRate = "failure_rate"
	AlertStalledJobs = "stalled_jobs"
	AlertMemory      = "memory"
)

// Alert is one exceeded threshold.
type Alert struct {
	Kind      string    `json:"kind"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// Thresholds are the alerting limits. Ratios are fractions in [0,1].
type Thresholds struct {
	FailureWarning  float64
	FailureCritical float64
	MemoryWarning   float64
	MemoryCritical  float64
	StalledWarning  int
	StalledCritical int
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailureWarning:  0.10,
		FailureCritical: 0.30,
		MemoryWarning:   0.80,
		MemoryCritical:  0.95,
		StalledWarning:  1,
		StalledCritical: 10,
	}
}

// Memory is a coarse process memory reading.
type Memory struct {
	HeapAlloc uint64  `json:"heapAlloc"`
	HeapSys   uint64  `json:"heapSys"`
	Limit     uint64  `json:"limit"`
	Ratio     float64 `json:"ratio"`
}

// Health is the overall system grade.
type Health struct {
	Level        Level    `json:"level"`
	FailureRatio float64  `json:"failureRatio"`
	Memory       Memory   `json:"memory"`
	Issues       []string `json:"issues,omitempty"`
}

// Snapshot is everything the monitor knows at one instant.
type Snapshot struct {
	At            time.Time                `json:"at"`
	Progress      scrape.ProgressSnapshot  `json:"progress"`
	Throughput    float64                  `json:"throughputPerHour"`
	Queue         queue.Stats              `json:"queue"`
	Workers       []scrape.WorkerHeartbeat `json:"workers"`
	Stats         progress.Stats           `json:"stats"`
	StalledJobs   int                      `json:"stalledJobs"`
	Unrecoverable []queue.Job              `json:"unrecoverable"`
	Health        Health                   `json:"health"`
	Alerts        []Alert                  `json:"alerts,omitempty"`
}

// ProgressSource reads the progress snapshot.
type ProgressSource interface {
	Snapshot(ctx context.Context) (scrape.ProgressSnapshot, error)
}

// StatsSource reads aggregate counters.
type StatsSource interface {
	Load(ctx context.Context) (progress.Stats, error)
}

// QueueSource reads queue state.
type QueueSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
	ListActive(ctx context.Context) ([]queue.Job, error)
	ListFailed(ctx context.Context, unrecoverableOnly bool) ([]queue.Job, error)
}

// WorkerSource lists heartbeats.
type WorkerSource interface {
	List(ctx context.Context) ([]scrape.WorkerHeartbeat, error)
}

// Config tunes the monitor.
type Config struct {
	Interval   time.Duration
	Thresholds Thresholds
	// MemoryLimit overrides the heap size used for the memory ratio.
	MemoryLimit uint64
	// WorkerMaxAge hides heartbeats older than this.
	WorkerMaxAge time.Duration
}

// Monitor builds snapshots and raises alerts.
type Monitor struct {
	progress ProgressSource
	stats    StatsSource
	queue    QueueSource
	workers  WorkerSource
	events   events.Emitter
	cfg      Config
	now      func() time.Time
	memory   func() Memory
	logger   *zap.Logger

	raised map[string]Level
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock.
func WithClock(c scrape.Clock) Option {
	return func(m *Monitor) { m.now = c.Now }
}

// WithMemoryReader replaces the runtime memory reading.
func WithMemoryReader(fn func() Memory) Option {
	return func(m *Monitor) { m.memory = fn }
}

// New builds a Monitor. emitter may be nil.
func New(p ProgressSource, s StatsSource, q QueueSource, w WorkerSource, emitter events.Emitter, cfg Config, logger *zap.Logger, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.WorkerMaxAge <= 0 {
		cfg.WorkerMaxAge = time.Minute
	}
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		progress: p,
		stats:    s,
		queue:    q,
		workers:  w,
		events:   emitter,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.Named("monitor"),
		raised:   map[string]Level{},
	}
	m.memory = func() Memory { return ReadMemory(m.cfg.MemoryLimit) }
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ReadMemory samples the Go runtime. Without a limit the ratio is heap in
// use over heap obtained from the OS.
func ReadMemory(limit uint64) Memory {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m := Memory{HeapAlloc: ms.HeapAlloc, HeapSys: ms.HeapSys, Limit: limit}
	denom := limit
	if denom == 0 {
		denom = ms.HeapSys
	}
	if denom > 0 {
		m.Ratio = float64(ms.HeapAlloc) / float64(denom)
	}
	return m
}

// Collect assembles a snapshot and grades it. Alerts are attached but not
// emitted.
func (m *Monitor) Collect(ctx context.Context) (Snapshot, error) {
	now := m.now().UTC()
	snap := Snapshot{At: now}
	var err error
	if snap.Progress, err = m.progress.Snapshot(ctx); err != nil {
		return snap, fmt.Errorf("load progress: %w", err)
	}
	snap.Throughput = progress.Throughput(snap.Progress, now)
	if snap.Queue, err = m.queue.Stats(ctx); err != nil {
		return snap, fmt.Errorf("load queue stats: %w", err)
	}
	active, err := m.queue.ListActive(ctx)
	if err != nil {
		return snap, fmt.Errorf("list active jobs: %w", err)
	}
	for _, j := range active {
		if now.After(j.LockedTill) {
			snap.StalledJobs++
		}
	}
	if snap.Unrecoverable, err = m.queue.ListFailed(ctx, true); err != nil {
		return snap, fmt.Errorf("list unrecoverable jobs: %w", err)
	}
	if m.stats != nil {
		if snap.Stats, err = m.stats.Load(ctx); err != nil {
			return snap, fmt.Errorf("load stats: %w", err)
		}
	}
	if m.workers != nil {
		hbs, err := m.workers.List(ctx)
		if err != nil {
			return snap, fmt.Errorf("list workers: %w", err)
		}
		snap.Workers = worker.Live(hbs, now, m.cfg.WorkerMaxAge)
	}

	snap.Health.Memory = m.memory()
	snap.Health.FailureRatio = FailureRatio(snap.Queue)
	snap.Alerts = Evaluate(snap, m.cfg.Thresholds, now)
	snap.Health.Level = LevelOK
	for _, a := range snap.Alerts {
		snap.Health.Level = worse(snap.Health.Level, a.Level)
		snap.Health.Issues = append(snap.Health.Issues, a.Message)
	}
	return snap, nil
}

// FailureRatio is failed jobs over every job the queue has seen.
func FailureRatio(s queue.Stats) float64 {
	total := s.Waiting + s.Delayed + s.Active + s.Failed + s.Completed
	if total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(total)
}

// Evaluate checks snap against t.
func Evaluate(snap Snapshot, t Thresholds, now time.Time) []Alert {
	var out []Alert
	grade := func(kind string, value, warn, crit float64, format string) {
		level := LevelOK
		threshold := warn
		switch {
		case crit > 0 && value > crit:
			level, threshold = LevelCritical, crit
		case warn > 0 && value > warn:
			level = LevelWarning
		}
		if level == LevelOK {
			return
		}
		out = append(out, Alert{
			Kind: kind, Level: level, Value: value, Threshold: threshold, At: now,
			Message: fmt.Sprintf(format, value*100, threshold*100),
		})
	}
	grade(AlertFailureRate, FailureRatio(snap.Queue), t.FailureWarning, t.FailureCritical,
		"queue failure ratio %.1f%% exceeds %.0f%%")
	grade(AlertMemory, snap.Health.Memory.Ratio, t.MemoryWarning, t.MemoryCritical,
		"heap usage %.1f%% exceeds %.0f%%")

	if n := snap.StalledJobs; n > 0 && t.StalledWarning > 0 && n >= t.StalledWarning {
		level, threshold := LevelWarning, t.StalledWarning
		if t.StalledCritical > 0 && n >= t.StalledCritical {
			level, threshold = LevelCritical, t.StalledCritical
		}
		out = append(out, Alert{
			Kind: AlertStalledJobs, Level: level, Value: float64(n), Threshold: float64(threshold), At: now,
			Message: fmt.Sprintf("%d jobs hold expired leases", n),
		})
	}
	return out
}

// Observe publishes gauges and emits alerts whose level changed since the
// previous observation.
func (m *Monitor) Observe(snap Snapshot) {
	metrics.SetQueueJobs("waiting", snap.Queue.Waiting)
	metrics.SetQueueJobs("delayed", snap.Queue.Delayed)
	metrics.SetQueueJobs("active", snap.Queue.Active)
	metrics.SetQueueJobs("failed", snap.Queue.Failed)
	metrics.SetQueueJobs("unrecoverable", snap.Queue.Unrecoverable)
	p := snap.Progress
	metrics.SetProgress(p.TotalAnime, p.Completed, p.Failed, p.Pending)

	current := map[string]Level{}
	for _, a := range snap.Alerts {
		current[a.Kind] = a.Level
		if m.raised[a.Kind] == a.Level {
			continue
		}
		m.events.Emit(events.Event{
			Kind: events.Alert, TS: a.At, AlertKind: a.Kind, Level: string(a.Level),
			Message: a.Message, Value: a.Value, Threshold: a.Threshold,
		})
	}
	for kind := range m.raised {
		if _, still := current[kind]; !still {
			m.logger.Info("alert cleared", zap.String("kind", kind))
		}
	}
	m.raised = current
}

// Run collects and observes every interval until ctx ends, passing each
// snapshot to fn when it is non-nil.
func (m *Monitor) Run(ctx context.Context, fn func(Snapshot)) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		snap, err := m.Collect(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			m.logger.Warn("collect snapshot failed", zap.Error(err))
		case err == nil:
			m.Observe(snap)
			if fn != nil {
				fn(snap)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
