// Package processor drains per-source queues into delivery batches.
//
// Every source gets its own queue and at least one worker. A record is
// admitted through template capture and filtering at enqueue time, so the
// queue only ever holds records that will be delivered. Workers collect
// records up to the source's batch size and flush early once a batch has
// aged past the flush interval. Queues that outgrow their workers get
// extra workers, up to a cap.
package processor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"logcollector/internal/aggregate"
	"logcollector/internal/filter"
	"logcollector/internal/logging"
	"logcollector/internal/sink"
	"logcollector/internal/source"
)

const (
	// defaultFlushInterval bounds how long a non-empty batch may age.
	defaultFlushInterval = 60 * time.Second

	// defaultQueueSoftCap is the per-worker backlog that triggers scaling.
	defaultQueueSoftCap = 10000

	// defaultMaxWorkers bounds workers per source.
	defaultMaxWorkers = 8

	// Poll waits: long when the batch is empty, short near the flush
	// deadline, standard otherwise.
	emptyWait    = time.Second
	standardWait = 500 * time.Millisecond
	nearWait     = 100 * time.Millisecond

	// nearWindow is how close to the deadline the short wait kicks in.
	nearWindow = time.Second
)

// sourceState is one source's queue and counters.
type sourceState struct {
	src source.Source
	q   *queue

	workers   atomic.Int32
	processed atomic.Uint64
}

// batchSize returns the source's batch size, falling back to the target's
// default for unvalidated snapshots.
func (s *sourceState) batchSize() int {
	if s.src.BatchSize > 0 {
		return s.src.BatchSize
	}
	if s.src.Target == source.HEC {
		return source.DefaultHECBatchSize
	}
	return source.DefaultFolderBatchSize
}

// Pool processes records for one snapshot of sources.
type Pool struct {
	states map[string]*sourceState // by source ID

	filters    *filter.Manager
	aggregator *aggregate.Manager
	folderSink sink.Sink
	hecSink    sink.Sink

	flushInterval time.Duration
	queueSoftCap  int
	maxWorkers    int

	now    func() time.Time
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	processed atomic.Uint64
	filtered  atomic.Uint64
	failures  atomic.Uint64
}

// Config holds processor pool configuration.
type Config struct {
	// Sources is the snapshot of sources to process.
	Sources []source.Source

	// Filters drops records at enqueue time.
	Filters *filter.Manager

	// Aggregator captures templates and collapses batches.
	Aggregator *aggregate.Manager

	// FolderSink delivers batches for folder targets.
	FolderSink sink.Sink

	// HECSink delivers batches for HEC targets.
	HECSink sink.Sink

	// FlushInterval bounds how long a non-empty batch may age.
	// Defaults to 60s.
	FlushInterval time.Duration

	// QueueSoftCap is the per-worker backlog that triggers scaling.
	// Defaults to 10000.
	QueueSoftCap int

	// MaxWorkers bounds workers per source. Defaults to 8.
	MaxWorkers int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// NewPool creates a Pool for the given snapshot. Nothing runs until Start.
func NewPool(cfg Config) *Pool {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.QueueSoftCap <= 0 {
		cfg.QueueSoftCap = defaultQueueSoftCap
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Pool{
		states:        make(map[string]*sourceState, len(cfg.Sources)),
		filters:       cfg.Filters,
		aggregator:    cfg.Aggregator,
		folderSink:    cfg.FolderSink,
		hecSink:       cfg.HECSink,
		flushInterval: cfg.FlushInterval,
		queueSoftCap:  cfg.QueueSoftCap,
		maxWorkers:    cfg.MaxWorkers,
		now:           cfg.Now,
		logger:        logging.Default(cfg.Logger).With("component", "processor"),
	}
	for _, src := range cfg.Sources {
		p.states[src.ID] = &sourceState{src: src, q: newQueue()}
	}
	return p
}

// Start launches one worker per source.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.ctx = ctx
	p.cancel = cancel

	for _, state := range p.states {
		state.workers.Store(1)
		p.wg.Go(func() { p.worker(ctx, state, uuid.NewString()) })
	}
	p.running.Store(true)
	p.logger.Info("processor started", "sources", len(p.states))
}

// Stop shuts the workers down. Queued records are drained and delivered
// before Stop returns; listeners must already be stopped so the queues
// cannot refill.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Info("processor stopped", "processed", p.processed.Load())
}

// Enqueue admits one record: the source's template is captured from the
// first record ever seen, filters drop unwanted records before they are
// queued, and a growing backlog scales up workers.
func (p *Pool) Enqueue(src source.Source, record string) {
	state, ok := p.states[src.ID]
	if !ok {
		p.logger.Warn("record for unknown source dropped", "source_id", src.ID)
		return
	}

	if p.aggregator != nil && !p.aggregator.HasTemplate(src.ID) {
		if _, err := p.aggregator.StoreTemplate(src.ID, record); err != nil {
			p.logger.Warn("template capture failed",
				"source", src.Name, "error", err)
		}
	}

	if p.filters != nil && !p.filters.Passes(src.ID, record) {
		p.filtered.Add(1)
		return
	}

	state.q.push(record)
	p.maybeScale(state)
}

// maybeScale adds a worker when the backlog exceeds the soft cap per
// running worker.
func (p *Pool) maybeScale(state *sourceState) {
	if !p.running.Load() {
		return
	}
	workers := state.workers.Load()
	if int(workers) >= p.maxWorkers {
		return
	}
	if state.q.len() <= p.queueSoftCap*int(workers) {
		return
	}
	if !state.workers.CompareAndSwap(workers, workers+1) {
		return
	}

	id := uuid.NewString()
	p.wg.Go(func() { p.worker(p.ctx, state, id) })
	p.logger.Info("worker scaled up",
		"source", state.src.Name, "workers", workers+1, "queued", state.q.len())
}

// worker assembles and flushes batches until ctx is cancelled, then drains
// what is left.
func (p *Pool) worker(ctx context.Context, state *sourceState, id string) {
	logger := p.logger.With("source", state.src.Name, "worker", id)
	logger.Debug("worker started")

	batchSize := state.batchSize()
	var batch []string
	var batchStart time.Time

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.deliver(ctx, state, batch)
		batch = nil
	}

	for ctx.Err() == nil {
		wait := standardWait
		if len(batch) == 0 {
			wait = emptyWait
		} else {
			remaining := p.flushInterval - p.now().Sub(batchStart)
			if remaining <= 0 {
				flush()
				continue
			}
			if remaining <= nearWindow {
				wait = nearWait
			}
		}

		record, ok := state.q.popWait(ctx, wait)
		if ok {
			if len(batch) == 0 {
				batchStart = p.now()
			}
			batch = append(batch, record)
			// Take whatever else is already queued, without blocking.
			for len(batch) < batchSize {
				next, more := state.q.tryPop()
				if !more {
					break
				}
				batch = append(batch, next)
			}
			if len(batch) >= batchSize {
				flush()
				continue
			}
		}

		if len(batch) > 0 && p.now().Sub(batchStart) >= p.flushInterval {
			flush()
		}
	}

	// Shutdown: drain the queue and deliver everything that is left.
	for {
		record, more := state.q.tryPop()
		if !more {
			break
		}
		batch = append(batch, record)
		if len(batch) >= batchSize {
			flush()
		}
	}
	flush()
	logger.Debug("worker stopped")
}

// deliver aggregates a batch, wraps it as events, and hands it to the
// source's sink. The processed counters reflect records as queued, before
// aggregation collapses them. Delivery runs to completion even during
// shutdown; Stop waits for it.
func (p *Pool) deliver(ctx context.Context, state *sourceState, batch []string) {
	ctx = context.WithoutCancel(ctx)
	src := state.src

	records := batch
	if p.aggregator != nil {
		records = p.aggregator.Aggregate(src.ID, batch)
	}
	events := sink.BuildEvents(records, src.Name, p.now)

	s := p.sinkFor(src)
	if s == nil {
		p.failures.Add(1)
		p.logger.Error("no sink for target", "source", src.Name, "target", src.Target)
		return
	}
	if err := s.Deliver(ctx, src, events); err != nil {
		p.failures.Add(1)
		p.logger.Error("batch delivery failed",
			"source", src.Name, "records", len(batch), "error", err)
		return
	}

	state.processed.Add(uint64(len(batch)))
	p.processed.Add(uint64(len(batch)))
	p.logger.Debug("batch delivered",
		"source", src.Name, "records", len(batch), "events", len(events))
}

func (p *Pool) sinkFor(src source.Source) sink.Sink {
	switch src.Target {
	case source.HEC:
		return p.hecSink
	default:
		return p.folderSink
	}
}

// SourceStats is one source's live counters.
type SourceStats struct {
	Name      string `json:"name"`
	Queued    int    `json:"queued"`
	Workers   int    `json:"workers"`
	Processed uint64 `json:"processed"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Processed uint64                 `json:"processed"`
	Filtered  uint64                 `json:"filtered"`
	Failures  uint64                 `json:"failures"`
	Workers   int                    `json:"workers"`
	Sources   map[string]SourceStats `json:"sources"`
}

// Stats reports the pool's counters.
func (p *Pool) Stats() Stats {
	stats := Stats{
		Processed: p.processed.Load(),
		Filtered:  p.filtered.Load(),
		Failures:  p.failures.Load(),
		Sources:   make(map[string]SourceStats, len(p.states)),
	}
	for id, state := range p.states {
		workers := int(state.workers.Load())
		stats.Workers += workers
		stats.Sources[id] = SourceStats{
			Name:      state.src.Name,
			Queued:    state.q.len(),
			Workers:   workers,
			Processed: state.processed.Load(),
		}
	}
	return stats
}
