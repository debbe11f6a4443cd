// Package supervisor assembles the collector's components and runs them
// as one service. It owns no business logic: it builds the managers,
// wires the listeners to the worker pool, rebuilds the pipeline when
// configuration changes on disk, and publishes a status snapshot.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"logcollector/internal/aggregate"
	"logcollector/internal/filter"
	"logcollector/internal/health"
	"logcollector/internal/home"
	"logcollector/internal/listener"
	"logcollector/internal/logging"
	"logcollector/internal/processor"
	"logcollector/internal/sink"
	"logcollector/internal/source"
	"logcollector/internal/store"
)

var (
	ErrAlreadyRunning = errors.New("collector already running")
	ErrNotRunning     = errors.New("collector not running")
)

const (
	defaultStatusInterval = 5 * time.Second
	defaultReloadDebounce = 500 * time.Millisecond
)

// Supervisor owns the collector's full lifecycle.
//
// Concurrency model:
//   - One mutex guards the running flag and the active pipeline handles.
//   - Reload replaces the listener and processor pools wholesale; the
//     managers survive reloads and only refresh their persisted state.
//   - The watch and status loops run until Stop cancels their context.
type Supervisor struct {
	mu      sync.Mutex
	running bool
	started time.Time

	dirs       home.Dirs
	registry   *source.Registry
	filters    *filter.Manager
	aggregator *aggregate.Manager
	reporter   *health.Reporter

	hecClient  *sink.HECClient
	folderSink *sink.FolderSink
	hecSink    *sink.HECSink

	processors *processor.Pool
	listeners  *listener.Pool

	// Counter baselines carried across pipeline rebuilds so totals stay
	// monotonic over reloads.
	baseReceived  uint64
	baseDropped   uint64
	baseProcessed uint64
	baseFiltered  uint64
	baseFailures  uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	watcher *fsnotify.Watcher

	flushInterval  time.Duration
	maxConns       int
	statusInterval time.Duration
	debounce       time.Duration

	// Clock for testing.
	now func() time.Time

	baseLogger *slog.Logger
	logger     *slog.Logger
}

// Config configures a Supervisor.
type Config struct {
	// Dirs locates the collector's data and log directories.
	Dirs home.Dirs

	// FlushInterval overrides the batch flush deadline. Zero uses the
	// processor default.
	FlushInterval time.Duration

	// MaxConns caps concurrent TCP connections per listener. Zero uses
	// the listener default.
	MaxConns int

	// StatusInterval is how often the status snapshot is written.
	// Defaults to 5 seconds.
	StatusInterval time.Duration

	// ReloadDebounce is how long to wait after a configuration change
	// before rebuilding the pipeline. Defaults to 500ms.
	ReloadDebounce time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// New builds a Supervisor: it creates the data directories, loads every
// persisted manager, and wires the sinks. Nothing runs until Start.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.ReloadDebounce <= 0 {
		cfg.ReloadDebounce = defaultReloadDebounce
	}

	if err := cfg.Dirs.EnsureExists(); err != nil {
		return nil, err
	}

	hecClient := sink.NewHECClient(cfg.Logger)

	registry, err := source.NewRegistry(source.Config{
		Path:   cfg.Dirs.SourcesPath(),
		Prober: hecClient,
		Now:    cfg.Now,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create source registry: %w", err)
	}

	filters, err := filter.NewManager(filter.Config{
		Path:   cfg.Dirs.FiltersPath(),
		Now:    cfg.Now,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create filter manager: %w", err)
	}

	aggregator, err := aggregate.NewManager(aggregate.Config{
		Path:   cfg.Dirs.PolicyPath(),
		Now:    cfg.Now,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create aggregation manager: %w", err)
	}

	s := &Supervisor{
		dirs:       cfg.Dirs,
		registry:   registry,
		filters:    filters,
		aggregator: aggregator,
		hecClient:  hecClient,
		folderSink: sink.NewFolderSink(sink.FolderConfig{Now: cfg.Now, Logger: cfg.Logger}),
		hecSink:    sink.NewHECSink(sink.HECConfig{Client: hecClient, Logger: cfg.Logger}),

		flushInterval:  cfg.FlushInterval,
		maxConns:       cfg.MaxConns,
		statusInterval: cfg.StatusInterval,
		debounce:       cfg.ReloadDebounce,

		now:        cfg.Now,
		baseLogger: cfg.Logger,
		logger:     logging.Default(cfg.Logger).With("component", "supervisor"),
	}

	reporter, err := health.NewReporter(health.Config{
		Path:   cfg.Dirs.HealthPath(),
		Client: hecClient,
		Stats:  s,
		Now:    cfg.Now,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create health reporter: %w", err)
	}
	s.reporter = reporter
	return s, nil
}

// Registry returns the source registry.
func (s *Supervisor) Registry() *source.Registry { return s.registry }

// Filters returns the filter rule manager.
func (s *Supervisor) Filters() *filter.Manager { return s.filters }

// Aggregator returns the aggregation manager.
func (s *Supervisor) Aggregator() *aggregate.Manager { return s.aggregator }

// Health returns the health reporter.
func (s *Supervisor) Health() *health.Reporter { return s.reporter }

// Listeners returns the active listener pool, or nil when stopped.
func (s *Supervisor) Listeners() *listener.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners
}

// Running reports whether the service is started.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start brings the whole service up: worker pool, listeners, health
// reporting, the configuration watcher, and the status loop. Listener
// bind failures are logged, not fatal; the rest of the service still
// runs and a reload retries the bind.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.cancel = cancel
	s.started = s.now()
	s.running = true

	s.buildPipelineLocked(ctx)

	if err := s.reporter.Start(ctx); err != nil {
		s.logger.Warn("health reporter failed to start", "error", err)
	}

	// The watch loop runs even without fsnotify: in-process registry
	// mutations still trigger reloads through the change signal.
	if w, err := fsnotify.NewWatcher(); err != nil {
		s.logger.Warn("config watcher unavailable", "error", err)
	} else if err := w.Add(s.dirs.DataDir()); err != nil {
		s.logger.Warn("config watcher unavailable", "error", err)
		_ = w.Close()
	} else {
		s.watcher = w
	}
	w := s.watcher
	s.wg.Go(func() { s.watchLoop(ctx, w) })

	s.wg.Go(func() { s.statusLoop(ctx) })

	s.logger.Info("collector started",
		"sources", s.registry.Count(),
		"listeners", s.listeners.Listeners(),
		"data_dir", s.dirs.DataDir())
	return nil
}

// Stop shuts the service down in order: loops first, then listeners so
// no new records arrive, then the worker pool so queued records drain
// and flush, then the health reporter.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	cancel := s.cancel
	watcher := s.watcher
	s.ctx = nil
	s.cancel = nil
	s.watcher = nil
	s.mu.Unlock()

	cancel()
	if watcher != nil {
		_ = watcher.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.teardownPipelineLocked()
	s.mu.Unlock()

	s.reporter.Stop()
	s.logger.Info("collector stopped")
	return nil
}

// Reload refreshes every manager from disk and rebuilds the pipeline.
// The old listeners stop before the old workers so in-flight records
// drain and flush; records arriving during the swap are lost, the same
// as during a restart.
//
// Only source changes need this. Filter, policy, and health changes are
// picked up in place because the workers read those managers live.
func (s *Supervisor) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.teardownPipelineLocked()

	err := errors.Join(
		s.registry.Reload(),
		s.filters.Reload(),
		s.aggregator.Reload(),
		s.reporter.Reload(),
	)

	// Rebuild even if a reload failed: the managers keep their previous
	// state when a load fails, so the pipeline comes back consistent.
	s.buildPipelineLocked(s.ctx)

	s.logger.Info("configuration reloaded",
		"sources", s.registry.Count(),
		"listeners", s.listeners.Listeners())
	return err
}

// buildPipelineLocked starts a worker pool and listener pool for the
// current source set. Caller holds the lock.
func (s *Supervisor) buildPipelineLocked(ctx context.Context) {
	sources := s.registry.List()

	pool := processor.NewPool(processor.Config{
		Sources:       sources,
		Filters:       s.filters,
		Aggregator:    s.aggregator,
		FolderSink:    s.folderSink,
		HECSink:       s.hecSink,
		FlushInterval: s.flushInterval,
		Now:           s.now,
		Logger:        s.baseLogger,
	})
	pool.Start(ctx)
	s.processors = pool

	lp := listener.NewPool(listener.Config{
		Sources:  sources,
		Intake:   pool,
		MaxConns: s.maxConns,
		Logger:   s.baseLogger,
	})
	if err := lp.Start(ctx); err != nil {
		s.logger.Warn("some listeners failed to bind", "error", err)
	}
	s.listeners = lp
}

// teardownPipelineLocked stops the listener pool, then the worker pool,
// and rolls their counters into the baselines. Caller holds the lock.
func (s *Supervisor) teardownPipelineLocked() {
	if s.listeners != nil {
		s.listeners.Stop()
		s.baseReceived += s.listeners.Received()
		s.baseDropped += s.listeners.Dropped()
		s.listeners = nil
	}
	if s.processors != nil {
		s.processors.Stop()
		stats := s.processors.Stats()
		s.baseProcessed += stats.Processed
		s.baseFiltered += stats.Filtered
		s.baseFailures += stats.Failures
		s.processors = nil
	}
}

// reloadScope says which configuration files changed during a debounce
// window. A source change rebuilds the pipeline; the others only
// refresh their manager in place. The daemon itself writes the policy
// file on template capture, so treating every change as a full reload
// would make the service restart itself on the first record it sees.
type reloadScope uint8

const (
	scopeSources reloadScope = 1 << iota
	scopeFilters
	scopePolicies
	scopeHealth
)

// scopeFor classifies a changed path. Zero means not a configuration
// file: the status snapshot and temp files from atomic saves churn
// constantly and are ignored.
func (s *Supervisor) scopeFor(name string) reloadScope {
	switch filepath.Clean(name) {
	case s.dirs.SourcesPath():
		return scopeSources
	case s.dirs.FiltersPath():
		return scopeFilters
	case s.dirs.PolicyPath():
		return scopePolicies
	case s.dirs.HealthPath():
		return scopeHealth
	}
	return 0
}

// applyReload acts on the accumulated scope of a debounce window.
func (s *Supervisor) applyReload(scope reloadScope) error {
	if scope&scopeSources != 0 {
		// Full reload refreshes every manager too.
		return s.Reload()
	}
	var err error
	if scope&scopeFilters != 0 {
		err = errors.Join(err, s.filters.Reload())
	}
	if scope&scopePolicies != 0 {
		err = errors.Join(err, s.aggregator.Reload())
	}
	if scope&scopeHealth != 0 {
		err = errors.Join(err, s.reporter.Reload())
	}
	if err == nil {
		s.logger.Debug("manager state refreshed")
	}
	return err
}

// watchLoop coalesces configuration change events into one reload per
// debounce window. w may be nil; the loop then reacts only to the
// registry's change signal.
func (s *Supervisor) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	var events <-chan fsnotify.Event
	var werrs <-chan error
	if w != nil {
		events = w.Events
		werrs = w.Errors
	}
	srcChanged := s.registry.Changed().Wait()

	var pending reloadScope
	var timer *time.Timer
	var fire <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(s.debounce)
			fire = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.debounce)
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			scope := s.scopeFor(ev.Name)
			if scope == 0 {
				continue
			}
			s.logger.Debug("configuration change detected", "file", filepath.Base(ev.Name), "op", ev.Op.String())
			pending |= scope
			schedule()
		case <-srcChanged:
			srcChanged = s.registry.Changed().Wait()
			pending |= scopeSources
			schedule()
		case err, ok := <-werrs:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", "error", err)
		case <-fire:
			scope := pending
			pending = 0
			timer = nil
			fire = nil
			if err := s.applyReload(scope); err != nil {
				s.logger.Error("reload failed", "error", err)
			}
		}
	}
}

// statusLoop writes the status snapshot on an interval and removes it
// on shutdown so a stale file never masquerades as a live service.
func (s *Supervisor) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	s.writeStatus()
	for {
		select {
		case <-ctx.Done():
			if err := os.Remove(s.dirs.StatusPath()); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("remove status file failed", "error", err)
			}
			return
		case <-ticker.C:
			s.writeStatus()
		}
	}
}

func (s *Supervisor) writeStatus() {
	if err := store.Save(s.dirs.StatusPath(), s.Status()); err != nil {
		s.logger.Warn("write status failed", "error", err)
	}
}

// Status is the live service snapshot persisted for the status command.
type Status struct {
	PID       int       `json:"pid"`
	Started   time.Time `json:"started"`
	UpdatedAt time.Time `json:"updated_at"`

	Sources   int `json:"sources"`
	Listeners int `json:"listeners"`
	Workers   int `json:"workers"`

	Received  uint64 `json:"received"`
	Dropped   uint64 `json:"dropped"`
	Processed uint64 `json:"processed"`
	Filtered  uint64 `json:"filtered"`
	Failures  uint64 `json:"failures"`

	SourceStats map[string]processor.SourceStats `json:"source_stats,omitempty"`
}

// Status reports the current service state. Counters include everything
// since Start, across reloads.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		PID:       os.Getpid(),
		Started:   s.started,
		UpdatedAt: s.now(),
		Sources:   s.registry.Count(),
	}
	st.Received = s.baseReceived
	st.Dropped = s.baseDropped
	st.Processed = s.baseProcessed
	st.Filtered = s.baseFiltered
	st.Failures = s.baseFailures

	if s.listeners != nil {
		st.Listeners = s.listeners.Listeners()
		st.Received += s.listeners.Received()
		st.Dropped += s.listeners.Dropped()
	}
	if s.processors != nil {
		stats := s.processors.Stats()
		st.Workers = stats.Workers
		st.Processed += stats.Processed
		st.Filtered += stats.Filtered
		st.Failures += stats.Failures
		st.SourceStats = stats.Sources
	}
	return st
}

// HealthStats reports live per-source state for the heartbeat payload,
// keyed by source name.
func (s *Supervisor) HealthStats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats processor.Stats
	if s.processors != nil {
		stats = s.processors.Stats()
	}
	out := make(map[string]any, s.registry.Count())
	for _, src := range s.registry.List() {
		entry := map[string]any{
			"queue_size":     0,
			"active_workers": 0,
			"port":           src.Port,
			"protocol":       src.Protocol,
			"target":         src.Target,
		}
		if ss, ok := stats.Sources[src.ID]; ok {
			entry["queue_size"] = ss.Queued
			entry["active_workers"] = ss.Workers
		}
		out[src.Name] = entry
	}
	return out
}
