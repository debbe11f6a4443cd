// Package health posts periodic heartbeat reports to a Splunk HTTP Event
// Collector. A report carries host metrics and live collector state under
// the reserved source name "Heartbeat".
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"logcollector/internal/logging"
	"logcollector/internal/sink"
	"logcollector/internal/store"
	"logcollector/internal/sysmetrics"
)

const (
	// HeartbeatSource names heartbeat events at the collector.
	HeartbeatSource = "Heartbeat"

	// probeMessage is posted once to verify a new configuration.
	probeMessage = "Health Check Connector - OK"

	// DefaultInterval is used when no interval is configured.
	DefaultInterval = 60

	// probeTimeout bounds the configuration probe.
	probeTimeout = 10 * time.Second

	// reportTimeout bounds one heartbeat post.
	reportTimeout = 30 * time.Second
)

var (
	ErrMissingURL      = errors.New("hec url is required")
	ErrMissingToken    = errors.New("hec token is required")
	ErrProbeFailed     = errors.New("health check endpoint rejected the probe")
	ErrNotConfigured   = errors.New("health reporting is not configured")
	ErrInvalidInterval = errors.New("interval must be positive")
)

// Settings is the persisted heartbeat configuration.
type Settings struct {
	HECURL   string `json:"hec_url"`
	HECToken string `json:"hec_token"`
	Interval int    `json:"interval"` // seconds
	Enabled  bool   `json:"enabled"`
}

// StatsSource reports live collector state for heartbeat payloads.
type StatsSource interface {
	HealthStats() map[string]any
}

// payload is one heartbeat report. Snapshot fields flatten to the top
// level; the sources section comes from the stats source.
type payload struct {
	sysmetrics.Snapshot
	Sources map[string]any `json:"sources"`
}

// Reporter owns the heartbeat schedule and its persisted settings.
type Reporter struct {
	mu       sync.Mutex
	settings Settings
	job      gocron.Job
	started  bool
	ctx      context.Context

	path      string
	client    *sink.HECClient
	stats     StatsSource
	scheduler gocron.Scheduler

	now    func() time.Time
	logger *slog.Logger
}

// Config configures a Reporter.
type Config struct {
	// Path of the settings file. If empty, settings are not persisted.
	Path string

	// Client posts heartbeats. If nil, a fresh one is created.
	Client *sink.HECClient

	// Stats fills the sources section of each report. Optional.
	Stats StatsSource

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// NewReporter creates a Reporter and loads any persisted settings. The
// schedule does not run until Start.
func NewReporter(cfg Config) (*Reporter, error) {
	if cfg.Client == nil {
		cfg.Client = sink.NewHECClient(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	r := &Reporter{
		path:      cfg.Path,
		client:    cfg.Client,
		stats:     cfg.Stats,
		scheduler: scheduler,
		now:       cfg.Now,
		logger:    logging.Default(cfg.Logger).With("component", "health"),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reporter) load() error {
	if r.path == "" {
		return nil
	}
	var s Settings
	if _, err := store.Load(r.path, &s); err != nil {
		return fmt.Errorf("load health settings: %w", err)
	}
	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()
	return nil
}

// Start begins the schedule when reporting is enabled. The context bounds
// every report posted after this call.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if r.scheduler == nil {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("create scheduler: %w", err)
		}
		r.scheduler = scheduler
	}
	r.ctx = ctx
	r.started = true
	r.scheduler.Start()
	if r.settings.Enabled {
		if err := r.scheduleLocked(); err != nil {
			return err
		}
		r.logger.Info("heartbeat reporting started",
			"interval_seconds", r.settings.Interval)
	}
	return nil
}

// Stop shuts the schedule down. A stopped Reporter can be started again;
// shutdown is terminal for the underlying scheduler, so Start builds a
// fresh one.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.started = false
	r.job = nil
	if err := r.scheduler.Shutdown(); err != nil {
		r.logger.Warn("scheduler shutdown failed", "error", err)
	}
	r.scheduler = nil
}

// Configure probes the endpoint with a single event and, on success,
// persists and enables the new settings. A running schedule is moved to
// the new interval.
func (r *Reporter) Configure(ctx context.Context, url, token string, intervalSeconds int) error {
	if url == "" {
		return ErrMissingURL
	}
	if token == "" {
		return ErrMissingToken
	}
	if intervalSeconds == 0 {
		intervalSeconds = DefaultInterval
	}
	if intervalSeconds < 0 {
		return ErrInvalidInterval
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := r.client.Probe(probeCtx, url, token, HeartbeatSource, probeMessage); err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}

	r.mu.Lock()
	prev := r.settings
	r.settings = Settings{HECURL: url, HECToken: token, Interval: intervalSeconds, Enabled: true}
	if err := r.persistLocked(); err != nil {
		r.settings = prev
		r.mu.Unlock()
		return err
	}
	var scheduleErr error
	if r.started {
		scheduleErr = r.scheduleLocked()
	}
	r.mu.Unlock()
	if scheduleErr != nil {
		return scheduleErr
	}

	r.logger.Info("heartbeat reporting configured",
		"interval_seconds", intervalSeconds)
	return nil
}

// Disable turns reporting off and removes any scheduled job. The endpoint
// settings are kept so reporting can be re-enabled later.
func (r *Reporter) Disable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settings.HECURL == "" {
		return ErrNotConfigured
	}
	prev := r.settings
	r.settings.Enabled = false
	if err := r.persistLocked(); err != nil {
		r.settings = prev
		return err
	}
	r.removeJobLocked()
	r.logger.Info("heartbeat reporting disabled")
	return nil
}

// Settings returns the current settings.
func (r *Reporter) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// Reload replaces in-memory settings with the persisted ones and adjusts
// the schedule to match.
func (r *Reporter) Reload() error {
	if r.path == "" {
		return nil
	}
	var s Settings
	if _, err := store.Load(r.path, &s); err != nil {
		return fmt.Errorf("load health settings: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = s
	if !r.started {
		return nil
	}
	if !s.Enabled {
		r.removeJobLocked()
		return nil
	}
	return r.scheduleLocked()
}

// scheduleLocked (re)creates the heartbeat job at the current interval.
// Caller holds the mutex.
func (r *Reporter) scheduleLocked() error {
	r.removeJobLocked()
	interval := r.settings.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	job, err := r.scheduler.NewJob(
		gocron.DurationJob(time.Duration(interval)*time.Second),
		gocron.NewTask(r.report),
	)
	if err != nil {
		return fmt.Errorf("schedule heartbeat: %w", err)
	}
	r.job = job
	return nil
}

func (r *Reporter) removeJobLocked() {
	if r.job == nil {
		return
	}
	if err := r.scheduler.RemoveJob(r.job.ID()); err != nil {
		r.logger.Warn("remove heartbeat job failed", "error", err)
	}
	r.job = nil
}

// report collects one snapshot and posts it as a heartbeat event.
func (r *Reporter) report() {
	r.mu.Lock()
	settings := r.settings
	base := r.ctx
	r.mu.Unlock()
	if !settings.Enabled {
		return
	}
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, reportTimeout)
	defer cancel()

	p := payload{Snapshot: sysmetrics.Collect(ctx)}
	if r.stats != nil {
		p.Sources = r.stats.HealthStats()
	}

	event := sink.Event{
		Time:   float64(r.now().UnixNano()) / 1e9,
		Event:  p,
		Source: HeartbeatSource,
	}
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("encode heartbeat failed", "error", err)
		return
	}
	if err := r.client.Post(ctx, settings.HECURL, settings.HECToken, data); err != nil {
		r.logger.Warn("heartbeat delivery failed", "error", err)
		return
	}
	r.logger.Debug("heartbeat delivered")
}

func (r *Reporter) persistLocked() error {
	if r.path == "" {
		return nil
	}
	if err := store.Save(r.path, r.settings); err != nil {
		return fmt.Errorf("persist health settings: %w", err)
	}
	return nil
}
