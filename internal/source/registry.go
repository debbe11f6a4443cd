// Package source manages the registry of configured log senders.
//
// Every mutation validates fully before anything is applied, persists the
// whole registry atomically, and only then becomes visible to readers.
// A mutation that fails validation or persistence leaves no trace.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"logcollector/internal/logging"
	"logcollector/internal/notify"
	"logcollector/internal/store"
)

// probeTimeout bounds the HEC reachability check during validation.
const probeTimeout = 10 * time.Second

// HECProber verifies an HTTP Event Collector endpoint accepts events.
type HECProber interface {
	Probe(ctx context.Context, url, token, sourceName, message string) error
}

// Registry manages source identity and configuration.
//
// Concurrency model:
//   - Get/List/GetByIP are in-memory reads under a shared lock
//   - Mutations validate and probe targets before taking the write lock
//   - Persistence is synchronous: a mutation is done when it is on disk
//   - Reload replaces the in-memory set from disk (rollback semantics)
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Source
	byIP map[string]string // peer_ip → id

	path   string
	prober HECProber

	// changed fires after a successful mutation, outside the lock.
	changed *notify.Signal

	// Clock for testing.
	now func() time.Time

	logger *slog.Logger
}

// Config configures a Registry.
type Config struct {
	// Path of the sources file. If empty, sources are not persisted.
	Path string

	// Prober verifies HEC targets on add/update. If nil, HEC reachability
	// is not verified.
	Prober HECProber

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// NewRegistry creates a Registry and loads any persisted sources.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Registry{
		byID:    make(map[string]Source),
		byIP:    make(map[string]string),
		path:    cfg.Path,
		prober:  cfg.Prober,
		changed: notify.NewSignal(),
		now:     cfg.Now,
		logger:  logging.Default(cfg.Logger).With("component", "source-registry"),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Changed returns the signal fired after every successful mutation.
// Reload does not fire it; reloads are driven by the caller.
func (r *Registry) Changed() *notify.Signal {
	return r.changed
}

func (r *Registry) load() error {
	if r.path == "" {
		return nil
	}
	sources := make(map[string]Source)
	if _, err := store.Load(r.path, &sources); err != nil {
		return fmt.Errorf("load sources: %w", err)
	}

	byID := make(map[string]Source, len(sources))
	byIP := make(map[string]string, len(sources))
	for id, src := range sources {
		src.ID = id
		byID[id] = src
		byIP[src.PeerIP] = id
	}

	r.mu.Lock()
	r.byID = byID
	r.byIP = byIP
	r.mu.Unlock()
	return nil
}

// Reload replaces the in-memory registry with the persisted state.
func (r *Registry) Reload() error {
	return r.load()
}

// List returns all sources ordered by name, then id.
func (r *Registry) List() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Source, 0, len(r.byID))
	for _, src := range r.byID {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get retrieves a source by ID.
func (r *Registry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.byID[id]
	return src, ok
}

// GetByIP retrieves a source by its peer IP.
func (r *Registry) GetByIP(ip string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byIP[ip]
	if !ok {
		return Source{}, false
	}
	return r.byID[id], true
}

// Count returns the number of registered sources.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Add validates src, probes its target, assigns an ID, and persists.
// Returns the stored source with defaults applied.
func (r *Registry) Add(ctx context.Context, src Source) (Source, error) {
	applyDefaults(&src)
	if err := validateStatic(src); err != nil {
		return Source{}, err
	}

	// Uniqueness precheck before the expensive probe; rechecked under the
	// write lock below.
	r.mu.RLock()
	_, taken := r.byIP[src.PeerIP]
	r.mu.RUnlock()
	if taken {
		return Source{}, fmt.Errorf("%w: %s", ErrDuplicateIP, src.PeerIP)
	}

	if err := r.probeTarget(ctx, src); err != nil {
		return Source{}, err
	}

	src.ID = uuid.NewString()
	src.Created = r.now()

	r.mu.Lock()
	if _, taken := r.byIP[src.PeerIP]; taken {
		r.mu.Unlock()
		return Source{}, fmt.Errorf("%w: %s", ErrDuplicateIP, src.PeerIP)
	}
	r.byID[src.ID] = src
	r.byIP[src.PeerIP] = src.ID
	err := r.persistLocked()
	if err != nil {
		// Roll back the in-memory insert; disk still has the old set.
		delete(r.byID, src.ID)
		delete(r.byIP, src.PeerIP)
	}
	r.mu.Unlock()
	if err != nil {
		return Source{}, err
	}

	r.logger.Info("source added", "id", src.ID, "name", src.Name, "peer_ip", src.PeerIP,
		"port", src.Port, "protocol", src.Protocol, "target", src.Target)
	r.fireChange()
	return src, nil
}

// Update replaces an existing source (matched by src.ID) after full
// revalidation, including a fresh target probe.
func (r *Registry) Update(ctx context.Context, src Source) (Source, error) {
	r.mu.RLock()
	prev, ok := r.byID[src.ID]
	r.mu.RUnlock()
	if !ok {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, src.ID)
	}

	applyDefaults(&src)
	src.Created = prev.Created
	if err := validateStatic(src); err != nil {
		return Source{}, err
	}

	r.mu.RLock()
	otherID, taken := r.byIP[src.PeerIP]
	r.mu.RUnlock()
	if taken && otherID != src.ID {
		return Source{}, fmt.Errorf("%w: %s", ErrDuplicateIP, src.PeerIP)
	}

	if err := r.probeTarget(ctx, src); err != nil {
		return Source{}, err
	}

	r.mu.Lock()
	if otherID, taken := r.byIP[src.PeerIP]; taken && otherID != src.ID {
		r.mu.Unlock()
		return Source{}, fmt.Errorf("%w: %s", ErrDuplicateIP, src.PeerIP)
	}
	delete(r.byIP, prev.PeerIP)
	r.byID[src.ID] = src
	r.byIP[src.PeerIP] = src.ID
	err := r.persistLocked()
	if err != nil {
		r.byID[src.ID] = prev
		delete(r.byIP, src.PeerIP)
		r.byIP[prev.PeerIP] = src.ID
	}
	r.mu.Unlock()
	if err != nil {
		return Source{}, err
	}

	r.logger.Info("source updated", "id", src.ID, "name", src.Name)
	r.fireChange()
	return src, nil
}

// Delete removes a source and persists the shrunken set.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	src, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.byID, id)
	delete(r.byIP, src.PeerIP)
	err := r.persistLocked()
	if err != nil {
		r.byID[id] = src
		r.byIP[src.PeerIP] = id
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.logger.Info("source deleted", "id", id, "name", src.Name)
	r.fireChange()
	return nil
}

// probeTarget verifies the delivery target is usable.
func (r *Registry) probeTarget(ctx context.Context, src Source) error {
	switch src.Target {
	case Folder:
		return probeFolder(src.FolderPath)
	case HEC:
		if r.prober == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := r.prober.Probe(ctx, src.HECURL, src.HECToken, src.Name, "Source Check - OK"); err != nil {
			return fmt.Errorf("%w: %v", ErrTargetUnreachable, err)
		}
	}
	return nil
}

// persistLocked writes the full source set. Caller holds the write lock.
func (r *Registry) persistLocked() error {
	if r.path == "" {
		return nil
	}
	if err := store.Save(r.path, r.byID); err != nil {
		return fmt.Errorf("persist sources: %w", err)
	}
	return nil
}

func (r *Registry) fireChange() {
	r.changed.Notify()
}
