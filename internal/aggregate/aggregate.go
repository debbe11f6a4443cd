// Package aggregate collapses batches of similar records before delivery.
//
// It owns two persistent maps sharing one file: the per-source templates
// captured from first records, and the per-source aggregation policies that
// reference template fields. Deleting a template cascades to its policy,
// so a policy can never outlive the schema it was built against.
package aggregate

import (
	"crypto/md5" //nolint:gosec // G501: grouping key, not a security boundary
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"logcollector/internal/fieldpath"
	"logcollector/internal/logging"
	"logcollector/internal/store"
	"logcollector/internal/template"
)

var (
	ErrNoTemplate   = errors.New("no template captured for source")
	ErrNoPolicy     = errors.New("no aggregation policy for source")
	ErrNoFields     = errors.New("policy requires at least one field")
	ErrUnknownField = errors.New("field not present in source template")
)

// timeLayout renders first/last log times inside aggregated records.
const timeLayout = "2006-01-02 15:04:05"

// Template is the schema captured from a source's first observed record.
type Template struct {
	Log       string          `json:"log"`
	Fields    template.Fields `json:"fields"`
	Timestamp time.Time       `json:"timestamp"`
}

// Policy groups a source's records by the listed template fields.
type Policy struct {
	Fields  []string  `json:"fields"`
	Enabled bool      `json:"enabled"`
	Created time.Time `json:"created"`
}

// persisted is the on-disk layout: both maps share one file.
type persisted struct {
	Policies  map[string]Policy   `json:"policies"`
	Templates map[string]Template `json:"templates"`
}

// Manager owns templates, policies, and the aggregation pass.
type Manager struct {
	mu        sync.RWMutex
	templates map[string]Template
	policies  map[string]Policy

	path string
	now  func() time.Time

	logger *slog.Logger
}

// Config configures a Manager.
type Config struct {
	// Path of the policy file. If empty, state is not persisted.
	Path string

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// NewManager creates a Manager and loads any persisted state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		templates: make(map[string]Template),
		policies:  make(map[string]Policy),
		path:      cfg.Path,
		now:       cfg.Now,
		logger:    logging.Default(cfg.Logger).With("component", "aggregate"),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	if m.path == "" {
		return nil
	}
	var p persisted
	if _, err := store.Load(m.path, &p); err != nil {
		return fmt.Errorf("load policy file: %w", err)
	}
	if p.Policies == nil {
		p.Policies = make(map[string]Policy)
	}
	if p.Templates == nil {
		p.Templates = make(map[string]Template)
	}
	m.mu.Lock()
	m.policies = p.Policies
	m.templates = p.Templates
	m.mu.Unlock()
	return nil
}

// Reload replaces the in-memory state with the persisted state.
func (m *Manager) Reload() error {
	return m.load()
}

// StoreTemplate captures a source's template from its first observed record.
// Returns false if a template already exists; the record is ignored then.
func (m *Manager) StoreTemplate(sourceID, record string) (bool, error) {
	m.mu.Lock()
	if _, ok := m.templates[sourceID]; ok {
		m.mu.Unlock()
		return false, nil
	}
	m.templates[sourceID] = Template{
		Log:       record,
		Fields:    template.Extract(record),
		Timestamp: m.now(),
	}
	err := m.persistLocked()
	if err != nil {
		delete(m.templates, sourceID)
	}
	m.mu.Unlock()
	if err != nil {
		return false, err
	}

	m.logger.Info("template captured", "source_id", sourceID)
	return true, nil
}

// HasTemplate reports whether a template exists for the source.
func (m *Manager) HasTemplate(sourceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.templates[sourceID]
	return ok
}

// Template returns the captured template for a source.
func (m *Manager) Template(sourceID string) (Template, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[sourceID]
	return t, ok
}

// DeleteTemplate removes a source's template and, with it, any policy that
// referenced it. The next record for the source captures a fresh template.
func (m *Manager) DeleteTemplate(sourceID string) error {
	m.mu.Lock()
	prev, ok := m.templates[sourceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoTemplate, sourceID)
	}
	prevPolicy, hadPolicy := m.policies[sourceID]
	delete(m.templates, sourceID)
	delete(m.policies, sourceID)
	err := m.persistLocked()
	if err != nil {
		m.templates[sourceID] = prev
		if hadPolicy {
			m.policies[sourceID] = prevPolicy
		}
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.logger.Info("template deleted", "source_id", sourceID, "policy_cascaded", hadPolicy)
	return nil
}

// CreatePolicy installs an enabled aggregation policy for a source. Every
// field must exist in the source's template.
func (m *Manager) CreatePolicy(sourceID string, fields []string) (Policy, error) {
	if len(fields) == 0 {
		return Policy{}, ErrNoFields
	}

	m.mu.Lock()
	tpl, ok := m.templates[sourceID]
	if !ok {
		m.mu.Unlock()
		return Policy{}, fmt.Errorf("%w: %s", ErrNoTemplate, sourceID)
	}
	for _, f := range fields {
		if _, ok := tpl.Fields[f]; !ok {
			m.mu.Unlock()
			return Policy{}, fmt.Errorf("%w: %s", ErrUnknownField, f)
		}
	}
	prev, hadPrev := m.policies[sourceID]
	policy := Policy{Fields: append([]string(nil), fields...), Enabled: true, Created: m.now()}
	m.policies[sourceID] = policy
	err := m.persistLocked()
	if err != nil {
		if hadPrev {
			m.policies[sourceID] = prev
		} else {
			delete(m.policies, sourceID)
		}
	}
	m.mu.Unlock()
	if err != nil {
		return Policy{}, err
	}

	m.logger.Info("aggregation policy created", "source_id", sourceID, "fields", fields)
	return policy, nil
}

// UpdatePolicyFields replaces the field list of an existing policy.
func (m *Manager) UpdatePolicyFields(sourceID string, fields []string) (Policy, error) {
	if len(fields) == 0 {
		return Policy{}, ErrNoFields
	}

	m.mu.Lock()
	policy, ok := m.policies[sourceID]
	if !ok {
		m.mu.Unlock()
		return Policy{}, fmt.Errorf("%w: %s", ErrNoPolicy, sourceID)
	}
	tpl := m.templates[sourceID]
	for _, f := range fields {
		if _, ok := tpl.Fields[f]; !ok {
			m.mu.Unlock()
			return Policy{}, fmt.Errorf("%w: %s", ErrUnknownField, f)
		}
	}
	prev := policy
	policy.Fields = append([]string(nil), fields...)
	m.policies[sourceID] = policy
	err := m.persistLocked()
	if err != nil {
		m.policies[sourceID] = prev
	}
	m.mu.Unlock()
	if err != nil {
		return Policy{}, err
	}

	m.logger.Info("aggregation policy updated", "source_id", sourceID, "fields", fields)
	return policy, nil
}

// SetPolicyEnabled switches a policy on or off without touching its fields.
func (m *Manager) SetPolicyEnabled(sourceID string, enabled bool) (Policy, error) {
	m.mu.Lock()
	policy, ok := m.policies[sourceID]
	if !ok {
		m.mu.Unlock()
		return Policy{}, fmt.Errorf("%w: %s", ErrNoPolicy, sourceID)
	}
	prev := policy
	policy.Enabled = enabled
	m.policies[sourceID] = policy
	err := m.persistLocked()
	if err != nil {
		m.policies[sourceID] = prev
	}
	m.mu.Unlock()
	if err != nil {
		return Policy{}, err
	}

	m.logger.Info("aggregation policy toggled", "source_id", sourceID, "enabled", enabled)
	return policy, nil
}

// DeletePolicy removes a source's policy, leaving its template in place.
func (m *Manager) DeletePolicy(sourceID string) error {
	m.mu.Lock()
	prev, ok := m.policies[sourceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPolicy, sourceID)
	}
	delete(m.policies, sourceID)
	err := m.persistLocked()
	if err != nil {
		m.policies[sourceID] = prev
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.logger.Info("aggregation policy deleted", "source_id", sourceID)
	return nil
}

// Policy returns a source's aggregation policy.
func (m *Manager) Policy(sourceID string) (Policy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[sourceID]
	return p, ok
}

// Policies returns a copy of all policies keyed by source ID.
func (m *Manager) Policies() map[string]Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Policy, len(m.policies))
	for k, v := range m.policies {
		out[k] = v
	}
	return out
}

// persistLocked writes both maps. Caller holds the write lock.
func (m *Manager) persistLocked() error {
	if m.path == "" {
		return nil
	}
	if err := store.Save(m.path, persisted{Policies: m.policies, Templates: m.templates}); err != nil {
		return fmt.Errorf("persist policy file: %w", err)
	}
	return nil
}

// group accumulates one set of records sharing a group key.
type group struct {
	count          int
	representative string
	reprObj        map[string]any // non-nil when the representative is a JSON object
	first, last    time.Time
}

// Aggregate collapses a batch by the source's enabled policy. Records that
// group alone pass through unchanged; larger groups are replaced by their
// first record annotated with the aggregation span. Records that cannot be
// keyed are appended verbatim after the groups.
func (m *Manager) Aggregate(sourceID string, batch []string) []string {
	m.mu.RLock()
	policy, ok := m.policies[sourceID]
	m.mu.RUnlock()
	if !ok || !policy.Enabled || len(policy.Fields) == 0 || len(batch) < 2 {
		return batch
	}

	groups := make(map[string]*group)
	var order []string
	var nonAggregated []string

	for _, record := range batch {
		doc, parsed := fieldpath.ParseRecord(record)
		if !parsed {
			nonAggregated = append(nonAggregated, record)
			continue
		}

		values := make([]string, len(policy.Fields))
		for i, f := range policy.Fields {
			v, found := fieldpath.Resolve(doc, f)
			if !found {
				values[i] = "None"
				continue
			}
			values[i] = fieldpath.Stringify(v)
		}
		key := groupKey(values)

		g, seen := groups[key]
		if !seen {
			g = &group{representative: record, reprObj: asJSONObject(record), first: m.now()}
			groups[key] = g
			order = append(order, key)
		}
		g.count++
		g.last = m.now()
	}

	out := make([]string, 0, len(order)+len(nonAggregated))
	for _, key := range order {
		out = append(out, groups[key].render())
	}
	return append(out, nonAggregated...)
}

// render emits the group's output record.
func (g *group) render() string {
	if g.count == 1 {
		return g.representative
	}
	if g.reprObj != nil {
		annotated := make(map[string]any, len(g.reprObj)+4)
		for k, v := range g.reprObj {
			annotated[k] = v
		}
		annotated["is_aggregated"] = "yes"
		annotated["first_log_time"] = g.first.Format(timeLayout)
		annotated["last_log_time"] = g.last.Format(timeLayout)
		annotated["total_logs_aggregated"] = g.count
		if data, err := json.Marshal(annotated); err == nil {
			return string(data)
		}
	}
	return fmt.Sprintf("%s [Aggregated: %d logs]", g.representative, g.count)
}

// asJSONObject re-parses the record as a JSON object, or nil. Key/value
// text records group fine but are annotated with the string suffix form.
func asJSONObject(record string) map[string]any {
	trimmed := strings.TrimSpace(record)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil
	}
	return obj
}

// groupKey digests the resolved values into a stable key.
func groupKey(values []string) string {
	sum := md5.Sum([]byte(strings.Join(values, "|"))) //nolint:gosec // G401: grouping key, not a security boundary
	return hex.EncodeToString(sum[:])
}
