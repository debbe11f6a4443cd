// Package filter drops records that match per-source field rules.
//
// A rule names a field (dotted path) and a value; a record whose resolved
// field stringifies equal to the value is discarded before queueing. Each
// source holds at most one rule per field.
package filter

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"logcollector/internal/fieldpath"
	"logcollector/internal/logging"
	"logcollector/internal/store"
)

var (
	ErrEmptyField   = errors.New("rule field must not be empty")
	ErrEmptyValue   = errors.New("rule value must not be empty")
	ErrRuleNotFound = errors.New("rule not found")
)

// Rule drops records whose field equals value.
type Rule struct {
	Field   string    `json:"field"`
	Value   string    `json:"value"`
	Enabled bool      `json:"enabled"`
	Created time.Time `json:"created"`
}

// Manager owns the filter rule set and its persistence.
//
// Passes is called on the hot enqueue path and only takes a read lock;
// mutations persist synchronously before returning.
type Manager struct {
	mu    sync.RWMutex
	rules map[string][]Rule

	path string
	now  func() time.Time

	logger *slog.Logger
}

// Config configures a Manager.
type Config struct {
	// Path of the filters file. If empty, rules are not persisted.
	Path string

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// NewManager creates a Manager and loads any persisted rules.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		rules:  make(map[string][]Rule),
		path:   cfg.Path,
		now:    cfg.Now,
		logger: logging.Default(cfg.Logger).With("component", "filter"),
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
	rules := make(map[string][]Rule)
	if _, err := store.Load(m.path, &rules); err != nil {
		return fmt.Errorf("load filters: %w", err)
	}
	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()
	return nil
}

// Reload replaces the in-memory rules with the persisted state.
func (m *Manager) Reload() error {
	return m.load()
}

// AddRule creates a rule, or updates the value of an existing rule on the
// same field. The rule comes back enabled either way.
func (m *Manager) AddRule(sourceID, field, value string) (Rule, error) {
	if field == "" {
		return Rule{}, ErrEmptyField
	}
	if value == "" {
		return Rule{}, ErrEmptyValue
	}

	rule := Rule{Field: field, Value: value, Enabled: true, Created: m.now()}

	m.mu.Lock()
	list := m.rules[sourceID]
	replaced := false
	for i, existing := range list {
		if existing.Field == field {
			list[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, rule)
	}
	m.rules[sourceID] = list
	err := m.persistLocked()
	m.mu.Unlock()
	if err != nil {
		return Rule{}, err
	}

	m.logger.Info("filter rule set", "source_id", sourceID, "field", field, "replaced", replaced)
	return rule, nil
}

// RemoveRule deletes the rule on a field.
func (m *Manager) RemoveRule(sourceID, field string) error {
	m.mu.Lock()
	list := m.rules[sourceID]
	idx := -1
	for i, r := range list {
		if r.Field == field {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrRuleNotFound, sourceID, field)
	}
	list = append(list[:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(m.rules, sourceID)
	} else {
		m.rules[sourceID] = list
	}
	err := m.persistLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.logger.Info("filter rule removed", "source_id", sourceID, "field", field)
	return nil
}

// Toggle flips a rule's enabled state and returns the new state.
func (m *Manager) Toggle(sourceID, field string) (bool, error) {
	m.mu.Lock()
	list := m.rules[sourceID]
	idx := -1
	for i, r := range list {
		if r.Field == field {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s/%s", ErrRuleNotFound, sourceID, field)
	}
	list[idx].Enabled = !list[idx].Enabled
	state := list[idx].Enabled
	err := m.persistLocked()
	m.mu.Unlock()
	if err != nil {
		return false, err
	}

	m.logger.Info("filter rule toggled", "source_id", sourceID, "field", field, "enabled", state)
	return state, nil
}

// ClearRules removes every rule for a source, returning how many were
// removed. Clearing a source with no rules is not an error.
func (m *Manager) ClearRules(sourceID string) (int, error) {
	m.mu.Lock()
	n := len(m.rules[sourceID])
	delete(m.rules, sourceID)
	err := m.persistLocked()
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if n > 0 {
		m.logger.Info("filter rules cleared", "source_id", sourceID, "count", n)
	}
	return n, nil
}

// RulesFor returns a copy of a source's rules, ordered by field.
func (m *Manager) RulesFor(sourceID string) []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.rules[sourceID]
	out := make([]Rule, len(list))
	copy(out, list)
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// Passes reports whether a record survives the source's enabled rules.
// It is side-effect free: applying it twice gives the same answer.
func (m *Manager) Passes(sourceID, record string) bool {
	m.mu.RLock()
	list := m.rules[sourceID]
	enabled := make([]Rule, 0, len(list))
	for _, r := range list {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	m.mu.RUnlock()

	if len(enabled) == 0 {
		return true
	}

	doc, ok := fieldpath.ParseRecord(record)
	if !ok {
		doc = map[string]any{}
	}
	for _, rule := range enabled {
		resolved, found := fieldpath.Resolve(doc, rule.Field)
		value := "None"
		if found {
			value = fieldpath.Stringify(resolved)
		}
		if value == rule.Value {
			return false
		}
	}
	return true
}

// persistLocked writes the full rule set. Caller holds the write lock.
func (m *Manager) persistLocked() error {
	if m.path == "" {
		return nil
	}
	if err := store.Save(m.path, m.rules); err != nil {
		return fmt.Errorf("persist filters: %w", err)
	}
	return nil
}
