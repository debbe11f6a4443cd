package logging

import (
	"context"
	"log/slog"
	"sync"
)

// ComponentFilterHandler wraps a handler and filters records by per-component
// log levels. Components are identified by the "component" attribute that
// every subsystem attaches at construction time.
//
// Records without a component attribute, and components without an override,
// use the default level. Level overrides can be changed at runtime and apply
// immediately to all loggers derived from this handler.
type ComponentFilterHandler struct {
	handler slog.Handler

	// component is the value of the "component" attribute if it was bound
	// via WithAttrs, so derived loggers can be filtered in Enabled.
	component string

	state *filterState
}

// filterState is shared across all WithAttrs/WithGroup clones.
type filterState struct {
	mu           sync.RWMutex
	defaultLevel slog.Level
	levels       map[string]slog.Level
}

// NewComponentFilterHandler creates a filtering handler in front of handler.
// defaultLevel applies to every component without an explicit override.
func NewComponentFilterHandler(handler slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		handler: handler,
		state: &filterState{
			defaultLevel: defaultLevel,
			levels:       make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the level for a single component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.levels[component] = level
}

// ClearLevel removes a component's override, restoring the default level.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	delete(h.state.levels, component)
}

// Level returns the effective level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	if level, ok := h.state.levels[component]; ok {
		return level
	}
	return h.state.defaultLevel
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return h.state.defaultLevel
}

// Enabled reports whether a record at the given level may pass. When the
// component is not yet known (no bound component attribute), the most
// permissive configured level decides, and Handle does the exact check.
func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	if h.component != "" {
		if override, ok := h.state.levels[h.component]; ok {
			return level >= override
		}
		return level >= h.state.defaultLevel
	}
	lowest := h.state.defaultLevel
	for _, l := range h.state.levels {
		if l < lowest {
			lowest = l
		}
	}
	return level >= lowest
}

// Handle filters the record against its component's effective level before
// delegating to the wrapped handler.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.Level(component) {
		return nil
	}
	return h.handler.Handle(ctx, r)
}

// WithAttrs binds attributes, remembering the component attribute so derived
// loggers are filtered without scanning each record.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	for _, a := range attrs {
		if a.Key == "component" {
			clone.component = a.Value.String()
		}
	}
	clone.handler = h.handler.WithAttrs(attrs)
	return &clone
}

// WithGroup opens a group on the wrapped handler; filtering is unaffected.
func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.handler = h.handler.WithGroup(name)
	return &clone
}
