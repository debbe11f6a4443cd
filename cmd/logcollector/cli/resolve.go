package cli

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"logcollector/internal/source"
)

// resolveSource accepts either a source ID or a source name
// (case-insensitive) and returns the matching source.
func resolveSource(reg *source.Registry, nameOrID string) (source.Source, error) {
	if _, err := uuid.Parse(nameOrID); err == nil {
		if src, ok := reg.Get(nameOrID); ok {
			return src, nil
		}
	}
	lower := strings.ToLower(nameOrID)
	for _, src := range reg.List() {
		if strings.ToLower(src.Name) == lower {
			return src, nil
		}
	}
	return source.Source{}, fmt.Errorf("source %q not found", nameOrID)
}
