// Package fieldpath resolves dotted field paths inside parsed log records.
//
// Paths use the same dotted notation the template engine emits
// ("service.name", "response.status"). A key containing a literal dot
// matches before the path is split into segments.
package fieldpath

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/theory/jsonpath"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// ParseRecord decodes a record for field resolution: a JSON object when it
// is one, otherwise a flat map built from key=value and key:value tokens.
// A record with no recognizable pairs yields an empty map, so every field
// resolves as missing. Only an empty record returns false.
func ParseRecord(record string) (any, bool) {
	trimmed := strings.TrimSpace(record)
	if trimmed == "" {
		return nil, false
	}

	if trimmed[0] == '{' {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			return obj, true
		}
	}

	out := make(map[string]any)
	for _, tok := range strings.Fields(trimmed) {
		for _, sep := range []string{"=", ":"} {
			idx := strings.Index(tok, sep)
			if idx <= 0 || idx >= len(tok)-1 {
				continue
			}
			key, value := tok[:idx], tok[idx+1:]
			if !identPattern.MatchString(key) {
				continue
			}
			// URLs and paths are not pairs.
			if sep == ":" && strings.HasPrefix(value, "/") {
				continue
			}
			out[key] = value
			break
		}
	}
	return out, true
}

var compiled struct {
	mu sync.RWMutex
	m  map[string]*jsonpath.Path
}

// Resolve returns the value at a dotted path within doc.
// doc is a JSON-decoded value (map, slice, or scalar).
func Resolve(doc any, path string) (any, bool) {
	if m, ok := doc.(map[string]any); ok {
		// Literal key wins over path traversal.
		if v, ok := m[path]; ok {
			return v, true
		}
	}

	p, err := compile(path)
	if err != nil {
		return nil, false
	}
	nodes := p.Select(doc)
	if len(nodes) == 0 {
		return nil, false
	}
	return nodes[0], true
}

// compile builds and caches a jsonpath query for a dotted path. Each segment
// becomes a quoted name selector, so segments may contain any character
// except a dot.
func compile(path string) (*jsonpath.Path, error) {
	compiled.mu.RLock()
	p, ok := compiled.m[path]
	compiled.mu.RUnlock()
	if ok {
		return p, nil
	}

	var b strings.Builder
	b.WriteByte('$')
	for _, seg := range strings.Split(path, ".") {
		b.WriteString(`["`)
		b.WriteString(escapeSegment(seg))
		b.WriteString(`"]`)
	}
	p, err := jsonpath.Parse(b.String())
	if err != nil {
		return nil, err
	}

	compiled.mu.Lock()
	if compiled.m == nil {
		compiled.m = make(map[string]*jsonpath.Path)
	}
	compiled.m[path] = p
	compiled.mu.Unlock()
	return p, nil
}

func escapeSegment(seg string) string {
	seg = strings.ReplaceAll(seg, `\`, `\\`)
	return strings.ReplaceAll(seg, `"`, `\"`)
}

// Stringify renders a resolved value the way rule values and group keys are
// compared: scalars as their natural text, integral floats without a
// fractional part, missing or null values as "None", and composites as
// compact JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
