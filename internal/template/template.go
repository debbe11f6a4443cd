// Package template infers a field schema from a single log record.
//
// A template describes the fields a source's records carry: dotted paths for
// structured records, synthetic captures (timestamp, log level, IP address)
// and key/value pairs for raw text. Extraction is deterministic and never
// mutates the record; extractors are conservative and fall through to the
// next stage rather than emit false positives.
package template

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Field describes one extracted field.
type Field struct {
	Type      string `json:"type"`
	Example   any    `json:"example"`
	Formatted string `json:"formatted,omitempty"`
	Length    int    `json:"length,omitempty"`
}

// Fields maps dotted field paths to their descriptions.
type Fields map[string]Field

// Extract infers the field schema of a single record. Structured (JSON
// object) records are flattened into dotted paths; anything else goes
// through the raw-text cascade.
func Extract(record string) Fields {
	trimmed := strings.TrimSpace(record)
	if trimmed == "" {
		return Fields{}
	}

	if obj, ok := parseObject(trimmed); ok {
		out := make(Fields)
		flattenObject("", obj, out)
		return out
	}

	return extractRaw(trimmed)
}

// parseObject returns the record decoded as a JSON object, if it is one.
func parseObject(record string) (map[string]any, bool) {
	if record[0] != '{' {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(record), &obj); err != nil {
		return nil, false
	}
	return obj, len(obj) > 0
}

func flattenObject(prefix string, obj map[string]any, out Fields) {
	for k, v := range obj {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flattenObject(path, val, out)
		case []any:
			out[path] = describeList(val)
		default:
			out[path] = describeScalar(val)
		}
	}
}

func describeScalar(v any) Field {
	switch val := v.(type) {
	case string:
		return Field{Type: "str", Example: val, Length: len(val)}
	case float64:
		if isIntegral(val) {
			return Field{Type: "int", Example: val, Formatted: formatThousands(int64(val))}
		}
		return Field{Type: "float", Example: val, Formatted: strconv.FormatFloat(val, 'f', 2, 64)}
	case bool:
		return Field{Type: "bool", Example: val}
	default:
		return Field{Type: "null", Example: nil}
	}
}

func describeList(list []any) Field {
	if len(list) == 0 {
		return Field{Type: "list", Example: []any{}}
	}

	if first, ok := list[0].(map[string]any); ok {
		keys := make([]string, 0, len(first))
		for k := range first {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return Field{
			Type:    "list<dict>",
			Example: "List of objects with keys: " + strings.Join(keys, ", "),
			Length:  len(list),
		}
	}

	elem := elemType(list[0])
	for _, v := range list[1:] {
		if elemType(v) != elem {
			elem = "mixed"
			break
		}
	}
	return Field{Type: "list<" + elem + ">", Example: list[0], Length: len(list)}
}

func elemType(v any) string {
	switch val := v.(type) {
	case string:
		return "str"
	case float64:
		if isIntegral(val) {
			return "int"
		}
		return "float"
	case bool:
		return "bool"
	case map[string]any:
		return "dict"
	case []any:
		return "list"
	default:
		return "null"
	}
}

func isIntegral(f float64) bool {
	return f == float64(int64(f))
}

// formatThousands renders n with comma group separators: 1234567 → "1,234,567".
func formatThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
