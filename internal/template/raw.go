package template

import (
	"regexp"
	"strconv"
	"strings"
)

// maxFormatted caps the display form of string values.
const maxFormatted = 40

var timestampPatterns = []*regexp.Regexp{
	// ISO-8601 with optional fraction and zone.
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`),
	// US style: 01/02/2006 15:04:05.
	regexp.MustCompile(`\d{2}/\d{2}/\d{4}[ T]\d{2}:\d{2}:\d{2}`),
	// Syslog style: Jan  2 15:04:05.
	regexp.MustCompile(`(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\s{1,2}\d{1,2} \d{2}:\d{2}:\d{2}`),
	// 02-Jan-2006 15:04:05.000.
	regexp.MustCompile(`\d{1,2}-(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)-\d{4} \d{2}:\d{2}:\d{2}(?:\.\d+)?`),
	// Bare time of day, checked last.
	regexp.MustCompile(`\b\d{2}:\d{2}:\d{2}(?:\.\d+)?\b`),
}

var (
	logLevelPattern = regexp.MustCompile(`(?i)\b(TRACE|DEBUG|INFO|WARNING|WARN|ERROR|CRITICAL|FATAL)\b`)
	ipPattern       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	keyPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)
	linePattern     = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_ .-]*?)\s*[:=]\s*(.+)$`)
)

// extractRaw runs the raw-text cascade: synthetic captures first, then
// key/value extraction, then the multi-line and tabular fallbacks, and
// finally positional tokens.
func extractRaw(record string) Fields {
	out := make(Fields)
	addSynthetic(record, out)

	if kv := extractDelimited(record); len(kv) > 0 {
		for k, f := range kv {
			out[k] = f
		}
		return out
	}

	if lines := extractLines(record); len(lines) > 0 {
		for k, f := range lines {
			out[k] = f
		}
		return out
	}

	if table := extractTable(record); len(table) > 0 {
		for k, f := range table {
			out[k] = f
		}
		return out
	}

	for i, tok := range strings.Fields(record) {
		out["field_"+strconv.Itoa(i+1)] = inferValue("", tok)
	}
	return out
}

// addSynthetic captures timestamp, log level, first IPv4 address, and the
// message portion after the first colon.
func addSynthetic(record string, out Fields) {
	for _, p := range timestampPatterns {
		if m := p.FindString(record); m != "" {
			out["timestamp"] = Field{Type: "timestamp", Example: m}
			break
		}
	}

	if m := logLevelPattern.FindString(record); m != "" {
		out["log_level"] = Field{Type: "level", Example: strings.ToUpper(m)}
	}

	if m := ipPattern.FindString(record); m != "" {
		out["ip_address"] = Field{Type: "str", Example: m, Length: len(m)}
	}

	if idx := strings.Index(record, ":"); idx > 0 && idx < len(record)-1 {
		msg := strings.TrimSpace(record[idx+1:])
		if msg != "" && msg != record {
			out["message"] = Field{Type: "str", Example: msg, Length: len(msg), Formatted: truncate(msg)}
		}
	}
}

// extractDelimited picks the dominant delimiter, splits the record into
// parts, and extracts key/value pairs.
func extractDelimited(record string) Fields {
	parts := splitDominant(record)
	if len(parts) == 0 {
		return nil
	}

	out := make(Fields)
	for _, part := range parts {
		key, value, ok := splitPair(strings.TrimSpace(part))
		if !ok {
			continue
		}
		out[key] = inferValue(key, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// splitDominant splits the record on its most frequent delimiter.
// Whitespace is the fallback when no structural delimiter appears.
func splitDominant(record string) []string {
	type candidate struct {
		sep   string
		count int
	}
	candidates := []candidate{
		{"\t", strings.Count(record, "\t")},
		{"|", strings.Count(record, "|")},
		{";", strings.Count(record, ";")},
		{",", strings.Count(record, ",")},
	}

	best := candidate{}
	for _, c := range candidates {
		if c.count > best.count {
			best = c
		}
	}
	if best.count == 0 {
		return strings.Fields(record)
	}
	return strings.Split(record, best.sep)
}

// pairSeparators in match order; multi-byte separators first so "=>" is not
// mistaken for "=". The spaced dash comes last because it is the weakest
// signal of a pair.
var pairSeparators = []string{" = ", "=>", "->", "=", ":", " - "}

// splitPair splits a single part into key and value. Keys must look like
// identifiers to avoid treating times ("12:30:01") as pairs.
func splitPair(part string) (string, string, bool) {
	for _, sep := range pairSeparators {
		idx := strings.Index(part, sep)
		if idx <= 0 || idx+len(sep) >= len(part) {
			continue
		}
		key := strings.TrimSpace(part[:idx])
		value := strings.TrimSpace(part[idx+len(sep):])
		if key == "" || value == "" || !keyPattern.MatchString(key) {
			continue
		}
		// URLs and paths are not pairs: "http://x" must not become http=//x.
		if sep == ":" && strings.HasPrefix(value, "/") {
			continue
		}
		return key, value, true
	}
	return "", "", false
}

// extractLines handles multi-line "key: value" blocks. At least two matching
// lines are required.
func extractLines(record string) Fields {
	if !strings.Contains(record, "\n") {
		return nil
	}

	out := make(Fields)
	for _, line := range strings.Split(record, "\n") {
		m := linePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := strings.ReplaceAll(strings.TrimSpace(m[1]), " ", "_")
		out[key] = inferValue(key, strings.TrimSpace(m[2]))
	}
	if len(out) < 2 {
		return nil
	}
	return out
}

// extractTable handles two-or-more-line delimited tables where the first
// line is a header. The second line supplies the examples.
func extractTable(record string) Fields {
	lines := strings.Split(record, "\n")
	if len(lines) < 2 {
		return nil
	}

	for _, sep := range []string{"\t", "|", ";", ","} {
		header := strings.Split(lines[0], sep)
		row := strings.Split(lines[1], sep)
		if len(header) < 2 || len(header) != len(row) {
			continue
		}
		out := make(Fields, len(header))
		for i, h := range header {
			key := strings.TrimSpace(h)
			if key == "" {
				continue
			}
			out[key] = inferValue(key, strings.TrimSpace(row[i]))
		}
		if len(out) >= 2 {
			return out
		}
	}
	return nil
}

// inferValue types a raw string value: int, float, bool, then key-name
// hints, then plain string.
func inferValue(key, raw string) Field {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Field{Type: "int", Example: n, Formatted: formatThousands(n)}
	}
	if strings.Contains(raw, ".") {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return Field{Type: "float", Example: f, Formatted: strconv.FormatFloat(f, 'f', 2, 64)}
		}
	}
	switch strings.ToLower(raw) {
	case "true", "false", "yes", "no":
		return Field{Type: "bool", Example: raw}
	}

	lower := strings.ToLower(key)
	if strings.Contains(lower, "time") || strings.Contains(lower, "date") {
		return Field{Type: "timestamp", Example: raw}
	}
	if lower == "level" || lower == "log_level" || lower == "severity" {
		return Field{Type: "level", Example: strings.ToUpper(raw)}
	}

	return Field{Type: "str", Example: raw, Length: len(raw), Formatted: truncate(raw)}
}

func truncate(s string) string {
	if len(s) <= maxFormatted {
		return ""
	}
	return s[:maxFormatted] + "..."
}
