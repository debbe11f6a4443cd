package fieldpath

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	return v
}

func TestResolveTopLevel(t *testing.T) {
	doc := decode(t, `{"status": 200, "msg": "ok"}`)

	v, ok := Resolve(doc, "status")
	if !ok {
		t.Fatal("expected status to resolve")
	}
	if v.(float64) != 200 {
		t.Errorf("expected 200, got %v", v)
	}
}

func TestResolveNested(t *testing.T) {
	doc := decode(t, `{"service": {"name": "auth", "replica": {"id": 3}}}`)

	v, ok := Resolve(doc, "service.name")
	if !ok || v.(string) != "auth" {
		t.Errorf("service.name: got %v ok=%v", v, ok)
	}

	v, ok = Resolve(doc, "service.replica.id")
	if !ok || v.(float64) != 3 {
		t.Errorf("service.replica.id: got %v ok=%v", v, ok)
	}
}

func TestResolveLiteralDottedKey(t *testing.T) {
	// A key that itself contains a dot resolves before path traversal.
	doc := map[string]any{"service.name": "flat", "service": map[string]any{"name": "nested"}}

	v, ok := Resolve(doc, "service.name")
	if !ok || v.(string) != "flat" {
		t.Errorf("expected literal key to win, got %v ok=%v", v, ok)
	}
}

func TestResolveMissing(t *testing.T) {
	doc := decode(t, `{"a": {"b": 1}}`)

	if _, ok := Resolve(doc, "a.c"); ok {
		t.Error("expected a.c to be missing")
	}
	if _, ok := Resolve(doc, "z"); ok {
		t.Error("expected z to be missing")
	}
}

func TestResolveThroughNull(t *testing.T) {
	doc := decode(t, `{"a": null}`)

	v, ok := Resolve(doc, "a")
	if !ok {
		t.Fatal("expected null value to resolve")
	}
	if v != nil {
		t.Errorf("expected nil, got %v", v)
	}
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, "None"},
		{"text", "text"},
		{true, "true"},
		{false, "false"},
		{float64(200), "200"},
		{float64(-7), "-7"},
		{1.5, "1.5"},
		{0.25, "0.25"},
		{42, "42"},
		{int64(9000), "9000"},
		{[]any{"a", float64(1)}, `["a",1]`},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
	}
	for _, c := range cases {
		if got := Stringify(c.in); got != c.want {
			t.Errorf("Stringify(%v): expected %q, got %q", c.in, c.want, got)
		}
	}
}

func TestParseRecordJSON(t *testing.T) {
	doc, ok := ParseRecord(`{"level": "error", "code": 7}`)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	v, ok := Resolve(doc, "level")
	if !ok || v.(string) != "error" {
		t.Errorf("level: got %v ok=%v", v, ok)
	}
}

func TestParseRecordKV(t *testing.T) {
	doc, ok := ParseRecord("user=alice action=login attempt=3")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	m := doc.(map[string]any)
	if m["user"] != "alice" || m["action"] != "login" || m["attempt"] != "3" {
		t.Errorf("unexpected map: %v", m)
	}
}

func TestParseRecordFreeText(t *testing.T) {
	doc, ok := ParseRecord("connection reset by peer")
	if !ok {
		t.Fatal("free text should still parse to an empty map")
	}
	if m := doc.(map[string]any); len(m) != 0 {
		t.Errorf("expected empty map, got %v", m)
	}
}

func TestParseRecordEmpty(t *testing.T) {
	if _, ok := ParseRecord("   "); ok {
		t.Error("expected empty record to fail")
	}
}

func TestParseRecordURLNotPair(t *testing.T) {
	doc, _ := ParseRecord("GET http://example.com/x done=yes")
	m := doc.(map[string]any)
	if _, ok := m["http"]; ok {
		t.Error("URL must not become a pair")
	}
	if m["done"] != "yes" {
		t.Errorf("expected done=yes, got %v", m)
	}
}

func TestCompileCaching(t *testing.T) {
	doc := decode(t, `{"a": {"b": "x"}}`)

	// Same path resolved twice must hit the cache and stay correct.
	for i := 0; i < 2; i++ {
		v, ok := Resolve(doc, "a.b")
		if !ok || v.(string) != "x" {
			t.Fatalf("iteration %d: got %v ok=%v", i, v, ok)
		}
	}
}
