package aggregate

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.json")
	m, err := NewManager(Config{Path: path})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, path
}

func TestStoreTemplateFirstWins(t *testing.T) {
	m, _ := testManager(t)

	stored, err := m.StoreTemplate("src-1", `{"level":"info","service":"api"}`)
	if err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}
	if !stored {
		t.Fatal("StoreTemplate() stored = false, want true for first record")
	}

	stored, err = m.StoreTemplate("src-1", `{"different":"shape"}`)
	if err != nil {
		t.Fatalf("StoreTemplate() second error = %v", err)
	}
	if stored {
		t.Error("StoreTemplate() stored = true for second record, want false")
	}

	tpl, ok := m.Template("src-1")
	if !ok {
		t.Fatal("Template() not found after store")
	}
	if tpl.Log != `{"level":"info","service":"api"}` {
		t.Errorf("Template().Log = %q, want the first record", tpl.Log)
	}
	if _, ok := tpl.Fields["level"]; !ok {
		t.Error("Template().Fields missing key level")
	}
	if _, ok := tpl.Fields["different"]; ok {
		t.Error("Template().Fields contains key from second record")
	}
}

func TestHasTemplate(t *testing.T) {
	m, _ := testManager(t)

	if m.HasTemplate("src-1") {
		t.Error("HasTemplate() = true before capture")
	}
	if _, err := m.StoreTemplate("src-1", `{"a":1}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}
	if !m.HasTemplate("src-1") {
		t.Error("HasTemplate() = false after capture")
	}
}

func TestDeleteTemplateCascadesPolicy(t *testing.T) {
	m, _ := testManager(t)

	if _, err := m.StoreTemplate("src-1", `{"level":"info"}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}
	if _, err := m.CreatePolicy("src-1", []string{"level"}); err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}

	if err := m.DeleteTemplate("src-1"); err != nil {
		t.Fatalf("DeleteTemplate() error = %v", err)
	}
	if m.HasTemplate("src-1") {
		t.Error("template still present after delete")
	}
	if _, ok := m.Policy("src-1"); ok {
		t.Error("policy survived template delete")
	}

	// The next record captures a fresh template.
	stored, err := m.StoreTemplate("src-1", `{"shape":"new"}`)
	if err != nil {
		t.Fatalf("StoreTemplate() after delete error = %v", err)
	}
	if !stored {
		t.Error("StoreTemplate() stored = false after delete, want recapture")
	}
}

func TestDeleteTemplateNotFound(t *testing.T) {
	m, _ := testManager(t)

	if err := m.DeleteTemplate("ghost"); !errors.Is(err, ErrNoTemplate) {
		t.Errorf("DeleteTemplate() error = %v, want ErrNoTemplate", err)
	}
}

func TestCreatePolicyValidation(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.StoreTemplate("src-1", `{"level":"info","service":"api"}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}

	tests := []struct {
		name     string
		sourceID string
		fields   []string
		wantErr  error
	}{
		{"no template", "ghost", []string{"level"}, ErrNoTemplate},
		{"no fields", "src-1", nil, ErrNoFields},
		{"unknown field", "src-1", []string{"level", "nope"}, ErrUnknownField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.CreatePolicy(tt.sourceID, tt.fields); !errors.Is(err, tt.wantErr) {
				t.Errorf("CreatePolicy() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, ok := m.Policy("src-1"); ok {
		t.Error("failed CreatePolicy left a policy behind")
	}
}

func TestCreatePolicy(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.StoreTemplate("src-1", `{"level":"info","service":"api"}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}

	policy, err := m.CreatePolicy("src-1", []string{"level", "service"})
	if err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}
	if !policy.Enabled {
		t.Error("CreatePolicy() Enabled = false, want true")
	}
	if len(policy.Fields) != 2 {
		t.Errorf("CreatePolicy() fields = %v, want 2 entries", policy.Fields)
	}
	if policy.Created.IsZero() {
		t.Error("CreatePolicy() Created is zero")
	}
}

func TestUpdatePolicyFields(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.StoreTemplate("src-1", `{"level":"info","service":"api"}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}
	created, err := m.CreatePolicy("src-1", []string{"level"})
	if err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}

	updated, err := m.UpdatePolicyFields("src-1", []string{"service"})
	if err != nil {
		t.Fatalf("UpdatePolicyFields() error = %v", err)
	}
	if len(updated.Fields) != 1 || updated.Fields[0] != "service" {
		t.Errorf("UpdatePolicyFields() fields = %v, want [service]", updated.Fields)
	}
	if !updated.Created.Equal(created.Created) {
		t.Error("UpdatePolicyFields() changed Created")
	}

	if _, err := m.UpdatePolicyFields("src-1", []string{"nope"}); !errors.Is(err, ErrUnknownField) {
		t.Errorf("UpdatePolicyFields() unknown field error = %v, want ErrUnknownField", err)
	}
	if _, err := m.UpdatePolicyFields("ghost", []string{"level"}); !errors.Is(err, ErrNoPolicy) {
		t.Errorf("UpdatePolicyFields() missing policy error = %v, want ErrNoPolicy", err)
	}
}

func TestSetPolicyEnabled(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.StoreTemplate("src-1", `{"level":"info"}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}
	if _, err := m.CreatePolicy("src-1", []string{"level"}); err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}

	policy, err := m.SetPolicyEnabled("src-1", false)
	if err != nil {
		t.Fatalf("SetPolicyEnabled() error = %v", err)
	}
	if policy.Enabled {
		t.Error("SetPolicyEnabled(false) Enabled = true")
	}

	policy, err = m.SetPolicyEnabled("src-1", true)
	if err != nil {
		t.Fatalf("SetPolicyEnabled() error = %v", err)
	}
	if !policy.Enabled {
		t.Error("SetPolicyEnabled(true) Enabled = false")
	}

	if _, err := m.SetPolicyEnabled("ghost", true); !errors.Is(err, ErrNoPolicy) {
		t.Errorf("SetPolicyEnabled() error = %v, want ErrNoPolicy", err)
	}
}

func TestDeletePolicyKeepsTemplate(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.StoreTemplate("src-1", `{"level":"info"}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}
	if _, err := m.CreatePolicy("src-1", []string{"level"}); err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}

	if err := m.DeletePolicy("src-1"); err != nil {
		t.Fatalf("DeletePolicy() error = %v", err)
	}
	if _, ok := m.Policy("src-1"); ok {
		t.Error("policy still present after delete")
	}
	if !m.HasTemplate("src-1") {
		t.Error("DeletePolicy() removed the template")
	}

	if err := m.DeletePolicy("src-1"); !errors.Is(err, ErrNoPolicy) {
		t.Errorf("DeletePolicy() second call error = %v, want ErrNoPolicy", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	m, path := testManager(t)
	if _, err := m.StoreTemplate("src-1", `{"level":"info"}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}
	if _, err := m.CreatePolicy("src-1", []string{"level"}); err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}

	fresh, err := NewManager(Config{Path: path})
	if err != nil {
		t.Fatalf("NewManager() reload error = %v", err)
	}
	if !fresh.HasTemplate("src-1") {
		t.Error("reloaded manager lost the template")
	}
	policy, ok := fresh.Policy("src-1")
	if !ok {
		t.Fatal("reloaded manager lost the policy")
	}
	if !policy.Enabled || len(policy.Fields) != 1 {
		t.Errorf("reloaded policy = %+v, want enabled with one field", policy)
	}
}

func TestReload(t *testing.T) {
	m, path := testManager(t)
	if _, err := m.StoreTemplate("src-1", `{"level":"info"}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}

	other, err := NewManager(Config{Path: path})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := other.DeleteTemplate("src-1"); err != nil {
		t.Fatalf("DeleteTemplate() error = %v", err)
	}

	if err := m.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if m.HasTemplate("src-1") {
		t.Error("Reload() kept a template deleted on disk")
	}
}

func TestAggregateNoPolicyPassesThrough(t *testing.T) {
	m, _ := testManager(t)

	batch := []string{`{"level":"error"}`, `{"level":"error"}`}
	out := m.Aggregate("src-1", batch)
	if len(out) != 2 || out[0] != batch[0] || out[1] != batch[1] {
		t.Errorf("Aggregate() without policy = %v, want batch unchanged", out)
	}
}

func TestAggregateDisabledPolicyPassesThrough(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.StoreTemplate("src-1", `{"level":"info"}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}
	if _, err := m.CreatePolicy("src-1", []string{"level"}); err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}
	if _, err := m.SetPolicyEnabled("src-1", false); err != nil {
		t.Fatalf("SetPolicyEnabled() error = %v", err)
	}

	batch := []string{`{"level":"error"}`, `{"level":"error"}`}
	if out := m.Aggregate("src-1", batch); len(out) != 2 {
		t.Errorf("Aggregate() with disabled policy = %d records, want 2", len(out))
	}
}

func TestAggregateJSONRecords(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "policy.json")
	m, err := NewManager(Config{Path: path, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if _, err := m.StoreTemplate("src-1", `{"level":"error","msg":"a"}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}
	if _, err := m.CreatePolicy("src-1", []string{"level"}); err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}

	out := m.Aggregate("src-1", []string{
		`{"level":"error","msg":"a"}`,
		`{"level":"error","msg":"b"}`,
		`{"level":"info","msg":"c"}`,
	})
	if len(out) != 2 {
		t.Fatalf("Aggregate() = %d records, want 2", len(out))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(out[0]), &first); err != nil {
		t.Fatalf("first output record is not JSON: %v", err)
	}
	if first["is_aggregated"] != "yes" {
		t.Errorf("is_aggregated = %v, want yes", first["is_aggregated"])
	}
	if first["total_logs_aggregated"] != float64(2) {
		t.Errorf("total_logs_aggregated = %v, want 2", first["total_logs_aggregated"])
	}
	if first["msg"] != "a" {
		t.Errorf("representative msg = %v, want the group's first record", first["msg"])
	}
	if first["first_log_time"] != "2026-03-01 12:00:00" {
		t.Errorf("first_log_time = %v, want 2026-03-01 12:00:00", first["first_log_time"])
	}
	if first["last_log_time"] != "2026-03-01 12:00:00" {
		t.Errorf("last_log_time = %v, want 2026-03-01 12:00:00", first["last_log_time"])
	}

	// The singleton group passes through untouched.
	if out[1] != `{"level":"info","msg":"c"}` {
		t.Errorf("second output = %q, want the info record verbatim", out[1])
	}
}

func TestAggregateTextRecords(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.StoreTemplate("src-1", "user=alice action=login"); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}
	if _, err := m.CreatePolicy("src-1", []string{"user"}); err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}

	out := m.Aggregate("src-1", []string{
		"user=alice action=login",
		"user=alice action=logout",
		"user=bob action=login",
	})
	if len(out) != 2 {
		t.Fatalf("Aggregate() = %d records, want 2", len(out))
	}
	if !strings.HasSuffix(out[0], " [Aggregated: 2 logs]") {
		t.Errorf("first output = %q, want the aggregated suffix", out[0])
	}
	if !strings.HasPrefix(out[0], "user=alice action=login") {
		t.Errorf("first output = %q, want the group's first record as prefix", out[0])
	}
	if out[1] != "user=bob action=login" {
		t.Errorf("second output = %q, want bob's record verbatim", out[1])
	}
}

func TestAggregateMissingFieldGroupsAsNone(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.StoreTemplate("src-1", `{"level":"info","msg":"a"}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}
	if _, err := m.CreatePolicy("src-1", []string{"level"}); err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}

	out := m.Aggregate("src-1", []string{`{"msg":"x"}`, `{"msg":"y"}`})
	if len(out) != 1 {
		t.Fatalf("Aggregate() = %d records, want records without the field in one group", len(out))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(out[0]), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["total_logs_aggregated"] != float64(2) {
		t.Errorf("total_logs_aggregated = %v, want 2", rec["total_logs_aggregated"])
	}
}

func TestAggregateCountsCoverBatch(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.StoreTemplate("src-1", `{"level":"info"}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}
	if _, err := m.CreatePolicy("src-1", []string{"level"}); err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}

	batch := []string{
		`{"level":"error"}`,
		`{"level":"warn"}`,
		`{"level":"error"}`,
		`{"level":"error"}`,
		`{"level":"warn"}`,
		`{"level":"info"}`,
	}
	out := m.Aggregate("src-1", batch)
	if len(out) != 3 {
		t.Fatalf("Aggregate() = %d records, want 3 groups", len(out))
	}

	total := 0
	for _, record := range out {
		var rec map[string]any
		if err := json.Unmarshal([]byte(record), &rec); err != nil {
			t.Fatalf("output record is not JSON: %v", err)
		}
		if n, ok := rec["total_logs_aggregated"].(float64); ok {
			total += int(n)
			continue
		}
		total++
	}
	if total != len(batch) {
		t.Errorf("aggregated counts sum to %d, want %d", total, len(batch))
	}
}

func TestAggregatePreservesFirstOccurrenceOrder(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.StoreTemplate("src-1", `{"level":"info"}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}
	if _, err := m.CreatePolicy("src-1", []string{"level"}); err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}

	out := m.Aggregate("src-1", []string{
		`{"level":"warn","n":1}`,
		`{"level":"error","n":2}`,
		`{"level":"warn","n":3}`,
	})
	if len(out) != 2 {
		t.Fatalf("Aggregate() = %d records, want 2", len(out))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(out[0]), &first); err != nil {
		t.Fatalf("first output is not JSON: %v", err)
	}
	if first["level"] != "warn" {
		t.Errorf("first group level = %v, want warn (first occurrence)", first["level"])
	}
	if out[1] != `{"level":"error","n":2}` {
		t.Errorf("second output = %q, want the error record verbatim", out[1])
	}
}

func TestAggregateSingleRecordBatchUnchanged(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.StoreTemplate("src-1", `{"level":"info"}`); err != nil {
		t.Fatalf("StoreTemplate() error = %v", err)
	}
	if _, err := m.CreatePolicy("src-1", []string{"level"}); err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}

	batch := []string{`{"level":"info"}`}
	out := m.Aggregate("src-1", batch)
	if len(out) != 1 || out[0] != batch[0] {
		t.Errorf("Aggregate() single record = %v, want unchanged", out)
	}
}
