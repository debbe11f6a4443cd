package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fixture struct {
	Name  string         `json:"name"`
	Port  int            `json:"port"`
	Rules map[string]int `json:"rules,omitempty"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	in := fixture{Name: "edge", Port: 514, Rules: map[string]int{"a": 1}}
	if err := Save(path, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var out fixture
	found, err := Load(path, &out)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Fatal("expected file to exist")
	}
	if out.Name != "edge" || out.Port != 514 || out.Rules["a"] != 1 {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestLoadMissing(t *testing.T) {
	var out fixture
	found, err := Load(filepath.Join(t.TempDir(), "absent.json"), &out)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if found {
		t.Error("expected found=false for missing file")
	}
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o640); err != nil {
		t.Fatal(err)
	}
	var out fixture
	if _, err := Load(path, &out); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "state.json")
	if err := Save(path, fixture{Name: "x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Stat: %v", err)
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := Save(path, fixture{Name: "x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := Save(path, fixture{Name: "first", Port: 1}); err != nil {
		t.Fatal(err)
	}
	if err := Save(path, fixture{Name: "second", Port: 2}); err != nil {
		t.Fatal(err)
	}
	var out fixture
	if _, err := Load(path, &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "second" || out.Port != 2 {
		t.Errorf("expected second write to win, got %+v", out)
	}
}

func TestSaveIndented(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := Save(path, fixture{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\n  ") {
		t.Error("expected indented JSON on disk")
	}
}
