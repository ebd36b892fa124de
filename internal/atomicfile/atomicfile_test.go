package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteCreatesAndReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "snapshot.json")

	if err := Write(path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("unexpected content: %s", data)
	}

	if err := Write(path, []byte(`{"a":2}`)); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("read after replace: %v", err)
	}
	if string(data) != `{"a":2}` {
		t.Fatalf("unexpected content after replace: %s", data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "snapshot.json" {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}

func TestAppendJSONLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.jsonl")

	if err := AppendJSONLine(path, []byte(`{"id":1}`)); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := AppendJSONLine(path, []byte(`{"id":2}`)); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "{\"id\":1}\n{\"id\":2}\n"
	if string(data) != want {
		t.Fatalf("got %q want %q", data, want)
	}
}
