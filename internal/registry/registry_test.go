package registry

import (
	"path/filepath"
	"testing"
)

func TestGetOrCreateNewRecord(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	g, err := r.GetOrCreate(Selector{Name: "alpha", Path: "/x"})
	if err != nil {
		t.Fatalf("get_or_create: %v", err)
	}
	if g.ID == "" || g.Name != "alpha" || g.Path != "/x" {
		t.Fatalf("unexpected record: %+v", g)
	}
	if r.Active() != g.ID {
		t.Fatalf("expected first graph to become active, got %q", r.Active())
	}
}

func TestGetOrCreateMatchesByExactPair(t *testing.T) {
	r, _ := Load(filepath.Join(t.TempDir(), "registry.json"))
	first, _ := r.GetOrCreate(Selector{Name: "alpha", Path: "/x"})
	second, err := r.GetOrCreate(Selector{Name: "alpha", Path: "/x"})
	if err != nil {
		t.Fatalf("get_or_create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same id for identical (name, path), got %q vs %q", first.ID, second.ID)
	}
}

func TestGetOrCreateRenameKeepsID(t *testing.T) {
	r, _ := Load(filepath.Join(t.TempDir(), "registry.json"))
	first, _ := r.GetOrCreate(Selector{Name: "alpha", Path: "/x"})
	renamed, err := r.GetOrCreate(Selector{Name: "alpha-renamed", Path: "/x"})
	if err != nil {
		t.Fatalf("get_or_create: %v", err)
	}
	if renamed.ID != first.ID {
		t.Fatalf("expected id to stay %q, got %q", first.ID, renamed.ID)
	}
	if renamed.Name != "alpha-renamed" {
		t.Fatalf("expected name updated, got %q", renamed.Name)
	}
}

func TestGetOrCreateMovedPathKeepsID(t *testing.T) {
	r, _ := Load(filepath.Join(t.TempDir(), "registry.json"))
	first, _ := r.GetOrCreate(Selector{Name: "alpha", Path: "/x"})
	moved, err := r.GetOrCreate(Selector{Name: "alpha", Path: "/y"})
	if err != nil {
		t.Fatalf("get_or_create: %v", err)
	}
	if moved.ID != first.ID {
		t.Fatalf("expected id to stay %q, got %q", first.ID, moved.ID)
	}
	if moved.Path != "/y" {
		t.Fatalf("expected path updated, got %q", moved.Path)
	}
}

func TestGetOrCreatePathWinsOnAmbiguity(t *testing.T) {
	r, _ := Load(filepath.Join(t.TempDir(), "registry.json"))
	g1, _ := r.GetOrCreate(Selector{ID: "g1", Name: "alpha", Path: "/x"})
	g2, _ := r.GetOrCreate(Selector{ID: "g2", Name: "beta", Path: "/y"})

	// name matches g1, path matches g2: path must win.
	resolved, err := r.GetOrCreate(Selector{Name: "alpha", Path: "/y"})
	if err != nil {
		t.Fatalf("get_or_create: %v", err)
	}
	if resolved.ID != g2.ID {
		t.Fatalf("expected path-wins to resolve to %q, got %q", g2.ID, resolved.ID)
	}
	_ = g1
}

func TestResolveUnknownGraphDoesNotCreate(t *testing.T) {
	r, _ := Load(filepath.Join(t.TempDir(), "registry.json"))
	if _, err := r.Resolve(Selector{Name: "ghost"}); err == nil {
		t.Fatalf("expected error resolving unknown graph")
	}
	if len(r.All()) != 0 {
		t.Fatalf("resolve must never create a record, found %d", len(r.All()))
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r, _ := Load(path)
	g, _ := r.GetOrCreate(Selector{ID: "fixed-id", Name: "alpha", Path: "/x"})

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.Resolve(Selector{ID: "fixed-id"})
	if err != nil {
		t.Fatalf("resolve after reload: %v", err)
	}
	if got.ID != g.ID || got.Name != g.Name {
		t.Fatalf("round-trip mismatch: %+v vs %+v", got, g)
	}
	if reloaded.Active() != g.ID {
		t.Fatalf("expected active graph to survive reload")
	}
}
