package deviceid

import (
	"path/filepath"
	"testing"
)

func TestDeriveDeterministic(t *testing.T) {
	id1, err := Derive("host-a", "alice", "laptop")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	id2, err := Derive("host-a", "alice", "laptop")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("Derive not deterministic: %s != %s", id1, id2)
	}
	if len(id1) != Size*2 {
		t.Fatalf("expected %d hex chars, got %d (%s)", Size*2, len(id1), id1)
	}
}

func TestDeriveDiffersByInput(t *testing.T) {
	base, _ := Derive("host-a", "alice", "laptop")
	cases := [][3]string{
		{"host-b", "alice", "laptop"},
		{"host-a", "bob", "laptop"},
		{"host-a", "alice", "desktop"},
	}
	for _, c := range cases {
		other, err := Derive(c[0], c[1], c[2])
		if err != nil {
			t.Fatalf("Derive: %v", err)
		}
		if other == base {
			t.Fatalf("expected different id for %v, got same as base", c)
		}
	}
}

func TestDeriveEmptyDeviceName(t *testing.T) {
	if _, err := Derive("host", "user", "  "); err != ErrEmptyDeviceName {
		t.Fatalf("expected ErrEmptyDeviceName, got %v", err)
	}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id, err := Derive("host", "user", "name")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if err := Store(dir, id); err != nil {
		t.Fatalf("Store: %v", err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != id {
		t.Fatalf("round trip mismatch: %s != %s", loaded, id)
	}
}

func TestLoadOrDeriveCreatesThenReuses(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	first, err := LoadOrDerive(dir, "host", "user", "name")
	if err != nil {
		t.Fatalf("LoadOrDerive: %v", err)
	}

	second, err := LoadOrDerive(dir, "host", "user", "different-name")
	if err != nil {
		t.Fatalf("LoadOrDerive (second): %v", err)
	}
	if second != first {
		t.Fatalf("expected persisted id to be reused regardless of new derivation inputs, got %s != %s", second, first)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error loading from empty directory")
	}
}
