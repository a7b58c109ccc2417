package state

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

func testStore(t *testing.T) *SnapshotStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.json")
	return NewSnapshotStore(path, slog.Default())
}

func testSnapshot() *PolicySnapshot {
	return &PolicySnapshot{
		Policy: guardrail.Config{
			DefaultAction: guardrail.ActionBlock,
			Checkers: []guardrail.CheckerSpec{
				{Type: guardrail.GuardrailPII, VariantID: "pattern_v1", Threshold: 0.7, Action: guardrail.ActionRedact, Enabled: true, PreFilter: true},
			},
		},
	}
}

func TestLoadMissingFileReturnsNil(t *testing.T) {
	s := testStore(t)
	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap != nil {
		t.Fatal("expected nil snapshot for missing file")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := testStore(t)
	if err := s.Save(testSnapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected snapshot after save")
	}
	if loaded.Version != "1" {
		t.Errorf("Version = %q, want \"1\"", loaded.Version)
	}
	if len(loaded.Policy.Checkers) != 1 || loaded.Policy.Checkers[0].Type != guardrail.GuardrailPII {
		t.Errorf("unexpected policy round trip: %+v", loaded.Policy)
	}
	if loaded.CreatedAt.IsZero() || loaded.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped on save")
	}
}

func TestSaveCreatesBackup(t *testing.T) {
	s := testStore(t)
	if err := s.Save(testSnapshot()); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	second := testSnapshot()
	second.Policy.DefaultAction = guardrail.ActionAllow
	if err := s.Save(second); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if _, err := os.Stat(s.Path() + ".bak"); err != nil {
		t.Errorf("expected backup file: %v", err)
	}
}

func TestSaveSetsRestrictivePermissions(t *testing.T) {
	s := testStore(t)
	if err := s.Save(testSnapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		t.Errorf("snapshot file permissions too open: %04o", perm)
	}
}

func TestLoadCorruptFileErrors(t *testing.T) {
	s := testStore(t)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := s.Load(); err == nil {
		t.Fatal("expected error for corrupt snapshot")
	}
}

func TestExists(t *testing.T) {
	s := testStore(t)
	if s.Exists() {
		t.Fatal("Exists should be false before save")
	}
	if err := s.Save(testSnapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.Exists() {
		t.Fatal("Exists should be true after save")
	}
}
