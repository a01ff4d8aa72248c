package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/distr1/batchrun/internal/execstate"
)

func writeRaw(t *testing.T, path string, cp *Checkpoint) {
	t.Helper()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		t.Fatalf("marshaling: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func writeGarbage(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func sampleCheckpoint(buildOrder []string, s *execstate.State) *Checkpoint {
	return &Checkpoint{
		ExecutionID:    "exec-1",
		Command:        "go test ./...",
		BuildOrder:     buildOrder,
		MaxConcurrency: 4,
		State:          ToStateSnapshot(s),
		TotalStartTime: time.Now(),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	s := execstate.New([]string{"a", "b", "c"})
	s.ToCompleted("a", time.Now())
	s.ToRunning("b", time.Now(), nil)
	s.ToReady("c")

	cp := sampleCheckpoint([]string{"a", "b", "c"}, s)
	if err := store.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	result, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result == nil {
		t.Fatal("Load returned nil, want a checkpoint")
	}
	if result.FromBackup {
		t.Error("Load should not report FromBackup on a clean save")
	}
	if result.Checkpoint.ExecutionID != "exec-1" {
		t.Errorf("ExecutionID = %q, want exec-1", result.Checkpoint.ExecutionID)
	}
	if result.Checkpoint.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", result.Checkpoint.SchemaVersion, CurrentSchemaVersion)
	}

	restored := FromStateSnapshot(result.Checkpoint.State)
	if _, ok := restored.Completed["a"]; !ok {
		t.Error("a should be Completed after round trip")
	}
	if _, ok := restored.Running["b"]; !ok {
		t.Error("b should be Running after round trip (caller demotes to Pending on resume)")
	}
	if _, ok := restored.Ready["c"]; !ok {
		t.Error("c should be Ready after round trip")
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	store := NewStore(t.TempDir())
	result, err := store.Load()
	if err != nil {
		t.Fatalf("Load on empty dir: %v", err)
	}
	if result != nil {
		t.Errorf("Load on empty dir = %+v, want nil", result)
	}
}

func TestLoadRejectsIncompatibleSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	s := execstate.New([]string{"a"})
	cp := sampleCheckpoint([]string{"a"}, s)
	if err := store.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulate an incompatible major version by rewriting canonical
	// directly, bypassing Save's stamping.
	path := filepath.Join(dir, canonicalName)
	cp2 := *cp
	cp2.SchemaVersion = "99.0"
	writeRaw(t, path, &cp2)

	result, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result != nil {
		t.Errorf("Load with incompatible schema version = %+v, want nil (no usable checkpoint)", result)
	}
}

func TestLoadFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	s := execstate.New([]string{"a"})
	s.ToCompleted("a", time.Now())
	cp := sampleCheckpoint([]string{"a"}, s)
	if err := store.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Backup(); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	// Corrupt the canonical file.
	writeGarbage(t, filepath.Join(dir, canonicalName))

	result, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result == nil {
		t.Fatal("Load should have fallen back to backup")
	}
	if !result.FromBackup {
		t.Error("Load should report FromBackup true")
	}
}

func TestValidateRejectsBrokenPartition(t *testing.T) {
	s := execstate.New([]string{"a", "b"})
	// Deliberately omit "c" from every bucket despite listing it in
	// BuildOrder: the partition invariant must catch this.
	cp := sampleCheckpoint([]string{"a", "b", "c"}, s)
	if err := cp.Validate(); err == nil {
		t.Error("Validate should reject a checkpoint missing a known package from every bucket")
	}
}

func TestCleanupRemovesAllFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	s := execstate.New([]string{"a"})
	s.ToCompleted("a", time.Now())
	if err := store.Save(sampleCheckpoint([]string{"a"}, s)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Backup(); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	store.Cleanup()

	result, err := store.Load()
	if err != nil {
		t.Fatalf("Load after Cleanup: %v", err)
	}
	if result != nil {
		t.Error("Load after Cleanup should find nothing")
	}
}
