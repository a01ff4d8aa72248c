// Package checkpoint persists ExecutionState to disk so an interrupted run
// can resume from exactly where it stopped. Saves are atomic: write to a
// temp file named by the on-disk contract, fsync, rename over the
// canonical file, serialised behind an advisory lock file. The discipline
// (fsync before rename, never write the canonical path directly) is the
// same one cmd/autobuilder/autobuilder.go relies on github.com/renameio
// for; the literal checkpoint.json.tmp filename the on-disk contract
// names is reproduced by hand here instead, since renameio picks its own
// randomised intermediate name. cmd/batchrun reuses renameio directly for
// its own "latest execution" symlink, the same pattern autobuilder.go
// applies to its "latest build" branch symlink.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/distr1/batchrun/internal/execstate"
)

// CurrentSchemaVersion is written into every new checkpoint. Only the
// major component (before the first '.') gates load compatibility.
const CurrentSchemaVersion = "2.0"

const (
	canonicalName = "checkpoint.json"
	tmpName       = "checkpoint.json.tmp"
	lockName      = "checkpoint.json.lock"
	backupName    = "checkpoint.json.backup"
)

// RecoveryHint is advisory output from RecoveryManager.GenerateRecoveryHints.
type RecoveryHint struct {
	Type             string `json:"type"`
	Message          string `json:"message"`
	Actionable       bool   `json:"actionable"`
	SuggestedCommand string `json:"suggestedCommand,omitempty"`
}

// RunningSnapshot is the durable projection of execstate.RunningEntry: the
// cancellation handle never survives a save/load round trip.
type RunningSnapshot struct {
	Name      string    `json:"name"`
	StartTime time.Time `json:"startTime"`
}

// StateSnapshot is ExecutionState re-shaped for JSON: sets become arrays,
// as the on-disk contract (spec §6) requires.
type StateSnapshot struct {
	Pending          []string                          `json:"pending"`
	Ready            []string                           `json:"ready"`
	Running          []RunningSnapshot                  `json:"running"`
	Completed        []string                           `json:"completed"`
	Failed           []execstate.FailedSnapshot          `json:"failed"`
	Skipped          []string                           `json:"skipped"`
	SkippedNoChanges map[string]string                  `json:"skippedNoChanges"`
}

// GraphSnapshot is the on-disk shape for the package set an execution was
// started against (names, paths, declared deps). TaskPool does not fill it
// in, and Load does not compare it against the live graph.
type GraphSnapshot struct {
	Packages map[string]GraphPackageSnapshot `json:"packages"`
}

type GraphPackageSnapshot struct {
	Path         string   `json:"path"`
	Dependencies []string `json:"dependencies"`
	Version      string   `json:"version,omitempty"`
}

// Checkpoint is the durable projection of one execution's state.
type Checkpoint struct {
	SchemaVersion  string          `json:"schemaVersion"`
	ExecutionID    string          `json:"executionId"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastUpdated    time.Time       `json:"lastUpdated"`
	Command        string          `json:"command"`
	OriginalConfig json.RawMessage `json:"originalConfig,omitempty"`
	GraphSnapshot  GraphSnapshot   `json:"graphSnapshot"`
	BuildOrder     []string        `json:"buildOrder"`
	Mode           string          `json:"mode,omitempty"`
	MaxConcurrency int             `json:"maxConcurrency"`
	State          StateSnapshot   `json:"state"`

	PublishedVersions    map[string]string    `json:"publishedVersions,omitempty"`
	RetryAttempts        map[string]int       `json:"retryAttempts,omitempty"`
	PerPackageStartTimes map[string]time.Time `json:"perPackageStartTimes,omitempty"`
	PerPackageEndTimes   map[string]time.Time `json:"perPackageEndTimes,omitempty"`
	PerPackageDurationMs map[string]int64     `json:"perPackageDurationMs,omitempty"`
	TotalStartTime       time.Time            `json:"totalStartTime"`

	RecoveryHints []RecoveryHint `json:"recoveryHints,omitempty"`
	CanRecover    bool           `json:"canRecover"`
}

// ToStateSnapshot converts live ExecutionState into its JSON-friendly form.
func ToStateSnapshot(s *execstate.State) StateSnapshot {
	snap := StateSnapshot{
		SkippedNoChanges: map[string]string{},
	}
	for n := range s.Pending {
		snap.Pending = append(snap.Pending, n)
	}
	for n := range s.Ready {
		snap.Ready = append(snap.Ready, n)
	}
	for n, r := range s.Running {
		snap.Running = append(snap.Running, RunningSnapshot{Name: n, StartTime: r.StartTime})
	}
	for n := range s.Completed {
		snap.Completed = append(snap.Completed, n)
	}
	for _, f := range s.Failed {
		snap.Failed = append(snap.Failed, f)
	}
	for n := range s.Skipped {
		snap.Skipped = append(snap.Skipped, n)
	}
	for n, reason := range s.SkippedNoChanges {
		snap.SkippedNoChanges[n] = reason
	}
	return snap
}

// FromStateSnapshot rebuilds live ExecutionState from its JSON form. Running
// entries are restored as Running (with no cancellation handle); the caller
// (TaskPool.Execute on resume) is responsible for moving loaded Running
// names back to Pending — this function only performs the structural
// JSON->map conversion.
func FromStateSnapshot(snap StateSnapshot) *execstate.State {
	s := execstate.New(nil)
	for _, n := range snap.Pending {
		s.Pending[n] = struct{}{}
	}
	for _, n := range snap.Ready {
		s.Ready[n] = struct{}{}
	}
	for _, r := range snap.Running {
		s.Running[r.Name] = execstate.RunningEntry{Name: r.Name, StartTime: r.StartTime}
		s.PerPackageStartTimes[r.Name] = r.StartTime
	}
	for _, n := range snap.Completed {
		s.Completed[n] = struct{}{}
	}
	for _, f := range snap.Failed {
		s.Failed[f.Name] = f
	}
	for _, n := range snap.Skipped {
		s.Skipped[n] = struct{}{}
	}
	for n, reason := range snap.SkippedNoChanges {
		s.SkippedNoChanges[n] = reason
	}
	return s
}

// Validate runs the partition invariant against buildOrder and refuses a
// structurally broken checkpoint.
func (c *Checkpoint) Validate() error {
	s := FromStateSnapshot(c.State)
	duplicates, missing := s.ValidatePartition(c.BuildOrder)
	if len(duplicates) > 0 {
		return xerrors.Errorf("checkpoint state invalid: packages in more than one bucket: %v", duplicates)
	}
	if len(missing) > 0 {
		return xerrors.Errorf("checkpoint state invalid: packages in no bucket: %v", missing)
	}
	return nil
}

func majorVersion(schemaVersion string) string {
	if idx := strings.IndexByte(schemaVersion, '.'); idx >= 0 {
		return schemaVersion[:idx]
	}
	return schemaVersion
}

// compatibleMajor reports whether got's major component matches want's.
func compatibleMajor(want, got string) bool {
	wm, gm := majorVersion(want), majorVersion(got)
	if wm == gm {
		return true
	}
	wi, werr := strconv.Atoi(wm)
	gi, gerr := strconv.Atoi(gm)
	if werr != nil || gerr != nil {
		return false
	}
	return wi == gi
}

// Store is a CheckpointStore backed by a directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// LoadResult distinguishes "no checkpoint" from "loaded, possibly from
// backup" without forcing callers to juggle a bool and an error together.
type LoadResult struct {
	Checkpoint  *Checkpoint
	FromBackup  bool
}

// Load reads the canonical checkpoint, falling back to the backup on
// parse/validate failure, and to "none" (nil, nil) if neither exists or
// parses.
func (s *Store) Load() (*LoadResult, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, xerrors.Errorf("checkpoint: creating directory: %w", err)
	}

	unlock, err := s.lock()
	if err != nil {
		return nil, xerrors.Errorf("checkpoint: acquiring lock: %w", err)
	}
	defer unlock()

	cp, err := s.loadAndValidate(s.path(canonicalName))
	if err == nil {
		if cp == nil {
			return nil, nil // canonical missing: no active resume state
		}
		return &LoadResult{Checkpoint: cp}, nil
	}

	// canonical present but broken: try the backup.
	backup, backupErr := s.loadAndValidate(s.path(backupName))
	if backupErr != nil || backup == nil {
		return nil, nil
	}
	return &LoadResult{Checkpoint: backup, FromBackup: true}, nil
}

// loadAndValidate returns (nil, nil) if path does not exist.
func (s *Store) loadAndValidate(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("reading %s: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, xerrors.Errorf("parsing %s: %w", path, err)
	}
	if !compatibleMajor(CurrentSchemaVersion, cp.SchemaVersion) {
		return nil, xerrors.Errorf("%s: schema version %q is incompatible with %q", path, cp.SchemaVersion, CurrentSchemaVersion)
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Save atomically persists cp: stamp schemaVersion/lastUpdated, validate,
// write to the temp file, fsync, rename over canonical.
func (s *Store) Save(cp *Checkpoint) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return xerrors.Errorf("checkpoint: creating directory: %w", err)
	}

	cp.SchemaVersion = CurrentSchemaVersion
	cp.LastUpdated = time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.LastUpdated
	}

	if err := cp.Validate(); err != nil {
		return xerrors.Errorf("checkpoint: refusing to persist invalid state: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return xerrors.Errorf("checkpoint: marshaling: %w", err)
	}

	unlock, err := s.lock()
	if err != nil {
		return xerrors.Errorf("checkpoint: acquiring lock: %w", err)
	}
	defer unlock()

	return s.atomicWrite(s.path(tmpName), s.path(canonicalName), data)
}

func (s *Store) atomicWrite(tmp, dest string, data []byte) error {
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return xerrors.Errorf("checkpoint: creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return xerrors.Errorf("checkpoint: writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return xerrors.Errorf("checkpoint: fsyncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return xerrors.Errorf("checkpoint: closing temp file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return xerrors.Errorf("checkpoint: renaming into place: %w", err)
	}
	return nil
}

// Backup copies canonical to backup, if canonical exists.
func (s *Store) Backup() error {
	unlock, err := s.lock()
	if err != nil {
		return xerrors.Errorf("checkpoint: acquiring lock: %w", err)
	}
	defer unlock()

	data, err := os.ReadFile(s.path(canonicalName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Errorf("checkpoint: reading canonical for backup: %w", err)
	}
	return s.atomicWrite(s.path(tmpName)+".backup-stage", s.path(backupName), data)
}

// Cleanup removes all four checkpoint files, best-effort.
func (s *Store) Cleanup() {
	for _, name := range []string{canonicalName, tmpName, lockName, backupName} {
		os.Remove(s.path(name))
	}
}

// lock acquires the advisory lock file with exclusive-create semantics,
// polling every 100ms for up to 30s; after 30s the lock is considered
// stale, deleted, and retried once. It returns a release function whose
// own failures are swallowed, matching the spec's "failures to remove are
// swallowed".
func (s *Store) lock() (release func(), err error) {
	lockPath := s.path(lockName)
	const pollInterval = 100 * time.Millisecond
	const staleAfter = 30 * time.Second

	acquire := func() (bool, error) {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			if os.IsExist(err) {
				return false, nil
			}
			return false, err
		}
		defer f.Close()
		fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339Nano))
		return true, nil
	}

	deadline := time.Now().Add(staleAfter)
	for {
		ok, err := acquire()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { os.Remove(lockPath) }, nil
		}
		if time.Now().After(deadline) {
			// stale: break it and retry exactly once.
			os.Remove(lockPath)
			ok, err := acquire()
			if err != nil {
				return nil, err
			}
			if ok {
				return func() { os.Remove(lockPath) }, nil
			}
			return nil, xerrors.Errorf("checkpoint: could not acquire lock %s after breaking stale lock", lockPath)
		}
		time.Sleep(pollInterval)
	}
}
