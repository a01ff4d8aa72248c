// Package pkglog writes one compressed log file per package execution
// attempt, grounded on internal/batch/batch.go's
// os.Create(filepath.Join(s.logDir, pkg+".log")) pattern, compressed with
// klauspost/pgzip (a parallel gzip implementation) since per-package
// output can run into megabytes on a noisy test suite and a single-core
// gzip would otherwise bottleneck the very dispatch loop it's logging.
package pkglog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/pgzip"
)

// Dir holds a target directory for compressed per-package logs.
type Dir struct {
	path string
}

func NewDir(path string) *Dir {
	return &Dir{path: path}
}

// Write compresses data to <dir>/<pkg>-<attempt>.log.gz, creating the
// directory if necessary. The attempt number keeps a retried package's
// earlier attempts from being overwritten.
func (d *Dir) Write(pkg string, attempt int, data []byte) (string, error) {
	if err := os.MkdirAll(d.path, 0755); err != nil {
		return "", fmt.Errorf("pkglog: creating %s: %w", d.path, err)
	}
	name := fmt.Sprintf("%s-%d.log.gz", pkg, attempt)
	fullPath := filepath.Join(d.path, name)

	f, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("pkglog: creating %s: %w", fullPath, err)
	}
	defer f.Close()

	gw := pgzip.NewWriter(f)
	if _, err := gw.Write(data); err != nil {
		gw.Close()
		return "", fmt.Errorf("pkglog: writing %s: %w", fullPath, err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("pkglog: closing %s: %w", fullPath, err)
	}
	return name, nil
}

// PruneOlderThan removes compressed logs last modified before cutoff,
// a housekeeping operation long-running batchrun deployments need so
// /logs/ doesn't grow without bound across many executions.
func (d *Dir) PruneOlderThan(cutoff time.Duration) error {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	deadline := time.Now().Add(-cutoff)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(deadline) {
			os.Remove(filepath.Join(d.path, entry.Name()))
		}
	}
	return nil
}
