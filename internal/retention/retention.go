// Package retention implements the retention job referenced throughout §3's
// data model ("created at first put; never deleted except by retention
// job") and configured via pack.RetentionConfig (raw_days, normalized_days,
// audit_years). It is the one place in the module allowed to delete
// artifacts the rest of the pipeline treats as immutable. No pack example
// repo carries a dedicated retention sweeper to ground this against; it
// follows rawstore's own directory-walk conventions (kind-prefixed
// subdirectories under a root) applied in reverse -- delete instead of put.
package retention

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/attendite/ieim/internal/ieimerrors"
)

// Report summarizes one sweep.
type Report struct {
	RawDeleted        int
	NormalizedDeleted int
	AuditDeleted      int
}

// Sweep deletes raw objects older than rawDays, normalized messages older
// than normalizedDays, and audit log files older than auditYears, all
// measured from file modification time (artifacts are immutable once
// written, so mtime is write time). A zero or negative threshold disables
// that category's sweep entirely -- retention is opt-in, not a default.
func Sweep(rootDir string, rawDays, normalizedDays, auditYears int) (Report, error) {
	var report Report
	now := time.Now()

	if rawDays > 0 {
		n, err := deleteOlderThan(filepath.Join(rootDir, "raw_store"), now.AddDate(0, 0, -rawDays))
		if err != nil {
			return report, err
		}
		report.RawDeleted = n
	}
	if normalizedDays > 0 {
		n, err := deleteOlderThan(filepath.Join(rootDir, "normalized"), now.AddDate(0, 0, -normalizedDays))
		if err != nil {
			return report, err
		}
		report.NormalizedDeleted = n
	}
	if auditYears > 0 {
		n, err := deleteOlderThan(filepath.Join(rootDir, "audit"), now.AddDate(-auditYears, 0, 0))
		if err != nil {
			return report, err
		}
		report.AuditDeleted = n
	}
	return report, nil
}

func deleteOlderThan(dir string, cutoff time.Time) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}

	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return count, ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "retention: sweep "+dir, err)
	}
	return count, nil
}
