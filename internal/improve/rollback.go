package improve

import (
	"fmt"
	"os"
	"path/filepath"
)

// rollback restores the work tree from the recorded restore point and
// settles the marker as a failure. Re-entrant: a resumed rollback redoes
// the restore from the same backups.
func (d *Driver) rollback(m *Marker, reason string) error {
	if m.Rollback == nil {
		m.Rollback = &Rollback{Reason: reason, StartedAt: d.clock.Now()}
	}
	d.setPhase(m, PhaseRollingBack)
	if err := d.store.SavePending(m); err != nil {
		return err
	}

	gitReset := false
	if d.git != nil && m.Backup != nil && m.Backup.GitCommit != "" {
		if err := d.git.ResetHardTo(d.cfg.WorkDir, m.Backup.GitCommit); err != nil {
			d.logger.Warn("git reset failed, restoring from backups",
				"id", m.ID, "commit", m.Backup.GitCommit, "error", err)
		} else {
			gitReset = true
		}
	}

	var restored []string
	var failures []string
	if !gitReset && m.Backup != nil {
		for _, f := range m.Backup.Files {
			if err := d.restoreOne(f); err != nil {
				d.logger.Error("failed to restore file",
					"id", m.ID, "file", f.OriginalPath, "error", err)
				failures = append(failures, f.OriginalPath)
				continue
			}
			restored = append(restored, f.OriginalPath)
		}
	}

	now := d.clock.Now()
	m.Rollback.FilesRestored = restored
	m.Rollback.GitReset = gitReset
	m.Rollback.CompletedAt = &now
	d.setPhase(m, PhaseRolledBack)
	if err := d.store.SavePending(m); err != nil {
		return err
	}

	if len(failures) > 0 {
		reason = fmt.Sprintf("%s (restore incomplete: %v)", reason, failures)
	}
	return d.completeFailure(m, reason)
}

// restoreOne puts one target back: copy the backup over it, or remove it
// when it did not exist before the change.
func (d *Driver) restoreOne(f BackupFile) error {
	dst, err := d.targetPath(f.OriginalPath)
	if err != nil {
		return err
	}
	if !f.Existed {
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	_, err = copyFile(f.BackupPath, dst)
	return err
}
