package updater

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/artifact"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/fsutil"
)

var errExchangeUnsupported = errors.New("atomic exchange not supported")

// SwapMode records how the new tree was committed
type SwapMode string

const (
	// SwapExchange swapped new and old trees in one renameat2 call
	SwapExchange SwapMode = "exchange"
	// SwapRename moved the old tree aside and renamed the new one in
	SwapRename SwapMode = "rename"
	// SwapInPlace cleared the target and copied into it. Used only when the
	// target cannot be renamed, such as a mount point.
	SwapInPlace SwapMode = "in_place"
)

// BackupSnapshot is the copy of a target taken before activation
type BackupSnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	SourceTarget  string    `json:"source_target"`
	Path          string    `json:"path"`
	Digest        string    `json:"digest"`
	TargetExisted bool      `json:"target_existed"`
}

// ActivationResult describes a completed activation
type ActivationResult struct {
	Hash         string         `json:"hash"`
	Target       string         `json:"target"`
	Backup       BackupSnapshot `json:"backup"`
	Mode         SwapMode       `json:"mode"`
	DigestBefore string         `json:"digest_before"`
	DigestAfter  string         `json:"digest_after"`
	ActivatedAt  time.Time      `json:"activated_at"`
}

// Activate replaces target with the contents of a staged artifact. The
// artifact must be approved and must verify. Activations of the same target
// are serialized.
func (u *Updater) Activate(ctx context.Context, hash, target string) (*ActivationResult, error) {
	a, err := u.staged(hash)
	if err != nil {
		return nil, err
	}
	if _, ok := u.gate.Lookup(hash); !ok {
		return nil, &UpdateError{Kind: KindNotApproved, Hash: hash, Target: target, Reason: "no approval record"}
	}
	if result := u.verify(ctx, a); !result.Valid {
		return nil, &UpdateError{Kind: KindVerificationFailed, Hash: hash, Target: target, Reason: result.Reason}
	}
	// The signature covers artifact.bin; payload/ must still be what it
	// extracts to
	expected, err := u.store.CheckPayload(ctx, hash)
	if errors.Is(err, artifact.ErrPayloadMismatch) {
		return nil, &UpdateError{Kind: KindVerificationFailed, Hash: hash, Target: target, Reason: err.Error()}
	}
	if err != nil {
		return nil, &UpdateError{Kind: KindBackupFailed, Hash: hash, Target: target, Reason: "read staged payload", Cause: err}
	}

	abs, err := u.resolveTarget(target)
	if err != nil {
		return nil, &UpdateError{Kind: KindBackupFailed, Hash: hash, Target: target, Reason: "invalid target", Cause: err}
	}

	unlock := u.locks.lock(abs)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, &UpdateError{Kind: KindBackupFailed, Hash: hash, Target: abs, Reason: "canceled before backup", Cause: err}
	}

	snap, err := u.backup(abs)
	if err != nil {
		u.logger.Error("backup failed, activation aborted", "hash", hash, "target", abs, "error", err)
		return nil, &UpdateError{Kind: KindBackupFailed, Hash: hash, Target: abs, Cause: err}
	}
	u.logger.Info("target backed up", "target", abs, "backup", snap.Path, "existed", snap.TargetExisted)

	mode, err := u.swap(a, abs, snap)
	if err == nil {
		err = checkDigest(abs, expected)
	}
	if err != nil {
		return nil, u.rollback(ctx, hash, abs, snap, err)
	}

	res := &ActivationResult{
		Hash:         hash,
		Target:       abs,
		Backup:       *snap,
		Mode:         mode,
		DigestBefore: snap.Digest,
		DigestAfter:  expected,
		ActivatedAt:  u.now().UTC(),
	}
	u.logger.Info("artifact activated", "hash", hash, "target", abs, "mode", mode, "backup", snap.Path)
	u.publish(ctx, EventActivated, "artifact activated", map[string]string{
		"hash":   hash,
		"target": abs,
		"backup": snap.Path,
		"mode":   string(mode),
	})
	return res, nil
}

func (u *Updater) rollback(ctx context.Context, hash, target string, snap *BackupSnapshot, cause error) error {
	uerr := &UpdateError{
		Kind:   KindActivationFailed,
		Hash:   hash,
		Target: target,
		Backup: snap.Path,
		Cause:  cause,
	}
	if err := u.restore(snap, target); err != nil {
		uerr.Reason = "restore failed: " + err.Error()
		u.logger.Error("activation failed and restore failed",
			"hash", hash, "target", target, "backup", snap.Path, "error", cause, "restore_error", err)
	} else {
		uerr.RolledBack = true
		u.logger.Warn("activation failed, target restored from backup",
			"hash", hash, "target", target, "backup", snap.Path, "error", cause)
	}
	u.publish(ctx, EventActivationFailed, "activation failed", map[string]string{
		"hash":        hash,
		"target":      target,
		"backup":      snap.Path,
		"rolled_back": strconv.FormatBool(uerr.RolledBack),
		"error":       cause.Error(),
	})
	return uerr
}

// backup copies target into a fresh <backup_root>/<unix_ts>[-n] directory.
// A missing target is recorded as such and restores to absence.
func (u *Updater) backup(target string) (*BackupSnapshot, error) {
	ts := u.now()
	snap := &BackupSnapshot{Timestamp: ts.UTC(), SourceTarget: target}

	info, err := os.Stat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("stat target: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("target %s is not a directory", target)
	default:
		snap.TargetExisted = true
	}

	tmp, err := os.MkdirTemp(u.backupRoot, ".backup-*")
	if err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()

	if snap.TargetExisted {
		if err := fsutil.CopyTree(target, tmp); err != nil {
			return nil, fmt.Errorf("copy target: %w", err)
		}
	}

	copied, err := fsutil.TreeDigest(tmp)
	if err != nil {
		return nil, fmt.Errorf("digest backup: %w", err)
	}
	if snap.TargetExisted {
		if err := checkDigest(target, copied); err != nil {
			return nil, fmt.Errorf("backup does not match target: %w", err)
		}
	}
	snap.Digest = copied

	u.backupMu.Lock()
	defer u.backupMu.Unlock()

	base := strconv.FormatInt(ts.Unix(), 10)
	path := filepath.Join(u.backupRoot, base)
	for n := 1; fsutil.Exists(path); n++ {
		path = filepath.Join(u.backupRoot, base+"-"+strconv.Itoa(n))
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("commit backup: %w", err)
	}
	committed = true
	u.syncDir(u.backupRoot)
	snap.Path = path
	return snap, nil
}

// swap builds the payload next to target and commits it with a rename.
func (u *Updater) swap(a *artifact.Artifact, target string, snap *BackupSnapshot) (SwapMode, error) {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("create target parent: %w", err)
	}

	next, err := os.MkdirTemp(parent, "."+filepath.Base(target)+".aurora-new-*")
	if err != nil {
		u.logger.Warn("cannot build next to target, replacing in place", "target", target, "error", err)
		return u.replaceInPlace(a, target)
	}
	defer os.RemoveAll(next)

	if err := u.copyTree(a.PayloadPath, next); err != nil {
		return "", fmt.Errorf("build new tree: %w", err)
	}
	perm := fs.FileMode(0o755)
	if info, err := os.Stat(target); err == nil {
		perm = info.Mode().Perm()
	}
	if err := os.Chmod(next, perm); err != nil {
		return "", fmt.Errorf("chmod new tree: %w", err)
	}

	if !snap.TargetExisted {
		if err := u.rename(next, target); err != nil {
			return "", fmt.Errorf("commit rename: %w", err)
		}
		u.syncDir(parent)
		return SwapRename, nil
	}

	// After a successful exchange next holds the old tree and the deferred
	// RemoveAll discards it.
	err = u.exchange(next, target)
	switch {
	case err == nil:
		u.syncDir(parent)
		return SwapExchange, nil
	case errors.Is(err, errExchangeUnsupported):
	case renameBlocked(err):
		u.logger.Warn("target cannot be renamed, replacing in place", "target", target, "error", err)
		return u.replaceInPlace(a, target)
	default:
		return "", fmt.Errorf("exchange: %w", err)
	}

	old := strings.Replace(next, ".aurora-new-", ".aurora-old-", 1)
	if err := u.rename(target, old); err != nil {
		if renameBlocked(err) {
			u.logger.Warn("target cannot be renamed, replacing in place", "target", target, "error", err)
			return u.replaceInPlace(a, target)
		}
		return "", fmt.Errorf("move target aside: %w", err)
	}
	if err := u.rename(next, target); err != nil {
		if rerr := u.rename(old, target); rerr != nil {
			u.logger.Error("could not move old tree back", "target", target, "old", old, "error", rerr)
		}
		return "", fmt.Errorf("commit rename: %w", err)
	}
	if err := os.RemoveAll(old); err != nil {
		u.logger.Warn("failed to remove replaced tree", "path", old, "error", err)
	}
	u.syncDir(parent)
	return SwapRename, nil
}

// replaceInPlace is the non-atomic fallback: clear target, then copy. A crash
// midway leaves a partial tree; the backup taken beforehand is the recovery
// path.
func (u *Updater) replaceInPlace(a *artifact.Artifact, target string) (SwapMode, error) {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("create target: %w", err)
	}
	if err := fsutil.RemoveContents(target); err != nil {
		return "", fmt.Errorf("clear target: %w", err)
	}
	if err := u.copyTree(a.PayloadPath, target); err != nil {
		return "", fmt.Errorf("copy payload: %w", err)
	}
	return SwapInPlace, nil
}

// restore puts the backup back and checks the result against the digest
// recorded when the backup was taken.
func (u *Updater) restore(snap *BackupSnapshot, target string) error {
	if !snap.TargetExisted {
		return os.RemoveAll(target)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	if err := fsutil.RemoveContents(target); err != nil {
		return fmt.Errorf("clear target: %w", err)
	}
	if err := fsutil.CopyTree(snap.Path, target); err != nil {
		return fmt.Errorf("copy backup: %w", err)
	}
	return checkDigest(target, snap.Digest)
}

func checkDigest(dir, want string) error {
	got, err := fsutil.TreeDigest(dir)
	if err != nil {
		return fmt.Errorf("digest %s: %w", dir, err)
	}
	if got != want {
		return fmt.Errorf("digest mismatch for %s: got %s, want %s", dir, got, want)
	}
	return nil
}

// renameBlocked reports errors meaning the target itself cannot be renamed,
// such as a mount point or a path on another device.
func renameBlocked(err error) bool {
	return errors.Is(err, syscall.EXDEV) || errors.Is(err, syscall.EBUSY)
}

func (u *Updater) syncDir(dir string) {
	if err := fsutil.SyncDir(dir); err != nil {
		u.logger.Debug("directory sync failed", "dir", dir, "error", err)
	}
}
