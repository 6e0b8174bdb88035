package updater

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/approval"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/artifact"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/fsutil"
)

type fixture struct {
	u      *Updater
	signer *Signer
	root   string
	events *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := artifact.NewStore(filepath.Join(root, "staging"), artifact.WithLogger(logger))
	require.NoError(t, err)
	gate, err := approval.NewGate(filepath.Join(root, "suggestions"), approval.WithLogger(logger))
	require.NoError(t, err)

	signer, _ := newTestSigner(t)
	verifier, err := NewEd25519Verifier(signer)
	require.NoError(t, err)

	events := &recordingPublisher{}
	u, err := New(store, gate, filepath.Join(root, "backups"),
		WithVerifier(verifier),
		WithEventPublisher(events),
		WithLogger(logger))
	require.NoError(t, err)

	return &fixture{u: u, signer: signer, root: root, events: events}
}

// stage packs files into a tar and stages it, signed unless sign is false
func (f *fixture) stage(t *testing.T, files map[string]string, sign bool) *artifact.Artifact {
	t.Helper()
	data := tarOf(t, files)
	var sig []byte
	if sign {
		s, err := f.signer.Sign(data)
		require.NoError(t, err)
		sig = []byte(s)
	}
	a, err := f.u.Stage(context.Background(), "release.tar", data, sig)
	require.NoError(t, err)
	return a
}

func (f *fixture) approve(t *testing.T, hash string) {
	t.Helper()
	_, err := f.u.Approve(context.Background(), hash, "alice:ok")
	require.NoError(t, err)
}

func (f *fixture) target(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(f.root, "live", "app")
	writeTree(t, dir, files)
	return dir
}

func tarOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
}

func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) ReportLifecycleEvent(_ context.Context, eventType, _ string, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

var original = map[string]string{"a.txt": "alpha", "b.txt": "bravo"}

func TestActivate_ReplacesTargetAndKeepsBackup(t *testing.T) {
	f := newFixture(t)
	a := f.stage(t, map[string]string{"app.bin": "v2", "conf/app.yaml": "port: 80"}, true)
	f.approve(t, a.Hash)
	target := f.target(t, original)

	res, err := f.u.Activate(context.Background(), a.Hash, target)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"app.bin": "v2", "conf/app.yaml": "port: 80"}, readTree(t, target))
	assert.Equal(t, original, readTree(t, res.Backup.Path))
	assert.True(t, res.Backup.TargetExisted)
	assert.Equal(t, f.u.BackupRoot(), filepath.Dir(res.Backup.Path))
	assert.NotEqual(t, res.DigestBefore, res.DigestAfter)
	assert.Contains(t, []SwapMode{SwapExchange, SwapRename}, res.Mode)

	// No build or old trees left next to the target
	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "app", entries[0].Name())

	assert.Contains(t, f.events.types(), EventActivated)
}

func TestActivate_NotApprovedLeavesTargetUnchanged(t *testing.T) {
	f := newFixture(t)
	a := f.stage(t, map[string]string{"app.bin": "v2"}, true)
	target := f.target(t, original)
	before, err := fsutil.TreeDigest(target)
	require.NoError(t, err)

	_, err = f.u.Activate(context.Background(), a.Hash, target)
	require.ErrorIs(t, err, ErrNotApproved)

	after, err := fsutil.TreeDigest(target)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	backups, err := os.ReadDir(f.u.BackupRoot())
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestActivate_StagingCheckedBeforeApproval(t *testing.T) {
	f := newFixture(t)
	target := f.target(t, original)

	_, err := f.u.Activate(context.Background(), artifact.HashBytes([]byte("never staged")), target)
	assert.ErrorIs(t, err, ErrNotStaged)

	// Approved, then removed from staging
	a := f.stage(t, map[string]string{"app.bin": "v2"}, true)
	f.approve(t, a.Hash)
	require.NoError(t, os.RemoveAll(a.StagedPath))

	_, err = f.u.Activate(context.Background(), a.Hash, target)
	assert.ErrorIs(t, err, ErrNotStaged)
	assert.Equal(t, original, readTree(t, target))
}

func TestActivate_TamperedPayloadFailsVerification(t *testing.T) {
	f := newFixture(t)
	a := f.stage(t, map[string]string{"app.bin": "v2"}, true)
	f.approve(t, a.Hash)
	target := f.target(t, original)

	require.NoError(t, os.WriteFile(filepath.Join(a.PayloadPath, "backdoor.sh"), []byte("#!/bin/sh\n"), 0o755))

	_, err := f.u.Activate(context.Background(), a.Hash, target)
	require.ErrorIs(t, err, ErrVerificationFailed)
	var uerr *UpdateError
	require.ErrorAs(t, err, &uerr)
	assert.Contains(t, uerr.Reason, "does not match")

	assert.Equal(t, original, readTree(t, target))
	backups, err := os.ReadDir(f.u.BackupRoot())
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestStage_ValidSignatureReplacesInvalidOne(t *testing.T) {
	f := newFixture(t)
	data := tarOf(t, map[string]string{"app.bin": "v2"})

	a, err := f.u.Stage(context.Background(), "release.tar", data, []byte("not a signature"))
	require.NoError(t, err)
	result, err := f.u.Verify(context.Background(), a.Hash)
	require.NoError(t, err)
	require.False(t, result.Valid)

	sig, err := f.signer.Sign(data)
	require.NoError(t, err)
	_, err = f.u.Stage(context.Background(), "release.tar", data, []byte(sig))
	require.NoError(t, err)

	result, err = f.u.Verify(context.Background(), a.Hash)
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Reason)

	// A valid signature is not displaced by a later bad one
	_, err = f.u.Stage(context.Background(), "release.tar", data, []byte("garbage"))
	require.NoError(t, err)
	result, err = f.u.Verify(context.Background(), a.Hash)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestActivate_UnsignedArtifactNeverActivates(t *testing.T) {
	f := newFixture(t)
	a := f.stage(t, map[string]string{"app.bin": "v2"}, false)

	result, err := f.u.Verify(context.Background(), a.Hash)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Reason)

	// approval does not bypass verification
	f.approve(t, a.Hash)
	target := f.target(t, original)

	_, err = f.u.Activate(context.Background(), a.Hash, target)
	require.ErrorIs(t, err, ErrVerificationFailed)
	assert.Equal(t, KindVerificationFailed, KindOf(err))
	assert.Equal(t, original, readTree(t, target))
}

func TestActivate_BadSignature(t *testing.T) {
	f := newFixture(t)
	data := tarOf(t, map[string]string{"app.bin": "v2"})
	other, _ := newTestSigner(t)
	sig, err := other.Sign(data)
	require.NoError(t, err)
	a, err := f.u.Stage(context.Background(), "release.tar", data, []byte(sig))
	require.NoError(t, err)

	result, err := f.u.Verify(context.Background(), a.Hash)
	require.NoError(t, err)
	assert.False(t, result.Valid)

	f.approve(t, a.Hash)
	_, err = f.u.Activate(context.Background(), a.Hash, f.target(t, original))
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestActivate_RejectAllByDefault(t *testing.T) {
	f := newFixture(t)
	f.u.verifier = RejectAll{}
	a := f.stage(t, map[string]string{"app.bin": "v2"}, true)
	f.approve(t, a.Hash)

	_, err := f.u.Activate(context.Background(), a.Hash, f.target(t, original))
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestActivate_RollsBackFailedSwap(t *testing.T) {
	f := newFixture(t)
	a := f.stage(t, map[string]string{"app.bin": "v2"}, true)
	f.approve(t, a.Hash)
	target := f.target(t, original)
	before, err := fsutil.TreeDigest(target)
	require.NoError(t, err)

	f.u.exchange = func(string, string) error {
		return errors.New("device went away")
	}

	_, err = f.u.Activate(context.Background(), a.Hash, target)
	require.ErrorIs(t, err, ErrActivationFailed)

	var uerr *UpdateError
	require.ErrorAs(t, err, &uerr)
	assert.True(t, uerr.RolledBack)
	assert.NotEmpty(t, uerr.Backup)
	assert.Contains(t, err.Error(), "device went away")

	after, err := fsutil.TreeDigest(target)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Contains(t, f.events.types(), EventActivationFailed)
}

func TestActivate_RollsBackPartialInPlaceCopy(t *testing.T) {
	f := newFixture(t)
	a := f.stage(t, map[string]string{"app.bin": "v2", "lib/x.so": "x"}, true)
	f.approve(t, a.Hash)
	target := f.target(t, original)

	// Target is a mount point: it cannot be renamed, so the update falls back
	// to copying in place, and that copy dies halfway.
	f.u.exchange = func(string, string) error { return errExchangeUnsupported }
	f.u.rename = func(oldpath, newpath string) error {
		if oldpath == target {
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EBUSY}
		}
		return os.Rename(oldpath, newpath)
	}
	f.u.copyTree = func(src, dst string) error {
		if dst == target {
			require.NoError(t, os.WriteFile(filepath.Join(dst, "app.bin"), []byte("v"), 0o644))
			return errors.New("no space left on device")
		}
		return fsutil.CopyTree(src, dst)
	}

	_, err := f.u.Activate(context.Background(), a.Hash, target)
	require.ErrorIs(t, err, ErrActivationFailed)
	var uerr *UpdateError
	require.ErrorAs(t, err, &uerr)
	assert.True(t, uerr.RolledBack)
	assert.Equal(t, original, readTree(t, target))
}

func TestActivate_InPlaceFallback(t *testing.T) {
	f := newFixture(t)
	a := f.stage(t, map[string]string{"app.bin": "v2"}, true)
	f.approve(t, a.Hash)
	target := f.target(t, original)

	f.u.exchange = func(string, string) error { return errExchangeUnsupported }
	f.u.rename = func(oldpath, newpath string) error {
		if oldpath == target {
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
		}
		return os.Rename(oldpath, newpath)
	}

	res, err := f.u.Activate(context.Background(), a.Hash, target)
	require.NoError(t, err)
	assert.Equal(t, SwapInPlace, res.Mode)
	assert.Equal(t, map[string]string{"app.bin": "v2"}, readTree(t, target))
}

func TestActivate_TwoStepRename(t *testing.T) {
	f := newFixture(t)
	a := f.stage(t, map[string]string{"app.bin": "v2"}, true)
	f.approve(t, a.Hash)
	target := f.target(t, original)
	f.u.exchange = func(string, string) error { return errExchangeUnsupported }

	res, err := f.u.Activate(context.Background(), a.Hash, target)
	require.NoError(t, err)
	assert.Equal(t, SwapRename, res.Mode)
	assert.Equal(t, map[string]string{"app.bin": "v2"}, readTree(t, target))

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestActivate_MissingTarget(t *testing.T) {
	f := newFixture(t)
	a := f.stage(t, map[string]string{"app.bin": "v1"}, true)
	f.approve(t, a.Hash)
	target := filepath.Join(f.root, "fresh", "app")

	res, err := f.u.Activate(context.Background(), a.Hash, target)
	require.NoError(t, err)
	assert.False(t, res.Backup.TargetExisted)
	assert.Equal(t, map[string]string{"app.bin": "v1"}, readTree(t, target))
}

func TestActivate_MissingTargetRollbackRemovesIt(t *testing.T) {
	f := newFixture(t)
	a := f.stage(t, map[string]string{"app.bin": "v1"}, true)
	f.approve(t, a.Hash)
	target := filepath.Join(f.root, "fresh", "app")

	f.u.rename = func(oldpath, newpath string) error {
		return errors.New("read-only file system")
	}

	_, err := f.u.Activate(context.Background(), a.Hash, target)
	require.ErrorIs(t, err, ErrActivationFailed)
	assert.False(t, fsutil.Exists(target))
}

func TestActivate_RejectsUnsafeTargets(t *testing.T) {
	f := newFixture(t)
	a := f.stage(t, map[string]string{"app.bin": "v2"}, true)
	f.approve(t, a.Hash)

	for _, target := range []string{"", "/", f.u.BackupRoot(), filepath.Join(f.root, "staging", "x"), f.root} {
		_, err := f.u.Activate(context.Background(), a.Hash, target)
		assert.ErrorIs(t, err, ErrBackupFailed, "target %q", target)
	}

	file := filepath.Join(f.root, "plain-file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err := f.u.Activate(context.Background(), a.Hash, file)
	assert.ErrorIs(t, err, ErrBackupFailed)
	assert.True(t, fsutil.Exists(file))
}

func TestActivate_SerializesSameTarget(t *testing.T) {
	f := newFixture(t)
	fixed := time.Unix(1_700_000_000, 0)
	f.u.now = func() time.Time { return fixed }

	first := f.stage(t, map[string]string{"app.bin": "one"}, true)
	second := f.stage(t, map[string]string{"app.bin": "two"}, true)
	f.approve(t, first.Hash)
	f.approve(t, second.Hash)
	target := f.target(t, original)

	var wg sync.WaitGroup
	results := make([]*ActivationResult, 2)
	errs := make([]error, 2)
	for i, hash := range []string{first.Hash, second.Hash} {
		wg.Add(1)
		go func(i int, hash string) {
			defer wg.Done()
			results[i], errs[i] = f.u.Activate(context.Background(), hash, target)
		}(i, hash)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	got := readTree(t, target)["app.bin"]
	assert.Contains(t, []string{"one", "two"}, got)

	// Same second, distinct backup directories
	paths := []string{results[0].Backup.Path, results[1].Backup.Path}
	sort.Strings(paths)
	assert.Equal(t, []string{
		filepath.Join(f.u.BackupRoot(), "1700000000"),
		filepath.Join(f.u.BackupRoot(), "1700000000-1"),
	}, paths)

	// The later activation backed up what the earlier one installed
	var later *ActivationResult
	for _, r := range results {
		if readTree(t, r.Backup.Path)["app.bin"] != "" {
			later = r
		}
	}
	require.NotNil(t, later)
	assert.Equal(t, got, map[string]string{first.Hash: "one", second.Hash: "two"}[later.Hash])
}

func TestApprove_RequiresStagedArtifact(t *testing.T) {
	f := newFixture(t)
	missing := artifact.HashBytes([]byte("never staged"))

	_, err := f.u.Approve(context.Background(), missing, "alice:ok")
	assert.ErrorIs(t, err, ErrNotStaged)

	_, err = f.u.Approve(context.Background(), "no-such-suggestion", "alice:ok")
	assert.ErrorIs(t, err, ErrNotStaged)

	_, err = f.u.RequestApproval(context.Background(), missing, nil)
	assert.ErrorIs(t, err, ErrNotStaged)

	_, err = f.u.Verify(context.Background(), missing)
	assert.ErrorIs(t, err, ErrNotStaged)
}

func TestApprove_ThroughSuggestion(t *testing.T) {
	f := newFixture(t)
	a := f.stage(t, map[string]string{"app.bin": "v2"}, true)

	s, err := f.u.RequestApproval(context.Background(), a.Hash, map[string]string{"reason": "nightly"})
	require.NoError(t, err)

	pending, err := f.u.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, s.Name, pending[0].Name)
	assert.False(t, f.u.Approved(a.Hash))

	rec, err := f.u.Approve(context.Background(), s.Name, "bob:ok")
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.Approver)
	assert.True(t, f.u.Approved(a.Hash))

	pending, err = f.u.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	staged, err := f.u.ListStaged()
	require.NoError(t, err)
	assert.Equal(t, []string{a.Hash}, staged)

	assert.Equal(t, []string{EventStaged, EventApprovalRequested, EventApproved}, f.events.types())
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	a := f.stage(t, map[string]string{"app.bin": "v2"}, true)

	s, err := f.u.RequestApproval(context.Background(), a.Hash, nil)
	require.NoError(t, err)
	require.NoError(t, f.u.Reject(context.Background(), s.Name, "not tonight"))

	_, err = f.u.Approve(context.Background(), s.Name, "bob:ok")
	assert.ErrorIs(t, err, approval.ErrRejected)
	assert.False(t, f.u.Approved(a.Hash))

	assert.ErrorIs(t, f.u.Reject(context.Background(), "missing", ""), approval.ErrSuggestionNotFound)
	assert.Equal(t, []string{EventStaged, EventApprovalRequested, EventRejected}, f.events.types())
}

func TestUpdateError(t *testing.T) {
	err := error(&UpdateError{Kind: KindActivationFailed, Hash: "abc", Target: "/srv/app", RolledBack: true, Cause: io.ErrUnexpectedEOF})

	assert.ErrorIs(t, err, ErrActivationFailed)
	assert.NotErrorIs(t, err, ErrBackupFailed)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, KindActivationFailed, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "rolled back")
	assert.Contains(t, err.Error(), "/srv/app")
}
