// Package updater takes staged artifacts through verification and human
// approval to activation against a live target directory.
//
// Activation requires both gates: a valid signature and an approval record.
// Before anything is replaced the current target is copied to
// <backup_root>/<unix_ts>; the new tree is built beside the target and
// swapped in with a rename. If the swap fails the target is restored from
// the backup and the result reports whether the restore succeeded.
package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/approval"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/artifact"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/fsutil"
)

// Lifecycle event types reported by the updater
const (
	EventStaged            = "update.staged"
	EventVerified          = "update.verified"
	EventApprovalRequested = "update.approval_requested"
	EventApproved          = "update.approved"
	EventRejected          = "update.rejected"
	EventActivated         = "update.activated"
	EventActivationFailed  = "update.activation_failed"
)

// EventPublisher receives update lifecycle events
type EventPublisher interface {
	ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error
}

// Updater owns the staging, approval and activation flow.
type Updater struct {
	store      *artifact.Store
	gate       *approval.Gate
	verifier   Verifier
	backupRoot string
	publisher  EventPublisher
	logger     *slog.Logger
	now        func() time.Time

	locks    targetLocks
	backupMu sync.Mutex

	// filesystem seams
	exchange func(a, b string) error
	rename   func(oldpath, newpath string) error
	copyTree func(src, dst string) error
}

// Option configures an Updater
type Option func(*Updater)

// WithVerifier sets the signature verifier (default RejectAll)
func WithVerifier(v Verifier) Option {
	return func(u *Updater) {
		u.verifier = v
	}
}

// WithEventPublisher reports lifecycle events to p
func WithEventPublisher(p EventPublisher) Option {
	return func(u *Updater) {
		u.publisher = p
	}
}

// WithLogger sets the updater logger
func WithLogger(logger *slog.Logger) Option {
	return func(u *Updater) {
		u.logger = logger
	}
}

// New creates an Updater. backupRoot is created if missing.
func New(store *artifact.Store, gate *approval.Gate, backupRoot string, opts ...Option) (*Updater, error) {
	if store == nil || gate == nil {
		return nil, errors.New("updater: store and approval gate are required")
	}
	if backupRoot == "" {
		return nil, errors.New("updater: backup root is required")
	}
	root, err := filepath.Abs(backupRoot)
	if err != nil {
		return nil, fmt.Errorf("updater: resolve backup root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("updater: create backup root: %w", err)
	}

	u := &Updater{
		store:      store,
		gate:       gate,
		verifier:   RejectAll{},
		backupRoot: root,
		logger:     slog.Default(),
		now:        time.Now,
		locks:      targetLocks{held: make(map[string]*targetLock)},
		exchange:   exchangeDirs,
		rename:     os.Rename,
		copyTree:   fsutil.CopyTree,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With("component", "updater")
	return u, nil
}

// BackupRoot returns the directory holding backup snapshots
func (u *Updater) BackupRoot() string {
	return u.backupRoot
}

// Stage stores an artifact and its optional detached signature. Restaging
// the same bytes with a signature replaces a stored one that does not verify.
func (u *Updater) Stage(ctx context.Context, filename string, data, signature []byte) (*artifact.Artifact, error) {
	a, err := u.store.Stage(ctx, filename, data, signature)
	if err != nil {
		return nil, fmt.Errorf("stage artifact: %w", err)
	}
	if len(signature) > 0 && a.Signed() {
		if a, err = u.refreshSignature(ctx, a, signature); err != nil {
			return nil, fmt.Errorf("stage artifact: %w", err)
		}
	}
	u.publish(ctx, EventStaged, "artifact staged", map[string]string{
		"hash":     a.Hash,
		"artifact": a.OriginalFilename,
		"kind":     string(a.Kind),
		"signed":   fmt.Sprint(a.Signed()),
	})
	return a, nil
}

func (u *Updater) refreshSignature(ctx context.Context, a *artifact.Artifact, signature []byte) (*artifact.Artifact, error) {
	stored, _, err := u.store.ReadSignature(a.Hash)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(stored, signature) {
		return a, nil
	}
	if result := u.verifier.Verify(ctx, a); result.Valid {
		return a, nil
	}
	u.logger.Info("replacing stored signature that does not verify", "hash", a.Hash)
	return u.store.ReplaceSignature(a.Hash, signature)
}

// Verify checks the signature of a staged artifact. An invalid result is not
// an error; the artifact stays staged but cannot be activated.
func (u *Updater) Verify(ctx context.Context, hash string) (VerifyResult, error) {
	a, err := u.staged(hash)
	if err != nil {
		return VerifyResult{}, err
	}
	result := u.verify(ctx, a)
	u.publish(ctx, EventVerified, "artifact verified", map[string]string{
		"hash":   hash,
		"valid":  fmt.Sprint(result.Valid),
		"reason": result.Reason,
	})
	return result, nil
}

func (u *Updater) verify(ctx context.Context, a *artifact.Artifact) VerifyResult {
	if !a.Signed() {
		return invalid("artifact is not signed")
	}
	return u.verifier.Verify(ctx, a)
}

// RequestApproval writes a pending suggestion for a staged artifact.
func (u *Updater) RequestApproval(ctx context.Context, hash string, details map[string]string) (*approval.Suggestion, error) {
	if _, err := u.staged(hash); err != nil {
		return nil, err
	}
	s, err := u.gate.RequestApproval(hash, details)
	if err != nil {
		return nil, err
	}
	u.publish(ctx, EventApprovalRequested, "approval requested", map[string]string{
		"hash":       hash,
		"suggestion": s.Name,
	})
	return s, nil
}

// Approve records an approval. ref is a suggestion name or artifact hash;
// either way the artifact must be staged.
func (u *Updater) Approve(ctx context.Context, ref, token string) (*approval.Record, error) {
	hash, err := u.gate.ResolveHash(ref)
	if err != nil {
		return nil, &UpdateError{Kind: KindNotStaged, Hash: ref, Reason: "no matching suggestion or artifact", Cause: err}
	}
	if _, err := u.staged(hash); err != nil {
		return nil, err
	}
	rec, err := u.gate.Approve(ref, token)
	if err != nil {
		return nil, err
	}
	u.publish(ctx, EventApproved, "artifact approved", map[string]string{
		"hash":       hash,
		"approver":   rec.Approver,
		"suggestion": rec.Suggestion,
	})
	return rec, nil
}

// Reject declines a pending suggestion
func (u *Updater) Reject(ctx context.Context, name, reason string) error {
	s, err := u.gate.Get(name)
	if err != nil {
		return err
	}
	if err := u.gate.Reject(name, reason); err != nil {
		return err
	}
	u.publish(ctx, EventRejected, "suggestion rejected", map[string]string{
		"hash":       s.ArtifactHash,
		"suggestion": name,
		"reason":     reason,
	})
	return nil
}

// ListStaged returns every staged artifact hash
func (u *Updater) ListStaged() ([]string, error) {
	return u.store.List()
}

// Pending returns suggestions awaiting a decision
func (u *Updater) Pending() ([]approval.Suggestion, error) {
	return u.gate.Pending()
}

// Approved reports whether hash has an approval record
func (u *Updater) Approved(hash string) bool {
	_, ok := u.gate.Lookup(hash)
	return ok
}

func (u *Updater) staged(hash string) (*artifact.Artifact, error) {
	a, err := u.store.Get(hash)
	if err != nil {
		return nil, &UpdateError{Kind: KindNotStaged, Hash: hash, Cause: err}
	}
	return a, nil
}

func (u *Updater) publish(ctx context.Context, eventType, message string, metadata map[string]string) {
	if u.publisher == nil {
		return
	}
	if err := u.publisher.ReportLifecycleEvent(ctx, eventType, message, metadata); err != nil {
		u.logger.Warn("failed to publish update event", "event", eventType, "error", err)
	}
}

// resolveTarget makes target absolute and refuses paths that overlap the
// updater's own directories.
func (u *Updater) resolveTarget(target string) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", errors.New("target path is required")
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	if filepath.Dir(abs) == abs {
		return "", fmt.Errorf("refusing to replace filesystem root %s", abs)
	}
	staging, err := filepath.Abs(u.store.Root())
	if err != nil {
		return "", err
	}
	for _, reserved := range []string{u.backupRoot, staging} {
		if within(abs, reserved) || within(reserved, abs) {
			return "", fmt.Errorf("target %s overlaps %s", abs, reserved)
		}
	}
	return abs, nil
}

// within reports whether path is dir or below it
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && filepath.IsLocal(rel)
}

type targetLock struct {
	sync.Mutex
	refs int
}

// targetLocks serializes activations per target path
type targetLocks struct {
	mu   sync.Mutex
	held map[string]*targetLock
}

func (l *targetLocks) lock(key string) func() {
	l.mu.Lock()
	tl, ok := l.held[key]
	if !ok {
		tl = &targetLock{}
		l.held[key] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.Lock()
	return func() {
		tl.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.held, key)
		}
		l.mu.Unlock()
	}
}
