// Package approval records human sign-off for staged artifacts.
//
// A pending request is a JSON file <root>/<name>. Deciding on it writes a
// sibling <name>.approved or <name>.rejected marker, and every approval is
// also indexed by artifact hash under <root>/approvals/<hash>.json, which is
// what the updater consults before activation.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/fsutil"
)

const (
	approvedSuffix = ".approved"
	rejectedSuffix = ".rejected"
	indexDirName   = "approvals"
)

var (
	// ErrSuggestionNotFound is returned for unknown suggestion names
	ErrSuggestionNotFound = errors.New("suggestion not found")
	// ErrRejected is returned when approving a rejected suggestion
	ErrRejected = errors.New("suggestion was rejected")
	// ErrInvalidRef is returned for references that are neither a suggestion
	// name nor an artifact hash
	ErrInvalidRef = errors.New("invalid approval reference")
)

// Status of a suggestion
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Suggestion is a pending request for approval.
type Suggestion struct {
	Name         string            `json:"name"`
	ArtifactHash string            `json:"artifact_hash"`
	Context      map[string]string `json:"context,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Status       Status            `json:"status"`
}

// Record is the proof of approval for one artifact hash. The approver
// token itself is never written; ApproverToken holds its fingerprint.
type Record struct {
	ArtifactHash  string    `json:"artifact_hash"`
	Approver      string    `json:"approver"`
	ApproverToken string    `json:"approver_token"`
	ApprovedAt    time.Time `json:"approved_at"`
	Suggestion    string    `json:"suggestion,omitempty"`
}

type rejection struct {
	Reason     string    `json:"reason,omitempty"`
	RejectedAt time.Time `json:"rejected_at"`
}

// Gate stores suggestions and approvals under one root directory.
type Gate struct {
	root      string
	validator TokenValidator
	logger    *slog.Logger
	now       func() time.Time

	// serializes decisions so approve and reject never interleave
	mu sync.Mutex
}

// Option configures a Gate
type Option func(*Gate)

// WithValidator sets the token validator (default NonEmptyToken)
func WithValidator(v TokenValidator) Option {
	return func(g *Gate) {
		g.validator = v
	}
}

// WithLogger sets the gate logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate creates the suggestions root and its approval index.
func NewGate(root string, opts ...Option) (*Gate, error) {
	if root == "" {
		return nil, errors.New("suggestions root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, indexDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create suggestions root: %w", err)
	}
	g := &Gate{
		root:      root,
		validator: NonEmptyToken{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "approval-gate")
	return g, nil
}

// Root returns the suggestions directory
func (g *Gate) Root() string {
	return g.root
}

// RequestApproval writes a pending suggestion for hash. The caller is
// responsible for checking that hash is staged.
func (g *Gate) RequestApproval(hash string, context map[string]string) (*Suggestion, error) {
	if !looksLikeHash(hash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, hash)
	}

	s := &Suggestion{
		Name:         hash[:12] + "-" + uuid.NewString()[:8],
		ArtifactHash: hash,
		Context:      context,
		CreatedAt:    g.now().UTC(),
		Status:       StatusPending,
	}
	if err := writeJSON(filepath.Join(g.root, s.Name), s); err != nil {
		return nil, fmt.Errorf("write suggestion: %w", err)
	}

	g.logger.Info("approval requested", "suggestion", s.Name, "hash", hash)
	return s, nil
}

// Approve validates token and records an approval. ref is a suggestion name
// or an artifact hash.
func (g *Gate) Approve(ref, token string) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	hash, suggestion, err := g.resolve(ref)
	if err != nil {
		return nil, err
	}
	if suggestion != nil && suggestion.Status == StatusRejected {
		return nil, fmt.Errorf("%w: %s", ErrRejected, suggestion.Name)
	}

	approver, err := g.validator.Validate(hash, token)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ArtifactHash:  hash,
		Approver:      approver,
		ApproverToken: fingerprint(token),
		ApprovedAt:    g.now().UTC(),
	}
	if suggestion != nil {
		rec.Suggestion = suggestion.Name
		if err := writeJSON(filepath.Join(g.root, suggestion.Name+approvedSuffix), rec); err != nil {
			return nil, fmt.Errorf("write approval marker: %w", err)
		}
	}
	if err := writeJSON(g.indexPath(hash), rec); err != nil {
		return nil, fmt.Errorf("write approval record: %w", err)
	}

	g.logger.Info("artifact approved",
		"hash", hash,
		"approver", approver,
		"suggestion", rec.Suggestion)
	return rec, nil
}

// Reject marks a pending suggestion as rejected. Approvals recorded earlier
// for the same hash are not revoked.
func (g *Gate) Reject(name, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, err := g.Get(name)
	if err != nil {
		return err
	}
	if s.Status == StatusApproved {
		return fmt.Errorf("suggestion %s is already approved", name)
	}

	r := rejection{Reason: reason, RejectedAt: g.now().UTC()}
	if err := writeJSON(filepath.Join(g.root, name+rejectedSuffix), r); err != nil {
		return fmt.Errorf("write rejection marker: %w", err)
	}
	g.logger.Info("suggestion rejected", "suggestion", name, "hash", s.ArtifactHash, "reason", reason)
	return nil
}

// Lookup returns the approval for hash. Unreadable records count as absent.
func (g *Gate) Lookup(hash string) (*Record, bool) {
	if !looksLikeHash(hash) {
		return nil, false
	}
	data, err := os.ReadFile(g.indexPath(hash))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			g.logger.Warn("approval record unreadable", "hash", hash, "error", err)
		}
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || rec.ArtifactHash != hash {
		g.logger.Warn("approval record invalid", "hash", hash, "error", err)
		return nil, false
	}
	return &rec, true
}

// Get loads one suggestion with its current status
func (g *Gate) Get(name string) (*Suggestion, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrSuggestionNotFound, name)
	}
	data, err := os.ReadFile(filepath.Join(g.root, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSuggestionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read suggestion: %w", err)
	}

	var s Suggestion
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode suggestion %s: %w", name, err)
	}
	s.Name = name
	switch {
	case fsutil.Exists(filepath.Join(g.root, name+approvedSuffix)):
		s.Status = StatusApproved
	case fsutil.Exists(filepath.Join(g.root, name+rejectedSuffix)):
		s.Status = StatusRejected
	default:
		s.Status = StatusPending
	}
	return &s, nil
}

// List returns every suggestion, oldest first
func (g *Gate) List() ([]Suggestion, error) {
	entries, err := os.ReadDir(g.root)
	if err != nil {
		return nil, fmt.Errorf("read suggestions root: %w", err)
	}

	out := make([]Suggestion, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !validName(e.Name()) {
			continue
		}
		s, err := g.Get(e.Name())
		if err != nil {
			g.logger.Warn("skipping unreadable suggestion", "suggestion", e.Name(), "error", err)
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Pending returns suggestions awaiting a decision
func (g *Gate) Pending() ([]Suggestion, error) {
	all, err := g.List()
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, s := range all {
		if s.Status == StatusPending {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

// ResolveHash maps a suggestion name or hash to the artifact hash
func (g *Gate) ResolveHash(ref string) (string, error) {
	hash, _, err := g.resolve(ref)
	return hash, err
}

func (g *Gate) resolve(ref string) (string, *Suggestion, error) {
	ref = strings.TrimSpace(ref)
	if validName(ref) && fsutil.Exists(filepath.Join(g.root, ref)) {
		s, err := g.Get(ref)
		if err != nil {
			return "", nil, err
		}
		return s.ArtifactHash, s, nil
	}
	if looksLikeHash(ref) {
		return ref, nil, nil
	}
	return "", nil, fmt.Errorf("%w: %q", ErrSuggestionNotFound, ref)
}

func (g *Gate) indexPath(hash string) string {
	return filepath.Join(g.root, indexDirName, hash+".json")
}

// validName accepts plain file names that are not decision markers
func validName(name string) bool {
	if name == "" || name == indexDirName || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return !strings.HasSuffix(name, approvedSuffix) && !strings.HasSuffix(name, rejectedSuffix)
}

// looksLikeHash accepts lowercase hex sha-256 strings
func looksLikeHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644)
}
