// Package artifact is the content-addressed staging area for update artifacts.
//
// Each artifact lives under <root>/<sha256>/:
//
//	artifact.bin   the bytes as received
//	artifact.sig   detached signature, when one was supplied
//	payload/       extracted tree (tar, tar.gz, tar.zst) or the single file
//	meta.json      {artifact, hash, staged_at, signature, ...}
//
// Staging the same bytes twice resolves to the same directory.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/fsutil"
)

const (
	BlobFileName      = "artifact.bin"
	SignatureFileName = "artifact.sig"
	MetaFileName      = "meta.json"
	PayloadDirName    = "payload"
)

var (
	// ErrNotFound is returned for hashes with no staging directory
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidHash is returned for strings that are not a hex sha-256
	ErrInvalidHash = errors.New("invalid artifact hash")
	// ErrPayloadMismatch is returned when payload/ no longer matches the
	// staged bytes
	ErrPayloadMismatch = errors.New("staged payload does not match artifact")
)

// Artifact describes one staged artifact. It is immutable after staging
// apart from a signature added later.
type Artifact struct {
	Hash             string    `json:"hash"`
	OriginalFilename string    `json:"original_filename"`
	Kind             Kind      `json:"kind"`
	Size             int64     `json:"size"`
	SignaturePath    string    `json:"signature_path,omitempty"`
	StagedPath       string    `json:"staged_path"`
	PayloadPath      string    `json:"payload_path"`
	ReceivedAt       time.Time `json:"received_at"`
}

// Signed reports whether a signature file is present
func (a *Artifact) Signed() bool {
	return a.SignaturePath != ""
}

// BlobPath is the path of the raw bytes
func (a *Artifact) BlobPath() string {
	return filepath.Join(a.StagedPath, BlobFileName)
}

// meta is the on-disk record in meta.json
type meta struct {
	Artifact  string    `json:"artifact"`
	Hash      string    `json:"hash"`
	StagedAt  time.Time `json:"staged_at"`
	Signature string    `json:"signature,omitempty"`
	Kind      Kind      `json:"kind"`
	Size      int64     `json:"size"`
}

// Store stages artifacts under a root directory.
type Store struct {
	root   string
	mirror Mirror
	logger *slog.Logger
	now    func() time.Time

	// serializes signature updates on existing artifacts
	mu sync.Mutex
}

// Option configures a Store
type Option func(*Store)

// WithMirror copies newly staged bytes off host. Mirror failures are logged
// and never fail staging.
func WithMirror(m Mirror) Option {
	return func(s *Store) {
		s.mirror = m
	}
}

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates the staging root if needed.
func NewStore(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("staging root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	s := &Store{
		root:   root,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "artifact-store")
	return s, nil
}

// Root returns the staging root
func (s *Store) Root() string {
	return s.root
}

// HashBytes returns the hex sha-256 used as the artifact identity
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether hash is a lowercase hex sha-256
func ValidHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// Stage stores data under its content hash. If the hash is already staged
// the existing artifact is returned unchanged, except that signature is
// recorded when the existing one has none.
func (s *Store) Stage(ctx context.Context, filename string, data, signature []byte) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if filename == "" {
		filename = BlobFileName
	}
	hash := HashBytes(data)
	dir := s.dir(hash)

	if fsutil.Exists(filepath.Join(dir, MetaFileName)) {
		s.logger.Debug("artifact already staged", "hash", hash)
		return s.attachSignature(hash, signature)
	}

	tmp, err := os.MkdirTemp(s.root, ".stage-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	if err := os.Chmod(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("chmod staging dir: %w", err)
	}

	kind := DetectKind(filename, data)
	if err := s.build(ctx, tmp, filename, kind, data, signature); err != nil {
		return nil, err
	}

	if err := os.Rename(tmp, dir); err != nil {
		// A concurrent stage of the same bytes won the rename
		if fsutil.Exists(filepath.Join(dir, MetaFileName)) {
			return s.attachSignature(hash, signature)
		}
		return nil, fmt.Errorf("commit staging dir: %w", err)
	}
	if err := fsutil.SyncDir(s.root); err != nil {
		s.logger.Debug("sync staging root failed", "error", err)
	}

	s.logger.Info("artifact staged",
		"hash", hash,
		"artifact", filename,
		"kind", kind,
		"size", len(data),
		"signed", len(signature) > 0)

	if s.mirror != nil {
		if err := s.mirror.Put(ctx, hash+"/"+BlobFileName, data); err != nil {
			s.logger.Warn("artifact mirror failed", "hash", hash, "error", err)
		}
	}

	return s.Get(hash)
}

func (s *Store) build(ctx context.Context, dir, filename string, kind Kind, data, signature []byte) error {
	if err := os.WriteFile(filepath.Join(dir, BlobFileName), data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}

	payload := filepath.Join(dir, PayloadDirName)
	if err := os.Mkdir(payload, 0o755); err != nil {
		return fmt.Errorf("create payload dir: %w", err)
	}
	if err := Extract(ctx, kind, filename, data, payload); err != nil {
		return fmt.Errorf("extract payload: %w", err)
	}

	m := meta{
		Artifact: filepath.Base(filename),
		Hash:     HashBytes(data),
		StagedAt: s.now().UTC(),
		Kind:     kind,
		Size:     int64(len(data)),
	}
	if len(signature) > 0 {
		if err := os.WriteFile(filepath.Join(dir, SignatureFileName), signature, 0o644); err != nil {
			return fmt.Errorf("write signature: %w", err)
		}
		m.Signature = SignatureFileName
	}
	return writeMeta(dir, m)
}

func (s *Store) attachSignature(hash string, signature []byte) (*Artifact, error) {
	return s.writeSignature(hash, signature, false)
}

func (s *Store) writeSignature(hash string, signature []byte, replace bool) (*Artifact, error) {
	if len(signature) == 0 {
		return s.Get(hash)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.dir(hash)
	m, err := readMeta(dir)
	if err != nil {
		return nil, err
	}
	if m.Signature != "" && !replace {
		return s.Get(hash)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, SignatureFileName), signature, 0o644); err != nil {
		return nil, fmt.Errorf("write signature: %w", err)
	}
	if m.Signature != SignatureFileName {
		m.Signature = SignatureFileName
		if err := writeMeta(dir, *m); err != nil {
			return nil, err
		}
	}
	s.logger.Info("signature recorded for staged artifact", "hash", hash, "replaced", replace)
	return s.Get(hash)
}

// AddSignature records a detached signature for an already staged artifact.
// An existing signature is kept.
func (s *Store) AddSignature(hash string, signature []byte) (*Artifact, error) {
	if err := s.checkSignable(hash, signature); err != nil {
		return nil, err
	}
	return s.writeSignature(hash, signature, false)
}

// ReplaceSignature overwrites the detached signature of a staged artifact.
func (s *Store) ReplaceSignature(hash string, signature []byte) (*Artifact, error) {
	if err := s.checkSignable(hash, signature); err != nil {
		return nil, err
	}
	return s.writeSignature(hash, signature, true)
}

func (s *Store) checkSignable(hash string, signature []byte) error {
	if !ValidHash(hash) {
		return ErrInvalidHash
	}
	if !s.Exists(hash) {
		return fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if len(signature) == 0 {
		return errors.New("empty signature")
	}
	return nil
}

// CheckPayload re-extracts the staged bytes into a scratch directory and
// compares the result with payload/. It returns the payload tree digest, or
// ErrPayloadMismatch when the blob no longer hashes to hash or payload/ was
// changed after staging.
func (s *Store) CheckPayload(ctx context.Context, hash string) (string, error) {
	a, err := s.Get(hash)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(a.BlobPath())
	if err != nil {
		return "", fmt.Errorf("read staged bytes: %w", err)
	}
	if HashBytes(data) != hash {
		return "", fmt.Errorf("%w: %s no longer hashes to its name", ErrPayloadMismatch, BlobFileName)
	}

	scratch, err := os.MkdirTemp(s.root, ".check-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := Extract(ctx, a.Kind, a.OriginalFilename, data, scratch); err != nil {
		return "", fmt.Errorf("re-extract %s: %w", hash, err)
	}
	want, err := fsutil.TreeDigest(scratch)
	if err != nil {
		return "", fmt.Errorf("digest scratch payload: %w", err)
	}
	got, err := fsutil.TreeDigest(a.PayloadPath)
	if err != nil {
		return "", fmt.Errorf("digest payload: %w", err)
	}
	if got != want {
		return "", fmt.Errorf("%w: %s differs from %s", ErrPayloadMismatch, PayloadDirName, BlobFileName)
	}
	return got, nil
}

// Get loads a staged artifact
func (s *Store) Get(hash string) (*Artifact, error) {
	if !ValidHash(hash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	dir := s.dir(hash)
	m, err := readMeta(dir)
	if err != nil {
		return nil, err
	}

	a := &Artifact{
		Hash:             m.Hash,
		OriginalFilename: m.Artifact,
		Kind:             m.Kind,
		Size:             m.Size,
		StagedPath:       dir,
		PayloadPath:      filepath.Join(dir, PayloadDirName),
		ReceivedAt:       m.StagedAt,
	}
	if m.Signature != "" {
		a.SignaturePath = filepath.Join(dir, m.Signature)
	}
	return a, nil
}

// Exists reports whether hash is staged
func (s *Store) Exists(hash string) bool {
	return ValidHash(hash) && fsutil.Exists(filepath.Join(s.dir(hash), MetaFileName))
}

// List returns staged hashes in sorted order
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read staging root: %w", err)
	}

	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !ValidHash(e.Name()) {
			continue
		}
		if fsutil.Exists(filepath.Join(s.root, e.Name(), MetaFileName)) {
			hashes = append(hashes, e.Name())
		}
	}
	sort.Strings(hashes)
	return hashes, nil
}

// ReadBytes returns the staged bytes
func (s *Store) ReadBytes(hash string) ([]byte, error) {
	if !s.Exists(hash) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return os.ReadFile(filepath.Join(s.dir(hash), BlobFileName))
}

// ReadSignature returns the detached signature, if any
func (s *Store) ReadSignature(hash string) ([]byte, bool, error) {
	a, err := s.Get(hash)
	if err != nil {
		return nil, false, err
	}
	if !a.Signed() {
		return nil, false, nil
	}
	sig, err := os.ReadFile(a.SignaturePath)
	if err != nil {
		return nil, false, fmt.Errorf("read signature: %w", err)
	}
	return sig, true, nil
}

func (s *Store) dir(hash string) string {
	return filepath.Join(s.root, hash)
}

func readMeta(dir string) (*meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(dir))
	}
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode meta for %s: %w", filepath.Base(dir), err)
	}
	return &m, nil
}

func writeMeta(dir string, m meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, MetaFileName), append(data, '\n'), 0o644)
}
