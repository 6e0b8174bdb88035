package approval

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hashA = strings.Repeat("a", 64)
	hashB = strings.Repeat("b", 64)
)

func newTestGate(t *testing.T, opts ...Option) *Gate {
	t.Helper()
	g, err := NewGate(filepath.Join(t.TempDir(), "suggestions"), opts...)
	require.NoError(t, err)
	return g
}

func TestGate_RequestApproval(t *testing.T) {
	g := newTestGate(t)

	s, err := g.RequestApproval(hashA, map[string]string{"reason": "hotfix"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(s.Name, hashA[:12]+"-"))
	assert.Len(t, s.Name, 12+1+8)
	assert.Equal(t, StatusPending, s.Status)
	assert.FileExists(t, filepath.Join(g.Root(), s.Name))

	got, err := g.Get(s.Name)
	require.NoError(t, err)
	assert.Equal(t, hashA, got.ArtifactHash)
	assert.Equal(t, "hotfix", got.Context["reason"])

	_, err = g.RequestApproval("not-a-hash", nil)
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestGate_ApproveBySuggestion(t *testing.T) {
	g := newTestGate(t)
	s, err := g.RequestApproval(hashA, nil)
	require.NoError(t, err)

	_, ok := g.Lookup(hashA)
	require.False(t, ok)

	rec, err := g.Approve(s.Name, "alice:secret-token")
	require.NoError(t, err)
	assert.Equal(t, hashA, rec.ArtifactHash)
	assert.Equal(t, "alice", rec.Approver)
	assert.Equal(t, s.Name, rec.Suggestion)
	assert.True(t, strings.HasPrefix(rec.ApproverToken, "sha256:"))
	assert.FileExists(t, filepath.Join(g.Root(), s.Name+".approved"))

	found, ok := g.Lookup(hashA)
	require.True(t, ok)
	assert.Equal(t, rec.ApprovedAt, found.ApprovedAt)

	raw, err := os.ReadFile(filepath.Join(g.Root(), "approvals", hashA+".json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-token", "the token is never stored")

	got, err := g.Get(s.Name)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestGate_ApproveByHash(t *testing.T) {
	g := newTestGate(t)

	rec, err := g.Approve(hashB, "token")
	require.NoError(t, err)
	assert.Equal(t, DefaultApprover, rec.Approver)
	assert.Empty(t, rec.Suggestion)

	_, ok := g.Lookup(hashB)
	assert.True(t, ok)
	_, ok = g.Lookup(hashA)
	assert.False(t, ok)
}

func TestGate_ApproveFailures(t *testing.T) {
	g := newTestGate(t)
	s, err := g.RequestApproval(hashA, nil)
	require.NoError(t, err)

	_, err = g.Approve(s.Name, "   ")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = g.Approve("no-such-suggestion", "token")
	assert.ErrorIs(t, err, ErrSuggestionNotFound)

	_, err = g.Approve("../../etc/passwd", "token")
	assert.ErrorIs(t, err, ErrSuggestionNotFound)

	_, ok := g.Lookup(hashA)
	assert.False(t, ok, "failed approvals leave no record")
}

func TestGate_Reject(t *testing.T) {
	g := newTestGate(t)
	s, err := g.RequestApproval(hashA, nil)
	require.NoError(t, err)

	require.NoError(t, g.Reject(s.Name, "not tested"))
	assert.FileExists(t, filepath.Join(g.Root(), s.Name+".rejected"))

	got, err := g.Get(s.Name)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)

	_, err = g.Approve(s.Name, "token")
	assert.ErrorIs(t, err, ErrRejected)

	approved, err := g.RequestApproval(hashB, nil)
	require.NoError(t, err)
	_, err = g.Approve(approved.Name, "token")
	require.NoError(t, err)
	assert.Error(t, g.Reject(approved.Name, "too late"))

	assert.ErrorIs(t, g.Reject("missing", ""), ErrSuggestionNotFound)
}

func TestGate_PendingAndList(t *testing.T) {
	g := newTestGate(t)

	first, err := g.RequestApproval(hashA, nil)
	require.NoError(t, err)
	second, err := g.RequestApproval(hashB, nil)
	require.NoError(t, err)
	third, err := g.RequestApproval(hashA, map[string]string{"retry": "1"})
	require.NoError(t, err)

	_, err = g.Approve(first.Name, "token")
	require.NoError(t, err)
	require.NoError(t, g.Reject(second.Name, ""))

	pending, err := g.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, third.Name, pending[0].Name)

	all, err := g.List()
	require.NoError(t, err)
	assert.Len(t, all, 3, "markers and the approval index are not suggestions")
}

func TestGate_ResolveHash(t *testing.T) {
	g := newTestGate(t)
	s, err := g.RequestApproval(hashA, nil)
	require.NoError(t, err)

	hash, err := g.ResolveHash(s.Name)
	require.NoError(t, err)
	assert.Equal(t, hashA, hash)

	hash, err = g.ResolveHash(hashB)
	require.NoError(t, err)
	assert.Equal(t, hashB, hash)

	_, err = g.ResolveHash("garbage")
	assert.ErrorIs(t, err, ErrSuggestionNotFound)
}

func TestGate_HMACValidator(t *testing.T) {
	secret := []byte("shared-secret")
	g := newTestGate(t, WithValidator(HMACTokenValidator{Secret: secret}))

	_, err := g.Approve(hashA, SignToken(secret, "bob", hashB))
	assert.ErrorIs(t, err, ErrInvalidToken, "a token is bound to its hash")

	_, err = g.Approve(hashA, SignToken([]byte("other"), "bob", hashA))
	assert.ErrorIs(t, err, ErrInvalidToken)

	rec, err := g.Approve(hashA, SignToken(secret, "bob", hashA))
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.Approver)
}
